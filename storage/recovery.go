package storage

import (
	"encoding/binary"

	"github.com/tendai-ng/amidb/common"
)

// recover replays committed transactions from the WAL region into the
// main database and clears the dirty flag. It is invoked from Open
// when the header's dirty flag is set.
//
// Pass 1 walks records from offset 0 to wal_head collecting the txn_id
// of every valid COMMIT record, stopping at the first magic mismatch,
// truncated record, or checksum failure. Pass 2 walks the same range
// again and writes the embedded page image of every PAGE record whose
// txn_id committed, using the identical stopping rule.
func recover(p *Pager) error {
	region := make([]byte, WALRegionSize)
	if _, err := p.file.ReadAt(region, WALRegionOffset); err != nil {
		return common.New(common.KindIOError, "storage.recover", err)
	}

	head := p.header.WALHead
	if head > WALRegionSize {
		head = WALRegionSize
	}

	committed := make(map[uint64]bool)
	for off := uint32(0); off+walRecordHeaderSize <= head; {
		hdr := decodeWALHeader(region[off:])
		if hdr.Magic != walMagic || hdr.RecordSize == 0 || off+hdr.RecordSize > uint32(len(region)) {
			break
		}
		rec := region[off : off+hdr.RecordSize]
		if !verifyWALChecksum(rec) {
			break
		}
		if hdr.RecordType == WALCommit {
			committed[hdr.TxnID] = true
		}
		off += hdr.RecordSize
	}

	recoveredPages := 0
	for off := uint32(0); off+walRecordHeaderSize <= head; {
		hdr := decodeWALHeader(region[off:])
		if hdr.Magic != walMagic || hdr.RecordSize == 0 || off+hdr.RecordSize > uint32(len(region)) {
			break
		}
		rec := region[off : off+hdr.RecordSize]
		if !verifyWALChecksum(rec) {
			break
		}
		if hdr.RecordType == WALPage && committed[hdr.TxnID] {
			payload := rec[walRecordHeaderSize:]
			if len(payload) == walPageRecordPayloadSize {
				pageNum := binary.LittleEndian.Uint32(payload[0:4])
				image := make([]byte, PageSize)
				copy(image, payload[4:4+PageSize])
				if err := p.writePageLocked(pageNum, image); err != nil {
					return err
				}
				recoveredPages++
			}
		}
		off += hdr.RecordSize
	}

	if err := p.syncLocked(); err != nil {
		return err
	}

	p.header.WALHead = 0
	p.header.WALTail = 0
	p.header.Flags &^= FlagDirty
	if err := p.writeHeaderLocked(); err != nil {
		return err
	}

	p.met.WALRecoveryRuns.Inc()
	p.met.WALRecoveredPages.Add(float64(recoveredPages))
	p.log.Info().Int("recovered_pages", recoveredPages).Msg("recovery complete")
	return nil
}
