package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/internal/metrics"
)

// WAL record types.
const (
	WALBegin      uint16 = 0x0001
	WALCommit     uint16 = 0x0002
	WALAbort      uint16 = 0x0003
	WALPage       uint16 = 0x0010
	WALCheckpoint uint16 = 0x0020
)

// walMagic is "WALR" read as a little-endian uint32, so encodeWALHeader
// writes the byte sequence 0x57 0x41 0x4C 0x52 the original engine stamps.
const walMagic uint32 = 0x524C4157

// walRecordHeaderSize is the fixed 24-byte prefix of every WAL record:
// magic(4) record_type(2) flags(2) record_size(4) txn_id(8) checksum(4).
const walRecordHeaderSize = 24

// walPageRecordPayloadSize is a target page_num(4) plus a full page
// image, the payload of a WALPage record.
const walPageRecordPayloadSize = 4 + PageSize

type walRecordHeader struct {
	Magic      uint32
	RecordType uint16
	Flags      uint16
	RecordSize uint32
	TxnID      uint64
	Checksum   uint32
}

func encodeWALHeader(buf []byte, h walRecordHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.RecordType)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.RecordSize)
	binary.LittleEndian.PutUint64(buf[12:20], h.TxnID)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
}

func decodeWALHeader(buf []byte) walRecordHeader {
	return walRecordHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		RecordType: binary.LittleEndian.Uint16(buf[4:6]),
		Flags:      binary.LittleEndian.Uint16(buf[6:8]),
		RecordSize: binary.LittleEndian.Uint32(buf[8:12]),
		TxnID:      binary.LittleEndian.Uint64(buf[12:20]),
		Checksum:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// WAL manages the in-memory record buffer and the fixed on-disk region
// (WALRegionOffset, WALRegionSize bytes) it gets flushed into. A WAL is
// always owned by exactly one Pager.
type WAL struct {
	pager *Pager

	buffer         []byte
	bufferUsed     int
	currentTxnID   uint64
	txnStartOffset int

	log *logger.Logger
	met *metrics.Metrics
}

// NewWAL builds a WAL bound to pager. Callers that want transactional
// writes construct one and pass it to NewTxn.
func NewWAL(p *Pager, log *logger.Logger, met *metrics.Metrics) *WAL {
	if log == nil {
		log = logger.Nop()
	}
	if met == nil {
		met = metrics.New()
	}
	return &WAL{
		pager:  p,
		buffer: make([]byte, WALBufferSize),
		log:    log.Component("wal"),
		met:    met,
	}
}

// WriteRecord appends a record to the in-memory buffer. payload is nil
// for BEGIN/COMMIT/ABORT records.
func (w *WAL) WriteRecord(recordType uint16, payload []byte) error {
	recordSize := walRecordHeaderSize + len(payload)
	if w.bufferUsed+recordSize > WALBufferSize {
		return common.New(common.KindFull, "wal.write_record", common.ErrFull)
	}

	hdr := walRecordHeader{
		Magic:      walMagic,
		RecordType: recordType,
		RecordSize: uint32(recordSize),
		TxnID:      w.currentTxnID,
	}

	rec := make([]byte, recordSize)
	encodeWALHeader(rec, hdr)
	copy(rec[walRecordHeaderSize:], payload)
	// checksum covers the whole record except the checksum field itself
	binary.LittleEndian.PutUint32(rec[20:24], walChecksum(rec))

	copy(w.buffer[w.bufferUsed:], rec)
	w.bufferUsed += recordSize
	w.met.WALRecordsWritten.Inc()
	return nil
}

// walChecksum computes the CRC32 of record with its checksum field
// (bytes 20:24) treated as zero, matching how the field was laid out
// when it was written.
func walChecksum(record []byte) uint32 {
	buf := make([]byte, len(record))
	copy(buf, record)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
	return common.Checksum(buf)
}

func verifyWALChecksum(record []byte) bool {
	if len(record) < walRecordHeaderSize {
		return false
	}
	hdr := decodeWALHeader(record)
	if int(hdr.RecordSize) != len(record) {
		return false
	}
	return walChecksum(record) == hdr.Checksum
}

// Flush writes the in-memory buffer to the on-disk WAL region and
// fsyncs; this is the durability point a commit depends on.
func (w *WAL) Flush() error {
	if w.bufferUsed == 0 {
		return nil
	}

	p := w.pager
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.header.WALHead+uint32(w.bufferUsed) > WALRegionSize {
		return common.New(common.KindFull, "wal.flush", fmt.Errorf("WAL region exhausted, checkpoint required"))
	}

	off := int64(WALRegionOffset) + int64(p.header.WALHead)
	if _, err := p.file.WriteAt(w.buffer[:w.bufferUsed], off); err != nil {
		return common.New(common.KindIOError, "wal.flush", err)
	}
	if err := p.file.Sync(); err != nil {
		return common.New(common.KindIOError, "wal.flush", err)
	}

	p.header.WALHead += uint32(w.bufferUsed)
	if err := p.writeHeaderLocked(); err != nil {
		return err
	}

	w.met.WALFlushesTotal.Inc()
	w.met.WALBytesFlushed.Add(float64(w.bufferUsed))
	return nil
}

// ResetBuffer discards the in-memory buffer and rewinds the on-disk WAL
// region, called once a checkpoint has made its contents redundant.
func (w *WAL) ResetBuffer() error {
	w.bufferUsed = 0
	w.txnStartOffset = 0

	p := w.pager
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.WALHead = 0
	p.header.WALTail = 0
	return p.writeHeaderLocked()
}

// DiscardTo rewinds the in-memory buffer to offset, discarding any
// records written since (an abort of the current transaction).
func (w *WAL) DiscardTo(offset int) {
	w.bufferUsed = offset
}

// BeginTxn assigns the next transaction id and records the buffer
// offset the transaction started at, for abort to roll back to.
func (w *WAL) BeginTxn() uint64 {
	w.currentTxnID++
	w.txnStartOffset = w.bufferUsed
	return w.currentTxnID
}

// TxnStartOffset returns the in-memory buffer offset recorded by the
// most recent BeginTxn.
func (w *WAL) TxnStartOffset() int { return w.txnStartOffset }
