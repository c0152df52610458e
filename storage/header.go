// Package storage implements the pager, buffer cache, write-ahead log and
// transaction manager described in spec.md §§4.1-4.2 and §§4.5-4.6: the
// fixed 4096-byte page file format, its header and allocation bitmap, a
// pinned LRU page cache, and the eager-checkpoint WAL/txn machinery that
// gives amidb crash recovery.
package storage

import (
	"encoding/binary"

	"github.com/tendai-ng/amidb/common"
)

const (
	// PageSize is the fixed page size; the format has no variable-page-size
	// mode.
	PageSize = common.PageSize

	// Magic identifies an amidb file. The first 4 bytes of page 0 must
	// match this value or Open rejects the file.
	Magic uint32 = 0x416D6944

	// FormatVersion is the on-disk file format version.
	FormatVersion uint32 = 1

	// MaxPages bounds the file size via the header bitmap: 4096 pages of
	// 4096 bytes each is a 16 MiB ceiling.
	MaxPages = 4096

	// HeaderPrefixSize is the fixed-field region at the start of page 0,
	// before the allocation bitmap: 11 uint32 fields (44 bytes) plus 5
	// reserved uint32 words (20 bytes).
	HeaderPrefixSize = 64

	// BitmapSize is MaxPages/8: one bit per page.
	BitmapSize = MaxPages / 8

	// BitmapOffset is where the allocation bitmap begins within page 0.
	BitmapOffset = HeaderPrefixSize

	// PageHeaderSize is the fixed header at the start of every non-header
	// page: page_num(4) + page_type(1) + reserved(3) + checksum(4).
	PageHeaderSize = 12

	// WAL region: a fixed 128 KiB window starting at page 3 (offset
	// 0x3000), i.e. pages 3..34 inclusive.
	WALRegionStartPage = 3
	WALRegionOffset    = WALRegionStartPage * PageSize
	WALRegionSize      = 32 * PageSize

	// WALBufferSize is the in-memory not-yet-flushed record buffer.
	WALBufferSize = 32 * 1024
)

// Page types, stored in the page header's page_type byte.
const (
	PageTypeFree     byte = 0
	PageTypeHeader   byte = 1
	PageTypeBTree    byte = 2
	PageTypeOverflow byte = 3
	PageTypeFreeList byte = 4
	PageTypeWAL      byte = 5
)

// Header flag bits.
const (
	FlagDirty uint32 = 1 << 0
)

// fileHeader is the fixed-layout prefix of page 0, little-endian, matching
// spec.md §3 "File header (page 0)".
type fileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	PageCount     uint32
	FirstFreePage uint32
	RootPage      uint32
	WALOffset     uint32
	Flags         uint32
	WALHead       uint32
	WALTail       uint32
	CatalogRoot   uint32
}

func (h *fileHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.FirstFreePage)
	binary.LittleEndian.PutUint32(buf[20:24], h.RootPage)
	binary.LittleEndian.PutUint32(buf[24:28], h.WALOffset)
	binary.LittleEndian.PutUint32(buf[28:32], h.Flags)
	binary.LittleEndian.PutUint32(buf[32:36], h.WALHead)
	binary.LittleEndian.PutUint32(buf[36:40], h.WALTail)
	binary.LittleEndian.PutUint32(buf[40:44], h.CatalogRoot)
	for i := 44; i < HeaderPrefixSize; i++ {
		buf[i] = 0
	}
}

func decodeFileHeader(buf []byte) fileHeader {
	return fileHeader{
		Magic:         binary.LittleEndian.Uint32(buf[0:4]),
		Version:       binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:      binary.LittleEndian.Uint32(buf[8:12]),
		PageCount:     binary.LittleEndian.Uint32(buf[12:16]),
		FirstFreePage: binary.LittleEndian.Uint32(buf[16:20]),
		RootPage:      binary.LittleEndian.Uint32(buf[20:24]),
		WALOffset:     binary.LittleEndian.Uint32(buf[24:28]),
		Flags:         binary.LittleEndian.Uint32(buf[28:32]),
		WALHead:       binary.LittleEndian.Uint32(buf[32:36]),
		WALTail:       binary.LittleEndian.Uint32(buf[36:40]),
		CatalogRoot:   binary.LittleEndian.Uint32(buf[40:44]),
	}
}

// bitmap is the page allocation bitmap embedded in page 0 right after the
// fixed header prefix, one bit per page; page 0 is always set.
type bitmap [BitmapSize]byte

func (b *bitmap) test(page uint32) bool {
	return b[page/8]&(1<<(page%8)) != 0
}

func (b *bitmap) set(page uint32) {
	b[page/8] |= 1 << (page % 8)
}

func (b *bitmap) clear(page uint32) {
	b[page/8] &^= 1 << (page % 8)
}

// firstClear returns the lowest page number >= from that is not allocated,
// or ok=false if the bitmap is exhausted.
func (b *bitmap) firstClear(from uint32) (page uint32, ok bool) {
	for p := from; p < MaxPages; p++ {
		if !b.test(p) {
			return p, true
		}
	}
	return 0, false
}

// pageHeader is the fixed prefix of every non-header page.
type pageHeader struct {
	PageNum  uint32
	PageType byte
	Checksum uint32
}

func encodePageHeader(buf []byte, h pageHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.PageNum)
	buf[4] = h.PageType
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[8:12], h.Checksum)
}

func decodePageHeader(buf []byte) pageHeader {
	return pageHeader{
		PageNum:  binary.LittleEndian.Uint32(buf[0:4]),
		PageType: buf[4],
		Checksum: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func bodyChecksum(page []byte) uint32 {
	return common.Checksum(page[PageHeaderSize:])
}
