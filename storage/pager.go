package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/internal/metrics"
)

// Pager owns the on-disk file, the fixed header prefix and allocation
// bitmap cached in page 0, and the raw ReadPage/WritePage primitives
// every other piece of the engine (cache, WAL, B+Tree) is built on.
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	readOnly bool
	closed   bool

	header fileHeader
	bmp    bitmap

	log *logger.Logger
	met *metrics.Metrics
}

// Options configures Open.
type Options struct {
	ReadOnly bool
	Log      *logger.Logger
	Metrics  *metrics.Metrics
}

// Open opens or creates an amidb file at path.
//
// If the first HeaderPrefixSize bytes of an existing file match Magic,
// the existing header and bitmap are loaded. Otherwise — including an
// empty or freshly created file — a brand-new header is initialized and
// page 0 is overwritten with it; this also applies to a non-empty file
// whose magic doesn't match, matching the original engine's behavior.
// Any read error other than the file ending before HeaderPrefixSize
// bytes is reported as an I/O error.
func Open(path string, opts Options) (*Pager, error) {
	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, common.New(common.KindIOError, "pager.open", err)
	}

	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("pager")
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}

	p := &Pager{
		file:     f,
		readOnly: opts.ReadOnly,
		log:      log,
		met:      met,
	}

	if err := p.load(); err != nil {
		f.Close()
		return nil, err
	}

	if p.header.Flags&FlagDirty != 0 {
		if p.readOnly {
			return nil, common.New(common.KindCorrupt, "pager.open",
				fmt.Errorf("database was not closed cleanly and cannot be recovered read-only"))
		}
		log.Info().Msg("dirty flag set, running recovery")
		if err := recover(p); err != nil {
			f.Close()
			return nil, err
		}
	}

	return p, nil
}

func (p *Pager) load() error {
	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, 0)
	if err != nil && n < HeaderPrefixSize {
		if isEOFShortRead(err, n) {
			return p.initFresh()
		}
		return common.New(common.KindIOError, "pager.load", err)
	}

	h := decodeFileHeader(buf)
	if h.Magic != Magic {
		return p.initFresh()
	}

	p.header = h
	copy(p.bmp[:], buf[BitmapOffset:BitmapOffset+BitmapSize])
	return nil
}

func isEOFShortRead(err error, n int) bool {
	return n < HeaderPrefixSize && errors.Is(err, io.EOF)
}

// initFresh stamps a brand-new header onto page 0, overwriting whatever
// was there.
func (p *Pager) initFresh() error {
	if p.readOnly {
		return common.New(common.KindCorrupt, "pager.load",
			fmt.Errorf("not a valid amidb file"))
	}
	p.header = fileHeader{
		Magic:         Magic,
		Version:       FormatVersion,
		PageSize:      PageSize,
		PageCount:     WALRegionStartPage + WALRegionSize/PageSize,
		FirstFreePage: 0,
		RootPage:      0,
		WALOffset:     WALRegionOffset,
		Flags:         0,
		WALHead:       0,
		WALTail:       0,
		CatalogRoot:   0,
	}
	p.bmp = bitmap{}
	p.bmp.set(0)
	for pg := uint32(1); pg < p.header.PageCount; pg++ {
		p.bmp.set(pg)
	}
	return p.writeHeaderLocked()
}

// WriteHeader re-serializes the in-memory header and bitmap into page 0.
func (p *Pager) WriteHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeHeaderLocked()
}

func (p *Pager) writeHeaderLocked() error {
	if p.readOnly {
		return common.New(common.KindIOError, "pager.write_header", fmt.Errorf("read-only"))
	}
	buf := make([]byte, PageSize)
	p.header.encode(buf)
	copy(buf[BitmapOffset:BitmapOffset+BitmapSize], p.bmp[:])
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return common.New(common.KindIOError, "pager.write_header", err)
	}
	return nil
}

func (p *Pager) markDirty() error {
	if p.header.Flags&FlagDirty != 0 {
		return nil
	}
	p.header.Flags |= FlagDirty
	return p.writeHeaderLocked()
}

// PageCount returns the number of pages the file currently spans.
func (p *Pager) PageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.PageCount
}

// AllocatePage reserves the lowest free page at or above page 1,
// growing the file if necessary, and initializes it on disk as an
// empty PageTypeFree page.
func (p *Pager) AllocatePage() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readOnly {
		return 0, common.New(common.KindIOError, "pager.allocate_page", fmt.Errorf("read-only"))
	}
	if err := p.markDirty(); err != nil {
		return 0, err
	}

	pg, ok := p.bmp.firstClear(1)
	if !ok {
		return 0, common.New(common.KindFull, "pager.allocate_page", common.ErrFull)
	}

	p.bmp.set(pg)
	if pg >= p.header.PageCount {
		p.header.PageCount = pg + 1
	}
	if err := p.writeHeaderLocked(); err != nil {
		p.bmp.clear(pg)
		return 0, err
	}

	buf := make([]byte, PageSize)
	hdr := pageHeader{PageNum: pg, PageType: PageTypeFree}
	hdr.Checksum = bodyChecksum(buf)
	encodePageHeader(buf, hdr)
	if _, err := p.file.WriteAt(buf, int64(pg)*PageSize); err != nil {
		return 0, common.New(common.KindIOError, "pager.allocate_page", err)
	}

	p.met.PageAllocsTotal.Inc()
	p.log.Debug().Uint32("page", pg).Msg("allocated page")
	return pg, nil
}

// FreePage clears the allocation bit for page. The page's on-disk
// content is left untouched.
func (p *Pager) FreePage(page uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readOnly {
		return common.New(common.KindIOError, "pager.free_page", fmt.Errorf("read-only"))
	}
	if page == 0 || page >= p.header.PageCount {
		return common.New(common.KindError, "pager.free_page", fmt.Errorf("page %d out of range", page))
	}
	if !p.bmp.test(page) {
		return common.New(common.KindError, "pager.free_page", fmt.Errorf("page %d not allocated", page))
	}
	if err := p.markDirty(); err != nil {
		return err
	}

	p.bmp.clear(page)
	if err := p.writeHeaderLocked(); err != nil {
		p.bmp.set(page)
		return err
	}
	p.met.PageFreesTotal.Inc()
	p.log.Debug().Uint32("page", page).Msg("freed page")
	return nil
}

// ReadPage reads page into buf, which must be PageSize bytes, verifying
// the stored page number and checksum.
func (p *Pager) ReadPage(page uint32, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readPageLocked(page, buf)
}

func (p *Pager) readPageLocked(page uint32, buf []byte) error {
	if len(buf) != PageSize {
		return common.New(common.KindError, "pager.read_page", fmt.Errorf("buffer must be %d bytes", PageSize))
	}
	if page >= p.header.PageCount {
		return common.New(common.KindError, "pager.read_page", fmt.Errorf("page %d out of range", page))
	}

	if _, err := p.file.ReadAt(buf, int64(page)*PageSize); err != nil {
		return common.New(common.KindIOError, "pager.read_page", err)
	}

	hdr := decodePageHeader(buf)
	if hdr.PageNum != page {
		p.met.ChecksumErrors.Inc()
		return common.New(common.KindCorrupt, "pager.read_page",
			fmt.Errorf("page %d has stored page_num %d", page, hdr.PageNum))
	}
	if got := bodyChecksum(buf); got != hdr.Checksum {
		p.met.ChecksumErrors.Inc()
		return common.New(common.KindCorrupt, "pager.read_page",
			fmt.Errorf("page %d checksum mismatch: want %08x got %08x", page, hdr.Checksum, got))
	}

	p.met.PageReadsTotal.Inc()
	return nil
}

// WritePage stamps page's number and checksum into buf (the caller sets
// page_type before calling) and writes the full page to disk.
func (p *Pager) WritePage(page uint32, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(page, buf)
}

func (p *Pager) writePageLocked(page uint32, buf []byte) error {
	if p.readOnly {
		return common.New(common.KindIOError, "pager.write_page", fmt.Errorf("read-only"))
	}
	if len(buf) != PageSize {
		return common.New(common.KindError, "pager.write_page", fmt.Errorf("buffer must be %d bytes", PageSize))
	}
	if err := p.markDirty(); err != nil {
		return err
	}

	binaryPutPageNum(buf, page)
	putChecksum(buf, bodyChecksum(buf))

	if _, err := p.file.WriteAt(buf, int64(page)*PageSize); err != nil {
		return common.New(common.KindIOError, "pager.write_page", err)
	}
	p.met.PageWritesTotal.Inc()
	return nil
}

func binaryPutPageNum(buf []byte, page uint32) {
	hdr := decodePageHeader(buf)
	hdr.PageNum = page
	encodePageHeader(buf, hdr)
}

func putChecksum(buf []byte, sum uint32) {
	hdr := decodePageHeader(buf)
	hdr.Checksum = sum
	encodePageHeader(buf, hdr)
}

// Sync flushes the file to stable storage. It is a no-op on a read-only
// pager.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncLocked()
}

func (p *Pager) syncLocked() error {
	if p.readOnly {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return common.New(common.KindIOError, "pager.sync", err)
	}
	return nil
}

// GetCatalogRoot returns the page number of the catalog's B+Tree root,
// or 0 if no catalog has been created yet.
func (p *Pager) GetCatalogRoot() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header.CatalogRoot
}

// SetCatalogRoot persists the catalog root page number into the file
// header.
func (p *Pager) SetCatalogRoot(page uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.CatalogRoot = page
	return p.writeHeaderLocked()
}

// Close clears the dirty flag (if the WAL has nothing pending) and
// releases the file handle.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if !p.readOnly && p.header.WALHead == 0 {
		p.header.Flags &^= FlagDirty
		if err := p.writeHeaderLocked(); err != nil {
			p.file.Close()
			return err
		}
		if err := p.syncLocked(); err != nil {
			p.file.Close()
			return err
		}
	}

	return p.file.Close()
}
