package storage

import (
	"encoding/binary"
	"sync"

	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/internal/metrics"
)

// TxnState is a transaction's position in the Idle/Active/Committing/
// Aborting state machine. At most one transaction may be Active at a
// time; amidb has no concurrent-writer support.
type TxnState int

const (
	TxnIdle TxnState = iota
	TxnActive
	TxnCommitting
	TxnAborting
)

// MaxDirtyPages bounds the number of distinct pages a single
// transaction may modify.
const MaxDirtyPages = 64

// Txn is the single in-flight transaction a Pager/Cache/WAL triple
// supports. Begin/Commit/Abort drive the state machine; AddDirtyPage
// is called by higher layers (B+Tree, catalog) whenever they mutate a
// cached page.
type Txn struct {
	mu sync.Mutex

	pager *Pager
	cache *Cache
	wal   *WAL

	state TxnState
	id    uint64

	dirtyPages  []uint32
	pinnedPages []uint32

	commitCount uint64
	abortCount  uint64

	log *logger.Logger
	met *metrics.Metrics
}

// NewTxn builds a transaction manager over the given pager, cache and
// WAL. A database has exactly one of these for its lifetime.
func NewTxn(pager *Pager, cache *Cache, wal *WAL, log *logger.Logger, met *metrics.Metrics) *Txn {
	if log == nil {
		log = logger.Nop()
	}
	return &Txn{
		pager: pager,
		cache: cache,
		wal:   wal,
		log:   log.Component("txn"),
		met:   met,
	}
}

// State returns the transaction's current state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin starts a new transaction. It fails with ErrBusy if one is
// already active.
func (t *Txn) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxnIdle {
		return common.New(common.KindBusy, "txn.begin", common.ErrBusy)
	}

	t.state = TxnActive
	t.id = t.wal.BeginTxn()
	t.dirtyPages = t.dirtyPages[:0]
	t.pinnedPages = t.pinnedPages[:0]

	if err := t.wal.WriteRecord(WALBegin, nil); err != nil {
		t.state = TxnIdle
		return err
	}
	t.met.TxnBeginsTotal.Inc()
	return nil
}

// AddDirtyPage records page as modified by the active transaction,
// tagging it in the cache so the evictor and checkpoint leave it alone
// until commit or abort.
func (t *Txn) AddDirtyPage(page uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.dirtyPages {
		if p == page {
			return nil
		}
	}
	if len(t.dirtyPages) >= MaxDirtyPages {
		return common.New(common.KindFull, "txn.add_dirty_page", common.ErrFull)
	}
	t.dirtyPages = append(t.dirtyPages, page)
	t.cache.SetTxnTag(page, t.id)

	found := false
	for _, p := range t.pinnedPages {
		if p == page {
			found = true
			break
		}
	}
	if !found {
		if len(t.pinnedPages) >= MaxDirtyPages {
			return common.New(common.KindFull, "txn.add_dirty_page", common.ErrFull)
		}
		t.pinnedPages = append(t.pinnedPages, page)
	}
	return nil
}

// IsPageDirty reports whether page has already been recorded dirty by
// the active transaction.
func (t *Txn) IsPageDirty(page uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.dirtyPages {
		if p == page {
			return true
		}
	}
	return false
}

// Commit performs the six-step eager-checkpoint commit: log every
// dirty page and a COMMIT record, flush and fsync the WAL (the
// durability point), write every dirty page to its home offset and
// sync the pager, reset the WAL buffer, and unpin everything.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxnActive {
		return common.New(common.KindError, "txn.commit", common.ErrBusy)
	}
	t.state = TxnCommitting

	for _, page := range t.dirtyPages {
		entry := t.cache.Find(page)
		if entry == nil || entry.State != CacheEntryDirty {
			continue
		}
		payload := make([]byte, 4+PageSize)
		binary.LittleEndian.PutUint32(payload[0:4], page)
		copy(payload[4:], entry.Data)
		if err := t.wal.WriteRecord(WALPage, payload); err != nil {
			t.rollbackLocked()
			return err
		}
	}

	if err := t.wal.WriteRecord(WALCommit, nil); err != nil {
		t.rollbackLocked()
		return err
	}

	if err := t.wal.Flush(); err != nil {
		t.state = TxnIdle
		return err
	}

	// Durable from here: the checkpoint below is a best-effort speedup,
	// not required for correctness, since recovery can always redo it.
	for _, page := range t.dirtyPages {
		entry := t.cache.Find(page)
		if entry == nil {
			continue
		}
		if err := t.pager.WritePage(page, entry.Data); err != nil {
			continue
		}
		entry.State = CacheEntryClean
		entry.TxnID = 0
	}
	if err := t.pager.Sync(); err != nil {
		return err
	}

	if err := t.wal.ResetBuffer(); err != nil {
		return err
	}

	for _, page := range t.pinnedPages {
		_ = t.cache.Unpin(page)
	}

	t.dirtyPages = t.dirtyPages[:0]
	t.pinnedPages = t.pinnedPages[:0]
	t.state = TxnIdle
	t.commitCount++
	t.met.TxnCommitsTotal.Inc()
	t.log.Debug().Uint64("txn_id", t.id).Msg("committed")
	return nil
}

// Abort discards every change the active transaction made by reloading
// each dirty page's on-disk image into its cache frame, then unpins
// everything and rewinds the in-memory WAL buffer.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackLocked()
}

func (t *Txn) rollbackLocked() error {
	t.state = TxnAborting

	buf := make([]byte, PageSize)
	for _, page := range t.dirtyPages {
		entry := t.cache.Find(page)
		if entry == nil {
			continue
		}
		if err := t.pager.ReadPage(page, buf); err == nil {
			copy(entry.Data, buf)
			entry.State = CacheEntryClean
		} else {
			entry.State = CacheEntryInvalid
		}
		entry.TxnID = 0
	}

	for _, page := range t.pinnedPages {
		_ = t.cache.Unpin(page)
	}

	t.dirtyPages = t.dirtyPages[:0]
	t.pinnedPages = t.pinnedPages[:0]
	t.wal.DiscardTo(t.wal.TxnStartOffset())
	t.state = TxnIdle
	t.abortCount++
	t.met.TxnAbortsTotal.Inc()
	t.log.Debug().Uint64("txn_id", t.id).Msg("aborted")
	return nil
}
