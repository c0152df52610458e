// Package engine is the thin executor described in spec.md §3 "Catalog
// + executor (external)": it drives the catalog, the per-table B+Trees
// and the row codec on behalf of already-typed Go calls (CreateTable,
// Insert, Get, Scan, Update, Delete) — there is no SQL text, lexer, or
// parser here, matching spec.md §1's non-goal.
package engine

import (
	"fmt"

	"github.com/tendai-ng/amidb/btree"
	"github.com/tendai-ng/amidb/catalog"
	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/internal/metrics"
	"github.com/tendai-ng/amidb/row"
	"github.com/tendai-ng/amidb/storage"
)

// rowPageBodySize is the usable space for a serialized row: the page
// body minus its fixed header.
const rowPageBodySize = storage.PageSize - storage.PageHeaderSize

// Options configures Open.
type Options struct {
	ReadOnly      bool
	CacheCapacity int
	Log           *logger.Logger
	Metrics       *metrics.Metrics
}

// Engine owns the pager/cache/WAL/transaction stack for one amidb file
// plus its catalog, and exposes CRUD against tables as direct Go calls.
type Engine struct {
	pager *storage.Pager
	cache *storage.Cache
	wal   *storage.WAL
	txn   *storage.Txn
	cat   *catalog.Catalog
	log   *logger.Logger
	met   *metrics.Metrics
}

// Open opens (or creates) an amidb file at path and its catalog.
func Open(path string, opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = 256
	}

	pager, err := storage.Open(path, storage.Options{ReadOnly: opts.ReadOnly, Log: log, Metrics: met})
	if err != nil {
		return nil, err
	}
	cache := storage.NewCache(pager, capacity, log, met)
	wal := storage.NewWAL(pager, log, met)
	txn := storage.NewTxn(pager, cache, wal, log, met)

	cat, err := catalog.Init(pager, cache, log)
	if err != nil {
		pager.Close()
		return nil, err
	}

	return &Engine{pager: pager, cache: cache, wal: wal, txn: txn, cat: cat, log: log.Component("engine"), met: met}, nil
}

// Close flushes the cache and closes the underlying file.
func (e *Engine) Close() error {
	if err := e.cache.Flush(); err != nil {
		return err
	}
	return e.pager.Close()
}

// Metrics exposes the engine's Prometheus registry for a caller that
// wants to dump a snapshot; amidb never serves it over the network.
func (e *Engine) Metrics() *metrics.Metrics { return e.met }

// Begin starts the single in-flight transaction every mutation below
// is attached to once one is active; without an active transaction,
// mutations are directly visible to the next flush, per spec.md §4.6.
func (e *Engine) Begin() error {
	if err := e.txn.Begin(); err != nil {
		return err
	}
	e.cat.SetTransaction(e.txn)
	return nil
}

// Commit performs the eager-checkpoint commit and detaches the
// transaction from the catalog.
func (e *Engine) Commit() error {
	err := e.txn.Commit()
	e.cat.SetTransaction(nil)
	return err
}

// Abort discards the active transaction's changes and detaches it.
func (e *Engine) Abort() error {
	err := e.txn.Abort()
	e.cat.SetTransaction(nil)
	return err
}

// CreateTable registers a new table with the given columns.
// primaryKeyIndex is -1 for an implicit auto-increment rowid key.
func (e *Engine) CreateTable(name string, columns []catalog.ColumnDef, primaryKeyIndex int) error {
	_, err := e.cat.CreateTable(name, columns, primaryKeyIndex)
	return err
}

// DropTable removes a table's catalog entry and frees its data
// B+Tree's node pages and its schema page. The per-row data pages that
// the tree's values point to are not freed and stay allocated.
func (e *Engine) DropTable(name string) error {
	return e.cat.DropTable(name)
}

// openDataTree only attaches the engine's transaction when one is
// active: with no transaction begun, mutations are directly visible to
// the next flush rather than accumulating as an ever-growing dirty set
// that would eventually overflow MaxDirtyPages, per spec.md §4.6.
func (e *Engine) openDataTree(s *catalog.Schema) *btree.Tree {
	t := btree.Open(e.pager, e.cache, s.BTreeRoot, e.log)
	if e.txn.State() == storage.TxnActive {
		t.SetTransaction(e.txn)
	}
	return t
}

// Insert encodes values as a row, assigns it a key (the primary-key
// column's integer value, or the next auto-increment rowid), rejects a
// duplicate primary key, and links the key to a freshly allocated data
// page in the table's B+Tree. The B+Tree itself is upsert-only (spec.md
// §9 Q5); duplicate-key rejection is this layer's job.
func (e *Engine) Insert(table string, values []row.Value) (int32, error) {
	s, err := e.cat.GetTable(table)
	if err != nil {
		return 0, err
	}
	if len(values) != len(s.Columns) {
		return 0, common.New(common.KindError, "engine.insert",
			fmt.Errorf("table %s has %d columns, got %d values", table, len(s.Columns), len(values)))
	}

	var key int32
	if s.PrimaryKeyIndex >= 0 {
		pk := values[s.PrimaryKeyIndex]
		if pk.Type != row.TypeInteger {
			return 0, common.New(common.KindError, "engine.insert", fmt.Errorf("primary key column must be integer"))
		}
		key = pk.Int
	} else {
		key = int32(s.NextRowID)
	}

	tree := e.openDataTree(s)
	if _, err := tree.Search(key); err == nil {
		return 0, common.New(common.KindExists, "engine.insert", common.ErrExists)
	}

	r, err := row.FromValues(values)
	if err != nil {
		return 0, err
	}
	page, err := e.writeNewRowPage(r)
	if err != nil {
		return 0, err
	}

	if err := tree.Insert(key, page); err != nil {
		return 0, err
	}

	s.BTreeRoot = tree.RootPage()
	s.RowCount++
	if s.PrimaryKeyIndex < 0 {
		s.NextRowID++
	}
	if err := e.cat.UpdateTable(s); err != nil {
		return 0, err
	}
	return key, nil
}

// Get looks up a single row by key.
func (e *Engine) Get(table string, key int32) (*row.Row, error) {
	s, err := e.cat.GetTable(table)
	if err != nil {
		return nil, err
	}
	tree := e.openDataTree(s)
	page, err := tree.Search(key)
	if err != nil {
		return nil, err
	}
	return e.readRowPage(page)
}

// Scan walks every row of table in primary-key order, calling fn for
// each until it returns an error or the table is exhausted.
func (e *Engine) Scan(table string, fn func(key int32, r *row.Row) error) error {
	s, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tree := e.openDataTree(s)
	cur, err := tree.CursorFirst()
	if err != nil {
		return err
	}
	for cur.Valid() {
		key, page, err := cur.Get()
		if err != nil {
			return err
		}
		r, err := e.readRowPage(page)
		if err != nil {
			return err
		}
		if err := fn(key, r); err != nil {
			return err
		}
		if err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Update overwrites the row stored at key in place. The row's page
// number and the tree structure are unchanged; only its content is
// rewritten.
func (e *Engine) Update(table string, key int32, values []row.Value) error {
	s, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tree := e.openDataTree(s)
	page, err := tree.Search(key)
	if err != nil {
		return err
	}

	r, err := row.FromValues(values)
	if err != nil {
		return err
	}
	return e.overwriteRowPage(page, r)
}

// Delete removes key's entry from the table's B+Tree and frees its
// data page.
func (e *Engine) Delete(table string, key int32) error {
	s, err := e.cat.GetTable(table)
	if err != nil {
		return err
	}
	tree := e.openDataTree(s)
	page, err := tree.Search(key)
	if err != nil {
		return err
	}
	if err := tree.Delete(key); err != nil {
		return err
	}
	if err := e.pager.FreePage(page); err != nil {
		return err
	}

	s.BTreeRoot = tree.RootPage()
	s.RowCount--
	return e.cat.UpdateTable(s)
}

func (e *Engine) writeNewRowPage(r *row.Row) (uint32, error) {
	if r.SerializedSize() > rowPageBodySize {
		return 0, common.New(common.KindOverflow, "engine.write_row",
			fmt.Errorf("row of %d bytes exceeds page capacity %d", r.SerializedSize(), rowPageBodySize))
	}

	page, err := e.pager.AllocatePage()
	if err != nil {
		return 0, err
	}
	if err := e.overwriteRowPage(page, r); err != nil {
		return 0, err
	}
	return page, nil
}

func (e *Engine) overwriteRowPage(page uint32, r *row.Row) error {
	if r.SerializedSize() > rowPageBodySize {
		return common.New(common.KindOverflow, "engine.write_row",
			fmt.Errorf("row of %d bytes exceeds page capacity %d", r.SerializedSize(), rowPageBodySize))
	}

	entry, err := e.cache.GetPage(page)
	if err != nil {
		return err
	}
	defer e.cache.Unpin(page)

	entry.Data[4] = storage.PageTypeOverflow
	if _, err := r.Serialize(entry.Data[storage.PageHeaderSize:]); err != nil {
		return err
	}
	if err := e.cache.MarkDirty(page); err != nil {
		return err
	}
	if e.txn != nil && e.txn.State() == storage.TxnActive {
		return e.txn.AddDirtyPage(page)
	}
	return nil
}

func (e *Engine) readRowPage(page uint32) (*row.Row, error) {
	entry, err := e.cache.GetPage(page)
	if err != nil {
		return nil, err
	}
	defer e.cache.Unpin(page)

	r, _, err := row.Deserialize(entry.Data[storage.PageHeaderSize:])
	return r, err
}
