// Package catalog maps table names to schema pages and data-tree roots,
// the external collaborator described in spec.md §3 "Catalog entry" and
// §4.3's B+Tree consumer obligations. The catalog itself is a B+Tree
// keyed by common.HashTableName, whose root page is stored in the file
// header's catalog_root field.
package catalog

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tendai-ng/amidb/btree"
	"github.com/tendai-ng/amidb/common"
	"github.com/tendai-ng/amidb/internal/logger"
	"github.com/tendai-ng/amidb/row"
	"github.com/tendai-ng/amidb/storage"
)

const maxNameLen = 64

// ColumnDef describes one column of a table.
type ColumnDef struct {
	Name       string
	Type       row.Type
	PrimaryKey bool
	NotNull    bool
}

// Schema is a table's persistent metadata: its columns, which one (if
// any) is the primary key, and the root of its data B+Tree.
//
// PrimaryKeyIndex is -1 for an implicit rowid table, whose rows are
// keyed by an auto-incrementing counter (NextRowID).
type Schema struct {
	Name            string
	Columns         []ColumnDef
	PrimaryKeyIndex int
	BTreeRoot       uint32
	NextRowID       uint32
	RowCount        uint32

	schemaPage uint32
}

// Catalog owns the catalog B+Tree (hash(table_name) -> schema page) and
// the pager/cache it and every table's data tree are built on.
type Catalog struct {
	pager *storage.Pager
	cache *storage.Cache
	tree  *btree.Tree
	txn   *storage.Txn
	log   *logger.Logger
}

// Init opens the catalog B+Tree rooted at the pager's catalog_root,
// creating one (and persisting the new root) if none exists yet.
func Init(pager *storage.Pager, cache *storage.Cache, log *logger.Logger) (*Catalog, error) {
	root := pager.GetCatalogRoot()
	c := &Catalog{pager: pager, cache: cache, log: log}

	if root != 0 {
		c.tree = btree.Open(pager, cache, root, log)
		return c, nil
	}

	tree, newRoot, err := btree.Create(pager, cache, log)
	if err != nil {
		return nil, err
	}
	if err := pager.SetCatalogRoot(newRoot); err != nil {
		return nil, err
	}
	c.tree = tree
	return c, nil
}

// SetTransaction attaches a transaction to the catalog tree and to
// every schema-page write this Catalog performs directly.
func (c *Catalog) SetTransaction(txn *storage.Txn) {
	c.txn = txn
	c.tree.SetTransaction(txn)
}

// attachDirty tags a schema page as dirtied by the attached
// transaction, if any; a no-op otherwise (mirrors btree.Tree's
// attachDirty for the same reason: page content changes are
// transactional, allocation/free bitmap updates are not).
func (c *Catalog) attachDirty(page uint32) error {
	if c.txn == nil {
		return nil
	}
	return c.txn.AddDirtyPage(page)
}

func encodeSchema(s *Schema) []byte {
	buf := make([]byte, schemaPageBodySize())
	putFixedString(buf[0:maxNameLen], s.Name)
	off := maxNameLen
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.Columns)))
	off += 4
	for _, col := range s.Columns {
		putFixedString(buf[off:off+maxNameLen], col.Name)
		off += maxNameLen
		buf[off] = byte(col.Type)
		off++
		buf[off] = boolByte(col.PrimaryKey)
		off++
		buf[off] = boolByte(col.NotNull)
		off++
		off++ // reserved
	}
	buf[off] = byte(int8(s.PrimaryKeyIndex))
	off++
	off += 3 // reserved
	binary.LittleEndian.PutUint32(buf[off:], s.BTreeRoot)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.NextRowID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.RowCount)
	return buf
}

func decodeSchema(buf []byte) *Schema {
	s := &Schema{}
	s.Name = readFixedString(buf[0:maxNameLen])
	off := maxNameLen
	count := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	s.Columns = make([]ColumnDef, count)
	for i := 0; i < count; i++ {
		name := readFixedString(buf[off : off+maxNameLen])
		off += maxNameLen
		typ := row.Type(buf[off])
		off++
		pk := buf[off] != 0
		off++
		notNull := buf[off] != 0
		off++
		off++ // reserved
		s.Columns[i] = ColumnDef{Name: name, Type: typ, PrimaryKey: pk, NotNull: notNull}
	}
	s.PrimaryKeyIndex = int(int8(buf[off]))
	off++
	off += 3
	s.BTreeRoot = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.NextRowID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.RowCount = binary.LittleEndian.Uint32(buf[off:])
	return s
}

func schemaPageBodySize() int {
	return maxNameLen + 4 + common.MaxColumns*(maxNameLen+4) + 4 + 4 + 4 + 4
}

func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

func readFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// CreateTable allocates a data B+Tree for the new table and a schema
// page describing it, then links hash(name) -> schema page in the
// catalog tree. Fails with KindExists if the name is already taken.
func (c *Catalog) CreateTable(name string, columns []ColumnDef, primaryKeyIndex int) (*Schema, error) {
	if len(columns) > common.MaxColumns {
		return nil, common.New(common.KindOverflow, "catalog.create_table", fmt.Errorf("too many columns"))
	}
	if len(name) >= maxNameLen {
		return nil, common.New(common.KindError, "catalog.create_table", fmt.Errorf("table name too long"))
	}

	key := common.HashTableName(name)
	if _, err := c.tree.Search(key); err == nil {
		return nil, common.New(common.KindExists, "catalog.create_table", common.ErrExists)
	}

	dataTree, dataRoot, err := btree.Create(c.pager, c.cache, c.log)
	if err != nil {
		return nil, err
	}
	dataTree.SetTransaction(c.txn)
	if err := c.attachDirty(dataRoot); err != nil {
		return nil, err
	}

	schema := &Schema{
		Name:            name,
		Columns:         append([]ColumnDef(nil), columns...),
		PrimaryKeyIndex: primaryKeyIndex,
		BTreeRoot:       dataRoot,
		NextRowID:       1,
		RowCount:        0,
	}

	schemaPage, err := c.writeNewSchemaPage(schema)
	if err != nil {
		return nil, err
	}
	schema.schemaPage = schemaPage

	if err := c.tree.Insert(key, schemaPage); err != nil {
		return nil, err
	}
	return schema, nil
}

func (c *Catalog) writeNewSchemaPage(s *Schema) (uint32, error) {
	page, err := c.pager.AllocatePage()
	if err != nil {
		return 0, err
	}
	entry, err := c.cache.GetPage(page)
	if err != nil {
		return 0, err
	}
	defer c.cache.Unpin(page)

	entry.Data[4] = storage.PageTypeOverflow // schema pages are plain data pages
	copy(entry.Data[storage.PageHeaderSize:], encodeSchema(s))
	if err := c.cache.MarkDirty(page); err != nil {
		return 0, err
	}
	return page, c.attachDirty(page)
}

// GetTable looks up a table's schema by name.
func (c *Catalog) GetTable(name string) (*Schema, error) {
	key := common.HashTableName(name)
	schemaPage, err := c.tree.Search(key)
	if err != nil {
		return nil, common.New(common.KindNotFound, "catalog.get_table", common.ErrNotFound)
	}

	entry, err := c.cache.GetPage(schemaPage)
	if err != nil {
		return nil, err
	}
	defer c.cache.Unpin(schemaPage)

	s := decodeSchema(entry.Data[storage.PageHeaderSize:])
	s.schemaPage = schemaPage
	if !strings.EqualFold(s.Name, name) {
		// Hash collision between distinct names; not modeled further
		// since the spec treats the hash as authoritative.
		return nil, common.New(common.KindNotFound, "catalog.get_table", common.ErrNotFound)
	}
	return s, nil
}

// UpdateTable persists schema's mutable fields (next_rowid, row_count,
// btree_root) back to its schema page.
func (c *Catalog) UpdateTable(s *Schema) error {
	entry, err := c.cache.GetPage(s.schemaPage)
	if err != nil {
		return err
	}
	defer c.cache.Unpin(s.schemaPage)

	copy(entry.Data[storage.PageHeaderSize:], encodeSchema(s))
	if err := c.cache.MarkDirty(s.schemaPage); err != nil {
		return err
	}
	return c.attachDirty(s.schemaPage)
}

// DropTable removes a table's catalog entry and frees both its data
// B+Tree's pages and its schema page — fixing the original engine's
// orphaning bug (spec.md §9 Q3), which freed neither.
func (c *Catalog) DropTable(name string) error {
	key := common.HashTableName(name)
	schemaPage, err := c.tree.Search(key)
	if err != nil {
		return common.New(common.KindNotFound, "catalog.drop_table", common.ErrNotFound)
	}

	entry, err := c.cache.GetPage(schemaPage)
	if err != nil {
		return err
	}
	s := decodeSchema(entry.Data[storage.PageHeaderSize:])
	c.cache.Unpin(schemaPage)

	if err := c.freeDataTree(s.BTreeRoot); err != nil {
		return err
	}
	if err := c.pager.FreePage(schemaPage); err != nil {
		return err
	}
	if err := c.tree.Delete(key); err != nil {
		return err
	}
	return nil
}

// freeDataTree frees every node page of a table's data B+Tree, as
// listed by btree.Tree.AllPages's level-by-level walk from the root.
func (c *Catalog) freeDataTree(root uint32) error {
	tree := btree.Open(c.pager, c.cache, root, c.log)
	pages, err := tree.AllPages()
	if err != nil {
		return err
	}
	for _, p := range pages {
		if err := c.pager.FreePage(p); err != nil {
			return err
		}
	}
	return nil
}

// ListTables returns every table name currently in the catalog by
// scanning the catalog tree's leaf chain.
func (c *Catalog) ListTables() ([]string, error) {
	cur, err := c.tree.CursorFirst()
	if err != nil {
		return nil, err
	}
	var names []string
	for cur.Valid() {
		_, schemaPage, err := cur.Get()
		if err != nil {
			return nil, err
		}
		entry, err := c.cache.GetPage(schemaPage)
		if err != nil {
			return nil, err
		}
		names = append(names, decodeSchema(entry.Data[storage.PageHeaderSize:]).Name)
		c.cache.Unpin(schemaPage)
		if err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return names, nil
}
