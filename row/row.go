// Package row implements the tagged-union row codec described in
// spec.md §4.4: up to common.MaxColumns typed values serialized into a
// length-prefixed byte layout.
package row

import (
	"encoding/binary"
	"fmt"

	"github.com/tendai-ng/amidb/common"
)

// Type tags a column's value.
type Type byte

const (
	TypeNull Type = iota
	TypeInteger
	TypeText
	TypeBlob
)

// Value is one column's tagged value. Only the field matching Type is
// meaningful.
type Value struct {
	Type Type
	Int  int32
	Text string
	Blob []byte
}

// NullValue, IntValue, TextValue and BlobValue build a Value of the
// matching tag.
func NullValue() Value         { return Value{Type: TypeNull} }
func IntValue(v int32) Value   { return Value{Type: TypeInteger, Int: v} }
func TextValue(v string) Value { return Value{Type: TypeText, Text: v} }
func BlobValue(v []byte) Value { return Value{Type: TypeBlob, Blob: append([]byte(nil), v...)} }

// Row is a fixed-capacity vector of typed values.
type Row struct {
	values [common.MaxColumns]Value
	count  int
}

// New creates an empty row with n columns, all null.
func New(n int) (*Row, error) {
	if n < 0 || n > common.MaxColumns {
		return nil, common.New(common.KindOverflow, "row.new", fmt.Errorf("column count %d exceeds %d", n, common.MaxColumns))
	}
	return &Row{count: n}, nil
}

// FromValues builds a row directly from a slice of already-typed
// values, the shape the engine package's Insert/Update take their
// arguments in.
func FromValues(values []Value) (*Row, error) {
	r, err := New(len(values))
	if err != nil {
		return nil, err
	}
	copy(r.values[:], values)
	return r, nil
}

// Clear resets every column to null without changing column count.
func (r *Row) Clear() {
	for i := 0; i < r.count; i++ {
		r.values[i] = Value{}
	}
}

// ColumnCount returns the row's fixed column count.
func (r *Row) ColumnCount() int { return r.count }

func (r *Row) checkCol(col int) error {
	if col < 0 || col >= r.count {
		return common.New(common.KindError, "row.column", fmt.Errorf("column index %d out of range [0,%d)", col, r.count))
	}
	return nil
}

// SetInt, SetText, SetBlob and SetNull set column col's value. Setting
// a text/blob value on an already-occupied slot replaces the previous
// one; Go's garbage collector reclaims it, so there is no explicit
// free step.
func (r *Row) SetInt(col int, v int32) error {
	if err := r.checkCol(col); err != nil {
		return err
	}
	r.values[col] = IntValue(v)
	return nil
}

func (r *Row) SetText(col int, v string) error {
	if err := r.checkCol(col); err != nil {
		return err
	}
	r.values[col] = TextValue(v)
	return nil
}

func (r *Row) SetBlob(col int, v []byte) error {
	if err := r.checkCol(col); err != nil {
		return err
	}
	r.values[col] = BlobValue(v)
	return nil
}

func (r *Row) SetNull(col int) error {
	if err := r.checkCol(col); err != nil {
		return err
	}
	r.values[col] = NullValue()
	return nil
}

// GetValue returns column col's current value.
func (r *Row) GetValue(col int) (Value, error) {
	if err := r.checkCol(col); err != nil {
		return Value{}, err
	}
	return r.values[col], nil
}

// SerializedSize returns the exact byte length Serialize will produce:
// 2 + the per-column contribution of every column.
func (r *Row) SerializedSize() int {
	size := 2
	for i := 0; i < r.count; i++ {
		size += 1
		switch r.values[i].Type {
		case TypeInteger:
			size += 4
		case TypeText:
			size += 4 + len(r.values[i].Text)
		case TypeBlob:
			size += 4 + len(r.values[i].Blob)
		}
	}
	return size
}

// Serialize encodes the row into buf, which must be at least
// SerializedSize() bytes, and returns the number of bytes written.
func (r *Row) Serialize(buf []byte) (int, error) {
	need := r.SerializedSize()
	if len(buf) < need {
		return 0, common.New(common.KindOverflow, "row.serialize", fmt.Errorf("buffer too small: need %d, have %d", need, len(buf)))
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.count))
	off := 2
	for i := 0; i < r.count; i++ {
		v := r.values[i]
		buf[off] = byte(v.Type)
		off++
		switch v.Type {
		case TypeNull:
		case TypeInteger:
			binary.LittleEndian.PutUint32(buf[off:], uint32(v.Int))
			off += 4
		case TypeText:
			b := []byte(v.Text)
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(b)))
			off += 4
			off += copy(buf[off:], b)
		case TypeBlob:
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(v.Blob)))
			off += 4
			off += copy(buf[off:], v.Blob)
		}
	}
	return off, nil
}

// Deserialize decodes a row from buf, failing on truncation, a
// column_count exceeding common.MaxColumns, or an unknown type tag.
func Deserialize(buf []byte) (*Row, int, error) {
	if len(buf) < 2 {
		return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("truncated row header"))
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	if count > common.MaxColumns {
		return nil, 0, common.New(common.KindOverflow, "row.deserialize", fmt.Errorf("column count %d exceeds %d", count, common.MaxColumns))
	}

	r := &Row{count: count}
	off := 2
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("truncated column %d tag", i))
		}
		tag := Type(buf[off])
		off++
		switch tag {
		case TypeNull:
			r.values[i] = NullValue()
		case TypeInteger:
			if off+4 > len(buf) {
				return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("truncated integer column %d", i))
			}
			r.values[i] = IntValue(int32(binary.LittleEndian.Uint32(buf[off:])))
			off += 4
		case TypeText, TypeBlob:
			if off+4 > len(buf) {
				return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("truncated length for column %d", i))
			}
			size := int(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			if size < 0 || off+size > len(buf) {
				return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("truncated payload for column %d", i))
			}
			data := append([]byte(nil), buf[off:off+size]...)
			off += size
			if tag == TypeText {
				r.values[i] = TextValue(string(data))
			} else {
				r.values[i] = BlobValue(data)
			}
		default:
			return nil, 0, common.New(common.KindCorrupt, "row.deserialize", fmt.Errorf("unknown type tag %d at column %d", tag, i))
		}
	}
	return r, off, nil
}
