package common

import "hash/fnv"

// HashTableName computes a stable 31-bit positive hash of a table name for
// use as a catalog B+Tree key, mirroring the original engine's
// catalog_hash_name. FNV-1a is used instead of a hand-rolled hash loop;
// the top bit is cleared to keep the result a valid signed int32 key, and
// a zero hash is remapped to 1 so no table ever lands at catalog key 0.
func HashTableName(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	v := h.Sum32() &^ (1 << 31)
	if v == 0 {
		v = 1
	}
	return int32(v)
}
