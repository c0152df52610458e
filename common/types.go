package common

// PageSize is the fixed page size used by the pager, cache, WAL and every
// B+Tree node. The format does not support variable page sizes.
const PageSize = 4096

// MaxColumns bounds the number of typed values a row may carry and the
// number of column definitions a table schema may declare.
const MaxColumns = 32
