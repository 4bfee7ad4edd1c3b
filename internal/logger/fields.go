package logger

import (
	"fmt"
	"log/slog"
)

// Field keys shared by every log statement so that logs can be filtered by
// inode, pool or operation.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Files and extents
	KeyInode       = "inode"
	KeyOffset      = "offset"
	KeySize        = "size"
	KeyOID         = "oid"
	KeyRangeLength = "range_length" // bytes addressable by an extent index
	KeyDepth       = "depth"
	KeyLevels      = "levels" // levels added or removed by grow/shrink
	KeyExtents     = "extents"
	KeyBytes       = "bytes"
	KeyBuckets     = "buckets"
	KeyEntries     = "entries"

	// Pool
	KeyPool      = "pool"
	KeyBackend   = "backend"
	KeyPath      = "path"
	KeyTxID      = "txid"
	KeyObjects   = "objects"
	KeyFrames    = "frames"    // redo log frames
	KeyDiscarded = "discarded" // bytes dropped from a torn log tail
	KeyCapacity  = "capacity"

	KeyError     = "error"
	KeyOperation = "operation"
)

// Err returns the error attribute, or an empty attribute (which handlers
// skip) for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// OID formats a persistent object identifier as hex.
func OID(oid uint64) slog.Attr {
	return slog.String(KeyOID, fmt.Sprintf("0x%x", oid))
}

// Inode returns the inode attribute.
func Inode(ino uint64) slog.Attr {
	return slog.Uint64(KeyInode, ino)
}
