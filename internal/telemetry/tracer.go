package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for PMFS operations.
const (
	// ========================================================================
	// File attributes
	// ========================================================================
	AttrInode  = "fs.inode"
	AttrOffset = "fs.offset"
	AttrSize   = "fs.size"
	AttrBytes  = "fs.bytes"

	// ========================================================================
	// Extent index attributes
	// ========================================================================
	AttrExtentOffset = "extent.offset"
	AttrExtentSize   = "extent.size"
	AttrExtentOID    = "extent.oid"
	AttrDepth        = "extent.depth"
	AttrRangeLength  = "extent.range_length"
	AttrGrowLevels   = "extent.grow_levels"
	AttrShrinkLevels = "extent.shrink_levels"

	// ========================================================================
	// Pool attributes
	// ========================================================================
	AttrPoolID    = "pool.id"
	AttrTxAttempt = "pool.tx_attempt"
)

// Span names for operations.
// Format: <component>.<Operation>
const (
	SpanExtentInsert      = "extent.Insert"
	SpanExtentRemove      = "extent.Remove"
	SpanExtentFindClosest = "extent.FindClosest"

	SpanFileWrite    = "file.Write"
	SpanFileRead     = "file.Read"
	SpanFileTruncate = "file.Truncate"

	SpanVolumeOpen   = "volume.Open"
	SpanVolumeCreate = "volume.CreateFile"
	SpanVolumeRemove = "volume.RemoveFile"
)

// Inode returns an attribute for an inode number
func Inode(ino uint64) attribute.KeyValue {
	return attribute.Int64(AttrInode, int64(ino))
}

// Offset returns an attribute for a file offset
func Offset(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, int64(offset))
}

// Size returns an attribute for a file size
func Size(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrSize, int64(size))
}

// Bytes returns an attribute for bytes transferred
func Bytes(n int) attribute.KeyValue {
	return attribute.Int(AttrBytes, n)
}

// ExtentOffset returns an attribute for an extent start offset
func ExtentOffset(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrExtentOffset, int64(offset))
}

// ExtentSize returns an attribute for an extent length
func ExtentSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrExtentSize, int64(size))
}

// ExtentOID returns an attribute for a block descriptor OID, formatted as hex
func ExtentOID(oid uint64) attribute.KeyValue {
	return attribute.String(AttrExtentOID, fmt.Sprintf("0x%x", oid))
}

// Depth returns an attribute for extent index depth
func Depth(depth int) attribute.KeyValue {
	return attribute.Int(AttrDepth, depth)
}

// RangeLength returns an attribute for the addressable range of an index
func RangeLength(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrRangeLength, int64(n))
}

// GrowLevels returns an attribute for levels added by an insert
func GrowLevels(n int) attribute.KeyValue {
	return attribute.Int(AttrGrowLevels, n)
}

// ShrinkLevels returns an attribute for levels removed by a remove
func ShrinkLevels(n int) attribute.KeyValue {
	return attribute.Int(AttrShrinkLevels, n)
}

// PoolID returns an attribute for a pool identity
func PoolID(id string) attribute.KeyValue {
	return attribute.String(AttrPoolID, id)
}

// TxAttempt returns an attribute for the retry number of a transaction
func TxAttempt(n int) attribute.KeyValue {
	return attribute.Int(AttrTxAttempt, n)
}

// StartExtentSpan starts a span for an extent index operation.
func StartExtentSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// StartFileSpan starts a span for a file data operation.
// This is a convenience function that sets common attributes.
func StartFileSpan(ctx context.Context, name string, ino uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Inode(ino),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
