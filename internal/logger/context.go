package logger

import "context"

type contextKey struct{}

// LogContext holds the fields that the *Ctx functions add to every line
// logged under a context. Zero fields are omitted.
type LogContext struct {
	TraceID   string
	SpanID    string
	Operation string // create, write, read, truncate, ...
	Inode     uint64
	Pool      string // pool UUID
}

// WithContext returns a copy of ctx carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext carried by ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for the given operation.
func NewLogContext(operation string) *LogContext {
	return &LogContext{Operation: operation}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithInode returns a copy with the inode set
func (lc *LogContext) WithInode(ino uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Inode = ino
	}
	return clone
}

// WithPool returns a copy with the pool identity set
func (lc *LogContext) WithPool(pool string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Pool = pool
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}
