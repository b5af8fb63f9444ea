// Package interrupt provides the cooperative interrupt buffer shared between
// the foreground and a running task. The foreground sets it; the interpreter
// polls it between instructions and blocked reads sample it between wait
// slices.
package interrupt

import (
	"context"
	"sync/atomic"
)

// SIGINT is the value stored in the buffer when an interrupt is requested.
const SIGINT int32 = 2

// Buffer is a one-shot interrupt flag plus a context that is cancelled when
// the flag is set. A Buffer belongs to a single task.
type Buffer struct {
	flag   atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unset buffer.
func New() *Buffer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Buffer{ctx: ctx, cancel: cancel}
}

// Set requests an interrupt. Setting twice is harmless.
func (b *Buffer) Set() {
	b.flag.Store(SIGINT)
	b.cancel()
}

// Check reports whether an interrupt was requested.
func (b *Buffer) Check() bool {
	return b.flag.Load() != 0
}

// Value returns the raw flag value: 0, or SIGINT once set.
func (b *Buffer) Value() int32 {
	return b.flag.Load()
}

// Context is cancelled once the buffer is set.
func (b *Buffer) Context() context.Context {
	return b.ctx
}

// Release frees the context resources of a buffer that was never set.
func (b *Buffer) Release() {
	b.cancel()
}
