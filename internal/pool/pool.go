// Package pool wraps sync.Pool with a typed API.
package pool

import (
	"bytes"
	"sync"
)

type Pool[T any] struct {
	syncPool *sync.Pool
	reset    func(v T)
	keep     func(v T) bool
}

type Option[T any] func(p *Pool[T])

// WithReset runs reset on every value handed out by Get.
func WithReset[T any](reset func(v T)) Option[T] {
	return func(p *Pool[T]) {
		p.reset = reset
	}
}

// WithKeep makes Put drop values for which keep returns false.
func WithKeep[T any](keep func(v T) bool) Option[T] {
	return func(p *Pool[T]) {
		p.keep = keep
	}
}

func New[T any](newFunc func() T, opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		syncPool: &sync.Pool{
			New: func() any {
				return newFunc()
			},
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Pool[T]) Get() T {
	v := p.syncPool.Get().(T)
	if p.reset != nil {
		p.reset(v)
	}
	return v
}

func (p *Pool[T]) Put(v T) {
	if p.keep != nil && !p.keep(v) {
		return
	}
	p.syncPool.Put(v)
}

// maxBufferSize caps the buffers kept by NewBufferPool so one huge page does
// not pin its memory.
const maxBufferSize = 4 << 20

// NewBufferPool returns a pool of empty buffers.
func NewBufferPool() *Pool[*bytes.Buffer] {
	return New(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		WithReset(func(b *bytes.Buffer) { b.Reset() }),
		WithKeep(func(b *bytes.Buffer) bool { return b.Cap() <= maxBufferSize }),
	)
}
