package memory

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed object pool. Objects are passed through reset on Put so a
// recycled object never leaks state from its previous user.
type Pool[T any] struct {
	p     *sync.Pool
	reset func(*T)
	made  atomic.Int64
}

func NewPool[T any](ctor func() *T, reset func(*T)) *Pool[T] {
	pool := &Pool[T]{reset: reset}
	pool.p = &sync.Pool{
		New: func() any {
			pool.made.Add(1)
			return ctor()
		},
	}
	return pool
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

func (p *Pool[T]) Put(v *T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.p.Put(v)
}

// Made is the number of objects the constructor has built.
func (p *Pool[T]) Made() int64 { return p.made.Load() }
