package fib

import (
	"github.com/bits-and-blooms/bitset"
)

// IndexPool is a fixed-capacity slot allocator. One bit per slot tracks
// liveness: a set bit means the slot is free. There is no in-band free
// marker, so the bitmap is the single source of truth.
type IndexPool struct {
	free *bitset.BitSet
	size uint
	used uint
}

// NewIndexPool creates a pool of size slots, all free.
func NewIndexPool(size uint) *IndexPool {
	free := bitset.New(size)
	for i := range size {
		free.Set(i)
	}
	return &IndexPool{free: free, size: size}
}

// Alloc reserves count contiguous slots and returns the index of the first
// one. The scan is first-fit in bit order. ok is false when no run of count
// free slots exists.
func (p *IndexPool) Alloc(count uint) (idx uint32, ok bool) {
	if count == 0 || count > p.size {
		return 0, false
	}

	for start, found := p.free.NextSet(0); found; start, found = p.free.NextSet(start) {
		if start+count > p.size {
			return 0, false
		}

		end, hit := p.free.NextClear(start)
		if !hit || end > p.size {
			end = p.size
		}

		if end-start >= count {
			for i := start; i < start+count; i++ {
				p.free.Clear(i)
			}
			p.used += count
			return uint32(start), true
		}

		start = end
	}

	return 0, false
}

// Release returns count slots starting at idx to the pool. It reports false
// and changes nothing when the range is out of bounds or any slot in it is
// already free.
func (p *IndexPool) Release(idx uint32, count uint) bool {
	start := uint(idx)
	if count == 0 || start+count > p.size {
		return false
	}
	for i := start; i < start+count; i++ {
		if p.free.Test(i) {
			return false
		}
	}
	for i := start; i < start+count; i++ {
		p.free.Set(i)
	}
	p.used -= count
	return true
}

// InUse reports the number of allocated slots.
func (p *IndexPool) InUse() uint { return p.used }

// Cap reports the pool capacity in slots.
func (p *IndexPool) Cap() uint { return p.size }

// Available reports the number of free slots.
func (p *IndexPool) Available() uint { return p.size - p.used }

// arena is a preallocated backing array addressed through an IndexPool.
type arena[T any] struct {
	slots []T
	index *IndexPool
}

func newArena[T any](size uint) arena[T] {
	return arena[T]{
		slots: make([]T, size),
		index: NewIndexPool(size),
	}
}

// get reserves count contiguous zeroed slots.
func (a *arena[T]) get(count uint) (uint32, bool) {
	idx, ok := a.index.Alloc(count)
	if !ok {
		return 0, false
	}
	clear(a.slots[idx : uint(idx)+count])
	return idx, true
}

func (a *arena[T]) put(idx uint32, count uint) bool {
	return a.index.Release(idx, count)
}

func (a *arena[T]) at(idx uint32) *T {
	return &a.slots[idx]
}
