package packet

import "log"

// Pool is a fixed-size slab of PacketOut records with a free-list, sized by
// the expected in-flight packet count.  Acquire and release are O(1).
// Exhaustion returns nil: new sends fail but in-flight state is untouched.
//
// The pool belongs to a single endpoint loop, so there is no locking.
type Pool struct {
	slab []PacketOut
	free []int32
	used []bool // debug accounting for double-free detection
}

// NewPool creates a pool with capacity records.
func NewPool(capacity int) *Pool {
	p := &Pool{
		slab: make([]PacketOut, capacity),
		free: make([]int32, 0, capacity),
		used: make([]bool, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.slab[i].poolIndex = int32(i)
		p.free = append(p.free, int32(i))
	}
	return p
}

// Get acquires a reset record, or nil if the pool is exhausted.
func (p *Pool) Get() *PacketOut {
	if len(p.free) == 0 {
		log.Println("packet pool exhausted:", len(p.slab), "records in use")
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[idx] = true
	po := &p.slab[idx]
	po.Reset()
	return po
}

// Put releases a record back to the free-list.  Double frees and records
// from other pools are bugs, not errors.
func (p *Pool) Put(po *PacketOut) {
	idx := po.poolIndex
	if idx < 0 || int(idx) >= len(p.slab) || &p.slab[idx] != po {
		panic("packet: Put of record not from this pool")
	}
	if !p.used[idx] {
		panic("packet: double free of PacketOut")
	}
	p.used[idx] = false
	po.Buf = nil
	po.BWState = nil
	p.free = append(p.free, idx)
}

// At returns the record at a loss-chain index.
func (p *Pool) At(idx int32) *PacketOut {
	return &p.slab[idx]
}

// InUse returns the number of live records.
func (p *Pool) InUse() int {
	return len(p.slab) - len(p.free)
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return len(p.slab)
}
