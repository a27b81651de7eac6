package extmem

import (
	"fmt"
	"sort"
	"sync"
)

// PoolInfo describes the single allocation backing a Pool.
type PoolInfo struct {
	Size            uint64
	MemoryTypeIndex uint32
	// Export makes the whole pool memory exportable.
	Export HandleType
}

// Pool sub-allocates resources from one device memory allocation. When the
// pool is exportable, exporting its memory shares every resource in it.
type Pool struct {
	dev       Device
	memory    Memory
	typeIndex uint32
	size      uint64
	export    HandleType

	mu        sync.Mutex
	allocs    []*Allocation // sorted by offset
	destroyed bool
}

// Allocation is a range of a Pool's memory.
type Allocation struct {
	pool   *Pool
	Offset uint64
	Size   uint64
}

func (a *Allocation) String() string {
	return fmt.Sprintf("[%d %d]", a.Offset, a.Size)
}

// Memory returns the pool memory the allocation lives in.
func (a *Allocation) Memory() Memory {
	return a.pool.memory
}

// Free returns the range to its pool. Freeing twice is a no-op.
func (a *Allocation) Free() {
	a.pool.free(a)
}

// NewPool allocates the pool memory.
func NewPool(dev Device, info PoolInfo) (*Pool, error) {
	mem, err := dev.AllocateMemory(AllocateInfo{
		Size:            info.Size,
		MemoryTypeIndex: info.MemoryTypeIndex,
		Export:          info.Export,
	})
	if err != nil {
		return nil, fmt.Errorf("allocating pool memory: %w", err)
	}

	return &Pool{
		dev:       dev,
		memory:    mem,
		typeIndex: info.MemoryTypeIndex,
		size:      info.Size,
		export:    info.Export,
	}, nil
}

// Memory returns the memory backing the pool.
func (p *Pool) Memory() Memory {
	return p.memory
}

// Exportable reports whether the pool memory can be exported as ht.
func (p *Pool) Exportable(ht HandleType) bool {
	return ht != HandleTypeNone && p.export&ht == ht
}

// Allocate reserves the first free range that satisfies req.
func (p *Pool) Allocate(req Requirements) (*Allocation, error) {
	if req.MemoryTypeBits&(1<<p.typeIndex) == 0 {
		return nil, fmt.Errorf("%w: pool type %d not in %#b", ErrNoMemoryType, p.typeIndex, req.MemoryTypeBits)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrPoolDestroyed
	}

	var (
		offset uint64
		index  = len(p.allocs)
	)
	for i, a := range p.allocs {
		if alignUp(offset, req.Alignment)+req.Size <= a.Offset {
			index = i
			break
		}
		offset = a.Offset + a.Size
	}

	offset = alignUp(offset, req.Alignment)
	if offset+req.Size > p.size {
		return nil, fmt.Errorf("%w: %d bytes requested, pool holds %d", ErrPoolExhausted, req.Size, p.size)
	}

	na := &Allocation{pool: p, Offset: offset, Size: req.Size}
	p.allocs = append(p.allocs, nil)
	copy(p.allocs[index+1:], p.allocs[index:])
	p.allocs[index] = na

	return na, nil
}

func (p *Pool) free(fa *Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.allocs), func(i int) bool {
		return p.allocs[i].Offset >= fa.Offset
	})
	if i < len(p.allocs) && p.allocs[i] == fa {
		p.allocs = append(p.allocs[:i], p.allocs[i+1:]...)
	}
}

// Live returns the number of outstanding allocations.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocs)
}

// Destroy frees the pool memory. It fails while allocations are live.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil
	}
	if len(p.allocs) > 0 {
		return fmt.Errorf("%w: %d allocations", ErrPoolInUse, len(p.allocs))
	}

	p.destroyed = true
	return p.dev.FreeMemory(p.memory)
}

func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%v", p.allocs)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if m := v % align; m != 0 {
		return v - m + align
	}
	return v
}
