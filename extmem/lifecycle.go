package extmem

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Lifecycle owns device objects and destroys them in dependency order:
// resources first, then pool sub-allocations, then memory, then pools.
// Device work is drained before anything is destroyed.
type Lifecycle struct {
	dev Device
	log *zap.Logger

	mu          sync.Mutex
	resources   []Resource
	allocations []*Allocation
	memories    []Memory
	pools       []*Pool
}

// NewLifecycle creates an empty Lifecycle for dev.
func NewLifecycle(dev Device, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{dev: dev, log: log}
}

// TrackResource registers an image or buffer.
func (l *Lifecycle) TrackResource(r Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources = append(l.resources, r)
}

// TrackAllocation registers a pool sub-allocation.
func (l *Lifecycle) TrackAllocation(a *Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocations = append(l.allocations, a)
}

// TrackMemory registers a dedicated memory allocation.
func (l *Lifecycle) TrackMemory(m Memory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memories = append(l.memories, m)
}

// TrackPool registers a memory pool.
func (l *Lifecycle) TrackPool(p *Pool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pools = append(l.pools, p)
}

// Release destroys everything tracked so far. Objects are released even when
// an earlier step fails; all errors are returned combined. Calling Release
// again only releases objects tracked since.
func (l *Lifecycle) Release() error {
	l.mu.Lock()
	resources, allocations, memories, pools := l.resources, l.allocations, l.memories, l.pools
	l.resources, l.allocations, l.memories, l.pools = nil, nil, nil, nil
	l.mu.Unlock()

	if len(resources)+len(allocations)+len(memories)+len(pools) == 0 {
		return nil
	}

	var err error

	if waitErr := l.dev.WaitIdle(); waitErr != nil {
		err = multierr.Append(err, fmt.Errorf("waiting for device idle: %w", waitErr))
	}

	for i := len(resources) - 1; i >= 0; i-- {
		if destroyErr := l.dev.DestroyResource(resources[i]); destroyErr != nil {
			err = multierr.Append(err, fmt.Errorf("destroying %s: %w", resources[i].Desc().Kind, destroyErr))
		}
	}

	for i := len(allocations) - 1; i >= 0; i-- {
		allocations[i].Free()
	}

	for i := len(memories) - 1; i >= 0; i-- {
		if freeErr := l.dev.FreeMemory(memories[i]); freeErr != nil {
			err = multierr.Append(err, fmt.Errorf("freeing memory: %w", freeErr))
		}
	}

	for i := len(pools) - 1; i >= 0; i-- {
		if destroyErr := pools[i].Destroy(); destroyErr != nil {
			err = multierr.Append(err, fmt.Errorf("destroying pool: %w", destroyErr))
		}
	}

	l.log.Debug("released device objects",
		zap.Int("resources", len(resources)),
		zap.Int("allocations", len(allocations)),
		zap.Int("memories", len(memories)),
		zap.Int("pools", len(pools)),
		zap.Error(err),
	)

	return err
}
