//go:build linux

// Package hostmem implements extmem.Device on plain host memory. Every
// allocation is a memfd, so exported descriptors can be passed to and mapped
// by another process exactly like opaque GPU memory descriptors.
//
// Memory type 0 is device local and cannot be mapped; memory type 1 is host
// visible and coherent. Images are laid out linearly with rows padded to
// RowAlignment, so an image needs more memory than a buffer of the same
// extent.
package hostmem

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vulkan-external-memory/extmem"
)

const (
	// Alignment is the required alignment of bind offsets.
	Alignment = 256
	// RowAlignment is the row pitch alignment of images.
	RowAlignment = 256
)

var (
	ErrForeignObject = errors.New("hostmem: object not created by this device")
	ErrNotMappable   = errors.New("hostmem: memory is not host visible")
	ErrFreed         = errors.New("hostmem: memory already freed")
	ErrDestroyed     = errors.New("hostmem: resource already destroyed")
	ErrNotBound      = errors.New("hostmem: resource has no memory bound")
	ErrClosed        = errors.New("hostmem: device closed")
)

var memoryTypes = []extmem.MemoryProperty{
	extmem.MemoryDeviceLocal,
	extmem.HostShared,
}

var _ extmem.Device = (*Device)(nil)

// Device is an extmem.Device backed by memfd allocations. Work submitted
// with Submit runs in order on a single worker goroutine.
type Device struct {
	log *zap.Logger

	queue   chan func()
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// New starts a device. Close stops its worker.
func New(log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}

	d := &Device{
		log:   log,
		queue: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go d.run()

	return d
}

func (d *Device) run() {
	defer close(d.done)
	for fn := range d.queue {
		fn()
		d.pending.Done()
	}
}

// Submit queues fn to run after all previously submitted work.
func (d *Device) Submit(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.pending.Add(1)
	d.queue <- fn

	return nil
}

// WaitIdle blocks until all submitted work has run.
func (d *Device) WaitIdle() error {
	d.pending.Wait()
	return nil
}

// Close drains submitted work and stops the worker.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return nil
}

// MemoryTypes implements extmem.Device.
func (d *Device) MemoryTypes() []extmem.MemoryProperty {
	return memoryTypes
}

type resource struct {
	desc  extmem.ResourceDesc
	pitch uint64
	size  uint64

	mu        sync.Mutex
	mem       *memory
	offset    uint64
	destroyed bool
}

func (r *resource) Desc() extmem.ResourceDesc {
	return r.desc
}

// CreateResource implements extmem.Device.
func (d *Device) CreateResource(desc extmem.ResourceDesc) (extmem.Resource, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r := &resource{desc: desc}
	switch desc.Kind {
	case extmem.ResourceBuffer:
		r.pitch = desc.RowBytes()
	case extmem.ResourceImage:
		r.pitch = alignUp(desc.RowBytes(), RowAlignment)
	default:
		return nil, fmt.Errorf("%w: %s", extmem.ErrUnsupportedKind, desc.Kind)
	}
	r.size = r.pitch * uint64(desc.Height)

	d.log.Debug("resource created",
		zap.Stringer("kind", desc.Kind),
		zap.Uint64("pitch", r.pitch),
		zap.Uint64("size", r.size),
	)

	return r, nil
}

// MemoryRequirements implements extmem.Device.
func (d *Device) MemoryRequirements(r extmem.Resource) extmem.Requirements {
	res, ok := r.(*resource)
	if !ok {
		return extmem.Requirements{}
	}

	return extmem.Requirements{
		Size:           res.size,
		Alignment:      Alignment,
		MemoryTypeBits: 1<<len(memoryTypes) - 1,
	}
}

// RowPitch implements extmem.Device.
func (d *Device) RowPitch(r extmem.Resource) uint64 {
	res, ok := r.(*resource)
	if !ok {
		return 0
	}
	return res.pitch
}

// BindMemory implements extmem.Device.
func (d *Device) BindMemory(r extmem.Resource, m extmem.Memory, offset uint64) error {
	res, ok := r.(*resource)
	if !ok {
		return ErrForeignObject
	}
	mem, ok := m.(*memory)
	if !ok {
		return ErrForeignObject
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	switch {
	case res.destroyed:
		return ErrDestroyed
	case res.mem != nil:
		return extmem.ErrAlreadyBound
	case offset%Alignment != 0:
		return fmt.Errorf("%w: %d", extmem.ErrMisalignedOffset, offset)
	}

	if err := mem.bind(offset, res.size); err != nil {
		return err
	}
	res.mem, res.offset = mem, offset

	return nil
}

// DestroyResource implements extmem.Device.
func (d *Device) DestroyResource(r extmem.Resource) error {
	res, ok := r.(*resource)
	if !ok {
		return ErrForeignObject
	}

	res.mu.Lock()
	defer res.mu.Unlock()

	if res.destroyed {
		return ErrDestroyed
	}
	res.destroyed = true

	if res.mem != nil {
		res.mem.unbind()
		res.mem = nil
	}

	return nil
}

// Contents returns the bytes backing a bound resource. The resource's rows
// start every RowPitch bytes.
func (d *Device) Contents(r extmem.Resource) ([]byte, error) {
	res, ok := r.(*resource)
	if !ok {
		return nil, ErrForeignObject
	}

	res.mu.Lock()
	mem, offset := res.mem, res.offset
	res.mu.Unlock()

	if mem == nil {
		return nil, ErrNotBound
	}

	return mem.view(offset, res.size)
}

func alignUp(v, align uint64) uint64 {
	if m := v % align; m != 0 {
		return v - m + align
	}
	return v
}
