// Package extmem shares device memory between processes through opaque file
// descriptors.
//
// ExportPipeline allocates exportable memory behind an image or buffer, lets a
// renderer write into it, and once the device is idle converts the allocation
// into a descriptor and hands it to a Sender. ImportPipeline receives such a
// descriptor, imports it as local device memory and binds it to a resource of
// the agreed size and format. Lifecycle tears everything down in dependency
// order.
//
// The GPU is reached through the Device interface; see packages vkmem and
// hostmem for implementations.
package extmem

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoMemoryType     = errors.New("extmem: no suitable memory type")
	ErrNotPrepared      = errors.New("extmem: pipeline not prepared")
	ErrAlreadyPrepared  = errors.New("extmem: pipeline already prepared")
	ErrAlreadyExported  = errors.New("extmem: memory already exported")
	ErrAlreadyImported  = errors.New("extmem: memory already imported")
	ErrNotImported      = errors.New("extmem: memory not imported")
	ErrSizeMismatch     = errors.New("extmem: imported memory smaller than resource requirement")
	ErrNotExportable    = errors.New("extmem: memory was not allocated for export")
	ErrUnsupportedKind  = errors.New("extmem: unsupported resource kind")
	ErrPoolExhausted    = errors.New("extmem: pool exhausted")
	ErrPoolInUse        = errors.New("extmem: pool still has live allocations")
	ErrPoolDestroyed    = errors.New("extmem: pool destroyed")
	ErrMemoryInUse      = errors.New("extmem: memory still bound to a live resource")
	ErrBindOutOfRange   = errors.New("extmem: binding exceeds memory size")
	ErrAlreadyBound     = errors.New("extmem: resource already bound")
	ErrInvalidExtent    = errors.New("extmem: invalid resource extent")
	ErrMisalignedOffset = errors.New("extmem: bind offset violates alignment")
)

// HandleType identifies how an allocation is shared outside the device.
type HandleType uint32

const (
	HandleTypeNone HandleType = 0
	// HandleTypeOpaqueFD is a POSIX file descriptor only meaningful to a
	// driver compatible with the exporting one.
	HandleTypeOpaqueFD HandleType = 1 << 0
)

// MemoryProperty is a set of memory type property flags.
type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
)

// HostShared are the properties both processes use for shared memory.
const HostShared = MemoryHostVisible | MemoryHostCoherent

// Has reports whether all flags in want are set.
func (p MemoryProperty) Has(want MemoryProperty) bool {
	return p&want == want
}

// Requirements mirrors what the device reports for a resource.
type Requirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// ImportInfo asks AllocateMemory to wrap an existing descriptor instead of
// allocating fresh memory. On success the device owns FD.
type ImportInfo struct {
	HandleType HandleType
	FD         int
}

// AllocateInfo describes a device memory allocation.
type AllocateInfo struct {
	Size            uint64
	MemoryTypeIndex uint32

	// Export marks the allocation as exportable with the given handle type.
	Export HandleType
	// Import, when set, imports memory instead of allocating it.
	Import *ImportInfo
}

// Resource is an image or buffer created on a Device.
type Resource interface {
	Desc() ResourceDesc
}

// Memory is a device memory allocation.
type Memory interface {
	Size() uint64
}

// Device is the part of a GPU API the pipelines need.
type Device interface {
	CreateResource(desc ResourceDesc) (Resource, error)
	MemoryRequirements(r Resource) Requirements
	// RowPitch is the distance in bytes between rows of r in memory.
	RowPitch(r Resource) uint64
	// MemoryTypes lists the properties of each memory type, by index.
	MemoryTypes() []MemoryProperty

	AllocateMemory(info AllocateInfo) (Memory, error)
	BindMemory(r Resource, m Memory, offset uint64) error

	// ExportMemory returns a new descriptor referencing m. The caller owns it.
	ExportMemory(m Memory, handleType HandleType) (int, error)

	// Map returns a host view of size bytes of m starting at offset. The
	// memory must be host visible.
	Map(m Memory, offset, size uint64) ([]byte, error)
	Unmap(m Memory)

	// WaitIdle blocks until all submitted work has finished.
	WaitIdle() error

	DestroyResource(r Resource) error
	FreeMemory(m Memory) error
}

// Sender hands a descriptor to another process. The caller keeps its copy.
type Sender interface {
	Send(ctx context.Context, fd int) error
}

// Receiver obtains a descriptor from another process. The caller owns the
// result.
type Receiver interface {
	Receive(ctx context.Context) (int, error)
}

// Renderer writes a frame into the exported resource. Work it submits to the
// device may still be running when Render returns.
type Renderer interface {
	Render(ctx context.Context, r Resource) error
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, r Resource) error

// Render calls f.
func (f RenderFunc) Render(ctx context.Context, r Resource) error {
	return f(ctx, r)
}

// FindMemoryType returns the first memory type allowed by typeBits that has
// all of the requested properties.
func FindMemoryType(dev Device, typeBits uint32, properties MemoryProperty) (uint32, error) {
	for i, props := range dev.MemoryTypes() {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}

		if !props.Has(properties) {
			continue
		}

		return uint32(i), nil
	}

	return 0, fmt.Errorf("%w: type bits %#b, properties %#x", ErrNoMemoryType, typeBits, properties)
}
