package extmem

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vulkan-external-memory/metrics"
)

// ImportState tracks whether an importer has bound received memory.
type ImportState int

const (
	NotImported ImportState = iota
	Imported
)

func (s ImportState) String() string {
	switch s {
	case NotImported:
		return "not-imported"
	case Imported:
		return "imported"
	default:
		return fmt.Sprintf("ImportState(%d)", int(s))
	}
}

// ImportPipeline receives a descriptor and binds the memory behind it to a
// local resource with the same layout as the exporter's.
type ImportPipeline struct {
	dev      Device
	receiver Receiver
	opts     options
	life     *Lifecycle

	importMu sync.Mutex

	mu       sync.Mutex
	state    ImportState
	resource Resource
	memory   Memory
	size     uint64
}

// NewImportPipeline creates a pipeline that obtains its descriptor from
// receiver.
func NewImportPipeline(dev Device, receiver Receiver, opts ...Option) *ImportPipeline {
	o := newOptions(opts)
	return &ImportPipeline{
		dev:      dev,
		receiver: receiver,
		opts:     o,
		life:     NewLifecycle(dev, o.log),
	}
}

// Lifecycle returns the lifecycle that owns the pipeline's objects.
func (p *ImportPipeline) Lifecycle() *Lifecycle {
	return p.life
}

// Prepare creates the local resource. desc must match what the exporter
// created.
func (p *ImportPipeline) Prepare(desc ResourceDesc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resource != nil {
		return ErrAlreadyPrepared
	}

	desc.External = HandleTypeOpaqueFD
	if err := desc.Validate(); err != nil {
		return err
	}

	r, err := p.dev.CreateResource(desc)
	if err != nil {
		return fmt.Errorf("creating %s: %w", desc.Kind, err)
	}
	p.life.TrackResource(r)
	p.resource = r

	return nil
}

// Import blocks until a descriptor arrives, imports it and binds it to the
// resource. The device takes ownership of the descriptor; it is closed here
// when the import fails.
func (p *ImportPipeline) Import(ctx context.Context) error {
	p.importMu.Lock()
	defer p.importMu.Unlock()

	p.mu.Lock()
	state, r := p.state, p.resource
	p.mu.Unlock()

	if state == Imported {
		return ErrAlreadyImported
	}
	if r == nil {
		return ErrNotPrepared
	}

	fd, err := p.receiver.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receiving descriptor: %w", err)
	}

	mem, req, err := p.importMemory(r, fd)
	if err != nil {
		p.opts.metrics.Failure(metrics.ReasonImport)
		if closeErr := closeFD(fd); closeErr != nil {
			p.opts.log.Warn("closing received descriptor", zap.Int("fd", fd), zap.Error(closeErr))
		}
		return err
	}
	p.life.TrackMemory(mem)

	if err := p.dev.BindMemory(r, mem, p.opts.offset); err != nil {
		p.opts.metrics.Failure(metrics.ReasonImport)
		return fmt.Errorf("binding imported memory: %w", err)
	}

	p.mu.Lock()
	p.state, p.memory, p.size = Imported, mem, req.Size
	p.mu.Unlock()

	p.opts.metrics.SetImported()
	p.opts.log.Info("memory imported",
		zap.Uint64("size", req.Size),
		zap.Uint64("offset", p.opts.offset),
	)

	return nil
}

func (p *ImportPipeline) importMemory(r Resource, fd int) (Memory, Requirements, error) {
	req := p.dev.MemoryRequirements(r)

	typeIndex, err := FindMemoryType(p.dev, req.MemoryTypeBits, p.opts.properties)
	if err != nil {
		return nil, req, err
	}

	need := p.opts.offset + req.Size
	if size, ok := descriptorSize(fd); ok && size < need {
		return nil, req, fmt.Errorf("%w: need %d bytes, descriptor has %d", ErrSizeMismatch, need, size)
	}

	mem, err := p.dev.AllocateMemory(AllocateInfo{
		Size:            need,
		MemoryTypeIndex: typeIndex,
		Import:          &ImportInfo{HandleType: HandleTypeOpaqueFD, FD: fd},
	})
	if err != nil {
		return nil, req, fmt.Errorf("importing memory: %w", err)
	}

	return mem, req, nil
}

// Read maps the resource's memory and passes it to fn. The slice is only
// valid during the call.
func (p *ImportPipeline) Read(fn func([]byte) error) error {
	p.mu.Lock()
	state, mem, size := p.state, p.memory, p.size
	p.mu.Unlock()

	if state != Imported {
		return ErrNotImported
	}

	if err := p.dev.WaitIdle(); err != nil {
		return fmt.Errorf("waiting for device idle: %w", err)
	}

	data, err := p.dev.Map(mem, p.opts.offset, size)
	if err != nil {
		return fmt.Errorf("mapping imported memory: %w", err)
	}
	defer p.dev.Unmap(mem)

	return fn(data)
}

// State returns the current import state.
func (p *ImportPipeline) State() ImportState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resource returns the prepared resource, or nil.
func (p *ImportPipeline) Resource() Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resource
}

// Memory returns the imported memory, or nil.
func (p *ImportPipeline) Memory() Memory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory
}

// Close releases the resource and the imported memory.
func (p *ImportPipeline) Close() error {
	p.mu.Lock()
	p.resource, p.memory = nil, nil
	p.mu.Unlock()

	return p.life.Release()
}
