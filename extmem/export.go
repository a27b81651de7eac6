package extmem

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vulkan-external-memory/metrics"
)

// ExportState tracks whether an exporter has handed off its memory.
type ExportState int

const (
	NotExported ExportState = iota
	Exported
)

func (s ExportState) String() string {
	switch s {
	case NotExported:
		return "not-exported"
	case Exported:
		return "exported"
	default:
		return fmt.Sprintf("ExportState(%d)", int(s))
	}
}

// ExportPipeline owns a resource backed by exportable memory and hands that
// memory to one importer after the first rendered frame.
type ExportPipeline struct {
	dev    Device
	sender Sender
	opts   options
	life   *Lifecycle

	// exportMu serializes Export so the descriptor leaves at most once.
	exportMu sync.Mutex

	mu       sync.Mutex
	state    ExportState
	resource Resource
	memory   Memory
	offset   uint64
}

// NewExportPipeline creates a pipeline that sends its descriptor via sender.
func NewExportPipeline(dev Device, sender Sender, opts ...Option) *ExportPipeline {
	o := newOptions(opts)
	return &ExportPipeline{
		dev:    dev,
		sender: sender,
		opts:   o,
		life:   NewLifecycle(dev, o.log),
	}
}

// Lifecycle returns the lifecycle that owns the pipeline's objects. Callers
// may track their own objects, such as a pool, to release them together.
func (p *ExportPipeline) Lifecycle() *Lifecycle {
	return p.life
}

// Prepare creates the resource described by desc and binds exportable memory
// to it.
func (p *ExportPipeline) Prepare(desc ResourceDesc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resource != nil {
		return ErrAlreadyPrepared
	}

	desc.External = HandleTypeOpaqueFD
	if err := desc.Validate(); err != nil {
		return err
	}

	pool := p.opts.pool
	if pool != nil && !pool.Exportable(HandleTypeOpaqueFD) {
		return fmt.Errorf("pool: %w", ErrNotExportable)
	}

	r, err := p.dev.CreateResource(desc)
	if err != nil {
		return fmt.Errorf("creating %s: %w", desc.Kind, err)
	}
	p.life.TrackResource(r)

	req := p.dev.MemoryRequirements(r)

	var (
		mem    Memory
		offset uint64
	)
	if pool != nil {
		alloc, err := pool.Allocate(req)
		if err != nil {
			return fmt.Errorf("allocating from pool: %w", err)
		}
		p.life.TrackAllocation(alloc)
		mem, offset = alloc.Memory(), alloc.Offset
	} else {
		typeIndex, err := FindMemoryType(p.dev, req.MemoryTypeBits, p.opts.properties)
		if err != nil {
			return err
		}

		mem, err = p.dev.AllocateMemory(AllocateInfo{
			Size:            req.Size,
			MemoryTypeIndex: typeIndex,
			Export:          HandleTypeOpaqueFD,
		})
		if err != nil {
			return fmt.Errorf("allocating exportable memory: %w", err)
		}
		p.life.TrackMemory(mem)
	}

	if err := p.dev.BindMemory(r, mem, offset); err != nil {
		return fmt.Errorf("binding memory: %w", err)
	}

	p.resource, p.memory, p.offset = r, mem, offset

	p.opts.log.Debug("export resource prepared",
		zap.Stringer("kind", desc.Kind),
		zap.Uint32("width", desc.Width),
		zap.Uint32("height", desc.Height),
		zap.Uint64("size", req.Size),
		zap.Uint64("offset", offset),
		zap.Bool("pooled", pool != nil),
	)

	return nil
}

// Frame renders one frame into the resource. The memory is exported after
// the first frame that renders successfully.
func (p *ExportPipeline) Frame(ctx context.Context, renderer Renderer) error {
	r := p.Resource()
	if r == nil {
		return ErrNotPrepared
	}

	if err := renderer.Render(ctx, r); err != nil {
		return fmt.Errorf("rendering frame: %w", err)
	}

	if p.State() == Exported {
		return nil
	}

	return p.Export(ctx)
}

// Export waits for the device to go idle, exports the memory as an opaque
// descriptor and sends it. It succeeds once; a failed attempt leaves the
// pipeline NotExported.
func (p *ExportPipeline) Export(ctx context.Context) error {
	p.exportMu.Lock()
	defer p.exportMu.Unlock()

	p.mu.Lock()
	state, mem := p.state, p.memory
	p.mu.Unlock()

	if state == Exported {
		return ErrAlreadyExported
	}
	if mem == nil {
		return ErrNotPrepared
	}

	if err := p.dev.WaitIdle(); err != nil {
		p.opts.metrics.Failure(metrics.ReasonExport)
		return fmt.Errorf("waiting for device idle: %w", err)
	}

	fd, err := p.dev.ExportMemory(mem, HandleTypeOpaqueFD)
	if err != nil {
		p.opts.metrics.Failure(metrics.ReasonExport)
		return fmt.Errorf("exporting memory: %w", err)
	}

	sendErr := p.sender.Send(ctx, fd)
	if err := closeFD(fd); err != nil {
		p.opts.log.Warn("closing exported descriptor", zap.Int("fd", fd), zap.Error(err))
	}
	if sendErr != nil {
		return fmt.Errorf("sending descriptor: %w", sendErr)
	}

	p.mu.Lock()
	p.state = Exported
	p.mu.Unlock()

	p.opts.metrics.SetExported()
	p.opts.log.Info("memory exported", zap.Uint64("size", mem.Size()))

	return nil
}

// State returns the current export state.
func (p *ExportPipeline) State() ExportState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resource returns the prepared resource, or nil.
func (p *ExportPipeline) Resource() Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resource
}

// Memory returns the memory bound to the resource, or nil.
func (p *ExportPipeline) Memory() Memory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory
}

// Offset returns where the resource is bound within Memory.
func (p *ExportPipeline) Offset() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Close releases every object the pipeline created.
func (p *ExportPipeline) Close() error {
	p.mu.Lock()
	p.resource, p.memory = nil, nil
	p.mu.Unlock()

	return p.life.Release()
}
