package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"go.uber.org/zap"

	"vulkan-external-memory/extmem"
	"vulkan-external-memory/pattern"
	"vulkan-external-memory/sample"
	"vulkan-external-memory/vkmem"
)

func init() {
	// This is needed to arrange that main() runs on main thread.
	// See documentation for functions that are only allowed to be called
	// from the main thread.
	runtime.LockOSThread()
}

const title = "Vulkan: external memory fd"

func main() {
	env, err := sample.Setup(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("ERROR: %s", err)
	}
	defer env.Close()

	app := &PoolApp{env: env, log: env.Log.Named("pool")}
	if err := app.Run(); err != nil {
		env.Log.Fatal("external memory sample failed", zap.Error(err))
	}
}

// fdLogger stands in for a peer process: it only reports the descriptor.
type fdLogger struct {
	log *zap.Logger
}

func (l fdLogger) Send(ctx context.Context, fd int) error {
	l.log.Info("exported memory fd", zap.Int("fd", fd))
	return nil
}

// PoolApp creates an image inside an exportable memory pool, exports the
// pool memory as a file descriptor and clears the image.
type PoolApp struct {
	env *sample.Env
	log *zap.Logger

	device   *vkmem.Device
	pool     *extmem.Pool
	pipeline *extmem.ExportPipeline
}

// Run runs the vulkan program.
func (a *PoolApp) Run() error {
	ctx, cancel := a.env.Context()
	defer cancel()

	desc, err := a.env.Config.ResourceDesc()
	if err != nil {
		return err
	}
	desc.Kind = extmem.ResourceImage

	device, err := vkmem.New(vkmem.Config{
		AppName: title,
		Debug:   a.env.Config.Run.Debug,
		Logger:  a.log,
	})
	if err != nil {
		return fmt.Errorf("initVulkan: %w", err)
	}
	a.device = device
	defer a.device.Destroy()

	if err := a.createPool(desc); err != nil {
		return fmt.Errorf("createPool: %w", err)
	}

	a.pipeline = extmem.NewExportPipeline(device, fdLogger{log: a.log},
		extmem.WithLogger(a.log),
		extmem.WithPool(a.pool),
	)
	// The pool is released after the image it holds.
	a.pipeline.Lifecycle().TrackPool(a.pool)
	defer func() {
		if err := a.pipeline.Close(); err != nil {
			a.log.Error("releasing resources", zap.Error(err))
		}
	}()

	if err := a.pipeline.Prepare(desc); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	if err := a.pipeline.Export(ctx); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	for frame := 0; frame < a.env.Config.Run.Frames; frame++ {
		color := pattern.ForFrame(frame).Left
		if err := a.device.ClearImage(a.pipeline.Resource(), color); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}

	return a.device.WaitIdle()
}

func (a *PoolApp) createPool(desc extmem.ResourceDesc) error {
	typeIndex, err := extmem.FindMemoryType(a.device, ^uint32(0), extmem.HostShared)
	if err != nil {
		return err
	}

	// Linear images may pad their rows; leave room for that.
	size := 2*desc.PixelBytes() + 1<<20

	pool, err := extmem.NewPool(a.device, extmem.PoolInfo{
		Size:            size,
		MemoryTypeIndex: typeIndex,
		Export:          extmem.HandleTypeOpaqueFD,
	})
	if err != nil {
		return err
	}
	a.pool = pool

	a.log.Info("exportable pool created",
		zap.Uint64("size", size),
		zap.Uint32("memory_type", typeIndex),
	)

	return nil
}
