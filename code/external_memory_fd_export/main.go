package main

import (
	"context"
	"encoding/binary"
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

const title = "Vulkan: external memory fd export"

func main() {
	env, err := sample.Setup(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("ERROR: %s", err)
	}
	defer env.Close()

	app := &ExportApp{env: env, log: env.Log.Named("exporter")}
	if err := app.Run(); err != nil {
		env.Log.Fatal("export failed", zap.Error(err))
	}
}

// ExportApp renders frames into exportable memory and hands the memory to an
// importer after the first one.
type ExportApp struct {
	env *sample.Env
	log *zap.Logger

	device   *vkmem.Device
	pipeline *extmem.ExportPipeline
}

// Run runs the vulkan program.
func (a *ExportApp) Run() error {
	ctx, cancel := a.env.Context()
	defer cancel()

	if err := a.initVulkan(); err != nil {
		return fmt.Errorf("initVulkan: %w", err)
	}
	defer a.cleanVulkan()

	if err := a.mainLoop(ctx); err != nil {
		return fmt.Errorf("mainLoop: %w", err)
	}

	return nil
}

func (a *ExportApp) initVulkan() error {
	desc, err := a.env.Config.ResourceDesc()
	if err != nil {
		return err
	}

	device, err := vkmem.New(vkmem.Config{
		AppName: title,
		Debug:   a.env.Config.Run.Debug,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	a.device = device

	a.pipeline = extmem.NewExportPipeline(device, a.env.Channel(),
		extmem.WithLogger(a.log),
		extmem.WithMetrics(a.env.Metrics),
	)

	return a.pipeline.Prepare(desc)
}

func (a *ExportApp) cleanVulkan() {
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			a.log.Error("releasing export pipeline", zap.Error(err))
		}
	}
	if a.device != nil {
		a.device.Destroy()
	}
}

func (a *ExportApp) mainLoop(ctx context.Context) error {
	for frame := 0; frame < a.env.Config.Run.Frames; frame++ {
		if err := a.pipeline.Frame(ctx, extmem.RenderFunc(a.drawFrame(frame))); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}

	return a.device.WaitIdle()
}

// drawFrame fills the shared resource with the first color of the frame's
// gradient.
func (a *ExportApp) drawFrame(frame int) func(context.Context, extmem.Resource) error {
	color := pattern.ForFrame(frame).Left

	return func(ctx context.Context, r extmem.Resource) error {
		desc := r.Desc()
		if desc.Kind == extmem.ResourceImage {
			return a.device.ClearImage(r, color)
		}

		texel := pattern.Texel(color, desc.Format)
		return a.device.FillBuffer(r, binary.NativeEndian.Uint32(texel[:]))
	}
}
