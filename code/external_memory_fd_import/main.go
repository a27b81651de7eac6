package main

import (
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

const title = "Vulkan: external memory fd import"

func main() {
	env, err := sample.Setup(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("ERROR: %s", err)
	}
	defer env.Close()

	app := &ImportApp{env: env, log: env.Log.Named("importer")}
	if err := app.Run(); err != nil {
		env.Log.Fatal("import failed", zap.Error(err))
	}
}

// ImportApp binds memory received from an exporter to a local resource and
// reads the exporter's frame from it.
type ImportApp struct {
	env *sample.Env
	log *zap.Logger

	desc     extmem.ResourceDesc
	device   *vkmem.Device
	pipeline *extmem.ImportPipeline
}

// Run runs the vulkan program.
func (a *ImportApp) Run() error {
	ctx, cancel := a.env.Context()
	defer cancel()

	if err := a.initVulkan(); err != nil {
		return fmt.Errorf("initVulkan: %w", err)
	}
	defer a.cleanVulkan()

	if err := a.pipeline.Import(ctx); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if err := a.inspect(); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	return nil
}

func (a *ImportApp) initVulkan() error {
	desc, err := a.env.Config.ResourceDesc()
	if err != nil {
		return err
	}
	a.desc = desc

	device, err := vkmem.New(vkmem.Config{
		AppName: title,
		Debug:   a.env.Config.Run.Debug,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	a.device = device

	a.pipeline = extmem.NewImportPipeline(device, a.env.Channel(),
		extmem.WithLogger(a.log),
		extmem.WithMetrics(a.env.Metrics),
	)

	return a.pipeline.Prepare(desc)
}

func (a *ImportApp) cleanVulkan() {
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			a.log.Error("releasing import pipeline", zap.Error(err))
		}
	}
	if a.device != nil {
		a.device.Destroy()
	}
}

// inspect logs the first texel of the shared frame and writes a snapshot
// when one was requested.
func (a *ImportApp) inspect() error {
	pitch := a.device.RowPitch(a.pipeline.Resource())

	return a.pipeline.Read(func(data []byte) error {
		a.log.Info("shared frame",
			zap.Binary("first_texel", data[:a.desc.Format.BytesPerPixel()]),
			zap.Uint64("row_pitch", pitch),
		)

		path := a.env.Config.Run.Snapshot
		if path == "" {
			return nil
		}

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := pattern.WritePNG(f, data, a.desc, pitch); err != nil {
			return err
		}
		return f.Close()
	})
}
