//go:build linux

// Command vulkan-external-memory hands a frame of device memory from an
// exporter to an importer through an opaque file descriptor, using the
// memfd-backed host device. Run it twice with -role export and -role import,
// or once with -role both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vulkan-external-memory/config"
	"vulkan-external-memory/extmem"
	"vulkan-external-memory/hostmem"
	"vulkan-external-memory/pattern"
	"vulkan-external-memory/sample"
)

// pollInterval paces importer reads while waiting for the final frame.
const pollInterval = 10 * time.Millisecond

func main() {
	env, err := sample.Setup(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("ERROR: %s", err)
	}
	defer env.Close()

	app, err := NewHandoffApp(env)
	if err != nil {
		env.Log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := env.Context()
	defer cancel()

	if err := app.Run(ctx); err != nil {
		env.Log.Fatal("handoff failed", zap.Error(err))
	}
}

// HandoffApp renders frames into exported memory and checks them through
// imported memory.
type HandoffApp struct {
	env  *sample.Env
	desc extmem.ResourceDesc
}

// NewHandoffApp creates the app for the configured resource.
func NewHandoffApp(env *sample.Env) (*HandoffApp, error) {
	desc, err := env.Config.ResourceDesc()
	if err != nil {
		return nil, err
	}
	return &HandoffApp{env: env, desc: desc}, nil
}

// Run runs the configured role.
func (a *HandoffApp) Run(ctx context.Context) error {
	switch a.env.Config.Run.Role {
	case config.RoleExport:
		return a.export(ctx)
	case config.RoleImport:
		return a.importFrame(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.export(ctx) })
	g.Go(func() error { return a.importFrame(ctx) })

	return g.Wait()
}

func (a *HandoffApp) export(ctx context.Context) (err error) {
	log := a.env.Log.Named("exporter")

	dev := hostmem.New(log)
	defer dev.Close()

	pipe := extmem.NewExportPipeline(dev, a.env.Channel(),
		extmem.WithLogger(log),
		extmem.WithMetrics(a.env.Metrics),
	)
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("releasing exporter: %w", closeErr)
		}
	}()

	if err := pipe.Prepare(a.desc); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	pitch := dev.RowPitch(pipe.Resource())

	for frame := 0; frame < a.env.Config.Run.Frames; frame++ {
		gradient := pattern.ForFrame(frame)
		render := extmem.RenderFunc(func(ctx context.Context, r extmem.Resource) error {
			data, err := dev.Contents(r)
			if err != nil {
				return err
			}
			return dev.Submit(func() {
				if err := pattern.Fill(data, r.Desc(), pitch, gradient); err != nil {
					log.Error("filling frame", zap.Int("frame", frame), zap.Error(err))
				}
			})
		})

		if err := pipe.Frame(ctx, render); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		log.Debug("frame rendered", zap.Int("frame", frame))
	}

	return dev.WaitIdle()
}

func (a *HandoffApp) importFrame(ctx context.Context) (err error) {
	log := a.env.Log.Named("importer")

	dev := hostmem.New(log)
	defer dev.Close()

	pipe := extmem.NewImportPipeline(dev, a.env.Channel(),
		extmem.WithLogger(log),
		extmem.WithMetrics(a.env.Metrics),
	)
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("releasing importer: %w", closeErr)
		}
	}()

	if err := pipe.Prepare(a.desc); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	if err := pipe.Import(ctx); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	pitch := dev.RowPitch(pipe.Resource())
	final := pattern.ForFrame(a.env.Config.Run.Frames - 1)

	if err := a.waitForFrame(ctx, pipe, pitch, final); err != nil {
		return err
	}
	log.Info("final frame verified", zap.Uint32("width", a.desc.Width), zap.Uint32("height", a.desc.Height))

	if path := a.env.Config.Run.Snapshot; path != "" {
		if err := a.snapshot(pipe, pitch, path); err != nil {
			return err
		}
		log.Info("snapshot written", zap.String("path", path))
	}

	return nil
}

// waitForFrame polls the imported memory until it holds g. The exporter
// keeps rendering after the handoff, so earlier frames are expected first.
func (a *HandoffApp) waitForFrame(ctx context.Context, pipe *extmem.ImportPipeline, pitch uint64, g pattern.Gradient) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := pipe.Read(func(data []byte) error {
			return pattern.Verify(data, a.desc, pitch, g)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, pattern.ErrMismatch) {
			return fmt.Errorf("reading imported memory: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for final frame: %w (last: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (a *HandoffApp) snapshot(pipe *extmem.ImportPipeline, pitch uint64, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer f.Close()

	err = pipe.Read(func(data []byte) error {
		return pattern.WritePNG(f, data, a.desc, pitch)
	})
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	return f.Close()
}
