//go:build linux

package main

import (
	"context"
	"flag"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkan-external-memory/fdpass"
	"vulkan-external-memory/sample"
)

func setup(t *testing.T, args ...string) (*sample.Env, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "handoff")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	args = append([]string{"-socket", filepath.Join(dir, "s.sock"), "-retry", "5ms"}, args...)
	env, err := sample.Setup(flag.NewFlagSet("test", flag.ContinueOnError), args)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	return env, dir
}

func TestRunBoth(t *testing.T) {
	for _, kind := range []string{"image", "buffer"} {
		t.Run(kind, func(t *testing.T) {
			env, dir := setup(t, "-resource", kind, "-width", "40", "-height", "10", "-frames", "4")
			snapshot := filepath.Join(dir, "frame.png")
			env.Config.Run.Snapshot = snapshot

			app, err := NewHandoffApp(env)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, app.Run(ctx))

			assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.DescriptorsSent))
			assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.DescriptorsReceived))

			f, err := os.Open(snapshot)
			require.NoError(t, err)
			defer f.Close()
			img, err := png.Decode(f)
			require.NoError(t, err)
			assert.Equal(t, 40, img.Bounds().Dx())
			assert.Equal(t, 10, img.Bounds().Dy())
		})
	}
}

func TestImportWithoutExporter(t *testing.T) {
	env, _ := setup(t, "-role", "import", "-retry", "0")

	app, err := NewHandoffApp(env)
	require.NoError(t, err)

	err = app.Run(context.Background())
	assert.ErrorIs(t, err, fdpass.ErrNotListening)
}

func TestExportTimesOutWithoutImporter(t *testing.T) {
	env, _ := setup(t, "-role", "export")

	app, err := NewHandoffApp(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = app.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
