// Package sample holds the start-up code shared by the programs: config,
// logger, metrics endpoint and the context bounding a handoff.
package sample

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vulkan-external-memory/config"
	"vulkan-external-memory/fdpass"
	"vulkan-external-memory/logging"
	"vulkan-external-memory/metrics"
)

// Env is the environment a program runs in.
type Env struct {
	Config  *config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics

	registry *prometheus.Registry
	server   *http.Server
	addr     net.Addr
}

// Setup loads the configuration, applies command line args, builds the
// logger and starts the metrics endpoint when one is configured.
func Setup(fs *flag.FlagSet, args []string) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	env := &Env{
		Config:   cfg,
		Log:      log,
		Metrics:  metrics.New(reg),
		registry: reg,
	}

	if cfg.Metrics.Addr != "" {
		if err := env.serveMetrics(cfg.Metrics.Addr); err != nil {
			return nil, err
		}
	}

	return env, nil
}

func (e *Env) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.addr = ln.Addr()

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	e.Log.Info("serving metrics", zap.Stringer("addr", e.addr))

	return nil
}

// MetricsAddr returns the address metrics are served on, or nil.
func (e *Env) MetricsAddr() net.Addr {
	return e.addr
}

// Context is canceled on SIGINT or SIGTERM and when the configured timeout
// expires.
func (e *Env) Context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if e.Config.Channel.Timeout <= 0 {
		return ctx, stop
	}

	ctx, cancel := context.WithTimeout(ctx, e.Config.Channel.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// Channel returns the descriptor channel described by the configuration.
func (e *Env) Channel() *fdpass.Channel {
	return &fdpass.Channel{
		Path:          e.Config.Channel.Socket,
		RetryInterval: e.Config.Channel.Retry,
		Logger:        e.Log.Named("fdpass"),
		Metrics:       e.Metrics,
	}
}

// Close stops the metrics endpoint and flushes the logger.
func (e *Env) Close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			e.Log.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	_ = e.Log.Sync()
}
