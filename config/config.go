// Package config loads program settings from EXTMEM_* environment variables.
// Command line flags registered with RegisterFlags override them.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"vulkan-external-memory/extmem"
)

// Roles accepted by RunConfig.Role.
const (
	RoleExport = "export"
	RoleImport = "import"
	RoleBoth   = "both"
)

// Config holds all program configuration.
type Config struct {
	Channel  ChannelConfig
	Resource ResourceConfig
	Run      RunConfig
	Logging  LogConfig
	Metrics  MetricsConfig
}

// ChannelConfig holds descriptor channel configuration.
type ChannelConfig struct {
	Socket string `envconfig:"EXTMEM_SOCKET" default:"/tmp/.external-memory"`
	// Retry paces importer connect attempts. Zero fails on the first refusal.
	Retry time.Duration `envconfig:"EXTMEM_RETRY" default:"100ms"`
	// Timeout bounds the whole handoff. Zero waits forever.
	Timeout time.Duration `envconfig:"EXTMEM_TIMEOUT" default:"0s"`
}

// ResourceConfig describes the shared resource both sides agree on.
type ResourceConfig struct {
	Kind   string `envconfig:"EXTMEM_RESOURCE" default:"image"`
	Width  int    `envconfig:"EXTMEM_WIDTH" default:"1024"`
	Height int    `envconfig:"EXTMEM_HEIGHT" default:"768"`
	Format string `envconfig:"EXTMEM_FORMAT" default:"b8g8r8a8_unorm"`
}

// RunConfig holds program behaviour.
type RunConfig struct {
	Role     string `envconfig:"EXTMEM_ROLE" default:"both"`
	Frames   int    `envconfig:"EXTMEM_FRAMES" default:"3"`
	Snapshot string `envconfig:"EXTMEM_SNAPSHOT"`
	Debug    bool   `envconfig:"EXTMEM_DEBUG" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"EXTMEM_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"EXTMEM_LOG_DEV" default:"false"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is where /metrics is served. Empty disables the endpoint.
	Addr string `envconfig:"EXTMEM_METRICS_ADDR"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			Socket: "/tmp/.external-memory",
			Retry:  100 * time.Millisecond,
		},
		Resource: ResourceConfig{
			Kind:   "image",
			Width:  1024,
			Height: 768,
			Format: "b8g8r8a8_unorm",
		},
		Run: RunConfig{
			Role:   RoleBoth,
			Frames: 3,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// RegisterFlags binds flags to cfg. Current values become the defaults, so
// flags override whatever Load read from the environment.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Channel.Socket, "socket", cfg.Channel.Socket, "Socket path shared by exporter and importer")
	fs.DurationVar(&cfg.Channel.Retry, "retry", cfg.Channel.Retry, "Importer connect retry interval, 0 to fail fast")
	fs.DurationVar(&cfg.Channel.Timeout, "timeout", cfg.Channel.Timeout, "Give up on the handoff after this long, 0 waits forever")

	fs.StringVar(&cfg.Resource.Kind, "resource", cfg.Resource.Kind, "Shared resource kind: image or buffer")
	fs.IntVar(&cfg.Resource.Width, "width", cfg.Resource.Width, "Resource width in pixels")
	fs.IntVar(&cfg.Resource.Height, "height", cfg.Resource.Height, "Resource height in pixels")
	fs.StringVar(&cfg.Resource.Format, "format", cfg.Resource.Format, "Pixel format: b8g8r8a8_unorm or r8g8b8a8_unorm")

	fs.StringVar(&cfg.Run.Role, "role", cfg.Run.Role, "Role to run: export, import or both")
	fs.IntVar(&cfg.Run.Frames, "frames", cfg.Run.Frames, "Frames the exporter renders")
	fs.StringVar(&cfg.Run.Snapshot, "snapshot", cfg.Run.Snapshot, "Write the imported frame to this PNG file")
	fs.BoolVar(&cfg.Run.Debug, "debug", cfg.Run.Debug, "Enable Vulkan validation layers")

	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level")
	fs.BoolVar(&cfg.Logging.Development, "log-dev", cfg.Logging.Development, "Human readable logs")

	fs.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Serve prometheus metrics on this address")
}

// Validate checks values that cannot be checked by parsing alone.
func (cfg *Config) Validate() error {
	switch cfg.Run.Role {
	case RoleExport, RoleImport, RoleBoth:
	default:
		return fmt.Errorf("config: unknown role %q", cfg.Run.Role)
	}

	if cfg.Run.Frames < 1 {
		return fmt.Errorf("config: frames must be at least 1, got %d", cfg.Run.Frames)
	}

	if cfg.Channel.Retry < 0 || cfg.Channel.Timeout < 0 {
		return fmt.Errorf("config: negative retry or timeout")
	}

	_, err := cfg.ResourceDesc()
	return err
}

// ResourceDesc returns the shared resource description.
func (cfg *Config) ResourceDesc() (extmem.ResourceDesc, error) {
	kind, err := extmem.ParseResourceKind(cfg.Resource.Kind)
	if err != nil {
		return extmem.ResourceDesc{}, err
	}

	format, err := extmem.ParseFormat(cfg.Resource.Format)
	if err != nil {
		return extmem.ResourceDesc{}, err
	}

	const maxExtent = 1 << 14
	if cfg.Resource.Width < 1 || cfg.Resource.Height < 1 ||
		cfg.Resource.Width > maxExtent || cfg.Resource.Height > maxExtent {
		return extmem.ResourceDesc{}, fmt.Errorf("%w: %dx%d", extmem.ErrInvalidExtent, cfg.Resource.Width, cfg.Resource.Height)
	}

	return extmem.ResourceDesc{
		Kind:   kind,
		Width:  uint32(cfg.Resource.Width),
		Height: uint32(cfg.Resource.Height),
		Format: format,
		Usage:  extmem.UsageTransferSrc | extmem.UsageTransferDst,
	}, nil
}
