// Package fdpass moves a single open file descriptor from one process to
// another over a named local socket.
//
// The exporting side binds a well-known path, listens with a backlog of one,
// accepts exactly one importer and sends a one byte marker together with an
// SCM_RIGHTS control message carrying the descriptor. The importing side
// connects to the same path and receives the descriptor, which the kernel
// installs in the importer's own descriptor table under a new number.
//
// Accept, connect and receive block. The context passed to Send and Receive
// is the only way to abandon them; with context.Background they wait forever.
package fdpass

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"vulkan-external-memory/metrics"
)

// DefaultPath is the socket path shared by exporter and importer.
const DefaultPath = "/tmp/.external-memory"

const (
	// backlog is the listen queue length: a single importer is expected.
	backlog = 1

	// marker is the payload byte sent along with the control message. A
	// control message cannot travel on its own over a stream socket.
	marker = '1'
)

var (
	// ErrNoDescriptor is returned when the exporter's message carried no
	// control message, or the connection ended before anything was sent.
	ErrNoDescriptor = errors.New("fdpass: no descriptor passed")
	// ErrMalformedControl is returned when the control message is not a
	// single SCM_RIGHTS message carrying exactly one descriptor.
	ErrMalformedControl = errors.New("fdpass: malformed control message")
	// ErrNegativeDescriptor is returned for descriptor values below zero.
	ErrNegativeDescriptor = errors.New("fdpass: negative descriptor")
	// ErrNotListening is returned by Dial when no exporter is listening.
	ErrNotListening = errors.New("fdpass: exporter not listening")
	// ErrAlreadySent is returned on a second Send through the same Listener.
	ErrAlreadySent = errors.New("fdpass: descriptor already sent")
	// ErrUnsupported is returned on platforms without descriptor passing.
	ErrUnsupported = errors.New("fdpass: descriptor passing not supported on this platform")
)

// Channel describes a rendezvous point. The zero value uses DefaultPath, does
// not retry connecting, logs nothing and records no metrics.
type Channel struct {
	// Path is the filesystem path naming the socket.
	Path string

	// RetryInterval paces connect attempts while the exporter is not yet
	// listening. Zero makes Dial fail immediately with ErrNotListening.
	RetryInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Channel) path() string {
	if c.Path == "" {
		return DefaultPath
	}
	return c.Path
}

func (c *Channel) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
