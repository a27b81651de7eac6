package fdpass

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vulkan-external-memory/metrics"
)

// Listener is the exporter end of a Channel after bind and listen.
type Listener struct {
	ln      *net.UnixListener
	path    string
	log     *zap.Logger
	metrics *metrics.Metrics
	started time.Time

	mu     sync.Mutex
	sent   bool
	closed bool
}

// Listen removes any stale socket left at the channel path, then binds and
// listens on it with a backlog of one.
func (c *Channel) Listen() (*Listener, error) {
	path := c.path()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.Metrics.Failure(metrics.ReasonSetup)
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	ln, err := listenUnix(path, backlog)
	if err != nil {
		c.Metrics.Failure(metrics.ReasonSetup)
		return nil, err
	}

	return &Listener{
		ln:      ln,
		path:    path,
		log:     c.logger().With(zap.String("socket", path)),
		metrics: c.Metrics,
		started: time.Now(),
	}, nil
}

// Send listens on the channel and sends fd to the first importer that
// connects.
func (c *Channel) Send(ctx context.Context, fd int) error {
	l, err := c.Listen()
	if err != nil {
		return err
	}
	return l.Send(ctx, fd)
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string {
	return l.path
}

// Send blocks until an importer connects, then passes fd to it. The listener
// is closed afterwards whatever the outcome; a Listener carries exactly one
// descriptor. The caller keeps ownership of its own copy of fd.
func (l *Listener) Send(ctx context.Context, fd int) error {
	l.mu.Lock()
	if l.sent {
		l.mu.Unlock()
		return ErrAlreadySent
	}
	l.sent = true
	l.mu.Unlock()

	defer l.Close()

	if fd < 0 {
		l.metrics.Failure(metrics.ReasonSend)
		return ErrNegativeDescriptor
	}

	oob, err := encodeRights(fd)
	if err != nil {
		l.metrics.Failure(metrics.ReasonSend)
		return err
	}

	log := l.log.With(zap.String("session", uuid.NewString()), zap.Int("fd", fd))

	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	log.Info("waiting for importer to connect")

	conn, err := l.ln.AcceptUnix()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.metrics.Failure(metrics.ReasonCanceled)
			return ctxErr
		}
		l.metrics.Failure(metrics.ReasonAccept)
		return fmt.Errorf("accepting importer: %w", err)
	}
	defer conn.Close()

	n, oobn, err := conn.WriteMsgUnix([]byte{marker}, oob, nil)
	if err != nil {
		l.metrics.Failure(metrics.ReasonSend)
		return fmt.Errorf("sending descriptor: %w", err)
	}
	if n != 1 || oobn != len(oob) {
		l.metrics.Failure(metrics.ReasonSend)
		return fmt.Errorf("sending descriptor: short write (%d/1 bytes, %d/%d control)", n, oobn, len(oob))
	}

	l.metrics.Sent(time.Since(l.started).Seconds())
	log.Info("descriptor sent")

	return nil
}

// Close closes the listening socket and removes its path. It is safe to call
// more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.ln.Close()
}
