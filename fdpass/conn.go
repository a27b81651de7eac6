package fdpass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vulkan-external-memory/metrics"
)

// Conn is the importer end of a Channel after connect.
type Conn struct {
	conn    *net.UnixConn
	log     *zap.Logger
	metrics *metrics.Metrics
	started time.Time
}

// Dial connects to the exporter. If nothing listens at the channel path it
// fails with ErrNotListening, unless RetryInterval is set, in which case it
// keeps trying until the exporter shows up or ctx is done.
func (c *Channel) Dial(ctx context.Context) (*Conn, error) {
	started := time.Now()
	log := c.logger().With(zap.String("socket", c.path()))

	if c.RetryInterval <= 0 {
		conn, err := c.dialOnce(ctx)
		if err != nil {
			c.Metrics.Failure(metrics.ReasonConnect)
			return nil, err
		}
		return &Conn{conn: conn, log: log, metrics: c.Metrics, started: started}, nil
	}

	limiter := rate.NewLimiter(rate.Every(c.RetryInterval), 1)
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			c.Metrics.Failure(metrics.ReasonConnect)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s", ErrNotListening, err)
		}

		conn, err := c.dialOnce(ctx)
		if err == nil {
			return &Conn{conn: conn, log: log, metrics: c.Metrics, started: started}, nil
		}
		if !errors.Is(err, ErrNotListening) {
			c.Metrics.Failure(metrics.ReasonConnect)
			return nil, err
		}

		log.Debug("exporter not listening yet", zap.Int("attempt", attempt))
	}
}

func (c *Channel) dialOnce(ctx context.Context) (*net.UnixConn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", c.path())
	if err != nil {
		if isNotListening(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotListening, c.path())
		}
		return nil, fmt.Errorf("connecting to %s: %w", c.path(), err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return uc, nil
}

// Receive connects to the exporter and receives its descriptor.
func (c *Channel) Receive(ctx context.Context) (int, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return -1, err
	}
	return conn.Receive(ctx)
}

// Receive blocks until the exporter sends its descriptor and returns it. The
// returned descriptor belongs to the caller. The connection is closed before
// Receive returns. On failure the result is -1, never a valid descriptor.
func (c *Conn) Receive(ctx context.Context) (int, error) {
	defer c.conn.Close()

	log := c.log.With(zap.String("session", uuid.NewString()))

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, 1)
	oob := make([]byte, rightsSpace())

	_, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.Failure(metrics.ReasonCanceled)
			return -1, ctxErr
		}
		if errors.Is(err, io.EOF) {
			c.metrics.Failure(metrics.ReasonNoDescriptor)
			return -1, ErrNoDescriptor
		}
		c.metrics.Failure(metrics.ReasonConnect)
		return -1, fmt.Errorf("receiving descriptor: %w", err)
	}

	fd, err := decodeRights(oob[:oobn], flags)
	if err != nil {
		if errors.Is(err, ErrNoDescriptor) {
			c.metrics.Failure(metrics.ReasonNoDescriptor)
		} else {
			c.metrics.Failure(metrics.ReasonMalformed)
		}
		log.Warn("descriptor transfer failed", zap.Error(err))
		return -1, err
	}

	c.metrics.Received(time.Since(c.started).Seconds())
	log.Info("descriptor received", zap.Int("fd", fd))

	return fd, nil
}

// Close closes the connection without receiving.
func (c *Conn) Close() error {
	return c.conn.Close()
}
