//go:build linux

package fdpass

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"vulkan-external-memory/metrics"
)

func socketPath(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "fdpass")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return filepath.Join(dir, "s.sock")
}

// memfdWith returns a memfd holding content.
func memfdWith(t *testing.T, content []byte) int {
	t.Helper()

	fd, err := unix.MemfdCreate("fdpass-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	_, err = unix.Pwrite(fd, content, 0)
	require.NoError(t, err)

	return fd
}

func readAll(t *testing.T, fd int, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	got, err := unix.Pread(fd, buf, 0)
	require.NoError(t, err)

	return buf[:got]
}

func TestRoundTrip(t *testing.T) {
	content := []byte("exported pixels")
	src := memfdWith(t, content)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ch := &Channel{Path: socketPath(t), Metrics: m}

	ln, err := ch.Listen()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- ln.Send(context.Background(), src) }()

	fd, err := ch.Receive(context.Background())
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, <-errc)

	assert.NotEqual(t, src, fd)
	assert.Equal(t, content, readAll(t, fd, len(content)))

	var srcStat, dstStat unix.Stat_t
	require.NoError(t, unix.Fstat(src, &srcStat))
	require.NoError(t, unix.Fstat(fd, &dstStat))
	assert.Equal(t, srcStat.Ino, dstStat.Ino, "both descriptors must reference the same object")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsReceived))

	_, err = os.Stat(ch.Path)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "socket must be removed after the transfer")
}

func TestWritesAfterTransferAreShared(t *testing.T) {
	src := memfdWith(t, make([]byte, 8))
	ch := &Channel{Path: socketPath(t)}

	ln, err := ch.Listen()
	require.NoError(t, err)
	go ln.Send(context.Background(), src)

	fd, err := ch.Receive(context.Background())
	require.NoError(t, err)
	defer unix.Close(fd)

	_, err = unix.Pwrite(src, []byte("late"), 0)
	require.NoError(t, err)

	assert.Equal(t, []byte("late"), readAll(t, fd, 4))
}

func TestListenRemovesStaleArtifact(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	ch := &Channel{Path: path}

	first, err := ch.Listen()
	require.NoError(t, err)

	// A previous exporter that never cleaned up.
	second, err := ch.Listen()
	require.NoError(t, err, "rebinding must not fail with address in use")

	assert.NoError(t, first.Close())
	assert.NoError(t, second.Close())
	assert.NoError(t, second.Close())
}

func TestReceiveWithoutControlMessage(t *testing.T) {
	path := socketPath(t)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{marker})
	}()

	ch := &Channel{Path: path}
	fd, err := ch.Receive(context.Background())

	assert.ErrorIs(t, err, ErrNoDescriptor)
	assert.Equal(t, -1, fd, "a missing descriptor must not look like descriptor 0")
}

func TestReceivePeerClosedBeforeSending(t *testing.T) {
	path := socketPath(t)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		conn.Close()
	}()

	ch := &Channel{Path: path}
	fd, err := ch.Receive(context.Background())

	assert.ErrorIs(t, err, ErrNoDescriptor)
	assert.Equal(t, -1, fd)
}

func TestReceiveRejectsMultipleDescriptors(t *testing.T) {
	path := socketPath(t)
	a := memfdWith(t, []byte("a"))
	b := memfdWith(t, []byte("b"))

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMsgUnix([]byte{marker}, unix.UnixRights(a, b), nil)
	}()

	ch := &Channel{Path: path}
	fd, err := ch.Receive(context.Background())

	assert.ErrorIs(t, err, ErrMalformedControl)
	assert.Equal(t, -1, fd)
}

func TestDialBeforeListen(t *testing.T) {
	ch := &Channel{Path: socketPath(t)}

	_, err := ch.Dial(context.Background())
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestDialRetriesUntilExporterListens(t *testing.T) {
	content := []byte("ordering")
	src := memfdWith(t, content)
	path := socketPath(t)

	importer := &Channel{Path: path, RetryInterval: 10 * time.Millisecond}

	type result struct {
		fd  int
		err error
	}
	results := make(chan result, 1)
	go func() {
		fd, err := importer.Receive(context.Background())
		results <- result{fd, err}
	}()

	time.Sleep(50 * time.Millisecond)

	exporter := &Channel{Path: path}
	require.NoError(t, exporter.Send(context.Background(), src))

	res := <-results
	require.NoError(t, res.err)
	defer unix.Close(res.fd)

	assert.Equal(t, content, readAll(t, res.fd, len(content)))
}

func TestDialRetryHonorsContext(t *testing.T) {
	ch := &Channel{Path: socketPath(t), RetryInterval: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.Dial(ctx)
	assert.Error(t, err)
}

func TestSingleTransferPerListener(t *testing.T) {
	src := memfdWith(t, []byte("once"))
	ch := &Channel{Path: socketPath(t)}

	ln, err := ch.Listen()
	require.NoError(t, err)

	first, err := ch.Dial(context.Background())
	require.NoError(t, err)
	second, err := ch.Dial(context.Background())
	require.NoError(t, err, "the backlog queues a second peer")

	require.NoError(t, ln.Send(context.Background(), src))

	fd, err := first.Receive(context.Background())
	require.NoError(t, err)
	unix.Close(fd)

	fd, err = second.Receive(context.Background())
	assert.Error(t, err)
	assert.Equal(t, -1, fd)

	assert.ErrorIs(t, ln.Send(context.Background(), src), ErrAlreadySent)
}

func TestSendCanceled(t *testing.T) {
	src := memfdWith(t, nil)
	ch := &Channel{Path: socketPath(t)}

	ln, err := ch.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ln.Send(ctx, src) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}

	_, err = os.Stat(ch.Path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReceiveTimeout(t *testing.T) {
	path := socketPath(t)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		<-hold
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ch := &Channel{Path: path}
	fd, err := ch.Receive(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, fd)
}

func TestSendNegativeDescriptor(t *testing.T) {
	ch := &Channel{Path: socketPath(t)}

	assert.ErrorIs(t, ch.Send(context.Background(), -1), ErrNegativeDescriptor)
}
