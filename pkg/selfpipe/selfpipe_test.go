package selfpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSignalDrainCycle(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.False(t, p.IsSignaled())
	require.NoError(t, p.Signal())
	require.True(t, p.IsSignaled())

	fds := []unix.PollFd{{Fd: int32(p.ReadFd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p.Drain()
	require.False(t, p.IsSignaled())
}

func TestSignalIdempotent(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Signal())
	}
	p.Drain()
}

func TestCloseIdempotent(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestSignalDeliveryLatency(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Signal()
	}()

	fds := []unix.PollFd{{Fd: int32(p.ReadFd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	close(done)
}
