// Package selfpipe implements the classic self-pipe trick: a pipe whose
// read end can be multiplexed alongside sockets in select/poll, purely to
// make a thread's wake-up (cancellation, shutdown) selectable.
package selfpipe

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/flexnbd/flexnbd/internal/errx"
)

var (
	// ErrCreate is returned when the underlying pipe cannot be created.
	ErrCreate = errors.New("selfpipe: create pipe")
	// ErrSignal is returned when writing the wakeup byte fails.
	ErrSignal = errors.New("selfpipe: signal")
)

// Pipe is a cross-thread wakeup primitive. The zero value is not usable;
// construct with New. Signal is idempotent: repeated calls after the
// first have no additional effect until Drain is called.
type Pipe struct {
	mu       sync.Mutex
	readFd   int
	writeFd  int
	signaled bool
	closed   bool
}

// New creates a non-blocking pipe pair ready for use in select/poll.
func New() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errx.Wrap(ErrCreate, err)
	}
	return &Pipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd returns the file descriptor to add to a select/poll read set.
func (p *Pipe) ReadFd() int {
	return p.readFd
}

// Signal wakes up anyone selecting on ReadFd. Safe to call from any
// thread, any number of times.
func (p *Pipe) Signal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.signaled {
		return nil
	}
	_, err := unix.Write(p.writeFd, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return errx.Wrap(ErrSignal, err)
	}
	p.signaled = true
	return nil
}

// Drain consumes any pending wakeup bytes, resetting the pipe to
// unsignaled. Call after observing readiness on ReadFd.
func (p *Pipe) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf [64]byte
	for {
		n, err := unix.Read(p.readFd, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	p.signaled = false
}

// IsSignaled reports whether Signal has been called since the last Drain.
func (p *Pipe) IsSignaled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaled
}

// Close releases both pipe file descriptors. Safe to call more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = unix.Close(p.readFd)
	_ = unix.Close(p.writeFd)
	return nil
}
