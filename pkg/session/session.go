// Package session implements the per-connection NBD client state machine
// (spec.md §4.4) and the sparse-preserving write algorithm (spec.md §4.5).
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/bitset"
	"github.com/flexnbd/flexnbd/pkg/wire"
)

// isTimeout reports whether err is a net.Error timeout, the signal that
// SetReadDeadline's deadline elapsed with no data available.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// state names the session's position in the spec.md §4.4 state machine.
type state int

const (
	stateHello state = iota
	stateAwaitReq
	stateTerminating
)

// Host is everything a Session borrows from the owning server (spec.md
// §3's "ownership summary"): the shared mapped region, the read-only
// allocation map, and the dirty-map mutation hook. It is a narrow
// interface so pkg/session never imports pkg/server, mirroring how the
// teacher's pkg/rpc/handler.go defines a local VM interface instead of
// importing the sandbox package it actually runs against.
type Host interface {
	// Size returns the exported device size in bytes.
	Size() int64

	// ReadAt copies Size(buf) bytes from the mapped region starting at
	// off into buf. Must behave like io.ReaderAt.
	ReadAt(buf []byte, off int64) (int, error)

	// WriteAt copies buf into the mapped region starting at off.
	WriteAt(buf []byte, off int64) (int, error)

	// AllocationMap returns the server's allocation bitmap, or nil if
	// extent enumeration was unavailable at startup (spec.md §4.2).
	AllocationMap() *bitset.Bitset

	// MarkAllocated sets the allocation bitmap over [off, off+length).
	// Only called when AllocationMap() is non-nil.
	MarkAllocated(off, length int64)

	// MarkDirty sets the dirty map over [off, off+length) if a mirror is
	// currently active; a no-op otherwise. Implementations must take
	// l_io per spec.md §5 before touching the dirty map.
	MarkDirty(off, length int64)
}

// ErrProtocolFatal groups bad-magic and malformed-frame conditions that
// close the connection without a reply (spec.md §7).
var ErrProtocolFatal = errors.New("session: protocol fatal")

// pollInterval bounds how long a session can take to notice the stop
// signal once it is signaled while idle at AWAIT_REQ. It stands in for
// multiplexing the self-pipe's read fd alongside the socket in a single
// select/poll call (spec.md §5, "cancellation is cooperative"): a
// deadline-and-retry loop gives the same bounded-latency guarantee using
// net.Conn's portable SetReadDeadline instead of a raw fd select, which
// doesn't generalize across net.Conn implementations (see DESIGN.md).
const pollInterval = 200 * time.Millisecond

// Session is one client connection's state machine. Not safe for
// concurrent use by more than the single goroutine that calls Serve.
type Session struct {
	conn   net.Conn
	host   Host
	r      *bufio.Reader
	stopCh <-chan struct{}

	state state
}

// New constructs a Session bound to conn and host. stopCh is signaled by
// the server (via its self-pipe) to request cooperative shutdown at the
// next AWAIT_REQ boundary.
func New(conn net.Conn, host Host, stopCh <-chan struct{}) *Session {
	return &Session{
		conn:   conn,
		host:   host,
		r:      bufio.NewReaderSize(conn, wire.RequestSize),
		stopCh: stopCh,
		state:  stateHello,
	}
}

// Serve runs the session to completion: sends the hello, then loops
// reading and replying to requests until disconnect, a protocol-fatal
// condition, a range/I/O error that closes the connection, or the stop
// signal is observed at an AWAIT_REQ boundary. It always returns nil for
// a clean peer-initiated close; non-nil errors indicate the connection
// was torn down for a protocol or I/O reason worth logging.
func (s *Session) Serve() error {
	if err := s.sendHello(); err != nil {
		return err
	}
	s.state = stateAwaitReq

	for s.state == stateAwaitReq {
		select {
		case <-s.stopCh:
			s.state = stateTerminating
			return nil
		default:
		}

		err := s.handleOneRequest()
		if err == errAwaitRetry {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Session) sendHello() error {
	h := wire.Hello{Size: uint64(s.host.Size())}
	_, err := s.conn.Write(h.Encode())
	if err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}
	return nil
}

// errAwaitRetry signals that the read deadline elapsed with nothing
// read: Serve should recheck the stop signal and try again, not treat it
// as a connection error.
var errAwaitRetry = errors.New("session: await retry")

// handleOneRequest waits for a new request to begin, honoring the poll
// interval so Serve can recheck the stop signal while idle, then reads
// the complete frame without a deadline: once the first byte of a frame
// has arrived, the spec's AWAIT_REQ boundary has been crossed and the
// session commits to finishing that request (stop is only honored
// between requests, never mid-frame).
func (s *Session) handleOneRequest() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(pollInterval))
	_, err := s.r.Peek(1)
	if err != nil {
		if isTimeout(err) {
			return errAwaitRetry
		}
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return errx.Wrap(ErrProtocolFatal, err)
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, wire.RequestSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return errx.Wrap(ErrProtocolFatal, err)
	}

	req, err := wire.DecodeRequest(buf)
	if err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}
	if req.Magic != wire.RequestMagic {
		return fmt.Errorf("%w: bad request magic %#x", ErrProtocolFatal, req.Magic)
	}

	switch req.Type {
	case wire.Disconnect:
		return io.EOF
	case wire.Read:
		return s.serveRead(req)
	case wire.Write:
		return s.serveWrite(req)
	default:
		return fmt.Errorf("%w: unknown request type %d", ErrProtocolFatal, req.Type)
	}
}

// rangeOK implements spec.md §4.4's AWAIT_REQ range check: offset and
// length (both unsigned on the wire) must address bytes within
// [0, Size()), with no wraparound.
func (s *Session) rangeOK(req wire.Request) bool {
	end := req.Offset + uint64(req.Length)
	if end < req.Offset {
		return false // overflow
	}
	return end <= uint64(s.host.Size())
}

func (s *Session) replyError(handle uint64) error {
	_, err := s.conn.Write(wire.Reply{Error: 1, Handle: handle}.Encode())
	return err
}

func (s *Session) replyOK(handle uint64) error {
	_, err := s.conn.Write(wire.Reply{Error: 0, Handle: handle}.Encode())
	return err
}

func (s *Session) serveRead(req wire.Request) error {
	if !s.rangeOK(req) {
		return s.replyError(req.Handle)
	}
	if err := s.replyOK(req.Handle); err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}

	buf := make([]byte, req.Length)
	if _, err := s.host.ReadAt(buf, int64(req.Offset)); err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}
	return nil
}

func (s *Session) serveWrite(req wire.Request) error {
	if !s.rangeOK(req) {
		// Drain the payload so the connection stays in sync even though
		// the write is rejected.
		if _, err := io.CopyN(io.Discard, s.r, int64(req.Length)); err != nil {
			return errx.Wrap(ErrProtocolFatal, err)
		}
		return s.replyError(req.Handle)
	}

	am := s.host.AllocationMap()
	var err error
	if am != nil {
		err = sparseWrite(s.r, s.host, am, int64(req.Offset), int64(req.Length))
	} else {
		err = literalWrite(s.r, s.host, int64(req.Offset), int64(req.Length))
	}
	if err != nil {
		return errx.Wrap(ErrProtocolFatal, err)
	}

	s.host.MarkDirty(int64(req.Offset), int64(req.Length))
	return s.replyOK(req.Handle)
}

// literalWrite reads len bytes from r directly into the mapped region at
// off, used whenever no allocation map is available (spec.md §4.4
// SERVE_WRITE, "otherwise" branch).
func literalWrite(r io.Reader, host Host, off, length int64) error {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	_, err := host.WriteAt(buf, off)
	return err
}

// sparseWrite implements spec.md §4.5: writes into already-allocated
// runs go straight through; writes into unallocated runs are inspected
// page-by-page so all-zero pages never trigger allocation.
func sparseWrite(r io.Reader, host Host, am *bitset.Bitset, off, length int64) error {
	resolution := am.Resolution()

	for length > 0 {
		run := am.RunCount(off, length)
		if run <= 0 {
			run = length
		}

		if am.IsSetAt(off) {
			buf := make([]byte, run)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			if _, err := host.WriteAt(buf, off); err != nil {
				return err
			}
			off += run
			length -= run
			continue
		}

		if err := sparseWriteClearRun(r, host, am, resolution, off, run); err != nil {
			return err
		}
		off += run
		length -= run
	}
	return nil
}

// sparseWriteClearRun handles one clear (unallocated) run, chunked at
// the allocation resolution so every chunk can be independently tested
// for all-zero and independently allocated.
func sparseWriteClearRun(r io.Reader, host Host, am *bitset.Bitset, resolution, off, run int64) error {
	for run > 0 {
		// Clip the first chunk at the resolution boundary so pages stay
		// aligned to the allocation map's grain even when off isn't.
		chunkEnd := (off/resolution + 1) * resolution
		chunk := chunkEnd - off
		if chunk > run {
			chunk = run
		}

		buf := make([]byte, chunk)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}

		if !isAllZero(buf) {
			if _, err := host.WriteAt(buf, off); err != nil {
				return err
			}
			host.MarkAllocated(off, chunk)
		}

		off += chunk
		run -= chunk
	}
	return nil
}
