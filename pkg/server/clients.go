package server

import (
	"errors"
	"net"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/selfpipe"
	"github.com/flexnbd/flexnbd/pkg/session"
)

// clientSlot is one entry of the fixed-capacity client table
// (spec.md §3, §4.6). pipe backs stopCh: the server signals it to
// request cooperative shutdown, and a small forwarding goroutine turns
// that signal into the channel close the Session actually waits on.
type clientSlot struct {
	inUse  bool
	peer   net.Addr
	pipe   *selfpipe.Pipe
	stopCh chan struct{}
	doneCh chan struct{}
}

// Serve runs the NBD accept loop (and the control accept loop, if
// configured) until Close is called. It blocks until both loops have
// returned.
func (s *Server) Serve() {
	s.wg.Add(1)
	go s.acceptNBD()

	if s.control != nil {
		s.wg.Add(1)
		go s.acceptControl()
	}

	s.wg.Wait()
}

// Close implements spec.md §4.6's "on the close signal, broadcast stop
// to every live session and return": it closes both listeners
// (unblocking any in-flight Accept) and signals every occupied slot's
// self-pipe, then waits for Serve to return.
func (s *Server) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	if m := s.Mirror(); m != nil {
		m.Abandon()
	}

	_ = s.listener.Close()
	if s.control != nil {
		_ = s.control.Close()
	}

	s.clientsMu.Lock()
	for _, slot := range s.clients {
		if slot != nil && slot.inUse {
			_ = slot.pipe.Signal()
		}
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
	return s.mapped.Close()
}

func (s *Server) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Server) acceptNBD() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// net.ErrClosed covers both Close (full shutdown) and
			// CloseListener (mirror-exit action, spec.md §4.8 scenario
			// 6), neither of which sets s.closed in the latter case —
			// either way there is no listener left to retry Accept on.
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.handleAccepted(conn)
	}
}

// handleAccepted implements the per-connection half of spec.md §4.6's
// accept loop: ACL check, reap-then-assign a client table slot, launch
// the session.
func (s *Server) handleAccepted(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil || !s.ACL().Allowed(net.ParseIP(host)) {
		s.emit(logging.EventACLDecision, "connection rejected", conn.RemoteAddr().String(), &logging.ACLDecisionData{Allowed: false})
		_, _ = conn.Write([]byte("Access control error\n"))
		conn.Close()
		return
	}
	s.emit(logging.EventACLDecision, "connection accepted", conn.RemoteAddr().String(), &logging.ACLDecisionData{Allowed: true})

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	slotIdx, ok := s.reserveSlot(conn.RemoteAddr())
	if !ok {
		_, _ = conn.Write([]byte("Too many clients\n"))
		conn.Close()
		return
	}

	s.launchSession(slotIdx, conn)
}

// reserveSlot admits against the table's fixed capacity via a
// non-blocking semaphore try-acquire, reaps any finished sessions
// (non-blocking try-join, per spec.md §4.6), and claims the first free
// slot. The try-acquire is the capacity check spec.md §4.6 describes;
// it is released once, in launchSession's session goroutine, when the
// session actually finishes, not merely when it is next reaped.
func (s *Server) reserveSlot(peer net.Addr) (int, bool) {
	if !s.sem.TryAcquire(1) {
		return 0, false
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for _, slot := range s.clients {
		if slot == nil {
			continue
		}
		if !slot.inUse {
			continue
		}
		select {
		case <-slot.doneCh:
			slot.inUse = false
		default:
		}
	}

	for i := range s.clients {
		if s.clients[i] != nil && s.clients[i].inUse {
			continue
		}

		pipe, err := selfpipe.New()
		if err != nil {
			continue
		}
		s.clients[i] = &clientSlot{
			inUse:  true,
			peer:   peer,
			pipe:   pipe,
			stopCh: make(chan struct{}),
			doneCh: make(chan struct{}),
		}
		return i, true
	}

	// The semaphore had capacity but every array slot was occupied or
	// selfpipe.New failed for each candidate; give the permit back so
	// it isn't leaked.
	s.sem.Release(1)
	return 0, false
}

func (s *Server) launchSession(slotIdx int, conn net.Conn) {
	s.clientsMu.Lock()
	slot := s.clients[slotIdx]
	s.clientsMu.Unlock()

	go forwardSignal(slot.pipe, slot.stopCh, slot.doneCh)

	s.emit(logging.EventSessionOpen, "session open", conn.RemoteAddr().String(), nil)

	// Tracked on s.wg so Close (and its subsequent unmap of the backing
	// file) waits for every in-flight session to actually finish, not
	// just for the accept loops to stop accepting.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sess := session.New(conn, s, slot.stopCh)
		err := sess.Serve()
		conn.Close()
		_ = slot.pipe.Close()

		reason := "eof"
		if err != nil {
			reason = "protocol_fatal"
		}
		s.emit(logging.EventSessionClose, "session closed", conn.RemoteAddr().String(), &logging.SessionCloseData{Reason: reason})

		close(slot.doneCh)
		s.sem.Release(1)
	}()
}

// forwardSignal multiplexes pipe's read fd via unix.Poll, the literal
// translation of spec.md §5's "cancellation ... the accept loop selects
// on" applied at session granularity, and closes stopCh the first time
// it observes a signal. It also returns once doneCh closes, which the
// session does unconditionally on exit; without that second exit route
// a session that ends on its own (EOF, protocol error) rather than by
// being signalled leaves this goroutine polling pipe's read fd forever,
// and polling it after launchSession's Close(pipe) turns into a tight
// error-return loop rather than a blocking wait.
func forwardSignal(pipe *selfpipe.Pipe, stopCh, doneCh chan struct{}) {
	fds := []unix.PollFd{{Fd: int32(pipe.ReadFd()), Events: unix.POLLIN}}
	for {
		select {
		case <-stopCh:
			return
		case <-doneCh:
			return
		default:
		}
		n, err := unix.Poll(fds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
		return
	}
}

// SetControlHandler installs the function invoked for every accepted
// control connection. The control server (pkg/control) wraps this
// Server and supplies its own line-protocol handler; the indirection
// avoids pkg/server importing pkg/control.
func (s *Server) SetControlHandler(handler func(net.Conn)) {
	s.clientsMu.Lock()
	s.controlHandler = handler
	s.clientsMu.Unlock()
}

func (s *Server) acceptControl() {
	defer s.wg.Done()
	for {
		conn, err := s.control.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			continue
		}

		s.clientsMu.Lock()
		handler := s.controlHandler
		s.clientsMu.Unlock()

		if handler == nil {
			conn.Close()
			continue
		}

		// Tracked on s.wg like launchSession's session goroutine: Close's
		// subsequent unmap must wait for an in-flight control command
		// (e.g. a mirror dial) to finish touching the server, not just
		// for the accept loop to stop accepting.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler(conn)
		}()
	}
}
