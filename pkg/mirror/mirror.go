// Package mirror implements the live-migration replicator: a
// multi-pass dirty-map walk that ships changed ranges to an upstream
// peer, converging toward quiescence before freezing local I/O for one
// final consistent pass (spec.md §4.8).
package mirror

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/bitset"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/wire"
)

const (
	// LongestWrite bounds the size of any single upstream write,
	// matching the grain at which the dirty map is walked per pass.
	LongestWrite = 8 << 20

	// LastPassThreshold is the written-bytes-in-a-pass figure below
	// which the next pass is promoted to the final, I/O-freezing pass.
	LastPassThreshold = 100 << 20

	// MaxPasses bounds the number of passes attempted before the final
	// pass runs regardless of convergence.
	MaxPasses = 7
)

// Action names what the server does once a mirror finishes
// successfully.
type Action int

const (
	// ActionNothing leaves the server running after the mirror completes.
	ActionNothing Action = iota
	// ActionExit closes the server's listening socket after completion.
	ActionExit
)

func (a Action) String() string {
	if a == ActionExit {
		return "exit"
	}
	return "nothing"
}

// ParseAction maps the control-protocol action token to an Action,
// defaulting to ActionNothing for an empty or unrecognized token.
func ParseAction(token string) Action {
	if token == "exit" {
		return ActionExit
	}
	return ActionNothing
}

// Host is what the mirror engine borrows from the server: read access
// to the mapped region and the I/O lock it must hold during brief
// per-chunk critical sections and for the whole final pass.
type Host interface {
	ReadAt(buf []byte, off int64) (int, error)
	LockIO()
	UnlockIO()
}

// Connect dials an upstream flexnbd server and reads its hello frame,
// returning the connection and the upstream's reported size. Grounded
// on the teacher's net.Dialer usage in pkg/net/dialer.go, adapted from
// an HTTP/TCP proxy dial to the NBD client handshake.
func Connect(addr string) (net.Conn, uint64, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, 0, errx.Wrap(ErrDial, err)
	}

	buf := make([]byte, wire.HelloSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return nil, 0, errx.Wrap(ErrHello, err)
	}
	hello, err := wire.DecodeHello(buf)
	if err != nil {
		conn.Close()
		return nil, 0, errx.Wrap(ErrHello, err)
	}
	return conn, hello.Size, nil
}

// Mirror is the live-migration state for one in-progress run. It
// exists only while a mirror is active; the server holds a nullable
// pointer to it.
type Mirror struct {
	upstream net.Conn
	host     Host
	dirty    *bitset.Bitset
	size     int64
	action   Action
	onFinish func(Action)
	emitter  *logging.Emitter

	pass    atomic.Int32
	abandon atomic.Bool
	done    chan struct{}
}

// New builds a mirror with a fully-set dirty map (spec.md §3: "created
// at mirror start, initially fully set"). The caller (the control
// server) is responsible for having already dialed upstream via
// Connect and having confirmed the size matches.
func New(upstream net.Conn, host Host, size int64, action Action, onFinish func(Action), emitter *logging.Emitter) *Mirror {
	dirty := bitset.New(size, 4096)
	dirty.SetAll()
	return &Mirror{
		upstream: upstream,
		host:     host,
		dirty:    dirty,
		size:     size,
		action:   action,
		onFinish: onFinish,
		emitter:  emitter,
		done:     make(chan struct{}),
	}
}

// MarkDirty sets the dirty map over [off, off+length), called by a
// session's write path while this mirror is active.
func (m *Mirror) MarkDirty(off, length int64) {
	if m == nil {
		return
	}
	m.dirty.SetRange(off, length)
}

// Pass returns the current (1-based) pass number, for status reporting.
func (m *Mirror) Pass() int { return int(m.pass.Load()) }

// Abandon requests early termination; the in-progress pass finishes
// its current chunk, then the mirror closes upstream and exits without
// running onFinish's EXIT action.
func (m *Mirror) Abandon() { m.abandon.Store(true) }

// Done returns a channel closed once the mirror has fully finished
// (success or abandonment), for callers that want to wait on it.
func (m *Mirror) Done() <-chan struct{} { return m.done }

// Start launches the pass loop on its own goroutine and returns
// immediately, matching spec.md §4.7's "launch mirror thread; emit
// `0: mirror started`" sequencing.
func (m *Mirror) Start() {
	go m.run()
}

func (m *Mirror) run() {
	defer close(m.done)

	abandoned := false
	for pass := 0; pass < MaxPasses; pass++ {
		final := pass == MaxPasses-1
		m.pass.Store(int32(pass + 1))

		if final {
			m.host.LockIO()
		}

		written, ok := m.runPass(final)

		if final {
			m.host.UnlockIO()
		}

		m.emit(logging.EventMirrorPassDone, &logging.MirrorPassDoneData{
			Pass: pass + 1, WrittenBytes: written, Final: final, Promoted: !final && written < LastPassThreshold,
		})

		if !ok {
			abandoned = true
			break
		}
		if final {
			break
		}
		if written < LastPassThreshold {
			// Promote: redo the loop body one more time as the final
			// pass instead of continuing the count upward.
			pass = MaxPasses - 2
		}
	}

	m.upstream.Close()
	if !abandoned && m.action == ActionExit && m.onFinish != nil {
		m.onFinish(m.action)
	}
	m.emit(logging.EventMirrorFinished, &logging.MirrorFinishedData{
		Passes: m.Pass(), Abandoned: abandoned, Action: m.action.String(),
	})
}

// runPass walks the dirty map once, shipping every dirty run to
// upstream. On a non-final pass it takes the I/O lock only for the
// duration of each chunk's send+clear, keeping clients live between
// chunks (spec.md §4.8 invariant (b)); the final pass holds the lock
// for its entire duration, taken by the caller. Returns bytes written
// and false if abandoned mid-pass.
func (m *Mirror) runPass(final bool) (int64, bool) {
	var current, written int64
	for current < m.size {
		run := m.dirty.RunCount(current, LongestWrite)
		if run <= 0 {
			run = m.size - current
		}

		if m.dirty.IsSetAt(current) {
			if !final {
				m.host.LockIO()
			}
			err := m.sendRange(current, run)
			if err == nil {
				m.dirty.ClearRange(current, run)
			}
			if !final {
				m.host.UnlockIO()
			}
			if err != nil {
				return written, false
			}
			written += run
		}

		current += run
		if m.abandon.Load() {
			return written, false
		}
	}
	return written, true
}

// sendRange ships one contiguous dirty run to upstream as a single NBD
// WRITE request and waits for its reply.
func (m *Mirror) sendRange(off, length int64) error {
	buf := make([]byte, length)
	if _, err := m.host.ReadAt(buf, off); err != nil {
		return errx.Wrap(ErrReplicate, err)
	}

	req := wire.Request{Type: wire.Write, Handle: uint64(off), Offset: uint64(off), Length: uint32(length)}
	if _, err := m.upstream.Write(req.Encode()); err != nil {
		return errx.Wrap(ErrReplicate, err)
	}
	if _, err := m.upstream.Write(buf); err != nil {
		return errx.Wrap(ErrReplicate, err)
	}

	replyBuf := make([]byte, wire.ReplySize)
	if _, err := io.ReadFull(m.upstream, replyBuf); err != nil {
		return errx.Wrap(ErrReplicate, err)
	}
	reply, err := wire.DecodeReply(replyBuf)
	if err != nil {
		return errx.Wrap(ErrReplicate, err)
	}
	if reply.Error != 0 {
		return errx.With(ErrReplicate, "upstream replied error=%d for offset %d", reply.Error, off)
	}
	return nil
}

func (m *Mirror) emit(eventType string, data interface{}) {
	if m.emitter == nil {
		return
	}
	_ = m.emitter.Emit(eventType, eventType, "", nil, data)
}
