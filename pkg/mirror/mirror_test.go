package mirror

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexnbd/flexnbd/pkg/wire"
)

// fakeHost is an in-memory Host with a trivial mutex standing in for
// the server's l_io.
type fakeHost struct {
	mu   sync.Mutex
	data []byte
}

func (h *fakeHost) ReadAt(buf []byte, off int64) (int, error) {
	n := copy(buf, h.data[off:])
	return n, nil
}
func (h *fakeHost) LockIO()   { h.mu.Lock() }
func (h *fakeHost) UnlockIO() { h.mu.Unlock() }

// upstreamStub answers every WRITE request on conn with a success
// reply and records the bytes it received at each offset, standing in
// for a peer flexnbd server during a mirror run.
type upstreamStub struct {
	mu       sync.Mutex
	received map[int64][]byte
}

func newUpstreamStub() *upstreamStub {
	return &upstreamStub{received: make(map[int64][]byte)}
}

func (u *upstreamStub) serve(conn net.Conn) {
	reqBuf := make([]byte, wire.RequestSize)
	for {
		if _, err := io.ReadFull(conn, reqBuf); err != nil {
			return
		}
		req, err := wire.DecodeRequest(reqBuf)
		if err != nil || req.Type != wire.Write {
			return
		}
		payload := make([]byte, req.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		u.mu.Lock()
		u.received[int64(req.Offset)] = payload
		u.mu.Unlock()

		if _, err := conn.Write(wire.Reply{Error: 0, Handle: req.Handle}.Encode()); err != nil {
			return
		}
	}
}

func (u *upstreamStub) totalBytes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, b := range u.received {
		n += len(b)
	}
	return n
}

func TestMirrorConvergesWithNoConcurrentWrites(t *testing.T) {
	size := int64(64 * 1024)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	host := &fakeHost{data: data}

	serverConn, clientConn := net.Pipe()
	stub := newUpstreamStub()
	go stub.serve(clientConn)

	finished := make(chan Action, 1)
	m := New(serverConn, host, size, ActionNothing, func(a Action) { finished <- a }, nil)
	m.Start()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not finish")
	}

	require.Equal(t, int(size), stub.totalBytes())
	require.LessOrEqual(t, m.Pass(), MaxPasses)
}

func TestMirrorAbandonStopsEarly(t *testing.T) {
	size := int64(32 * 1024 * 1024) // large enough to span several LONGEST_WRITE chunks
	host := &fakeHost{data: make([]byte, size)}

	serverConn, clientConn := net.Pipe()
	stub := newUpstreamStub()
	go stub.serve(clientConn)

	m := New(serverConn, host, size, ActionExit, func(Action) {
		t.Fatal("onFinish must not run after abandonment")
	}, nil)
	m.Start()
	m.Abandon()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not finish after abandon")
	}
}

func TestParseAction(t *testing.T) {
	require.Equal(t, ActionExit, ParseAction("exit"))
	require.Equal(t, ActionNothing, ParseAction("nothing"))
	require.Equal(t, ActionNothing, ParseAction(""))
}

func TestActionString(t *testing.T) {
	require.Equal(t, "exit", ActionExit.String())
	require.Equal(t, "nothing", ActionNothing.String())
}

func TestConnectReadsUpstreamHello(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(wire.Hello{Size: 1 << 20}.Encode())
	}()

	conn, size, err := Connect(ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, uint64(1<<20), size)
}
