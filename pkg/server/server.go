// Package server ties together the listening socket, client table,
// ACL-protected dispatch, allocation map, and optional mirror into the
// flexnbd server (spec.md §4.6).
package server

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flexnbd/flexnbd/internal/errx"
	"github.com/flexnbd/flexnbd/pkg/acl"
	"github.com/flexnbd/flexnbd/pkg/allocmap"
	"github.com/flexnbd/flexnbd/pkg/bitset"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/mirror"
)

// maxClients is the client table's fixed capacity N (spec.md §4.6: "16").
const maxClients = 16

// Config configures a new Server.
type Config struct {
	ListenAddr  string // host:port for the NBD listener
	ControlAddr string // optional UNIX socket path for the control server; empty disables it
	BackingFile string
	ACLEntries  []acl.Entry
	DefaultDeny bool
	ServerID    string // defaults to a generated uuid if empty
	Emitter     *logging.Emitter
	Logger      *slog.Logger // developer-facing startup/error logging; defaults to slog.Default()
}

// Server owns the mapped backing file, the allocation map, the ACL,
// the fixed-capacity client table, and (when active) the mirror
// (spec.md §3's Server data model).
type Server struct {
	id      string
	emitter *logging.Emitter

	mapped   *MappedFile
	allocMap *bitset.Bitset

	aclMu sync.RWMutex
	acl   *acl.ACL

	ioMu sync.Mutex // l_io

	mirrorMu sync.Mutex
	mirror   *mirror.Mirror

	listener net.Listener
	control  net.Listener
	logger   *slog.Logger
	nftSync  *acl.NFTablesSync

	clientsMu      sync.Mutex
	clients        [maxClients]*clientSlot
	controlHandler func(net.Conn)
	sem            *semaphore.Weighted

	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Server per spec.md §4.6's startup sequence: open and map
// the backing file, build the allocation map, construct the ACL, and
// create the listening sockets. It does not start accepting yet; call
// Serve for that.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" || cfg.BackingFile == "" {
		return nil, ErrConfig
	}

	id := cfg.ServerID
	if id == "" {
		id = uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mapped, err := openMappedFile(cfg.BackingFile)
	if err != nil {
		return nil, err
	}

	allocMap := allocmap.Build(mapped.File(), mapped.Size())

	// net.Listen("tcp", ...) sets SO_REUSEADDR; TCP_NODELAY is applied
	// per accepted connection in handleAccepted (spec.md §4.6).
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		mapped.Close()
		return nil, errx.Wrap(ErrListen, err)
	}

	var control net.Listener
	if cfg.ControlAddr != "" {
		control, err = net.Listen("unix", cfg.ControlAddr)
		if err != nil {
			listener.Close()
			mapped.Close()
			return nil, errx.Wrap(ErrListen, err)
		}
	}

	s := &Server{
		id:       id,
		emitter:  cfg.Emitter,
		mapped:   mapped,
		allocMap: allocMap,
		acl:      acl.New(cfg.ACLEntries, cfg.DefaultDeny),
		listener: listener,
		control:  control,
		logger:   logger,
		nftSync:  acl.NewNFTablesSync(listenerPort(listener.Addr())),
		sem:      semaphore.NewWeighted(int64(maxClients)),
	}
	s.syncNFTables(s.acl)
	logger.Info("server ready", "id", id, "listen_addr", listener.Addr().String(), "backing_file", cfg.BackingFile, "size", mapped.Size())
	return s, nil
}

// listenerPort extracts the bound TCP port from addr, or 0 if addr
// isn't a *net.TCPAddr (e.g. in tests that don't hit this path).
func listenerPort(addr net.Addr) uint16 {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

// syncNFTables best-effort mirrors a into the host nftables chain
// (SPEC_FULL.md §3: "defense-in-depth"); failure is logged and does not
// affect admission, which pkg/acl.ACL.Allowed continues to enforce
// in-process regardless of whether the kernel sync succeeded.
func (s *Server) syncNFTables(a *acl.ACL) {
	if s.nftSync == nil {
		return
	}
	if err := s.nftSync.Apply(a); err != nil {
		s.logger.Warn("nftables sync failed", "error", err)
	}
}

// ID returns the server's identifier, stamped on every emitted event.
func (s *Server) ID() string { return s.id }

// Emitter returns the server's configured event emitter, or nil if
// none was set, so collaborators it hands a Host to (pkg/mirror) can
// emit under the same sink.
func (s *Server) Emitter() *logging.Emitter { return s.emitter }

// Size implements session.Host.
func (s *Server) Size() int64 { return s.mapped.Size() }

// ReadAt implements session.Host and mirror.Host.
func (s *Server) ReadAt(buf []byte, off int64) (int, error) { return s.mapped.ReadAt(buf, off) }

// WriteAt implements session.Host.
func (s *Server) WriteAt(buf []byte, off int64) (int, error) { return s.mapped.WriteAt(buf, off) }

// AllocationMap implements session.Host. Returns nil if extent
// enumeration was unavailable at startup.
func (s *Server) AllocationMap() *bitset.Bitset { return s.allocMap }

// MarkAllocated implements session.Host.
func (s *Server) MarkAllocated(off, length int64) {
	if s.allocMap != nil {
		s.allocMap.SetRange(off, length)
	}
}

// MarkDirty implements session.Host: if a mirror is active, mark the
// range dirty under l_io (spec.md §5: "Session writes acquire l_io
// before touching the dirty map").
func (s *Server) MarkDirty(off, length int64) {
	s.mirrorMu.Lock()
	m := s.mirror
	s.mirrorMu.Unlock()
	if m == nil {
		return
	}
	s.ioMu.Lock()
	m.MarkDirty(off, length)
	s.ioMu.Unlock()
}

// LockIO and UnlockIO implement mirror.Host: l_io, held briefly per
// chunk on every pass but for an entire pass on the final one.
func (s *Server) LockIO()   { s.ioMu.Lock() }
func (s *Server) UnlockIO() { s.ioMu.Unlock() }

// ACL returns the currently installed ACL (read under l_acl).
func (s *Server) ACL() *acl.ACL {
	s.aclMu.RLock()
	defer s.aclMu.RUnlock()
	return s.acl
}

// SetACL atomically swaps the ACL under l_acl (spec.md §4.7's "acl"
// command) and logs the update.
func (s *Server) SetACL(a *acl.ACL) {
	s.aclMu.Lock()
	s.acl = a
	s.aclMu.Unlock()

	s.syncNFTables(a)

	s.emit(logging.EventACLUpdated, "acl updated", "", &logging.ACLUpdatedData{
		EntryCount:  len(a.Entries()),
		DefaultDeny: a.DefaultDeny(),
	})
}

// Mirror returns the active mirror, or nil if none is running.
func (s *Server) Mirror() *mirror.Mirror {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	return s.mirror
}

// StartMirror installs and launches m as the active mirror. Returns
// ErrMirrorActive if one is already running (spec.md §4.7: "Only one
// mirror active at a time").
func (s *Server) StartMirror(m *mirror.Mirror) error {
	s.mirrorMu.Lock()
	if s.mirror != nil {
		s.mirrorMu.Unlock()
		return ErrMirrorActive
	}
	s.mirror = m
	s.mirrorMu.Unlock()

	go func() {
		<-m.Done()
		s.mirrorMu.Lock()
		if s.mirror == m {
			s.mirror = nil
		}
		s.mirrorMu.Unlock()
	}()
	m.Start()
	return nil
}

// HasControl reports whether a control socket was configured, for
// status reporting.
func (s *Server) HasControl() bool { return s.control != nil }

// ListenAddr returns the NBD listener's bound address, for status
// reporting.
func (s *Server) ListenAddr() net.Addr { return s.listener.Addr() }

// CloseListener stops accepting new NBD connections without tearing
// down the rest of the server (spec.md §4.8 scenario 6: "on completion
// closes its listen socket if action is exit"). In-flight sessions are
// left running; the control socket, if any, stays open.
func (s *Server) CloseListener() error { return s.listener.Close() }

// ActiveClients returns the peer addresses of every currently occupied
// client table slot, for status reporting.
func (s *Server) ActiveClients() []string {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	var peers []string
	for _, slot := range s.clients {
		if slot == nil || !slot.inUse {
			continue
		}
		select {
		case <-slot.doneCh:
			continue // reaped on the next accept, but already finished
		default:
		}
		peers = append(peers, slot.peer.String())
	}
	return peers
}

func (s *Server) emit(eventType, summary, peer string, data interface{}) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(eventType, summary, peer, nil, data)
}
