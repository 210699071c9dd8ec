// Package status implements the server-liveness snapshot and its
// serializer (spec.md §4.9). The snapshot is a best-effort read with no
// lock held across the whole capture, matching the source's status.c:
// fields may be momentarily stale relative to each other, which is
// acceptable for a status line.
package status

import (
	"fmt"
	"os"
	"strings"

	"github.com/flexnbd/flexnbd/pkg/server"
)

// Snapshot is the rendered-to-text status of a running server. Beyond
// spec.md's minimal field set (pid, size, has_control, is_mirroring,
// migration_pass), this repo also reports the listening address and
// the number of occupied client-table slots (SPEC_FULL.md §4:
// supplemented status fields), both read off *server.Server's accessors
// like everything else here.
type Snapshot struct {
	PID           int
	Size          int64
	HasControl    bool
	IsMirroring   bool
	MigrationPass int
	ListenAddr    string
	ActiveClients int
}

// Capture reads the current snapshot off a running server. No lock is
// held across the capture; Mirror and ActiveClients each take their own
// server lock briefly, so fields may be inconsistent with each other by
// the time the caller renders them.
func Capture(s *server.Server) Snapshot {
	m := s.Mirror()
	snap := Snapshot{
		PID:           os.Getpid(),
		Size:          s.Size(),
		HasControl:    s.HasControl(),
		IsMirroring:   m != nil,
		ActiveClients: len(s.ActiveClients()),
	}
	if s.ListenAddr() != nil {
		snap.ListenAddr = s.ListenAddr().String()
	}
	if m != nil {
		snap.MigrationPass = m.Pass()
	}
	return snap
}

// Render serializes the snapshot as space-separated key=value pairs on
// one line, booleans as true/false, terminated by a newline — the
// exact rendering spec.md §4.9 describes, which the source's
// status.c's no-op control handler never actually emitted (spec.md
// §9: "implementers should wire it to emit the status line").
func (s Snapshot) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d size=%d has_control=%t is_mirroring=%t migration_pass=%d listen_addr=%s active_clients=%d\n",
		s.PID, s.Size, s.HasControl, s.IsMirroring, s.MigrationPass, s.ListenAddr, s.ActiveClients)
	return b.String()
}
