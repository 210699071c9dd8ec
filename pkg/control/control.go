// Package control implements the line-oriented control-socket protocol
// (spec.md §4.7): one command per connection, LF-terminated lines until
// a blank line, a single `code: message\n` reply, then close. It wraps
// *server.Server rather than being imported by it (see
// server.Server.SetControlHandler) to avoid a pkg/server->pkg/control
// import cycle, the same DI shape the teacher uses between
// pkg/rpc.Handler and the sandbox.VM it drives.
package control

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/flexnbd/flexnbd/pkg/acl"
	"github.com/flexnbd/flexnbd/pkg/logging"
	"github.com/flexnbd/flexnbd/pkg/mirror"
	"github.com/flexnbd/flexnbd/pkg/server"
	"github.com/flexnbd/flexnbd/pkg/status"
)

// Server handles accepted control connections against a *server.Server.
// Install it with srv.SetControlHandler(ctl.Handle).
type Server struct {
	srv *server.Server
}

// New builds a control Server bound to srv.
func New(srv *server.Server) *Server {
	return &Server{srv: srv}
}

// Handle services exactly one command on conn, per spec.md §4.7's "no
// command pipelining" (carried forward from original_source/src/control.c
// per SPEC_FULL.md §4), then closes it.
func (c *Server) Handle(conn net.Conn) {
	defer conn.Close()

	lines, err := readLines(conn)
	if err != nil {
		return
	}
	if len(lines) == 0 {
		return
	}

	code, msg := c.dispatch(lines[0], lines[1:])
	fmt.Fprintf(conn, "%d: %s\n", code, msg)
}

// readLines reads LF-terminated lines until a blank line or EOF,
// matching control.c's framing (spec.md §4.7, SPEC_FULL.md §4).
func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (c *Server) dispatch(cmd string, args []string) (int, string) {
	switch cmd {
	case "acl":
		return c.handleACL(args)
	case "mirror":
		return c.handleMirror(args)
	case "status":
		return c.handleStatus()
	default:
		return 1, fmt.Sprintf("unknown command: %s", cmd)
	}
}

// handleACL implements spec.md §4.7's "acl <entry>*": parse every
// entry; on any failure leave the ACL unchanged and report the
// offending line; on success atomically swap.
func (c *Server) handleACL(entries []string) (int, string) {
	parsed := make([]acl.Entry, 0, len(entries))
	for _, line := range entries {
		e, err := acl.ParseEntry(line)
		if err != nil {
			return 1, fmt.Sprintf("bad spec: %s", line)
		}
		parsed = append(parsed, e)
	}

	c.srv.SetACL(acl.New(parsed, c.srv.ACL().DefaultDeny()))
	return 0, "updated"
}

// handleMirror implements spec.md §4.7's
// "mirror <ip> <port> [<bind_ip> [<bps_limit> [exit|nothing]]]". The
// bind_ip and bps_limit arguments are accepted for wire compatibility
// but not yet acted on (no bandwidth enforcement or source-address
// binding is in scope per spec.md's Non-goals); only the action token
// is consumed, at args[4] when present. Positional semantics follow
// spec.md §9's "apparent intent" (bind at index 2, limit at 3, action
// at 4), not the source's buggy lines[2]-read-twice indexing. The
// default action, absent an explicit token, is exit, matching
// original_source/src/control.c:201's unconditional
// `action_at_finish = ACTION_EXIT` before its conditional override.
func (c *Server) handleMirror(args []string) (int, string) {
	if len(args) < 2 {
		return 1, "mirror requires <ip> <port>"
	}
	ip, portStr := args[0], args[1]
	if _, err := strconv.Atoi(portStr); err != nil {
		return 1, fmt.Sprintf("bad port: %s", portStr)
	}

	action := mirror.ActionExit
	if len(args) >= 5 {
		action = mirror.ParseAction(args[4])
	}

	upstream, size, err := mirror.Connect(net.JoinHostPort(ip, portStr))
	if err != nil {
		return 1, fmt.Sprintf("dial failed: %v", err)
	}
	if int64(size) != c.srv.Size() {
		upstream.Close()
		return 1, fmt.Sprintf("size mismatch: local=%d upstream=%d", c.srv.Size(), size)
	}

	onFinish := func(mirror.Action) { _ = c.srv.CloseListener() }
	m := mirror.New(upstream, c.srv, c.srv.Size(), action, onFinish, c.srv.Emitter())

	if err := c.srv.StartMirror(m); err != nil {
		upstream.Close()
		return 1, err.Error()
	}

	if e := c.srv.Emitter(); e != nil {
		_ = e.Emit(logging.EventMirrorStarted, "mirror started", ip, nil, &logging.MirrorStartedData{
			Upstream: net.JoinHostPort(ip, portStr), Action: action.String(),
		})
	}
	return 0, "mirror started"
}

// handleStatus implements spec.md §4.7's "status": emit the current
// status fields. The source's handler for this command was a no-op
// despite having a serializer (spec.md §9); this wires it through.
func (c *Server) handleStatus() (int, string) {
	snap := status.Capture(c.srv)
	return 0, strings.TrimSuffix(snap.Render(), "\n")
}
