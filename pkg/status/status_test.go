package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexnbd/flexnbd/pkg/server"
)

func newBackingFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestCaptureReflectsServer(t *testing.T) {
	path := newBackingFile(t, 1<<20)
	s, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", BackingFile: path})
	require.NoError(t, err)
	defer s.Close()
	go s.Serve()

	snap := Capture(s)
	require.Equal(t, os.Getpid(), snap.PID)
	require.Equal(t, int64(1<<20), snap.Size)
	require.False(t, snap.HasControl)
	require.False(t, snap.IsMirroring)
	require.Equal(t, 0, snap.MigrationPass)
	require.NotEmpty(t, snap.ListenAddr)
	require.Equal(t, 0, snap.ActiveClients)
}

func TestSnapshotRenderFormat(t *testing.T) {
	snap := Snapshot{
		PID: 1234, Size: 4096, HasControl: true, IsMirroring: false,
		MigrationPass: 0, ListenAddr: "127.0.0.1:10809", ActiveClients: 2,
	}
	line := snap.Render()

	require.True(t, strings.HasSuffix(line, "\n"))
	require.Equal(t, 1, strings.Count(line, "\n"))
	require.Contains(t, line, "pid=1234")
	require.Contains(t, line, "size=4096")
	require.Contains(t, line, "has_control=true")
	require.Contains(t, line, "is_mirroring=false")
	require.Contains(t, line, "migration_pass=0")
	require.Contains(t, line, "listen_addr=127.0.0.1:10809")
	require.Contains(t, line, "active_clients=2")
}

func TestSnapshotRenderIsSpaceSeparatedKeyValue(t *testing.T) {
	snap := Snapshot{PID: 1, Size: 0, ListenAddr: "x"}
	fields := strings.Fields(strings.TrimSuffix(snap.Render(), "\n"))
	for _, f := range fields {
		require.Contains(t, f, "=")
	}
}
