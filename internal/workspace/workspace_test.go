package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ciel/internal/config"
	"ciel/internal/fsutil"
	"ciel/internal/logx"
)

func TestCreateLaysDownMarkerAndDefaults(t *testing.T) {
	root := t.TempDir()

	ws, err := Create(root, logx.NoOp{})
	require.NoError(t, err)
	require.True(t, ws.Exists())
	require.True(t, fsutil.DirExists(ws.Base()))
	require.True(t, fsutil.DirExists(ws.InstancesDir()))
	require.True(t, fsutil.FileExists(ws.WorkspaceConfig()))

	cfg, err := config.LoadWorkspace(ws.WorkspaceConfig())
	require.NoError(t, err)
	require.True(t, cfg.LocalRepo)
	require.True(t, cfg.SourceCache)
}

func TestCreateIsIdempotent(t *testing.T) {
	root := t.TempDir()

	ws, err := Create(root, logx.NoOp{})
	require.NoError(t, err)

	cfg, err := config.LoadWorkspace(ws.WorkspaceConfig())
	require.NoError(t, err)
	cfg.Maintainer = "someone@example.org"
	require.NoError(t, config.SaveWorkspace(ws.WorkspaceConfig(), cfg))

	_, err = Create(root, logx.NoOp{})
	require.NoError(t, err)

	reloaded, err := config.LoadWorkspace(ws.WorkspaceConfig())
	require.NoError(t, err)
	require.Equal(t, "someone@example.org", reloaded.Maintainer)
}

func TestFarewellRemovesEverything(t *testing.T) {
	root := t.TempDir()
	ws, err := Create(root, logx.NoOp{})
	require.NoError(t, err)

	require.NoError(t, Farewell(ws))
	require.False(t, fsutil.DirExists(ws.Base()))
	require.False(t, fsutil.FileExists(ws.WorkspaceConfig()))
}
