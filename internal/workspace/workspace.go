// Package workspace implements the two workspace-scope lifecycle operations
// the instance state machine (C5) sits on top of but that spec §3 attributes
// to the workspace itself rather than to any one instance: `new`, which
// creates a workspace's directory structure and default configuration, and
// `farewell`, which destroys one.
//
// Grounded on the teacher's service/init.go Initialize (directory-creation
// checklist, logged per directory, tolerant of a pre-existing target) and
// service/cleanup.go's "it's fine if it's already gone" removal philosophy.
package workspace

import (
	"os"
	"path/filepath"

	"ciel/internal/config"
	"ciel/internal/errs"
	"ciel/internal/fsutil"
	"ciel/internal/layout"
	"ciel/internal/logx"
)

// Create lays down a new workspace at root: the `.ciel` marker tree, the
// instances directory, an empty Tree/SRCS/OUTPUT set of directories, and a
// default workspace config document (spec §3: "Workspace is created by
// `new`"). Create is idempotent against a directory that already has the
// marker — re-running `new` on an existing workspace only fills in missing
// subdirectories, it never overwrites an existing config.
func Create(root string, log logx.Logger) (layout.Workspace, error) {
	ws, err := layout.New(root)
	if err != nil {
		return layout.Workspace{}, err
	}

	dirs := []string{
		ws.Base(),
		ws.InstancesDir(),
		ws.StateDir(),
		ws.LogsDir(),
		ws.Cache(),
		ws.Tree(),
		ws.Output(false, ""),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return layout.Workspace{}, &errs.IOError{Path: dir, Op: "mkdir", Err: err}
		}
		log.Info("created %s", dir)
	}

	if !fsutil.FileExists(ws.WorkspaceConfig()) {
		if err := config.SaveWorkspace(ws.WorkspaceConfig(), config.DefaultWorkspace()); err != nil {
			return layout.Workspace{}, err
		}
		log.Info("wrote default workspace config at %s", ws.WorkspaceConfig())
	}

	return ws, nil
}

// Farewell destroys a workspace entirely: every instance, the Base, Tree,
// Cache, Output, and the `.ciel` state tree (spec §3: "Workspace is ...
// destroyed by `farewell`"). The caller must have already verified no
// instance is Booted or Mounted; Farewell itself does not re-derive state,
// since by the time a caller reaches here every instance directory is about
// to be unlinked regardless.
func Farewell(ws layout.Workspace) error {
	for _, dir := range []string{
		ws.InstancesDir(),
		ws.Base(),
		ws.Cache(),
		ws.Tree(),
		ws.Output(false, ""),
		ws.StateDir(),
		ws.WorkspaceConfig(),
		filepath.Dir(ws.WorkspaceConfig()), // the `.ciel` marker itself
	} {
		if err := fsutil.RemoveTree(dir); err != nil {
			return &errs.IOError{Path: dir, Op: "remove", Err: err}
		}
	}
	return nil
}
