// Package layout is the single source of truth for ciel's on-disk paths.
// No other package concatenates workspace-relative path segments; every
// path a component needs is produced by a function here (spec §4.1).
package layout

import (
	"os"
	"path/filepath"
)

// marker is the reserved subdirectory whose presence identifies a workspace
// root (spec §3: "a directory identified by the presence of a reserved
// subdirectory").
const marker = ".ciel"

// Workspace is a canonicalized workspace root plus the derived paths that
// hang off it. Two Workspaces are equal iff their Root fields match, since
// workspace identity is the absolute canonical path (spec §3).
type Workspace struct {
	Root string
}

// New canonicalizes root (resolving symlinks and making it absolute) and
// returns a Workspace. It does not check for the marker directory; use
// Find or Exists for that.
func New(root string) (Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Workspace{}, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A workspace being created for the first time may not exist yet;
		// fall back to the absolute (unresolved) path in that case.
		if os.IsNotExist(err) {
			resolved = abs
		} else {
			return Workspace{}, err
		}
	}
	return Workspace{Root: resolved}, nil
}

// Exists reports whether w.Root contains the workspace marker.
func (w Workspace) Exists() bool {
	info, err := os.Stat(filepath.Join(w.Root, marker))
	return err == nil && info.IsDir()
}

// Find walks upward from start looking for a directory containing the
// workspace marker, mirroring how git resolves a repository root from a
// subdirectory. Returns the first Workspace found, or an error if none
// exists up to the filesystem root.
func Find(start string) (Workspace, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return Workspace{}, err
	}

	dir := abs
	for {
		ws, err := New(dir)
		if err == nil && ws.Exists() {
			return ws, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Workspace{}, os.ErrNotExist
		}
		dir = parent
	}
}

func (w Workspace) cielDir() string      { return filepath.Join(w.Root, marker) }
func (w Workspace) containerDir() string { return filepath.Join(w.cielDir(), "container") }

// Base is the shared read-mostly root filesystem image.
func (w Workspace) Base() string { return filepath.Join(w.containerDir(), "dist") }

// InstancesDir is the parent of every per-instance directory.
func (w Workspace) InstancesDir() string { return filepath.Join(w.containerDir(), "instances") }

// InstanceRoot is the directory owning one instance's layers and config.
func (w Workspace) InstanceRoot(name string) string {
	return filepath.Join(w.InstancesDir(), name)
}

// InstanceUpper is the mutable upper (diff) layer for an instance.
func (w Workspace) InstanceUpper(name string) string {
	return filepath.Join(w.InstanceRoot(name), "layers", "diff")
}

// InstanceWork is the overlay filesystem's required scratch ("work") dir.
func (w Workspace) InstanceWork(name string) string {
	return filepath.Join(w.InstanceRoot(name), "layers", "work")
}

// InstanceMerged is the union mount point presented as the container root.
func (w Workspace) InstanceMerged(name string) string {
	return filepath.Join(w.InstanceRoot(name), "layers", "merged")
}

// InstanceConfig is the per-instance TOML document path.
func (w Workspace) InstanceConfig(name string) string {
	return filepath.Join(w.InstanceRoot(name), "config.toml")
}

// InstanceLockPath is the per-instance advisory lock file (spec §5: "a
// per-instance lock ... serializes operations on one instance so that
// parallel bulk commands never collide on the same target").
func (w Workspace) InstanceLockPath(name string) string {
	return filepath.Join(w.InstanceRoot(name), ".lock")
}

// Output is the directory built package archives land in, and from which
// the local repository is indexed. When branchExclusive is true and branch
// is non-empty, Output is sharded by the current tree branch name.
func (w Workspace) Output(branchExclusive bool, branch string) string {
	if branchExclusive && branch != "" {
		return filepath.Join(w.Root, "OUTPUT-"+branch)
	}
	return filepath.Join(w.Root, "OUTPUT")
}

// OutputDebs is the flat tree of .deb archives C6 scans.
func (w Workspace) OutputDebs(output string) string { return filepath.Join(output, "debs") }

// RepoDists is the root of the generated APT repository tree.
func (w Workspace) RepoDists(output string) string { return filepath.Join(output, "dists") }

// Cache is the persistent source tarball cache.
func (w Workspace) Cache() string { return filepath.Join(w.Root, "SRCS") }

// Tree is the git working copy of package recipes.
func (w Workspace) Tree() string { return filepath.Join(w.Root, "TREE") }

// StateDir holds the workspace lock and the incremental repo-scanner state.
func (w Workspace) StateDir() string { return filepath.Join(w.cielDir(), "state") }

// LockPath is the advisory file lock guarding state-mutating commands.
func (w Workspace) LockPath() string { return filepath.Join(w.StateDir(), "lock") }

// RepoIndexStatePath is the bbolt database backing C6's incremental refresh.
func (w Workspace) RepoIndexStatePath() string {
	return filepath.Join(w.StateDir(), "repo-index.bin")
}

// LogsDir holds per-run log files.
func (w Workspace) LogsDir() string { return filepath.Join(w.StateDir(), "logs") }

// WorkspaceConfig is the workspace-scope TOML document path.
func (w Workspace) WorkspaceConfig() string { return filepath.Join(w.cielDir(), "config.toml") }

// LocalRepoDir is the local APT repository directory bind-mounted into
// instances when local_repo is enabled.
func (w Workspace) LocalRepoDir(output string) string { return w.RepoDists(output) }

// RepoBinaryDir is the per-architecture index directory under the "stable"
// suite's "main" component (spec §6: "dists/stable/main/binary-<arch>/").
func (w Workspace) RepoBinaryDir(output, arch string) string {
	return filepath.Join(w.RepoDists(output), "stable", "main", "binary-"+arch)
}

// RepoReleasePath is the suite-level Release file path.
func (w Workspace) RepoReleasePath(output string) string {
	return filepath.Join(w.RepoDists(output), "stable", "Release")
}
