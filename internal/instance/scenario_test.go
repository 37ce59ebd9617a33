package instance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ciel/internal/config"
	"ciel/internal/layout"
	"ciel/internal/logx"
	"ciel/internal/machine"
)

// fakeMachine is a MachineController double that tracks registered
// instances in memory instead of talking to D-Bus/systemd, so the instance
// state machine can be exercised without root or a running systemd
// (SPEC_FULL.md's ambient-stack note on fake MachineController backends).
type fakeMachine struct {
	mu        sync.Mutex
	running   map[string]bool
	failStart map[string]bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{running: map[string]bool{}, failStart: map[string]bool{}}
}

func (f *fakeMachine) Register(ctx context.Context, workspaceRoot string, spec machine.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[spec.Instance] {
		return &machineRegisterErr{instance: spec.Instance}
	}
	f.running[spec.Instance] = true
	return nil
}

func (f *fakeMachine) Status(ctx context.Context, workspaceRoot string, spec machine.Spec) (machine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[spec.Instance] {
		return machine.Running, nil
	}
	return machine.Absent, nil
}

func (f *fakeMachine) WaitReady(ctx context.Context, workspaceRoot string, spec machine.Spec, timeout time.Duration) error {
	return nil
}

func (f *fakeMachine) Stop(ctx context.Context, workspaceRoot string, spec machine.Spec, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Instance] = false
	return nil
}

type machineRegisterErr struct{ instance string }

func (e *machineRegisterErr) Error() string { return "register failed for " + e.instance }

// requireRoot skips a test that needs real overlayfs mounts when the
// process can't actually perform them — mirrors commit_test.go's
// CAP_MKNOD skip for the same reason (no privileged syscalls in ordinary
// CI sandboxes).
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("overlayfs mount/unmount requires root; skipping in an unprivileged environment")
	}
}

func newTestWorkspace(t *testing.T) layout.Workspace {
	t.Helper()
	root := t.TempDir()
	ws, err := layout.New(root)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(ws.Base(), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(ws.WorkspaceConfig()), 0o755))
	require.NoError(t, config.SaveWorkspace(ws.WorkspaceConfig(), config.DefaultWorkspace()))
	return ws
}

// TestScenarioAddRequiresValidName exercises the boundary from spec §8
// property 9 through the Manager's own Add path, not just ValidateName in
// isolation.
func TestScenarioAddRequiresValidName(t *testing.T) {
	ws := newTestWorkspace(t)
	mgr := NewManager(ws, newFakeMachine(), logx.NoOp{})

	require.Error(t, mgr.Add("has space"))
	require.Error(t, mgr.Add(""))
	require.NoError(t, mgr.Add("foo"))
}

// TestScenarioAddTwiceFails confirms instance-name uniqueness within a
// workspace (spec §3 invariant).
func TestScenarioAddTwiceFails(t *testing.T) {
	ws := newTestWorkspace(t)
	mgr := NewManager(ws, newFakeMachine(), logx.NoOp{})

	require.NoError(t, mgr.Add("dup"))
	require.Error(t, mgr.Add("dup"))
}

// TestScenarioDelRequiresUnmounted exercises the del precondition without
// needing a real mount: status is derived from the mount table (empty here,
// so Unmounted) and the fake machine controller (absent).
func TestScenarioDelRequiresUnmounted(t *testing.T) {
	ws := newTestWorkspace(t)
	mgr := NewManager(ws, newFakeMachine(), logx.NoOp{})

	require.NoError(t, mgr.Add("gone"))
	require.NoError(t, mgr.Del(context.Background(), "gone"))
	require.NoDirExists(t, ws.InstanceRoot("gone"))
}

// TestScenarioRollbackOnFreshInstanceIsNoop checks rollback on a freshly
// added (never-mounted) instance: its upper layer is already empty, and
// rollback must leave it that way without error.
func TestScenarioRollbackOnFreshInstanceIsNoop(t *testing.T) {
	ws := newTestWorkspace(t)
	mgr := NewManager(ws, newFakeMachine(), logx.NoOp{})

	require.NoError(t, mgr.Add("clean"))
	require.NoError(t, mgr.Rollback(context.Background(), "clean"))

	entries, err := os.ReadDir(ws.InstanceUpper("clean"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestScenarioMountBootDown — S1 from spec §8's end-to-end scenario
// seed, adapted to a fresh temp workspace with no tree/cache/output present
// (so the mount stack has only the union root to apply), using the fake
// machine controller so no real systemd is required. Requires root for the
// overlayfs mount/unmount itself.
func TestScenarioMountBootDown(t *testing.T) {
	requireRoot(t)

	ws := newTestWorkspace(t)
	fm := newFakeMachine()
	mgr := NewManager(ws, fm, logx.NoOp{})

	require.NoError(t, mgr.Add("foo"))

	state, err := mgr.Status(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, Unmounted, state)

	require.NoError(t, mgr.Mount(context.Background(), "foo"))
	state, err = mgr.Status(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, Mounted, state)

	require.NoError(t, mgr.Boot(context.Background(), "foo", 5*time.Second))
	state, err = mgr.Status(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, Booted, state)

	require.NoError(t, mgr.Down(context.Background(), "foo", 5*time.Second))
	state, err = mgr.Status(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, Unmounted, state)
}

// TestScenarioBulkMountIndependentFailure — S6 from spec §8: three
// instances, one with a failing Register; the other two still end up
// Mounted/Booted independently (spec §4.5: bulk never short-circuits).
func TestScenarioBulkMountIndependentFailure(t *testing.T) {
	requireRoot(t)

	ws := newTestWorkspace(t)
	fm := newFakeMachine()
	fm.failStart["b"] = true
	mgr := NewManager(ws, fm, logx.NoOp{})

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, mgr.Add(name))
	}

	outcomes := Bulk(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context, name string) error {
		return mgr.Boot(ctx, name, 5*time.Second)
	})
	require.True(t, AnyFailed(outcomes))

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			require.Equal(t, "b", o.Instance)
		}
	}
	require.Equal(t, 1, failed)

	for _, name := range []string{"a", "c"} {
		state, err := mgr.Status(context.Background(), name)
		require.NoError(t, err)
		require.Equal(t, Booted, state)
	}
}
