// Package instance implements the C5 state machine from spec §4.5,
// coordinating the config store (C2), mount stack (C3), and machine
// controller (C4) into the instance lifecycle: mount, boot, stop, down,
// rollback, commit, add, del, plus a bounded-concurrency bulk fan-out.
//
// Grounded on the teacher's build/build.go (BuildContext/Worker worker-pool
// orchestration, channel-fed queue, per-item result bookkeeping) and
// pkg/buildstate.go's registry pattern, rebucketed from "build a package"
// to "carry an instance through one lifecycle transition."
package instance

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciel/internal/config"
	"ciel/internal/errs"
	"ciel/internal/fsutil"
	"ciel/internal/guard"
	"ciel/internal/layout"
	"ciel/internal/logx"
	"ciel/internal/machine"
	"ciel/internal/mountstack"
)

// State is one of the three mount states an instance can be in (spec §3).
type State int

const (
	Unmounted State = iota
	Mounted
	Booted
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounted:
		return "mounted"
	case Booted:
		return "booted"
	default:
		return "unknown"
	}
}

// namePattern enforces spec §3's instance naming invariant.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName reports an error if name does not meet spec §3's instance
// naming invariant.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return &errs.SchemaError{Field: "instance name", Reason: "must match [A-Za-z0-9_-]+"}
	}
	return nil
}

// MachineController is the subset of *machine.Controller the state machine
// needs. Manager depends on this interface, not the concrete type, so
// state-machine tests can supply a fake that never touches D-Bus/systemd
// (SPEC_FULL.md's ambient-stack note: "fake/mock Environment and
// MachineController backends for state-machine tests that don't require
// root"). *machine.Controller satisfies it structurally.
type MachineController interface {
	Register(ctx context.Context, workspaceRoot string, spec machine.Spec) error
	Status(ctx context.Context, workspaceRoot string, spec machine.Spec) (machine.Status, error)
	WaitReady(ctx context.Context, workspaceRoot string, spec machine.Spec, timeout time.Duration) error
	Stop(ctx context.Context, workspaceRoot string, spec machine.Spec, timeout time.Duration) error
}

// Manager coordinates C2-C4 for every instance in one workspace.
type Manager struct {
	ws      layout.Workspace
	machine MachineController
	log     logx.Logger
}

// NewManager builds a Manager bound to one workspace.
func NewManager(ws layout.Workspace, mc MachineController, log logx.Logger) *Manager {
	return &Manager{ws: ws, machine: mc, log: log}
}

func (m *Manager) readyMarker() string { return filepath.Join("run", "ciel", "ready") }

// buildSpecs assembles the mount and machine specs for one instance from its
// merged workspace/instance configuration.
func (m *Manager) buildSpecs(name string, ws *config.Workspace, inst *config.Instance, availableRAMMiB uint32) (mountstack.Request, machine.Spec) {
	root := m.ws.InstanceRoot(name)

	req := mountstack.Request{
		Instance: name,
		Base:     m.ws.Base(),
		Upper:    m.ws.InstanceUpper(name),
		Work:     m.ws.InstanceWork(name),
		Merged:   m.ws.InstanceMerged(name),
		Volatile: inst.Tmpfs,
	}
	if inst.Tmpfs {
		req.VolatileDir = filepath.Join(root, "layers", "volatile")
		req.TmpfsSizeMiB = inst.TmpfsSizeOrDefault(availableRAMMiB, 65536)
	}

	req.Tree = mountstack.Aux{
		Source:   m.ws.Tree(),
		Target:   "tree",
		ReadOnly: inst.ROTree,
		Present:  fsutil.DirExists(m.ws.Tree()),
	}
	req.Cache = mountstack.Aux{
		Source:  m.ws.Cache(),
		Target:  "srcs",
		Present: ws.SourceCache && fsutil.DirExists(m.ws.Cache()),
	}

	output := m.output(ws, inst)
	req.Output = mountstack.Aux{
		Source:  output,
		Target:  "output",
		Present: fsutil.DirExists(output),
	}
	req.LocalRepo = mountstack.Aux{
		Source:   m.ws.LocalRepoDir(output),
		Target:   "repo",
		ReadOnly: true,
		Present:  ws.LocalRepo && hasValidIndex(m.ws.RepoReleasePath(output)),
	}

	spec := machine.Spec{
		Instance:    name,
		Merged:      req.Merged,
		ExtraOpts:   config.MergedNspawnOpts(ws, inst),
		ReadyMarker: m.readyMarker(),
	}

	return req, spec
}

func (m *Manager) output(ws *config.Workspace, inst *config.Instance) string {
	if inst.OutputOverride != "" {
		return inst.OutputOverride
	}
	return m.ws.Output(ws.BranchExclusiveOutput, "")
}

func hasValidIndex(releasePath string) bool {
	return fsutil.FileExists(releasePath)
}

// withInstanceLock serializes fn against every other operation on the same
// instance (spec §5: "a per-instance lock ... serializes operations on one
// instance so that parallel bulk commands never collide on the same
// target"). Bulk fans out across distinct instances freely; two calls
// targeting the same name never run their critical sections concurrently.
func (m *Manager) withInstanceLock(name string, fn func() error) error {
	lock, err := guard.AcquireInstance(m.ws.InstanceLockPath(name), m.log)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && m.log != nil {
			m.log.Warn("release instance lock for %s: %v", name, rerr)
		}
	}()
	return fn()
}

// Status derives the current state of an instance from the kernel mount
// table and the machine controller, per spec §3's invariant that a Booted
// instance is always Mounted.
func (m *Manager) Status(ctx context.Context, name string) (State, error) {
	ws, inst, err := m.loadConfigs(name)
	if err != nil {
		return Unmounted, err
	}
	_, spec := m.buildSpecs(name, ws, inst, defaultRAMMiB())

	mounted, err := mountstack.Verify(spec.Merged, m.log)
	if err != nil {
		return Unmounted, err
	}
	if !mounted {
		return Unmounted, nil
	}

	status, err := m.machine.Status(ctx, m.ws.Root, spec)
	if err != nil {
		return Unmounted, err
	}
	if status == machine.Absent {
		return Mounted, nil
	}
	return Booted, nil
}

func (m *Manager) loadConfigs(name string) (*config.Workspace, *config.Instance, error) {
	ws, err := config.LoadWorkspace(m.ws.WorkspaceConfig())
	if err != nil {
		return nil, nil, err
	}
	inst, err := config.LoadInstance(m.ws.InstanceConfig(name))
	if err != nil {
		return nil, nil, err
	}
	return ws, inst, nil
}

func defaultRAMMiB() uint32 {
	return mountstack.DefaultTmpfsSizeMiB() * 2
}

// Add creates an instance's directories and writes its default per-instance
// config (spec §4.5 add).
func (m *Manager) Add(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	root := m.ws.InstanceRoot(name)
	if fsutil.DirExists(root) {
		return &errs.ContainerError{Instance: name, Reason: "already exists", Err: errs.ErrInstanceExists}
	}

	for _, dir := range []string{
		m.ws.InstanceUpper(name),
		m.ws.InstanceWork(name),
		m.ws.InstanceMerged(name),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &errs.IOError{Path: dir, Op: "mkdir", Err: err}
		}
	}

	return config.SaveInstance(m.ws.InstanceConfig(name), config.DefaultInstance())
}

// Del removes an instance's directory. Requires Unmounted.
func (m *Manager) Del(ctx context.Context, name string) error {
	return m.withInstanceLock(name, func() error {
		state, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if state != Unmounted {
			return &errs.ContainerError{Instance: name, Reason: "must be unmounted before del", Err: errs.ErrInstanceBusy}
		}
		// RemoveTree deletes the lock file this critical section holds along
		// with the rest of the instance directory; withInstanceLock's
		// deferred Release logs (but doesn't fail on) the resulting ENOENT.
		return fsutil.RemoveTree(m.ws.InstanceRoot(name))
	})
}

// Mount realizes the Unmounted -> Mounted transition (spec §4.5 mount).
func (m *Manager) Mount(ctx context.Context, name string) error {
	return m.withInstanceLock(name, func() error {
		state, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if state != Unmounted {
			return nil // already Mounted or Booted: idempotent
		}

		ws, inst, err := m.loadConfigs(name)
		if err != nil {
			return err
		}
		req, _ := m.buildSpecs(name, ws, inst, defaultRAMMiB())

		_, err = mountstack.Apply(req, m.log)
		return err
	})
}

// Boot realizes mount|boot -> Booted (spec §4.5 boot).
func (m *Manager) Boot(ctx context.Context, name string, readyTimeout time.Duration) error {
	if err := m.Mount(ctx, name); err != nil {
		return err
	}

	return m.withInstanceLock(name, func() error {
		ws, inst, err := m.loadConfigs(name)
		if err != nil {
			return err
		}
		_, spec := m.buildSpecs(name, ws, inst, defaultRAMMiB())

		if err := m.machine.Register(ctx, m.ws.Root, spec); err != nil {
			return err
		}
		return m.machine.WaitReady(ctx, m.ws.Root, spec, readyTimeout)
	})
}

// Stop realizes Booted -> Mounted (spec §4.5 stop).
func (m *Manager) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return m.withInstanceLock(name, func() error {
		state, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if state != Booted {
			return &errs.ContainerError{Instance: name, Reason: "not booted", Err: errs.ErrInstanceBusy}
		}

		ws, inst, err := m.loadConfigs(name)
		if err != nil {
			return err
		}
		_, spec := m.buildSpecs(name, ws, inst, defaultRAMMiB())
		return m.machine.Stop(ctx, m.ws.Root, spec, timeout)
	})
}

// Down realizes any-state -> Unmounted (spec §4.5 down).
func (m *Manager) Down(ctx context.Context, name string, timeout time.Duration) error {
	return m.withInstanceLock(name, func() error {
		state, err := m.Status(ctx, name)
		if err != nil {
			return err
		}

		ws, inst, err := m.loadConfigs(name)
		if err != nil {
			return err
		}
		req, spec := m.buildSpecs(name, ws, inst, defaultRAMMiB())

		if state == Booted {
			if err := m.machine.Stop(ctx, m.ws.Root, spec, timeout); err != nil {
				return err
			}
		}
		if state == Unmounted {
			return nil
		}

		targets, err := currentMountTargets(req)
		if err != nil {
			return err
		}
		return mountstack.Release(req.Merged, req.VolatileDir, targets, m.log)
	})
}

// currentMountTargets reconstructs the mount-target list Down needs to pass
// to Release, in the same order Apply would have produced it, since Down
// may run in a fresh process that never held the *Stack Apply returned.
func currentMountTargets(req mountstack.Request) ([]string, error) {
	var targets []string
	if req.Volatile {
		targets = append(targets, req.VolatileDir)
	}
	targets = append(targets, req.Merged)
	for _, aux := range []mountstack.Aux{req.Tree, req.Cache, req.LocalRepo, req.Output} {
		if aux.Present {
			targets = append(targets, filepath.Join(req.Merged, aux.Target))
		}
	}
	for _, extra := range req.Extras {
		targets = append(targets, filepath.Join(req.Merged, extra.Target))
	}
	return targets, nil
}

// Rollback discards an instance's upper layer (spec §4.5.2). Requires
// Unmounted.
func (m *Manager) Rollback(ctx context.Context, name string) error {
	return m.withInstanceLock(name, func() error { return m.rollbackLocked(ctx, name) })
}

func (m *Manager) rollbackLocked(ctx context.Context, name string) error {
	state, err := m.Status(ctx, name)
	if err != nil {
		return err
	}
	if state != Unmounted {
		return &errs.ContainerError{Instance: name, Reason: "rollback requires unmounted", Err: errs.ErrInstanceBusy}
	}

	upper := m.ws.InstanceUpper(name)
	if err := fsutil.RemoveTree(upper); err != nil {
		return &errs.IOError{Path: upper, Op: "remove", Err: err}
	}
	return os.MkdirAll(upper, 0o755)
}

// Commit merges an instance's upper layer into Base (spec §4.5.1), then
// rolls the instance back. Requires this and every other instance in the
// workspace Unmounted. Callers are expected to hold the workspace lock
// (spec §5: "Commit takes the workspace lock exclusively and must observe
// every instance Unmounted").
func (m *Manager) Commit(ctx context.Context, name string) error {
	return m.withInstanceLock(name, func() error {
		state, err := m.Status(ctx, name)
		if err != nil {
			return err
		}
		if state != Unmounted {
			return &errs.ContainerError{Instance: name, Reason: "commit requires unmounted", Err: errs.ErrInstanceBusy}
		}
		others, err := os.ReadDir(m.ws.InstancesDir())
		if err != nil {
			return &errs.IOError{Path: m.ws.InstancesDir(), Op: "readdir", Err: err}
		}
		for _, e := range others {
			if !e.IsDir() || e.Name() == name {
				continue
			}
			if st, err := m.Status(ctx, e.Name()); err != nil {
				return err
			} else if st != Unmounted {
				return &errs.ContainerError{Instance: e.Name(), Reason: "commit requires every instance unmounted", Err: errs.ErrInstanceBusy}
			}
		}

		base := m.ws.Base()
		upper := m.ws.InstanceUpper(name)
		staged := base + ".commit-" + uuid.New().String()

		if err := fsutil.CopyTree(base, staged); err != nil {
			os.RemoveAll(staged)
			return &errs.IOError{Path: staged, Op: "stage base copy", Err: err}
		}
		if err := applyUpperOnto(upper, staged); err != nil {
			os.RemoveAll(staged)
			return err
		}

		prevBase := base + ".prev-" + uuid.New().String()
		if err := os.Rename(base, prevBase); err != nil {
			os.RemoveAll(staged)
			return &errs.IOError{Path: base, Op: "rename base aside", Err: err}
		}
		if err := os.Rename(staged, base); err != nil {
			// Best effort: restore the previous base so a crash here does
			// not leave the workspace without any Base at all.
			os.Rename(prevBase, base)
			return &errs.IOError{Path: staged, Op: "rename staged into base", Err: err}
		}
		os.RemoveAll(prevBase)

		return m.rollbackLocked(ctx, name)
	})
}

// Outcome is one instance's result from a bulk fan-out (spec §4.5 bulk
// operations, plus the per-instance result-reporting supplement).
type Outcome struct {
	Instance string
	Err      error
	Duration time.Duration
}

// Bulk fans work out across names with a worker pool bounded by CPU count
// (spec §5). Every instance's outcome is independent; Bulk never
// short-circuits on a single instance's failure.
func Bulk(ctx context.Context, names []string, work func(ctx context.Context, name string) error) []Outcome {
	concurrency := runtime.NumCPU()
	if concurrency > len(names) {
		concurrency = len(names)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	jobs := make(chan string)
	results := make([]Outcome, len(names))

	var wg sync.WaitGroup
	var mu sync.Mutex
	index := map[string]int{}
	for i, n := range names {
		index[n] = i
	}

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				start := time.Now()
				err := work(ctx, name)
				mu.Lock()
				results[index[name]] = Outcome{Instance: name, Err: err, Duration: time.Since(start)}
				mu.Unlock()
			}
		}()
	}

	for _, n := range names {
		jobs <- n
	}
	close(jobs)
	wg.Wait()

	return results
}

// AnyFailed reports whether a bulk fan-out should be reported as overall
// failed (spec §4.5: "fails overall iff at least one instance failed").
func AnyFailed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}
