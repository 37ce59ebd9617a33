// Package guard implements the C7 workspace guard from spec §5/§9: the
// process-scoped workspace lock, the per-instance lock that serializes
// operations on one instance across parallel bulk commands, and the
// signal-driven cooperative shutdown that runs compensating mount/container
// cleanup before a process exits.
//
// Grounded on the teacher's cmd/build.go (os/signal.Notify over SIGINT/
// SIGTERM/SIGHUP, a goroutine that runs a registered cleanup func before
// os.Exit) and service/cleanup.go's self-healing stale-state philosophy,
// which internal/fsutil's stale-PID lock reclaim already carries forward.
package guard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ciel/internal/errs"
	"ciel/internal/fsutil"
	"ciel/internal/layout"
	"ciel/internal/logx"
)

// Workspace holds the advisory lock that spec §5 requires "for the duration
// of any state-mutating top-level command." Read-only commands (list, repo
// refresh dry-run) never construct one.
type Workspace struct {
	lock *fsutil.Lock
}

// AcquireWorkspace takes the workspace lock at ws.LockPath(). Two concurrent
// mutators of the same workspace: one call returns a *Workspace, the other
// returns errs.ErrWorkspaceBusy (spec §5, §8 property 11: "exactly one
// succeeds, the other returns WorkspaceBusy").
func AcquireWorkspace(ws layout.Workspace, log logx.Logger) (*Workspace, error) {
	log = orNoOp(log)
	lock, reclaimed, err := fsutil.Acquire(ws.LockPath())
	if err != nil {
		if fsutil.IsBusy(err) {
			return nil, errs.ErrWorkspaceBusy
		}
		return nil, &errs.IOError{Path: ws.LockPath(), Op: "acquire lock", Err: err}
	}
	if reclaimed {
		log.Warn("workspace lock at %s held by a dead process, reclaimed", ws.LockPath())
	}
	return &Workspace{lock: lock}, nil
}

// Release gives up the workspace lock. Safe to call once.
func (w *Workspace) Release() error {
	return w.lock.Release()
}

// Instance holds the per-instance advisory lock from spec §5 ("a per-instance
// lock ... serializes operations on one instance so that parallel bulk
// commands never collide on the same target").
type Instance struct {
	lock *fsutil.Lock
}

// AcquireInstance takes the lock at the instance's root (instanceLockPath),
// which a caller passes pre-resolved from layout so this package never
// concatenates path segments itself (spec §4.1).
func AcquireInstance(instanceLockPath string, log logx.Logger) (*Instance, error) {
	log = orNoOp(log)
	lock, reclaimed, err := fsutil.Acquire(instanceLockPath)
	if err != nil {
		if fsutil.IsBusy(err) {
			return nil, errs.ErrInstanceBusy
		}
		return nil, &errs.IOError{Path: instanceLockPath, Op: "acquire lock", Err: err}
	}
	if reclaimed {
		log.Warn("instance lock at %s held by a dead process, reclaimed", instanceLockPath)
	}
	return &Instance{lock: lock}, nil
}

// Release gives up the instance lock. Safe to call once.
func (i *Instance) Release() error {
	return i.lock.Release()
}

func orNoOp(log logx.Logger) logx.Logger {
	if log == nil {
		return logx.NoOp{}
	}
	return log
}

// Compensation is a registered cleanup action run during cooperative
// shutdown: unmounting a partially applied stack, stopping a container that
// was mid-boot, releasing a lock. Compensations run most-recently-registered
// first, mirroring deferred cleanup.
type Compensation func() error

// Signal installs a single listener for termination signals and drives
// cooperative shutdown (spec §5: "marks pending operations for early exit,
// waits up to a bounded grace period for in-flight syscalls, invokes
// C3.release and C4.stop compensations, then releases locks").
//
// Exactly one Signal should exist per process; it is the single listener
// spec §9 calls for ("A single listener installs handlers for termination
// signals").
type Signal struct {
	log        logx.Logger
	grace      time.Duration
	mu         sync.Mutex
	compensate []Compensation

	ctx    context.Context
	cancel context.CancelFunc

	sigCh chan os.Signal
	done  chan struct{}
}

// NewSignal installs the signal handlers and returns a Signal plus a
// context that is canceled the instant a termination signal arrives, so
// in-flight syscalls observe cancellation promptly while the grace-period
// wait in Shutdown still runs to completion.
func NewSignal(parent context.Context, log logx.Logger, grace time.Duration) (*Signal, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s := &Signal{
		log:   log,
		grace: grace,
		ctx:   ctx,
		cancel: cancel,
		sigCh: make(chan os.Signal, 1),
		done:  make(chan struct{}),
	}
	signal.Notify(s.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go s.listen()

	return s, ctx
}

func (s *Signal) listen() {
	select {
	case sig := <-s.sigCh:
		s.log.Warn("received signal %v, shutting down", sig)
		s.cancel()
		s.runCompensations()
		close(s.done)
	case <-s.ctx.Done():
		// Canceled by the owning command's own completion path, not by a
		// signal: nothing to compensate, just stop listening.
		close(s.done)
	}
}

// Register adds a compensation to run if a termination signal arrives
// before Stop. The returned unregister func must be called once the
// protected operation completes normally, so long-lived commands don't
// accumulate stale compensations for work that already finished cleanly.
func (s *Signal) Register(c Compensation) (unregister func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.compensate)
	s.compensate = append(s.compensate, c)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.compensate) {
			s.compensate[idx] = nil
		}
	}
}

func (s *Signal) runCompensations() {
	s.mu.Lock()
	comps := make([]Compensation, len(s.compensate))
	copy(comps, s.compensate)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(comps) - 1; i >= 0; i-- {
			c := comps[i]
			if c == nil {
				continue
			}
			if err := c(); err != nil {
				s.log.Error("compensation failed: %v", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Error("compensations did not finish within grace period %s", s.grace)
	}
}

// Stop tears down the signal listener when no termination signal arrived,
// so the goroutine started by NewSignal doesn't leak past the command's
// normal completion.
func (s *Signal) Stop() {
	signal.Stop(s.sigCh)
	s.cancel()
	<-s.done
}

// Canceled reports whether the signal listener already began shutdown.
func (s *Signal) Canceled() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
