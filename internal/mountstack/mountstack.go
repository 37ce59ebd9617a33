// Package mountstack realizes the filesystem invariant of spec §3 for one
// instance: composing base ⊕ upper [⊕ volatile] into a merged overlay root
// and bind-mounting the auxiliary sources (tree, cache, local repo, output,
// extras) into it.
//
// It is grounded on the teacher's mount/mount.go (Worker, doMount/doUnmount,
// strict apply/release ordering with a retry loop on busy unmounts) and on
// environment/bsd/bsd.go's mount-type taxonomy, adapted from DragonFlyBSD's
// nullfs/tmpfs/devfs backends to Linux overlayfs + bind mounts, which is
// what a systemd-nspawn container root actually needs.
package mountstack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"ciel/internal/errs"
	"ciel/internal/logx"
)

// ExtraMount is one additional bind mount contributed by Config's
// extra_nspawn_opts-adjacent bind directives (spec §4.3 "extras").
type ExtraMount struct {
	Source   string
	Target   string // relative to the merged root
	ReadOnly bool
}

// Aux describes one optional auxiliary mount: tree, cache, local repo, or
// output. Present must be true for the mount to be attempted.
type Aux struct {
	Source   string
	Target   string // relative to the merged root
	ReadOnly bool
	Present  bool
}

// Request fully describes the mount stack for one instance (spec §4.3).
type Request struct {
	Instance string

	Base   string
	Upper  string
	Work   string
	Merged string

	// Volatile, when true, stacks an ephemeral tmpfs top layer so writes
	// never reach Upper (spec: "an ephemeral top layer is stacked so
	// mutations do not persist").
	Volatile        bool
	VolatileDir     string // scratch dir holding the tmpfs mount, upper, and work subdirs
	TmpfsSizeMiB    uint32

	Tree      Aux
	Cache     Aux
	LocalRepo Aux
	Output    Aux
	Extras    []ExtraMount
}

// mounted records one successful mount so Release (or a compensating
// release after a failed Apply) can unwind in exact reverse order.
type mounted struct {
	target   string
	optional bool
}

// Stack is the live, applied state of one instance's mounts. It is the
// return value of Apply; AppliedTargets yields the target list Release takes.
type Stack struct {
	req     Request
	applied []mounted
}

// Apply mounts the union root and every enabled auxiliary source, in the
// order mandated by spec §4.3: union root, then tree, cache, local-repo,
// output, extras. On any failure it releases everything it had already
// mounted, in reverse order, before returning the original error — Apply is
// therefore atomic from the caller's perspective.
func Apply(req Request, log logx.Logger) (*Stack, error) {
	s := &Stack{req: req}

	if err := os.MkdirAll(req.Merged, 0o755); err != nil {
		return nil, &errs.MountError{Op: "apply", Target: req.Merged, Err: err}
	}

	if err := s.mountUnionRoot(log); err != nil {
		s.compensate(log)
		return nil, err
	}

	auxInOrder := []Aux{req.Tree, req.Cache, req.LocalRepo, req.Output}
	for _, aux := range auxInOrder {
		if !aux.Present {
			continue
		}
		if err := s.bindAux(aux, log); err != nil {
			s.compensate(log)
			return nil, err
		}
	}

	for _, extra := range req.Extras {
		if err := s.bindExtra(extra, log); err != nil {
			s.compensate(log)
			return nil, err
		}
	}

	return s, nil
}

// compensate unmounts everything Apply managed to mount so far, in reverse
// order, swallowing secondary errors (they are logged, not returned — the
// original failure from Apply is what the caller sees).
func (s *Stack) compensate(log logx.Logger) {
	for i := len(s.applied) - 1; i >= 0; i-- {
		target := s.applied[i].target
		if err := unmountRetry(target, 1, 0); err != nil {
			log.Warn("compensating unmount of %s failed: %v", target, err)
		}
	}
	s.applied = nil
}

func (s *Stack) mountUnionRoot(log logx.Logger) error {
	req := s.req

	if req.Volatile {
		upper := filepath.Join(req.VolatileDir, "upper")
		work := filepath.Join(req.VolatileDir, "work")

		if err := os.MkdirAll(req.VolatileDir, 0o755); err != nil {
			return &errs.MountError{Op: "apply", Target: req.VolatileDir, Err: err}
		}
		size := req.TmpfsSizeMiB
		if size == 0 {
			size = DefaultTmpfsSizeMiB()
		}
		data := fmt.Sprintf("size=%dm", size)
		if err := unix.Mount("tmpfs", req.VolatileDir, "tmpfs", 0, data); err != nil {
			return &errs.MountError{Op: "apply", Target: req.VolatileDir, Err: err}
		}
		s.applied = append(s.applied, mounted{target: req.VolatileDir})

		for _, d := range []string{upper, work} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return &errs.MountError{Op: "apply", Target: d, Err: err}
			}
		}

		lowerdir := req.Upper + ":" + req.Base
		overlayData := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upper, work)
		if err := unix.Mount("overlay", req.Merged, "overlay", 0, overlayData); err != nil {
			return &errs.MountError{Op: "apply", Target: req.Merged, Err: err}
		}
		s.applied = append(s.applied, mounted{target: req.Merged})
		return nil
	}

	if err := os.MkdirAll(req.Work, 0o755); err != nil {
		return &errs.MountError{Op: "apply", Target: req.Work, Err: err}
	}
	overlayData := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", req.Base, req.Upper, req.Work)
	if err := unix.Mount("overlay", req.Merged, "overlay", 0, overlayData); err != nil {
		return &errs.MountError{Op: "apply", Target: req.Merged, Err: err}
	}
	s.applied = append(s.applied, mounted{target: req.Merged})
	return nil
}

func (s *Stack) bindAux(aux Aux, log logx.Logger) error {
	target := filepath.Join(s.req.Merged, aux.Target)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &errs.MountError{Op: "apply", Target: target, Err: err}
	}

	flags := uintptr(unix.MS_BIND)
	if err := unix.Mount(aux.Source, target, "", flags, ""); err != nil {
		return &errs.MountError{Op: "apply", Target: target, Err: err}
	}
	if aux.ReadOnly {
		remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount(aux.Source, target, "", remountFlags, ""); err != nil {
			log.Warn("failed to remount %s read-only: %v", target, err)
		}
	}
	s.applied = append(s.applied, mounted{target: target})
	return nil
}

func (s *Stack) bindExtra(extra ExtraMount, log logx.Logger) error {
	return s.bindAux(Aux{Source: extra.Source, Target: extra.Target, ReadOnly: extra.ReadOnly, Present: true}, log)
}

// Verify reads the kernel mount table and reports whether merged is
// currently a mount point (spec §4.3 verify, and property 1 in §8). Only the
// union root is checked; auxiliary mounts and mount sources are not.
func Verify(merged string, log logx.Logger) (bool, error) {
	mounts, err := readMountinfo()
	if err != nil {
		return false, &errs.MountError{Op: "verify", Target: merged, Err: err}
	}

	for _, m := range mounts {
		if m == merged {
			return true, nil
		}
	}
	return false, nil
}

// Release unmounts appliedTargets in exact reverse order. A missing mount is
// not an error (already torn down); a busy mount is retried up to 10 times,
// 200ms apart, and reported via errs.MountError if it never clears (spec
// §4.3 release).
func Release(merged, volatileDir string, appliedTargets []string, log logx.Logger) error {
	var failures []string

	for i := len(appliedTargets) - 1; i >= 0; i-- {
		target := appliedTargets[i]
		if err := unmountRetry(target, 10, 200*time.Millisecond); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", target, err))
		}
	}

	if len(failures) > 0 {
		return &errs.MountError{Op: "release", Target: merged, Err: fmt.Errorf("busy mounts remain: %s", strings.Join(failures, "; "))}
	}
	return nil
}

// AppliedTargets exposes the mount targets in application order, so a
// caller can persist them (e.g. across a process restart) and later call
// Release without re-deriving the Request.
func (s *Stack) AppliedTargets() []string {
	out := make([]string, len(s.applied))
	for i, m := range s.applied {
		out[i] = m.target
	}
	return out
}

func unmountRetry(target string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := unix.Unmount(target, 0)
		if err == nil {
			return nil
		}
		switch err {
		case unix.EINVAL, unix.ENOENT:
			// Not a mount point (already gone): not an error (spec §4.3:
			// "missing mounts are not errors").
			return nil
		case unix.EBUSY:
			lastErr = &errs.MountError{Op: "release", Target: target, Err: err}
			if i < attempts-1 && delay > 0 {
				time.Sleep(delay)
			}
			continue
		default:
			return &errs.MountError{Op: "release", Target: target, Err: err}
		}
	}
	return lastErr
}

func readMountinfo() ([]string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		targets = append(targets, fields[4])
	}
	return targets, nil
}

// DefaultTmpfsSizeMiB returns half of available system RAM, capped at the
// platform constant below (spec §4.3).
func DefaultTmpfsSizeMiB() uint32 {
	const platformCapMiB = 65536 // 64 GiB, matching the teacher's TmpfsRWBig ceiling

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return platformCapMiB / 4
	}

	totalMiB := uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024)
	half := uint32(totalMiB / 2)
	if half > platformCapMiB || half == 0 {
		return platformCapMiB
	}
	return half
}
