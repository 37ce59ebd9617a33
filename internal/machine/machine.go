// Package machine implements the C4 machine controller from spec §4.4:
// registering, booting, execing into, and stopping one container via the
// host service manager (systemd), plus a readiness probe.
//
// It is grounded on the teacher's environment.Environment interface
// (environment/environment.go) — Setup/Execute/Cleanup, a registry of
// named backends, and the careful separation between "the backend call
// itself failed" and "the process it started exited non-zero" — adapted
// from a DragonFlyBSD chroot(8) backend to a systemd-nspawn transient unit
// managed over D-Bus, which is what a Linux container host actually offers.
package machine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"

	"ciel/internal/errs"
	"ciel/internal/logx"
)

// Status is one of the states spec §4.4 enumerates for a managed container.
type Status int

const (
	Absent Status = iota
	Starting
	Running
	Degraded
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Spec describes one container registration request.
type Spec struct {
	Instance    string
	Merged      string   // the mounted overlay root to boot
	ExtraOpts   []string // workspace defaults then instance overrides, already merged and deduped
	ReadyMarker string   // path relative to Merged whose presence signals readiness; empty disables the probe
}

// Controller drives container lifecycle over the systemd D-Bus API.
type Controller struct {
	conn *sdbus.Conn
	log  logx.Logger
}

// Connect opens a connection to the system service manager bus.
func Connect(ctx context.Context, log logx.Logger) (*Controller, error) {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, &errs.ContainerError{Reason: "connect to systemd bus", Err: err}
	}
	return &Controller{conn: conn, log: log}, nil
}

// Close releases the bus connection.
func (c *Controller) Close() {
	c.conn.Close()
}

// UnitName derives a stable unit name from the workspace's canonical root
// and the instance name (spec §4.4), so two workspaces with identically
// named instances never collide on the same host.
func UnitName(workspaceRoot, instance string) string {
	h := sha256.Sum256([]byte(workspaceRoot + "\x00" + instance))
	return fmt.Sprintf("ciel-%s.service", hex.EncodeToString(h[:])[:16])
}

// MachineName derives the systemd-nspawn --machine= name: alphanumeric and
// hyphens only, since nspawn registers it with systemd-machined under this
// name directly.
func MachineName(instance string) string {
	var b strings.Builder
	for _, r := range instance {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return "ciel-" + b.String()
}

// Register starts the container as a transient systemd-nspawn unit (spec
// §4.4 register). Extra options must already be in the deterministic merged
// order (workspace defaults, then instance overrides — see
// config.MergedNspawnOpts).
func (c *Controller) Register(ctx context.Context, workspaceRoot string, spec Spec) error {
	unit := UnitName(workspaceRoot, spec.Instance)

	argv := []string{
		"systemd-nspawn",
		"--quiet",
		"--directory=" + spec.Merged,
		"--machine=" + MachineName(spec.Instance),
		"--boot",
		"--notify-ready=yes",
	}
	argv = append(argv, spec.ExtraOpts...)

	props := []sdbus.Property{
		sdbus.PropDescription("ciel instance " + spec.Instance),
		sdbus.PropExecStart(argv, false),
		sdbus.PropType("notify"),
	}

	resultCh := make(chan string, 1)
	if _, err := c.conn.StartTransientUnitContext(ctx, unit, "replace", props, resultCh); err != nil {
		return &errs.ContainerError{Instance: spec.Instance, Reason: "start transient unit", Err: err}
	}

	select {
	case result := <-resultCh:
		if result != "done" {
			return &errs.ContainerError{Instance: spec.Instance, Reason: "unit job result: " + result}
		}
	case <-ctx.Done():
		return &errs.ContainerError{Instance: spec.Instance, Reason: "start transient unit", Err: ctx.Err()}
	}

	return nil
}

// Status reports the container's current state, combining the unit's
// ActiveState with the readiness-marker probe (spec §4.4 status).
func (c *Controller) Status(ctx context.Context, workspaceRoot string, spec Spec) (Status, error) {
	unit := UnitName(workspaceRoot, spec.Instance)

	props, err := c.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		// A unit systemd has never heard of reports as a load error, not a
		// D-Bus error; treat any property-fetch failure here as Absent
		// rather than propagating a spurious error for the common case of
		// "never registered."
		return Absent, nil
	}

	active, _ := props["ActiveState"].(string)
	switch active {
	case "", "inactive", "dead":
		return Absent, nil
	case "failed":
		return Degraded, nil
	case "activating", "reloading":
		return Starting, nil
	case "active":
		if spec.ReadyMarker == "" {
			return Running, nil
		}
		marker := filepath.Join(spec.Merged, spec.ReadyMarker)
		if _, err := os.Stat(marker); err != nil {
			return Starting, nil
		}
		return Running, nil
	default:
		return Degraded, nil
	}
}

// WaitReady polls Status until Running or timeout (spec §4.4 wait_ready).
func (c *Controller) WaitReady(ctx context.Context, workspaceRoot string, spec Spec, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Millisecond

	for {
		status, err := c.Status(ctx, workspaceRoot, spec)
		if err != nil {
			return err
		}
		if status == Running {
			return nil
		}
		if status == Degraded {
			return &errs.ContainerError{Instance: spec.Instance, Reason: "unit entered failed state while waiting for readiness"}
		}
		if time.Now().After(deadline) {
			return &errs.ContainerError{Instance: spec.Instance, Reason: "wait_ready timed out"}
		}

		select {
		case <-ctx.Done():
			return &errs.ContainerError{Instance: spec.Instance, Reason: "wait_ready", Err: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}
}

// Stop gracefully stops the unit, escalating per spec §4.4: a normal stop
// request, then (after timeout) a terminate signal, then (after a second
// timeout) StopTimeout.
func (c *Controller) Stop(ctx context.Context, workspaceRoot string, spec Spec, timeout time.Duration) error {
	unit := UnitName(workspaceRoot, spec.Instance)

	resultCh := make(chan string, 1)
	if _, err := c.conn.StopUnitContext(ctx, unit, "replace", resultCh); err != nil {
		return &errs.ContainerError{Instance: spec.Instance, Reason: "stop unit", Err: err}
	}

	select {
	case <-resultCh:
		return c.awaitAbsent(ctx, workspaceRoot, spec, timeout)
	case <-time.After(timeout):
	case <-ctx.Done():
		return &errs.ContainerError{Instance: spec.Instance, Reason: "stop", Err: ctx.Err()}
	}

	// Graceful stop did not complete in time: escalate to SIGTERM via the
	// unit's KillUnit call, then give it one more timeout window.
	if err := c.conn.KillUnitContext(ctx, unit, 15 /* SIGTERM */); err != nil {
		c.log.Warn("kill unit %s failed: %v", unit, err)
	}

	select {
	case <-time.After(timeout):
		status, _ := c.Status(ctx, workspaceRoot, spec)
		if status != Absent {
			return &errs.ContainerError{Instance: spec.Instance, Reason: "stop", Err: errs.ErrStopTimeout}
		}
		return nil
	case <-ctx.Done():
		return &errs.ContainerError{Instance: spec.Instance, Reason: "stop", Err: ctx.Err()}
	}
}

func (c *Controller) awaitAbsent(ctx context.Context, workspaceRoot string, spec Spec, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.Status(ctx, workspaceRoot, spec)
		if err != nil {
			return err
		}
		if status == Absent {
			return nil
		}
		if time.Now().After(deadline) {
			return &errs.ContainerError{Instance: spec.Instance, Reason: "stop", Err: errs.ErrStopTimeout}
		}
		select {
		case <-ctx.Done():
			return &errs.ContainerError{Instance: spec.Instance, Reason: "stop", Err: ctx.Err()}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ExecResult mirrors the teacher's environment.ExecResult: together with
// Exec's returned error it distinguishes "the command ran and exited
// non-zero" (ExitCode set, error nil) from "we could not run the command
// at all" (error set).
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Exec runs argv inside the running container's namespaces (spec §4.4
// exec), by entering the nspawn leader's namespaces with nsenter rather
// than talking to the guest over a second channel — the container already
// has a PID visible on the host, so there is no need for an in-guest agent.
func (c *Controller) Exec(ctx context.Context, workspaceRoot string, spec Spec, argv []string, env []string) (ExecResult, error) {
	unit := UnitName(workspaceRoot, spec.Instance)

	props, err := c.conn.GetUnitTypePropertiesContext(ctx, unit, "Service")
	if err != nil {
		return ExecResult{}, &errs.ContainerError{Instance: spec.Instance, Reason: "read unit properties for exec", Err: err}
	}
	pidVal, ok := props["MainPID"].(uint32)
	if !ok || pidVal == 0 {
		return ExecResult{}, &errs.ContainerError{Instance: spec.Instance, Reason: "container has no leader process"}
	}

	nsenterArgs := []string{
		"--target=" + strconv.FormatUint(uint64(pidVal), 10),
		"--mount", "--uts", "--ipc", "--net", "--pid",
		"--",
	}
	nsenterArgs = append(nsenterArgs, argv...)

	cmd := exec.CommandContext(ctx, "nsenter", nsenterArgs...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err == nil {
		return ExecResult{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return ExecResult{ExitCode: exitErr.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	// The process never started at all (missing binary, namespace entry
	// failure, etc): this is a controller error, not a guest exit code.
	return ExecResult{}, &errs.ContainerError{Instance: spec.Instance, Reason: "exec", Err: err}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
