// Command ciel is the thin CLI wrapper around the core packaging-environment
// engine (spec §6): it parses flags, resolves the workspace root, and calls
// into internal/workspace, internal/instance, and internal/repo. Help text,
// shell completion, interactive prompts, and the actual package build shell
// are explicitly out of scope (spec §1) and stay out of this binary too —
// everything here is a direct call into the core, never business logic of
// its own.
//
// Grounded on the teacher's main.go/cmd/build.go cobra scaffolding, adapted
// from the ports-build vocabulary to ciel's mount/boot/stop/down/rollback/
// add/del/commit/repo vocabulary (spec §9's Open Question: "the newer
// vocabulary is authoritative").
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ciel/internal/errs"
	"ciel/internal/guard"
	"ciel/internal/instance"
	"ciel/internal/layout"
	"ciel/internal/logx"
	"ciel/internal/machine"
	"ciel/internal/repo"
	"ciel/internal/workspace"
)

const (
	defaultReadyTimeout = 60 * time.Second
	defaultStopTimeout  = 30 * time.Second
	shutdownGrace       = 10 * time.Second
)

var (
	workDir string
	quiet   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ciel",
		Short:         "Integrated packaging environment instance manager",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&workDir, "directory", "C", ".", "workspace root")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "silence progress output")

	root.AddCommand(
		newNewCmd(),
		newFarewellCmd(),
		newAddCmd(),
		newDelCmd(),
		stateCmd("mount", "realize Unmounted -> Mounted", (*instance.Manager).Mount),
		bootCmd(),
		stopCmd(),
		stateCmd("down", "stop and unmount, any state -> Unmounted", func(m *instance.Manager, ctx context.Context, name string) error {
			return m.Down(ctx, name, defaultStopTimeout)
		}),
		stateCmd("rollback", "discard an instance's upper layer", (*instance.Manager).Rollback),
		newCommitCmd(),
		newRepoCmd(),
	)
	return root
}

// consoleLogger is used before a workspace exists or is resolvable (new's
// bootstrap phase, and workspace-resolution failures).
func consoleLogger() logx.Logger {
	if quiet {
		return logx.NoOp{}
	}
	return logx.Stdout{}
}

// openLogger opens the workspace's persistent log files (spec §3's state/logs
// directory) and fans every call out to the console too, unless -q. The
// returned closer must run once the command finishes.
func openLogger(ws layout.Workspace) (logx.Logger, func(), error) {
	file, err := logx.NewFileLogger(ws.LogsDir())
	if err != nil {
		return nil, func() {}, &errs.IOError{Path: ws.LogsDir(), Op: "open log files", Err: err}
	}
	closer := func() { file.Close() }
	if quiet {
		return file, closer, nil
	}
	return logx.Multi{file, logx.Stdout{}}, closer, nil
}

func resolveWorkspace() (layout.Workspace, error) {
	ws, err := layout.Find(workDir)
	if err != nil {
		return layout.Workspace{}, errs.ErrWorkspaceMissing
	}
	return ws, nil
}

// withWorkspaceLock acquires the workspace lock for the duration of fn, the
// way every state-mutating top-level command must (spec §5). fn receives the
// command's Signal so it can Register compensations (mount release,
// container stop) that run if a termination signal interrupts it mid-flight.
func withWorkspaceLock(ws layout.Workspace, log logx.Logger, fn func(sig *guard.Signal) error) error {
	wl, err := guard.AcquireWorkspace(ws, log)
	if err != nil {
		return err
	}
	defer wl.Release()

	sig, _ := guard.NewSignal(context.Background(), log, shutdownGrace)
	defer sig.Stop()

	return fn(sig)
}

// registerTeardown arranges for name to be torn down (stopped and unmounted)
// if a termination signal interrupts an in-flight mount/boot, and returns the
// unregister func to call once the operation finishes normally (spec §9:
// "invokes C3.release and C4.stop compensations").
func registerTeardown(sig *guard.Signal, mgr *instance.Manager, name string) func() {
	return sig.Register(func() error {
		return mgr.Down(context.Background(), name, defaultStopTimeout)
	})
}

func newManager(ws layout.Workspace, log logx.Logger) (*instance.Manager, *machine.Controller, error) {
	ctx := context.Background()
	mc, err := machine.Connect(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	return instance.NewManager(ws, mc, log), mc, nil
}

func resolveInstanceNames(all bool, args []string, ws layout.Workspace) ([]string, error) {
	if !all {
		if len(args) == 0 {
			return nil, &errs.SchemaError{Field: "instance", Reason: "no instance given; pass a name or -a"}
		}
		return args, nil
	}
	entries, err := os.ReadDir(ws.InstancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Path: ws.InstancesDir(), Op: "readdir", Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "create a new workspace at the resolved directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := workspace.Create(workDir, consoleLogger())
			return err
		},
	}
}

func newFarewellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "farewell",
		Short: "destroy the workspace entirely",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				return workspace.Farewell(ws)
			})
		},
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "create a new instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				return mgr.Add(args[0])
			})
		},
	}
}

func newDelCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "del [-a | <name>...]",
		Short: "destroy one or more instances (must be Unmounted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				names, err := resolveInstanceNames(all, args, ws)
				if err != nil {
					return err
				}
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				outcomes := instance.Bulk(context.Background(), names, mgr.Del)
				return reportBulk(outcomes)
			})
		},
	}
	c.Flags().BoolVarP(&all, "all", "a", false, "apply to every instance")
	return c
}

// stateCmd builds a bulk-capable subcommand for a transition that takes
// just (ctx, name), used by mount/down/rollback.
func stateCmd(use, short string, op func(*instance.Manager, context.Context, string) error) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   use + " [-a | <instance>...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				names, err := resolveInstanceNames(all, args, ws)
				if err != nil {
					return err
				}
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				outcomes := instance.Bulk(context.Background(), names, func(ctx context.Context, name string) error {
					if use != "mount" {
						return op(mgr, ctx, name)
					}
					unregister := registerTeardown(sig, mgr, name)
					defer unregister()
					return op(mgr, ctx, name)
				})
				return reportBulk(outcomes)
			})
		},
	}
	c.Flags().BoolVarP(&all, "all", "a", false, "apply to every instance")
	return c
}

func bootCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "boot [-a | <instance>...]",
		Short: "mount (if needed), register, and wait for readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				names, err := resolveInstanceNames(all, args, ws)
				if err != nil {
					return err
				}
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				outcomes := instance.Bulk(context.Background(), names, func(ctx context.Context, name string) error {
					unregister := registerTeardown(sig, mgr, name)
					defer unregister()
					return mgr.Boot(ctx, name, defaultReadyTimeout)
				})
				return reportBulk(outcomes)
			})
		},
	}
	c.Flags().BoolVarP(&all, "all", "a", false, "apply to every instance")
	return c
}

func stopCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "stop [-a | <instance>...]",
		Short: "gracefully stop a Booted instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				names, err := resolveInstanceNames(all, args, ws)
				if err != nil {
					return err
				}
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				outcomes := instance.Bulk(context.Background(), names, func(ctx context.Context, name string) error {
					return mgr.Stop(ctx, name, defaultStopTimeout)
				})
				return reportBulk(outcomes)
			})
		},
	}
	c.Flags().BoolVarP(&all, "all", "a", false, "apply to every instance")
	return c
}

func newCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <instance>",
		Short: "merge an instance's upper layer into the base, then roll back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()
			return withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
				mgr, mc, err := newManager(ws, log)
				if err != nil {
					return err
				}
				defer mc.Close()
				return mgr.Commit(context.Background(), args[0])
			})
		},
	}
}

func newRepoCmd() *cobra.Command {
	repoCmd := &cobra.Command{
		Use:   "repo",
		Short: "local APT repository operations",
	}
	var dryRun bool
	refresh := &cobra.Command{
		Use:   "refresh [<path>]",
		Short: "rescan Output and (re)write the APT repository index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			log, closeLog, err := openLogger(ws)
			if err != nil {
				return err
			}
			defer closeLog()

			output := ws.Output(false, "")
			if len(args) > 0 {
				output = args[0]
			}

			run := func() (*repo.Report, error) {
				return repo.Refresh(ws, output, repo.Options{Date: time.Now(), DryRun: dryRun})
			}

			var report *repo.Report
			if dryRun {
				// Read-only commands never take the workspace lock (spec §5).
				report, err = run()
			} else {
				err = withWorkspaceLock(ws, log, func(sig *guard.Signal) error {
					var innerErr error
					report, innerErr = run()
					return innerErr
				})
			}
			if err != nil {
				return err
			}

			fmt.Printf("added=%d unchanged=%d removed=%d malformed=%d\n",
				len(report.Added), len(report.Unchanged), len(report.Removed), len(report.Malformed))
			for _, m := range report.Malformed {
				fmt.Fprintf(os.Stderr, "malformed: %s: %s\n", m.Path, m.Reason)
			}
			return nil
		},
	}
	refresh.Flags().BoolVar(&dryRun, "dry-run", false, "scan without taking the workspace lock or writing output")
	repoCmd.AddCommand(refresh)
	return repoCmd
}

// reportBulk prints a per-instance outcome table and turns the combined
// result into a single error iff at least one instance failed (spec §4.5:
// "fails overall iff at least one instance failed, but never short-circuits").
func reportBulk(outcomes []instance.Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: FAILED: %v\n", o.Instance, o.Err)
		} else if !quiet {
			fmt.Printf("%s: ok (%s)\n", o.Instance, o.Duration.Round(time.Millisecond))
		}
	}
	if instance.AnyFailed(outcomes) {
		for _, o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
		}
	}
	return nil
}
