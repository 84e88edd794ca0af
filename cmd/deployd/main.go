package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/deployd"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// DeployFlags holds flags for the deploy command.
type DeployFlags struct {
	JobID       string
	TargetDir   string
	Command     string
	Params      []string
	Env         []string
	DryRun      bool
	LockTimeout time.Duration
	Follow      bool
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	StateFilter string
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Follow bool
	Tail   int
}

// CancelFlags holds flags for the cancel command.
type CancelFlags struct {
	Force bool
}

// CleanupFlags holds flags for the cleanup command.
type CleanupFlags struct {
	RetentionDays int
}

// LocksCheckFlags holds flags for locks check.
type LocksCheckFlags struct {
	TargetDir string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	deployFlags := &DeployFlags{}
	statusFlags := &StatusFlags{}
	logsFlags := &LogsFlags{}
	cancelFlags := &CancelFlags{}
	cleanupFlags := &CleanupFlags{}
	locksCheckFlags := &LocksCheckFlags{}

	root := &cobra.Command{
		Use:   "deployd",
		Short: "Deployment job orchestration over the local filesystem",
		Long: `Deployd runs long-running deployment commands as detached background
jobs, with per-target-directory locking, on-disk status tracking, log
streaming, cancellation, and retention cleanup.

Examples:
  deployd deploy --target=/srv/app --cmd="terraform apply -auto-approve"
  deployd status
  deployd logs my-job --follow
  deployd cancel my-job --force`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createDeployCommand(globalFlags, deployFlags),
		createStatusCommand(globalFlags, statusFlags),
		createLogsCommand(globalFlags, logsFlags),
		createCancelCommand(globalFlags, cancelFlags),
		createCleanupCommand(globalFlags, cleanupFlags),
		createLocksCommand(globalFlags, locksCheckFlags),
	)
	return root
}

func createDeployCommand(globalFlags *GlobalFlags, flags *DeployFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Spawn a deployment job against a target directory",
		Long: `Acquire the target directory's lock and spawn the deployment command
as a detached background job.

With --follow the command holds the lock, streams the job log until the
job reaches a terminal state, and releases the lock on exit. Without it
the lock is released as soon as the job is running.

Examples:
  deployd deploy --target=/srv/app --cmd="terraform apply -auto-approve"
  deployd deploy --target=/srv/app --cmd="deploy.sh {env}" --param=env=prod --follow
  deployd deploy --id=app-42 --target=/srv/app --cmd="make deploy" --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.JobID, "id", "", "job id (generated when omitted)")
	cmd.Flags().StringVar(&flags.TargetDir, "target", "", "target directory (required)")
	cmd.Flags().StringVar(&flags.Command, "cmd", "", "deployment command line (required)")
	cmd.Flags().StringArrayVar(&flags.Params, "param", nil, "parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "extra environment as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "record the assembled command without executing it")
	cmd.Flags().DurationVar(&flags.LockTimeout, "lock-timeout", 30*time.Second, "how long to wait for the target lock (0 = fail fast, negative = wait forever)")
	cmd.Flags().BoolVar(&flags.Follow, "follow", false, "hold the lock and stream logs until the job finishes")

	if err := cmd.MarkFlagRequired("target"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("cmd"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long: `Show the status of one job, or of all jobs sorted newest first.
Every entry is re-validated against a live PID probe before printing.

Examples:
  deployd status
  deployd status app-42
  deployd status --state=running`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return runStatus(globalFlags.ConfigPath, id, deployd.State(flags.StateFilter))
		},
	}
	cmd.Flags().StringVar(&flags.StateFilter, "state", "", "filter listing by state (starting, running, completed, failed, cancelled)")
	return cmd
}

func createLogsCommand(globalFlags *GlobalFlags, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print or follow a job's output log",
		Long: `Print a job's captured output. With --follow, keep polling for new
lines until the job reaches a terminal state, like tail -f.

Examples:
  deployd logs app-42
  deployd logs app-42 --tail=100
  deployd logs app-42 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(globalFlags.ConfigPath, args[0], *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Follow, "follow", false, "keep streaming until the job finishes")
	cmd.Flags().IntVar(&flags.Tail, "tail", 0, "only the last N lines (0 = all)")
	return cmd
}

func createCancelCommand(globalFlags *GlobalFlags, flags *CancelFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Long: `Signal a running job's process. Graceful by default; --force kills
unconditionally.

Examples:
  deployd cancel app-42
  deployd cancel app-42 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(globalFlags.ConfigPath, args[0], flags.Force)
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "kill instead of terminating gracefully")
	return cmd
}

func createCleanupCommand(globalFlags *GlobalFlags, flags *CleanupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old terminal job directories",
		Long: `Remove job directories that finished longer ago than the retention
window. Running jobs are never removed regardless of age.

Examples:
  deployd cleanup
  deployd cleanup --retention-days=0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			days := -1
			if cmd.Flag("retention-days").Changed {
				days = flags.RetentionDays
			}
			return runCleanup(globalFlags.ConfigPath, days)
		},
	}
	cmd.Flags().IntVar(&flags.RetentionDays, "retention-days", 7, "retention window in days (default from config)")
	return cmd
}

func createLocksCommand(globalFlags *GlobalFlags, checkFlags *LocksCheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean target-directory locks",
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale locks from the lock directory",
		Long: `Scan the whole lock directory and remove every lock whose owner is
dead or whose age exceeds the staleness threshold.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocksClean(globalFlags.ConfigPath)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether a target directory is locked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocksCheck(globalFlags.ConfigPath, checkFlags.TargetDir)
		},
	}
	check.Flags().StringVar(&checkFlags.TargetDir, "target", "", "target directory (required)")
	if err := check.MarkFlagRequired("target"); err != nil {
		panic(err)
	}

	cmd.AddCommand(clean, check)
	return cmd
}
