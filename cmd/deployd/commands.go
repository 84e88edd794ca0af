package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/loykin/deployd"
)

// openManager loads configuration, installs logging, and builds the
// facade shared by all commands.
func openManager(configPath string) (*deployd.Manager, deployd.Config, error) {
	cfg, err := deployd.LoadConfig(configPath)
	if err != nil {
		return nil, cfg, err
	}
	deployd.SetupLogging(cfg.Log)
	mgr, err := deployd.New(cfg)
	if err != nil {
		return nil, cfg, err
	}
	return mgr, cfg, nil
}

// signalContext is cancelled by Ctrl-C or SIGTERM so polling waits abort
// cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func runDeploy(configPath string, flags DeployFlags) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	params, err := parseParams(flags.Params)
	if err != nil {
		return err
	}
	id := flags.JobID
	if id == "" {
		id = "deploy-" + xid.New().String()
	}

	lk, err := mgr.Lock(flags.TargetDir, id)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	switch {
	case flags.LockTimeout < 0:
		err = lk.Acquire(ctx)
	case flags.LockTimeout == 0:
		ok, terr := lk.TryAcquire()
		err = terr
		if terr == nil && !ok {
			err = deployd.ErrLockTimeout
		}
	default:
		err = lk.AcquireTimeout(ctx, flags.LockTimeout)
	}
	if err != nil {
		if errors.Is(err, deployd.ErrLockTimeout) {
			return fmt.Errorf("another deployment is already running against %s", flags.TargetDir)
		}
		return err
	}
	defer func() { _ = lk.Release() }()

	st, err := mgr.Spawn(deployd.SpawnRequest{
		JobID:      id,
		TargetDir:  flags.TargetDir,
		Command:    flags.Command,
		Parameters: params,
		Env:        flags.Env,
		DryRun:     flags.DryRun,
	})
	if err != nil {
		return err
	}
	fmt.Printf("job %s: %s (pid %d)\nlog: %s\n", st.JobID, st.State, st.PID, mgr.LogPath(st.JobID))

	if !flags.Follow || st.State.Terminal() {
		return nil
	}

	lines, err := mgr.StreamLogs(ctx, st.JobID, deployd.LogOptions{Follow: true})
	if err != nil {
		return err
	}
	for line := range lines {
		fmt.Println(line)
	}
	final, err := mgr.Status(st.JobID)
	if err != nil {
		return err
	}
	fmt.Printf("job %s finished: %s\n", final.JobID, final.State)
	if final.State == deployd.StateFailed {
		if final.Error != "" {
			return fmt.Errorf("deployment failed: %s", final.Error)
		}
		return errors.New("deployment failed")
	}
	return nil
}

func runStatus(configPath, id string, filter deployd.State) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	if id != "" {
		st, err := mgr.Status(id)
		if err != nil {
			return err
		}
		printStatusDetail(st)
		return nil
	}

	list, err := mgr.List(filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tPHASE\tPID\tCREATED\tUPDATED")
	for _, st := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.JobID, st.State, st.Phase, pidText(st.PID),
			humanize.Time(st.CreatedAt), humanize.Time(st.UpdatedAt))
	}
	return w.Flush()
}

func printStatusDetail(st deployd.JobStatus) {
	fmt.Printf("job:      %s\n", st.JobID)
	fmt.Printf("state:    %s\n", st.State)
	fmt.Printf("phase:    %s\n", st.Phase)
	fmt.Printf("pid:      %s\n", pidText(st.PID))
	fmt.Printf("created:  %s (%s)\n", st.CreatedAt.Format(time.RFC3339), humanize.Time(st.CreatedAt))
	fmt.Printf("updated:  %s (%s)\n", st.UpdatedAt.Format(time.RFC3339), humanize.Time(st.UpdatedAt))
	if st.ExitCode != nil {
		fmt.Printf("exit:     %d\n", *st.ExitCode)
	}
	if st.Error != "" {
		fmt.Printf("error:    %s\n", st.Error)
	}
}

func pidText(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func runLogs(configPath, id string, flags LogsFlags) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	ctx, cancel := signalContext()
	defer cancel()
	lines, err := mgr.StreamLogs(ctx, id, deployd.LogOptions{Follow: flags.Follow, TailLines: flags.Tail})
	if err != nil {
		return err
	}
	for line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runCancel(configPath, id string, force bool) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	ok, err := mgr.Cancel(id, force)
	if err != nil {
		return err
	}
	if !ok {
		st, serr := mgr.Status(id)
		if serr != nil {
			return serr
		}
		fmt.Printf("job %s is not running (state: %s)\n", id, st.State)
		return nil
	}
	fmt.Printf("cancelled job %s\n", id)
	return nil
}

func runCleanup(configPath string, days int) error {
	mgr, cfg, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	retention := cfg.Retention()
	if days >= 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}
	n, err := mgr.Cleanup(retention)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d job director%s\n", n, pluralY(n))
	return nil
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func runLocksClean(configPath string) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	n, err := mgr.CleanStaleLocks()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale lock(s)\n", n)
	return nil
}

func runLocksCheck(configPath, targetDir string) error {
	mgr, _, err := openManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	lk, err := mgr.Lock(targetDir, "")
	if err != nil {
		return err
	}
	locked, err := lk.IsLocked()
	if err != nil {
		return err
	}
	if locked {
		fmt.Printf("%s is locked\n", targetDir)
	} else {
		fmt.Printf("%s is not locked\n", targetDir)
	}
	return nil
}
