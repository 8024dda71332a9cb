package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/health"
	"github.com/adamancini/airdb/internal/interactive"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/state"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/updater"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for, install and roll back airdb versions",
		Long: `Update manages airdb versions.

Releases are described by a signed manifest. A download is verified against the
manifest checksum, health-checked and installed next to the running version. The
switch happens when the bootstrapper next launches airdb; if the new version does
not confirm a healthy boot within the configured number of launches, the previous
version is restored.`,
	}

	cmd.AddCommand(newUpdateCheckCmd())
	cmd.AddCommand(newUpdateDownloadCmd())
	cmd.AddCommand(newUpdateApplyCmd())
	cmd.AddCommand(newUpdateRollbackCmd())
	cmd.AddCommand(newUpdateStatusCmd())
	cmd.AddCommand(newUpdateChannelCmd())
	cmd.AddCommand(newUpdateConfirmCmd())
	cmd.AddCommand(newUpdatePruneCmd())
	cmd.AddCommand(newUpdateCleanupCmd())
	cmd.AddCommand(newUpdateResetCmd())
	cmd.AddCommand(newUpdateBackupsCmd())
	cmd.AddCommand(newUpdateRestoreCmd())

	return cmd
}

// signalContext is cancelled on interrupt so downloads stop cleanly and stay
// resumable.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newUpdateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether a newer release is available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			res, err := e.updater.Check(ctx)
			if err != nil {
				return fmt.Errorf("failed to check for updates: %w", err)
			}
			if !e.out.IsText() {
				return e.out.Write(res)
			}
			printCheckResult(res)
			return nil
		},
	}
}

func printCheckResult(res *updater.CheckResult) {
	fmt.Printf("Channel:         %s\n", res.Channel)
	fmt.Printf("Current version: %s\n", res.CurrentVersion)
	if res.ReleaseDate != "" {
		fmt.Printf("Latest version:  %s (%s)\n", res.LatestVersion, res.ReleaseDate)
	} else {
		fmt.Printf("Latest version:  %s\n", res.LatestVersion)
	}

	if !res.Available {
		fmt.Println("\nAlready running the latest version")
		return
	}
	if !res.CanUpgrade {
		fmt.Println("\nThis release cannot be installed over the running version, reinstall airdb instead")
		return
	}
	if len(res.Changelog) > 0 {
		fmt.Println("\nChangelog:")
		for _, line := range res.Changelog {
			fmt.Printf("  - %s\n", line)
		}
	}
	fmt.Println("\nRun 'airdb update download' to install")
}

func newUpdateDownloadCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download, verify and stage a release",
		Long: `Download fetches the newest release on the subscribed channel, or the one given
with --version, verifies it and installs it as the pending version. An interrupted
download resumes where it stopped.

Examples:
  airdb update download                 # Newest release on the channel
  airdb update download --version 1.4.2 # A specific release`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdateDownload(version)
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Release to download (default: newest on the channel)")

	return cmd
}

func runUpdateDownload(version string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	var onProgress updater.ProgressFunc
	if e.out.IsText() && !quiet && interactive.IsTerminalFile(os.Stderr) {
		bar := interactive.NewProgress(os.Stderr, "Downloading")
		defer bar.Done()
		onProgress = bar.Update
	}

	st, err := e.updater.Download(ctx, version, onProgress)
	if errors.Is(err, updater.ErrUpToDate) {
		e.out.Infof("Already running the latest version")
		return printStatus(e, false)
	}
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	e.out.Infof("Version %s is installed and will be used the next time airdb starts", st.PendingVersion)
	return printStatus(e, false)
}

func newUpdateApplyCmd() *cobra.Command {
	var (
		wait    bool
		restart bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Health-check the staged version and optionally restart into it",
		Long: `Apply checks that the staged version starts. The switch itself is done by the
bootstrapper on the next launch.

With --restart the bootstrapper is started right away. With --wait the command
blocks until the new version confirms a healthy boot or the startup timeout
passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdateApply(wait, restart)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the new version to confirm its boot")
	cmd.Flags().BoolVar(&restart, "restart", false, "Launch airdb through the bootstrapper now")

	return cmd
}

func runUpdateApply(wait, restart bool) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	st, err := e.updater.Apply(ctx)
	if err != nil {
		return fmt.Errorf("cannot apply update: %w", err)
	}
	pending := st.PendingVersion

	if restart {
		if err := launchBootstrapper(); err != nil {
			return err
		}
		e.out.Infof("Restarting into %s", pending)
	} else {
		e.out.Infof("Version %s passed its health check, restart airdb to switch to it", pending)
	}

	if wait {
		timeout := e.config.StartupTimeout.Std()
		if restart {
			// Leave the bootstrapper time to launch the new process.
			timeout += 10 * time.Second
		}
		wctx, wcancel := context.WithTimeout(ctx, timeout)
		defer wcancel()
		if err := health.Wait(wctx, e.versions.VersionPath(pending)); err != nil {
			return fmt.Errorf("version %s did not confirm its boot: %w", pending, err)
		}
		e.out.Infof("Version %s confirmed a healthy boot", pending)
	}
	return printStatus(e, false)
}

// launchBootstrapper starts the bootstrapper installed next to this binary
// as a detached process.
func launchBootstrapper() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate airdb: %w", err)
	}
	name := "airdb-bootstrap"
	if strings.HasSuffix(strings.ToLower(self), ".exe") {
		name += ".exe"
	}
	path := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("bootstrapper not found: %w", err)
	}

	c := exec.Command(path)
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start bootstrapper: %w", err)
	}
	return c.Process.Release()
}

func newUpdateRollbackCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Switch back to the last known-good version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			st, err := e.updater.Machine().State()
			if err != nil {
				return err
			}
			if st.LastGoodVersion == st.CurrentVersion {
				return updater.ErrNothingToRollBack
			}

			ok, err := interactive.Confirm(yes, "Roll back from %s to %s?", st.CurrentVersion, st.LastGoodVersion)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}

			if _, err := e.updater.Rollback(cmd.Context()); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			e.out.Infof("Rolled back to %s, restart airdb to use it", st.LastGoodVersion)
			return printStatus(e, false)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func newUpdateChannelCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "channel [stable|beta|nightly]",
		Short:     "Show or change the release channel",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"stable", "beta", "nightly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				st, err := e.updater.Machine().State()
				if err != nil {
					return err
				}
				if e.out.IsText() {
					fmt.Println(st.Channel)
					return nil
				}
				return e.out.Write(map[string]types.Channel{"channel": st.Channel})
			}

			ch, err := types.ParseChannel(args[0])
			if err != nil {
				return err
			}
			if e.config.Channel != "" && e.config.Channel != ch {
				return fmt.Errorf("channel is pinned to %s by %s", e.config.Channel, e.configPath)
			}
			if _, err := e.updater.SetChannel(ch); err != nil {
				return err
			}
			e.out.Infof("Subscribed to the %s channel", ch)
			return printStatus(e, false)
		},
	}
}

func newUpdateConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm",
		Short: "Confirm that the running version booted successfully",
		Long: `Confirm resets the failed boot counter and marks the current version as
healthy. airdb calls this once it is up; run it by hand after fixing a
problem that kept the application from confirming.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			st, err := e.updater.ConfirmBoot()
			if err != nil {
				return err
			}
			e.out.Infof("Version %s confirmed", st.CurrentVersion)
			return printStatus(e, false)
		},
	}
}

func newUpdatePruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old installed versions",
		Long: `Prune deletes the oldest installed versions. The current, last known-good and
pending versions are always kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			res, err := e.updater.Prune(keep)
			if err != nil {
				return err
			}

			if !e.out.IsText() {
				return e.out.Write(map[string][]string{"deleted": nonNil(res.Deleted), "kept": nonNil(res.Kept)})
			}
			if len(res.Deleted) == 0 {
				fmt.Println("Nothing to prune")
				return nil
			}
			fmt.Printf("Removed %d version(s): %s\n", len(res.Deleted), strings.Join(res.Deleted, ", "))
			fmt.Printf("Kept: %s\n", strings.Join(res.Kept, ", "))
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", -1, "Number of versions to keep besides the protected ones (default: keep_versions setting)")

	return cmd
}

func newUpdateCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftovers of interrupted updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			removed, err := e.updater.CleanupTemp()
			if err != nil {
				return err
			}
			if !e.out.IsText() {
				return e.out.Write(map[string][]string{"removed": nonNil(removed)})
			}
			if len(removed) == 0 {
				fmt.Println("Nothing to clean up")
				return nil
			}
			for _, name := range removed {
				fmt.Printf("Removed %s\n", name)
			}
			return nil
		},
	}
}

func newUpdateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget a staged or failed update",
		Long: `Reset returns the update status to idle and drops the pending version.
Installed versions are kept. A corrupt state file is recreated. The previous
state file is saved first and can be brought back with restore-state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if _, err := e.updater.Reset(); err != nil {
				return err
			}
			return printStatus(e, false)
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// printStatus writes the update report. Active locks are included for the
// status command only.
func printStatus(e *env, withLocks bool) error {
	report, err := e.updater.Status()
	if err != nil {
		return err
	}
	if !withLocks {
		report.ActiveLocks = nil
	} else if report.ActiveLocks == nil {
		report.ActiveLocks = []lock.Info{}
	}
	if !e.out.IsText() {
		return e.out.Write(report)
	}
	if quiet {
		return nil
	}
	printReport(report)
	return nil
}

func stateSummary(st *state.UpdateState) string {
	if st.PendingVersion != "" {
		return fmt.Sprintf("%s (restart to apply)", st.UpdateStatus)
	}
	return st.UpdateStatus.String()
}
