package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/interactive"
	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/output"
	"github.com/adamancini/airdb/internal/platform"
	"github.com/adamancini/airdb/internal/types"
	"github.com/adamancini/airdb/internal/versions"
)

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear operation locks",
		Long: `Locks shows which long-running operations (migrations, backups, the API
server, branch previews and updates) currently hold a lock. Locks of processes
that no longer exist are ignored and reclaimed automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocksList()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocksList()
		},
	})
	cmd.AddCommand(newLocksCheckCmd())
	cmd.AddCommand(newLocksReleaseAllCmd())

	return cmd
}

func newLockManager() (*lock.Manager, *output.Writer, error) {
	out, err := newWriter()
	if err != nil {
		return nil, nil, err
	}
	base, err := baseDir()
	if err != nil {
		return nil, nil, err
	}
	vm := versions.NewManager(base, platform.Detect())
	return lock.NewManager(vm.LocksDir()), out, nil
}

func runLocksList() error {
	m, out, err := newLockManager()
	if err != nil {
		return err
	}
	active := m.ActiveLocks()
	if active == nil {
		active = []lock.Info{}
	}
	if !out.IsText() {
		return out.Write(active)
	}
	printLocks(active)
	return nil
}

func newLocksCheckCmd() *cobra.Command {
	lockTypes := make([]string, 0, len(types.AllLockTypes()))
	for _, lt := range types.AllLockTypes() {
		lockTypes = append(lockTypes, lt.String())
	}

	return &cobra.Command{
		Use:       "check <type>",
		Short:     "Check whether a lock could be acquired now",
		Long:      `Check reports whether an operation of the given type could start, without taking the lock. It exits non-zero when the lock is held or blocked.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: lockTypes,
		RunE: func(cmd *cobra.Command, args []string) error {
			lt, err := types.ParseLockType(args[0])
			if err != nil {
				return err
			}
			m, out, err := newLockManager()
			if err != nil {
				return err
			}
			if err := m.Check(lt); err != nil {
				return err
			}
			out.Infof("%s can start", lt)
			return nil
		},
	}
}

func newLocksReleaseAllCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "release-all",
		Short: "Remove every lock file",
		Long: `Release-all deletes all lock files, including those of running processes.
Use it only to recover from a crash that left locks behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, out, err := newLockManager()
			if err != nil {
				return err
			}
			if active := m.ActiveLocks(); len(active) > 0 {
				ok, err := interactive.Confirm(yes, "%d lock(s) belong to running processes. Release anyway?", len(active))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}

			released, err := m.ForceReleaseAll()
			if err != nil {
				return err
			}
			if !out.IsText() {
				return out.Write(map[string][]string{"released": nonNil(released)})
			}
			if len(released) == 0 {
				fmt.Println("No lock files found")
				return nil
			}
			for _, name := range released {
				fmt.Printf("Released %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}
