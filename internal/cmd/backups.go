package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/backup"
	"github.com/adamancini/airdb/internal/interactive"
)

func newUpdateBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List saved copies of the update state",
		Long: `Backups lists the copies of state.json saved before reset and restore-state
changed it, newest first. Only the most recent ten are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			backups, err := e.updater.Backups()
			if err != nil {
				return err
			}
			if !e.out.IsText() {
				return e.out.Write(backups)
			}
			if len(backups) == 0 {
				fmt.Println("No state backups")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tCREATED\tSIZE")
			for _, b := range backups {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, humanize.Time(b.CreatedAt), humanize.IBytes(uint64(b.Size)))
			}
			return w.Flush()
		},
	}
}

func newUpdateRestoreCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore-state [id]",
		Short: "Replace the update state with a saved copy",
		Long: `Restore-state replaces state.json with a backup listed by "airdb update backups".
Without an ID the newest backup is used. The state being replaced is saved first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := backup.Latest
			if len(args) == 1 {
				id = args[0]
			}

			e, err := newEnv()
			if err != nil {
				return err
			}
			ok, err := interactive.Confirm(yes, "Replace the update state with backup %s?", id)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}

			if _, err := e.updater.RestoreState(id); err != nil {
				return err
			}
			e.out.Infof("Restored update state from %s", id)
			return printStatus(e, false)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}
