package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamancini/airdb/internal/lock"
	"github.com/adamancini/airdb/internal/updater"
)

func newUpdateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the update state, installed versions and active locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			return printStatus(e, true)
		},
	}
}

// printReport renders a report for humans.
func printReport(r *updater.Report) {
	st := r.State

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Current version:\t%s\n", st.CurrentVersion)
	if st.PendingVersion != "" {
		_, _ = fmt.Fprintf(w, "Pending version:\t%s\n", st.PendingVersion)
	}
	_, _ = fmt.Fprintf(w, "Last known-good:\t%s\n", st.LastGoodVersion)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", stateSummary(st))
	_, _ = fmt.Fprintf(w, "Channel:\t%s\n", st.Channel)
	if st.LastCheck != nil {
		_, _ = fmt.Fprintf(w, "Last check:\t%s (%s)\n", st.LastCheck.Local().Format(time.RFC3339), humanize.Time(*st.LastCheck))
	} else {
		_, _ = fmt.Fprintf(w, "Last check:\tnever\n")
	}
	_, _ = fmt.Fprintf(w, "Failed boots:\t%d of %d\n", st.FailedBootCount, st.MaxFailedBoots)
	installed := "none"
	if len(r.InstalledVersions) > 0 {
		installed = strings.Join(r.InstalledVersions, ", ")
	}
	_, _ = fmt.Fprintf(w, "Installed:\t%s\n", installed)
	_ = w.Flush()

	if r.ActiveLocks != nil {
		printLocks(r.ActiveLocks)
	}
}

// printLocks renders lock files as a table.
func printLocks(locks []lock.Info) {
	if len(locks) == 0 {
		fmt.Println("\nNo active locks")
		return
	}

	fmt.Println("\nActive locks:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "  TYPE\tPID\tSINCE\tDESCRIPTION")
	for _, l := range locks {
		_, _ = fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", l.LockType, l.PID, humanize.Time(l.StartedAt), l.Description)
	}
	_ = w.Flush()
}
