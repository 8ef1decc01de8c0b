package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/cmdq/pkg/journal"
	"github.com/spf13/cobra"
)

var (
	journalLimit int
	journalPrune bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recently journaled commands",
	Long: `Show the most recent commands recorded in the SQLite journal
(journal.path). With --prune, first delete finished commands older than
journal.retention_hours.`,
	Args: cobra.NoArgs,
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "number of commands to show")
	journalCmd.Flags().BoolVar(&journalPrune, "prune", false, "prune expired commands first")
	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	log := rt.log.Component("journal")
	j, err := journal.Open(journal.Config{
		Path:   rt.cfg.Journal.Path,
		Logger: &log,
	})
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()

	if journalPrune {
		n, err := j.Prune(cmd.Context(), time.Now().Add(-rt.cfg.Retention()))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pruned %d commands\n", n)
	}

	entries, err := j.Recent(cmd.Context(), journalLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No commands journaled")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tMETHOD\tSTATUS\tENQUEUED\tDURATION\tERROR")
	for _, e := range entries {
		duration := "-"
		if e.FinishedAt != nil {
			duration = (time.Duration(e.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CommandID,
			e.Method,
			e.Status,
			e.EnqueuedAt.Format(time.RFC3339),
			duration,
			e.Error,
		)
	}
	return w.Flush()
}
