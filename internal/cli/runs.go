package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Tomas025/merge-helper/internal/journal"
)

var runsLimitFlag int

func init() {
	runsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent workflow runs",
	Long: `Display recent merge resolution and publish runs from the journal,
newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := journal.Open(appConfig.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()

		runs, err := j.List(cmd.Context(), runsLimitFlag)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			conclusion := r.Conclusion
			if r.Phase == journal.PhaseInProgress {
				conclusion = "running"
			}
			pr := fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.PRNumber)
			rows = append(rows, []string{
				r.StartedAt.Local().Format(time.DateTime),
				pr,
				r.Trigger,
				conclusion,
				r.Detail,
			})
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("STARTED", "PR", "TRIGGER", "RESULT", "DETAIL").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})

		fmt.Fprintln(cmd.OutOrStdout(), t)
		return nil
	},
}
