package cmds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/go-go-golems/deployctl/pkg/history"
	"github.com/go-go-golems/deployctl/pkg/report"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	var runID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.History.Disabled {
				return errors.New("run history is disabled in config")
			}

			store, err := history.Open(cmd.Context(), historyPath(opts, cfg))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var entries []history.Entry
			if runID != "" {
				entries, err = store.ByRunID(cmd.Context(), runID)
			} else {
				entries, err = store.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderHistory(entries, report.DefaultTheme()))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().StringVar(&runID, "run-id", "", "Show only attempts of this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func renderHistory(entries []history.Entry, theme report.Theme) string {
	if len(entries) == 0 {
		return "no runs recorded"
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := report.IconSuccess + " ok"
		if !e.Ok {
			names := make([]string, 0)
			for _, st := range e.Outcomes.Failed() {
				names = append(names, string(st))
			}
			status = report.IconFailure + " " + strings.Join(names, ",")
		}
		rows = append(rows, []string{
			e.RunID,
			e.Event,
			e.Branch,
			strings.Join(e.Services, ","),
			status,
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Duration().Round(time.Second).String(),
			strconv.Itoa(len(e.ManualReconciliation)),
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.Border).
		Headers("Run", "Event", "Branch", "Services", "Result", "Started", "Took", "Unreconciled").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header
			}
			return theme.Cell
		}).
		String()
}
