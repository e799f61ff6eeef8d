package cmds

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/go-go-golems/deployctl/pkg/gate"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/go-go-golems/deployctl/pkg/report"
	"github.com/go-go-golems/deployctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newGatesCmd() *cobra.Command {
	var hasServices bool
	var shouldDeploy bool
	var results map[string]string
	var runID string
	var outputsFile string

	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Evaluate every stage gate for a changeset and set of stage results",
		Long: "Evaluate every stage gate. Inputs come from a recorded run (--run-id), a step output " +
			"file (--outputs-file) or flags; --result values override the loaded results.",
		Example: "  deployctl gates --has-services --should-deploy --result dependency_audit=success " +
			"--result security_scan=failure --result build=failure\n" +
			"  deployctl gates --run-id 42",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID != "" && outputsFile != "" {
				return errors.New("--run-id and --outputs-file are mutually exclusive")
			}
			in := gate.Input{HasServices: hasServices, ShouldDeploy: shouldDeploy, Outcomes: outcome.Set{}}

			switch {
			case runID != "":
				opts, err := getRootOptions(cmd)
				if err != nil {
					return err
				}
				run, err := state.Load(opts.RepoRoot, runID)
				if err != nil {
					return err
				}
				in = inputFromRun(run)
			case outputsFile != "":
				f, err := os.Open(outputsFile)
				if err != nil {
					return errors.Wrap(err, "open outputs file")
				}
				defer func() { _ = f.Close() }()
				outputs, err := state.ParseOutputs(f)
				if err != nil {
					return err
				}
				in, err = inputFromOutputs(outputs)
				if err != nil {
					return err
				}
			}

			set, err := parseResults(results)
			if err != nil {
				return err
			}
			for st, o := range set {
				in.Outcomes[st] = o
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderGates(evaluateGates(in), report.DefaultTheme()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&hasServices, "has-services", false, "The changeset is non-empty")
	cmd.Flags().BoolVar(&shouldDeploy, "should-deploy", false, "The event deploys")
	cmd.Flags().StringToStringVar(&results, "result", nil, "Stage result as stage=success|failure|skipped (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Load changeset and results from a recorded run")
	cmd.Flags().StringVar(&outputsFile, "outputs-file", "", "Load changeset and results from a step output file")
	return cmd
}

func inputFromRun(run *state.Run) gate.Input {
	return gate.Input{HasServices: len(run.Services) > 0, ShouldDeploy: run.ShouldDeploy, Outcomes: run.Outcomes.Clone()}
}

// inputFromOutputs reads services, should_deploy and <stage>_result keys.
func inputFromOutputs(outputs map[string]string) (gate.Input, error) {
	in := gate.Input{HasServices: outputs["services"] != "", Outcomes: outcome.Set{}}
	if v, ok := outputs["should_deploy"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return gate.Input{}, errors.Wrapf(err, "should_deploy %q", v)
		}
		in.ShouldDeploy = b
	}
	results := map[string]string{}
	for k, v := range outputs {
		if st, ok := strings.CutSuffix(k, "_result"); ok {
			results[st] = v
		}
	}
	set, err := parseResults(results)
	if err != nil {
		return gate.Input{}, err
	}
	in.Outcomes = set
	return in, nil
}

func parseResults(results map[string]string) (outcome.Set, error) {
	known := map[outcome.Stage]bool{}
	for _, st := range outcome.AllStages() {
		known[st] = true
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := outcome.Set{}
	for _, k := range keys {
		st := outcome.Stage(k)
		if !known[st] {
			return nil, errors.Errorf("unknown stage %q", k)
		}
		o, err := outcome.Parse(results[k])
		if err != nil {
			return nil, err
		}
		set[st] = o
	}
	return set, nil
}

type gateRow struct {
	Stage outcome.Stage
	Open  bool
}

func evaluateGates(in gate.Input) []gateRow {
	stages := outcome.AllStages()
	rows := make([]gateRow, 0, len(stages))
	for _, st := range stages {
		rows = append(rows, gateRow{Stage: st, Open: gate.For(st)(in)})
	}
	return rows
}

func renderGates(rows []gateRow, theme report.Theme) string {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		data = append(data, []string{r.Stage.DisplayName(), string(r.Stage), strconv.FormatBool(r.Open)})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.Border).
		Headers("Stage", "ID", "Runs").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header
			}
			if col == 2 && row >= 0 && row < len(rows) {
				if rows[row].Open {
					return theme.StatusSuccess
				}
				return theme.StatusSkipped
			}
			return theme.Cell
		}).
		String()
}
