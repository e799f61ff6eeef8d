package cmds

import (
	"os"
	"strconv"

	"github.com/go-go-golems/deployctl/pkg/changes"
	"github.com/go-go-golems/deployctl/pkg/state"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/spf13/cobra"
)

func newDetectCmd() *cobra.Command {
	var ef eventFlags

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Print the affected services and deploy decision as step outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ev, err := trigger.FromEnvironment(ef.overrides())
			if err != nil {
				return err
			}
			hist, err := changes.OpenGitHistory(opts.RepoRoot)
			if err != nil {
				return err
			}
			ev = resolveHead(ev, hist)

			d := &changes.Detector{Config: cfg, History: hist, Tree: os.DirFS(opts.RepoRoot)}
			cs := d.Detect(cmd.Context(), ev)

			outputs := []state.Output{
				{Key: "services", Value: cs.CSV()},
				{Key: "services_json", Value: cs.JSON()},
				{Key: "should_deploy", Value: strconv.FormatBool(cs.ShouldDeploy)},
			}
			if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
				if err := state.AppendOutputs(path, outputs); err != nil {
					return err
				}
			}
			return state.WriteOutputs(cmd.OutOrStdout(), outputs)
		},
	}
	ef.add(cmd)
	return cmd
}
