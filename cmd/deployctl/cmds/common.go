package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	RepoRoot string
	Config   string
	DryRun   bool
	Timeout  time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("repo-root", "", "Repository root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .deployctl.yaml under repo-root)")
	root.PersistentFlags().Bool("dry-run", false, "Log builds, pushes, dispatches and notifications instead of performing them")
	root.PersistentFlags().Duration("timeout", 60*time.Minute, "Deadline for a whole pipeline run")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	repoRoot, err := cmd.Root().PersistentFlags().GetString("repo-root")
	if err != nil {
		return rootOptions{}, err
	}
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(repoRoot)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(repoRoot, cfgPath)
	}

	dryRun, err := cmd.Root().PersistentFlags().GetBool("dry-run")
	if err != nil {
		return rootOptions{}, err
	}
	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		RepoRoot: repoRoot,
		Config:   cfgPath,
		DryRun:   dryRun,
		Timeout:  timeout,
	}, nil
}

func loadConfig(opts rootOptions) (*config.File, error) {
	cfg, err := config.LoadOptional(opts.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type eventFlags struct {
	Event string
	Ref   string
	Base  string
	Head  string
	RunID string
}

func (f *eventFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Event, "event", "", "Trigger kind (push, pull_request, schedule, workflow_dispatch); defaults to $GITHUB_EVENT_NAME")
	cmd.Flags().StringVar(&f.Ref, "ref", "", "Git ref that triggered the run; defaults to $GITHUB_REF")
	cmd.Flags().StringVar(&f.Base, "base", "", "Base commit for pull requests")
	cmd.Flags().StringVar(&f.Head, "head", "", "Head commit; defaults to $GITHUB_SHA or the checked-out HEAD")
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "Run identifier; defaults to $GITHUB_RUN_ID")
}

func (f *eventFlags) overrides() trigger.Overrides {
	return trigger.Overrides{Event: f.Event, Ref: f.Ref, BaseSHA: f.Base, HeadSHA: f.Head, RunID: f.RunID}
}
