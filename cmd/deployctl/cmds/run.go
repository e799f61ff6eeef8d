package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-go-golems/deployctl/pkg/build"
	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/engine"
	"github.com/go-go-golems/deployctl/pkg/events"
	"github.com/go-go-golems/deployctl/pkg/history"
	"github.com/go-go-golems/deployctl/pkg/metrics"
	"github.com/go-go-golems/deployctl/pkg/report"
	"github.com/go-go-golems/deployctl/pkg/state"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var ef eventFlags
	var buildTime string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline for the triggering event (detect, scan, audit, build, dispatch, report, notify)",
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
			var bt time.Time
			if buildTime != "" {
				bt, err = dateparse.ParseAny(buildTime)
				if err != nil {
					return errors.Wrapf(err, "parse --build-time %q", buildTime)
				}
			}
			_, err = runPipeline(cmd.Context(), opts, cfg, ev, bt, cmd.OutOrStdout())
			return err
		},
	}
	ef.add(cmd)
	cmd.Flags().StringVar(&buildTime, "build-time", "", "Override the build timestamp stamped into images (any common date format)")
	return cmd
}

// runPipeline executes one run and persists everything it produced. It
// returns an error when any stage failed.
func runPipeline(ctx context.Context, opts rootOptions, cfg *config.File, ev trigger.EventContext, buildTime time.Time, out io.Writer) (engine.Result, error) {
	bus, err := events.NewInMemoryBus()
	if err != nil {
		return engine.Result{}, err
	}
	events.RegisterLogger(bus)
	rec := metrics.NewRecorder()
	rec.Register(bus)

	busCtx, stopBus := context.WithCancel(ctx)
	busErr := bus.Start(busCtx)
	defer func() {
		stopBus()
		if err := <-busErr; err != nil {
			log.Debug().Err(err).Msg("event bus stopped with error")
		}
	}()

	p, cleanup, err := newPipeline(pipelineDeps{
		opts:      opts,
		cfg:       cfg,
		event:     ev,
		buildTime: buildTime,
		events:    bus.Publisher,
	})
	if err != nil {
		return engine.Result{}, err
	}
	defer cleanup()

	res, runErr := p.Run(ctx)
	if res.Outcomes == nil {
		return res, runErr
	}
	ev = p.Event

	persistRun(ctx, opts, cfg, ev, res)

	if err := rec.Push(ctx, cfg.Metrics.Pushgateway, cfg.Metrics.Job, ev.RunID); err != nil {
		log.Warn().Err(err).Msg("metrics push failed")
	}

	_, _ = fmt.Fprintln(out, res.Summary.Render(report.DefaultTheme()))

	if runErr != nil {
		log.Error().Err(runErr).Strs("images", res.Summary.ManualReconciliation()).Msg("run needs manual reconciliation")
		return res, runErr
	}
	if failed := res.Outcomes.Failed(); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, st := range failed {
			names = append(names, st.DisplayName())
		}
		return res, errors.Errorf("pipeline failed: %s", strings.Join(names, ", "))
	}
	return res, nil
}

// persistRun writes the run record, step outputs and history entry. Each
// sink is best-effort.
func persistRun(ctx context.Context, opts rootOptions, cfg *config.File, ev trigger.EventContext, res engine.Result) {
	run := &state.Run{
		RunID:        ev.RunID,
		Services:     res.Changes.Services,
		ShouldDeploy: res.Changes.ShouldDeploy,
		VersionInfo:  build.VersionInfo(res.Versions),
		Outcomes:     res.Outcomes,
		UpdatedAt:    time.Now(),
	}
	if err := state.Save(opts.RepoRoot, run); err != nil {
		log.Warn().Err(err).Msg("saving run record failed")
	}
	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		if err := state.AppendOutputs(path, run.Outputs()); err != nil {
			log.Warn().Err(err).Msg("writing step outputs failed")
		}
	}

	if cfg.History.Disabled {
		return
	}
	store, err := history.Open(ctx, historyPath(opts, cfg))
	if err != nil {
		log.Warn().Err(err).Msg("opening run history failed")
		return
	}
	defer func() { _ = store.Close() }()
	_, err = store.Record(ctx, history.Entry{
		RunID:                ev.RunID,
		Event:                string(ev.Kind),
		Branch:               ev.Branch,
		HeadSHA:              ev.HeadSHA,
		Services:             res.Changes.Services,
		ShouldDeploy:         res.Changes.ShouldDeploy,
		VersionInfo:          run.VersionInfo,
		Outcomes:             res.Outcomes,
		Ok:                   res.Ok(),
		ManualReconciliation: res.Summary.ManualReconciliation(),
		StartedAt:            res.Summary.StartedAt,
		FinishedAt:           res.Summary.FinishedAt,
	})
	if err != nil {
		log.Warn().Err(err).Msg("recording run history failed")
	}
}

func historyPath(opts rootOptions, cfg *config.File) string {
	if filepath.IsAbs(cfg.History.Path) {
		return cfg.History.Path
	}
	return filepath.Join(opts.RepoRoot, cfg.History.Path)
}
