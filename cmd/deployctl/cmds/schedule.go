package cmds

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	var cronExpr string
	var now bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled sweeps (scan and audit a sample of services) on a cron expression until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr == "" {
				return errors.New("--cron is required")
			}
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := gocron.NewScheduler()
			if err != nil {
				return errors.Wrap(err, "new scheduler")
			}
			jobOpts := []gocron.JobOption{
				gocron.WithName("deployctl-sweep"),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			}
			if now {
				jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartImmediately()))
			}
			job, err := s.NewJob(
				gocron.CronJob(cronExpr, false),
				gocron.NewTask(func() { sweep(ctx, cmd, opts, cfg) }),
				jobOpts...,
			)
			if err != nil {
				return errors.Wrapf(err, "schedule %q", cronExpr)
			}

			s.Start()
			if next, err := job.NextRun(); err == nil {
				log.Info().Str("cron", cronExpr).Time("next_run", next).Msg("scheduler started")
			}
			<-ctx.Done()
			log.Info().Msg("stopping scheduler")
			return errors.Wrap(s.Shutdown(), "shutdown scheduler")
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (five fields) for scheduled sweeps")
	cmd.Flags().BoolVar(&now, "now", false, "Run one sweep immediately")
	return cmd
}

// sweepEvent is a schedule trigger on the primary branch.
func sweepEvent(cfg *config.File, at time.Time) (trigger.EventContext, error) {
	return trigger.FromEnvironment(trigger.Overrides{
		Event: string(trigger.KindSchedule),
		Ref:   "refs/heads/" + cfg.PrimaryBranch,
		RunID: fmt.Sprintf("schedule-%d", at.Unix()),
	})
}

func sweep(ctx context.Context, cmd *cobra.Command, opts rootOptions, cfg *config.File) {
	if ctx.Err() != nil {
		return
	}
	ev, err := sweepEvent(cfg, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("building schedule event failed")
		return
	}
	if _, err := runPipeline(ctx, opts, cfg, ev, time.Time{}, cmd.OutOrStdout()); err != nil {
		log.Error().Err(err).Str("run_id", ev.RunID).Msg("scheduled sweep failed")
	}
}
