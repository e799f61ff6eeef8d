package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/deployctl/pkg/build"
	"github.com/go-go-golems/deployctl/pkg/changes"
	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/dispatch"
	"github.com/go-go-golems/deployctl/pkg/events"
	"github.com/go-go-golems/deployctl/pkg/gate"
	"github.com/go-go-golems/deployctl/pkg/notify"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/go-go-golems/deployctl/pkg/report"
	"github.com/go-go-golems/deployctl/pkg/security"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrDispatchFailed marks a run whose images were pushed but never recorded
// in the manifest repository.
var ErrDispatchFailed = errors.New("gitops dispatch failed; manual reconciliation required")

type ChangeDetector interface {
	Detect(ctx context.Context, ev trigger.EventContext) changes.ChangeSet
}

type ImageScanner interface {
	Run(ctx context.Context, services []string) (security.ScanReport, error)
}

type DependencyAuditor interface {
	Run(ctx context.Context) (security.AuditReport, error)
}

type Builder interface {
	Run(ctx context.Context, services []string) ([]build.VersionRecord, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, p dispatch.Payload) (dispatch.Result, error)
}

type Notifier interface {
	Configured() bool
	Send(ctx context.Context, m notify.Message) error
}

var (
	_ ChangeDetector    = (*changes.Detector)(nil)
	_ ImageScanner      = (*security.Scanner)(nil)
	_ DependencyAuditor = (*security.Auditor)(nil)
	_ Builder           = (*build.VersionBuilder)(nil)
	_ Dispatcher        = (*dispatch.Dispatcher)(nil)
	_ Notifier          = (*notify.Notifier)(nil)
)

// ReportFunc publishes the run summary, for example to the job summary file.
type ReportFunc func(ctx context.Context, s report.RunSummary) error

type Options struct {
	// Timeout bounds the whole run; zero means no deadline.
	Timeout time.Duration
}

// Pipeline wires the stage collaborators. A nil Scanner or Auditor makes the
// stage succeed with an empty report; a nil Notifier skips both
// notification stages.
type Pipeline struct {
	Config     *config.File
	Event      trigger.EventContext
	RepoRoot   string
	Detector   ChangeDetector
	Scanner    ImageScanner
	Auditor    DependencyAuditor
	Builder    Builder
	Dispatcher Dispatcher
	Notifier   Notifier
	Report     ReportFunc
	Events     message.Publisher
	Opts       Options
	Now        func() time.Time
}

// Result is everything a run produced.
type Result struct {
	Changes   changes.ChangeSet
	Outcomes  outcome.Set
	Versions  []build.VersionRecord
	Scan      *security.ScanReport
	Audit     *security.AuditReport
	Dispatch  *dispatch.Result
	Summary   report.RunSummary
	StartedAt time.Time
}

func (r Result) Ok() bool { return len(r.Outcomes.Failed()) == 0 }

// runData is written by one stage and read by its successors after the
// writer's outcome is recorded.
type runData struct {
	mu       sync.Mutex
	started  time.Time
	changes  changes.ChangeSet
	versions []build.VersionRecord
	scan     *security.ScanReport
	audit    *security.AuditReport
	dispatch *dispatch.Result
	fatal    error
}

func (d *runData) snapshot() runData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return runData{
		started:  d.started,
		changes:  d.changes,
		versions: d.versions,
		scan:     d.scan,
		audit:    d.audit,
		dispatch: d.dispatch,
		fatal:    d.fatal,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes every stage once. The returned error is non-nil only for
// pipeline-fatal conditions; stage failures are reported in Result.Outcomes.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if p.Config == nil {
		return Result{}, errors.New("pipeline config is required")
	}
	if p.Detector == nil {
		return Result{}, errors.New("change detector is required")
	}
	if p.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Opts.Timeout)
		defer cancel()
	}

	started := p.now()
	runID := p.Event.RunID
	p.publish(events.TypeRunStarted, events.RunStarted{
		RunID:    runID,
		Event:    string(p.Event.Kind),
		Branch:   p.Event.Branch,
		RepoRoot: p.RepoRoot,
		At:       started,
	})
	log.Info().Str("run_id", runID).Str("event", string(p.Event.Kind)).Str("branch", p.Event.Branch).
		Str("head", p.Event.ShortSHA()).Msg("pipeline started")

	data := &runData{started: started}
	sched := &Scheduler{
		Graph:  DeployGraph(),
		Work:   p.stages(data),
		Gate:   p.gate(data),
		Events: p.Events,
		RunID:  runID,
		Now:    p.Now,
	}
	outcomes, err := sched.Run(ctx)
	if err != nil {
		return Result{}, err
	}

	d := data.snapshot()
	finished := p.now()
	res := Result{
		Changes:   d.changes,
		Outcomes:  outcomes,
		Versions:  d.versions,
		Scan:      d.scan,
		Audit:     d.audit,
		Dispatch:  d.dispatch,
		StartedAt: started,
	}
	res.Summary = report.Summarize(p.Event, d.changes, outcomes, p.results(d), started, finished)

	failed := outcomes.Failed()
	p.publish(events.TypeRunFinished, events.RunFinished{
		RunID:      runID,
		At:         finished,
		Ok:         len(failed) == 0,
		DurationMs: finished.Sub(started).Milliseconds(),
		Failed:     failed,
	})
	ev := log.Info()
	if len(failed) > 0 {
		ev = log.Warn().Interface("failed", failed)
	}
	ev.Str("run_id", runID).Dur("duration", finished.Sub(started)).Msg("pipeline finished")

	return res, d.fatal
}

func (p *Pipeline) results(d runData) report.Results {
	return report.Results{Versions: d.versions, Scan: d.scan, Audit: d.audit, Dispatch: d.dispatch}
}

func (p *Pipeline) gate(data *runData) GateFunc {
	return func(stage outcome.Stage, upstream outcome.Set) bool {
		d := data.snapshot()
		return gate.For(stage)(gate.Input{
			HasServices:  !d.changes.Empty(),
			ShouldDeploy: d.changes.ShouldDeploy,
			Outcomes:     upstream,
		})
	}
}

func (p *Pipeline) stages(data *runData) map[outcome.Stage]StageFunc {
	return map[outcome.Stage]StageFunc{
		outcome.StageDetect:          p.detect(data),
		outcome.StageSecurityScan:    p.securityScan(data),
		outcome.StageDependencyAudit: p.dependencyAudit(data),
		outcome.StageBuild:           p.build(data),
		outcome.StageGitOps:          p.gitops(data),
		outcome.StageReport:          p.report(data),
		outcome.StageNotifySuccess:   p.notifySuccess(data),
		outcome.StageNotifyFailure:   p.notifyFailure(data),
	}
}

func (p *Pipeline) detect(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		cs := p.Detector.Detect(ctx, p.Event)
		data.mu.Lock()
		data.changes = cs
		data.mu.Unlock()
		log.Info().Strs("services", cs.Services).Bool("should_deploy", cs.ShouldDeploy).Msg("changes detected")
		return nil
	}
}

func (p *Pipeline) securityScan(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		rep := security.ScanReport{}
		if p.Scanner != nil {
			var err error
			rep, err = p.Scanner.Run(ctx, data.snapshot().changes.Services)
			if err != nil {
				return errors.Wrap(err, "security scan")
			}
		}
		data.mu.Lock()
		data.scan = &rep
		data.mu.Unlock()
		if failed := rep.Failed(); len(failed) > 0 {
			log.Warn().Strs("services", failed).Msg("some scan units failed")
		}
		return nil
	}
}

func (p *Pipeline) dependencyAudit(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		rep := security.AuditReport{}
		if p.Auditor != nil {
			var err error
			rep, err = p.Auditor.Run(ctx)
			if err != nil {
				return errors.Wrap(err, "dependency audit")
			}
		}
		data.mu.Lock()
		data.audit = &rep
		data.mu.Unlock()
		if failed := rep.Failed(); len(failed) > 0 {
			log.Warn().Strs("manifests", failed).Msg("dependency audit reported findings")
		}
		return nil
	}
}

func (p *Pipeline) build(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		if p.Builder == nil {
			return errors.New("no image builder configured")
		}
		records, err := p.Builder.Run(ctx, data.snapshot().changes.Services)
		data.mu.Lock()
		data.versions = records
		data.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "build")
		}
		if len(records) == 0 {
			log.Info().Strs("services", data.snapshot().changes.Services).Msg("no buildable services; nothing to dispatch")
			return ErrSkipped
		}
		log.Info().Str("version_info", build.VersionInfo(records)).Msg("images pushed")
		return nil
	}
}

func (p *Pipeline) gitops(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		d := data.snapshot()
		payload := dispatch.NewPayload(p.Event, p.Config.Registry, d.versions)

		var res dispatch.Result
		var err error
		if p.Dispatcher == nil {
			res, err = dispatch.Result{ManualReconciliation: payload.References}, errors.New("no dispatcher configured")
		} else {
			res, err = p.Dispatcher.Dispatch(ctx, payload)
		}
		for _, a := range res.Attempts {
			p.publish(events.TypeDispatchAttempt, events.DispatchAttempt{
				RunID:    p.Event.RunID,
				Strategy: a.Strategy,
				Ok:       a.Error == "",
				Error:    a.Error,
			})
		}

		data.mu.Lock()
		data.dispatch = &res
		if err != nil {
			data.fatal = errors.Wrap(ErrDispatchFailed, err.Error())
		}
		data.mu.Unlock()

		if err != nil {
			log.Error().Err(err).Strs("images", res.ManualReconciliation).
				Msg("gitops dispatch failed; these images need manual reconciliation")
			return err
		}
		log.Info().Str("strategy", res.Delivered).Str("dispatch_id", payload.ID).Msg("gitops dispatch delivered")
		return nil
	}
}

func (p *Pipeline) report(data *runData) StageFunc {
	return func(ctx context.Context, upstream outcome.Set) error {
		if p.Report == nil {
			return nil
		}
		d := data.snapshot()
		s := report.Summarize(p.Event, d.changes, upstream, p.results(d), d.started, p.now())
		if err := p.Report(ctx, s); err != nil {
			log.Warn().Err(err).Msg("publishing summary failed")
		}
		return nil
	}
}

func (p *Pipeline) notifyInfo(data *runData) notify.Info {
	d := data.snapshot()
	return notify.Info{
		Event:       p.Event,
		Services:    d.changes.Services,
		VersionInfo: build.VersionInfo(d.versions),
		RunURL:      p.Config.Notify.RunURL,
	}
}

func (p *Pipeline) notifySuccess(data *runData) StageFunc {
	return func(ctx context.Context, _ outcome.Set) error {
		if p.Notifier == nil || !p.Notifier.Configured() {
			return ErrSkipped
		}
		return p.Notifier.Send(ctx, notify.SuccessMessage(p.notifyInfo(data)))
	}
}

func (p *Pipeline) notifyFailure(data *runData) StageFunc {
	return func(ctx context.Context, upstream outcome.Set) error {
		if p.Notifier == nil || !p.Notifier.Configured() {
			return ErrSkipped
		}
		return p.Notifier.Send(ctx, notify.FailureMessage(p.notifyInfo(data), gate.FailedGatingStages(upstream)))
	}
}

func (p *Pipeline) publish(typ string, payload any) {
	if err := events.Publish(p.Events, typ, payload); err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("event not published")
	}
}
