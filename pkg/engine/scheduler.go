package engine

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/deployctl/pkg/events"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrSkipped lets a stage that passed its gate still record skipped, for
// example when its collaborator is not configured.
var ErrSkipped = errors.New("stage skipped")

// StageFunc does a stage's work. It sees the outcomes of its predecessors.
type StageFunc func(ctx context.Context, upstream outcome.Set) error

// GateFunc decides whether a stage runs.
type GateFunc func(stage outcome.Stage, upstream outcome.Set) bool

type Scheduler struct {
	Graph  []Node
	Work   map[outcome.Stage]StageFunc
	Gate   GateFunc
	Events message.Publisher
	RunID  string
	Now    func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run starts one goroutine per stage. A stage waits for its predecessors,
// evaluates its gate, then runs or skips. Failures never cancel other
// stages; ctx is only the run-level deadline.
func (s *Scheduler) Run(ctx context.Context) (outcome.Set, error) {
	if err := ValidateGraph(s.Graph); err != nil {
		return nil, err
	}
	stages := make([]outcome.Stage, 0, len(s.Graph))
	for _, n := range s.Graph {
		stages = append(stages, n.Stage)
	}
	rec := NewRecorder(stages)

	var g errgroup.Group
	for _, n := range s.Graph {
		g.Go(func() error {
			s.runNode(ctx, rec, n)
			return nil
		})
	}
	_ = g.Wait()
	return rec.Snapshot(), nil
}

func (s *Scheduler) runNode(ctx context.Context, rec *Recorder, n Node) {
	logger := log.With().Str("run_id", s.RunID).Str("stage", string(n.Stage)).Logger()

	if err := rec.Wait(ctx, n.Needs...); err != nil {
		// the run deadline expired before predecessors finished
		s.finish(rec, n.Stage, outcome.Failure, false, 0, err)
		return
	}
	upstream := rec.Snapshot()

	gate := s.Gate
	if gate != nil && !gate(n.Stage, upstream) {
		logger.Debug().Msg("gate closed")
		s.finish(rec, n.Stage, outcome.Skipped, true, 0, nil)
		return
	}

	work, ok := s.Work[n.Stage]
	if !ok {
		s.finish(rec, n.Stage, outcome.Skipped, true, 0, nil)
		return
	}

	start := s.now()
	s.publish(events.TypeStageStarted, events.StageStarted{RunID: s.RunID, Stage: n.Stage, At: start})
	err := safeRun(ctx, work, upstream)
	elapsed := s.now().Sub(start)

	switch {
	case err == nil:
		s.finish(rec, n.Stage, outcome.Success, false, elapsed, nil)
	case errors.Is(err, ErrSkipped):
		s.finish(rec, n.Stage, outcome.Skipped, false, elapsed, nil)
	default:
		s.finish(rec, n.Stage, outcome.Failure, false, elapsed, err)
	}
}

func safeRun(ctx context.Context, work StageFunc, upstream outcome.Set) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return work(ctx, upstream)
}

func (s *Scheduler) finish(rec *Recorder, stage outcome.Stage, o outcome.Outcome, gated bool, elapsed time.Duration, err error) {
	ev := events.StageFinished{
		RunID:      s.RunID,
		Stage:      stage,
		Outcome:    o,
		Gated:      gated,
		At:         s.now(),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if rerr := rec.Record(stage, o); rerr != nil {
		log.Error().Err(rerr).Str("stage", string(stage)).Msg("outcome not recorded")
	}
	s.publish(events.TypeStageFinished, ev)
}

func (s *Scheduler) publish(typ string, payload any) {
	if err := events.Publish(s.Events, typ, payload); err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("event not published")
	}
}
