// Package metrics turns pipeline events into Prometheus series and pushes
// them to a Pushgateway once per run.
package metrics

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/deployctl/pkg/events"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

type Recorder struct {
	Registry *prometheus.Registry

	stageDuration    *prometheus.HistogramVec
	stageOutcomes    *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	runs             *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{Registry: prometheus.NewRegistry()}
	r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployctl",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of each pipeline stage.",
		Buckets:   []float64{0.1, 1, 5, 15, 60, 180, 600, 1800},
	}, []string{"stage", "outcome"})
	r.stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployctl",
		Name:      "stage_outcomes_total",
		Help:      "Terminal stage outcomes.",
	}, []string{"stage", "outcome"})
	r.dispatchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployctl",
		Name:      "dispatch_attempts_total",
		Help:      "GitOps dispatch attempts by strategy and result.",
	}, []string{"strategy", "result"})
	r.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployctl",
		Name:      "runs_total",
		Help:      "Completed pipeline runs.",
	}, []string{"result"})
	r.Registry.MustRegister(r.stageDuration, r.stageOutcomes, r.dispatchAttempts, r.runs)
	return r
}

// Register subscribes the recorder to the pipeline topic.
func (r *Recorder) Register(bus *events.Bus) {
	bus.AddHandler("deployctl-metrics", events.TopicPipeline, func(msg *message.Message) error {
		env, err := events.Decode(msg)
		if err != nil {
			return nil
		}
		r.Observe(env)
		return nil
	})
}

func (r *Recorder) Observe(env events.Envelope) {
	switch env.Type {
	case events.TypeStageFinished:
		var ev events.StageFinished
		if env.DecodePayload(&ev) != nil {
			return
		}
		labels := prometheus.Labels{"stage": string(ev.Stage), "outcome": string(ev.Outcome)}
		r.stageOutcomes.With(labels).Inc()
		if !ev.Gated {
			r.stageDuration.With(labels).Observe(float64(ev.DurationMs) / 1000)
		}
	case events.TypeDispatchAttempt:
		var ev events.DispatchAttempt
		if env.DecodePayload(&ev) != nil {
			return
		}
		result := "ok"
		if !ev.Ok {
			result = "error"
		}
		r.dispatchAttempts.WithLabelValues(ev.Strategy, result).Inc()
	case events.TypeRunFinished:
		var ev events.RunFinished
		if env.DecodePayload(&ev) != nil {
			return
		}
		result := "ok"
		if !ev.Ok {
			result = "failed"
		}
		r.runs.WithLabelValues(result).Inc()
	}
}

// Push sends the registry to a Pushgateway grouped by run id. An empty url
// disables pushing.
func (r *Recorder) Push(ctx context.Context, url, job, runID string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(r.Registry)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return errors.Wrap(err, "push metrics")
	}
	log.Debug().Str("pushgateway", url).Str("job", job).Msg("metrics pushed")
	return nil
}
