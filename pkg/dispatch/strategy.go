package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrAllStrategiesFailed is returned when no strategy delivered.
var ErrAllStrategiesFailed = errors.New("all delivery strategies failed")

// Strategy is one way of delivering an outbound event. Strategies are tried
// in order, each with a smaller payload than the last.
type Strategy struct {
	Name string
	Send func(ctx context.Context) error
}

type Attempt struct {
	Strategy string        `json:"strategy"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunSequence tries strategies one after another and stops at the first
// success. It returns the attempts made and the name of the strategy that
// delivered, if any.
func RunSequence(ctx context.Context, target string, strategies []Strategy) ([]Attempt, string, error) {
	var attempts []Attempt
	var lastErr error
	for _, s := range strategies {
		start := time.Now()
		err := s.Send(ctx)
		a := Attempt{Strategy: s.Name, Duration: time.Since(start)}
		if err == nil {
			attempts = append(attempts, a)
			log.Info().Str("target", target).Str("strategy", s.Name).Int("attempt", len(attempts)).Msg("delivered")
			return attempts, s.Name, nil
		}
		a.Error = err.Error()
		attempts = append(attempts, a)
		lastErr = err
		log.Warn().Err(err).Str("target", target).Str("strategy", s.Name).Int("attempt", len(attempts)).Msg("delivery attempt failed")
	}
	if lastErr == nil {
		return attempts, "", errors.Wrap(ErrAllStrategiesFailed, "no strategies configured")
	}
	return attempts, "", errors.Wrapf(ErrAllStrategiesFailed, "%s: last error: %v", target, lastErr)
}
