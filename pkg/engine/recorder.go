package engine

import (
	"context"
	"sync"

	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/pkg/errors"
)

// Recorder holds the terminal outcome of every stage. An outcome is written
// once and closing the stage's channel publishes it to waiters.
type Recorder struct {
	mu   sync.Mutex
	set  outcome.Set
	done map[outcome.Stage]chan struct{}
}

func NewRecorder(stages []outcome.Stage) *Recorder {
	r := &Recorder{set: outcome.Set{}, done: map[outcome.Stage]chan struct{}{}}
	for _, s := range stages {
		r.done[s] = make(chan struct{})
	}
	return r
}

func (r *Recorder) Record(stage outcome.Stage, o outcome.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.done[stage]
	if !ok {
		return errors.Errorf("unknown stage %s", stage)
	}
	if _, ok := r.set[stage]; ok {
		return errors.Errorf("stage %s already recorded", stage)
	}
	r.set[stage] = o
	close(ch)
	return nil
}

// Wait blocks until every listed stage is terminal.
func (r *Recorder) Wait(ctx context.Context, stages ...outcome.Stage) error {
	for _, s := range stages {
		r.mu.Lock()
		ch, ok := r.done[s]
		r.mu.Unlock()
		if !ok {
			return errors.Errorf("unknown stage %s", s)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Recorder) Snapshot() outcome.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set.Clone()
}
