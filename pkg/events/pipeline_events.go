package events

import (
	"time"

	"github.com/go-go-golems/deployctl/pkg/outcome"
)

type RunStarted struct {
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	Branch   string    `json:"branch,omitempty"`
	RepoRoot string    `json:"repo_root"`
	At       time.Time `json:"at"`
}

type RunFinished struct {
	RunID      string          `json:"run_id"`
	At         time.Time       `json:"at"`
	Ok         bool            `json:"ok"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Failed     []outcome.Stage `json:"failed,omitempty"`
}

type StageStarted struct {
	RunID string        `json:"run_id"`
	Stage outcome.Stage `json:"stage"`
	At    time.Time     `json:"at"`
}

type StageFinished struct {
	RunID   string          `json:"run_id"`
	Stage   outcome.Stage   `json:"stage"`
	Outcome outcome.Outcome `json:"outcome"`
	// Gated is true when the stage was skipped by its gate without running.
	Gated      bool      `json:"gated,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type DispatchAttempt struct {
	RunID    string `json:"run_id"`
	Strategy string `json:"strategy"`
	Ok       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}
