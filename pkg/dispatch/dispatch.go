// Package dispatch notifies the GitOps manifest repository of freshly pushed
// images.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/deployctl/pkg/build"
	"github.com/go-go-golems/deployctl/pkg/github"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StrategyPrimary  = "primary"
	StrategyFallback = "fallback"
)

type Image struct {
	Image  string `json:"image"`
	Commit string `json:"commit"`
}

// Payload is built once per run and sent at most twice.
type Payload struct {
	ID           string           `json:"dispatch_id"`
	Services     []string         `json:"services"`
	VersionInfo  string           `json:"version_info"`
	SourceCommit string           `json:"source_commit"`
	ShortCommit  string           `json:"short_commit"`
	Registry     string           `json:"registry"`
	Branch       string           `json:"branch"`
	RunID        string           `json:"run_id"`
	Images       map[string]Image `json:"images"`
	// References lists every pushed tag; never sent.
	References []string `json:"-"`
}

func NewPayload(ev trigger.EventContext, registry string, records []build.VersionRecord) Payload {
	p := Payload{
		ID:           uuid.NewString(),
		VersionInfo:  build.VersionInfo(records),
		SourceCommit: ev.HeadSHA,
		ShortCommit:  ev.ShortSHA(),
		Registry:     registry,
		Branch:       ev.Branch,
		RunID:        ev.RunID,
		Images:       map[string]Image{},
		References:   build.ImageRefs(records),
	}
	for _, r := range records {
		p.Services = append(p.Services, r.Service)
		p.Images[r.Service] = Image{Image: r.PrimaryTag, Commit: ev.ShortSHA()}
	}
	return p
}

// Rich is the primary client payload.
func (p Payload) Rich() map[string]any {
	return map[string]any{
		"dispatch_id":   p.ID,
		"services":      strings.Join(p.Services, ","),
		"version_info":  p.VersionInfo,
		"source_commit": p.SourceCommit,
		"registry":      p.Registry,
		"branch":        p.Branch,
		"run_id":        p.RunID,
		"images":        p.Images,
	}
}

// Reduced is the fallback client payload.
func (p Payload) Reduced() map[string]any {
	return map[string]any{
		"services":      strings.Join(p.Services, ","),
		"source_commit": p.SourceCommit,
		"short_commit":  p.ShortCommit,
		"registry":      p.Registry,
	}
}

// Sender delivers a repository event.
type Sender interface {
	RepositoryDispatch(ctx context.Context, repository, eventType string, payload any) error
}

var _ Sender = (*github.Client)(nil)

type Result struct {
	Attempts  []Attempt `json:"attempts"`
	Delivered string    `json:"delivered,omitempty"`
	// ManualReconciliation lists the image references the manifest
	// repository never heard about.
	ManualReconciliation []string `json:"manual_reconciliation,omitempty"`
}

func (r Result) OK() bool { return r.Delivered != "" }

type Dispatcher struct {
	Sender     Sender
	Repository string
	EventType  string
}

// Dispatch sends the rich payload and, if that fails, exactly one reduced
// fallback. Both failing is returned as an error wrapping
// ErrAllStrategiesFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) (Result, error) {
	if d.Repository == "" {
		return Result{ManualReconciliation: p.References}, errors.New("gitops repository is not configured")
	}
	strategies := []Strategy{
		{Name: StrategyPrimary, Send: func(ctx context.Context) error {
			return d.Sender.RepositoryDispatch(ctx, d.Repository, d.EventType, p.Rich())
		}},
		{Name: StrategyFallback, Send: func(ctx context.Context) error {
			return d.Sender.RepositoryDispatch(ctx, d.Repository, d.EventType, p.Reduced())
		}},
	}
	attempts, delivered, err := RunSequence(ctx, d.Repository, strategies)
	res := Result{Attempts: attempts, Delivered: delivered}
	if err != nil {
		res.ManualReconciliation = p.References
		return res, err
	}
	return res, nil
}

// DryRun logs the payload instead of sending it.
type DryRun struct{}

var _ Sender = DryRun{}

func (DryRun) RepositoryDispatch(ctx context.Context, repository, eventType string, payload any) error {
	log.Info().Str("repository", repository).Str("event_type", eventType).Interface("payload", payload).
		Time("at", time.Now()).Msg("dry-run: repository dispatch")
	return nil
}
