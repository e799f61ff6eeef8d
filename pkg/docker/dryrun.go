package docker

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DryRun logs what a real engine would do.
type DryRun struct{}

var _ Engine = DryRun{}

func (DryRun) Build(ctx context.Context, req BuildRequest, onOutput OutputCallback) error {
	log.Info().Str("context", req.ContextDir).Str("dockerfile", req.Dockerfile).Strs("tags", req.Tags).Msg("dry-run: build")
	return nil
}

func (DryRun) Tag(ctx context.Context, source, target string) error {
	log.Info().Str("source", source).Str("target", target).Msg("dry-run: tag")
	return nil
}

func (DryRun) Push(ctx context.Context, ref string) error {
	log.Info().Str("ref", ref).Msg("dry-run: push")
	return nil
}

func (DryRun) Remove(ctx context.Context, ref string) error {
	return nil
}
