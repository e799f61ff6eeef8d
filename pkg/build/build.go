// Package build computes a version per service, builds one image, aliases it
// under every oracle tag and pushes them all.
package build

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/docker"
	"github.com/go-go-golems/deployctl/pkg/oracle"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// VersionRecord is produced once per service per run.
type VersionRecord struct {
	Service string `json:"service"`
	Version string `json:"version"`
	// Tags are fully-qualified references, canonical first, no duplicates.
	Tags       []string `json:"tags"`
	PrimaryTag string   `json:"primary_tag"`
}

// VersionInfo renders records as svc:version pairs joined by commas.
func VersionInfo(records []VersionRecord) string {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, r.Service+":"+r.Version)
	}
	return strings.Join(parts, ",")
}

// ServiceError names the service that stopped the stage.
type ServiceError struct {
	Service string
	Step    string
	Err     error
}

func (e *ServiceError) Error() string {
	return e.Service + ": " + e.Step + ": " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error { return e.Err }

type VersionBuilder struct {
	Config   *config.File
	Oracle   oracle.Oracle
	Engine   docker.Engine
	Event    trigger.EventContext
	RepoRoot string
	// HasBuildDescriptor filters the changeset to buildable services.
	HasBuildDescriptor func(service string) bool
	// Now stamps the build; defaults to time.Now.
	Now func() time.Time
}

// Run processes services sequentially and stops at the first failure. The
// records built before the failure are returned alongside the error.
func (b *VersionBuilder) Run(ctx context.Context, services []string) ([]VersionRecord, error) {
	if b.Event.ShortSHA() == "" {
		return nil, errors.New("head commit is unknown; cannot compute canonical tag")
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	buildTime := now().UTC()

	pushed := map[string]struct{}{}
	built := map[string]struct{}{}
	var records []VersionRecord
	for _, svc := range services {
		if _, ok := built[svc]; ok {
			continue
		}
		built[svc] = struct{}{}
		if b.HasBuildDescriptor != nil && !b.HasBuildDescriptor(svc) {
			log.Info().Str("stage", "build").Str("service", svc).Msg("no build descriptor; not built")
			continue
		}
		rec, err := b.buildOne(ctx, svc, buildTime, pushed)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *VersionBuilder) buildOne(ctx context.Context, svc string, buildTime time.Time, pushed map[string]struct{}) (VersionRecord, error) {
	logger := log.With().Str("stage", "build").Str("service", svc).Logger()

	version, err := b.Oracle.Version(ctx, svc)
	if err != nil {
		return VersionRecord{}, &ServiceError{Service: svc, Step: "version", Err: err}
	}
	oracleTags, err := b.Oracle.Tags(ctx, svc, b.Config.Registry)
	if err != nil {
		return VersionRecord{}, &ServiceError{Service: svc, Step: "tags", Err: err}
	}
	canonical := CanonicalTag(b.Config.Registry, svc, b.Event.ShortSHA())
	rec := VersionRecord{
		Service:    svc,
		Version:    version,
		Tags:       MergeTags(canonical, oracleTags),
		PrimaryTag: canonical,
	}

	ctxDir, dockerfile := b.Config.BuildContext(svc)
	buildArgs := map[string]*string{
		"VERSION":    strPtr(version),
		"COMMIT":     strPtr(b.Event.HeadSHA),
		"BUILD_TIME": strPtr(buildTime.Format(time.RFC3339)),
	}
	err = b.Engine.Build(ctx, docker.BuildRequest{
		ContextDir: filepath.Join(b.RepoRoot, filepath.FromSlash(ctxDir)),
		Dockerfile: dockerfile,
		Tags:       []string{canonical},
		BuildArgs:  buildArgs,
		Labels:     b.Labels(svc, version, buildTime),
	}, func(line string) { logger.Trace().Msg(line) })
	if err != nil {
		return VersionRecord{}, &ServiceError{Service: svc, Step: "build", Err: err}
	}
	logger.Info().Str("tag", canonical).Str("version", version).Msg("image built")

	for _, tag := range rec.Tags[1:] {
		if err := b.Engine.Tag(ctx, canonical, tag); err != nil {
			return VersionRecord{}, &ServiceError{Service: svc, Step: "tag", Err: err}
		}
	}
	for _, tag := range rec.Tags {
		if _, ok := pushed[tag]; ok {
			continue
		}
		if err := b.Engine.Push(ctx, tag); err != nil {
			return VersionRecord{}, &ServiceError{Service: svc, Step: "push", Err: err}
		}
		pushed[tag] = struct{}{}
		logger.Info().Str("tag", tag).Msg("pushed")
	}
	return rec, nil
}

// Labels are the provenance labels embedded in every image.
func (b *VersionBuilder) Labels(svc, version string, buildTime time.Time) map[string]string {
	labels := map[string]string{
		"org.opencontainers.image.title":    svc,
		"org.opencontainers.image.version":  version,
		"org.opencontainers.image.revision": b.Event.HeadSHA,
		"org.opencontainers.image.created":  buildTime.Format(time.RFC3339),
		"dev.deployctl.branch":              b.Event.Branch,
		"dev.deployctl.run-id":              b.Event.RunID,
	}
	if b.Event.Repository != "" {
		labels["org.opencontainers.image.source"] = "https://github.com/" + b.Event.Repository
	}
	return labels
}

// CanonicalTag is registry/service:shortsha.
func CanonicalTag(registry, svc, shortSHA string) string {
	return strings.TrimRight(registry, "/") + "/" + svc + ":" + shortSHA
}

// MergeTags puts canonical first and drops duplicates from the oracle list.
func MergeTags(canonical string, oracleTags []string) []string {
	out := []string{canonical}
	seen := map[string]struct{}{canonical: {}}
	for _, t := range oracleTags {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ImageRefs flattens every tag of every record, sorted.
func ImageRefs(records []VersionRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Tags...)
	}
	sort.Strings(out)
	return out
}

func strPtr(s string) *string { return &s }
