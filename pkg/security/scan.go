// Package security runs the two non-blocking checks: a per-service image
// vulnerability scan and a dependency audit over every manifest.
package security

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/docker"
	"github.com/go-go-golems/deployctl/pkg/github"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// FindingsStore receives SARIF documents, one category per service.
type FindingsStore interface {
	UploadSARIF(ctx context.Context, repository string, up github.SARIFUpload) (github.SARIFReceipt, error)
}

var _ FindingsStore = (*github.Client)(nil)

type UnitResult struct {
	Service  string        `json:"service"`
	Image    string        `json:"image"`
	Findings int           `json:"findings"`
	SARIF    string        `json:"sarif,omitempty"`
	Summary  string        `json:"summary,omitempty"`
	Uploaded bool          `json:"uploaded"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (u UnitResult) Failed() bool { return u.Error != "" }

type ScanReport struct {
	Units []UnitResult `json:"units"`
}

func (r ScanReport) Failed() []string {
	var out []string
	for _, u := range r.Units {
		if u.Failed() {
			out = append(out, u.Service)
		}
	}
	return out
}

func (r ScanReport) TotalFindings() int {
	n := 0
	for _, u := range r.Units {
		n += u.Findings
	}
	return n
}

// pinger is implemented by engines that can check their daemon is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

var _ pinger = (*docker.Client)(nil)

type Scanner struct {
	Config   *config.File
	Engine   docker.Engine
	Runner   toolexec.Runner
	Store    FindingsStore
	RepoRoot string
	// OutputDir receives one SARIF file per service.
	OutputDir string

	Repository string
	CommitSHA  string
	Ref        string
	RunID      string
	// Concurrency bounds parallel units; zero means one per service.
	Concurrency int
}

// Run scans every service independently. A unit failure is recorded in its
// UnitResult and never affects sibling units; the returned error is reserved
// for failures that prevent any unit from running.
func (s *Scanner) Run(ctx context.Context, services []string) (ScanReport, error) {
	if s.Config.Scanner.Disabled {
		log.Info().Msg("security scan disabled by configuration")
		return ScanReport{}, nil
	}
	if p, ok := s.Engine.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return ScanReport{}, errors.Wrap(err, "image engine unavailable")
		}
	}
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return ScanReport{}, errors.Wrap(err, "create scan output dir")
	}

	report := ScanReport{Units: make([]UnitResult, len(services))}
	var mu sync.Mutex
	var g errgroup.Group
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i, svc := range services {
		g.Go(func() error {
			res := s.scanOne(ctx, svc)
			mu.Lock()
			report.Units[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (s *Scanner) scanOne(ctx context.Context, svc string) (res UnitResult) {
	start := time.Now()
	res = UnitResult{Service: svc, Image: s.scanImage(svc)}
	logger := log.With().Str("stage", "security_scan").Str("service", svc).Logger()
	defer func() {
		if r := recover(); r != nil {
			res.Error = errors.Errorf("panic: %v", r).Error()
		}
		res.Duration = time.Since(start)
		if res.Failed() {
			logger.Warn().Str("error", res.Error).Msg("scan unit failed")
		} else {
			logger.Info().Int("findings", res.Findings).Bool("uploaded", res.Uploaded).Msg("scan unit finished")
		}
	}()

	ctxDir, dockerfile := s.Config.BuildContext(svc)
	err := s.Engine.Build(ctx, docker.BuildRequest{
		ContextDir: filepath.Join(s.RepoRoot, filepath.FromSlash(ctxDir)),
		Dockerfile: dockerfile,
		Tags:       []string{res.Image},
	}, func(line string) { logger.Trace().Msg(line) })
	if err != nil {
		res.Error = errors.Wrap(err, "build").Error()
		return res
	}
	defer func() {
		if err := s.Engine.Remove(context.WithoutCancel(ctx), res.Image); err != nil {
			logger.Debug().Err(err).Msg("remove scan image")
		}
	}()

	out := filepath.Join(s.OutputDir, svc+".sarif")
	tr, err := s.Runner.Run(ctx, toolexec.Spec{
		Name:    "scanner",
		Argv:    toolexec.Expand(s.Config.Scanner.Command, map[string]string{"image": res.Image, "output": out, "service": svc}),
		WorkDir: s.RepoRoot,
	})
	res.Summary = strings.TrimSpace(string(tr.Stdout))
	if err != nil {
		res.Error = errors.Wrap(err, "scan").Error()
		return res
	}
	doc, err := os.ReadFile(out)
	if err != nil {
		res.Error = errors.Wrap(err, "read sarif").Error()
		return res
	}
	res.SARIF = out
	n, err := CountResults(doc)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Findings = n

	if s.Store == nil || !s.Config.Scanner.Upload || s.Repository == "" {
		return res
	}
	if _, err := s.Store.UploadSARIF(ctx, s.Repository, github.SARIFUpload{
		CommitSHA: s.CommitSHA,
		Ref:       s.Ref,
		SARIF:     doc,
		Category:  "scan-" + svc,
	}); err != nil {
		// findings store failures are not unit failures
		logger.Warn().Err(err).Msg("findings upload failed")
		return res
	}
	res.Uploaded = true
	return res
}

func (s *Scanner) scanImage(svc string) string {
	tag := s.RunID
	if tag == "" {
		tag = "local"
	}
	return "deployctl-scan/" + svc + ":" + sanitizeTag(tag)
}

func sanitizeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// CountResults decodes only what is needed to count results across runs.
func CountResults(doc []byte) (int, error) {
	var sarif struct {
		Runs []struct {
			Results []json.RawMessage `json:"results"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(doc, &sarif); err != nil {
		return 0, errors.Wrap(err, "parse sarif")
	}
	n := 0
	for _, r := range sarif.Runs {
		n += len(r.Results)
	}
	return n, nil
}
