package security

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/docker"
	"github.com/go-go-golems/deployctl/pkg/github"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	failFor  map[string]bool
	builds   []docker.BuildRequest
	removals []string
}

var _ docker.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Build(ctx context.Context, req docker.BuildRequest, onOutput docker.OutputCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, req)
	if f.failFor[req.Tags[0]] {
		return errors.New("build exploded")
	}
	return nil
}

func (f *fakeEngine) Tag(ctx context.Context, source, target string) error { return nil }
func (f *fakeEngine) Push(ctx context.Context, ref string) error           { return nil }

func (f *fakeEngine) Remove(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, ref)
	return nil
}

// fakeScanner writes a SARIF document to the {output} argument.
type fakeScanner struct {
	failFor map[string]bool
	sarif   string
}

var _ toolexec.Runner = (*fakeScanner)(nil)

func (f *fakeScanner) Run(ctx context.Context, spec toolexec.Spec) (toolexec.Result, error) {
	out, image := spec.Argv[1], spec.Argv[2]
	if f.failFor[image] {
		return toolexec.Result{ExitCode: 1}, &toolexec.ToolError{Tool: spec.Name, ExitCode: 1}
	}
	if err := os.WriteFile(out, []byte(f.sarif), 0o644); err != nil {
		return toolexec.Result{}, err
	}
	return toolexec.Result{Stdout: []byte("table for " + image)}, nil
}

type fakeStore struct {
	mu         sync.Mutex
	categories []string
	err        error
}

var _ FindingsStore = (*fakeStore)(nil)

func (f *fakeStore) UploadSARIF(ctx context.Context, repository string, up github.SARIFUpload) (github.SARIFReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories = append(f.categories, up.Category)
	return github.SARIFReceipt{}, f.err
}

const twoFindings = `{"version":"2.1.0","runs":[{"results":[{"ruleId":"CVE-1"},{"ruleId":"CVE-2"}]}]}`

func newScanner(t *testing.T, e *fakeEngine, r toolexec.Runner, store FindingsStore) *Scanner {
	cfg := &config.File{
		Registry:      "ghcr.io/acme",
		Scanner:       config.Scanner{Command: []string{"scan", "{output}", "{image}"}, Upload: true},
		SharedContext: map[string]config.SharedContext{"gateway": {Context: "services", Dockerfile: "services/gateway/Dockerfile"}},
	}
	cfg.ApplyDefaults()
	return &Scanner{
		Config:     cfg,
		Engine:     e,
		Runner:     r,
		Store:      store,
		RepoRoot:   "/repo",
		OutputDir:  t.TempDir(),
		Repository: "acme/mono",
		CommitSHA:  "abc",
		RunID:      "42",
	}
}

func TestScanner_UnitFailureIsIsolated(t *testing.T) {
	e := &fakeEngine{failFor: map[string]bool{"deployctl-scan/svc-b:42": true}}
	r := &fakeScanner{sarif: twoFindings, failFor: map[string]bool{"deployctl-scan/svc-c:42": true}}
	store := &fakeStore{}
	s := newScanner(t, e, r, store)

	report, err := s.Run(context.Background(), []string{"svc-a", "svc-b", "svc-c", "svc-d"})
	require.NoError(t, err)
	require.Len(t, report.Units, 4)
	for i, svc := range []string{"svc-a", "svc-b", "svc-c", "svc-d"} {
		require.Equal(t, svc, report.Units[i].Service)
	}
	require.Equal(t, []string{"svc-b", "svc-c"}, report.Failed())
	require.Equal(t, 2, report.Units[0].Findings)
	require.True(t, report.Units[0].Uploaded)
	require.Equal(t, 2, report.Units[3].Findings)
	require.Equal(t, 4, report.TotalFindings())

	sort.Strings(store.categories)
	require.Equal(t, []string{"scan-svc-a", "scan-svc-d"}, store.categories)

	// the failed build never produced an image to clean up
	sort.Strings(e.removals)
	require.Equal(t, []string{"deployctl-scan/svc-a:42", "deployctl-scan/svc-c:42", "deployctl-scan/svc-d:42"}, e.removals)
}

func TestScanner_BuildContextConvention(t *testing.T) {
	e := &fakeEngine{}
	s := newScanner(t, e, &fakeScanner{sarif: twoFindings}, nil)

	_, err := s.Run(context.Background(), []string{"gateway", "svc-a"})
	require.NoError(t, err)

	byTag := map[string]docker.BuildRequest{}
	for _, b := range e.builds {
		byTag[b.Tags[0]] = b
	}
	gw := byTag["deployctl-scan/gateway:42"]
	require.Equal(t, filepath.Join("/repo", "services"), gw.ContextDir)
	require.Equal(t, "gateway/Dockerfile", gw.Dockerfile)

	svc := byTag["deployctl-scan/svc-a:42"]
	require.Equal(t, filepath.Join("/repo", "services", "svc-a"), svc.ContextDir)
	require.Empty(t, svc.Dockerfile)
}

func TestScanner_UploadFailureIsNotUnitFailure(t *testing.T) {
	s := newScanner(t, &fakeEngine{}, &fakeScanner{sarif: twoFindings}, &fakeStore{err: errors.New("403")})

	report, err := s.Run(context.Background(), []string{"svc-a"})
	require.NoError(t, err)
	require.Empty(t, report.Failed())
	require.False(t, report.Units[0].Uploaded)
}

func TestScanner_InvalidSARIFFailsUnit(t *testing.T) {
	s := newScanner(t, &fakeEngine{}, &fakeScanner{sarif: "not json"}, nil)

	report, err := s.Run(context.Background(), []string{"svc-a"})
	require.NoError(t, err)
	require.Equal(t, []string{"svc-a"}, report.Failed())
}

func TestScanner_UnwritableOutputIsInfrastructureFailure(t *testing.T) {
	s := newScanner(t, &fakeEngine{}, &fakeScanner{sarif: twoFindings}, nil)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s.OutputDir = filepath.Join(blocker, "sub")

	_, err := s.Run(context.Background(), []string{"svc-a"})
	require.Error(t, err)
}

// unreachableEngine reports a daemon that cannot be reached.
type unreachableEngine struct {
	fakeEngine
}

var _ pinger = (*unreachableEngine)(nil)

func (u *unreachableEngine) Ping(ctx context.Context) error {
	return errors.New("cannot connect to the docker daemon")
}

func TestScanner_UnreachableEngineIsInfrastructureFailure(t *testing.T) {
	s := newScanner(t, &fakeEngine{}, &fakeScanner{sarif: twoFindings}, nil)
	e := &unreachableEngine{}
	s.Engine = e

	_, err := s.Run(context.Background(), []string{"svc-a", "svc-b"})
	require.Error(t, err)
	require.Empty(t, e.builds)
}

func TestCountResults(t *testing.T) {
	n, err := CountResults([]byte(`{"runs":[{"results":[{}]},{"results":[{},{}]},{}]}`))
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSanitizeTag(t *testing.T) {
	require.Equal(t, "run-1_a.b", sanitizeTag("run/1_a.b"))
}
