package build

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/docker"
	"github.com/go-go-golems/deployctl/pkg/oracle"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	versions map[string]string
	tags     map[string][]string
}

var _ oracle.Oracle = (*fakeOracle)(nil)

func (f *fakeOracle) Version(ctx context.Context, service string) (string, error) {
	v, ok := f.versions[service]
	if !ok {
		return "", errors.Errorf("no version for %s", service)
	}
	return v, nil
}

func (f *fakeOracle) Tags(ctx context.Context, service, registry string) ([]string, error) {
	return f.tags[service], nil
}

type fakeEngine struct {
	calls     []string
	failBuild map[string]bool
	failPush  map[string]bool
	labels    map[string]map[string]string
}

var _ docker.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Build(ctx context.Context, req docker.BuildRequest, onOutput docker.OutputCallback) error {
	f.calls = append(f.calls, "build "+req.Tags[0])
	if f.labels == nil {
		f.labels = map[string]map[string]string{}
	}
	f.labels[req.Tags[0]] = req.Labels
	if f.failBuild[req.Tags[0]] {
		return errors.New("build failed")
	}
	return nil
}

func (f *fakeEngine) Tag(ctx context.Context, source, target string) error {
	f.calls = append(f.calls, "tag "+target)
	return nil
}

func (f *fakeEngine) Push(ctx context.Context, ref string) error {
	f.calls = append(f.calls, "push "+ref)
	if f.failPush[ref] {
		return errors.New("push denied")
	}
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, ref string) error { return nil }

func newBuilder(o oracle.Oracle, e docker.Engine) *VersionBuilder {
	cfg := &config.File{Registry: "ghcr.io/acme"}
	cfg.ApplyDefaults()
	return &VersionBuilder{
		Config:   cfg,
		Oracle:   o,
		Engine:   e,
		RepoRoot: "/repo",
		Event: trigger.EventContext{
			Kind: trigger.KindPush, Branch: "main", HeadSHA: "abc1234def", RunID: "99", Repository: "acme/mono",
		},
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func TestVersionBuilder_BuildOnceTagManyPushMany(t *testing.T) {
	o := &fakeOracle{
		versions: map[string]string{"svc-a": "1.2.3"},
		tags: map[string][]string{"svc-a": {
			"ghcr.io/acme/svc-a:1.2.3", "ghcr.io/acme/svc-a:abc1234", "ghcr.io/acme/svc-a:latest",
		}},
	}
	e := &fakeEngine{}
	b := newBuilder(o, e)

	records, err := b.Run(context.Background(), []string{"svc-a"})
	require.NoError(t, err)
	require.Equal(t, []VersionRecord{{
		Service:    "svc-a",
		Version:    "1.2.3",
		Tags:       []string{"ghcr.io/acme/svc-a:abc1234", "ghcr.io/acme/svc-a:1.2.3", "ghcr.io/acme/svc-a:latest"},
		PrimaryTag: "ghcr.io/acme/svc-a:abc1234",
	}}, records)
	require.Equal(t, []string{
		"build ghcr.io/acme/svc-a:abc1234",
		"tag ghcr.io/acme/svc-a:1.2.3",
		"tag ghcr.io/acme/svc-a:latest",
		"push ghcr.io/acme/svc-a:abc1234",
		"push ghcr.io/acme/svc-a:1.2.3",
		"push ghcr.io/acme/svc-a:latest",
	}, e.calls)

	labels := e.labels["ghcr.io/acme/svc-a:abc1234"]
	require.Equal(t, "1.2.3", labels["org.opencontainers.image.version"])
	require.Equal(t, "abc1234def", labels["org.opencontainers.image.revision"])
	require.Equal(t, "2026-01-02T03:04:05Z", labels["org.opencontainers.image.created"])
	require.Equal(t, "main", labels["dev.deployctl.branch"])
	require.Equal(t, "99", labels["dev.deployctl.run-id"])
	require.Equal(t, "svc-a:1.2.3", VersionInfo(records))
}

func TestVersionBuilder_FailFastOnSecondService(t *testing.T) {
	o := &fakeOracle{versions: map[string]string{"svc-a": "1.0.0", "svc-b": "2.0.0", "svc-c": "3.0.0"}}
	e := &fakeEngine{failPush: map[string]bool{"ghcr.io/acme/svc-b:abc1234": true}}
	b := newBuilder(o, e)

	records, err := b.Run(context.Background(), []string{"svc-a", "svc-b", "svc-c"})
	require.Error(t, err)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "svc-b", se.Service)
	require.Equal(t, "push", se.Step)
	require.Len(t, records, 1)
	for _, c := range e.calls {
		require.NotContains(t, c, "svc-c")
	}
}

func TestVersionBuilder_OracleFailureStopsStage(t *testing.T) {
	b := newBuilder(&fakeOracle{}, &fakeEngine{})
	_, err := b.Run(context.Background(), []string{"svc-a"})
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "version", se.Step)
}

func TestVersionBuilder_SkipsServicesWithoutDescriptor(t *testing.T) {
	o := &fakeOracle{versions: map[string]string{"svc-a": "1.0.0"}}
	e := &fakeEngine{}
	b := newBuilder(o, e)
	b.HasBuildDescriptor = func(svc string) bool { return svc == "svc-a" }

	records, err := b.Run(context.Background(), []string{"svc-a", "docs-site"})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestVersionBuilder_EachTagPushedOnce(t *testing.T) {
	o := &fakeOracle{
		versions: map[string]string{"svc-a": "1.0.0"},
		tags:     map[string][]string{"svc-a": {"ghcr.io/acme/svc-a:latest", "ghcr.io/acme/svc-a:latest"}},
	}
	e := &fakeEngine{}
	records, err := newBuilder(o, e).Run(context.Background(), []string{"svc-a", "svc-a"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	counts := map[string]int{}
	for _, c := range e.calls {
		counts[c]++
	}
	require.Equal(t, 1, counts["push ghcr.io/acme/svc-a:latest"])
	require.Equal(t, 1, counts["push ghcr.io/acme/svc-a:abc1234"])
}

func TestVersionBuilder_RequiresHeadCommit(t *testing.T) {
	b := newBuilder(&fakeOracle{}, &fakeEngine{})
	b.Event.HeadSHA = ""
	_, err := b.Run(context.Background(), []string{"svc-a"})
	require.Error(t, err)
}

func TestMergeTags(t *testing.T) {
	require.Equal(t, []string{"r/s:c", "r/s:1"}, MergeTags("r/s:c", []string{"r/s:1", "r/s:c", ""}))
	require.Equal(t, "r/s:abc", CanonicalTag("r/", "s", "abc"))
}
