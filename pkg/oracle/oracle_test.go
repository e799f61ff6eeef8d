package oracle

import (
	"context"
	"testing"

	"github.com/go-go-golems/deployctl/pkg/config"
	"github.com/go-go-golems/deployctl/pkg/toolexec"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	out   string
	specs []toolexec.Spec
}

var _ toolexec.Runner = (*fakeRunner)(nil)

func (f *fakeRunner) Run(ctx context.Context, spec toolexec.Spec) (toolexec.Result, error) {
	f.specs = append(f.specs, spec)
	return toolexec.Result{Stdout: []byte(f.out)}, nil
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("computing...\n1.4.0-rc.1\n")
	require.NoError(t, err)
	require.Equal(t, "1.4.0-rc.1", v)

	v, err = ParseVersion("v2.0.0")
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", v)

	_, err = ParseVersion("not-a-version")
	require.Error(t, err)

	_, err = ParseVersion("  \n")
	require.Error(t, err)
}

func TestParseTags(t *testing.T) {
	require.Equal(t,
		[]string{"ghcr.io/acme/svc-a:1.2.3", "ghcr.io/acme/svc-a:1.2", "ghcr.io/acme/svc-a:latest"},
		ParseTags("ghcr.io/acme/svc-a:1.2.3, ghcr.io/acme/svc-a:1.2,,ghcr.io/acme/svc-a:1.2.3,ghcr.io/acme/svc-a:latest\n"),
	)
	require.Empty(t, ParseTags(""))
}

func TestCommand_ExpandsPlaceholders(t *testing.T) {
	r := &fakeRunner{out: "a:1,b:2"}
	o := &Command{Runner: r, RepoRoot: "/repo", Config: config.Oracle{
		VersionCommand: []string{"oracle", "version", "{service}"},
		TagsCommand:    []string{"oracle", "tags", "{service}", "{registry}"},
	}}

	tags, err := o.Tags(context.Background(), "svc-a", "ghcr.io/acme")
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2"}, tags)
	require.Equal(t, []string{"oracle", "tags", "svc-a", "ghcr.io/acme"}, r.specs[0].Argv)
	require.Equal(t, "/repo", r.specs[0].WorkDir)

	r.out = "0.3.1\n"
	v, err := o.Version(context.Background(), "svc-a")
	require.NoError(t, err)
	require.Equal(t, "0.3.1", v)
}

func TestCommand_UnconfiguredVersionFails(t *testing.T) {
	o := &Command{Runner: &fakeRunner{}}
	_, err := o.Version(context.Background(), "svc-a")
	require.Error(t, err)

	tags, err := o.Tags(context.Background(), "svc-a", "r")
	require.NoError(t, err)
	require.Empty(t, tags)
}
