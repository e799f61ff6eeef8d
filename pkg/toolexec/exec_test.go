package toolexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExec_CapturesOutput(t *testing.T) {
	e := New(Options{})
	res, err := e.Run(context.Background(), Spec{
		Name: "echo",
		Argv: []string{"sh", "-c", "echo out; echo err >&2; echo $DEPLOYCTL_TEST"},
		Env:  map[string]string{"DEPLOYCTL_TEST": "from-env"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "out\nfrom-env\n", string(res.Stdout))
	require.Equal(t, "err\n", string(res.Stderr))
}

func TestExec_NonZeroExit(t *testing.T) {
	e := New(Options{})
	res, err := e.Run(context.Background(), Spec{Name: "fail", Argv: []string{"sh", "-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNonZeroExit))
	require.Equal(t, 3, res.ExitCode)

	var te *ToolError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "fail", te.Tool)
	require.Equal(t, "broken", te.Stderr)
}

func TestExec_ContextCancelStopsProcessGroup(t *testing.T) {
	e := New(Options{ShutdownTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Run(ctx, Spec{Name: "sleep", Argv: []string{"sh", "-c", "sleep 10 & wait"}})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExec_EmptyCommand(t *testing.T) {
	_, err := New(Options{}).Run(context.Background(), Spec{Name: "none"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "empty command"))
}

func TestExpand(t *testing.T) {
	out := Expand([]string{"oracle", "--service={service}", "{registry}/{service}"}, map[string]string{
		"service":  "svc-a",
		"registry": "ghcr.io/acme",
	})
	require.Equal(t, []string{"oracle", "--service=svc-a", "ghcr.io/acme/svc-a"}, out)
}
