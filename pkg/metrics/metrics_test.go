package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/deployctl/pkg/events"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, typ string, payload any) events.Envelope {
	env, err := events.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func TestRecorder_Observe(t *testing.T) {
	r := NewRecorder()
	r.Observe(envelope(t, events.TypeStageFinished, events.StageFinished{Stage: outcome.StageBuild, Outcome: outcome.Failure, DurationMs: 1500}))
	r.Observe(envelope(t, events.TypeStageFinished, events.StageFinished{Stage: outcome.StageGitOps, Outcome: outcome.Skipped, Gated: true}))
	r.Observe(envelope(t, events.TypeDispatchAttempt, events.DispatchAttempt{Strategy: "primary", Ok: false}))
	r.Observe(envelope(t, events.TypeDispatchAttempt, events.DispatchAttempt{Strategy: "fallback", Ok: true}))
	r.Observe(envelope(t, events.TypeRunFinished, events.RunFinished{Ok: false}))

	require.Equal(t, 1.0, testutil.ToFloat64(r.stageOutcomes.WithLabelValues("build", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.stageOutcomes.WithLabelValues("gitops", "skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.dispatchAttempts.WithLabelValues("primary", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.dispatchAttempts.WithLabelValues("fallback", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(r.stageDuration))
}

func TestRecorder_Push(t *testing.T) {
	var method, path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method, path = req.Method, req.URL.Path
		body, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.Observe(envelope(t, events.TypeRunFinished, events.RunFinished{Ok: true}))
	require.NoError(t, r.Push(context.Background(), srv.URL, "deployctl", "42"))
	require.Equal(t, http.MethodPut, method)
	require.Equal(t, "/metrics/job/deployctl/run_id/42", path)
	require.NotEmpty(t, body)
}

func TestRecorder_PushDisabled(t *testing.T) {
	require.NoError(t, NewRecorder().Push(context.Background(), "", "deployctl", "1"))
}
