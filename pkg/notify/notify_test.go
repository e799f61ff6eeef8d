package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/stretchr/testify/require"
)

func testInfo() Info {
	return Info{
		Event:       trigger.EventContext{Kind: trigger.KindPush, Branch: "main", HeadSHA: "abc1234def", Actor: "octo"},
		Services:    []string{"svc-a", "svc-b"},
		VersionInfo: "svc-a:1.0.0",
		RunURL:      "https://ci/runs/1",
	}
}

func TestFailureMessage_CitesStages(t *testing.T) {
	m := FailureMessage(testInfo(), []outcome.Stage{outcome.StageBuild})
	require.Equal(t, "Deployment failed", m.Header)
	require.Contains(t, m.Body, "Build & Versioning")
	require.Equal(t, Field{Name: "Failed stages", Value: "Build & Versioning"}, m.Fields[len(m.Fields)-1])
	require.Equal(t, []Action{{Label: "View run", URL: "https://ci/runs/1"}}, m.Actions)
}

func TestSuccessMessage(t *testing.T) {
	m := SuccessMessage(testInfo())
	require.Contains(t, m.Text(), "Commit: abc1234")
	require.Contains(t, m.Text(), "Services: svc-a, svc-b")
}

func TestNotifier_Unconfigured(t *testing.T) {
	n := New("")
	require.False(t, n.Configured())
	require.NoError(t, n.Send(context.Background(), SuccessMessage(testInfo())))
}

func TestNotifier_FallsBackToText(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		bodies = append(bodies, m)
		if _, ok := m["header"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	require.NoError(t, n.Send(context.Background(), SuccessMessage(testInfo())))
	require.Len(t, bodies, 2)
	require.Contains(t, bodies[1]["text"], "Deployment dispatched")
}

func TestNotifier_BothAttemptsFail(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL).Send(context.Background(), SuccessMessage(testInfo()))
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestSend_DryRunDoesNotPost(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	n := New(srv.URL)
	n.DryRun = true
	require.NoError(t, n.Send(context.Background(), SuccessMessage(testInfo())))
	require.Zero(t, hits)
}
