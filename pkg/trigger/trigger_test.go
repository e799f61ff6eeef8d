package trigger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func filesOf(m map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		v, ok := m[p]
		if !ok {
			return nil, errors.New("not found")
		}
		return []byte(v), nil
	}
}

func TestClassify_Push(t *testing.T) {
	ev, err := Classify(envOf(map[string]string{
		"GITHUB_EVENT_NAME": "push",
		"GITHUB_REF":        "refs/heads/main",
		"GITHUB_SHA":        "0123456789abcdef",
		"GITHUB_RUN_ID":     "42",
		"GITHUB_RUN_NUMBER": "7",
		"GITHUB_ACTOR":      "octo",
		"GITHUB_EVENT_PATH": "/event.json",
	}), filesOf(map[string]string{
		"/event.json": `{"before":"aaaaaaa","after":"0123456789abcdef"}`,
	}), Overrides{})
	require.NoError(t, err)
	require.Equal(t, KindPush, ev.Kind)
	require.Equal(t, "main", ev.Branch)
	require.Equal(t, "aaaaaaa", ev.BaseSHA)
	require.Equal(t, "0123456", ev.ShortSHA())
	require.Equal(t, int64(7), ev.RunNumber)
	require.Equal(t, "42", ev.RunID)
}

func TestClassify_PushFirstCommitHasNoBase(t *testing.T) {
	ev, err := Classify(envOf(map[string]string{
		"GITHUB_EVENT_NAME": "push",
		"GITHUB_REF":        "refs/heads/main",
		"GITHUB_EVENT_PATH": "/event.json",
	}), filesOf(map[string]string{
		"/event.json": `{"before":"0000000000000000000000000000000000000000"}`,
	}), Overrides{})
	require.NoError(t, err)
	require.Empty(t, ev.BaseSHA)
}

func TestClassify_PullRequest(t *testing.T) {
	ev, err := Classify(envOf(map[string]string{
		"GITHUB_EVENT_NAME": "pull_request",
		"GITHUB_REF":        "refs/pull/3/merge",
		"GITHUB_HEAD_REF":   "feature",
		"GITHUB_EVENT_PATH": "/event.json",
	}), filesOf(map[string]string{
		"/event.json": `{"pull_request":{"base":{"sha":"b1","ref":"main"},"head":{"sha":"h1","ref":"feature"}}}`,
	}), Overrides{})
	require.NoError(t, err)
	require.Equal(t, KindPullRequest, ev.Kind)
	require.Equal(t, "b1", ev.BaseSHA)
	require.Equal(t, "h1", ev.HeadSHA)
	require.Equal(t, "feature", ev.Branch)
}

func TestClassify_PullRequestWithoutBaseFails(t *testing.T) {
	_, err := Classify(envOf(map[string]string{"GITHUB_EVENT_NAME": "pull_request"}), nil, Overrides{})
	require.Error(t, err)
}

func TestClassify_ManualFromOverrides(t *testing.T) {
	ev, err := Classify(envOf(nil), nil, Overrides{Event: "workflow_dispatch", Ref: "refs/heads/release"})
	require.NoError(t, err)
	require.Equal(t, KindManual, ev.Kind)
	require.Equal(t, "release", ev.Branch)
	require.Equal(t, "local", ev.RunID)
}

func TestClassify_UnknownEvent(t *testing.T) {
	_, err := Classify(envOf(map[string]string{"GITHUB_EVENT_NAME": "issue_comment"}), nil, Overrides{})
	require.Error(t, err)

	_, err = Classify(envOf(nil), nil, Overrides{})
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("schedule")
	require.NoError(t, err)
	require.Equal(t, KindSchedule, k)
}
