// Package trigger turns the invoking CI event into an EventContext.
package trigger

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindSchedule    Kind = "schedule"
	KindManual      Kind = "manual"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return KindPush, nil
	case "pull_request", "pull_request_target", "pr":
		return KindPullRequest, nil
	case "schedule", "scheduled", "cron":
		return KindSchedule, nil
	case "manual", "workflow_dispatch", "dispatch":
		return KindManual, nil
	}
	return "", errors.Errorf("unsupported event %q", s)
}

// EventContext is built once at pipeline start and shared read-only by
// every stage.
type EventContext struct {
	Kind       Kind   `json:"kind"`
	Ref        string `json:"ref"`
	Branch     string `json:"branch"`
	BaseSHA    string `json:"base_sha,omitempty"`
	HeadSHA    string `json:"head_sha,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Repository string `json:"repository,omitempty"`
	RunID      string `json:"run_id"`
	RunNumber  int64  `json:"run_number,omitempty"`
}

// ShortSHA is the first seven characters of the head commit.
func (e EventContext) ShortSHA() string {
	if len(e.HeadSHA) > 7 {
		return e.HeadSHA[:7]
	}
	return e.HeadSHA
}

// Overrides come from command-line flags and win over the environment.
type Overrides struct {
	Event   string
	Ref     string
	BaseSHA string
	HeadSHA string
	RunID   string
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// eventPayload is the subset of the CI event file that classification reads.
type eventPayload struct {
	Before      string `json:"before"`
	After       string `json:"after"`
	PullRequest *struct {
		Base struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

// FromEnvironment classifies the current process environment.
func FromEnvironment(o Overrides) (EventContext, error) {
	return Classify(os.LookupEnv, os.ReadFile, o)
}

// Classify reads GitHub Actions style variables through lookup and the event
// payload file through readFile.
func Classify(lookup LookupFunc, readFile func(string) ([]byte, error), o Overrides) (EventContext, error) {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}

	name := o.Event
	if name == "" {
		name = get("GITHUB_EVENT_NAME")
	}
	if name == "" {
		return EventContext{}, errors.New("no event given (set --event or GITHUB_EVENT_NAME)")
	}
	kind, err := ParseKind(name)
	if err != nil {
		return EventContext{}, err
	}

	ev := EventContext{
		Kind:       kind,
		Ref:        firstNonEmpty(o.Ref, get("GITHUB_REF")),
		HeadSHA:    firstNonEmpty(o.HeadSHA, get("GITHUB_SHA")),
		BaseSHA:    o.BaseSHA,
		Actor:      get("GITHUB_ACTOR"),
		Repository: get("GITHUB_REPOSITORY"),
		RunID:      firstNonEmpty(o.RunID, get("GITHUB_RUN_ID")),
	}
	if n := get("GITHUB_RUN_NUMBER"); n != "" {
		if v, err := strconv.ParseInt(n, 10, 64); err == nil {
			ev.RunNumber = v
		}
	}

	if path := get("GITHUB_EVENT_PATH"); path != "" && readFile != nil {
		b, err := readFile(path)
		if err != nil {
			return EventContext{}, errors.Wrap(err, "read event payload")
		}
		var p eventPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return EventContext{}, errors.Wrap(err, "parse event payload")
		}
		if kind == KindPullRequest && p.PullRequest != nil {
			ev.BaseSHA = firstNonEmpty(ev.BaseSHA, p.PullRequest.Base.SHA)
			if o.HeadSHA == "" && p.PullRequest.Head.SHA != "" {
				ev.HeadSHA = p.PullRequest.Head.SHA
			}
			if ev.Branch == "" {
				ev.Branch = p.PullRequest.Head.Ref
			}
		}
		if kind == KindPush && !isZeroSHA(p.Before) {
			ev.BaseSHA = firstNonEmpty(ev.BaseSHA, p.Before)
		}
	}

	if ev.Branch == "" {
		ev.Branch = firstNonEmpty(get("GITHUB_HEAD_REF"), BranchFromRef(ev.Ref))
	}
	if ev.RunID == "" {
		ev.RunID = "local"
	}
	if kind == KindPullRequest && ev.BaseSHA == "" {
		return EventContext{}, errors.New("pull_request event without base revision")
	}
	return ev, nil
}

// BranchFromRef strips refs/heads/ from a fully qualified ref.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func isZeroSHA(s string) bool {
	return strings.Trim(s, "0") == ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
