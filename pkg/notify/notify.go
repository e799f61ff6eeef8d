// Package notify sends the success or failure message for a deploying run to
// an incoming-webhook endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/deployctl/pkg/dispatch"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/go-go-golems/deployctl/pkg/trigger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Message is the structured notification document.
type Message struct {
	Header  string   `json:"header"`
	Fields  []Field  `json:"fields"`
	Body    string   `json:"body"`
	Actions []Action `json:"actions,omitempty"`
}

// Text flattens a message for endpoints that only take plain text.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Header)
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	if m.Body != "" {
		b.WriteString("\n" + m.Body)
	}
	for _, a := range m.Actions {
		fmt.Fprintf(&b, "\n%s: %s", a.Label, a.URL)
	}
	return b.String()
}

// Info is what both messages are built from.
type Info struct {
	Event       trigger.EventContext
	Services    []string
	VersionInfo string
	RunURL      string
}

func SuccessMessage(info Info) Message {
	return Message{
		Header:  "Deployment dispatched",
		Fields:  baseFields(info),
		Body:    fmt.Sprintf("%d service(s) built, pushed and handed to GitOps.", len(info.Services)),
		Actions: actions(info),
	}
}

// FailureMessage cites every failed gating stage by display name.
func FailureMessage(info Info, failed []outcome.Stage) Message {
	names := make([]string, 0, len(failed))
	for _, s := range failed {
		names = append(names, s.DisplayName())
	}
	fields := append(baseFields(info), Field{Name: "Failed stages", Value: strings.Join(names, ", ")})
	return Message{
		Header:  "Deployment failed",
		Fields:  fields,
		Body:    "Failed: " + strings.Join(names, ", "),
		Actions: actions(info),
	}
}

func baseFields(info Info) []Field {
	fields := []Field{
		{Name: "Branch", Value: info.Event.Branch},
		{Name: "Commit", Value: info.Event.ShortSHA()},
		{Name: "Services", Value: strings.Join(info.Services, ", ")},
	}
	if info.VersionInfo != "" {
		fields = append(fields, Field{Name: "Versions", Value: info.VersionInfo})
	}
	if info.Event.Actor != "" {
		fields = append(fields, Field{Name: "Actor", Value: info.Event.Actor})
	}
	return fields
}

func actions(info Info) []Action {
	if info.RunURL == "" {
		return nil
	}
	return []Action{{Label: "View run", URL: info.RunURL}}
}

type Notifier struct {
	// URL is the webhook endpoint; empty means notifications are skipped.
	URL        string
	HTTPClient *http.Client
	DryRun     bool
}

func New(url string) *Notifier {
	return &Notifier{URL: strings.TrimSpace(url), HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

func (n *Notifier) Configured() bool { return n != nil && n.URL != "" }

// Send posts the structured document and falls back to plain text once.
func (n *Notifier) Send(ctx context.Context, m Message) error {
	if !n.Configured() {
		return nil
	}
	if n.DryRun {
		log.Info().Str("header", m.Header).Str("text", m.Text()).Msg("dry-run: notification")
		return nil
	}
	_, _, err := dispatch.RunSequence(ctx, "webhook", []dispatch.Strategy{
		{Name: "structured", Send: func(ctx context.Context) error { return n.post(ctx, m) }},
		{Name: "text", Send: func(ctx context.Context) error {
			return n.post(ctx, map[string]string{"text": m.Text()})
		}},
	})
	return err
}

func (n *Notifier) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post notification")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
