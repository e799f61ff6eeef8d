// Package report aggregates a run into a read-only summary and renders it as
// markdown or as a terminal table.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/go-go-golems/deployctl/pkg/build"
	"github.com/go-go-golems/deployctl/pkg/changes"
	"github.com/go-go-golems/deployctl/pkg/dispatch"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/go-go-golems/deployctl/pkg/security"
	"github.com/go-go-golems/deployctl/pkg/trigger"
)

// Results are the per-stage outputs a summary can include. Nil means the
// stage produced nothing.
type Results struct {
	Versions []build.VersionRecord
	Scan     *security.ScanReport
	Audit    *security.AuditReport
	Dispatch *dispatch.Result
}

type RunSummary struct {
	Event      trigger.EventContext  `json:"event"`
	Changes    changes.ChangeSet     `json:"changes"`
	Outcomes   outcome.Set           `json:"outcomes"`
	Versions   []build.VersionRecord `json:"versions,omitempty"`
	Scan       *security.ScanReport  `json:"scan,omitempty"`
	Audit      *security.AuditReport `json:"audit,omitempty"`
	Dispatch   *dispatch.Result      `json:"dispatch,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Summarize snapshots the outcomes; later changes to the set do not leak in.
func Summarize(ev trigger.EventContext, cs changes.ChangeSet, outcomes outcome.Set, res Results, started, finished time.Time) RunSummary {
	return RunSummary{
		Event:      ev,
		Changes:    cs,
		Outcomes:   outcomes.Clone(),
		Versions:   append([]build.VersionRecord(nil), res.Versions...),
		Scan:       res.Scan,
		Audit:      res.Audit,
		Dispatch:   res.Dispatch,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

func (s RunSummary) Ok() bool { return len(s.Outcomes.Failed()) == 0 }

// ManualReconciliation lists image refs left behind by a failed dispatch.
func (s RunSummary) ManualReconciliation() []string {
	if s.Dispatch == nil {
		return nil
	}
	return s.Dispatch.ManualReconciliation
}

func icon(o outcome.Outcome) string {
	switch o {
	case outcome.Success:
		return IconSuccess
	case outcome.Failure:
		return IconFailure
	}
	return IconSkipped
}

func (s RunSummary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Deployment pipeline: %s", s.Event.Kind)
	if s.Event.Branch != "" {
		fmt.Fprintf(&b, " on `%s`", s.Event.Branch)
	}
	b.WriteString("\n\n")
	if sha := s.Event.ShortSHA(); sha != "" {
		fmt.Fprintf(&b, "Commit `%s`, run `%s`\n\n", sha, s.Event.RunID)
	}

	b.WriteString("| Stage | Outcome |\n|---|---|\n")
	for _, st := range s.Outcomes.Stages() {
		o := s.Outcomes.Get(st)
		fmt.Fprintf(&b, "| %s | %s %s |\n", st.DisplayName(), icon(o), o)
	}

	b.WriteString("\n### Services\n\n")
	if s.Changes.Empty() {
		b.WriteString("No services changed.\n")
	} else {
		fmt.Fprintf(&b, "%s (deploy: %t)\n", strings.Join(s.Changes.Services, ", "), s.Changes.ShouldDeploy)
	}

	if len(s.Versions) > 0 {
		b.WriteString("\n### Images\n\n| Service | Version | Tags |\n|---|---|---|\n")
		for _, v := range s.Versions {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", v.Service, v.Version, strings.Join(v.Tags, "<br>"))
		}
	}

	if s.Scan != nil && len(s.Scan.Units) > 0 {
		b.WriteString("\n### Security scan\n\n| Service | Findings | Status |\n|---|---|---|\n")
		for _, u := range s.Scan.Units {
			status := "ok"
			if u.Failed() {
				status = "error: " + u.Error
			}
			fmt.Fprintf(&b, "| %s | %d | %s |\n", u.Service, u.Findings, status)
		}
	}

	if s.Audit != nil && len(s.Audit.Manifests) > 0 {
		failed := s.Audit.Failed()
		fmt.Fprintf(&b, "\n### Dependency audit\n\n%d manifest(s) audited, %d with findings.\n", len(s.Audit.Manifests), len(failed))
		for _, f := range failed {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	if refs := s.ManualReconciliation(); len(refs) > 0 {
		b.WriteString("\n### Manual reconciliation required\n\n")
		b.WriteString("GitOps dispatch failed on every attempt. These images were pushed but never recorded in the manifest repository:\n\n")
		for _, r := range refs {
			fmt.Fprintf(&b, "- `%s`\n", r)
		}
	}
	return b.String()
}

// Render draws the outcome table for a terminal.
func (s RunSummary) Render(theme Theme) string {
	stages := s.Outcomes.Stages()
	rows := make([][]string, 0, len(stages))
	for _, st := range stages {
		o := s.Outcomes.Get(st)
		rows = append(rows, []string{st.DisplayName(), icon(o) + " " + string(o)})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.Border).
		Headers("Stage", "Outcome").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.Header
			}
			if col == 1 && row >= 0 && row < len(stages) {
				switch s.Outcomes.Get(stages[row]) {
				case outcome.Success:
					return theme.StatusSuccess
				case outcome.Failure:
					return theme.StatusFailure
				default:
					return theme.StatusSkipped
				}
			}
			return theme.Cell
		})

	var b strings.Builder
	b.WriteString(theme.Title.Render(fmt.Sprintf("deployctl %s run %s", s.Event.Kind, s.Event.RunID)))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	if refs := s.ManualReconciliation(); len(refs) > 0 {
		b.WriteString(theme.StatusFailure.Render("manual reconciliation required:"))
		b.WriteString("\n")
		for _, r := range refs {
			b.WriteString("  " + r + "\n")
		}
	}
	return b.String()
}
