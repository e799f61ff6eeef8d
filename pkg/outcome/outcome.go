package outcome

import (
	"sort"

	"github.com/pkg/errors"
)

// Outcome is the terminal result a stage records. It never changes once set.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
	Skipped Outcome = "skipped"
)

func (o Outcome) Valid() bool {
	switch o {
	case Success, Failure, Skipped:
		return true
	}
	return false
}

func Parse(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", errors.Errorf("invalid outcome %q", s)
	}
	return o, nil
}

type Stage string

const (
	StageDetect          Stage = "detect"
	StageSecurityScan    Stage = "security_scan"
	StageDependencyAudit Stage = "dependency_audit"
	StageBuild           Stage = "build"
	StageGitOps          Stage = "gitops"
	StageReport          Stage = "report"
	StageNotifySuccess   Stage = "notify_success"
	StageNotifyFailure   Stage = "notify_failure"
)

var displayNames = map[Stage]string{
	StageDetect:          "Detect Changes",
	StageSecurityScan:    "Security Scan",
	StageDependencyAudit: "Dependency Audit",
	StageBuild:           "Build & Versioning",
	StageGitOps:          "GitOps Dispatch",
	StageReport:          "Summary",
	StageNotifySuccess:   "Notify Success",
	StageNotifyFailure:   "Notify Failure",
}

// AllStages lists stages in topological order.
func AllStages() []Stage {
	return []Stage{
		StageDetect,
		StageSecurityScan,
		StageDependencyAudit,
		StageBuild,
		StageGitOps,
		StageReport,
		StageNotifySuccess,
		StageNotifyFailure,
	}
}

func (s Stage) DisplayName() string {
	if n, ok := displayNames[s]; ok {
		return n
	}
	return string(s)
}

// Set is a read-only snapshot of stage outcomes. Stages that have not
// finished are absent; Get reports them as skipped.
type Set map[Stage]Outcome

func (s Set) Get(stage Stage) Outcome {
	if o, ok := s[stage]; ok {
		return o
	}
	return Skipped
}

func (s Set) Is(stage Stage, o Outcome) bool {
	return s.Get(stage) == o
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Failed returns the stages that failed, in topological order.
func (s Set) Failed() []Stage {
	var out []Stage
	for _, st := range AllStages() {
		if s.Get(st) == Failure {
			out = append(out, st)
		}
	}
	return out
}

// Stages returns recorded stages sorted by topological order, unknown
// stage ids last in lexical order.
func (s Set) Stages() []Stage {
	order := map[Stage]int{}
	for i, st := range AllStages() {
		order[st] = i
	}
	out := make([]Stage, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, iok := order[out[i]]
		oj, jok := order[out[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return out[i] < out[j]
	})
	return out
}
