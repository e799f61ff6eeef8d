// Package gate holds the predicates that decide whether a pipeline stage
// executes. Every predicate is pure: it only reads the Input it is given.
package gate

import (
	"github.com/go-go-golems/deployctl/pkg/outcome"
)

// Input is everything a gate may look at.
type Input struct {
	HasServices  bool
	ShouldDeploy bool
	Outcomes     outcome.Set
}

type Predicate func(Input) bool

func Always(Input) bool { return true }

func SecurityScan(in Input) bool {
	return in.HasServices
}

func DependencyAudit(in Input) bool {
	return in.HasServices
}

// VersionBuild lets security findings through but not an audit that could
// not run. A skipped scan blocks, since it means the scan never happened.
func VersionBuild(in Input) bool {
	if !in.HasServices || !in.ShouldDeploy {
		return false
	}
	if !in.Outcomes.Is(outcome.StageDependencyAudit, outcome.Success) {
		return false
	}
	scan := in.Outcomes.Get(outcome.StageSecurityScan)
	return scan == outcome.Success || scan == outcome.Failure
}

func GitOpsDispatch(in Input) bool {
	return in.Outcomes.Is(outcome.StageBuild, outcome.Success)
}

func Report(in Input) bool {
	return in.HasServices
}

func NotifySuccess(in Input) bool {
	return in.HasServices && in.ShouldDeploy &&
		in.Outcomes.Is(outcome.StageGitOps, outcome.Success)
}

func NotifyFailure(in Input) bool {
	return in.HasServices && in.ShouldDeploy && len(FailedGatingStages(in.Outcomes)) > 0
}

// FailedGatingStages lists which of the stages that drive the failure
// notification failed, in pipeline order.
func FailedGatingStages(set outcome.Set) []outcome.Stage {
	var out []outcome.Stage
	for _, st := range []outcome.Stage{outcome.StageDependencyAudit, outcome.StageBuild, outcome.StageGitOps} {
		if set.Is(st, outcome.Failure) {
			out = append(out, st)
		}
	}
	return out
}

// For returns the predicate that guards a stage.
func For(stage outcome.Stage) Predicate {
	switch stage {
	case outcome.StageSecurityScan:
		return SecurityScan
	case outcome.StageDependencyAudit:
		return DependencyAudit
	case outcome.StageBuild:
		return VersionBuild
	case outcome.StageGitOps:
		return GitOpsDispatch
	case outcome.StageReport:
		return Report
	case outcome.StageNotifySuccess:
		return NotifySuccess
	case outcome.StageNotifyFailure:
		return NotifyFailure
	}
	return Always
}
