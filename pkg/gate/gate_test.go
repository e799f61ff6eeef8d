package gate

import (
	"testing"

	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/stretchr/testify/require"
)

func ran(pass bool) []outcome.Outcome {
	if pass {
		return []outcome.Outcome{outcome.Success, outcome.Failure}
	}
	return []outcome.Outcome{outcome.Skipped}
}

// reachable walks every outcome combination the stage graph can produce.
func reachable(fn func(Input)) {
	for _, hasServices := range []bool{false, true} {
		for _, shouldDeploy := range []bool{false, true} {
			base := Input{HasServices: hasServices, ShouldDeploy: shouldDeploy, Outcomes: outcome.Set{outcome.StageDetect: outcome.Success}}
			for _, scan := range ran(SecurityScan(base)) {
				for _, audit := range ran(DependencyAudit(base)) {
					in := Input{HasServices: hasServices, ShouldDeploy: shouldDeploy, Outcomes: base.Outcomes.Clone()}
					in.Outcomes[outcome.StageSecurityScan] = scan
					in.Outcomes[outcome.StageDependencyAudit] = audit
					for _, build := range ran(VersionBuild(in)) {
						withBuild := Input{HasServices: hasServices, ShouldDeploy: shouldDeploy, Outcomes: in.Outcomes.Clone()}
						withBuild.Outcomes[outcome.StageBuild] = build
						for _, gitops := range ran(GitOpsDispatch(withBuild)) {
							final := Input{HasServices: hasServices, ShouldDeploy: shouldDeploy, Outcomes: withBuild.Outcomes.Clone()}
							final.Outcomes[outcome.StageGitOps] = gitops
							fn(final)
						}
					}
				}
			}
		}
	}
}

func TestNotifyGates_MutuallyExclusive(t *testing.T) {
	n := 0
	reachable(func(in Input) {
		n++
		require.False(t, NotifySuccess(in) && NotifyFailure(in), "both notify gates open for %+v", in)
	})
	require.Greater(t, n, 10)
}

func TestVersionBuild_SecurityFindingsDoNotBlock(t *testing.T) {
	in := Input{
		HasServices:  true,
		ShouldDeploy: true,
		Outcomes: outcome.Set{
			outcome.StageSecurityScan:    outcome.Failure,
			outcome.StageDependencyAudit: outcome.Success,
		},
	}
	require.True(t, VersionBuild(in))
}

func TestVersionBuild_AuditFailureBlocks(t *testing.T) {
	in := Input{
		HasServices:  true,
		ShouldDeploy: true,
		Outcomes: outcome.Set{
			outcome.StageSecurityScan:    outcome.Success,
			outcome.StageDependencyAudit: outcome.Failure,
		},
	}
	require.False(t, VersionBuild(in))
}

func TestVersionBuild_RequiresDeployAndServices(t *testing.T) {
	outcomes := outcome.Set{
		outcome.StageSecurityScan:    outcome.Success,
		outcome.StageDependencyAudit: outcome.Success,
	}
	require.False(t, VersionBuild(Input{HasServices: true, ShouldDeploy: false, Outcomes: outcomes}))
	require.False(t, VersionBuild(Input{HasServices: false, ShouldDeploy: true, Outcomes: outcomes}))
	require.False(t, VersionBuild(Input{HasServices: true, ShouldDeploy: true, Outcomes: outcome.Set{
		outcome.StageDependencyAudit: outcome.Success,
	}}))
}

func TestNotifyFailure_CitesBuild(t *testing.T) {
	in := Input{
		HasServices:  true,
		ShouldDeploy: true,
		Outcomes: outcome.Set{
			outcome.StageSecurityScan:    outcome.Success,
			outcome.StageDependencyAudit: outcome.Success,
			outcome.StageBuild:           outcome.Failure,
			outcome.StageGitOps:          outcome.Skipped,
		},
	}
	require.True(t, NotifyFailure(in))
	require.False(t, NotifySuccess(in))
	require.Equal(t, []outcome.Stage{outcome.StageBuild}, FailedGatingStages(in.Outcomes))
	require.Equal(t, "Build & Versioning", outcome.StageBuild.DisplayName())
}

func TestNotifyGates_NoDeployNoNotify(t *testing.T) {
	in := Input{
		HasServices: true,
		Outcomes: outcome.Set{
			outcome.StageDependencyAudit: outcome.Failure,
		},
	}
	require.False(t, NotifyFailure(in))
	require.False(t, NotifySuccess(in))
}

func TestFor_MapsStages(t *testing.T) {
	in := Input{}
	require.True(t, For(outcome.StageDetect)(in))
	require.False(t, For(outcome.StageReport)(in))
	require.False(t, For(outcome.StageGitOps)(in))
}
