package outcome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_GetDefaultsToSkipped(t *testing.T) {
	s := Set{StageDetect: Success}
	require.Equal(t, Success, s.Get(StageDetect))
	require.Equal(t, Skipped, s.Get(StageBuild))
}

func TestSet_FailedInPipelineOrder(t *testing.T) {
	s := Set{
		StageGitOps:          Failure,
		StageDependencyAudit: Failure,
		StageBuild:           Success,
	}
	require.Equal(t, []Stage{StageDependencyAudit, StageGitOps}, s.Failed())
}

func TestSet_StagesOrdering(t *testing.T) {
	s := Set{
		StageReport:     Success,
		Stage("custom"): Skipped,
		StageDetect:     Success,
	}
	require.Equal(t, []Stage{StageDetect, StageReport, Stage("custom")}, s.Stages())
}

func TestParse(t *testing.T) {
	o, err := Parse("failure")
	require.NoError(t, err)
	require.Equal(t, Failure, o)

	_, err = Parse("cancelled")
	require.Error(t, err)
}
