package events

const TopicPipeline = "deployctl.pipeline"

const (
	TypeRunStarted      = "run.started"
	TypeRunFinished     = "run.finished"
	TypeStageStarted    = "stage.started"
	TypeStageFinished   = "stage.finished"
	TypeDispatchAttempt = "dispatch.attempt"
)
