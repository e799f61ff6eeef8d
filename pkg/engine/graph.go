// Package engine executes the pipeline as a graph of gated stages.
package engine

import (
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/pkg/errors"
)

// Node is one stage and the stages whose terminal outcome it waits for.
type Node struct {
	Stage outcome.Stage
	Needs []outcome.Stage
}

// DeployGraph is the fixed deployment pipeline.
func DeployGraph() []Node {
	upstream := []outcome.Stage{
		outcome.StageDetect,
		outcome.StageSecurityScan,
		outcome.StageDependencyAudit,
		outcome.StageBuild,
		outcome.StageGitOps,
	}
	return []Node{
		{Stage: outcome.StageDetect},
		{Stage: outcome.StageSecurityScan, Needs: []outcome.Stage{outcome.StageDetect}},
		{Stage: outcome.StageDependencyAudit, Needs: []outcome.Stage{outcome.StageDetect}},
		{Stage: outcome.StageBuild, Needs: []outcome.Stage{outcome.StageDetect, outcome.StageSecurityScan, outcome.StageDependencyAudit}},
		{Stage: outcome.StageGitOps, Needs: []outcome.Stage{outcome.StageBuild}},
		{Stage: outcome.StageReport, Needs: upstream},
		{Stage: outcome.StageNotifySuccess, Needs: upstream},
		{Stage: outcome.StageNotifyFailure, Needs: upstream},
	}
}

// ValidateGraph rejects duplicate stages, unknown dependencies and cycles.
func ValidateGraph(nodes []Node) error {
	byStage := map[outcome.Stage]Node{}
	for _, n := range nodes {
		if _, ok := byStage[n.Stage]; ok {
			return errors.Errorf("duplicate stage %s", n.Stage)
		}
		byStage[n.Stage] = n
	}
	for _, n := range nodes {
		for _, dep := range n.Needs {
			if _, ok := byStage[dep]; !ok {
				return errors.Errorf("stage %s needs unknown stage %s", n.Stage, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[outcome.Stage]int{}
	var visit func(s outcome.Stage) error
	visit = func(s outcome.Stage) error {
		switch state[s] {
		case visiting:
			return errors.Errorf("cycle through stage %s", s)
		case done:
			return nil
		}
		state[s] = visiting
		for _, dep := range byStage[s].Needs {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[s] = done
		return nil
	}
	for _, n := range nodes {
		if err := visit(n.Stage); err != nil {
			return err
		}
	}
	return nil
}
