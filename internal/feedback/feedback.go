// Package feedback computes, for every job of a pipeline, how long after the
// pipeline started its result becomes known.
package feedback

import (
	"fmt"
	"sort"
	"time"

	"github.com/waabox/cilens/internal/domain"
)

// JobFeedback is the time-to-feedback of one job in one pipeline.
type JobFeedback struct {
	Name     string
	Status   domain.PipelineStatus
	Duration time.Duration
	// Finish is max(Finish of predecessors) + Duration.
	Finish time.Duration
	// Predecessors are the names of the jobs this job directly waited on.
	Predecessors []string
}

type node struct {
	job   domain.Job
	preds []int
}

const (
	unvisited uint8 = iota
	inProgress
	done
)

// Compute returns the feedback of every job in p, sorted by name.
//
// Each job name is represented by its final attempt. A job with explicit needs
// waits on those jobs; needs naming jobs absent from the pipeline contribute
// nothing. Any other job waits on every job of the closest earlier stage that
// has jobs. A cycle yields an error wrapping domain.ErrDependencyCycle.
func Compute(p domain.Pipeline) ([]JobFeedback, error) {
	nodes := buildGraph(p)

	state := make([]uint8, len(nodes))
	finish := make([]time.Duration, len(nodes))

	type frame struct {
		idx  int
		next int
	}
	for root := range nodes {
		if state[root] == done {
			continue
		}
		state[root] = inProgress
		stack := []frame{{idx: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := nodes[top.idx]
			if top.next < len(n.preds) {
				pred := n.preds[top.next]
				top.next++
				switch state[pred] {
				case inProgress:
					return nil, fmt.Errorf("pipeline %s: job %q depends on %q: %w",
						p.ID, n.job.Name, nodes[pred].job.Name, domain.ErrDependencyCycle)
				case unvisited:
					state[pred] = inProgress
					stack = append(stack, frame{idx: pred})
				}
				continue
			}
			var latest time.Duration
			for _, pred := range n.preds {
				if finish[pred] > latest {
					latest = finish[pred]
				}
			}
			finish[top.idx] = latest + n.job.Duration
			state[top.idx] = done
			stack = stack[:len(stack)-1]
		}
	}

	out := make([]JobFeedback, len(nodes))
	for i, n := range nodes {
		preds := make([]string, len(n.preds))
		for k, pred := range n.preds {
			preds[k] = nodes[pred].job.Name
		}
		sort.Strings(preds)
		out[i] = JobFeedback{
			Name:         n.job.Name,
			Status:       n.job.Status,
			Duration:     n.job.Duration,
			Finish:       finish[i],
			Predecessors: preds,
		}
	}
	return out, nil
}

// FinalAttempts returns the last attempt of every job name, sorted by name.
func FinalAttempts(jobs []domain.Job) []domain.Job {
	latest := make(map[string]domain.Job, len(jobs))
	for _, j := range jobs {
		if cur, ok := latest[j.Name]; !ok || j.RetryIndex >= cur.RetryIndex {
			latest[j.Name] = j
		}
	}
	out := make([]domain.Job, 0, len(latest))
	for _, j := range latest {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func buildGraph(p domain.Pipeline) []node {
	jobs := FinalAttempts(p.Jobs)
	nodes := make([]node, len(jobs))
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		nodes[i].job = j
		index[j.Name] = i
	}

	stageIndex := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if _, ok := stageIndex[s]; !ok {
			stageIndex[s] = i
		}
	}
	byStage := make(map[int][]int)
	for i, j := range jobs {
		si := stageIndex[j.Stage]
		byStage[si] = append(byStage[si], i)
	}
	populated := make([]int, 0, len(byStage))
	for si := range byStage {
		populated = append(populated, si)
	}
	sort.Ints(populated)

	for i, j := range jobs {
		if j.ExplicitNeeds {
			seen := make(map[int]bool, len(j.Needs))
			for _, name := range j.Needs {
				if pred, ok := index[name]; ok && !seen[pred] {
					seen[pred] = true
					nodes[i].preds = append(nodes[i].preds, pred)
				}
			}
			continue
		}
		if prev, ok := previousStage(populated, stageIndex[j.Stage]); ok {
			nodes[i].preds = append(nodes[i].preds, byStage[prev]...)
		}
	}
	return nodes
}

// previousStage returns the largest populated stage index below si.
func previousStage(populated []int, si int) (int, bool) {
	pos := sort.SearchInts(populated, si)
	if pos == 0 {
		return 0, false
	}
	return populated[pos-1], true
}

// FirstFeedback returns the earliest Finish among jobs, i.e. how long the
// pipeline took to report its first result. ok is false without jobs.
func FirstFeedback(jobs []JobFeedback) (time.Duration, bool) {
	if len(jobs) == 0 {
		return 0, false
	}
	first := jobs[0].Finish
	for _, j := range jobs[1:] {
		if j.Finish < first {
			first = j.Finish
		}
	}
	return first, true
}
