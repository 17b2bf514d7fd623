package utils

import (
	"errors"
	"fmt"

	"propreach/models"
)

// Default delay applied to the edge created when a step is appended after
// an existing one.
const DefaultStepDelayDays = 2

var (
	ErrStepCycle    = errors.New("step graph contains a cycle")
	ErrLastStep     = errors.New("a campaign must retain at least one step")
	ErrNoSteps      = errors.New("campaign has no steps")
	ErrDanglingEdge = errors.New("edge targets a step that does not exist")
)

// ValidateStepGraph checks that every edge points at an existing step and
// that no step can reach itself. Run on every graph mutation so authoring
// mistakes fail fast instead of surfacing at traversal time.
func ValidateStepGraph(steps []models.Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}

	exists := make(map[uint]bool, len(steps))
	for _, s := range steps {
		exists[s.ID] = true
	}

	adjacency := make(map[uint][]uint, len(steps))
	indegree := make(map[uint]int, len(steps))
	for _, s := range steps {
		indegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, e := range s.Edges {
			if !exists[e.TargetStepID] {
				return fmt.Errorf("%w: step %d -> %d", ErrDanglingEdge, s.ID, e.TargetStepID)
			}
			adjacency[s.ID] = append(adjacency[s.ID], e.TargetStepID)
			indegree[e.TargetStepID]++
		}
	}

	// Kahn's algorithm: if we cannot peel every step, a cycle remains.
	queue := make([]uint, 0, len(steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(steps) {
		return ErrStepCycle
	}
	return nil
}

// EntryStep returns the step a new enrollment starts on: the earliest
// created step of the campaign.
func EntryStep(steps []models.Step) *models.Step {
	if len(steps) == 0 {
		return nil
	}
	entry := &steps[0]
	for i := range steps[1:] {
		s := &steps[i+1]
		if s.CreatedAt.Before(entry.CreatedAt) || (s.CreatedAt.Equal(entry.CreatedAt) && s.ID < entry.ID) {
			entry = s
		}
	}
	return entry
}

// NextEdge picks the transition a recipient takes out of a step: the first
// edge whose condition matches the enrollment outcome, or nil when none
// does (the recipient exits the sequence).
func NextEdge(edges []models.StepEdge, recipient models.CampaignRecipient) *models.StepEdge {
	for i := range edges {
		if EdgeMatches(edges[i], recipient) {
			return &edges[i]
		}
	}
	return nil
}

// DeferredEdge returns the first edge whose condition has not matched yet
// but still can before its delay elapses. Only open-conditioned edges
// qualify: an open may arrive during the wait, while a reply ends the
// enrollment through its own terminal path.
func DeferredEdge(edges []models.StepEdge, r models.CampaignRecipient) *models.StepEdge {
	for i := range edges {
		if edges[i].Condition == "opened" && r.OpenedAt == nil {
			return &edges[i]
		}
	}
	return nil
}

// EdgeMatches evaluates an edge condition against the recipient's recorded
// outcome. An empty condition is unconditional.
func EdgeMatches(e models.StepEdge, r models.CampaignRecipient) bool {
	switch e.Condition {
	case "":
		return true
	case "no_reply":
		return r.RepliedAt == nil
	case "opened":
		return r.OpenedAt != nil
	default:
		return false
	}
}
