package engine

import (
	"fmt"

	"gateline/internal/domain"
)

// TransitionError is the conflict-class rejection for a status edge that the
// graph (or the acting principal) does not permit. The request is never
// coerced to a nearby valid state.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ConflictError rejects a mutation against state that moved since the caller
// last read it, e.g. a review decision on an item no longer in review.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// ValidationError rejects a malformed or incomplete request body before any
// state mutation is attempted.
type ValidationError struct {
	Field string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// edges is the lifecycle graph for human principals. resolved and archived
// are terminal apart from the explicit reopen edges.
var edges = map[string][]string{
	domain.StatusOpen:       {domain.StatusInProgress, domain.StatusInReview, domain.StatusArchived},
	domain.StatusInProgress: {domain.StatusInReview, domain.StatusArchived},
	domain.StatusInReview:   {domain.StatusResolved, domain.StatusInProgress, domain.StatusArchived},
	domain.StatusResolved:   {domain.StatusOpen, domain.StatusInProgress},
	domain.StatusArchived:   {domain.StatusOpen, domain.StatusInProgress},
}

func validStatus(s string) bool {
	_, ok := edges[s]
	return ok
}

func validEdge(from, to string) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

func terminal(status string) bool {
	return status == domain.StatusResolved || status == domain.StatusArchived
}

// ensureTransition validates one edge. Callers handle the from==to no-op
// before calling. Agents may only enter in_review and may never act on a
// terminal item; humans may apply any edge in the graph, including the
// reopen edges out of terminal states.
func ensureTransition(from, to string, agent bool) error {
	if agent {
		if terminal(from) {
			return TransitionError{From: from, To: to}
		}
		if to != domain.StatusInReview {
			return TransitionError{From: from, To: to}
		}
	}
	if !validEdge(from, to) {
		return TransitionError{From: from, To: to}
	}
	return nil
}
