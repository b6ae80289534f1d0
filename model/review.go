// Package model defines the domain entities of the review engine: review
// requests and their lifecycle, AI-generated comments and analyses, token
// usage records, and prompt templates. Entities are plain value objects;
// ownership is expressed as "owning entity holds id, lookup via repository".
package model

import (
	"fmt"
	"time"
)

// ReviewState represents the lifecycle state of a review request.
type ReviewState string

const (
	// StatePending indicates the review has been created but not yet picked up.
	StatePending ReviewState = "Pending"

	// StateAIReviewing indicates the AI review job is running (or ended partial).
	StateAIReviewing ReviewState = "AIReviewing"

	// StateHumanReview indicates AI processing finished and humans take over.
	StateHumanReview ReviewState = "HumanReview"

	// StateApproved indicates a human approved the change.
	StateApproved ReviewState = "Approved"

	// StateRejected indicates a human rejected the change.
	StateRejected ReviewState = "Rejected"

	// StateMerged indicates the change was merged.
	StateMerged ReviewState = "Merged"
)

// ErrInvalidTransition is returned when a state change violates the review
// lifecycle. Use errors.As to recover the attempted edge.
type ErrInvalidTransition struct {
	From ReviewState
	To   ReviewState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid review state transition %s -> %s", e.From, e.To)
}

// stateEdges is the forward transition DAG. Backward moves are forbidden
// except through AdminReset.
var stateEdges = map[ReviewState][]ReviewState{
	StatePending:     {StateAIReviewing},
	StateAIReviewing: {StateHumanReview},
	StateHumanReview: {StateApproved, StateRejected},
	StateApproved:    {StateMerged},
	StateRejected:    {},
	StateMerged:      {},
}

// CanTransition reports whether moving from -> to follows the lifecycle DAG.
func CanTransition(from, to ReviewState) bool {
	for _, next := range stateEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReviewRequest is a user-submitted request to review targetBranch against
// baseBranch, optionally tied to a pull request. State is mutated only by
// orchestrators (to AIReviewing, then HumanReview) and by human actions.
type ReviewRequest struct {
	ID                int64       `json:"id" db:"id"`
	ProjectID         int64       `json:"projectId" db:"project_id"`
	Title             string      `json:"title" db:"title"`
	TargetBranch      string      `json:"targetBranch" db:"target_branch"`
	BaseBranch        string      `json:"baseBranch" db:"base_branch"`
	PullRequestNumber *int        `json:"pullRequestNumber,omitempty" db:"pull_request_number"`
	AuthorID          int64       `json:"authorId" db:"author_id"`
	State             ReviewState `json:"state" db:"state"`
	CreatedAt         time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time   `json:"updatedAt" db:"updated_at"`
}

// Transition moves the review to the given state, enforcing the lifecycle
// DAG. It updates UpdatedAt on success.
func (r *ReviewRequest) Transition(to ReviewState) error {
	if !CanTransition(r.State, to) {
		return &ErrInvalidTransition{From: r.State, To: to}
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// AdminReset is the single sanctioned backward edge: it returns the review
// to Pending so it can be re-reviewed from scratch.
func (r *ReviewRequest) AdminReset() {
	r.State = StatePending
	r.UpdatedAt = time.Now().UTC()
}
