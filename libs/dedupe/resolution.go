package dedupe

import (
	"errors"
	"fmt"
	"slices"
)

var ErrInvalidTransition = errors.New("invalid resolution transition")

type ResolutionState string

const (
	StateIdle               ResolutionState = "idle"
	StateAwaitingResolution ResolutionState = "awaiting_resolution"
	StateResolved           ResolutionState = "resolved"
)

type ResolutionOutcome string

const (
	OutcomeNone         ResolutionOutcome = ""
	OutcomeContributed  ResolutionOutcome = "contributed"
	OutcomeSubmittedNew ResolutionOutcome = "submitted_new"
	OutcomeCancelled    ResolutionOutcome = "cancelled"
)

// Resolution tracks the reporter's decision once duplicates were surfaced.
// The zero value is Idle.
//
//	Idle --Await--> AwaitingResolution --Contribute--> Resolved(contributed)
//	                                   --Continue----> Resolved(submitted_new)
//	                                   --Cancel------> Idle
type Resolution struct {
	state      ResolutionState
	outcome    ResolutionOutcome
	candidates []string
	chosen     string
}

func (r *Resolution) State() ResolutionState {
	if r.state == "" {
		return StateIdle
	}
	return r.state
}

func (r *Resolution) Outcome() ResolutionOutcome { return r.outcome }

// ChosenReportID is the report contributed to, if any.
func (r *Resolution) ChosenReportID() string { return r.chosen }

// Await enters AwaitingResolution for a result that found duplicates.
func (r *Resolution) Await(result Result) error {
	if r.State() != StateIdle {
		return fmt.Errorf("%w: await from %s", ErrInvalidTransition, r.State())
	}
	if !result.HasDuplicates || len(result.SimilarReports) == 0 {
		return fmt.Errorf("%w: nothing to resolve", ErrInvalidTransition)
	}
	ids := make([]string, 0, len(result.SimilarReports))
	for _, similar := range result.SimilarReports {
		ids = append(ids, similar.ID)
	}
	r.state = StateAwaitingResolution
	r.outcome = OutcomeNone
	r.candidates = ids
	r.chosen = ""
	return nil
}

// Contribute resolves by adding the submission to one of the candidates. No
// new report is created.
func (r *Resolution) Contribute(reportID string) error {
	if r.State() != StateAwaitingResolution {
		return fmt.Errorf("%w: contribute from %s", ErrInvalidTransition, r.State())
	}
	if !slices.Contains(r.candidates, reportID) {
		return fmt.Errorf("%w: report %s is not a duplicate candidate", ErrInvalidTransition, reportID)
	}
	r.state = StateResolved
	r.outcome = OutcomeContributed
	r.chosen = reportID
	return nil
}

// Continue resolves by filing the submission as a new report.
func (r *Resolution) Continue() error {
	if r.State() != StateAwaitingResolution {
		return fmt.Errorf("%w: continue from %s", ErrInvalidTransition, r.State())
	}
	r.state = StateResolved
	r.outcome = OutcomeSubmittedNew
	return nil
}

// Cancel drops the submission and returns to Idle.
func (r *Resolution) Cancel() error {
	if r.State() != StateAwaitingResolution {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, r.State())
	}
	r.state = StateIdle
	r.outcome = OutcomeCancelled
	r.candidates = nil
	r.chosen = ""
	return nil
}

// Candidates returns the ids the reporter may contribute to.
func (r *Resolution) Candidates() []string {
	return slices.Clone(r.candidates)
}

// PersistsReport reports whether the resolution ends with a stored report.
// Every other exit must release the uploaded image.
func (r *Resolution) PersistsReport() bool {
	return r.state == StateResolved && r.outcome == OutcomeSubmittedNew
}

// RestoreResolution rebuilds an AwaitingResolution state from stored
// candidate ids, e.g. for a submission loaded from the pending store.
func RestoreResolution(candidates []string) (*Resolution, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: nothing to resolve", ErrInvalidTransition)
	}
	return &Resolution{
		state:      StateAwaitingResolution,
		candidates: slices.Clone(candidates),
	}, nil
}
