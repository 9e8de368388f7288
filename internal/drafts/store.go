// Package drafts provides access to the draft store, the system of record for
// in-progress plan edits.
package drafts

import (
	"context"

	"github.com/google/uuid"

	"plan-coordinator/internal/modal"
)

// Store is the draft store contract.
type Store interface {
	// Create inserts a new draft in the draft state and returns its id.
	Create(ctx context.Context, d modal.NewDraft) (string, error)

	// Get returns modal.ErrNotFound when the draft does not exist.
	Get(ctx context.Context, id string) (*modal.Draft, error)

	// Update applies patch. It returns modal.ErrStatusConflict when
	// patch.ExpectedStatus does not hold, which is what keeps a draft from
	// having two active submissions.
	Update(ctx context.Context, id string, patch modal.DraftPatch) error

	List(ctx context.Context, filter modal.DraftFilter) ([]*modal.Draft, error)

	Ping(ctx context.Context) error
}

func newID() string {
	return uuid.New().String()
}

func statusAllowed(current modal.DraftStatus, expected []modal.DraftStatus) bool {
	if len(expected) == 0 {
		return true
	}
	for _, s := range expected {
		if s == current {
			return true
		}
	}
	return false
}

func baseVersionOrNew(v string) string {
	if v == "" {
		return modal.BaseVersionNew
	}
	return v
}

// apply mutates d according to patch.
func apply(d *modal.Draft, patch modal.DraftPatch) {
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.SubmissionID != nil {
		d.SubmissionID = *patch.SubmissionID
	}
	if patch.ResourceID != nil {
		d.ResourceID = *patch.ResourceID
	}
	if patch.BaseVersion != nil {
		d.BaseVersion = *patch.BaseVersion
	}
	if patch.PlanData != nil {
		d.PlanData = patch.PlanData.Clone()
	}
	if patch.UpdatedBy != "" {
		d.UpdatedBy = patch.UpdatedBy
	}
	if len(patch.SubmissionMetadata) > 0 {
		if d.SubmissionMetadata == nil {
			d.SubmissionMetadata = make(map[string]any, len(patch.SubmissionMetadata))
		}
		for k, v := range patch.SubmissionMetadata {
			if v == nil {
				delete(d.SubmissionMetadata, k)
				continue
			}
			d.SubmissionMetadata[k] = v
		}
	}
}
