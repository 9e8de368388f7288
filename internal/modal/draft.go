package modal

import "time"

type Draft struct {
	ID                 string         `json:"id"`
	PlanData           Document       `json:"planData"`
	Status             DraftStatus    `json:"status"`
	ResourceID         string         `json:"resourceId,omitempty"`
	BaseVersion        string         `json:"baseVersion"`
	SubmissionID       string         `json:"submissionId,omitempty"`
	CreatedBy          string         `json:"createdBy"`
	UpdatedBy          string         `json:"updatedBy"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	SubmissionMetadata map[string]any `json:"submissionMetadata,omitempty"`
}

// Linked reports whether the draft edits an already published resource.
func (d *Draft) Linked() bool {
	return d.ResourceID != ""
}

type NewDraft struct {
	PlanData    Document `json:"planData"`
	CreatedBy   string   `json:"createdBy"`
	ResourceID  string   `json:"resourceId,omitempty"`
	BaseVersion string   `json:"baseVersion,omitempty"`
}

// DraftPatch is a partial update. Nil fields are left unchanged and
// SubmissionMetadata is merged key by key, a nil value removing the key. When
// ExpectedStatus is non-empty the update only applies if the stored status is
// one of them.
type DraftPatch struct {
	Status             *DraftStatus
	SubmissionID       *string
	ResourceID         *string
	BaseVersion        *string
	PlanData           Document
	UpdatedBy          string
	SubmissionMetadata map[string]any
	ExpectedStatus     []DraftStatus
}

type DraftFilter struct {
	CreatedBy  string
	Statuses   []DraftStatus
	ResourceID string
}

func (f DraftFilter) Match(d *Draft) bool {
	if f.CreatedBy != "" && d.CreatedBy != f.CreatedBy {
		return false
	}
	if f.ResourceID != "" && d.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T {
	return &v
}
