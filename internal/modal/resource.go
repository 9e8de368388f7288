package modal

import "time"

// Resource is a published, versioned plan. Version is an opaque token and is
// only ever compared for equality.
type Resource struct {
	ID                 string    `json:"id"`
	Data               Document  `json:"data"`
	Version            string    `json:"version"`
	SourceDraftID      string    `json:"sourceDraftId,omitempty"`
	SourceSubmissionID string    `json:"sourceSubmissionId,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type ResourceWrite struct {
	Data               Document
	SourceDraftID      string
	SourceSubmissionID string
	// IdempotencyKey makes Create return the earlier resource on replay.
	IdempotencyKey string
}

type ResourceFilter struct {
	NameContains  string
	SourceDraftID string
	Limit         int
}
