package modal

type DraftStatus string

const (
	DraftStatusDraft     DraftStatus = "draft"
	DraftStatusSubmitted DraftStatus = "submitted"
	DraftStatusApproved  DraftStatus = "approved"
	DraftStatusRejected  DraftStatus = "rejected"
)

func (s DraftStatus) Valid() bool {
	switch s {
	case DraftStatusDraft, DraftStatusSubmitted, DraftStatusApproved, DraftStatusRejected:
		return true
	}
	return false
}

// BaseVersionNew marks a draft that does not derive from a published resource.
const BaseVersionNew = "new"

// Outcome values recorded in the "outcome" process variable.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Process variable names set at start and on task completion.
const (
	VarDraftID     = "draftId"
	VarDraftSource = "draftSource"
	VarBaseVersion = "baseVersion"
	VarResourceID  = "resourceId"
	VarSubmittedBy = "submittedBy"
	VarPlanName    = "planName"
	VarSubmittedAt = "submittedAt"
	VarApproved    = "approved"
	VarComments    = "comments"
	VarCompletedBy = "completedBy"
	VarOutcome     = "outcome"
	VarAutoMerged  = "autoMerged"
)
