package modal

import "time"

// Task is a single human approval step as exposed by the workflow engine.
type Task struct {
	ID                string    `json:"taskId"`
	ProcessInstanceID string    `json:"processInstanceId"`
	Name              string    `json:"name"`
	Assignee          string    `json:"assignee,omitempty"`
	Candidates        []string  `json:"candidates,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// VisibleTo reports whether user may act on the task. Tasks without an
// assignee or candidates are open to everyone.
func (t Task) VisibleTo(user string) bool {
	if user == "" {
		return true
	}
	if t.Assignee == user {
		return true
	}
	for _, c := range t.Candidates {
		if c == user {
			return true
		}
	}
	return t.Assignee == "" && len(t.Candidates) == 0
}

type TaskFilter struct {
	User              string
	ProcessInstanceID string
}

// EnrichedTask is the display view of a task joined with its draft.
type EnrichedTask struct {
	Task
	DraftID     string    `json:"draftId"`
	PlanName    string    `json:"planName"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
	DraftStatus string    `json:"draftStatus,omitempty"`
	Partial     bool      `json:"partial,omitempty"`
}

type ProcessInstance struct {
	ID     string `json:"id"`
	Ended  bool   `json:"ended"`
	Status string `json:"status,omitempty"`
}

type TaskDecision struct {
	TaskID   string `json:"taskId"`
	Approved bool   `json:"approved"`
	Comments string `json:"comments"`
	UserID   string `json:"userId"`
}

type AuditEvent struct {
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
