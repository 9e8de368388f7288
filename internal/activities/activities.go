package activities

import (
	"context"

	"go.temporal.io/sdk/activity"
)

// Notification describes a new approval task for its approvers.
type Notification struct {
	TaskID            string   `json:"taskId"`
	ProcessInstanceID string   `json:"processInstanceId"`
	TaskName          string   `json:"taskName"`
	Assignee          string   `json:"assignee,omitempty"`
	Candidates        []string `json:"candidates,omitempty"`
	DraftID           string   `json:"draftId"`
	PlanName          string   `json:"planName"`
}

// Notifier delivers notifications. A nil Notifier only logs.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, n Notification) error
}

type Activities struct {
	Notifier Notifier
}

// Recipients returns the assignee followed by the candidates, without
// duplicates.
func (n Notification) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range append([]string{n.Assignee}, n.Candidates...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func (a *Activities) NotifyApprovers(ctx context.Context, n Notification) error {
	logger := activity.GetLogger(ctx)
	recipients := n.Recipients()
	logger.Info("approval task awaiting decision",
		"taskId", n.TaskID, "task", n.TaskName, "planName", n.PlanName, "recipients", recipients)

	if a.Notifier == nil || len(recipients) == 0 {
		return nil
	}
	return a.Notifier.Notify(ctx, recipients, n)
}
