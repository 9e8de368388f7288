package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"plan-coordinator/internal/activities"
	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/rules"
)

const TaskQueue = "PLAN_APPROVAL_TASK_QUEUE"

// WorkflowType is the process key the coordinator starts.
const WorkflowType = "PlanApproval"

// Query and update names.
const (
	QueryVariables     = "variables"
	QueryTaskVariables = "task_variables"
	QueryPendingTask   = "pending_task"
	QueryActivities    = "current_activities"
	QueryAudit         = "audit_log"
	UpdateCompleteTask = "complete_task"
	UpdateSetVariables = "set_variables"
)

// Application error types surfaced to clients.
const (
	ErrTypeTaskNotFound    = "TaskNotFound"
	ErrTypeInvalidDecision = "InvalidDecision"
)

type ApprovalInput struct {
	Variables modal.Variables `json:"variables"`
	Policy    rules.Policy    `json:"policy"`
}

type ApprovalResult struct {
	Outcome string `json:"outcome"`
	Steps   int    `json:"steps"`
}

type CompleteTaskRequest struct {
	TaskID    string          `json:"taskId"`
	Variables modal.Variables `json:"variables"`
}

type CompleteTaskResult struct {
	Ended   bool   `json:"ended"`
	Outcome string `json:"outcome,omitempty"`
}

type workflowState struct {
	Variables   modal.Variables    `json:"variables"`
	Steps       []rules.Step       `json:"steps"`
	Current     int                `json:"current"`
	PendingTask *modal.Task        `json:"pendingTask,omitempty"`
	Audit       []modal.AuditEvent `json:"audit,omitempty"`
	decided     bool
}

// TaskID builds the id of the task for step index i of a process instance.
func TaskID(processInstanceID string, step int) string {
	return fmt.Sprintf("%s:%d", processInstanceID, step)
}

// PlanApproval runs the approval steps for one submission. Steps are resolved
// from the policy once at start; tasks are decided one at a time through the
// complete_task update. A rejection ends the process immediately.
func PlanApproval(ctx workflow.Context, in ApprovalInput) (ApprovalResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	processID := info.WorkflowExecution.ID
	logger.Info("plan approval started", "draftId", in.Variables.String(modal.VarDraftID))

	state := &workflowState{
		Variables: in.Variables.Merge(nil),
		Audit:     make([]modal.AuditEvent, 0),
	}

	appendAudit := func(kind, message string, data map[string]any) {
		state.Audit = append(state.Audit, modal.AuditEvent{
			At:      workflow.Now(ctx),
			Kind:    kind,
			Message: message,
			Data:    data,
		})
	}

	// Queries let the coordinator read process state without a separate DB.
	_ = workflow.SetQueryHandler(ctx, QueryVariables, func() (modal.Variables, error) {
		return state.Variables, nil
	})

	_ = workflow.SetQueryHandler(ctx, QueryTaskVariables, func(taskID string) (modal.Variables, error) {
		if state.PendingTask == nil || state.PendingTask.ID != taskID {
			return nil, temporal.NewApplicationError("task is not pending", ErrTypeTaskNotFound, taskID)
		}
		return state.Variables, nil
	})

	_ = workflow.SetQueryHandler(ctx, QueryPendingTask, func() (modal.Task, error) {
		if state.PendingTask == nil {
			return modal.Task{}, nil
		}
		return *state.PendingTask, nil
	})

	_ = workflow.SetQueryHandler(ctx, QueryActivities, func() ([]string, error) {
		if state.PendingTask == nil {
			return []string{}, nil
		}
		return []string{state.PendingTask.Name}, nil
	})

	_ = workflow.SetQueryHandler(ctx, QueryAudit, func() ([]modal.AuditEvent, error) {
		return state.Audit, nil
	})

	err := workflow.SetUpdateHandlerWithOptions(ctx, UpdateCompleteTask,
		func(ctx workflow.Context, req CompleteTaskRequest) (CompleteTaskResult, error) {
			approved, _ := req.Variables.Bool(modal.VarApproved)
			task := state.PendingTask
			state.Variables = state.Variables.Merge(req.Variables)
			state.PendingTask = nil

			res := CompleteTaskResult{Ended: !approved || state.Current == len(state.Steps)-1}
			if res.Ended {
				res.Outcome = modal.OutcomeRejected
				if approved {
					res.Outcome = modal.OutcomeApproved
				}
				state.Variables[modal.VarOutcome] = modal.StringValue(res.Outcome)
			}
			appendAudit("TASK_COMPLETED", "approval task completed", map[string]any{
				"taskId":   task.ID,
				"approved": approved,
				"by":       req.Variables.String(modal.VarCompletedBy),
			})
			state.decided = true
			return res, nil
		},
		workflow.UpdateHandlerOptions{
			Validator: func(ctx workflow.Context, req CompleteTaskRequest) error {
				if state.PendingTask == nil || state.PendingTask.ID != req.TaskID {
					return temporal.NewApplicationError("task is not pending", ErrTypeTaskNotFound, req.TaskID)
				}
				if _, ok := req.Variables.Bool(modal.VarApproved); !ok {
					return temporal.NewApplicationError("approved variable is required", ErrTypeInvalidDecision)
				}
				return nil
			},
		},
	)
	if err != nil {
		return ApprovalResult{}, err
	}

	err = workflow.SetUpdateHandler(ctx, UpdateSetVariables, func(ctx workflow.Context, vars modal.Variables) error {
		state.Variables = state.Variables.Merge(vars)
		appendAudit("VARIABLES_SET", "process variables updated", map[string]any{"count": len(vars)})
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}

	steps, err := in.Policy.Resolve(rules.NewExprEvaluator(), state.Variables.Plain())
	if err != nil {
		logger.Error("failed to resolve approval policy", "error", err)
		return ApprovalResult{}, temporal.NewNonRetryableApplicationError("invalid approval policy", "InvalidPolicy", err)
	}
	state.Steps = steps
	appendAudit("SUBMITTED", "plan submitted for approval", map[string]any{"steps": len(steps)})

	// Notifications are best effort; a failed notification never blocks the
	// approval itself.
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	for i, step := range steps {
		state.Current = i
		state.decided = false
		state.PendingTask = &modal.Task{
			ID:                TaskID(processID, i),
			ProcessInstanceID: processID,
			Name:              step.Name,
			Assignee:          step.Assignee,
			Candidates:        step.Candidates,
			CreatedAt:         workflow.Now(ctx),
		}
		appendAudit("TASK_CREATED", "approval task created", map[string]any{"taskId": state.PendingTask.ID, "name": step.Name})

		n := activities.Notification{
			TaskID:            state.PendingTask.ID,
			ProcessInstanceID: processID,
			TaskName:          step.Name,
			Assignee:          step.Assignee,
			Candidates:        step.Candidates,
			DraftID:           state.Variables.String(modal.VarDraftID),
			PlanName:          state.Variables.String(modal.VarPlanName),
		}
		if err := workflow.ExecuteActivity(actx, "NotifyApprovers", n).Get(ctx, nil); err != nil {
			logger.Warn("failed to notify approvers", "taskId", n.TaskID, "error", err)
		}

		if err := workflow.Await(ctx, func() bool { return state.decided }); err != nil {
			return ApprovalResult{}, err
		}
		if state.Variables.String(modal.VarOutcome) == modal.OutcomeRejected {
			break
		}
	}

	// Let the final update reply before the run closes.
	if err := workflow.Await(ctx, func() bool { return workflow.AllHandlersFinished(ctx) }); err != nil {
		return ApprovalResult{}, err
	}

	outcome := state.Variables.String(modal.VarOutcome)
	appendAudit("DONE", "plan approval finished", map[string]any{"outcome": outcome})
	logger.Info("plan approval finished", "outcome", outcome)
	return ApprovalResult{Outcome: outcome, Steps: len(steps)}, nil
}
