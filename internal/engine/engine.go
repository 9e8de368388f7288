// Package engine is the coordinator's view of the workflow engine that owns
// approval process state.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/gkit/generator"

	"plan-coordinator/internal/modal"
)

// Engine is the workflow engine contract. Missing instances and tasks are
// reported as modal.ErrNotFound.
type Engine interface {
	StartProcess(ctx context.Context, key string, vars modal.Variables) (*modal.ProcessInstance, error)
	GetInstance(ctx context.Context, id string) (*modal.ProcessInstance, error)
	GetActivityNames(ctx context.Context, id string) ([]string, error)
	GetInstanceVariables(ctx context.Context, id string) (modal.Variables, error)
	SetInstanceVariables(ctx context.Context, id string, vars modal.Variables) error
	ListTasks(ctx context.Context, filter modal.TaskFilter) ([]modal.Task, error)
	GetTaskVariables(ctx context.Context, taskID string) (modal.Variables, error)
	// CompleteTask records a decision. It returns once the engine has applied
	// it, so a following GetInstance observes whether the process ended.
	CompleteTask(ctx context.Context, taskID string, vars modal.Variables) error
	// TerminateProcess ends an instance without a decision. It is used to
	// discard an instance whose submission lost the race for the draft.
	TerminateProcess(ctx context.Context, id, reason string) error
	// GetAuditLog returns the recorded events of an instance, running or
	// ended.
	GetAuditLog(ctx context.Context, id string) ([]modal.AuditEvent, error)
	Ping(ctx context.Context) error
}

// InstanceID builds a fresh process instance id for a draft. The snowflake
// suffix keeps resubmissions of the same draft on distinct instances.
func InstanceID(gen generator.Generator, draftID string) (string, error) {
	n, err := gen.NextID()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return fmt.Sprintf("plan-approval-%s-%d", draftID, n), nil
}

// ProcessOfTask extracts the process instance id from a task id of the form
// <processInstanceId>:<step>.
func ProcessOfTask(taskID string) (string, error) {
	i := strings.LastIndex(taskID, ":")
	if i <= 0 || i == len(taskID)-1 {
		return "", fmt.Errorf("%w: malformed task id %q", modal.ErrNotFound, taskID)
	}
	return taskID[:i], nil
}
