package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"

	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/rules"
	"plan-coordinator/internal/workflows"
)

// Dial connects to Temporal with logger as the SDK logger.
func Dial(hostPort, namespace string, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

type TemporalOptions struct {
	TaskQueue string
	Policy    rules.Policy
	// ExecutionTimeout bounds how long an approval may stay open. Zero means
	// no limit.
	ExecutionTimeout time.Duration
	// ListPageSize caps each visibility page when listing tasks.
	ListPageSize int32
	MachineID    uint16
}

// TemporalEngine implements Engine on Temporal. Each process instance is a
// PlanApproval workflow execution whose workflow id is the instance id.
type TemporalEngine struct {
	client client.Client
	opts   TemporalOptions
	ids    generator.Generator
	logger *slog.Logger
}

func NewTemporalEngine(c client.Client, opts TemporalOptions, logger *slog.Logger) *TemporalEngine {
	if opts.TaskQueue == "" {
		opts.TaskQueue = workflows.TaskQueue
	}
	if opts.ListPageSize <= 0 {
		opts.ListPageSize = 200
	}
	if len(opts.Policy.Steps) == 0 {
		opts.Policy = rules.DefaultPolicy()
	}
	return &TemporalEngine{
		client: c,
		opts:   opts,
		ids:    generator.NewSnowflake(time.Now().Add(-time.Second), opts.MachineID),
		logger: logger,
	}
}

func (e *TemporalEngine) StartProcess(ctx context.Context, key string, vars modal.Variables) (*modal.ProcessInstance, error) {
	wid, err := InstanceID(e.ids, vars.String(modal.VarDraftID))
	if err != nil {
		return nil, err
	}

	opts := client.StartWorkflowOptions{
		ID:                                       wid,
		TaskQueue:                                e.opts.TaskQueue,
		WorkflowExecutionTimeout:                 e.opts.ExecutionTimeout,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	we, err := e.client.ExecuteWorkflow(ctx, opts, key, workflows.ApprovalInput{
		Variables: vars,
		Policy:    e.opts.Policy,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", key, err)
	}
	e.logger.Info("process started", "processInstanceId", we.GetID(), "runId", we.GetRunID())
	return &modal.ProcessInstance{ID: we.GetID(), Status: enums.WORKFLOW_EXECUTION_STATUS_RUNNING.String()}, nil
}

func (e *TemporalEngine) GetInstance(ctx context.Context, id string) (*modal.ProcessInstance, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		return nil, mapError(err, "process instance "+id)
	}
	status := resp.GetWorkflowExecutionInfo().GetStatus()
	return &modal.ProcessInstance{
		ID:     id,
		Ended:  status != enums.WORKFLOW_EXECUTION_STATUS_RUNNING,
		Status: status.String(),
	}, nil
}

func (e *TemporalEngine) query(ctx context.Context, wid, queryType string, out any, args ...any) error {
	res, err := e.client.QueryWorkflow(ctx, wid, "", queryType, args...)
	if err != nil {
		return mapError(err, "process instance "+wid)
	}
	return res.Get(out)
}

func (e *TemporalEngine) GetActivityNames(ctx context.Context, id string) ([]string, error) {
	var names []string
	if err := e.query(ctx, id, workflows.QueryActivities, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (e *TemporalEngine) GetInstanceVariables(ctx context.Context, id string) (modal.Variables, error) {
	var vars modal.Variables
	if err := e.query(ctx, id, workflows.QueryVariables, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func (e *TemporalEngine) GetAuditLog(ctx context.Context, id string) ([]modal.AuditEvent, error) {
	var events []modal.AuditEvent
	if err := e.query(ctx, id, workflows.QueryAudit, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (e *TemporalEngine) SetInstanceVariables(ctx context.Context, id string, vars modal.Variables) error {
	handle, err := e.client.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   id,
		UpdateName:   workflows.UpdateSetVariables,
		Args:         []interface{}{vars},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return mapError(err, "process instance "+id)
	}
	if err := handle.Get(ctx, nil); err != nil {
		return mapError(err, "process instance "+id)
	}
	return nil
}

// ListTasks lists running approvals through visibility and asks each for its
// pending task. Executions that fail to answer are skipped and logged.
func (e *TemporalEngine) ListTasks(ctx context.Context, filter modal.TaskFilter) ([]modal.Task, error) {
	query := fmt.Sprintf(`WorkflowType = %q AND ExecutionStatus = "Running"`, workflows.WorkflowType)
	if filter.ProcessInstanceID != "" {
		query += fmt.Sprintf(` AND WorkflowId = %q`, filter.ProcessInstanceID)
	}

	var (
		tasks []modal.Task
		token []byte
	)
	for {
		resp, err := e.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
			Query:         query,
			PageSize:      e.opts.ListPageSize,
			NextPageToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		for _, ex := range resp.GetExecutions() {
			wid := ex.GetExecution().GetWorkflowId()
			if wid == "" {
				continue
			}
			var task modal.Task
			if err := e.query(ctx, wid, workflows.QueryPendingTask, &task); err != nil {
				e.logger.Warn("failed to query pending task", "processInstanceId", wid, "error", err)
				continue
			}
			if task.ID == "" || !task.VisibleTo(filter.User) {
				continue
			}
			tasks = append(tasks, task)
		}
		token = resp.GetNextPageToken()
		if len(token) == 0 {
			return tasks, nil
		}
	}
}

func (e *TemporalEngine) GetTaskVariables(ctx context.Context, taskID string) (modal.Variables, error) {
	wid, err := ProcessOfTask(taskID)
	if err != nil {
		return nil, err
	}
	var vars modal.Variables
	if err := e.query(ctx, wid, workflows.QueryTaskVariables, &vars, taskID); err != nil {
		var qf *serviceerror.QueryFailed
		if errors.As(err, &qf) {
			return nil, fmt.Errorf("%w: task %s: %s", modal.ErrNotFound, taskID, qf.Message)
		}
		return nil, err
	}
	return vars, nil
}

// CompleteTask sends the decision as a workflow update keyed by the task id, so
// a retried call is deduplicated. When the decision ends the process it waits
// for the execution to close.
func (e *TemporalEngine) CompleteTask(ctx context.Context, taskID string, vars modal.Variables) error {
	wid, err := ProcessOfTask(taskID)
	if err != nil {
		return err
	}
	handle, err := e.client.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		UpdateID:     "complete:" + taskID,
		WorkflowID:   wid,
		UpdateName:   workflows.UpdateCompleteTask,
		Args:         []interface{}{workflows.CompleteTaskRequest{TaskID: taskID, Variables: vars}},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return mapError(err, "task "+taskID)
	}
	var res workflows.CompleteTaskResult
	if err := handle.Get(ctx, &res); err != nil {
		return mapError(err, "task "+taskID)
	}
	if !res.Ended {
		return nil
	}
	if err := e.client.GetWorkflow(ctx, wid, "").Get(ctx, nil); err != nil {
		return fmt.Errorf("wait for %s to close: %w", wid, err)
	}
	return nil
}

func (e *TemporalEngine) TerminateProcess(ctx context.Context, id, reason string) error {
	if err := e.client.TerminateWorkflow(ctx, id, "", reason); err != nil {
		return mapError(err, "process instance "+id)
	}
	return nil
}

func (e *TemporalEngine) Ping(ctx context.Context) error {
	_, err := e.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

// mapError turns Temporal not-found conditions into modal.ErrNotFound.
func mapError(err error, what string) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", modal.ErrNotFound, what)
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == workflows.ErrTypeTaskNotFound {
		return fmt.Errorf("%w: %s", modal.ErrNotFound, what)
	}
	return err
}
