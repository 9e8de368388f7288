package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/rules"
	"plan-coordinator/internal/workflows"
)

type memInstance struct {
	id      string
	key     string
	vars    modal.Variables
	steps   []rules.Step
	current int
	task    *modal.Task
	audit   []modal.AuditEvent
}

type endedInstance struct {
	vars  modal.Variables
	audit []modal.AuditEvent
}

// MemoryEngine runs the same approval semantics as the PlanApproval workflow
// in process. Ended instances are removed, so GetInstance reports them as
// not found, while their variables stay readable from history.
type MemoryEngine struct {
	mu        sync.Mutex
	policy    rules.Policy
	evaluator rules.Evaluator
	ids       generator.Generator
	running   map[string]*memInstance
	history   map[string]endedInstance
	started   int
	failures  map[string]error
	now       func() time.Time
}

func NewMemoryEngine(policy rules.Policy) *MemoryEngine {
	return &MemoryEngine{
		policy:    policy,
		evaluator: rules.NewExprEvaluator(),
		ids:       generator.NewSnowflake(time.Now().Add(-time.Second), 1),
		running:   make(map[string]*memInstance),
		history:   make(map[string]endedInstance),
		failures:  make(map[string]error),
		now:       time.Now,
	}
}

// Fail makes the next call of the named method return err.
func (m *MemoryEngine) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// Started returns how many process instances were started.
func (m *MemoryEngine) Started() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *MemoryEngine) fail(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

func (m *MemoryEngine) StartProcess(ctx context.Context, key string, vars modal.Variables) (*modal.ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "StartProcess"); err != nil {
		return nil, err
	}
	if key != workflows.WorkflowType {
		return nil, fmt.Errorf("%w: process definition %q", modal.ErrNotFound, key)
	}
	vars = vars.Merge(nil)
	steps, err := m.policy.Resolve(m.evaluator, vars.Plain())
	if err != nil {
		return nil, err
	}
	id, err := InstanceID(m.ids, vars.String(modal.VarDraftID))
	if err != nil {
		return nil, err
	}
	inst := &memInstance{id: id, key: key, vars: vars, steps: steps}
	m.record(inst, "SUBMITTED", "plan submitted for approval", map[string]any{"steps": len(steps)})
	m.openTask(inst)
	m.running[id] = inst
	m.started++
	return &modal.ProcessInstance{ID: id, Status: "RUNNING"}, nil
}

func (m *MemoryEngine) openTask(inst *memInstance) {
	step := inst.steps[inst.current]
	inst.task = &modal.Task{
		ID:                workflows.TaskID(inst.id, inst.current),
		ProcessInstanceID: inst.id,
		Name:              step.Name,
		Assignee:          step.Assignee,
		Candidates:        step.Candidates,
		CreatedAt:         m.now().UTC(),
	}
	m.record(inst, "TASK_CREATED", "approval task created", map[string]any{"taskId": inst.task.ID, "name": step.Name})
}

func (m *MemoryEngine) record(inst *memInstance, kind, message string, data map[string]any) {
	inst.audit = append(inst.audit, modal.AuditEvent{At: m.now().UTC(), Kind: kind, Message: message, Data: data})
}

// end moves an instance to history.
func (m *MemoryEngine) end(inst *memInstance, outcome string) {
	inst.vars[modal.VarOutcome] = modal.StringValue(outcome)
	m.record(inst, "DONE", "plan approval finished", map[string]any{"outcome": outcome})
	m.history[inst.id] = endedInstance{vars: inst.vars, audit: inst.audit}
	delete(m.running, inst.id)
}

func (m *MemoryEngine) GetInstance(ctx context.Context, id string) (*modal.ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "GetInstance"); err != nil {
		return nil, err
	}
	if _, ok := m.running[id]; !ok {
		return nil, fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
	}
	return &modal.ProcessInstance{ID: id, Status: "RUNNING"}, nil
}

func (m *MemoryEngine) GetActivityNames(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "GetActivityNames"); err != nil {
		return nil, err
	}
	inst, ok := m.running[id]
	if !ok {
		return nil, fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
	}
	if inst.task == nil {
		return []string{}, nil
	}
	return []string{inst.task.Name}, nil
}

func (m *MemoryEngine) GetInstanceVariables(ctx context.Context, id string) (modal.Variables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "GetInstanceVariables"); err != nil {
		return nil, err
	}
	if inst, ok := m.running[id]; ok {
		return inst.vars.Merge(nil), nil
	}
	if ended, ok := m.history[id]; ok {
		return ended.vars.Merge(nil), nil
	}
	return nil, fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
}

func (m *MemoryEngine) SetInstanceVariables(ctx context.Context, id string, vars modal.Variables) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "SetInstanceVariables"); err != nil {
		return err
	}
	inst, ok := m.running[id]
	if !ok {
		return fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
	}
	inst.vars = inst.vars.Merge(vars)
	m.record(inst, "VARIABLES_SET", "process variables updated", map[string]any{"count": len(vars)})
	return nil
}

func (m *MemoryEngine) ListTasks(ctx context.Context, filter modal.TaskFilter) ([]modal.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "ListTasks"); err != nil {
		return nil, err
	}
	var out []modal.Task
	for _, inst := range m.running {
		if inst.task == nil {
			continue
		}
		if filter.ProcessInstanceID != "" && inst.id != filter.ProcessInstanceID {
			continue
		}
		if !inst.task.VisibleTo(filter.User) {
			continue
		}
		out = append(out, *inst.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryEngine) taskInstance(taskID string) (*memInstance, error) {
	pid, err := ProcessOfTask(taskID)
	if err != nil {
		return nil, err
	}
	inst, ok := m.running[pid]
	if !ok || inst.task == nil || inst.task.ID != taskID {
		return nil, fmt.Errorf("%w: task %s", modal.ErrNotFound, taskID)
	}
	return inst, nil
}

func (m *MemoryEngine) GetTaskVariables(ctx context.Context, taskID string) (modal.Variables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "GetTaskVariables"); err != nil {
		return nil, err
	}
	inst, err := m.taskInstance(taskID)
	if err != nil {
		return nil, err
	}
	return inst.vars.Merge(nil), nil
}

func (m *MemoryEngine) CompleteTask(ctx context.Context, taskID string, vars modal.Variables) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "CompleteTask"); err != nil {
		return err
	}
	inst, err := m.taskInstance(taskID)
	if err != nil {
		return err
	}
	approved, ok := vars.Bool(modal.VarApproved)
	if !ok {
		return fmt.Errorf("complete task %s: approved variable is required", taskID)
	}
	inst.vars = inst.vars.Merge(vars)
	m.record(inst, "TASK_COMPLETED", "approval task completed", map[string]any{
		"taskId":   taskID,
		"approved": approved,
		"by":       vars.String(modal.VarCompletedBy),
	})
	inst.task = nil

	if approved && inst.current < len(inst.steps)-1 {
		inst.current++
		m.openTask(inst)
		return nil
	}

	outcome := modal.OutcomeRejected
	if approved {
		outcome = modal.OutcomeApproved
	}
	m.end(inst, outcome)
	return nil
}

func (m *MemoryEngine) TerminateProcess(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "TerminateProcess"); err != nil {
		return err
	}
	inst, ok := m.running[id]
	if !ok {
		return fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
	}
	m.end(inst, "terminated: "+reason)
	return nil
}

func (m *MemoryEngine) GetAuditLog(ctx context.Context, id string) ([]modal.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(ctx, "GetAuditLog"); err != nil {
		return nil, err
	}
	var events []modal.AuditEvent
	if inst, ok := m.running[id]; ok {
		events = inst.audit
	} else if ended, ok := m.history[id]; ok {
		events = ended.audit
	} else {
		return nil, fmt.Errorf("%w: process instance %s", modal.ErrNotFound, id)
	}
	out := make([]modal.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

// Running returns the number of instances that have not ended.
func (m *MemoryEngine) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *MemoryEngine) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail(ctx, "Ping")
}
