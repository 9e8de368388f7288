package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"plan-coordinator/internal/modal"
)

// MemoryRepository is an in-memory Repository. It counts writes so tests can
// assert that a flow never published.
type MemoryRepository struct {
	mu       sync.RWMutex
	current  map[string]modal.Resource
	history  map[string]map[string]modal.Resource
	idem     map[string]string
	writes   map[string]int
	failNext error
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		current: make(map[string]modal.Resource),
		history: make(map[string]map[string]modal.Resource),
		idem:    make(map[string]string),
		writes:  make(map[string]int),
		now:     time.Now,
	}
}

// FailNextWrite makes the next Create or Update return err.
func (m *MemoryRepository) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Writes returns how many successful writes were made for a source draft.
func (m *MemoryRepository) Writes(draftID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[draftID]
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*modal.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.current[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource id=%s", modal.ErrNotFound, id)
	}
	return copyResource(r), nil
}

func (m *MemoryRepository) GetVersion(ctx context.Context, id, version string) (*modal.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[id][version]
	if !ok {
		return nil, fmt.Errorf("%w: resource id=%s version=%s", modal.ErrNotFound, id, version)
	}
	return copyResource(r), nil
}

func (m *MemoryRepository) Create(ctx context.Context, w modal.ResourceWrite) (*modal.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if w.IdempotencyKey != "" {
		if id, ok := m.idem[w.IdempotencyKey]; ok {
			return copyResource(m.current[id]), nil
		}
	}
	r := m.store(newResourceID(), w)
	if w.IdempotencyKey != "" {
		m.idem[w.IdempotencyKey] = r.ID
	}
	return copyResource(r), nil
}

func (m *MemoryRepository) Update(ctx context.Context, id string, w modal.ResourceWrite, expectedVersion string) (*modal.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	cur, ok := m.current[id]
	if !ok {
		return nil, fmt.Errorf("%w: resource id=%s", modal.ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: resource id=%s expected=%s current=%s", modal.ErrVersionConflict, id, expectedVersion, cur.Version)
	}
	return copyResource(m.store(id, w)), nil
}

func (m *MemoryRepository) Search(ctx context.Context, f modal.ResourceFilter) ([]*modal.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*modal.Resource, 0, len(m.current))
	for _, r := range m.current {
		r := r
		if matches(&r, f) {
			out = append(out, copyResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Put seeds a resource at a fixed version, recording it in history.
func (m *MemoryRepository) Put(r modal.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Data = r.Data.Clone()
	m.current[r.ID] = r
	if m.history[r.ID] == nil {
		m.history[r.ID] = make(map[string]modal.Resource)
	}
	m.history[r.ID][r.Version] = r
}

// store must be called with the write lock held.
func (m *MemoryRepository) store(id string, w modal.ResourceWrite) modal.Resource {
	r := modal.Resource{
		ID:                 id,
		Data:               w.Data.Clone(),
		Version:            newVersion(),
		SourceDraftID:      w.SourceDraftID,
		SourceSubmissionID: w.SourceSubmissionID,
		UpdatedAt:          m.now().UTC(),
	}
	m.current[id] = r
	if m.history[id] == nil {
		m.history[id] = make(map[string]modal.Resource)
	}
	m.history[id][r.Version] = r
	if w.SourceDraftID != "" {
		m.writes[w.SourceDraftID]++
	}
	return r
}

func (m *MemoryRepository) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func copyResource(r modal.Resource) *modal.Resource {
	c := r
	c.Data = r.Data.Clone()
	return &c
}
