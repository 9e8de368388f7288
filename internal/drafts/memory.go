package drafts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"plan-coordinator/internal/modal"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]modal.Draft
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts: make(map[string]modal.Draft),
		now:    time.Now,
	}
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func (s *MemoryStore) Create(ctx context.Context, nd modal.NewDraft) (string, error) {
	return withContext(ctx, func() (string, error) {
		now := s.now().UTC()
		d := modal.Draft{
			ID:          newID(),
			PlanData:    nd.PlanData.Clone(),
			Status:      modal.DraftStatusDraft,
			ResourceID:  nd.ResourceID,
			BaseVersion: baseVersionOrNew(nd.BaseVersion),
			CreatedBy:   nd.CreatedBy,
			UpdatedBy:   nd.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.drafts[d.ID] = d
		return d.ID, nil
	})
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*modal.Draft, error) {
	return withContext(ctx, func() (*modal.Draft, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		d, ok := s.drafts[id]
		if !ok {
			return nil, fmt.Errorf("%w: draft id=%s", modal.ErrNotFound, id)
		}
		return copyDraft(d), nil
	})
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch modal.DraftPatch) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		d, ok := s.drafts[id]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: draft id=%s", modal.ErrNotFound, id)
		}
		if !statusAllowed(d.Status, patch.ExpectedStatus) {
			return struct{}{}, fmt.Errorf("%w: draft id=%s status=%s", modal.ErrStatusConflict, id, d.Status)
		}
		if patch.SubmissionID != nil && *patch.SubmissionID != "" {
			for otherID, other := range s.drafts {
				if otherID != id && other.SubmissionID == *patch.SubmissionID {
					return struct{}{}, fmt.Errorf("%w: submission %s already bound to draft %s", modal.ErrStatusConflict, *patch.SubmissionID, otherID)
				}
			}
		}
		d = *copyDraft(d)
		apply(&d, patch)
		d.UpdatedAt = s.now().UTC()
		s.drafts[id] = d
		return struct{}{}, nil
	})
	return err
}

func (s *MemoryStore) List(ctx context.Context, filter modal.DraftFilter) ([]*modal.Draft, error) {
	return withContext(ctx, func() ([]*modal.Draft, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]*modal.Draft, 0, len(s.drafts))
		for _, d := range s.drafts {
			d := d
			if filter.Match(&d) {
				out = append(out, copyDraft(d))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out, nil
	})
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyDraft(d modal.Draft) *modal.Draft {
	c := d
	c.PlanData = d.PlanData.Clone()
	if d.SubmissionMetadata != nil {
		c.SubmissionMetadata = make(map[string]any, len(d.SubmissionMetadata))
		for k, v := range d.SubmissionMetadata {
			c.SubmissionMetadata[k] = v
		}
	}
	return &c
}
