// Package resources provides access to the resource repository holding
// published, versioned plans.
package resources

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"plan-coordinator/internal/modal"
)

// Repository is the resource repository contract. Versions are opaque tokens.
type Repository interface {
	// Get returns the current version of a resource or modal.ErrNotFound.
	Get(ctx context.Context, id string) (*modal.Resource, error)

	// GetVersion returns a historical snapshot or modal.ErrNotFound.
	GetVersion(ctx context.Context, id, version string) (*modal.Resource, error)

	// Create stores a new resource. A repeated IdempotencyKey returns the
	// resource created by the first call.
	Create(ctx context.Context, w modal.ResourceWrite) (*modal.Resource, error)

	// Update replaces the data of id if its current version equals
	// expectedVersion, otherwise it returns modal.ErrVersionConflict.
	Update(ctx context.Context, id string, w modal.ResourceWrite, expectedVersion string) (*modal.Resource, error)

	Search(ctx context.Context, filter modal.ResourceFilter) ([]*modal.Resource, error)

	Ping(ctx context.Context) error
}

func newVersion() string {
	return ulid.Make().String()
}

func newResourceID() string {
	return uuid.New().String()
}

func matches(r *modal.Resource, f modal.ResourceFilter) bool {
	if f.SourceDraftID != "" && r.SourceDraftID != f.SourceDraftID {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(r.Data.Name()), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}
