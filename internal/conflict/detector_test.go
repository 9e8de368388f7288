package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-coordinator/internal/modal"
)

func TestHasConflict(t *testing.T) {
	pairs := []struct {
		base, current string
	}{
		{"v1", "v1"},
		{"v1", "v2"},
		{"10", "9"},
		{"9", "10"},
		{"", ""},
		{"new", "v1"},
		{"01HZX", "01hzx"},
	}
	for _, p := range pairs {
		assert.Equal(t, p.base != p.current, HasConflict(p.base, p.current), "%q vs %q", p.base, p.current)
	}
}

func TestExtractChanges(t *testing.T) {
	original := modal.Document{"name": "Plan", "steps": []any{"a"}, "owner": "x"}
	modified := modal.Document{"name": "Plan 2", "steps": []any{"a"}, "extra": true}

	changes := ExtractChanges(original, modified)
	assert.Equal(t, Changes{"name": "Plan 2", "extra": true, "owner": Removed}, changes)

	assert.Empty(t, ExtractChanges(original, original))
}

func TestDetectRealConflicts(t *testing.T) {
	t.Run("Disjoint", func(t *testing.T) {
		assert.False(t, DetectRealConflicts(Changes{"a": 1}, Changes{"b": 2}))
	})

	t.Run("SameValue", func(t *testing.T) {
		assert.False(t, DetectRealConflicts(Changes{"a": 1}, Changes{"a": 1}))
	})

	t.Run("Overlap", func(t *testing.T) {
		assert.True(t, DetectRealConflicts(Changes{"a": 1, "c": 3}, Changes{"a": 2}))
		assert.Equal(t, []string{"a"}, ConflictingFields(Changes{"a": 1, "c": 3}, Changes{"a": 2}))
	})
}

func TestAutoMerge(t *testing.T) {
	base := modal.Document{"name": "Plan", "goal": "g1", "owner": "x", "notes": "n"}
	draft := modal.Document{"name": "Plan v2", "goal": "g1", "owner": "x"}
	current := modal.Document{"name": "Plan", "goal": "g2", "owner": "x", "notes": "n", "tag": "t"}

	draftChanges := ExtractChanges(base, draft)
	externalChanges := ExtractChanges(base, current)
	require.False(t, DetectRealConflicts(draftChanges, externalChanges))

	merged := AutoMerge(draft, current, draftChanges)

	for k, v := range draftChanges {
		if v == Removed {
			assert.NotContains(t, merged, k)
			continue
		}
		assert.Equal(t, v, merged[k])
	}
	for k, v := range current {
		if _, touched := draftChanges[k]; touched {
			continue
		}
		assert.Equal(t, v, merged[k], "field %s", k)
	}
	assert.Equal(t, modal.Document{"name": "Plan v2", "goal": "g2", "owner": "x", "tag": "t"}, merged)

	// currentData is not modified in place
	assert.Equal(t, "Plan", current["name"])
}

func TestAutoMergeCopiesDraftValues(t *testing.T) {
	base := modal.Document{"name": "Plan", "steps": []any{"a"}}
	draft := modal.Document{"name": "Plan", "steps": []any{"a", "b"}, "meta": map[string]any{"owner": "x"}}
	current := modal.Document{"name": "Plan 2", "steps": []any{"a"}}

	draftChanges := ExtractChanges(base, draft)
	merged := AutoMerge(draft, current, draftChanges)
	assert.Equal(t, modal.Document{
		"name":  "Plan 2",
		"steps": []any{"a", "b"},
		"meta":  map[string]any{"owner": "x"},
	}, merged)

	draft["meta"].(map[string]any)["owner"] = "y"
	draft["steps"].([]any)[0] = "z"
	assert.Equal(t, "x", merged["meta"].(map[string]any)["owner"])
	assert.Equal(t, "a", merged["steps"].([]any)[0])
}

func TestEvaluate(t *testing.T) {
	base := modal.Document{"name": "Plan", "goal": "g1"}

	t.Run("NoConflict", func(t *testing.T) {
		r := Evaluate(Input{DraftVersion: "v1", CurrentVersion: "v1"})
		assert.False(t, r.HasConflict)
		assert.Equal(t, TypeNone, r.ConflictType)
	})

	t.Run("MismatchWithoutBase", func(t *testing.T) {
		r := Evaluate(Input{DraftVersion: "v1", CurrentVersion: "v2"})
		assert.True(t, r.HasConflict)
		assert.Equal(t, TypeVersionMismatch, r.ConflictType)
		assert.Equal(t, "v2", r.CurrentVersion)
		assert.False(t, r.Mergeable)
		assert.Nil(t, r.DraftChanges)
	})

	t.Run("Mergeable", func(t *testing.T) {
		r := Evaluate(Input{
			DraftVersion:   "v1",
			CurrentVersion: "v2",
			Base:           base,
			DraftData:      modal.Document{"name": "Renamed", "goal": "g1"},
			CurrentData:    modal.Document{"name": "Plan", "goal": "g2"},
		})
		assert.True(t, r.HasConflict)
		assert.True(t, r.Mergeable)
		assert.Empty(t, r.Conflicts)
		assert.Equal(t, Changes{"name": "Renamed"}, r.DraftChanges)
		assert.Equal(t, Changes{"goal": "g2"}, r.ExternalChanges)
	})

	t.Run("RealConflict", func(t *testing.T) {
		r := Evaluate(Input{
			DraftVersion:   "v1",
			CurrentVersion: "v2",
			Base:           base,
			DraftData:      modal.Document{"name": "Mine", "goal": "g1"},
			CurrentData:    modal.Document{"name": "Theirs", "goal": "g1"},
		})
		assert.False(t, r.Mergeable)
		assert.Equal(t, map[string]Fields{"name": {Draft: "Mine", External: "Theirs"}}, r.Conflicts)
	})
}
