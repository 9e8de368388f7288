// Package conflict compares plan versions and reconciles concurrent edits.
//
// All functions are pure. Version tokens are opaque and only compared for
// equality; documents are diffed at top-level field granularity.
package conflict

import (
	"reflect"
	"sort"

	"plan-coordinator/internal/modal"
)

type Type string

const (
	TypeNone            Type = "NONE"
	TypeVersionMismatch Type = "VERSION_MISMATCH"
	TypeResourceDeleted Type = "RESOURCE_DELETED"
)

// Changes maps a top-level field to its new value. A removed field maps to
// Removed.
type Changes map[string]any

// removedMarker stands in for a field deleted in the modified document.
type removedMarker struct{}

func (removedMarker) MarshalJSON() ([]byte, error) {
	return []byte(`{"$removed":true}`), nil
}

var Removed = removedMarker{}

func HasConflict(baseVersion, currentVersion string) bool {
	return baseVersion != currentVersion
}

// ExtractChanges returns every top-level field of modified whose value differs
// from original, plus fields present in original but missing from modified.
func ExtractChanges(original, modified modal.Document) Changes {
	changes := Changes{}
	for k, v := range modified {
		ov, ok := original[k]
		if !ok || !reflect.DeepEqual(ov, v) {
			changes[k] = v
		}
	}
	for k := range original {
		if _, ok := modified[k]; !ok {
			changes[k] = Removed
		}
	}
	return changes
}

// DetectRealConflicts reports whether a field was changed on both sides to
// different values.
func DetectRealConflicts(draftChanges, externalChanges Changes) bool {
	return len(ConflictingFields(draftChanges, externalChanges)) > 0
}

// ConflictingFields lists, sorted, the fields changed on both sides to
// different values.
func ConflictingFields(draftChanges, externalChanges Changes) []string {
	var fields []string
	for k, dv := range draftChanges {
		ev, ok := externalChanges[k]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(dv, ev) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// AutoMerge overlays the fields named in draftChanges on top of currentData.
// Values are copied from a clone of draftData, so the result shares no nested
// maps or slices with either input. It is only safe when DetectRealConflicts
// is false for the same change sets.
func AutoMerge(draftData, currentData modal.Document, draftChanges Changes) modal.Document {
	merged := currentData.Clone()
	if merged == nil {
		merged = modal.Document{}
	}
	draft := draftData.Clone()
	for k, v := range draftChanges {
		if _, removed := v.(removedMarker); removed {
			delete(merged, k)
			continue
		}
		if dv, ok := draft[k]; ok {
			merged[k] = dv
			continue
		}
		merged[k] = v
	}
	return merged
}

// Report is the outcome of comparing a draft against the current resource.
type Report struct {
	HasConflict     bool              `json:"hasConflict"`
	ConflictType    Type              `json:"conflictType"`
	DraftVersion    string            `json:"draftVersion"`
	CurrentVersion  string            `json:"currentVersion"`
	Mergeable       bool              `json:"mergeable"`
	DraftChanges    Changes           `json:"draftChanges,omitempty"`
	ExternalChanges Changes           `json:"externalChanges,omitempty"`
	Conflicts       map[string]Fields `json:"conflicts,omitempty"`
}

// Fields holds both sides of a conflicting field.
type Fields struct {
	Draft    any `json:"draft"`
	External any `json:"external"`
}

// Input is everything Evaluate needs. Base is the resource snapshot at
// DraftVersion; it may be nil when the repository no longer has it, in which
// case no change sets are computed and the conflict is not mergeable.
type Input struct {
	DraftVersion   string
	CurrentVersion string
	DraftData      modal.Document
	CurrentData    modal.Document
	Base           modal.Document
}

// Evaluate applies the conflict policy: equal versions proceed unchanged,
// disjoint change sets are mergeable, overlapping ones need manual resolution.
func Evaluate(in Input) Report {
	r := Report{
		ConflictType:   TypeNone,
		DraftVersion:   in.DraftVersion,
		CurrentVersion: in.CurrentVersion,
	}
	if !HasConflict(in.DraftVersion, in.CurrentVersion) {
		return r
	}
	r.HasConflict = true
	r.ConflictType = TypeVersionMismatch
	if in.Base == nil {
		return r
	}

	r.DraftChanges = ExtractChanges(in.Base, in.DraftData)
	r.ExternalChanges = ExtractChanges(in.Base, in.CurrentData)
	fields := ConflictingFields(r.DraftChanges, r.ExternalChanges)
	if len(fields) == 0 {
		r.Mergeable = true
		return r
	}
	r.Conflicts = make(map[string]Fields, len(fields))
	for _, f := range fields {
		r.Conflicts[f] = Fields{Draft: r.DraftChanges[f], External: r.ExternalChanges[f]}
	}
	return r
}

// Deleted builds the report for a draft whose linked resource disappeared.
func Deleted(draftVersion string) Report {
	return Report{
		HasConflict:  true,
		ConflictType: TypeResourceDeleted,
		DraftVersion: draftVersion,
	}
}
