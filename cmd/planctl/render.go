package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/modal"
)

// renderer formats API results for the terminal. With pretty off it emits
// plain, uncolored lines suitable for scripts.
type renderer struct {
	pretty bool
}

func (r *renderer) header(sb *strings.Builder, title string, width int) {
	if r.pretty {
		sb.WriteString(color.CyanString(title) + "\n")
		sb.WriteString(strings.Repeat("─", width) + "\n")
		return
	}
	sb.WriteString(title + "\n")
}

func (r *renderer) ok(s string) string {
	if r.pretty {
		return color.GreenString("✓ ") + s
	}
	return "ok: " + s
}

func (r *renderer) fail(s string) string {
	if r.pretty {
		return color.RedString("✗ ") + s
	}
	return "error: " + s
}

func (r *renderer) dim(s string) string {
	if r.pretty {
		return color.HiBlackString(s)
	}
	return s
}

func (r *renderer) outcome(o coordinator.Outcome) string {
	if !r.pretty {
		return string(o)
	}
	switch o {
	case coordinator.OutcomeApprovedAndPublished, coordinator.OutcomePendingApproval:
		return color.GreenString(string(o))
	case coordinator.OutcomeApprovedPendingNext:
		return color.CyanString(string(o))
	case coordinator.OutcomeRejected, coordinator.OutcomeVersionConflict:
		return color.RedString(string(o))
	}
	return color.YellowString(string(o))
}

func (r *renderer) active(b bool) string {
	switch {
	case b && r.pretty:
		return color.GreenString("active")
	case b:
		return "active"
	case r.pretty:
		return color.HiBlackString("ended")
	}
	return "ended"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func (r *renderer) Submit(res *coordinator.SubmitResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  draft %s\n", r.outcome(res.Status), res.DraftID)
	if res.ProcessInstanceID != "" {
		fmt.Fprintf(&sb, "  process:  %s\n", res.ProcessInstanceID)
	}
	if res.AutoMerged {
		fmt.Fprintf(&sb, "  %s\n", r.ok("external changes merged into draft"))
	}
	if res.Conflict != nil && res.Conflict.HasConflict {
		sb.WriteString(r.Conflict(res.Conflict))
	}
	return sb.String()
}

func (r *renderer) Approval(res *coordinator.ApprovalResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  draft %s\n", r.outcome(res.Status), res.DraftID)
	if res.TaskID != "" {
		fmt.Fprintf(&sb, "  task:     %s\n", res.TaskID)
	}
	if res.ProcessInstanceID != "" {
		fmt.Fprintf(&sb, "  process:  %s\n", res.ProcessInstanceID)
	}
	if res.ResourceID != "" {
		fmt.Fprintf(&sb, "  plan:     %s @ %s\n", res.ResourceID, res.Version)
	}
	if res.Conflict != nil && res.Conflict.HasConflict {
		sb.WriteString(r.Conflict(res.Conflict))
	}
	return sb.String()
}

func (r *renderer) Conflict(rep *conflict.Report) string {
	var sb strings.Builder
	if !rep.HasConflict {
		sb.WriteString(r.ok(fmt.Sprintf("no conflict (base %s, current %s)", rep.DraftVersion, rep.CurrentVersion)) + "\n")
		return sb.String()
	}
	kind := string(rep.ConflictType)
	if rep.Mergeable {
		kind += ", mergeable"
	}
	sb.WriteString(r.fail(fmt.Sprintf("conflict: %s (base %s, current %s)", kind, rep.DraftVersion, rep.CurrentVersion)) + "\n")

	fields := make([]string, 0, len(rep.Conflicts))
	for f := range rep.Conflicts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		c := rep.Conflicts[f]
		fmt.Fprintf(&sb, "    %s: draft=%s external=%s\n", f, compact(c.Draft), compact(c.External))
	}
	return sb.String()
}

func (r *renderer) Status(s *coordinator.ApprovalStatus) string {
	var sb strings.Builder
	r.header(&sb, "Draft "+s.DraftID, 50)
	fmt.Fprintf(&sb, "  status:    %s\n", s.DraftStatus)
	if s.ResourceID != "" {
		fmt.Fprintf(&sb, "  plan:      %s\n", s.ResourceID)
	}
	fmt.Fprintf(&sb, "  base:      %s\n", s.BaseVersion)
	if s.ProcessInstanceID != "" {
		fmt.Fprintf(&sb, "  process:   %s (%s)\n", s.ProcessInstanceID, r.active(s.ProcessActive))
	}
	if len(s.CurrentActivities) > 0 {
		fmt.Fprintf(&sb, "  waiting:   %s\n", strings.Join(s.CurrentActivities, ", "))
	}
	keys := make([]string, 0, len(s.SubmissionMetadata))
	for k := range s.SubmissionMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s %s\n", r.dim(k+":"), compact(s.SubmissionMetadata[k]))
	}
	return sb.String()
}

func (r *renderer) Tasks(tasks []modal.EnrichedTask) string {
	if len(tasks) == 0 {
		return "No pending tasks\n"
	}
	var sb strings.Builder
	r.header(&sb, fmt.Sprintf("Pending tasks (%d)", len(tasks)), 60)
	for _, t := range tasks {
		name := t.PlanName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&sb, "%s  %s  %s\n", t.ID, name, r.dim(stamp(t.SubmittedAt)))
		fmt.Fprintf(&sb, "    step %s, draft %s by %s\n", t.Name, t.DraftID, t.SubmittedBy)
		if t.Partial {
			fmt.Fprintf(&sb, "    %s\n", r.fail("draft details unavailable"))
		}
	}
	return sb.String()
}

func (r *renderer) Plans(plans []coordinator.PlanView) string {
	if len(plans) == 0 {
		return "No published plans\n"
	}
	var sb strings.Builder
	r.header(&sb, fmt.Sprintf("Plans (%d)", len(plans)), 60)
	for _, p := range plans {
		fmt.Fprintf(&sb, "%s  %s  v%s  %s\n", p.ID, p.Data.Name(), p.Version, r.dim(stamp(p.UpdatedAt)))
		if p.PendingDraftID != "" {
			fmt.Fprintf(&sb, "    change under approval: draft %s (%s)\n", p.PendingDraftID, r.active(p.ProcessActive))
		}
		if p.Error != "" {
			fmt.Fprintf(&sb, "    %s\n", r.fail(p.Error))
		}
	}
	return sb.String()
}

func (r *renderer) Drafts(drafts []coordinator.DraftView) string {
	if len(drafts) == 0 {
		return "No drafts\n"
	}
	var sb strings.Builder
	r.header(&sb, fmt.Sprintf("Drafts (%d)", len(drafts)), 60)
	for _, d := range drafts {
		target := "new plan"
		if d.Linked() {
			target = d.ResourceID + " @ " + d.BaseVersion
		}
		fmt.Fprintf(&sb, "%s  %-9s  %s  %s\n", d.ID, d.Status, d.PlanData.Name(), r.dim(target))
		if d.SubmissionID != "" {
			fmt.Fprintf(&sb, "    process %s (%s)\n", d.SubmissionID, r.active(d.ProcessActive))
		}
		if d.Error != "" {
			fmt.Fprintf(&sb, "    %s\n", r.fail(d.Error))
		}
	}
	return sb.String()
}

func (r *renderer) History(events []modal.AuditEvent) string {
	if len(events) == 0 {
		return "No history\n"
	}
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "%s %-15s %s\n", r.dim(stamp(e.At)), e.Kind, e.Message)
	}
	return sb.String()
}

func (r *renderer) Health(h *coordinator.Health) string {
	var sb strings.Builder
	r.header(&sb, "Collaborators", 40)
	names := make([]string, 0, len(h.Components))
	for n := range h.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := h.Components[n]
		line := fmt.Sprintf("%-20s %dms", n, c.LatencyMS)
		if c.Error != "" {
			fmt.Fprintf(&sb, "  %s  %s\n", r.fail(line), r.dim(c.Error))
			continue
		}
		fmt.Fprintf(&sb, "  %s\n", r.ok(line))
	}
	return sb.String()
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
