// Package main provides planctl, the command line client for the plan
// approval coordinator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"plan-coordinator/internal/config"
	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/drafts"
	"plan-coordinator/internal/modal"
)

var (
	serverURL  string
	timeout    time.Duration
	jsonOutput bool
	pretty     = true
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "planctl",
		Short: "Submit, review and publish plans",
		Long: `planctl talks to the plan approval API.

Drafts are edited locally with 'planctl draft', submitted with 'planctl submit'
and decided by approvers with 'planctl approve' or 'planctl reject'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !pretty || jsonOutput {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envDefault("PLANS_URL", "http://localhost:8090"), "API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "Pretty print output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "author", Title: "Authoring:"},
		&cobra.Group{ID: "review", Title: "Review:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)

	for _, c := range []*cobra.Command{draftCmd(), submitCmd(), resubmitCmd(), conflictCmd(), draftsCmd()} {
		c.GroupID = "author"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{tasksCmd(), decideCmd(true), decideCmd(false), statusCmd(), historyCmd()} {
		c.GroupID = "review"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{plansCmd(), publishCmd(), healthCmd()} {
		c.GroupID = "ops"
		rootCmd.AddCommand(c)
	}

	if err := rootCmd.Execute(); err != nil {
		r := &renderer{pretty: pretty && !jsonOutput}
		fmt.Fprintln(os.Stderr, r.fail(err.Error()))
		os.Exit(1)
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// call runs fn against the API with the command's context and the
// configured timeout.
func call(cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, newClient(serverURL, timeout))
}

// emit prints v as JSON when --json is set, otherwise the rendered text.
func emit(w io.Writer, v any, text func(r *renderer) string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := io.WriteString(w, text(&renderer{pretty: pretty}))
	return err
}

// conflictDetails prints the conflict report carried by a 409 response.
func conflictDetails(w io.Writer, err error) error {
	var f *apiFailure
	if !errors.As(err, &f) || f.Code != string(coordinator.KindVersionConflict) || len(f.Details) == 0 {
		return err
	}
	var rep conflict.Report
	if json.Unmarshal(f.Details, &rep) == nil && rep.HasConflict {
		_ = emit(w, rep, func(r *renderer) string { return r.Conflict(&rep) })
	}
	return err
}

func userFlag(cmd *cobra.Command) {
	cmd.Flags().String("user", os.Getenv("USER"), "Acting user id")
}

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Create or edit drafts in the local draft store",
		Long: `Write drafts straight into the SQLite draft store configured for the API.

Examples:
  planctl draft create --file q3.json
  planctl draft create --file q3.json --plan plan-42 --base-version 3
  planctl draft edit 7f1c... --file q3-v2.json`,
	}
	cmd.PersistentFlags().String("config", "", "Path to config.yaml")
	cmd.PersistentFlags().String("db", "", "Draft database path (overrides config)")
	cmd.AddCommand(draftCreateCmd(), draftEditCmd())
	return cmd
}

func openDrafts(cmd *cobra.Command) (*drafts.SQLiteStore, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		return nil, err
	}
	path := cfg.Drafts.Path
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		path = p
	}
	return drafts.OpenSQLite(cmd.Context(), path)
}

func readPlan(path string) (modal.Document, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var doc modal.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("plan %s must be a JSON object", path)
	}
	return doc, nil
}

func draftCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft from a JSON plan document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			user, _ := cmd.Flags().GetString("user")
			planID, _ := cmd.Flags().GetString("plan")
			base, _ := cmd.Flags().GetString("base-version")

			doc, err := readPlan(file)
			if err != nil {
				return err
			}
			store, err := openDrafts(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.Create(cmd.Context(), modal.NewDraft{
				PlanData:    doc,
				CreatedBy:   user,
				ResourceID:  planID,
				BaseVersion: base,
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), map[string]string{"draftId": id}, func(r *renderer) string {
				return r.ok("created draft "+id) + "\n"
			})
		},
	}
	cmd.Flags().String("file", "-", "Plan JSON file, - for stdin")
	cmd.Flags().String("plan", "", "Published plan this draft edits")
	cmd.Flags().String("base-version", "", "Version of the plan the edit starts from")
	userFlag(cmd)
	return cmd
}

func draftEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <draftId>",
		Short: "Replace the plan data of an unsubmitted draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			user, _ := cmd.Flags().GetString("user")

			doc, err := readPlan(file)
			if err != nil {
				return err
			}
			store, err := openDrafts(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.Update(cmd.Context(), args[0], modal.DraftPatch{
				PlanData:       doc,
				UpdatedBy:      user,
				ExpectedStatus: []modal.DraftStatus{modal.DraftStatusDraft, modal.DraftStatusRejected},
			})
			if errors.Is(err, modal.ErrStatusConflict) {
				return fmt.Errorf("draft %s is under approval or already approved", args[0])
			}
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), map[string]string{"draftId": args[0]}, func(r *renderer) string {
				return r.ok("updated draft "+args[0]) + "\n"
			})
		},
	}
	cmd.Flags().String("file", "-", "Plan JSON file, - for stdin")
	userFlag(cmd)
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <draftId>",
		Short: "Submit a draft for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			body := map[string]any{"userId": user}
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				doc, err := readPlan(file)
				if err != nil {
					return err
				}
				body["planData"] = doc
			}
			var res coordinator.SubmitResult
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.post(ctx, "/plans/"+url.PathEscape(args[0])+"/submit", body, &res)
			})
			if err != nil {
				return conflictDetails(cmd.OutOrStdout(), err)
			}
			return emit(cmd.OutOrStdout(), res, func(r *renderer) string { return r.Submit(&res) })
		},
	}
	cmd.Flags().String("file", "", "Submit this plan JSON instead of the stored draft data")
	userFlag(cmd)
	return cmd
}

func resubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit <draftId>",
		Short: "Rebase a conflicting draft onto the current plan and submit it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			var res coordinator.SubmitResult
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.post(ctx, "/drafts/"+url.PathEscape(args[0])+"/resubmit", map[string]string{"userId": user}, &res)
			})
			if err != nil {
				return conflictDetails(cmd.OutOrStdout(), err)
			}
			return emit(cmd.OutOrStdout(), res, func(r *renderer) string { return r.Submit(&res) })
		},
	}
	userFlag(cmd)
	return cmd
}

func conflictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-conflict <draftId>",
		Short: "Compare a draft with the current published plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep conflict.Report
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/drafts/"+url.PathEscape(args[0])+"/check-conflict", nil, &rep)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rep, func(r *renderer) string { return r.Conflict(&rep) })
		},
	}
}

func draftsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List drafts with their approval state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				q.Set("userId", user)
			}
			var list []coordinator.DraftView
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/drafts", q, &list)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), list, func(r *renderer) string { return r.Drafts(list) })
		},
	}
	cmd.Flags().String("user", "", "Only drafts created by this user")
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List approval tasks waiting for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			var tasks []modal.EnrichedTask
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/tasks", url.Values{"userId": {user}}, &tasks)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), tasks, func(r *renderer) string { return r.Tasks(tasks) })
		},
	}
	userFlag(cmd)
	return cmd
}

// decideCmd builds the approve and reject commands.
func decideCmd(approved bool) *cobra.Command {
	use, short := "approve", "Approve a pending task"
	if !approved {
		use, short = "reject", "Reject a pending task"
	}
	cmd := &cobra.Command{
		Use:   use + " <taskId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			comments, _ := cmd.Flags().GetString("comments")
			body := map[string]any{"approved": approved, "comments": comments, "userId": user}

			var res coordinator.ApprovalResult
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.post(ctx, "/tasks/"+url.PathEscape(args[0])+"/complete", body, &res)
			})
			if err != nil {
				return conflictDetails(cmd.OutOrStdout(), err)
			}
			return emit(cmd.OutOrStdout(), res, func(r *renderer) string { return r.Approval(&res) })
		},
	}
	cmd.Flags().StringP("comments", "m", "", "Decision comments")
	userFlag(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <draftId>",
		Short: "Show the approval state of a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st coordinator.ApprovalStatus
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/plans/"+url.PathEscape(args[0])+"/status", nil, &st)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), st, func(r *renderer) string { return r.Status(&st) })
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <draftId>",
		Short: "Show the approval audit log of a draft's current submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []modal.AuditEvent
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/plans/"+url.PathEscape(args[0])+"/history", nil, &events)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), events, func(r *renderer) string { return r.History(events) })
		},
	}
}

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List published plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				q.Set("name", name)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var list []coordinator.PlanView
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/plans", q, &list)
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), list, func(r *renderer) string { return r.Plans(list) })
		},
	}
	cmd.Flags().String("name", "", "Filter by plan name substring")
	cmd.Flags().Int("limit", 0, "Maximum number of plans")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <draftId>",
		Short: "Retry publishing an approved draft whose publish failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			var res coordinator.ApprovalResult
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.post(ctx, "/drafts/"+url.PathEscape(args[0])+"/publish", map[string]string{"userId": user}, &res)
			})
			if err != nil {
				return conflictDetails(cmd.OutOrStdout(), err)
			}
			return emit(cmd.OutOrStdout(), res, func(r *renderer) string { return r.Approval(&res) })
		},
	}
	userFlag(cmd)
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the coordinator and its collaborators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h coordinator.Health
			err := call(cmd, func(ctx context.Context, c *client) error {
				return c.get(ctx, "/health", nil, &h)
			})
			var f *apiFailure
			if err != nil && !errors.As(err, &f) {
				return err
			}
			if werr := emit(cmd.OutOrStdout(), h, func(r *renderer) string { return r.Health(&h) }); werr != nil {
				return werr
			}
			return err
		},
	}
}
