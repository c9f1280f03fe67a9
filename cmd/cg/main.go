package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"changegate/internal/app"
	"changegate/internal/domain"
	"changegate/internal/engine"
	"changegate/internal/logging"
	"changegate/internal/repo"
	"changegate/internal/server"
	"changegate/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "cg",
	Short: "changegate CLI",
	Long: `changegate gates proposed code changes before they reach the working copy.
- Submissions: a title, a feature description and an optional unified diff. Each one is scanned
  for risky patterns and checked against the doctrine rules; high and critical findings are blocked.
- Review: reviewers approve or reject pending submissions; approval can be reserved for the founder.
- Apply: approved patches are checked, checkpointed and applied with git, then optionally tested.
- Checkpoints: every apply records the branch and revision first so the founder can roll back.
- Planner: once a day, placeholder markers and missing components become an improvement proposal.
- Event log: every state change is recorded; view it with 'cg events tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CHANGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "", "actor identifier")
	flags.String("role", "", "actor role (founder, admin, user, ...)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("jwt-secret", "", "HS256 secret for API tokens")
	for _, name := range []string{"workspace", "json", "actor", "role", "log-format", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(prCmd())
	rootCmd.AddCommand(rescanCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(plannerCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func currentActor() domain.Actor {
	return domain.Actor{
		ID:   strings.TrimSpace(viper.GetString("actor")),
		Role: strings.TrimSpace(viper.GetString("role")),
	}
}

func submitCmd() *cobra.Command {
	var title, feature, featureFile, patchFile, source string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a change for scanning and review",
		Long:  "Submit a change. The patch is read from --patch-file; use - for stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if featureFile != "" {
				data, err := readInput(cmd, featureFile)
				if err != nil {
					return err
				}
				feature = string(data)
			}
			var code string
			if patchFile != "" {
				data, err := readInput(cmd, patchFile)
				if err != nil {
					return err
				}
				code = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Submit(ctx, currentActor(), engine.SubmitInput{
					Title:       title,
					FeatureText: feature,
					CodeText:    code,
					Source:      source,
				})
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short summary")
	cmd.Flags().StringVar(&feature, "feature", "", "feature description")
	cmd.Flags().StringVar(&featureFile, "feature-file", "", "read the feature description from a file")
	cmd.Flags().StringVar(&patchFile, "patch-file", "", "unified diff to submit (- for stdin)")
	cmd.Flags().StringVar(&source, "source", "cli", "submission source tag")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.SubmissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubmissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Severity", "Actor", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, clip(s.Title, 48), s.Status, s.Scan.Severity, s.Metadata.Actor, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "review <id> <approve|reject>",
		Short:     "Approve or reject a submission",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{domain.DecisionApprove, domain.DecisionReject},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Review(ctx, currentActor(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "review note")
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <id>",
		Short: "Mark an approved submission merged and write its merge record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Merge(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Dry-run a submission's patch against the working copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Preview(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.OK {
					return fmt.Errorf("patch does not apply: %s", res.Error)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"File", "Added", "Removed"})
				for _, s := range res.NumStat {
					tw.AppendRow(table.Row{s.Path, s.Added, s.Removed})
				}
				tw.AppendFooter(table.Row{"total", res.Added, res.Removed})
				tw.Render()
				return nil
			})
		},
	}
}

func applyCmd() *cobra.Command {
	var runTests bool
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Checkpoint the working copy, apply a patch and optionally run tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.ApplyInput
			if cmd.Flags().Changed("run-tests") {
				in.RunTests = &runTests
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Apply(ctx, currentActor(), args[0], in)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("apply failed at stage %s: %s", res.Stage, res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&runTests, "run-tests", false, "run the configured test command (defaults to the auto_test_on_merge setting)")
	return cmd
}

func prCmd() *cobra.Command {
	var in engine.DraftInput
	cmd := &cobra.Command{
		Use:   "pr <id>",
		Short: "Draft a pull request for an approved submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DraftPR(ctx, currentActor(), args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("branch: %s (base %s)\nbody:   %s\n", res.Branch, res.Base, res.BodyPath)
				if res.MaterializeError != "" {
					fmt.Printf("materialize failed: %s\n", res.MaterializeError)
				}
				if res.PushError != "" {
					fmt.Printf("push failed: %s\n", res.PushError)
				}
				fmt.Println(res.Hint)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&in.Materialize, "materialize", false, "create the branch and commit locally")
	cmd.Flags().BoolVar(&in.Push, "push", false, "push the branch (implies --materialize)")
	cmd.Flags().StringVar(&in.Remote, "remote", "", "git remote (defaults to config git.remote)")
	cmd.Flags().StringVar(&in.Base, "base", "", "base branch")
	return cmd
}

func rescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan <id>",
		Short: "Re-run the scanner and doctrine on a blocked submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Rescan(ctx, currentActor(), args[0])
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
}

func overrideCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <id>",
		Short: "Lift a block as founder, keeping the recorded severity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Override(ctx, currentActor(), args[0], reason)
				if err != nil {
					return err
				}
				return printSubmission(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the block is lifted")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func settingsCmd() *cobra.Command {
	st := &cobra.Command{Use: "settings", Short: "Gate settings"}
	st.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	st.AddCommand(settingsSetCmd())
	return st
}

func settingsSetCmd() *cobra.Command {
	var enabled, autoScan, founderApproval, autoTest bool
	var roots []string
	var maxFindings int
	var version int64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings (founder only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.SettingsPatch
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				patch.Enabled = &enabled
			}
			if flags.Changed("auto-daily-scan") {
				patch.AutoDailyScan = &autoScan
			}
			if flags.Changed("require-founder-approval") {
				patch.RequireFounderApproval = &founderApproval
			}
			if flags.Changed("auto-test-on-merge") {
				patch.AutoTestOnMerge = &autoTest
			}
			if flags.Changed("scan-roots") {
				patch.ScanRoots = roots
			}
			if flags.Changed("max-findings") {
				patch.MaxFindings = &maxFindings
			}
			patch.Version = version
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SaveSettings(ctx, currentActor(), patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable the planner")
	cmd.Flags().BoolVar(&autoScan, "auto-daily-scan", true, "allow the daily planner to run")
	cmd.Flags().BoolVar(&founderApproval, "require-founder-approval", true, "only the founder may approve")
	cmd.Flags().BoolVar(&autoTest, "auto-test-on-merge", false, "run tests after apply by default")
	cmd.Flags().StringSliceVar(&roots, "scan-roots", nil, "workspace-relative placeholder scan roots")
	cmd.Flags().IntVar(&maxFindings, "max-findings", 200, "placeholder findings cap")
	cmd.Flags().Int64Var(&version, "version", 0, "expected settings version (0 skips the check)")
	return cmd
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Inspect the workspace"}
	ws.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Summarize files, layers and missing components",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, missing, err := e.Inventory(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"inventory": inv, "missing_components": missing})
			})
		},
	})
	ws.AddCommand(workspacePlaceholdersCmd())
	ws.AddCommand(&cobra.Command{
		Use:   "archive <zip>",
		Short: "Inventory a zipped project without touching the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := workspace.AnalyzeArchive(args[0], workspace.OptionsFromConfig(e.Config), e.Config.Workspace.RequiredComponents)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	})
	return ws
}

func workspacePlaceholdersCmd() *cobra.Command {
	var roots []string
	var maxFindings int
	cmd := &cobra.Command{
		Use:   "placeholders",
		Short: "List TODO/FIXME style markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.PlaceholderReport(ctx, roots, maxFindings)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Path", "Line", "Marker", "Text"})
				for _, f := range rep.Findings {
					tw.AppendRow(table.Row{f.Path, f.Line, f.Marker, clip(f.Text, 60)})
				}
				footer := fmt.Sprintf("%d findings", rep.Count)
				if rep.Truncated {
					footer += " (truncated)"
				}
				tw.AppendFooter(table.Row{footer})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roots, "roots", nil, "workspace-relative roots (defaults to settings)")
	cmd.Flags().IntVar(&maxFindings, "max-findings", 0, "findings cap (defaults to settings)")
	return cmd
}

func plannerCmd() *cobra.Command {
	pl := &cobra.Command{Use: "planner", Short: "Daily improvement planner"}
	var force bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the planner now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunDailyPlanner(ctx, currentActor(), engine.PlannerOptions{Force: force})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	run.Flags().BoolVar(&force, "force", false, "ignore the once-a-day window")
	pl.AddCommand(run)
	return pl
}

func proposalCmd() *cobra.Command {
	pr := &cobra.Command{Use: "proposal", Short: "Planner proposals"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProposals(ctx, status, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Placeholders", "Candidates", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.PlaceholderCount, strings.Join(p.CandidateModules, ","), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	pr.AddCommand(list)

	var reason string
	review := &cobra.Command{
		Use:       "review <id> <approve|reject>",
		Short:     "Approve or reject a proposal",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{domain.DecisionApprove, domain.DecisionReject},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ReviewProposal(ctx, currentActor(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	review.Flags().StringVar(&reason, "reason", "", "review note")
	pr.AddCommand(review)
	return pr
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Working copy checkpoints"}
	var submissionID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCheckpoints(ctx, submissionID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Label", "Branch", "Revision", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Label, c.Branch, clip(c.Revision, 12), c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&submissionID, "submission", "", "only checkpoints taken for this submission")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cp.AddCommand(list)

	cp.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkpoint and its restore command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})

	var yes bool
	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Reset the working copy to a checkpoint (founder only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RestoreCheckpoint(ctx, currentActor(), args[0], yes)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.Outcome.OK {
					return fmt.Errorf("restore failed: %s", res.Outcome.Output)
				}
				return nil
			})
		},
	}
	restore.Flags().BoolVar(&yes, "yes", false, "confirm discarding working copy changes")
	cp.AddCommand(restore)
	return cp
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "Every submission, review, apply, checkpoint and settings change is recorded here.",
	}
	var n int
	var follow bool
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cursor int64
				if n <= 0 {
					// -n 0 prints only what arrives from now on
					latest, err := e.LatestEventID(ctx)
					if err != nil {
						return err
					}
					cursor = latest
				} else {
					f.Limit = n
					items, err := e.ListEvents(ctx, f)
					if err != nil {
						return err
					}
					slices.Reverse(items)
					for _, evt := range items {
						printEvent(evt)
						cursor = evt.ID
					}
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.EventsAfter(ctx, cursor, 100)
					if err != nil {
						return err
					}
					for _, evt := range next {
						if matchesEvent(f, evt) {
							printEvent(evt)
						}
						cursor = evt.ID
					}
				}
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of recent events; 0 prints only new ones")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	ev.AddCommand(tail)
	return ev
}

func matchesEvent(f repo.EventFilters, evt domain.Event) bool {
	return (f.Type == "" || f.Type == evt.Type) &&
		(f.EntityKind == "" || f.EntityKind == evt.EntityKind) &&
		(f.EntityID == "" || f.EntityID == evt.EntityID)
}

func printEvent(evt domain.Event) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(evt)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%d  %s  %-26s %s/%s  by %s  %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Persisted state"}
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export all state as one JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.ExportState(ctx)
				if err != nil {
					return err
				}
				b, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					fmt.Println(string(b))
					return nil
				}
				return os.WriteFile(out, append(b, '\n'), 0o644)
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	st.AddCommand(export)
	return st
}

func feedbackCmd() *cobra.Command {
	var in engine.FeedbackInput
	cmd := &cobra.Command{
		Use:   "feedback <entity-id>",
		Short: "Rate a submission or proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.EntityID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fb, err := e.RecordFeedback(ctx, currentActor(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(fb)
			})
		},
	}
	cmd.Flags().StringVar(&in.Rating, "rating", "", "positive, negative or neutral")
	cmd.Flags().StringVar(&in.Note, "note", "", "free text")
	_ = cmd.MarkFlagRequired("rating")

	list := &cobra.Command{
		Use:   "list [entity-id]",
		Short: "List recorded feedback, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entityID string
			if len(args) == 1 {
				entityID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFeedback(ctx, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Entity", "Rating", "Actor", "Note", "Created"})
				for _, f := range items {
					tw.AppendRow(table.Row{f.ID, f.EntityID, f.Rating, f.ActorID, clip(f.Note, 40), f.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(list)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowHeaderActor: e.Config.Server.AllowHeaderActor,
					Logger:           logging.Component(e.Logger, "server"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowHeaderActor {
					return fmt.Errorf("CHANGEGATE_JWT_SECRET is required for bearer auth")
				}
				if !cmd.Flags().Changed("addr") && e.Config.Server.Addr != "" {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && e.Config.Server.BasePath != "" {
					basePath = e.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving changegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for --actor/--role",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), currentActor(), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config (changegate.yml)",
		Long:  "changegate.yml holds the workspace layout, scanner and doctrine rules, patch test command, git and RBAC settings.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default changegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.InitConfig(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate changegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeFn, err := app.OpenEngine(cmd.Context(), app.Options{Workspace: viper.GetString("workspace"), RequireConfig: true})
			if err == nil {
				closeFn()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	e, closeFn, err := app.OpenEngine(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func newLogger() (*slog.Logger, error) {
	logger, err := logging.New(os.Stderr, viper.GetString("log-format"), viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func printSubmission(s domain.Submission) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"ID", s.ID})
	tw.AppendRow(table.Row{"Title", s.Title})
	tw.AppendRow(table.Row{"Status", s.Status})
	tw.AppendRow(table.Row{"Severity", s.Scan.Severity})
	tw.AppendRow(table.Row{"Signals", strings.Join(s.Scan.Signals, "\n")})
	if !s.Scan.Policy.OK {
		tw.AppendRow(table.Row{"Doctrine", s.Scan.Policy.Reason})
	}
	if s.Scan.Override != nil {
		tw.AppendRow(table.Row{"Override", fmt.Sprintf("%s: %s", s.Scan.Override.By, s.Scan.Override.Reason)})
	}
	if s.Review != nil {
		tw.AppendRow(table.Row{"Review", fmt.Sprintf("%s by %s", s.Review.Decision, s.Review.Decider)})
	}
	if s.Merge != nil {
		tw.AppendRow(table.Row{"Merge record", s.Merge.ArtifactPath})
	}
	if s.LastApply != nil {
		tw.AppendRow(table.Row{"Last apply", fmt.Sprintf("ok=%t stage=%s checkpoint=%s", s.LastApply.OK, s.LastApply.Stage, s.LastApply.CheckpointID)})
	}
	tw.AppendRow(table.Row{"Submitted", fmt.Sprintf("%s (%s) via %s at %s", s.Metadata.Actor, s.Metadata.Role, s.Metadata.Source, s.CreatedAt)})
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
