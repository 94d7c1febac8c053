package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/agent"
	"forgeline/internal/app"
	"forgeline/internal/classify"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/queue"
	"forgeline/internal/repo"
	"forgeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Forgeline CLI",
	Long: `Forgeline turns application specs into built, tested, reviewed scaffolds.
A spec describes what to build; a plan is its versioned blueprint; a run walks
plan -> codegen -> test -> evaluate -> approval -> finalize, classifying every
failure and fixing what it can. Humans only see the runs that need them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- tenant ---

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantInitCmd())
	cmd.AddCommand(tenantConfigCmd())
	return cmd
}

func tenantInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tenant with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.InitTenant(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(tenantConfigShowCmd())
	cfg.AddCommand(tenantConfigImportCmd())
	cfg.AddCommand(tenantConfigInitCmd())
	return cfg
}

func tenantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active tenant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func tenantConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID := viper.GetString("tenant")
				if tenantID == "" {
					tenantID = cfg.Tenant.ID
				}
				if tenantID == "" {
					return fmt.Errorf("tenant id missing; set tenant.id in the file or pass --tenant")
				}
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for tenant %s\n", tenantID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tenantConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default forgeline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				tenantID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

// --- spec ---

func specCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "spec", Short: "Manage scaffold specs"}
	cmd.AddCommand(specCreateCmd())
	cmd.AddCommand(specListCmd())
	cmd.AddCommand(specShowCmd())
	cmd.AddCommand(specPlanCmd())
	cmd.AddCommand(specPlansCmd())
	cmd.AddCommand(specApproveCmd())
	cmd.AddCommand(specArchiveCmd())
	return cmd
}

func specCreateCmd() *cobra.Command {
	var name, mode, brief, shapeFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scaffold spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			shapeJSON := ""
			if shapeFile != "" {
				data, err := os.ReadFile(shapeFile)
				if err != nil {
					return err
				}
				shapeJSON = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSpec(ctx, engine.SpecCreateOptions{
					TenantID:  e.Config.Tenant.ID,
					Name:      name,
					Mode:      mode,
					Brief:     brief,
					ShapeJSON: shapeJSON,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "spec name")
	cmd.Flags().StringVar(&mode, "mode", "freeform", "guided or freeform")
	cmd.Flags().StringVar(&brief, "brief", "", "freeform description of the app")
	cmd.Flags().StringVar(&shapeFile, "shape-file", "", "path to guided shape JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func specListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List specs for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSpecs(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Mode", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Mode, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func specShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <spec-id>",
		Short: "Show a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSpec(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func specPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <spec-id>",
		Short: "Generate a plan version for a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PlanSpec(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func specPlansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans <spec-id>",
		Short: "List plan versions for a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPlans(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Risk", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Version, p.RiskScore, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func specApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <spec-id>",
		Short: "Approve a planned spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApproveSpec(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func specArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <spec-id>",
		Short: "Archive a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ArchiveSpec(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

// --- run ---

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Manage build runs"}
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runRetryCmd())
	cmd.AddCommand(runCancelCmd())
	cmd.AddCommand(runDiffCmd())
	cmd.AddCommand(runEvalCmd())
	cmd.AddCommand(runArtifactsCmd())
	return cmd
}

func runStartCmd() *cobra.Command {
	var specID, planID string
	var wait bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a build run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specID == "" && planID == "" {
				return fmt.Errorf("--spec or --plan required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartRun(ctx, engine.RunStartOptions{
					SpecID:  specID,
					PlanID:  planID,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if wait {
					// Synchronous mode: execute jobs inline until the queue
					// drains. Backoff-delayed jobs are waited out.
					for {
						n, err := queue.Drain(ctx, e, 0)
						if err != nil {
							return err
						}
						pending, perr := e.Repo.CountPendingJobs(ctx, run.ID)
						if perr != nil {
							return perr
						}
						if pending == 0 {
							break
						}
						if n == 0 {
							time.Sleep(500 * time.Millisecond)
						}
					}
					run, err = e.Repo.GetRun(ctx, run.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&specID, "spec", "", "spec id")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().BoolVar(&wait, "wait", false, "execute steps inline until the run parks or finishes")
	return cmd
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs for the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRuns(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Iteration", "Elapsed ms", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Status, fmt.Sprintf("%d/%d", r.Iteration, r.MaxIterations), r.ElapsedMS, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListSteps(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "steps": steps})
				}
				if err := printJSONOrTable(run); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Attempt", "Status", "Error"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Name, s.Attempt, s.Status, s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runRetryCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Retry the last failed step of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.RetryRun(ctx, args[0], viper.GetString("actor-id"), force)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the retry caps")
	return cmd
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CancelRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runDiffCmd() *cobra.Command {
	var iteration int
	cmd := &cobra.Command{
		Use:   "diff <run-id>",
		Short: "Print the run's generated diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				it := iteration
				if it <= 0 {
					it = run.Iteration
				}
				d, err := e.Repo.GetDiffArtifact(ctx, run.ID, it)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Println(d.Diff)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&iteration, "iteration", 0, "iteration (defaults to current)")
	return cmd
}

func runEvalCmd() *cobra.Command {
	var iteration int
	cmd := &cobra.Command{
		Use:   "eval <run-id>",
		Short: "Show the run's evaluation report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				it := iteration
				if it <= 0 {
					it = run.Iteration
				}
				r, err := e.Repo.GetEvalReport(ctx, run.ID, it)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().IntVar(&iteration, "iteration", 0, "iteration (defaults to current)")
	return cmd
}

func runArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <run-id>",
		Short: "List packaged artifacts for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBuildArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

// --- gate ---

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gate", Short: "Manage approval gates"}
	cmd.AddCommand(gateListCmd())
	cmd.AddCommand(gateEscalationsCmd())
	cmd.AddCommand(gateShowCmd())
	cmd.AddCommand(gateApproveCmd())
	cmd.AddCommand(gateRejectCmd())
	return cmd
}

func gateListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gates for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListGates(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Iteration", "Status", "Reason"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Iteration, g.Status, g.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func gateEscalationsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List escalation gates for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEscalationGates(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Iteration", "Status", "Reason"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Iteration, g.Status, g.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func gateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <gate-id>",
		Short: "Show a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func gateApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <gate-id>",
		Short: "Approve a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResolveGate(ctx, args[0], true, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <gate-id>",
		Short: "Reject a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResolveGate(ctx, args[0], false, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

// --- fix ---

func fixCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "fix", Short: "Auto-fix history"}
	cmd.AddCommand(fixListCmd())
	cmd.AddCommand(fixDeltasCmd())
	return cmd
}

func fixListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List auto-fix attempts for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAutoFixRuns(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Signal", "Severity", "Strategy", "Outcome", "Attempt", "Backoff ms"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.SignalType, a.Severity, a.Strategy, a.Outcome, a.Attempt, a.BackoffMS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func fixDeltasCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "deltas",
		Short: "List plan deltas recorded for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPlanDeltas(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

// --- classify ---

func classifyCmd() *cobra.Command {
	var logs, file, step string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify failure logs without a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logs == "" && file == "" {
				return fmt.Errorf("--logs or --file required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				logs = string(data)
			}
			sig := classify.Classify(classify.Input{StepName: step, Logs: logs})
			return printJSONOrTable(sig)
		},
	}
	cmd.Flags().StringVar(&logs, "logs", "", "log text")
	cmd.Flags().StringVar(&file, "file", "", "path to a log file")
	cmd.Flags().StringVar(&step, "step", "", "step name the logs came from")
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "fl_" + uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "key": raw})
				}
				fmt.Printf("Created API key %s for %s\n", k.ID, k.ActorID)
				fmt.Printf("Key (store it now, it is not recoverable): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Deleted", args[0])
				return nil
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if runID != "" {
					events, err := e.Repo.RunEvents(ctx, runID, n)
					if err != nil {
						return err
					}
					return printJSONOrTable(events)
				}
				events, err := e.Repo.EventsAfter(ctx, n, 0, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "filter to one run")
	return cmd
}

// --- work / serve ---

func workCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the step worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Running %d workers; Ctrl-C to stop\n", concurrency)
				queue.NewPool(e, concurrency).Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "number of workers")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var concurrency int
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, viper.GetString("tenant"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, agent.LocalProvider{})
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FORGELINE_JWT_SECRET"), DevMode: dev}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FORGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			workCtx, stopWorkers := context.WithCancel(cmd.Context())
			defer stopWorkers()
			go queue.NewPool(e, concurrency).Run(workCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Forgeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "number of workers")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, agent.LocalProvider{})
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
