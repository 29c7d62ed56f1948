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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mindwell/internal/config"
	"mindwell/internal/db"
	"mindwell/internal/domain"
	"mindwell/internal/engine"
	"mindwell/internal/migrate"
	"mindwell/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mw",
	Short: "Mindwell CLI",
	Long: `Mindwell manages treatment plans for a mental-health companion app.
Plans store their schedule as a JSON document (dated weeks or a flat task
list for one day); the CLI extracts daily tasks, tracks completion over a
rolling three-week window and flips task status in place.`,
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
	viper.SetEnvPrefix("MINDWELL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64P("user", "u", 0, "user id to act as")
	rootCmd.PersistentFlags().String("timezone", "", "override the configured timezone")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("timezone", rootCmd.PersistentFlags().Lookup("timezone"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default mindwell.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var nickname, phone string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, nickname, phone)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "display name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage treatment plans"}
	plan.AddCommand(planListCmd())
	plan.AddCommand(planSaveCmd())
	plan.AddCommand(planStatusCmd())
	plan.AddCommand(planDeleteCmd())
	plan.AddCommand(planClearDailyCmd())
	plan.AddCommand(planGenerateCmd())
	return plan
}

func planListCmd() *cobra.Command {
	var status, planType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plans, err := e.ListPlans(ctx, currentUser(), status, planType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Created"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Name, p.PlanType, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, paused)")
	cmd.Flags().StringVar(&planType, "type", "", "plan type filter (monthly, daily)")
	return cmd
}

func planSaveCmd() *cobra.Command {
	var name, content, contentFile, planType, flowData string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a plan document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" && contentFile == "" {
				return fmt.Errorf("--content or --content-file required")
			}
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content = string(data)
			}
			var flow map[string]any
			if flowData != "" {
				if err := json.Unmarshal([]byte(flowData), &flow); err != nil {
					return fmt.Errorf("invalid --flow-data: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SavePlan(ctx, engine.PlanSaveOptions{
					UserID:   currentUser(),
					Name:     name,
					Content:  content,
					FlowData: flow,
					PlanType: planType,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	cmd.Flags().StringVar(&content, "content", "", "plan document JSON")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read plan document from file")
	cmd.Flags().StringVar(&planType, "type", "monthly", "plan type (monthly, daily)")
	cmd.Flags().StringVar(&flowData, "flow-data", "", "creation context JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planStatusCmd() *cobra.Command {
	var planID int64
	var status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Set a plan's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UpdatePlanStatus(ctx, currentUser(), planID, status); err != nil {
					return err
				}
				fmt.Printf("plan %d is now %s\n", planID, status)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&planID, "id", 0, "plan id")
	cmd.Flags().StringVar(&status, "status", "", "new status (active, completed, paused)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func planDeleteCmd() *cobra.Command {
	var planID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeletePlan(ctx, currentUser(), planID); err != nil {
					return err
				}
				fmt.Println("deleted plan", planID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&planID, "id", 0, "plan id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func planClearDailyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-daily",
		Short: "Delete all daily plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.DeleteDailyPlans(ctx, currentUser())
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d daily plan(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func planGenerateCmd() *cobra.Command {
	var planType, prompt, flowData string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a plan with the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			var flow map[string]any
			if flowData != "" {
				if err := json.Unmarshal([]byte(flowData), &flow); err != nil {
					return fmt.Errorf("invalid --flow-data: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					p   domain.Plan
					err error
				)
				switch planType {
				case "monthly":
					p, err = e.GenerateMonthlyPlan(ctx, currentUser(), prompt, flow)
				case "daily":
					p, err = e.GenerateDailyPlan(ctx, currentUser(), prompt, flow)
				default:
					return fmt.Errorf("invalid --type %q", planType)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&planType, "type", "monthly", "plan type (monthly, daily)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "user situation for the model")
	cmd.Flags().StringVar(&flowData, "flow-data", "", "creation context JSON")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Daily task extraction"}
	var date string
	today := &cobra.Command{
		Use:   "today",
		Short: "Tasks scheduled for a date (default today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.TodayTasks(ctx, currentUser(), date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				if list.Status == domain.TaskListEmpty {
					fmt.Printf("no tasks scheduled for %s\n", list.Date)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Plan", "Task", "Week", "Done"})
				for _, task := range list.Tasks {
					done := ""
					if task.Completed {
						done = "x"
					}
					tw.AppendRow(table.Row{task.ID, task.PlanName, task.TaskText, task.WeekInfo.Title, done})
				}
				tw.Render()
				return nil
			})
		},
	}
	today.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	tasks.AddCommand(today)
	return tasks
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Single task operations"}
	var planID int64
	var date string
	var day int
	var undone bool
	done := &cobra.Command{
		Use:   "done",
		Short: "Mark a task completed (or not, with --undo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				upd, err := e.UpdateTaskStatus(ctx, currentUser(), planID, date, day, !undone)
				if err != nil {
					return err
				}
				return printJSONOrTable(upd)
			})
		},
	}
	done.Flags().Int64Var(&planID, "plan", 0, "plan id")
	done.Flags().StringVar(&date, "date", "", "task date (YYYY-MM-DD)")
	done.Flags().IntVar(&day, "day", 0, "day number (or task id for daily plans)")
	done.Flags().BoolVar(&undone, "undo", false, "mark not completed")
	_ = done.MarkFlagRequired("plan")
	_ = done.MarkFlagRequired("date")
	_ = done.MarkFlagRequired("day")
	task.AddCommand(done)
	return task
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Rolling three-week completion statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx, currentUser())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Total", "Completed", "Rate"})
				for _, date := range d.WeeklyStats.DateList {
					s := d.WeeklyStats.DailyStats[date]
					tw.AppendRow(table.Row{date, s.Total, s.Completed, fmt.Sprintf("%.2f%%", s.CompletionRate)})
				}
				tw.AppendFooter(table.Row{"total", d.WeeklyStats.TotalCount, d.WeeklyStats.CompletedCount, ""})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetInt64("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if tz := viper.GetString("timezone"); tz != "" {
				cfg.Time.Timezone = tz
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("MINDWELL_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" && !cfg.Auth.AllowLegacyUserHeader {
				return fmt.Errorf("a JWT secret is required: set auth.jwt_secret or MINDWELL_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             secret,
					AllowLegacyUserHeader: cfg.Auth.AllowLegacyUserHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Mindwell API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func currentUser() int64 {
	return viper.GetInt64("user")
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if tz := viper.GetString("timezone"); tz != "" {
		cfg.Time.Timezone = tz
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
