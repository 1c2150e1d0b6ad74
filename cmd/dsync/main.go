package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deviationsync/internal/app"
	"deviationsync/internal/config"
	"deviationsync/internal/db"
	"deviationsync/internal/domain"
	"deviationsync/internal/executor"
	"deviationsync/internal/logging"
	"deviationsync/internal/metrics"
	"deviationsync/internal/planner"
	"deviationsync/internal/repo"
	"deviationsync/internal/server"
)

const exitPassAborted = 3

var rootCmd = &cobra.Command{
	Use:   "dsync",
	Short: "Deviation sync CLI",
	Long: `dsync reconciles deviation records from a quality source into a project sheet.
Concepts:
- Workspace: a directory holding dsync.yml and the .dsync database (sheet, passes, archives).
- Pass: one reconciliation run. It plans creates, updates and archivals, then applies them in that order: updates, archivals, creates.
- Hierarchy: each deviation is a parent row with one subtask row per template step, chained by business days.
- Archival: closed deviations past the retention window are copied to the archive and removed from the sheet.
- Abort: when a store call keeps failing, the pass stops and reports completed vs. pending operations (exit code 3).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 3 for an aborted pass and 1 for any other failure.
func exitCode(err error) int {
	var aborted *executor.PassAbortedError
	if errors.As(err, &aborted) {
		return exitPassAborted
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("DSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("log-format", "", "log format json|console (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rowsCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(passesCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := viper.GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	return cfg, nil
}

type runtime struct {
	ws       *app.Workspace
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func (rt runtime) syncer() (*app.Syncer, error) {
	s, err := rt.ws.Syncer(rt.logger, rt.metrics)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	s.Owner = fmt.Sprintf("%s/%d", host, os.Getpid())
	return s, nil
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer logger.Sync()
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer ws.Close()
	registry := prometheus.NewRegistry()
	return fn(ctx, runtime{ws: ws, logger: logger, registry: registry, metrics: metrics.New(registry)})
}

func withRepo(ctx context.Context, fn func(ctx context.Context, r repo.Repo, cfg *config.Config) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt runtime) error {
		return fn(ctx, rt.ws.Repo, rt.ws.Config)
	})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage dsync.yml",
		Long:  "dsync.yml holds the sheet, the source feed, the subtask templates with their cutover date, and the sync rules (retention, batch ceiling, retry).",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var sheetName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(sheetName)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "Deviations", "sheet name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate dsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cutover, _ := cfg.CutoverDate()
			fmt.Printf("config ok: sheet %q, templates %v, cutover %s (v%d before, v%d from)\n",
				cfg.Sheet.Name, cfg.Versions(), domain.FormatDate(cutover), cfg.Cutover.BeforeVersion, cfg.Cutover.FromVersion)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				s, err := rt.syncer()
				if err != nil {
					return err
				}
				report, runErr := s.Run(ctx, app.RunOptions{DryRun: dryRun})
				if report.PassID != "" {
					if err := printReport(report); err != nil {
						return err
					}
				}
				var aborted *executor.PassAbortedError
				if errors.As(runErr, &aborted) {
					fmt.Fprintf(os.Stderr, "pass aborted: %d operations completed, %d pending\n", aborted.Completed, aborted.Pending)
				}
				return runErr
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only; leave the sheet untouched")
	return cmd
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what the next pass would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				s, err := rt.syncer()
				if err != nil {
					return err
				}
				plan, summary, err := s.Plan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"summary": summary, "plan": plan})
				}
				printSummary(summary)
				printPlan(plan)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read API, optionally running passes on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				cfg := rt.ws.Config
				secret := cfg.Server.JWTSecret
				if env := viper.GetString("jwt-secret"); env != "" {
					secret = env
				}
				if secret == "" {
					return fmt.Errorf("DSYNC_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				s, err := rt.syncer()
				if err != nil {
					return err
				}
				rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				handler, err := server.New(server.Config{
					Repo:     rt.ws.Repo,
					Sheet:    cfg.Sheet.Name,
					Plan:     s.Plan,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Issuer: cfg.Server.JWTIssuer, Logger: rt.logger},
					Gatherer: rt.registry,
				})
				if err != nil {
					return err
				}
				if interval > 0 {
					go runOnInterval(ctx, s, interval, rt.logger)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.logger.Info("serving api", zap.String("addr", addr), zap.String("base_path", basePath), zap.Duration("sync_interval", interval))
				fmt.Printf("Serving dsync API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&interval, "sync-interval", 0, "run a pass on this interval (0 disables)")
	return cmd
}

func runOnInterval(ctx context.Context, s *app.Syncer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, app.RunOptions{}); err != nil {
				logger.Warn("scheduled pass failed", zap.Error(err))
			}
		}
	}
}

func rowsCmd() *cobra.Command {
	var parentsOnly bool
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "List sheet rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				rows, err := r.ListSheetRows(ctx, cfg.Sheet.Name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Row", "Parent", "Task Name", "Status", "Assigned To", "Started", "Finished", "% Complete"})
				for _, row := range rows {
					if parentsOnly && !row.IsParent() {
						continue
					}
					parent := ""
					if !row.IsParent() {
						parent = strconv.FormatInt(row.ParentRowID, 10)
					}
					assignee := ""
					if c := row.Cells[domain.FieldAssignedTo].Contact; c != nil {
						assignee = c.Email
					}
					tw.AppendRow(table.Row{row.RowID, parent, row.Value(domain.FieldTaskName), row.Value(domain.FieldStatus), assignee,
						row.Value(domain.FieldStartedDate), row.Value(domain.FieldFinishedDate), row.Value(domain.FieldPercentComplete)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&parentsOnly, "parents-only", false, "only show deviation rows")
	return cmd
}

func archiveCmd() *cobra.Command {
	arc := &cobra.Command{Use: "archive", Short: "Inspect archived rows"}
	var f repo.ArchiveFilters
	var record int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				f.Sheet = cfg.Sheet.Name
				if record != 0 {
					f.RecordIDs = []int64{record}
				}
				items, err := r.ListArchivedRows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Record", "Row", "Level", "Category", "Task Name", "Status", "Archived At"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.RecordID, a.RowID, a.Level, a.Category,
						a.Fields[string(domain.FieldTaskName)], a.Fields[string(domain.FieldStatus)], a.ArchivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Category, "category", "", "deviation|product_complaint")
	list.Flags().Int64Var(&record, "record", 0, "record id")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	arc.AddCommand(list)
	return arc
}

func passesCmd() *cobra.Command {
	ps := &cobra.Command{Use: "passes", Short: "Inspect the pass ledger"}
	var f repo.PassFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List passes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				f.Sheet = cfg.Sheet.Name
				items, err := r.ListPasses(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Dry Run", "Started", "Finished", "Summary"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.DryRun, p.StartedAt, p.FinishedAt, p.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 20, "maximum passes")

	show := &cobra.Command{
		Use:   "show <pass-id>",
		Short: "Show a pass and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				p, err := r.GetPass(ctx, args[0])
				if err != nil {
					return err
				}
				evts, err := r.PassEvents(ctx, p.ID, 0, 1000)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pass": p, "events": evts})
				}
				fmt.Printf("Pass %s: %s (dry run: %v)\nStarted %s, finished %s\nSummary: %s\n", p.ID, p.Status, p.DryRun, p.StartedAt, p.FinishedAt, p.Summary)
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Record", "Payload"})
				for _, e := range evts {
					record := ""
					if e.RecordID != 0 {
						record = strconv.FormatInt(e.RecordID, 10)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, record, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	ps.AddCommand(list, show)
	return ps
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the read API"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				plain, key, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if env := viper.GetString("jwt-secret"); env != "" {
				secret = env
			}
			tok, expires, err := server.IssueToken(secret, cfg.Server.JWTIssuer, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"token": tok, "expires_at": expires.UTC().Format(time.RFC3339)})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printReport(r app.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("Pass %s: %s\n", r.PassID, r.Status)
	printSummary(r.Summary)
	tw := newTable()
	tw.AppendHeader(table.Row{"Updated", "Archived", "Created", "Rolled Back", "Completed", "Pending"})
	tw.AppendRow(table.Row{r.Result.Updated, r.Result.Archived, r.Result.Created, r.Result.RolledBack, r.Result.Completed, r.Result.Pending})
	tw.Render()
	return nil
}

func printSummary(s planner.Summary) {
	tw := newTable()
	tw.AppendHeader(table.Row{"New", "Changed", "Unchanged", "Archivable", "Skipped", "Deferred"})
	tw.AppendRow(table.Row{s.New, s.Changed, s.Unchanged, s.Archivable, s.Skipped, s.Deferred})
	tw.Render()
}

func printPlan(p domain.SyncPlan) {
	if p.Empty() {
		fmt.Println("Nothing to do.")
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Action", "Record", "Row", "Detail"})
	for _, u := range p.Updates {
		value := u.Value.Value
		if u.Value.Contact != nil {
			value = u.Value.Contact.Email
		}
		tw.AppendRow(table.Row{"update", "", u.RowID, fmt.Sprintf("%s = %q", u.Field, value)})
	}
	for _, a := range p.Archivals {
		tw.AppendRow(table.Row{"archive", a.Record.ID, a.ParentRowID, fmt.Sprintf("%d rows", len(a.Rows))})
	}
	for _, c := range p.Creates {
		names := make([]string, 0, len(c.Subtasks))
		for _, s := range c.Subtasks {
			names = append(names, s.Name)
		}
		tw.AppendRow(table.Row{"create", c.Record.ID, "", strings.Join(names, " > ")})
	}
	tw.Render()
	fmt.Printf("%d store operations\n", p.Operations())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
