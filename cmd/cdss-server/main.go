package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samkiell/CDSS-sub001/internal/config"
	"github.com/samkiell/CDSS-sub001/internal/domain/diagnosis"
	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
	"github.com/samkiell/CDSS-sub001/internal/domain/scoring"
	"github.com/samkiell/CDSS-sub001/internal/platform/auth"
	"github.com/samkiell/CDSS-sub001/internal/platform/db"
	"github.com/samkiell/CDSS-sub001/internal/platform/middleware"
	"github.com/samkiell/CDSS-sub001/internal/platform/telemetry"
	"github.com/samkiell/CDSS-sub001/internal/platform/validate"
	"github.com/samkiell/CDSS-sub001/migrations"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "cdss-server",
		Short:         "Musculoskeletal diagnosis decision API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DatabaseSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DATABASE_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DatabaseSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DATABASE_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the rule graphs and scoring patterns",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [dir]",
		Short: "Load and validate rule graphs and patterns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			reg, scorer, err := loadRules(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, region := range reg.Regions() {
				g, _ := reg.IntakeGraph(region)
				tests := "no test graph"
				if reg.HasTestGraph(region) {
					tg, _ := reg.TestGraph(region)
					tests = fmt.Sprintf("tests v%s, %d nodes", tg.Version, len(tg.NodeIDs()))
				}
				fmt.Fprintf(out, "%-10s intake v%s, %d nodes; %s; %d diagnoses\n",
					region, g.Version, len(g.NodeIDs()), tests, len(scorer.Diagnoses(region)))
			}
			fmt.Fprintf(out, "patterns version %s: OK\n", scorer.Version())
			return nil
		},
	})

	showCmd := &cobra.Command{
		Use:   "show <region>",
		Short: "Print a region's intake or test graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			dir, _ := cmd.Flags().GetString("dir")
			reg, _, err := loadRules(dir)
			if err != nil {
				return err
			}
			var g *rulegraph.Graph
			switch kind {
			case "intake":
				g, err = reg.IntakeGraph(args[0])
			case "test":
				g, err = reg.TestGraph(args[0])
			default:
				return fmt.Errorf("--kind must be intake or test, got %q", kind)
			}
			if err != nil {
				return err
			}
			printGraph(cmd.OutOrStdout(), g)
			return nil
		},
	}
	showCmd.Flags().String("kind", "intake", "Graph kind: intake or test")
	showCmd.Flags().String("dir", "", "Rule directory (defaults to the embedded rules)")
	cmd.AddCommand(showCmd)

	return cmd
}

func printGraph(w io.Writer, g *rulegraph.Graph) {
	fmt.Fprintf(w, "%s %s graph v%s (start: %s)\n", g.Region, g.Kind, g.Version, g.Start)
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		title := n.Prompt
		switch {
		case n.Name != "":
			title = n.Name
		case n.Diagnosis != "":
			title = "=> " + n.Diagnosis
		}
		fmt.Fprintf(w, "\n[%s] %s\n", id, title)
		for _, e := range g.Edges(id) {
			to := e.To
			if e.Terminal() {
				to = "(end)"
			}
			var tags []string
			for _, t := range e.Tags {
				if t.Kind == rulegraph.TagWeightAdjustment {
					tags = append(tags, fmt.Sprintf("%s%+d", t.Diagnosis, t.Delta))
					continue
				}
				tags = append(tags, fmt.Sprintf("%s:%s", t.Kind, t.Value))
			}
			line := fmt.Sprintf("  - %s -> %s", e.Label, to)
			if len(tags) > 0 {
				line += " [" + strings.Join(tags, ", ") + "]"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-derive a session's guided test position from its stored log",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("session")
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--session must be a session id: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx := context.Background()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			svc, err := buildService(cfg, st.repo, logger)
			if err != nil {
				return err
			}
			report, err := svc.Replay(ctx, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Consistent {
				return errors.New("stored position differs from the replayed log")
			}
			return nil
		},
	}
	cmd.Flags().String("session", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Str("service", "cdss-server").Logger()
}

// loadRules returns the embedded registry, or one read from dir.
func loadRules(dir string) (*rulegraph.Registry, *scoring.Scorer, error) {
	var (
		reg *rulegraph.Registry
		err error
	)
	if dir == "" {
		reg, err = rulegraph.Default()
	} else {
		reg, err = rulegraph.NewRegistry(os.DirFS(dir))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load rule graphs: %w", err)
	}
	scorer, err := scoring.Default(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("load scoring patterns: %w", err)
	}
	return reg, scorer, nil
}

type store struct {
	repo   diagnosis.Repository
	pinger db.Pinger
	driver string
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, cfg.DatabaseSchema)
		if err != nil {
			logger.Warn().Err(err).Msg("could not read migration status")
		}
		for _, s := range statuses {
			if !s.Applied {
				logger.Warn().Int("version", s.Version).Str("name", s.Name).Msg("migration pending; run `cdss-server migrate up`")
			}
		}
		logger.Info().Str("schema", cfg.DatabaseSchema).Msg("connected to postgres")
		return &store{repo: diagnosis.NewSessionRepoPG(pool), pinger: pool, driver: cfg.StoreDriver, close: pool.Close}, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		repo, err := diagnosis.NewSessionRepoSQLite(ctx, sqlDB)
		if err != nil {
			sqlDB.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &store{repo: repo, pinger: db.SQLPinger{DB: sqlDB}, driver: cfg.StoreDriver, close: func() { sqlDB.Close() }}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func buildService(cfg *config.Config, repo diagnosis.Repository, logger zerolog.Logger) (*diagnosis.Service, error) {
	reg, scorer, err := loadRules(cfg.RulesDir)
	if err != nil {
		return nil, err
	}
	return diagnosis.NewService(repo, reg, scorer,
		diagnosis.WithLogger(logger.With().Str("component", "diagnosis").Logger()),
		diagnosis.WithMaxRetries(cfg.MaxWriteRetries),
	), nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, svc *diagnosis.Service, st *store, tp *telemetry.TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tp.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Operational endpoints stay outside auth
	e.GET("/health", st.healthHandler())
	e.GET("/metrics", tp.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: identities are taken from X-Dev-User and X-Dev-Roles")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}
	diagnosis.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

func (s *store) healthHandler() echo.HandlerFunc {
	return db.HealthHandler(s.pinger, s.driver)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.close()

	svc, err := buildService(cfg, st.repo, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rules")
		return err
	}
	logger.Info().Strs("regions", svc.Regions()).Msg("rules loaded")

	tp, err := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "cdss-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		SampleRate:     1.0,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	e := newServer(cfg, logger, svc, st, tp)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", st.driver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
