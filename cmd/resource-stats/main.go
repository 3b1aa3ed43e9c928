package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/resourcestats/internal/config"
	"github.com/ehr/resourcestats/internal/domain/population"
	"github.com/ehr/resourcestats/internal/domain/summary"
	"github.com/ehr/resourcestats/internal/platform/auth"
	"github.com/ehr/resourcestats/internal/platform/db"
	"github.com/ehr/resourcestats/internal/platform/middleware"
	"github.com/ehr/resourcestats/internal/platform/reporting"
	"github.com/ehr/resourcestats/internal/platform/sqlite"
	"github.com/ehr/resourcestats/internal/platform/telemetry"
	"github.com/ehr/resourcestats/internal/platform/watch"
	"github.com/ehr/resourcestats/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "resource-stats",
		Short:         "Per-resource-type record count statistics over FHIR patient exports",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("path", "p", "", "Data root holding one directory per patient")
	pf.IntP("bin-size", "b", summary.DefaultBinWidth, "Histogram bin width")
	pf.Bool("stratify", false, "Group statistics by originating endpoint")
	pf.Bool("suppress-empty", false, "Omit empty histogram bins")
	pf.String("layout", config.LayoutLatest, "Export layout: latest or walk")
	pf.String("export-dir", "SyncForScience", "Export directory name inside each patient directory")
	pf.Int("workers", 4, "Patients processed concurrently")
	pf.BoolP("debug", "d", false, "Enable debug logging")
	pf.String("database-url", "", "Postgres URL for run history")
	pf.String("sqlite-path", "", "SQLite file for run history")

	rootCmd.AddCommand(summarizeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command, validate bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg, os.Stderr)
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, logger, err
		}
	}
	return cfg, logger, nil
}

func newService(cfg *config.Config, store reporting.RunStore, pub reporting.Publisher, logger zerolog.Logger) *reporting.Service {
	agg := population.New(population.Options{
		Root:      cfg.DataPath,
		ExportDir: cfg.ExportDir,
		Layout:    cfg.Layout,
		Stratify:  cfg.Stratify,
		Workers:   cfg.Workers,
	}, logger)

	return reporting.NewService(agg, reporting.ServiceConfig{
		DataPath: cfg.DataPath,
		Layout:   cfg.Layout,
		Stratify: cfg.Stratify,
		Summary:  summary.Options{BinWidth: cfg.BinSize, SuppressEmpty: cfg.SuppressEmptyBins},
	}, store, pub, logger)
}

// runStore is the configured run history. Postgres wins over SQLite; with
// neither configured store and health are nil.
type runStore struct {
	store  reporting.RunStore
	health echo.HandlerFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &runStore{
			store:  db.NewRunStore(pool),
			health: db.HealthHandler(pool),
			close:  pool.Close,
		}, nil

	case cfg.SQLitePath != "":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", s.Path()).Msg("opened sqlite run store")
		return &runStore{
			store:  s,
			health: db.StoreHealthHandler(s, nil),
			close:  func() { s.Close() },
		}, nil
	}
	return &runStore{close: func() {}}, nil
}

func summarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Compute the report once and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rs, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rs.close()

			run, report, err := newService(cfg, rs.store, nil, logger).Execute(ctx)
			if err != nil {
				return err
			}

			if showFailures, _ := cmd.Flags().GetBool("failures"); showFailures {
				writeFailures(cmd.ErrOrStderr(), run.Failures)
			}
			return writeReport(cmd.OutOrStdout(), report, cfg.OutputFormat)
		},
	}
	cmd.Flags().String("format", config.FormatJSON, "Output format: json or toml")
	cmd.Flags().Bool("failures", false, "List excluded patients on stderr")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the latest report over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().String("port", "8000", "HTTP listen port")
	cmd.Flags().Bool("watch", false, "Recompute when files under the data root change")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rs.close()

	hub := websocket.NewHub(logger)
	svc := newService(cfg, rs.store, hub, logger)

	e := newServer(cfg, svc, hub, rs, logger)

	go func() {
		if _, _, err := svc.Execute(ctx); err != nil {
			logger.Error().Err(err).Msg("initial report computation failed")
		}
	}()

	if cfg.Watch {
		w := watch.New(cfg.DataPath, watch.DefaultDebounce, logger)
		go func() {
			err := w.Run(ctx, func(ctx context.Context) {
				if _, _, err := svc.Execute(ctx); err != nil {
					logger.Error().Err(err).Msg("recompute after change failed")
				}
			})
			if err != nil {
				logger.Error().Err(err).Msg("watcher stopped")
			}
		}()
	}

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newServer(cfg *config.Config, svc *reporting.Service, hub *websocket.Hub, rs *runStore, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := telemetry.NewProvider("resource-stats", version)
	svc.SetObserver(metrics)
	metrics.RegisterGauge("websocket_clients", "Connected websocket clients.", func() int64 {
		return int64(hub.ClientCount())
	})

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())

	var refreshMW []echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{SigningKey: []byte(cfg.AuthSigningKey)}))
		refreshMW = append(refreshMW, auth.RequireRole(auth.RoleOperator))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, API is unauthenticated")
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if rs.health != nil {
		e.GET("/health/db", rs.health)
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	reporting.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"), refreshMW...)
	websocket.NewHandler(hub).RegisterRoutes(e.Group(""))
	return e
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withStore(cmd, func(ctx context.Context, store reporting.RunStore) error {
				runs, total, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				writeRuns(cmd.OutOrStdout(), runs, total)
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to list")
	cmd.Flags().Int("offset", 0, "Runs to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a recorded run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			return withStore(cmd, func(ctx context.Context, store reporting.RunStore) error {
				run, err := store.GetRun(ctx, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			})
		},
	})
	return cmd
}

func withStore(cmd *cobra.Command, fn func(context.Context, reporting.RunStore) error) error {
	cfg, logger, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rs.close()
	if rs.store == nil {
		return &config.ConfigurationError{Key: "DATABASE_URL", Reason: "or SQLITE_PATH is required for run history"}
	}
	return fn(ctx, rs.store)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres run history schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(context.Context, *db.Migrator, string) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, _, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return &config.ConfigurationError{Key: "DATABASE_URL", Reason: "is required for migrations"}
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		files := db.Migrations()
		if dir != "" {
			files = os.DirFS(dir)
		}
		return fn(ctx, db.NewMigrator(pool, files), schema)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema")
		c.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
		cmd.AddCommand(c)
	}
	return cmd
}
