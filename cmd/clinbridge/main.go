package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinbridge/clinbridge/internal/adapter/billing"
	"github.com/clinbridge/clinbridge/internal/adapter/imaging"
	"github.com/clinbridge/clinbridge/internal/adapter/scheduling"
	"github.com/clinbridge/clinbridge/internal/config"
	"github.com/clinbridge/clinbridge/internal/dispatch"
	"github.com/clinbridge/clinbridge/internal/mcpserver"
	"github.com/clinbridge/clinbridge/internal/platform/db"
	"github.com/clinbridge/clinbridge/internal/platform/middleware"
	"github.com/clinbridge/clinbridge/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinbridge",
		Short: "Clinical adapter gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve operations as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger(out io.Writer, dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// buildDispatcher registers every backend adapter. Adapters stay inert until
// Dispatcher.Startup runs their Initialize.
func buildDispatcher(cfg *config.Config, logger zerolog.Logger) (*dispatch.Dispatcher, error) {
	d := dispatch.New(logger)

	adapters := []dispatch.ModuleAdapter{
		imaging.New(imaging.Config{
			BaseURL:  cfg.ArchiveURL,
			Username: cfg.ArchiveUsername,
			Password: cfg.ArchivePassword,
			Timeout:  cfg.ArchiveTimeout,
		}, logger),
		scheduling.New(scheduling.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
		}, logger),
		billing.New(billing.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
		}, logger),
	}
	for _, a := range adapters {
		if err := d.Register(a); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.IsDev())

	dispatcher, err := buildDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dispatcher")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := dispatcher.Startup(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("adapter startup failed")
	}
	logger.Info().Msg("adapters started")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	server.NewHandler(dispatcher, logger).RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("adapter shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runMCP serves the tool surface on stdio. Logs go to stderr so the protocol
// stream stays clean.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.IsDev())

	dispatcher, err := buildDispatcher(cfg, logger)
	if err != nil {
		return err
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := dispatcher.Startup(startCtx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("serving MCP tools on stdio")
	runErr := mcpserver.Run(ctx, dispatcher, logger)

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutCtx); err != nil {
		logger.Error().Err(err).Msg("adapter shutdown failed")
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
