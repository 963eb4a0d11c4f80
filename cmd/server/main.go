package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
	_ "time/tzdata" // dedup window time zones without system tzdata

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/samber/do"
	"github.com/serroba/postviews/internal/container"
	"github.com/serroba/postviews/internal/scheduler"
	"github.com/serroba/postviews/internal/store/migrations"
	"github.com/serroba/postviews/internal/views"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerPackages(injector *do.Injector, options *container.Options) {
	container.ConfigPackage(injector, options)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.PostgresPackage(injector)
	container.MetricsPackage(injector)
	container.StorePackage(injector)
	container.PublisherGroupPackage(injector)
	container.ViewsPackage(injector)
	container.SchedulerPackage(injector)
	container.RateLimitPackage(injector)
	container.HTTPPackage(injector)
}

func shutdown(injector *do.Injector, logger *zap.Logger) {
	if err := injector.Shutdown(); err != nil {
		logger.Error("service shutdown error", zap.Error(err))
	}

	do.MustInvoke[*container.Closer](injector).Close()
	_ = logger.Sync()
}

func main() {
	_ = godotenv.Load()

	cli := humacli.New(func(hooks humacli.Hooks, options *container.Options) {
		injector := do.New()
		registerPackages(injector, options)

		logger := do.MustInvoke[*zap.Logger](injector)

		var server *http.Server

		hooks.OnStart(func() {
			if options.AutoMigrate {
				if err := migrations.Run(options.DatabaseURL, logger); err != nil {
					logger.Fatal("migration failed", zap.Error(err))
				}
			}

			router := do.MustInvoke[*chi.Mux](injector)

			// Invoke API to trigger route registration
			_ = do.MustInvoke[huma.API](injector)

			if options.SchedulerEnabled {
				if err := do.MustInvoke[*scheduler.Scheduler](injector).Start(context.Background()); err != nil {
					logger.Fatal("scheduler failed to start", zap.Error(err))
				}
			}

			server = &http.Server{
				Addr:              fmt.Sprintf(":%d", options.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger.Info("server starting",
				zap.Int("port", options.Port),
				zap.Bool("scheduler", options.SchedulerEnabled),
				zap.String("schedule", options.SyncSchedule),
			)

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("server failed", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			logger.Info("shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if server != nil {
				if err := server.Shutdown(ctx); err != nil {
					logger.Error("server shutdown error", zap.Error(err))
				}
			}

			shutdown(injector, logger)
		})
	})

	cli.Root().AddCommand(migrateCommand(), syncCommand())

	cli.Run()
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		Run: humacli.WithOptions(func(_ *cobra.Command, args []string, options *container.Options) {
			logger, err := container.NewLogger(options.LogFormat, options.LogLevel)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			migrator, err := migrations.New(options.DatabaseURL, logger)
			if err != nil {
				logger.Fatal("open migrations", zap.Error(err))
			}

			defer func() { _ = migrator.Close() }()

			if len(args) == 1 && args[0] == "down" {
				err = migrator.Down()
			} else {
				err = migrator.Up()
			}

			if err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
		}),
	}
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print its report",
		Run: humacli.WithOptions(func(cmd *cobra.Command, _ []string, options *container.Options) {
			injector := do.New()
			registerPackages(injector, options)

			logger := do.MustInvoke[*zap.Logger](injector)
			defer shutdown(injector, logger)

			err := runSync(cmd.Context(),
				do.MustInvoke[*scheduler.Scheduler](injector),
				do.MustInvoke[*views.Orchestrator](injector),
				cmd.OutOrStdout(),
				logger,
			)
			if err != nil {
				logger.Error("sync cycle failed", zap.Error(err))
			}
		}),
	}
}
