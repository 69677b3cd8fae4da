package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/litefuse/litefuse/internal/config"
	"github.com/litefuse/litefuse/internal/dbhandle"
	"github.com/litefuse/litefuse/internal/httpapi"
	"github.com/litefuse/litefuse/internal/queryservice"
	"github.com/litefuse/litefuse/internal/rlsddl"
	"github.com/litefuse/litefuse/internal/rlsstore"
	"github.com/litefuse/litefuse/internal/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the litefuse HTTP server",
	RunE:  runServe,
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Log.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg)

	db, err := dbhandle.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	store, err := rlsstore.New(ctx, db.DB())
	if err != nil {
		return fmt.Errorf("initializing RLS store: %w", err)
	}

	if cfg.Database.PoliciesPath != "" {
		if err := applyPolicyScript(ctx, store, cfg.Database.PoliciesPath); err != nil {
			return fmt.Errorf("applying policy script: %w", err)
		}
	}

	sch, err := schema.Build(ctx, db.DB())
	if err != nil {
		return fmt.Errorf("building schema catalog: %w", err)
	}
	log.Info().Int("table_count", len(sch.TableNames())).Msg("schema catalog built")

	svc := queryservice.New(db, sch, store)

	var jwtSecret []byte
	if cfg.Auth.Disabled {
		log.Warn().Msg("auth is disabled; every request runs as the anonymous role")
	} else {
		jwtSecret = []byte(cfg.Auth.JWTSecret)
	}
	api := httpapi.New(svc, store, jwtSecret)

	app := fiber.New()
	api.Register(app)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("litefuse listening")
		if err := app.Listen(cfg.Server.Addr); err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("litefuse metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

// applyPolicyScript parses and applies a bootstrap policy DDL script so
// a fresh database can come up with its row security already declared.
func applyPolicyScript(ctx context.Context, store *rlsstore.Store, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	stmts, err := rlsddl.ParseScript(string(script))
	if err != nil {
		return err
	}
	if err := rlsddl.Apply(ctx, store, stmts); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("statement_count", len(stmts)).Msg("policy script applied")
	return nil
}
