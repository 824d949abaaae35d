package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/landx-api/internal/auth"
	"github.com/ksred/landx-api/internal/config"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/database/migrations"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
)

var configFile string

// setupLogging pretty prints outside production; debug logging follows the config
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:           "landx",
		Short:         "Land and property rights exchange API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the database schema",
			RunE:  runMigrate,
		},
		newVerifyLedgerCommand(),
	)

	if err := root.Execute(); err != nil {
		zlog.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := database.NewStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return migrations.Run(store.DB)
}

func newVerifyLedgerCommand() *cobra.Command {
	var workflow, project string
	cmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Replay ledger hash chains and report tampering",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := database.NewStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ledgerService := ledger.NewService(store, nil)
			chains := []ledger.Chain{}
			if workflow != "" || project != "" {
				w, err := types.ParseWorkflow(workflow)
				if err != nil {
					return err
				}
				chains = append(chains, ledger.Chain{Workflow: w, ProjectID: project})
			} else if chains, err = ledger.NewDatabase(store.DB).ListChains(); err != nil {
				return err
			}

			broken := 0
			for _, ch := range chains {
				res, err := ledgerService.VerifyChain(cmd.Context(), ch.Workflow, ch.ProjectID)
				if err != nil {
					return err
				}
				status := "ok"
				if !res.Valid {
					status = fmt.Sprintf("BROKEN at seq %d: %s", res.BrokenAtSeq, res.Reason)
					broken++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-40s %6d entries  %s\n", ch.Workflow, ch.ProjectID, res.Entries, status)
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d ledger chains failed verification", broken, len(chains))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow of a single chain to verify")
	cmd.Flags().StringVar(&project, "project", "", "project id of a single chain to verify")
	return cmd
}

func registerParticipants(authService *auth.Service, cfg *config.Config) error {
	participants := cfg.Participants
	if len(participants) == 0 {
		if cfg.IsProduction() {
			return errors.New("no participants configured")
		}
		participants = config.DevParticipants()
		zlog.Warn().Int("count", len(participants)).Msg("No participants configured; registering development credentials")
	}
	for _, p := range participants {
		err := authService.RegisterAPICredentials(p.APIKey, p.APISecret, policy.Principal{
			ParticipantID: p.ParticipantID,
			Role:          policy.Role(p.Role),
			Workflow:      types.Workflow(p.Workflow),
			DisplayName:   p.DisplayName,
		})
		if err != nil {
			return fmt.Errorf("failed to register participant %s: %w", p.ParticipantID, err)
		}
	}
	return nil
}

// runServe initializes and runs the API server with graceful shutdown support
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := database.NewStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := migrations.Run(store.DB); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	authService := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err := registerParticipants(authService, cfg); err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	app := newApp(store, cfg, m, authService)
	app.setupRoutes(router, registry)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go app.rateLimiter.Start(bgCtx)
	go app.auditor.Start(bgCtx)
	go app.idempotency.Start(bgCtx, cfg.IdempotencyTTL/4)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("port", cfg.Port).Str("driver", cfg.DatabaseDriver).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	zlog.Info().Msg("Shutting down server...")
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zlog.Info().Msg("Server exiting")
	return nil
}
