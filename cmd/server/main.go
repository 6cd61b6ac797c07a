package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/yamesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yamesh/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/yamesh/internal/adapter/driving/http"
	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/service"
	"github.com/Wyydra/yamesh/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "yamesh-server",
		Short:         "Signaling relay for yamesh rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := logging.Setup(cfg.Log); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tokens := memory.NewTokenStore(cfg.Server.RoomTokens)
	relay := service.NewRelay(cfg.Server, tokens, clock.Real())
	hub := ws.NewHub()
	h := handler.NewHandler(relay, hub, cfg.Server)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Int("protected_rooms", len(cfg.Server.RoomTokens)).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		// Close frames first: Shutdown does not wait for hijacked
		// websocket connections.
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Server exited")
	return err
}
