package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yamesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yamesh/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/service"
	"github.com/Wyydra/yamesh/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const leaveTimeout = 2 * time.Second

var errRelayClosed = errors.New("relay closed the connection")

type flags struct {
	config   string
	server   string
	room     string
	name     string
	token    string
	send     string
	out      string
	logLevel string
}

func main() {
	var f flags
	host, _ := os.Hostname()

	cmd := &cobra.Command{
		Use:           "yamesh-peer",
		Short:         "Headless yamesh participant",
		Long:          "Joins a room, links to every other participant and optionally sends a file to each of them as they connect. Received files are written to --out.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Peer.ServerURL = f.server
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = f.logLevel
			}
			if err := logging.Setup(cfg.Log); err != nil {
				return err
			}
			room := domain.RoomID(f.room)
			if err := room.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, room, f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.server, "server", config.Default().Peer.ServerURL, "relay websocket URL")
	cmd.Flags().StringVar(&f.room, "room", "", "room to join")
	cmd.Flags().StringVar(&f.name, "name", host, "display name")
	cmd.Flags().StringVar(&f.token, "token", "", "room token")
	cmd.Flags().StringVar(&f.send, "send", "", "file to send to every connected peer")
	cmd.Flags().StringVar(&f.out, "out", ".", "directory for received files")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	_ = cmd.MarkFlagRequired("room")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Peer failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, room domain.RoomID, f flags) error {
	if f.send != "" {
		if _, err := os.Stat(f.send); err != nil {
			return fmt.Errorf("file to send: %w", err)
		}
	}
	if err := os.MkdirAll(f.out, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	engines, err := pion.NewFactory(cfg.Peer)
	if err != nil {
		return err
	}
	client, err := ws.Dial(ctx, cfg.Peer.ServerURL, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	sink := newEventSink()
	svc := service.NewCallService(cfg.Peer, client, engines, sink, clock.Real())
	defer svc.Close()
	h := &sessionHandler{svc: svc, sendPath: f.send, outDir: f.out, sent: make(map[domain.ParticipantID]bool)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pumpSignals(gctx, client.Incoming(), svc, log.Logger)
		if err := client.Err(); err != nil {
			return fmt.Errorf("signaling: %w", err)
		}
		if ctx.Err() == nil {
			return errRelayClosed
		}
		return nil
	})
	g.Go(func() error {
		sink.run(gctx, h)
		return nil
	})
	g.Go(func() error {
		defer client.Close()
		ack, err := svc.Join(gctx, room, domain.JoinRequest{DisplayName: f.name, Token: f.token})
		if err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		log.Info().Str("room", room.String()).Str("self", ack.Self.ID.String()).Int("participants", len(ack.Participants)).Msg("Joined room")

		<-gctx.Done()
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := svc.LeaveCall(leaveCtx); err != nil {
			log.Debug().Err(err).Msg("Leave not delivered")
		}
		return nil
	})

	err = g.Wait()
	h.wait()
	log.Info().Msg("Peer exited")
	return err
}
