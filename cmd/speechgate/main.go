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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/speechgate/internal/adapters/http"
	"github.com/dkeye/speechgate/internal/adapters/janusws"
	"github.com/dkeye/speechgate/internal/adapters/rtc"
	"github.com/dkeye/speechgate/internal/app/handler"
	"github.com/dkeye/speechgate/internal/app/orch"
	"github.com/dkeye/speechgate/internal/config"
	"github.com/dkeye/speechgate/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("speechgate stopped")
		os.Exit(1)
	}
	log.Info().Msg("speechgate exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Capture pipelines are supplied by the embedder; without them the
	// publisher negotiates inactive local tracks.
	var sources core.SourceProvider

	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers: cfg.RTC.ICEServers,
		UDPPortMin: cfg.RTC.UDPPortMin,
		UDPPortMax: cfg.RTC.UDPPortMax,
	}, rtc.MediaDefaults{
		Camera:          core.VideoCapability{Width: cfg.Media.CameraWidth, Height: cfg.Media.CameraHeight},
		ScreenFramerate: cfg.Media.ScreenFramerate,
		ScreenBitrate:   cfg.Media.ScreenBitrate,
	}, sources, nil)
	if err != nil {
		return fmt.Errorf("rtc factory: %w", err)
	}

	client, err := janusws.Dial(ctx, cfg.Janus.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	hub := router.NewEventHub()
	defer hub.Close()

	bitrate := cfg.Janus.RoomBitrate
	if bitrate == 0 {
		bitrate = cfg.Media.VideoBitrate
	}
	o := orch.New(client, factory, orch.Config{
		Room: handler.Room{
			ID:      cfg.Janus.RoomID,
			Secret:  cfg.Janus.RoomSecret,
			Pin:     cfg.Janus.RoomPin,
			Bitrate: bitrate,
		},
		OpaqueID:          cfg.Janus.OpaqueID,
		DisplayName:       cfg.Janus.DisplayName,
		IdlePublishers:    cfg.Janus.IdlePublishers,
		SpeechPublishers:  cfg.Janus.SpeechPublishers,
		RequestTimeout:    cfg.Janus.RequestTimeout,
		RequestRetries:    cfg.Janus.RequestRetries,
		DestroyRoomOnStop: cfg.Janus.DestroyRoomOnStop,
		Media: handler.MediaSettings{
			SendAudio:  cfg.Media.SendAudio,
			SendVideo:  cfg.Media.SendVideo,
			SendScreen: cfg.Media.SendScreen,
		},
	}, orch.Callbacks{
		PeerState:      hub.PeerState,
		SpeechRejected: hub.SpeechRejected,
		StreamAction:   hub.StreamAction,
		Exception:      hub.Exception,
	})

	failed := make(chan error, 1)
	o.SetListener(handler.Listener{
		Connected:    func() { log.Info().Str("module", "main").Msg("session connected") },
		Disconnected: func() { log.Warn().Str("module", "main").Msg("session disconnected") },
		Failed: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
		Error: func(err error) { log.Error().Err(err).Str("module", "main").Msg("session error") },
	})

	api := router.NewAPI(o, hub, router.NewRateLimiter(5, time.Minute))
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, api),
	}

	// The gateway link outlives gctx so the teardown requests of
	// o.Destroy still go out.
	linkCtx, closeLink := context.WithCancel(context.Background())
	defer closeLink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(linkCtx, o)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("speechgate control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-failed:
			return fmt.Errorf("session failed: %w", err)
		}
	})

	o.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		o.Destroy()
		if !client.Flush(2 * time.Second) {
			log.Warn().Msg("gateway teardown requests not flushed")
		}
		closeLink()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}
