// Command chatd runs the chat server: WebSocket transport, session hub,
// SQLite message store, and the optional NATS announcement listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatd/internal/announce"
	"github.com/adred-codev/chatd/internal/auth"
	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/config"
	"github.com/adred-codev/chatd/internal/hub"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/logging"
	"github.com/adred-codev/chatd/internal/metrics"
	"github.com/adred-codev/chatd/internal/store"
	"github.com/adred-codev/chatd/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Bootstrap logger for the window before configuration is loaded.
	boot := zerolog.New(os.Stderr).With().Timestamp().Str("service", "chatd").Logger()

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("configuration failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		boot.Fatal().Err(err).Msg("logger setup failed")
	}
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	limiter := limits.NewRateLimiter(cfg.MaxMessagesPerMinute, logger)
	defer limiter.Stop()

	admission := limits.NewAdmission(limits.AdmissionConfig{
		PerIPRate:   cfg.ConnRatePerIP,
		PerIPBurst:  cfg.ConnBurstPerIP,
		GlobalRate:  cfg.ConnRateGlobal,
		GlobalBurst: cfg.ConnBurstGlobal,
	}, logger)
	defer admission.Stop()

	presence := chat.NewPresence()
	h := hub.NewHub(presence, logger)
	handler := hub.NewHandler(h, st, chat.NewFilter(cfg.MaxMessageLength), limiter, presence, cfg.DBOpTimeout, logger)

	sampler := metrics.NewSampler(cfg.MetricsInterval, logger)
	sampler.Start()
	defer sampler.Stop()

	supervisorCtx, stopSupervisor := context.WithCancel(context.Background())
	defer stopSupervisor()
	supervisor := hub.NewSupervisor(h, presence, cfg.HeartbeatInterval, cfg.AwayThreshold, logger)
	go supervisor.Run(supervisorCtx)

	srv := transport.NewServer(transport.Config{
		Addr:              cfg.BindAddr,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		DBTimeout:         cfg.DBOpTimeout,
	}, h, handler, st, auth.NewVerifier(cfg.JWTSecret), auth.NewTokenRegistry(cfg.ConnectionLimitPerUser), admission, sampler, logger)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	var listener *announce.Listener
	if cfg.NATSUrl != "" {
		listener, err = announce.Start(cfg.NATSUrl, cfg.AnnounceSubject, handler, logger)
		if err != nil {
			return fmt.Errorf("start announcement listener: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if listener != nil {
		listener.Close()
	}
	stopSupervisor()
	if err := srv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}

	logger.Info().Msg("server stopped")
	return nil
}
