package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xauwatch/internal/infrastructure/config"
	"xauwatch/internal/infrastructure/logger"
	"xauwatch/internal/infrastructure/svc"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	logger.Setup("info", "console")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	// 展示端独立 ctx：监督器停止后的 Closing/Disconnected 状态也要排空输出
	queueCtx, stopQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = sc.Queue.Run(queueCtx, sc.Sink)
	}()

	if sc.HTTP != nil {
		sc.HTTP.ListenAndServe()
	}

	// SIGHUP 手动刷新连接
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := sc.Supervisor.Refresh(); err != nil {
					log.Warn().Err(err).Msg("refresh failed")
				}
			}
		}
	}()

	log.Info().
		Str("config", *configPath).
		Str("instrument", cfg.Feed.Instrument).
		Int("max_attempts", cfg.RetryMaxAttempts()).
		Dur("base_interval", cfg.RetryBaseInterval()).
		Msg("xauwatch started")

	if err := sc.Supervisor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("supervisor exited")
	}

	stopQueue()
	<-queueDone
	if sc.Console != nil {
		sc.Console.NewLine()
	}

	if sc.HTTP != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sc.HTTP.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
	}
	log.Info().Msg("xauwatch stopped")
}
