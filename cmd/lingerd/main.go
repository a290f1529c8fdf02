package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/lingerd/internal/broker"
	"github.com/adred-codev/lingerd/internal/config"
	"github.com/adred-codev/lingerd/internal/httpapi"
	ingestkafka "github.com/adred-codev/lingerd/internal/ingest/kafka"
	"github.com/adred-codev/lingerd/internal/limits"
	"github.com/adred-codev/lingerd/internal/logging"
	"github.com/adred-codev/lingerd/internal/metrics"
	"github.com/adred-codev/lingerd/internal/snsadapter"
)

func splitBrokers(brokers string) []string {
	var result []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.Init(logger)
	cfg.LogFields(logger)

	// automaxprocs already sized GOMAXPROCS to the container quota (rounds
	// down); log what we ended up with.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broker.New(broker.Config{
		Logger:        logger,
		ExecutorQueue: cfg.ExecutorQueue,
	})
	defer b.Stop()

	var inflight int64
	guard := limits.New(limits.Config{
		MaxInflightRequests: cfg.MaxInflightRequests,
		MaxKafkaRate:        cfg.MaxKafkaRate,
		MaxPublishRate:      cfg.MaxPublishRate,
		MaxGoroutines:       cfg.MaxGoroutines,
		CPULimit:            cfg.CPULimit,
		MemoryLimit:         cfg.MemoryLimit,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		CPUPauseThreshold:   cfg.CPUPauseThreshold,
	}, logger, &inflight)
	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	sns := snsadapter.New(snsadapter.Config{
		Logger:       logger,
		FetchTimeout: 10 * time.Second,
		Acquire:      guard.AcquireGoroutine,
		Release:      guard.ReleaseGoroutine,
	})

	api := httpapi.New(b, sns, guard, logger, httpapi.Config{
		DefaultTimeout:  cfg.DefaultTimeout,
		DefaultLongPoll: 30 * time.Second,
		Inflight:        &inflight,
	})

	var bridge *ingestkafka.Bridge
	if cfg.KafkaTopics != "" {
		bridge, err = ingestkafka.New(ingestkafka.Config{
			Brokers:       splitBrokers(cfg.KafkaBrokers),
			ConsumerGroup: cfg.ConsumerGroup,
			Topics:        splitBrokers(cfg.KafkaTopics),
			Logger:        logger,
			Publisher:     b,
			Guard:         guard,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka ingestion bridge")
		}
		bridge.Start()
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll responses outlive any fixed write budget
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("lingerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.CollectRuntime()
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if bridge != nil {
		bridge.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
}
