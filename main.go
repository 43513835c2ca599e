// Command refhub wires the heartbeat timer, the periodic orphan-recovery
// sweep, the debug API server, and the LruCache's flush-on-eviction
// together with a single Process's lifecycle, shutting down gracefully on
// SIGINT/SIGTERM with a bounded drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refhub/api"
	"refhub/config"
	"refhub/keys"
	"refhub/logger"
	"refhub/lrucache"
	"refhub/process"
	"refhub/sink"
	"refhub/store"
)

const cacheMaxEntries = 2048

func main() {
	var (
		cfgPath    = flag.String("config", "/etc/refhub/config.yaml", "path to config.yaml")
		apiListen  = flag.String("api-listen", "0.0.0.0:8080", "debug API server listen address")
		sweepEvery = flag.Duration("sweep-interval", 30*time.Second, "orphan-recovery sweep interval")
		showVer    = flag.Bool("version", false, "show version")
	)
	flag.Parse()

	const buildVersion = "v0.1.0"
	if *showVer {
		fmt.Println(buildVersion)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	proc, err := process.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start process: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithProcessID(proc.ID(), func(entry logger.RedisErrorLogEntry) error {
		sc, connErr := store.Connect(cfg.Redis)
		if connErr != nil {
			return connErr
		}
		payload := fmt.Sprintf(`{"timestamp":%q,"level":%q,"message":%q,"error":%q}`,
			entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message, entry.Error)
		return sc.LPushCapped(ctx, keys.ErrorLog(proc.ID()), payload, 200)
	})

	var downstream sink.Sink = sink.NewRedisSink(proc.StoreClient())
	if cfg.Kafka.Enabled {
		ks, kErr := sink.NewKafkaSink(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if kErr != nil {
			logger.Error("kafka sink unavailable, falling back to redis sink", "error", kErr)
		} else {
			downstream = ks
		}
	}
	cache := lrucache.New(cacheMaxEntries)

	server, err := api.NewServer(proc, cache, cacheMaxEntries)
	if err != nil {
		logger.Error("start debug api server", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := server.Start(*apiListen); err != nil {
			logger.Error("debug api server stopped", "error", err)
		}
	}()
	logger.Info("debug api server listening", "address", *apiListen)

	sweepTicker := time.NewTicker(*sweepEvery)
	defer sweepTicker.Stop()
	sweepDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-sweepTicker.C:
				if err := proc.CheckHeartbeats(ctx); err != nil {
					logger.Error("orphan-recovery sweep failed", "error", err)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	shutdownCtx, stopSignal := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignal()
	<-shutdownCtx.Done()
	logger.Info("shutdown signal received, draining")

	close(sweepDone)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cache.ExpireAll(drainCtx); err != nil {
		logger.Error("cache drain during shutdown encountered a failure", "error", err)
	}

	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("debug api server shutdown", "error", err)
	}

	if err := proc.Stop(drainCtx); err != nil {
		logger.Error("process stop", "error", err)
	}

	if err := downstream.Close(); err != nil {
		logger.Error("close downstream sink", "error", err)
	}

	logger.Info("refhub shutdown complete")
}
