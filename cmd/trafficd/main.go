package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/balaworkspace05/plausibleV2-ai/internal/anomaly"
	"github.com/balaworkspace05/plausibleV2-ai/internal/api"
	"github.com/balaworkspace05/plausibleV2-ai/internal/config"
	"github.com/balaworkspace05/plausibleV2-ai/internal/engine"
	"github.com/balaworkspace05/plausibleV2-ai/internal/ingest"
	"github.com/balaworkspace05/plausibleV2-ai/internal/insight"
	"github.com/balaworkspace05/plausibleV2-ai/internal/logging"
	"github.com/balaworkspace05/plausibleV2-ai/internal/model"
	"github.com/balaworkspace05/plausibleV2-ai/internal/pubsub"
	"github.com/balaworkspace05/plausibleV2-ai/internal/stats"
	"github.com/balaworkspace05/plausibleV2-ai/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var manager *config.Manager
	if *configPath == "" {
		manager = config.NewStaticManager(config.DefaultConfig())
	} else {
		var err error
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting trafficd", "version", version, "config", manager.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Init(initCtx)
	initCancel()
	if err != nil {
		logger.Error("storage init failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	anomalies := anomaly.NewStore(cfg.Anomalies.StoreLimit)
	statsStore := stats.NewStore(cfg.Stats.StoreLimit)
	broker := pubsub.NewBroker(cfg.Subscribe.BufferSize, logger)

	eng := engine.New(cfg, logger, store, anomalies, statsStore, broker)

	// Reopen the anomaly state machines that were live before the last
	// shutdown, so an unresolved spike does not fire a duplicate on boot.
	open, err := store.ListAnomalies(ctx, "", true, 0)
	if err != nil {
		logger.Warn("could not restore open anomalies", "err", err)
	} else if len(open) > 0 {
		eng.RestoreOpen(open)
		logger.Info("restored open anomalies", "count", len(open))
	}

	// The collector writes through the engine synchronously; the channel
	// carries only the queued Kafka path.
	events := make(chan model.RawEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)
	eng.StartPruning(ctx)

	ingest.StartCollector(ctx, manager, eng, logger)
	ingest.StartKafka(ctx, manager, events, logger)

	insights := insight.NewBuilder(eng, anomalies)
	api.Start(ctx, api.NewServer(manager, eng, store, anomalies, statsStore, broker, insights, logger, version))

	go manager.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("configuration reloaded")
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	cancel()
	time.Sleep(200 * time.Millisecond)
}
