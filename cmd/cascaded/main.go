package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/cascade/cache"
	"github.com/wudi/cascade/config"
	"github.com/wudi/cascade/internal/logging"
	"github.com/wudi/cascade/internal/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/cascade.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cascaded %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	collector := metrics.NewCollector()
	manager, err := cache.NewManager(cfg, cache.WithCollector(collector))
	if err != nil {
		logging.Error("Failed to build cache manager", zap.Error(err))
		os.Exit(1)
	}

	app := newApp(manager, collector)
	logging.Info("Starting cascaded",
		zap.String("version", version),
		zap.String("instance", app.instance),
		zap.String("config", *configPath),
		zap.Int("layers", len(cfg.EnabledLayers())),
	)

	// Hot reload: a config change rebuilds the cascade and swaps it in
	// behind the admin API. The old cascade drains and closes.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("config watcher unavailable, hot reload disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(next *config.Config) {
			m, err := cache.NewManager(next, cache.WithCollector(collector))
			if err != nil {
				logging.Error("reload rejected: cascade rebuild failed", zap.Error(err))
				return
			}
			old := app.swap(m)
			if old != nil {
				old.Close()
			}
			logging.Info("configuration reloaded",
				zap.Int("layers", len(next.EnabledLayers())))
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	if cfg.Admin.Enabled {
		go func() {
			if err := app.serveAdmin(cfg.Admin.Address); err != nil {
				logging.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logging.Info("shutting down", zap.String("signal", sig.String()))

	app.shutdown()
}
