package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketgate/config"
	"marketgate/internal/breaker"
	"marketgate/internal/cache"
	"marketgate/internal/dashboard"
	"marketgate/internal/events"
	"marketgate/internal/gateway"
	"marketgate/internal/metrics"
	"marketgate/internal/provider"
	"marketgate/internal/routing"
	"marketgate/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Gateway.Name,
		"version": cfg.Gateway.Version,
	}).Info("starting marketgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Gateway.Name)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	metrics.InitPrometheus()

	tieredCache := cache.NewTieredCache(cache.Options{
		L1MaxEntries:         cfg.Cache.L1MaxEntries,
		L2MaxBytes:           cfg.Cache.L2MaxBytes,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		CompressionThreshold: int64(cfg.Cache.CompressionThreshold),
	}, log)

	router := routing.NewRouter(log)

	for _, srcCfg := range cfg.Sources {
		adapter, err := provider.FromConfig(srcCfg)
		if err != nil {
			log.WithError(err).Error("failed to build source adapter")
			os.Exit(1)
		}
		adapter = provider.WithRateLimit(adapter,
			float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize)

		if err := adapter.Connect(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"source": srcCfg.Name}).Warn("source connect failed, registering anyway")
		}
		if err := router.RegisterSource(srcCfg.Name, adapter); err != nil {
			log.WithError(err).Error("failed to register source")
			os.Exit(1)
		}
	}

	for _, ruleCfg := range cfg.Router.Rules {
		rule, err := routing.NewRule(routing.RuleSpec{
			Name:           ruleCfg.Name,
			Priority:       ruleCfg.Priority,
			Enabled:        ruleCfg.Enabled,
			DataTypes:      ruleCfg.DataTypes,
			Symbols:        ruleCfg.Symbols,
			SymbolPatterns: ruleCfg.SymbolPatterns,
			TargetSources:  ruleCfg.TargetSources,
			Condition:      ruleCfg.Condition,
		})
		if err != nil {
			log.WithError(err).Error("failed to compile routing rule")
			os.Exit(1)
		}
		if err := router.AddRule(rule); err != nil {
			log.WithError(err).Error("failed to add routing rule")
			os.Exit(1)
		}
	}

	var breakers breaker.Provider = breaker.Nop{}
	if cfg.CircuitBreaker.Enabled {
		breakers = breaker.NewManager(cfg.CircuitBreaker, log)
	}

	orch := gateway.NewOrchestrator(router, tieredCache, breakers, cfg.Gateway.Timeout, log)

	var forwarder *events.Forwarder
	if cfg.Events.Kafka.Enabled {
		forwarder, err = events.NewForwarder(cfg.Events.Kafka, cfg.Gateway.Name, tieredCache)
		if err != nil {
			log.WithError(err).Error("failed to create invalidation forwarder")
			os.Exit(1)
		}
		if err := forwarder.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start invalidation forwarder")
			os.Exit(1)
		}
	}

	server, err := dashboard.NewServer(cfg.Dashboard, orch, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithFields(logger.Fields{"address": server.Address()}).Info("dashboard listening")
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if forwarder != nil {
		forwarder.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway shutdown reported errors")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketgate stopped")
}
