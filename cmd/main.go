// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Main entrypoint for the spotmgr daemon: one process running the pool
// scheduler, the stats reconciler, a Prometheus metrics endpoint and
// health/readiness probes.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/spotmgr/spotmgr/internal/cache"
	"github.com/spotmgr/spotmgr/internal/controller"
	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/config"
	"github.com/spotmgr/spotmgr/pkg/metrics"
)

var setupLog = ctrllog.Log.WithName("setup")

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "/etc/spotmgr/config.yaml",
		"Path to the daemon configuration file. Can be overridden with SPOTMGR_CONFIG_PATH environment variable.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrllog.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if envConfigPath := os.Getenv("SPOTMGR_CONFIG_PATH"); envConfigPath != "" {
		configFile = envConfigPath
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		setupLog.Error(err, "failed to load configuration", "config-file", configFile)
		os.Exit(1)
	}
	setupLog.Info("loaded configuration",
		"redis", cfg.RedisAddr,
		"database", cfg.DatabasePath,
		"default-region", cfg.AWS.DefaultRegion,
		"log-level", cfg.LogLevel)

	if err := run(cfg); err != nil {
		setupLog.Error(err, "daemon failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	reconcileInterval, err := cfg.ParseReconcileInterval()
	if err != nil {
		return err
	}
	statsInterval, err := cfg.ParseStatsInterval()
	if err != nil {
		return err
	}

	db, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	setupLog.Info("opened instance store", "path", cfg.DatabasePath)

	redisCache := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisDB)
	defer redisCache.Close()
	setupLog.Info("connected price cache", "addr", cfg.RedisAddr)

	awsClient := aws.NewClient(aws.ClientConfig{
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		AssumeRoleARN:   cfg.AWS.AssumeRoleARN,
		DefaultRegion:   cfg.AWS.DefaultRegion,
		EndpointURL:     cfg.AWS.EndpointURL,
	})
	setupLog.Info("created AWS client")

	registry := ctrlmetrics.Registry
	m := metrics.NewMetrics(registry)
	m.DaemonRunning.Set(1)
	setupLog.Info("metrics initialized")

	status := controller.NewStatusReporter(ctrllog.Log.WithName("status"), db, m)
	reconciler := controller.NewPoolReconciler(
		ctrllog.Log.WithName("pool-reconciler"),
		db, redisCache, awsClient, status,
		controller.NewLockDir(cfg.LockDir), m)

	scheduler := &controller.Scheduler{
		Log:        ctrllog.Log.WithName("scheduler"),
		Store:      db,
		Reconciler: reconciler,
		Interval:   reconcileInterval,
	}
	statsReconciler := &controller.StatsReconciler{
		Log:      ctrllog.Log.WithName("stats-reconciler"),
		Store:    db,
		Metrics:  m,
		Interval: statsInterval,
	}

	ctx := signals.SetupSignalHandler()

	go func() {
		if err := scheduler.Run(ctx); err != nil {
			setupLog.Error(err, "pool scheduler stopped with error")
		}
	}()
	go func() {
		if err := statsReconciler.Run(ctx); err != nil {
			setupLog.Error(err, "stats reconciler stopped with error")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsBindAddress,
		Handler: metricsMux,
	}
	go func() {
		setupLog.Info("starting metrics server", "address", cfg.MetricsBindAddress)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "metrics server stopped with error")
		}
	}()

	// Readiness requires both backing stores; liveness just the process.
	readyCheck := func(req *http.Request) error {
		checkCtx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if err := db.Ping(checkCtx); err != nil {
			return err
		}
		return redisCache.Ping(checkCtx)
	}
	healthHandler := &healthz.Handler{
		Checks: map[string]healthz.Checker{
			"healthz": healthz.Ping,
			"readyz":  readyCheck,
		},
	}
	healthMux := http.NewServeMux()
	healthMux.Handle("/healthz", http.StripPrefix("/healthz", healthHandler))
	healthMux.Handle("/readyz", http.StripPrefix("/readyz", healthHandler))
	healthServer := &http.Server{
		Addr:    cfg.HealthProbeBindAddress,
		Handler: healthMux,
	}
	go func() {
		setupLog.Info("starting health server", "address", cfg.HealthProbeBindAddress)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "health server stopped with error")
		}
	}()

	<-ctx.Done()
	setupLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	return nil
}
