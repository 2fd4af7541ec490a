// Command harvesterd is the driver program: it loads the bootstrap
// config, seeds the parameter registry, registers the demo pipeline when
// -demo-source-url is given, and starts the REST and metrics surfaces side by side.
//
// Grounded on the teacher's cmd/main.go bootstrap sequence
// (config -> logger -> components -> servers -> signal-wait), narrowed
// to this repository's manager/pipeline/restapi/metrics stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GeRDI-Project/harvester-go/internal/config"
	"github.com/GeRDI-Project/harvester-go/internal/demo"
	"github.com/GeRDI-Project/harvester-go/internal/manager"
	"github.com/GeRDI-Project/harvester-go/internal/metrics"
	"github.com/GeRDI-Project/harvester-go/internal/restapi"
	"github.com/GeRDI-Project/harvester-go/pkg/params"
	"github.com/GeRDI-Project/harvester-go/pkg/tracing"
)

// Exit codes per SPEC_FULL.md/spec.md §6: 0 clean shutdown, 1
// configuration failure, 2 startup failure after config was accepted.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStartup = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the bootstrap config.yaml")
	sourceURL := flag.String("demo-source-url", "", "paginated JSON API the demo pipeline harvests from")
	metricsAddr := flag.String("metrics-addr", ":9090", "bind address for the Prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvesterd: config: %v\n", err)
		return exitConfig
	}
	logger := cfg.NewLogger()
	log := logger.WithField("component", "harvesterd")

	registry := params.NewRegistry(logger.WithField("component", "params"))
	if err := cfg.RegisterParams(registry); err != nil {
		log.WithError(err).Error("registering bootstrap params")
		return exitConfig
	}
	registry.OverlayFromEnvironment()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = os.Getenv("GERDI_HARVESTER_TRACING_ENABLED") == "true"
	tm, err := tracing.NewManager(tracingCfg, logger)
	if err != nil {
		log.WithError(err).Error("starting tracing")
		return exitStartup
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tm.Shutdown(ctx)
	}()

	mgr := manager.New(manager.Config{
		Name:              "gerdi-harvester",
		CacheDir:          cfg.Harvester.CacheDir,
		ConcurrentHarvest: cfg.Harvester.ConcurrentHarvest,
		Logger:            logger,
		Tracer:            tm.Tracer(),
	})
	if err := mgr.Start(); err != nil {
		log.WithError(err).Error("starting manager")
		return exitStartup
	}
	defer mgr.Close()

	if *sourceURL != "" {
		demoPipeline := demo.NewPipeline(demo.PipelineOptions{
			Name:      "demo-source",
			SourceURL: *sourceURL,
			Kind:      demo.KindDisk,
			SaveDir:   cfg.Harvester.CacheDir,
			Registry:  registry,
			Logger:    logger,
		})
		mgr.Register(demoPipeline)
	}

	metricsServer := metrics.NewServer(*metricsAddr, logger.WithField("component", "metrics"))
	metricsServer.Start()
	defer metricsServer.Stop()

	restServer := restapi.NewServer(restapi.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Manager:  mgr,
		Registry: registry,
		Logger:   logger,
		Tracer:   tm.Tracer(),
	})
	restServer.Start()
	defer restServer.Stop()

	log.WithFields(logrus.Fields{
		"rest_addr":    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"metrics_addr": *metricsAddr,
	}).Info("harvesterd started")

	if cfg.Harvester.ForceHarvest {
		go func() {
			if err := mgr.Harvest(context.Background(), true); err != nil {
				log.WithError(err).Warn("initial forced harvest did not start")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	return exitOK
}
