package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cryoclim/hrwsi/catalog"
	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/harvester"
	"github.com/cryoclim/hrwsi/orchestrator"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
	"github.com/cryoclim/hrwsi/triggerer"
)

// baseConfig carries the settings every service shares.
type baseConfig struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"PostgreSQL connection URL"`
	ConfigDir   string `long:"configuration-folder-path" env:"HRWSI_CONFIG_FOLDER" default:"/opt/hrwsi/config" description:"Settings folder path"`
	MetricsPort int    `long:"metrics-port" env:"METRICS_PORT" default:"0" description:"Prometheus listener port, 0 to disable"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Logging level"`
	LogFormat   string `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
}

func (c *baseConfig) initLog() error {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(lvl)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

// run connects the shared infrastructure, starts the metrics listener and
// drives fn until SIGTERM. Cancellation is reported as a clean shutdown.
func (c *baseConfig) run(fn func(ctx context.Context, st *store.Store, folder *config.Folder) error) error {
	if err := c.initLog(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, c.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	folder, err := config.Load(c.ConfigDir)
	if err != nil {
		return err
	}
	c.serveMetrics(ctx)

	if err := fn(ctx, st, folder); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutting down")
	return nil
}

func (c *baseConfig) serveMetrics(ctx context.Context) {
	if c.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", c.MetricsPort), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics listener failed")
		}
	}()
}

type cmdHarvester struct {
	baseConfig
	CatalogueURL string `long:"catalogue-url" env:"CATALOGUE_URL" default:"https://catalogue.dataspace.copernicus.eu/resto" description:"resto catalogue base URL"`
	Mode         string `long:"run-mode" env:"RUN_MODE" default:"NRT" description:"NRT or ARCHIVE"`
}

func (c *cmdHarvester) Execute([]string) error {
	mode, ok := products.ParseRunMode(c.Mode)
	if !ok {
		return fmt.Errorf("unknown run mode %q", c.Mode)
	}
	return c.run(func(ctx context.Context, st *store.Store, folder *config.Folder) error {
		h := &harvester.Harvester{
			Store:     st,
			Catalog:   catalog.NewClient(c.CatalogueURL),
			Config:    folder,
			ConfigDir: c.ConfigDir,
			Mode:      mode,
		}
		log.WithField("mode", mode).Info("harvester starting")
		return h.Run(ctx)
	})
}

type cmdTriggerer struct {
	baseConfig
}

func (c *cmdTriggerer) Execute([]string) error {
	return c.run(func(ctx context.Context, st *store.Store, folder *config.Folder) error {
		t := &triggerer.Triggerer{Store: st, Config: folder}
		log.Info("triggerer starting")
		return t.Run(ctx)
	})
}

type cmdOrchestrator struct {
	baseConfig
}

func (c *cmdOrchestrator) Execute([]string) error {
	return c.run(func(ctx context.Context, st *store.Store, _ *config.Folder) error {
		o := &orchestrator.Orchestrator{Store: st}
		log.Info("orchestrator starting")
		return o.Run(ctx)
	})
}

type cmdMigrate struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"PostgreSQL connection URL"`
}

func (c *cmdMigrate) Execute([]string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, c.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}
