// Command camhald runs the camera frame-pipeline orchestrator on the
// in-process driver and serves its control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikeyg42/camhal/internal/api"
	"github.com/mikeyg42/camhal/internal/camera"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/config"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/metrics"
)

// Application holds all components
type Application struct {
	config  *config.Config
	logger  camlog.Logger
	metrics *metrics.Metrics
	driver  *driver.Simulator
	device  *camera.Device
	hub     *api.Hub
	server  *api.Server
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Listen address override")
	logLevel := flag.String("log-level", "", "Log level override")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.RPC.ListenAddr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	if err := app.Initialize(); err != nil {
		app.logger.Error("Failed to initialize application", camlog.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	app.logger.Info("Shutdown signal received")
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := camlog.NewZap(camlog.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	camlog.ReplaceGlobal(logger)

	m := metrics.New()
	sim := driver.NewSimulator(driver.SimulatorOptions{
		Latency: cfg.Device.SimulatedLatency,
		Logger:  logger,
	})

	device, err := camera.New(cfg, sim,
		camera.WithLogger(logger),
		camera.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	hub := api.NewHub(device, cfg.RPC.RequestsPerSecond, cfg.RPC.Burst, logger)

	app := &Application{
		config:  cfg,
		logger:  logger.Named(cfg.Service.Name),
		metrics: m,
		driver:  sim,
		device:  device,
		hub:     hub,
	}
	if cfg.RPC.Enabled {
		app.server = api.NewServer(cfg, hub, m.Handler(), logger)
	}
	return app, nil
}

// Initialize binds the hub as the device's result sink and starts serving.
func (app *Application) Initialize() error {
	if err := app.device.Initialize(app.hub); err != nil {
		return fmt.Errorf("failed to initialize device: %w", err)
	}
	if app.server != nil {
		app.server.StartInBackground()
	}
	app.logger.Info("camhald started",
		camlog.String("device", app.device.ID()),
		camlog.String("addr", app.config.RPC.ListenAddr),
		camlog.Bool("dual", app.config.Device.DualEnabled))
	return nil
}

func (app *Application) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Service.ShutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("API server shutdown failed", camlog.Error(err))
		}
	}
	if app.device != nil {
		if err := app.device.Close(); err != nil {
			app.logger.Warn("Device close failed", camlog.Error(err))
		}
	}
	if app.driver != nil {
		if err := app.driver.Stop(); err != nil {
			app.logger.Warn("Driver stop failed", camlog.Error(err))
		}
	}
	_ = camlog.Sync(app.logger)
}
