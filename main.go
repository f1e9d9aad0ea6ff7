package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marloweh/powercontroller/config"
	"github.com/marloweh/powercontroller/controller"
	"github.com/marloweh/powercontroller/metering"
	"github.com/marloweh/powercontroller/outputs"
	"github.com/marloweh/powercontroller/pricing"
	"github.com/marloweh/powercontroller/shelly"
	"github.com/marloweh/powercontroller/statestore"
	"github.com/marloweh/powercontroller/teslamate"
	"github.com/marloweh/powercontroller/ups"
	"github.com/marloweh/powercontroller/webapp"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "powercontroller.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}
	slog.Info("Starting power controller", "label", cfg.Label, "outputs", len(cfg.Outputs))

	store := statestore.NewStore(cfg.StateFile, cfg.DaysOfHistory)
	document, err := store.Load()
	if err != nil {
		slog.Error("Failed to load state file", "path", cfg.StateFile, "error", err)
		return 1
	}
	if err = store.Save(document); err != nil {
		slog.Error("State file is not writable", "path", cfg.StateFile, "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// price feed
	cache := pricing.NewCache(0)
	apiClient := pricing.NewClient(cfg.Amber.APIURL, cfg.Amber.SiteID, cfg.Amber.APIKey, cfg.Amber.Timeout)
	refresher := pricing.NewRefresher(cache, apiClient, cfg.Amber.Refresher)
	go refresher.Run(ctx)

	// one worker per physical device
	deviceClient := shelly.NewRPCClient(cfg.DeviceHosts, 0)
	workers := map[string]*shelly.Worker{}
	for name, workerConfig := range cfg.Devices {
		worker := shelly.NewWorker(deviceClient, workerConfig)
		workers[name] = worker
		go worker.Run(ctx, cfg.DevicePolls[name])
	}
	runner := shelly.NewRunner(workers)

	var monitors []*ups.Monitor
	for _, upsConfig := range cfg.UPS {
		monitor := ups.NewMonitor(upsConfig)
		monitors = append(monitors, monitor)
		go monitor.Run(ctx)
	}

	var uploader *metering.Uploader
	if cfg.Metering.DatabaseFile != "" && cfg.Viewer.Enable {
		repository, err := metering.NewRepository(cfg.Metering.DatabaseFile)
		if err != nil {
			slog.Error("Failed to open metering database", "path", cfg.Metering.DatabaseFile, "error", err)
			return 1
		}
		sink := metering.NewViewerSink(cfg.Viewer.BaseURL, cfg.Viewer.AccessKey, cfg.Viewer.Timeout)
		uploader = metering.NewUploader(repository, sink, cfg.Viewer.UploadInterval)
		var usageCSV, tempCSV *metering.CSVLog
		if cfg.Metering.UsageDataFile != "" {
			usageCSV = metering.NewUsageCSV(cfg.Metering.UsageDataFile, cfg.Metering.UsageMaxDays)
		}
		if cfg.TempLogging.Enable && cfg.TempLogging.HistoryDataFile != "" {
			tempCSV = metering.NewTempCSV(cfg.TempLogging.HistoryDataFile, cfg.TempLogging.HistoryMaxDays)
		}
		uploader.WithCSVLogs(usageCSV, tempCSV)
		go uploader.Run(ctx)
	}

	ctrl, err := controller.New(controller.Config{
		Outputs:     cfg.Outputs,
		Workers:     workers,
		Runner:      runner,
		Cache:       cache,
		Store:       store,
		Document:    document,
		Eph:         cfg.Eph,
		Location:    cfg.Location,
		PriceDown:   refresher.Down,
		KickRefresh: refresher.Kick,
		Uploader:    uploader,
	}, time.Now())
	if err != nil {
		slog.Error("Failed to build controller", "error", err)
		return 1
	}

	ticker := time.NewTicker(cfg.PollingInterval)
	defer ticker.Stop()
	go ctrl.Run(ctx, ticker.C)

	// fan worker, refresher and UPS events into the control loop
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresher.Refreshed:
				select {
				case ctrl.Refreshed <- struct{}{}:
				default:
				}
			}
		}
	}()
	for _, worker := range workers {
		go forwardWorker(ctx, worker, ctrl)
	}
	for _, monitor := range monitors {
		go forwardUPS(ctx, monitor, ctrl)
	}

	if cfg.TeslaMate != nil {
		if output := firstImportedOutput(cfg.Outputs); output != "" {
			reader, err := teslamate.Open(cfg.TeslaMate.Database)
			if err != nil {
				slog.Error("Failed to open TeslaMate database", "error", err)
				return 1
			}
			defer reader.Close()
			importer := teslamate.NewImporter(reader, output, ctrl.Commands)
			go importer.Run(ctx, cfg.TeslaMate.RefreshInterval)
		} else {
			slog.Warn("TeslaMate enabled but no imported output is configured")
		}
	}

	server := webapp.New(webapp.Config{
		ListenAddress:  cfg.Webapp.ListenAddress,
		AccessKey:      cfg.Webapp.AccessKey,
		AllowedOrigins: cfg.Webapp.AllowedOrigins,
	}, ctrl, ctrl.Commands, ctrl.InputEvents)
	go func() {
		if err := server.Run(ctx); err != nil {
			slog.Error("Webapp stopped", "error", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	slog.Info("Shutting down")

	// cancelling the context makes the control loop command stop-on-exit
	// outputs off and flush state; give it a moment to finish
	cancel()
	time.Sleep(2 * time.Second)

	slog.Info("Exiting")
	return 0
}

func forwardWorker(ctx context.Context, worker *shelly.Worker, ctrl *controller.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-worker.Statuses:
			select {
			case ctrl.Statuses <- status:
			case <-ctx.Done():
				return
			}
		case event := <-worker.Events:
			select {
			case ctrl.DeviceEvents <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func forwardUPS(ctx context.Context, monitor *ups.Monitor, ctrl *controller.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case health := <-monitor.Transitions:
			select {
			case ctrl.UPSHealth <- health:
			case <-ctx.Done():
				return
			}
		}
	}
}

func firstImportedOutput(configs []outputs.Config) string {
	for _, output := range configs {
		if output.Kind == outputs.KindImported {
			return output.Name
		}
	}
	return ""
}
