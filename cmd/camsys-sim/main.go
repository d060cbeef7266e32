package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	framecontrol "github.com/e7canasta/orion-care-sensor/modules/frame-control"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sim"
)

// Version information
const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: built-in single 30fps context)")
	frames := flag.Int("frames", 0, "Requests per client (0 = run until interrupted)")
	i2cBus := flag.String("i2c-bus", "", "Real I2C bus for the sensors (empty = record writes in memory)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camsys-sim %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	bus, err := sim.OpenBus(*i2cBus)
	if err != nil {
		slog.Error("failed to open i2c bus", "bus", *i2cBus, "error", err)
		os.Exit(1)
	}
	rig := sim.NewRig(cfg, bus)

	ctl, err := framecontrol.New(rig.Options(cfg))
	if err != nil {
		slog.Error("failed to create controller", "error", err)
		rig.Close()
		os.Exit(1)
	}
	rig.Attach(ctl)

	printBanner(cfg, *i2cBus, *frames)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var em *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		em = startEmitter(ctx, cfg, ctl)
	}

	health := newHealthServer(cfg, ctl, rig, em)
	if err := health.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	for _, cc := range cfg.Contexts {
		if err := ctl.StreamOn(cc.ID); err != nil {
			slog.Error("stream on failed", "ctx", cc.ID, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("camsys-sim streaming", "contexts", len(cfg.Contexts), "instance_id", cfg.InstanceID)

	perClient := *frames
	if perClient <= 0 {
		perClient = math.MaxInt32
	}
	results := runClients(ctx, cfg, rig, ctl, perClient)

	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	startTime := time.Now()
	var totals sim.ClientResult
loop:
	for {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			break loop
		case res, ok := <-results:
			if !ok {
				slog.Info("all clients finished")
				break loop
			}
			totals.Enqueued += res.Enqueued
			totals.Done += res.Done
			totals.Errors += res.Errors
			totals.Duplicates += res.Duplicates
			totals.Drained += res.Drained
		case <-statsTicker.C:
			printStats(time.Since(startTime), ctl.Stats(), rig.Stats())
		}
	}
	cancel()

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := shutdown(shutdownCtx, cfg, ctl, rig, health, em); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	// Clients still running at interrupt report through results until
	// the channel closes.
	for res := range results {
		totals.Enqueued += res.Enqueued
		totals.Done += res.Done
		totals.Errors += res.Errors
		totals.Duplicates += res.Duplicates
		totals.Drained += res.Drained
	}
	printFinal(time.Since(startTime), totals, rig.Stats())

	slog.Info("camsys-sim stopped successfully")
}

// runClients starts one load client per context, or one frame-synced
// client over every context. Results arrive on the returned channel,
// which is closed once every client has returned.
func runClients(ctx context.Context, cfg *config.Config, rig *sim.Rig, ctl framecontrol.Controller, frames int) <-chan sim.ClientResult {
	var clients []*sim.Client
	if cfg.Sim.Sync {
		clients = append(clients, &sim.Client{
			Name:     "sim-sync",
			Contexts: rig.Contexts,
			InFlight: cfg.Sim.InFlight,
			Sync:     true,
		})
	} else {
		for _, cc := range rig.Contexts {
			clients = append(clients, &sim.Client{
				Name:     fmt.Sprintf("sim-ctx%d", cc.ID),
				Contexts: []sim.ContextConfig{cc},
				InFlight: cfg.Sim.InFlight,
			})
		}
	}

	out := make(chan sim.ClientResult, len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Run(ctx, ctl, frames)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("client failed", "client", c.Name, "error", err)
			}
			slog.Info("client finished",
				"client", c.Name,
				"done", res.Done,
				"errors", res.Errors,
				"elapsed", res.Elapsed,
			)
			out <- res
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func startEmitter(ctx context.Context, cfg *config.Config, ctl framecontrol.Controller) *emitter.MQTTEmitter {
	em := emitter.NewMQTTEmitter(cfg)
	if err := em.Connect(ctx); err != nil {
		// Auto-reconnect keeps trying in the background.
		slog.Warn("mqtt connect failed, events dropped until connected", "error", err)
	}

	events := make(chan framecontrol.Event, 256)
	if err := ctl.Subscribe("mqtt", events); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		return em
	}
	go em.Run(ctx, events)
	return em
}

// shutdown stops every context before the hardware it talks to.
func shutdown(ctx context.Context, cfg *config.Config, ctl framecontrol.Controller, rig *sim.Rig, health *healthServer, em *emitter.MQTTEmitter) error {
	done := make(chan error, 1)
	go func() {
		var errs []error
		for _, cc := range cfg.Contexts {
			if err := ctl.StreamOff(cc.ID); err != nil && !errors.Is(err, framecontrol.ErrNotStreaming) {
				errs = append(errs, fmt.Errorf("stream off ctx %d: %w", cc.ID, err))
			}
		}
		if err := ctl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close controller: %w", err))
		}
		if err := rig.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rig: %w", err))
		}
		if em != nil {
			em.Disconnect()
		}
		done <- errors.Join(errs...)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
	if herr := health.Shutdown(ctx); herr != nil {
		err = errors.Join(err, herr)
	}
	return err
}
