package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	framecontrol "github.com/e7canasta/orion-care-sensor/modules/frame-control"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sim"
)

// healthServer exposes liveness and stats over HTTP and, with MQTT
// configured, publishes the same stats on the health topic.
type healthServer struct {
	cfg    *config.Config
	ctl    framecontrol.Controller
	rig    *sim.Rig
	em     *emitter.MQTTEmitter
	server *http.Server
	stop   chan struct{}
}

type statsResponse struct {
	InstanceID string             `json:"instance_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Controller framecontrol.Stats `json:"controller"`
	Hardware   sim.RigStats       `json:"hardware"`
	MQTT       *emitter.Stats     `json:"mqtt,omitempty"`
}

func newHealthServer(cfg *config.Config, ctl framecontrol.Controller, rig *sim.Rig, em *emitter.MQTTEmitter) *healthServer {
	return &healthServer{cfg: cfg, ctl: ctl, rig: rig, em: em, stop: make(chan struct{})}
}

// Start serves HTTP when a port is configured and starts the MQTT health
// publisher when an emitter exists. It does not block.
func (h *healthServer) Start() error {
	if h.em != nil {
		go h.publishLoop()
	}
	if h.cfg.Health.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.livenessHandler)
	mux.HandleFunc("/stats", h.statsHandler)

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Health.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", h.cfg.Health.Port,
		"endpoints", []string{"/health", "/stats"},
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the publisher and the HTTP server.
func (h *healthServer) Shutdown(ctx context.Context) error {
	close(h.stop)
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *healthServer) snapshot() statsResponse {
	resp := statsResponse{
		InstanceID: h.cfg.InstanceID,
		Timestamp:  time.Now(),
		Controller: h.ctl.Stats(),
		Hardware:   h.rig.Stats(),
	}
	if h.em != nil {
		st := h.em.Stats()
		resp.MQTT = &st
	}
	return resp
}

// livenessHandler answers 200 while at least one context streams.
func (h *healthServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	st := h.ctl.Stats()
	streaming := 0
	for _, c := range st.Contexts {
		if c.Streaming {
			streaming++
		}
	}

	status := "healthy"
	code := http.StatusOK
	if streaming == 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"streaming": streaming,
		"contexts":  len(st.Contexts),
	})
}

func (h *healthServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		slog.Debug("stats encode failed", "error", err)
	}
}

func (h *healthServer) publishLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			payload, err := json.Marshal(h.snapshot())
			if err != nil {
				slog.Warn("health payload marshal failed", "error", err)
				continue
			}
			if err := h.em.PublishHealth(payload); err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}
