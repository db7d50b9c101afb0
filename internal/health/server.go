// Package health serves the observability endpoints of a display device
// over HTTP.
//
//	/vsync      last vsync timestamp in ns, decimal, newline terminated
//	/psr_info   panel mode: 0 video, 1 command
//	/health     liveness (always 200 while the process serves)
//	/readiness  200 unless the display is Off
//	/stats      device statistics (JSON)
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
)

// Device is the read-only view of a display device the server needs.
type Device interface {
	VsyncTimestamp() int64
	PanelMode() displaysync.PanelMode
	State() displaysync.State
	Stats() displaysync.Stats
}

// Status represents the health state of the display daemon
type Status struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Underruns     uint64 `json:"underruns"`
	VsyncTimeouts uint64 `json:"vsync_timeouts"`
}

// Server is the observability HTTP server.
type Server struct {
	dev     Device
	started time.Time
	log     *slog.Logger

	// mqttConnected reports broker state; nil means no broker configured.
	mqttConnected func() bool
}

// New returns a server for dev. mqttConnected may be nil.
func New(dev Device, mqttConnected func() bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		dev:           dev,
		started:       time.Now(),
		log:           log.With("component", "health"),
		mqttConnected: mqttConnected,
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/vsync", s.VsyncHandler)
	mux.HandleFunc("/psr_info", s.PSRInfoHandler)
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/stats", s.StatsHandler)
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/vsync", "/psr_info", "/health", "/readiness", "/stats"},
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health: serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("health: shutdown: %w", err)
		}
		return nil
	}
}

// Check returns the current health status
func (s *Server) Check() Status {
	stats := s.dev.Stats()
	state := s.dev.State()

	status := Status{
		Status:        "healthy",
		State:         state.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Underruns:     stats.Underrun.Total,
		VsyncTimeouts: stats.Updates.VsyncTimeouts,
	}
	if s.mqttConnected != nil {
		status.MQTTConnected = s.mqttConnected()
	}

	switch {
	case state == displaysync.StateOff:
		status.Status = "unhealthy"
	case stats.Underrun.Summaries > 0 || stats.LPD.SequenceFailures > 0:
		status.Status = "degraded"
	case s.mqttConnected != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// VsyncHandler handles /vsync: the last vsync timestamp as text
func (s *Server) VsyncHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d\n", s.dev.VsyncTimestamp())
}

// PSRInfoHandler handles /psr_info: the panel mode as an integer
func (s *Server) PSRInfoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%d\n", int(s.dev.PanelMode()))
}

// LivenessHandler handles /health: 200 for as long as the process serves
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 503 while the display is powered off
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	st := s.Check()
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

// StatsHandler handles /stats: the full device snapshot
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dev.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("health: encode failed", "error", err)
	}
}
