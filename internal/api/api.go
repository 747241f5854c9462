// Package api serves the device administration API: connectivity status,
// the configuration record, the timing policy, a websocket event stream,
// health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/httpd"
	"github.com/bbernstein/lacyconnect/internal/services/connect"
	"github.com/bbernstein/lacyconnect/internal/services/network"
	"github.com/bbernstein/lacyconnect/internal/services/portal"
	"github.com/bbernstein/lacyconnect/internal/services/pubsub"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Manager is the part of the connectivity manager the API drives.
type Manager interface {
	Status() connect.Status
	StateName() string
	Config() connect.Config
	SetConfig(cfg connect.Config) error
	SaveConfig(ctx context.Context) error
	ClearConfiguration(ctx context.Context) error
	ConnectTimeout() time.Duration
	SetConnectTimeout(d time.Duration)
	PortalTimeout() time.Duration
	SetPortalTimeout(d time.Duration)
	RestartDelay() time.Duration
	SetRestartDelay(d time.Duration)
	AutoRestart() bool
	SetAutoRestart(enabled bool)
}

// Router is where the API installs its routes.
type Router interface {
	HandleFunc(method, pattern string, h http.HandlerFunc, filter httpd.Filter) (remove func())
	Handle(method, pattern string, h http.Handler, filter httpd.Filter) (remove func())
}

// Options configures a Server.
type Options struct {
	Manager Manager
	PubSub  *pubsub.PubSub
	Version string
	Logger  *zap.Logger
	// Interfaces lists host interfaces. Nil uses network.GetNetworkInterfaces.
	Interfaces func() ([]network.InterfaceInfo, error)
}

// Server holds the API handlers.
type Server struct {
	manager    Manager
	ps         *pubsub.PubSub
	version    string
	logger     *zap.Logger
	interfaces func() ([]network.InterfaceInfo, error)
	started    time.Time
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		manager:    opts.Manager,
		ps:         opts.PubSub,
		version:    opts.Version,
		logger:     opts.Logger,
		interfaces: opts.Interfaces,
		started:    time.Now(),
	}
	if s.ps == nil {
		s.ps = pubsub.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("api")
	if s.interfaces == nil {
		s.interfaces = network.GetNetworkInterfaces
	}
	return s
}

// RegisterRoutes installs every API route.
func (s *Server) RegisterRoutes(r Router) {
	r.HandleFunc(http.MethodGet, "/health", s.handleHealth, nil)
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler(), nil)

	r.HandleFunc(http.MethodGet, "/api/connect/status", s.handleStatus, nil)
	r.HandleFunc(http.MethodGet, "/api/connect/config", s.handleGetConfig, nil)
	r.HandleFunc(http.MethodPut, "/api/connect/config", s.handlePutConfig, nil)
	r.HandleFunc(http.MethodDelete, "/api/connect/config", s.handleDeleteConfig, nil)
	r.HandleFunc(http.MethodGet, "/api/connect/settings", s.handleGetSettings, nil)
	r.HandleFunc(http.MethodPut, "/api/connect/settings", s.handlePutSettings, nil)
	r.HandleFunc(http.MethodGet, "/api/connect/interfaces", s.handleInterfaces, nil)
	r.HandleFunc(http.MethodGet, "/api/connect/events", s.handleEvents, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	State     string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		State:     s.manager.StateName(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleInterfaces(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.interfaces()
	if err != nil {
		s.logger.Error("failed to list interfaces", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list interfaces")
		return
	}
	if infos == nil {
		infos = []network.InterfaceInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// redacted returns cfg with the password replaced by a marker of whether
// one is set.
func redacted(cfg connect.Config) ConfigResponse {
	resp := ConfigResponse{Config: cfg, PasswordSet: cfg.Password != ""}
	resp.Password = ""
	return resp
}

// ConfigResponse is the configuration record as served. The password is
// never returned.
type ConfigResponse struct {
	connect.Config
	PasswordSet bool `json:"wifi_password_set"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, redacted(s.manager.Config()))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg connect.Config
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// an omitted password keeps the stored one for the same network
	current := s.manager.Config()
	if cfg.Password == "" && cfg.SSID != "" && cfg.SSID == current.SSID {
		cfg.Password = current.Password
	}

	if err := s.manager.SetConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, portal.ValidationMessage(err))
		return
	}

	persist, _ := strconv.ParseBool(r.URL.Query().Get("persist"))
	if persist {
		if err := s.manager.SaveConfig(r.Context()); err != nil {
			s.logger.Error("failed to save configuration", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to save configuration")
			return
		}
	}

	resp := redacted(s.manager.Config())
	s.ps.PublishAll(pubsub.TopicConfig, Event{Type: EventConfig, Timestamp: time.Now().UTC(), Config: &resp})
	s.logger.Info("configuration updated", zap.String("ssid", cfg.SSID), zap.Bool("persisted", persist))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearConfiguration(r.Context()); err != nil {
		s.logger.Error("failed to clear configuration", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear configuration")
		return
	}
	resp := redacted(s.manager.Config())
	s.ps.PublishAll(pubsub.TopicConfig, Event{Type: EventConfig, Timestamp: time.Now().UTC(), Config: &resp})
	s.logger.Info("configuration cleared")
	w.WriteHeader(http.StatusNoContent)
}

// Settings is the timing policy exchanged by the settings endpoints.
// Durations are milliseconds.
type Settings struct {
	ConnectTimeoutMs int64 `json:"connect_timeout_ms"`
	PortalTimeoutMs  int64 `json:"portal_timeout_ms"`
	RestartDelayMs   int64 `json:"restart_delay_ms"`
	AutoRestart      bool  `json:"auto_restart"`
}

// settingsPatch is a partial update; absent fields are left alone.
type settingsPatch struct {
	ConnectTimeoutMs *int64 `json:"connect_timeout_ms"`
	PortalTimeoutMs  *int64 `json:"portal_timeout_ms"`
	RestartDelayMs   *int64 `json:"restart_delay_ms"`
	AutoRestart      *bool  `json:"auto_restart"`
}

func (p settingsPatch) validate() error {
	if p.ConnectTimeoutMs != nil && *p.ConnectTimeoutMs <= 0 {
		return errors.New("connect_timeout_ms must be positive")
	}
	if p.PortalTimeoutMs != nil && *p.PortalTimeoutMs <= 0 {
		return errors.New("portal_timeout_ms must be positive")
	}
	if p.RestartDelayMs != nil && *p.RestartDelayMs < 0 {
		return errors.New("restart_delay_ms must not be negative")
	}
	return nil
}

func (s *Server) settings() Settings {
	return Settings{
		ConnectTimeoutMs: s.manager.ConnectTimeout().Milliseconds(),
		PortalTimeoutMs:  s.manager.PortalTimeout().Milliseconds(),
		RestartDelayMs:   s.manager.RestartDelay().Milliseconds(),
		AutoRestart:      s.manager.AutoRestart(),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := patch.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if patch.ConnectTimeoutMs != nil {
		s.manager.SetConnectTimeout(time.Duration(*patch.ConnectTimeoutMs) * time.Millisecond)
	}
	if patch.PortalTimeoutMs != nil {
		s.manager.SetPortalTimeout(time.Duration(*patch.PortalTimeoutMs) * time.Millisecond)
	}
	if patch.RestartDelayMs != nil {
		s.manager.SetRestartDelay(time.Duration(*patch.RestartDelayMs) * time.Millisecond)
	}
	if patch.AutoRestart != nil {
		s.manager.SetAutoRestart(*patch.AutoRestart)
	}

	settings := s.settings()
	s.ps.PublishAll(pubsub.TopicSettings, Event{Type: EventSettings, Timestamp: time.Now().UTC(), Settings: &settings})
	writeJSON(w, http.StatusOK, settings)
}
