package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"reqshield/internal/config"
	"reqshield/internal/engine"
	"reqshield/internal/events"
	"reqshield/internal/logging"
	"reqshield/internal/model"
)

const redacted = "***"

type Server struct {
	cfg     *config.Manager
	engine  *engine.Engine
	events  *events.Dispatcher
	logger  *zap.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	Uptime     string          `json:"uptime"`
	Mode       string          `json:"mode"`
	ConfigPath string          `json:"config_path"`
	Store      storeStatus     `json:"store"`
	Thresholds thresholdStatus `json:"thresholds"`
	Rules      int             `json:"rules"`
	API        apiStatus       `json:"api"`
}

type storeStatus struct {
	Driver   string `json:"driver"`
	Degraded bool   `json:"degraded"`
}

type thresholdStatus struct {
	Challenge          int `json:"challenge"`
	Block              int `json:"block"`
	EffectiveChallenge int `json:"effective_challenge"`
	EffectiveBlock     int `json:"effective_block"`
	Burst              int `json:"burst"`
	EffectiveBurst     int `json:"effective_burst"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Auth    bool   `json:"auth"`
}

func NewServer(cfg *config.Manager, eng *engine.Engine, dispatcher *events.Dispatcher, logger *zap.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		events:  dispatcher,
		logger:  logging.OrNop(logger),
		version: version,
	}
}

// Start serves the admin API until ctx is done. It returns nil when the API
// is disabled.
func Start(ctx context.Context, s *Server) *http.Server {
	current := s.cfg.Get().API
	if !current.Enabled {
		s.logger.Info("api disabled")
		return nil
	}
	s.logger.Info("api enabled", zap.String("addr", current.Addr))

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /status", s.auth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /stats", s.auth(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /rules", s.auth(http.HandlerFunc(s.handleRules)))
	mux.Handle("GET /clients/{id}", s.auth(http.HandlerFunc(s.handleClient)))
	mux.Handle("DELETE /clients/{id}", s.auth(http.HandlerFunc(s.handleClearClient)))
	mux.Handle("GET /config", s.auth(http.HandlerFunc(s.handleGetConfig)))
	mux.Handle("PUT /config", s.auth(http.HandlerFunc(s.handlePutConfig)))
	mux.Handle("GET /events", s.auth(http.HandlerFunc(s.handleEvents)))
	mux.Handle("POST /admin/reset", s.auth(http.HandlerFunc(s.handleReset)))
	mux.Handle("GET /metrics", s.auth(s.engine.Metrics().Handler()))
	return mux
}

// auth checks the bearer token against api.token_hash. An empty hash leaves
// the API open.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.cfg.Get().API.TokenHash
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.TrimSpace(token))) != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reqshield"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.engine.StoreDegraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.engine.Config()
	base, effective := s.engine.Thresholds()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     now.Sub(s.engine.Started()).Truncate(time.Second).String(),
		Mode:       cfg.Mode,
		ConfigPath: s.cfg.Path(),
		Store:      storeStatus{Driver: cfg.Store.Driver, Degraded: s.engine.StoreDegraded()},
		Thresholds: thresholdStatus{
			Challenge:          base.ChallengeThreshold,
			Block:              base.BlockThreshold,
			EffectiveChallenge: effective.ChallengeThreshold,
			EffectiveBlock:     effective.BlockThreshold,
			Burst:              base.BurstSize,
			EffectiveBurst:     effective.BurstSize,
		},
		Rules: len(s.engine.Rules()),
		API:   apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr, Auth: cfg.API.TokenHash != ""},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	top := 10
	if v := r.URL.Query().Get("top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			top = n
		}
	}
	resp := map[string]any{
		"traffic":  s.engine.Snapshot(),
		"patterns": s.engine.TopPatterns(top),
		"clients":  s.engine.Counts().Len(),
	}
	if s.events != nil {
		published, dropped := s.events.Stats()
		resp["events"] = map[string]int64{"published": published, "dropped": dropped}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"stats": s.engine.RuleStats(),
		"count": len(list),
	})
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "client id required")
		return
	}
	view, err := s.engine.Client(r.Context(), id)
	if err != nil {
		s.logger.Warn("client lookup failed", zap.String("client_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "client state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClearClient(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "client id required")
		return
	}
	if err := s.engine.ClearClient(r.Context(), id); err != nil {
		s.logger.Warn("client clear failed", zap.String("client_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "client state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "client_id": id})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, redact(s.engine.Config()))
}

// handlePutConfig merges the JSON body over the active config. The result
// must pass validation and compile before it is saved and applied.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "config body required")
		return
	}
	current := s.cfg.Get()
	next := current.Clone()
	if err := json.Unmarshal(body, next); err != nil {
		writeError(w, http.StatusBadRequest, "decode config: "+err.Error())
		return
	}
	unredact(next, current)
	if err := s.engine.CheckConfig(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Update(next); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("config save failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "config could not be saved")
		return
	}
	if err := s.engine.UpdateConfig(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("config updated via api", zap.String("mode", next.Mode))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	store := s.engine.Alerts()
	var list []model.SecurityEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = store.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = store.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	s.logger.Info("statistics reset via api")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func redact(cfg *config.Config) *config.Config {
	out := cfg.Clone()
	if out.Store.Password != "" {
		out.Store.Password = redacted
	}
	if out.API.TokenHash != "" {
		out.API.TokenHash = redacted
	}
	if out.Events.Storage.DSN != "" && out.Events.Storage.Driver == "postgres" {
		out.Events.Storage.DSN = redacted
	}
	return out
}

// unredact keeps secrets the client echoed back from GET /config.
func unredact(next, current *config.Config) {
	if next.Store.Password == redacted {
		next.Store.Password = current.Store.Password
	}
	if next.API.TokenHash == redacted {
		next.API.TokenHash = current.API.TokenHash
	}
	if next.Events.Storage.DSN == redacted {
		next.Events.Storage.DSN = current.Events.Storage.DSN
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
