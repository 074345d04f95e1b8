package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pairline/cmd/internal/broker"
	"pairline/cmd/internal/ids"
	"pairline/cmd/security/turn"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readyBrokerTimeout = 1 * time.Second
	readyDBTimeout     = 2 * time.Second
	statsTimeout       = 2 * time.Second

	maxTURNUserIDChars = 256
)

// StatsSource answers aggregate broker counts.
type StatsSource interface {
	Stats(ctx context.Context) (broker.Stats, error)
}

// routes carries the dependencies of the HTTP surface.
type routes struct {
	log Logger
	cfg Config

	stats    StatsSource
	dbPool   *pgxpool.Pool
	gatherer prometheus.Gatherer
	turn     *turn.Issuer
	ws       http.Handler

	now func() time.Time
}

// statsResponse is the introspection body served on / and /stats.
type statsResponse struct {
	Status string `json:"status"`
	broker.Stats
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	if rt.now == nil {
		rt.now = time.Now
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", rt.handleReady)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		rt.handleStats(w, r)
	})
	mux.HandleFunc("/stats", rt.handleStats)

	if rt.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/turn-credentials", rt.handleTURN)
	mux.HandleFunc("/api/turn-credentials", rt.handleTURN)

	if rt.ws != nil {
		mux.Handle("/ws", rt.ws)
	}
}

func (rt routes) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.HTTP.ReadinessRequireDB && rt.dbPool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if rt.dbPool != nil {
		if err := PingDB(r.Context(), rt.dbPool, readyDBTimeout); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyBrokerTimeout)
	defer cancel()
	if _, err := rt.stats.Stats(ctx); err != nil {
		http.Error(w, "broker not ready", http.StatusServiceUnavailable)
		rt.log.Info("readyz.broker.not_ready", "err", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (rt routes) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	st, err := rt.stats.Stats(ctx)
	if err != nil {
		rt.log.Warn("stats.unavailable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, statsResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Status: "ok", Stats: st})
}

func (rt routes) handleTURN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rt.turn == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "turn credentials not configured"})
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("id"))
	if len(userID) > maxTURNUserIDChars || strings.ContainsAny(userID, ": \t\r\n") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	if userID == "" {
		userID = ids.NewRandomHex(8)
	}

	creds := rt.turn.Issue(userID, rt.now())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, creds)

	rt.log.Debug("turn.issue", "user", userID, "expires_at", creds.ExpiresAt)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
