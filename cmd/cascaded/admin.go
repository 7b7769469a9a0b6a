package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/cascade/cache"
	"github.com/wudi/cascade/internal/logging"
	"github.com/wudi/cascade/internal/metrics"
)

// app holds the live cascade behind an atomic pointer so hot reloads can
// swap it out under the admin API without locking request paths.
type app struct {
	current   atomic.Pointer[cache.Manager]
	collector *metrics.Collector
	instance  string
	server    *http.Server
}

func newApp(m *cache.Manager, c *metrics.Collector) *app {
	a := &app{
		collector: c,
		instance:  uuid.NewString(),
	}
	a.current.Store(m)
	return a
}

func (a *app) manager() *cache.Manager {
	return a.current.Load()
}

// swap installs a new cascade and returns the previous one.
func (a *app) swap(m *cache.Manager) *cache.Manager {
	return a.current.Swap(m)
}

func (a *app) shutdown() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(ctx)
	}
	if m := a.current.Swap(nil); m != nil {
		m.Close()
	}
}

func (a *app) serveAdmin(addr string) error {
	router := httprouter.New()
	router.GET("/healthz", a.handleHealth)
	router.GET("/stats", a.handleStats)
	router.GET("/metrics", a.handleMetrics)
	router.POST("/invalidate/key/:key", a.handleInvalidateKey)
	router.POST("/invalidate/tag/:tag", a.handleInvalidateTag)
	router.POST("/invalidate/pattern", a.handleInvalidatePattern)
	router.POST("/purge", a.handlePurge)

	a.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logging.Info("admin API listening", zap.String("address", addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"instance": a.instance,
	})
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.manager().Stats())
}

func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Stats refreshes the per-layer size gauges before exposition.
	a.manager().Stats()
	a.collector.WritePrometheus(w)
}

func (a *app) handleInvalidateKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := ps.ByName("key")
	a.manager().Delete(r.Context(), key)
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (a *app) handleInvalidateTag(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tag := ps.ByName("tag")
	n := a.manager().InvalidateTag(r.Context(), tag)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "invalidated": n})
}

func (a *app) handleInvalidatePattern(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || json.Unmarshal(body, &req) != nil || req.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"pattern\": \"...\"}"})
		return
	}

	n, err := a.manager().InvalidatePattern(r.Context(), req.Pattern)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrInvalidPattern) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pattern": req.Pattern, "deleted": n})
}

func (a *app) handlePurge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.manager().Purge(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
