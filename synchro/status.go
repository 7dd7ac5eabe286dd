package synchro

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the status HTTP API: liveness, the live run snapshot,
// the last summary, task queue stats, cache stats, and run history.
func (svc *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		st, ok := svc.Status()
		if !ok {
			writeJSON(w, 200, map[string]string{"state": "idle"})
			return
		}
		writeJSON(w, 200, st)
	})

	r.Get("/api/summary", func(w http.ResponseWriter, _ *http.Request) {
		s := svc.LastSummary()
		if s == nil {
			writeError(w, 404, errors.New("no run has finished yet"))
			return
		}
		writeJSON(w, 200, s)
	})

	r.Get("/api/tasks", func(w http.ResponseWriter, req *http.Request) {
		stats, err := svc.queue.Stats(req.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Get("/api/cache", func(w http.ResponseWriter, req *http.Request) {
		stats, err := svc.cache.Stats(req.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, stats)
	})

	r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
		runs, err := svc.collector.RecentRuns(req.Context(), queryInt(req, "limit", 20))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, runs)
	})

	return r
}

// Serve runs the status API on addr until ctx is canceled.
func (svc *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	svc.logger.Info("synchro: status api listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
