package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sds/internal/storage"
)

// Handler serves the control routes:
//
//	GET  /clusters?top=n
//	GET  /status
//	POST /snapshot
//	POST /stop
//	GET  /metrics  (when gatherer is non-nil)
func Handler[H comparable](svc *Service[H], gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/clusters", func(w http.ResponseWriter, req *http.Request) {
		top := 0
		if raw := req.URL.Query().Get("top"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
				return
			}
			top = n
		}
		w.Header().Set("Content-Type", "application/json")
		if err := storage.WriteSnapshot(w, svc.Clusters(top)); err != nil {
			svc.logger.Warn("write clusters response", "error", err)
		}
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/snapshot", func(w http.ResponseWriter, req *http.Request) {
		res, err := svc.WriteSnapshot(req.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNoSnapshotTarget) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, res)
	})

	r.Post("/stop", func(w http.ResponseWriter, _ *http.Request) {
		svc.Stop()
		writeJSON(w, http.StatusAccepted, svc.Status())
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
