// Package api exposes the minimal HTTP surface the worker service
// offers callers: submit a build, inspect records, request
// cancellation. Authentication, webhooks, and the rest of a hosted
// front end are some other service's job.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/terrpan/forge/internal/cancel"
	"github.com/terrpan/forge/internal/store"
	"github.com/terrpan/forge/internal/worker"
)

// SubmitBody is the request body for POST /builds.
type SubmitBody struct {
	Dir           string            `json:"dir"`
	Configuration string            `json:"configuration"`
	Profiles      []string          `json:"profiles"`
	Variables     map[string]string `json:"variables"`
}

// Handler builds the service mux.
func Handler(pool *worker.Pool, st store.Store, cancels *cancel.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /builds", func(w http.ResponseWriter, r *http.Request) {
		var body SubmitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Dir == "" {
			httpError(w, http.StatusBadRequest, "dir is required")
			return
		}

		id, err := pool.Submit(r.Context(), worker.SubmitRequest{
			Dir:           body.Dir,
			Configuration: body.Configuration,
			Profiles:      body.Profiles,
			Variables:     body.Variables,
		})
		if err != nil {
			logger.Error("build submission failed", slog.String("error", err.Error()))
			httpError(w, http.StatusInternalServerError, "submission failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("GET /builds", func(w http.ResponseWriter, r *http.Request) {
		records, err := st.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing builds failed")
			return
		}
		writeJSON(w, http.StatusOK, records)
	})

	mux.HandleFunc("GET /builds/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := st.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "build not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "loading build failed")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /builds/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !cancels.Cancel(id) {
			httpError(w, http.StatusNotFound, "no running build with that id")
			return
		}
		logger.Info("cancellation requested", slog.String("buildID", id))
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
