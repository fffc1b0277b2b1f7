package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/rendezvous"
	"github.com/matst80/natpunch/internal/web"
)

// newHTTPHandler serves Prometheus metrics, health, the dashboard, a JSON state
// endpoint and the live event feed.
func newHTTPHandler(state rendezvous.StateStore, srv *rendezvous.Server, hub *rendezvous.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", hub)
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), state, srv, hub)
		if err != nil {
			obs.Error("api.state", obs.Fields{"err": err.Error()})
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), state, srv, hub)
		if err != nil {
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", st.ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if state.IsClosing() || !state.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
