package router

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livetutor/arbiter/internal/middleware"
	httppkg "livetutor/arbiter/internal/pkg/http"
)

type Deps struct {
	// WS serves the realtime tutoring channel.
	WS       http.Handler
	Gatherer prometheus.Gatherer
	// Stats returns the JSON body of /stats.
	Stats func() any
	// Auth wraps the mux; nil disables authentication.
	Auth func(http.Handler) http.Handler
}

func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", allowMethods(handleHealth, http.MethodGet, http.MethodHead))
	if d.WS != nil {
		mux.HandleFunc("/ws", allowMethods(d.WS.ServeHTTP, http.MethodGet))
	}
	if d.Gatherer != nil {
		mux.HandleFunc("/metrics", allowMethods(
			promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}).ServeHTTP,
			http.MethodGet, http.MethodHead))
	}
	if d.Stats != nil {
		mux.HandleFunc("/stats", allowMethods(func(w http.ResponseWriter, _ *http.Request) {
			httppkg.WriteJSON(w, http.StatusOK, d.Stats())
		}, http.MethodGet))
	}

	h := middleware.Recovery(mux)
	h = middleware.Logging(h)
	if d.Auth != nil {
		h = d.Auth(h)
	}
	return h
}

func allowMethods(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		allowed[m] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := allowed[r.Method]; ok {
			h(w, r)
			return
		}
		if errors.Is(r.Context().Err(), context.Canceled) {
			return
		}
		httppkg.WriteJSON(w, http.StatusMethodNotAllowed, map[string]map[string]string{
			"error": {"kind": "METHOD_NOT_ALLOWED", "message": "method " + r.Method + " is not supported here"},
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
