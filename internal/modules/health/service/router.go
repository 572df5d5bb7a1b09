package service

import (
	"net/http"

	"copytrade_bot/internal/metrics"
	resilience "copytrade_bot/internal/modules/resilience/service"
	"copytrade_bot/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type healthResponse struct {
	Ready       bool             `json:"ready"`
	UptimeSec   int64            `json:"uptime_sec"`
	FeedClients int              `json:"feed_clients"`
	Store       resilience.State `json:"store"`
	Status      string           `json:"status"`
}

// NewRouter — служебный HTTP: пробы, /metrics и websocket-лента сделок.
func NewRouter(state *State, ws http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := state.Store()
		resp := healthResponse{
			Ready:       state.Ready(),
			UptimeSec:   int64(state.Uptime().Seconds()),
			FeedClients: state.FeedClients(),
			Store:       st,
			Status:      "ok",
		}
		code := http.StatusOK
		if !st.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		body, err := sonic.Marshal(resp)
		if err != nil {
			logger.Error("healthz marshal: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})

	r.Handle("/metrics", metrics.Handler())

	if ws != nil {
		r.Get("/ws/trades", ws)
	}
	return r
}
