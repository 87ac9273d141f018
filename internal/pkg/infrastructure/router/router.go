package router

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/diwise/sensor-fleet/internal/pkg/application/device"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Router interface {
	Start(port string) error
}

// StatusProvider reports the current state of every session in the fleet.
type StatusProvider interface {
	Statuses() []device.Status
}

type routerStruct struct {
	router   chi.Router
	log      zerolog.Logger
	statuses StatusProvider
}

func SetupRouter(chiRouter chi.Router, log zerolog.Logger, statuses StatusProvider, gatherer prometheus.Gatherer) *routerStruct {
	r := &routerStruct{
		router:   chiRouter,
		log:      log,
		statuses: statuses,
	}

	chiRouter.Use(middleware.Recoverer)
	chiRouter.Get("/health", r.health)
	chiRouter.Get("/sessions", r.sessions)
	chiRouter.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func (r *routerStruct) Start(port string) error {
	r.log.Info().Str("port", port).Msg("starting to listen for connections")
	return http.ListenAndServe(fmt.Sprintf(":%s", port), otelhttp.NewHandler(r.router, "sensor-fleet"))
}

func (router *routerStruct) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) sessions(w http.ResponseWriter, r *http.Request) {
	b, err := json.Marshal(router.statuses.Statuses())
	if err != nil {
		router.log.Error().Err(err).Msg("failed to marshal session statuses")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
