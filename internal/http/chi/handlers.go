package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/marcelsud/webhook-dispatcher/dispatch"
	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/stats"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/rs/zerolog"
)

// Prober runs a connectivity test against one subscriber
type Prober interface {
	TestConnection(ctx context.Context, id string) (dispatch.ProbeResult, error)
}

// StatsReader serves the rollups
type StatsReader interface {
	SubscriberStats(ctx context.Context, id string) (stats.SubscriberStats, error)
	OverallStats(ctx context.Context) (stats.OverallStats, error)
}

// Publisher puts platform events on the bus
type Publisher interface {
	Publish(ctx context.Context, topic string, evt event.PlatformEvent) error
}

// Services groups what the API delegates to
type Services struct {
	Subscribers subscriber.UseCase
	Prober      Prober
	Stats       StatsReader
	Publisher   Publisher
	Topic       string
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// Handlers sets up the administration API routes
func Handlers(ctx context.Context, logger zerolog.Logger, svc Services) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger, []string{"/health", "/metrics"}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/subscribers", getSubscribers(svc.Subscribers))
		r.Method(http.MethodPost, "/subscribers", postSubscriber(svc.Subscribers))
		r.Method(http.MethodGet, "/subscribers/{id}", getSubscriber(svc.Subscribers))
		r.Method(http.MethodPut, "/subscribers/{id}", putSubscriber(svc.Subscribers))
		r.Method(http.MethodDelete, "/subscribers/{id}", deleteSubscriber(svc.Subscribers))

		if svc.Prober != nil {
			r.Method(http.MethodPost, "/subscribers/{id}/test", testSubscriber(svc.Prober))
		}
		if svc.Stats != nil {
			r.Method(http.MethodGet, "/subscribers/{id}/stats", getSubscriberStats(svc.Stats))
			r.Method(http.MethodGet, "/stats", getOverallStats(svc.Stats))
		}
		if svc.Publisher != nil {
			topic := svc.Topic
			if topic == "" {
				topic = event.Topic
			}
			r.Method(http.MethodPost, "/events", postEvent(svc.Publisher, topic))
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subscriber.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, subscriber.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, subscriber.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log := httplog.LogEntry(r.Context())
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
