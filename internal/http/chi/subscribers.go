package chi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

/* HTTP layer DTOs for the subscriber API
 * Separate from subscriber.Subscriber: durations travel as milliseconds
 * and credentials are write-only
 */

// subscriberRequest is the body of POST and PUT /v1/subscribers
type subscriberRequest struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	URL                  string            `json:"url"`
	IsActive             *bool             `json:"isActive"`
	SubscribedEventTypes []string          `json:"subscribedEventTypes"`
	AuthType             string            `json:"authType"`
	AuthConfig           json.RawMessage   `json:"authConfig"`
	CustomHeaders        map[string]string `json:"customHeaders"`
	SigningSecret        string            `json:"signingSecret"`
	RetryCount           *int              `json:"retryCount"`
	RetryDelayMs         *int64            `json:"retryDelayMs"`
	TimeoutMs            *int64            `json:"timeoutMs"`
}

// subscriberResponse represents a subscriber in the API
type subscriberResponse struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	URL                  string            `json:"url"`
	IsActive             bool              `json:"isActive"`
	SubscribedEventTypes []string          `json:"subscribedEventTypes"`
	AuthType             string            `json:"authType"`
	CustomHeaders        map[string]string `json:"customHeaders"`
	Signed               bool              `json:"signed"`
	RetryCount           int               `json:"retryCount"`
	RetryDelayMs         int64             `json:"retryDelayMs"`
	TimeoutMs            int64             `json:"timeoutMs"`
	TotalCalls           int64             `json:"totalCalls"`
	SuccessfulCalls      int64             `json:"successfulCalls"`
	FailedCalls          int64             `json:"failedCalls"`
	LastCalledAt         *time.Time        `json:"lastCalledAt"`
	LastStatus           *int              `json:"lastStatus"`
	LastError            *string           `json:"lastError"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

func (req subscriberRequest) toSubscriber() (subscriber.Subscriber, error) {
	s := subscriber.New(req.Name, req.URL, req.SubscribedEventTypes)
	s.Description = req.Description
	s.CustomHeaders = req.CustomHeaders
	s.SigningSecret = req.SigningSecret

	auth, err := subscriber.UnmarshalAuthConfig(subscriber.NewAuthType(req.AuthType), req.AuthConfig)
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	s.Auth = auth

	if req.IsActive != nil {
		s.IsActive = *req.IsActive
	}
	if req.RetryCount != nil {
		s.RetryCount = *req.RetryCount
	}
	if req.RetryDelayMs != nil {
		s.RetryDelay = time.Duration(*req.RetryDelayMs) * time.Millisecond
	}
	if req.TimeoutMs != nil {
		s.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	return s, nil
}

func newSubscriberResponse(s subscriber.Subscriber) subscriberResponse {
	headers := s.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	return subscriberResponse{
		ID:                   s.ID,
		Name:                 s.Name,
		Description:          s.Description,
		URL:                  s.URL,
		IsActive:             s.IsActive,
		SubscribedEventTypes: s.EventTypes,
		AuthType:             subscriber.AuthTypeOf(s.Auth).String(),
		CustomHeaders:        headers,
		Signed:               s.SigningSecret != "",
		RetryCount:           s.RetryCount,
		RetryDelayMs:         s.RetryDelay.Milliseconds(),
		TimeoutMs:            s.Timeout.Milliseconds(),
		TotalCalls:           s.TotalCalls,
		SuccessfulCalls:      s.SuccessfulCalls,
		FailedCalls:          s.FailedCalls,
		LastCalledAt:         s.LastCalledAt,
		LastStatus:           s.LastStatus,
		LastError:            s.LastError,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func decodeSubscriber(r *http.Request) (subscriber.Subscriber, error) {
	var req subscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return subscriber.Subscriber{}, fmt.Errorf("decoding request: %w", err)
	}
	return req.toSubscriber()
}

// getSubscribers handles GET /v1/subscribers
func getSubscribers(service subscriber.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all, err := service.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		result := make([]subscriberResponse, 0, len(all))
		for _, s := range all {
			result = append(result, newSubscriberResponse(s))
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// getSubscriber handles GET /v1/subscribers/{id}
func getSubscriber(service subscriber.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSubscriberResponse(s))
	})
}

// postSubscriber handles POST /v1/subscribers
func postSubscriber(service subscriber.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := decodeSubscriber(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := service.Create(r.Context(), s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newSubscriberResponse(created))
	})
}

// putSubscriber handles PUT /v1/subscribers/{id}
func putSubscriber(service subscriber.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := decodeSubscriber(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.ID = chi.URLParam(r, "id")
		updated, err := service.Update(r.Context(), s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSubscriberResponse(updated))
	})
}

// deleteSubscriber handles DELETE /v1/subscribers/{id}
func deleteSubscriber(service subscriber.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// testSubscriber handles POST /v1/subscribers/{id}/test
func testSubscriber(prober Prober) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := prober.TestConnection(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// getSubscriberStats handles GET /v1/subscribers/{id}/stats
func getSubscriberStats(reader StatsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := reader.SubscriberStats(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// getOverallStats handles GET /v1/stats
func getOverallStats(reader StatsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := reader.OverallStats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}
