package chi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatcher/event"
)

// eventRequest is the body of POST /v1/events; id and createdAt are optional
type eventRequest struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt *time.Time      `json:"createdAt"`
}

// eventResponse is returned once the event is on the bus
type eventResponse struct {
	EventID string `json:"eventId"`
	Topic   string `json:"topic"`
}

// postEvent handles POST /v1/events
func postEvent(publisher Publisher, topic string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		evt := event.PlatformEvent{
			ID:        req.ID,
			Type:      req.Type,
			Source:    req.Source,
			Payload:   req.Payload,
			Metadata:  req.Metadata,
			CreatedAt: time.Now().UTC(),
		}
		if evt.ID == "" {
			evt.ID = uuid.New().String()
		}
		if req.CreatedAt != nil {
			evt.CreatedAt = *req.CreatedAt
		}
		if err := evt.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := publisher.Publish(r.Context(), topic, evt); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, eventResponse{EventID: evt.ID, Topic: topic})
	})
}
