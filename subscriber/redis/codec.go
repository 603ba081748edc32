package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
)

// Hash field names of subscriber:{id}
const (
	fieldID              = "id"
	fieldName            = "name"
	fieldDescription     = "description"
	fieldURL             = "url"
	fieldIsActive        = "is_active"
	fieldEventTypes      = "event_types"
	fieldAuthType        = "auth_type"
	fieldAuthConfig      = "auth_config"
	fieldCustomHeaders   = "custom_headers"
	fieldSigningSecret   = "signing_secret"
	fieldRetryCount      = "retry_count"
	fieldRetryDelayMs    = "retry_delay_ms"
	fieldTimeoutMs       = "timeout_ms"
	fieldTotalCalls      = "total_calls"
	fieldSuccessfulCalls = "successful_calls"
	fieldFailedCalls     = "failed_calls"
	fieldLastCalledAt    = "last_called_at"
	fieldLastStatus      = "last_status"
	fieldLastError       = "last_error"
	fieldCreatedAt       = "created_at"
	fieldUpdatedAt       = "updated_at"
	fieldDeletedAt       = "deleted_at"
)

// configFields encodes the administrable part of a subscriber; counters are excluded
func configFields(s subscriber.Subscriber) (map[string]interface{}, error) {
	eventTypes, err := json.Marshal(s.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("marshaling event types: %w", err)
	}
	authConfig, err := subscriber.MarshalAuthConfig(s.Auth)
	if err != nil {
		return nil, err
	}
	headers := s.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	customHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshaling custom headers: %w", err)
	}

	return map[string]interface{}{
		fieldID:            s.ID,
		fieldName:          s.Name,
		fieldDescription:   s.Description,
		fieldURL:           s.URL,
		fieldIsActive:      boolString(s.IsActive),
		fieldEventTypes:    string(eventTypes),
		fieldAuthType:      subscriber.AuthTypeOf(s.Auth).String(),
		fieldAuthConfig:    string(authConfig),
		fieldCustomHeaders: string(customHeaders),
		fieldSigningSecret: s.SigningSecret,
		fieldRetryCount:    s.RetryCount,
		fieldRetryDelayMs:  s.RetryDelay.Milliseconds(),
		fieldTimeoutMs:     s.Timeout.Milliseconds(),
		fieldUpdatedAt:     formatTime(s.UpdatedAt),
	}, nil
}

func decode(data map[string]string) (subscriber.Subscriber, error) {
	s := subscriber.Subscriber{
		ID:              data[fieldID],
		Name:            data[fieldName],
		Description:     data[fieldDescription],
		URL:             data[fieldURL],
		IsActive:        data[fieldIsActive] == "1",
		SigningSecret:   data[fieldSigningSecret],
		RetryCount:      int(parseInt64(data[fieldRetryCount])),
		RetryDelay:      time.Duration(parseInt64(data[fieldRetryDelayMs])) * time.Millisecond,
		Timeout:         time.Duration(parseInt64(data[fieldTimeoutMs])) * time.Millisecond,
		TotalCalls:      parseInt64(data[fieldTotalCalls]),
		SuccessfulCalls: parseInt64(data[fieldSuccessfulCalls]),
		FailedCalls:     parseInt64(data[fieldFailedCalls]),
		LastCalledAt:    parseTimePtr(data[fieldLastCalledAt]),
		CreatedAt:       parseTime(data[fieldCreatedAt]),
		UpdatedAt:       parseTime(data[fieldUpdatedAt]),
		DeletedAt:       parseTimePtr(data[fieldDeletedAt]),
	}

	if raw := data[fieldEventTypes]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.EventTypes); err != nil {
			return subscriber.Subscriber{}, fmt.Errorf("unmarshaling event types: %w", err)
		}
	}
	if raw := data[fieldCustomHeaders]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.CustomHeaders); err != nil {
			return subscriber.Subscriber{}, fmt.Errorf("unmarshaling custom headers: %w", err)
		}
	}

	auth, err := subscriber.UnmarshalAuthConfig(subscriber.NewAuthType(data[fieldAuthType]), []byte(data[fieldAuthConfig]))
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	s.Auth = auth

	if raw, ok := data[fieldLastStatus]; ok && raw != "" {
		status := int(parseInt64(raw))
		s.LastStatus = &status
	}
	if raw, ok := data[fieldLastError]; ok {
		msg := raw
		s.LastError = &msg
	}
	return s, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
