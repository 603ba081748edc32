package subscriber

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

/* AuthType identifies how a subscriber authenticates outbound calls
 * Stored and exchanged as none|bearer|api_key|basic
 */
type AuthType int

const (
	AuthNone AuthType = iota + 1
	AuthBearer
	AuthAPIKey
	AuthBasic
)

// DefaultAPIKeyHeader is used when an api key config has no header name
const DefaultAPIKeyHeader = "X-API-Key"

// String returns the string representation of the auth type
func (a AuthType) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthBearer:
		return "bearer"
	case AuthAPIKey:
		return "api_key"
	case AuthBasic:
		return "basic"
	default:
		return "unknown"
	}
}

// NewAuthType creates an AuthType from a string, defaulting to none
func NewAuthType(s string) AuthType {
	switch strings.TrimSpace(s) {
	case "bearer":
		return AuthBearer
	case "api_key", "apiKey":
		return AuthAPIKey
	case "basic":
		return AuthBasic
	default:
		return AuthNone
	}
}

// Validate checks if the auth type is valid
func (a AuthType) Validate() error {
	if a < AuthNone || a > AuthBasic {
		return fmt.Errorf("invalid auth type: %d", a)
	}
	return nil
}

/* AuthConfig is a closed sum type: one case per AuthType, each carrying
 * only the fields relevant to it. A nil AuthConfig behaves like NoAuth.
 */
type AuthConfig interface {
	Type() AuthType
	headers() map[string]string
}

// NoAuth sends no authentication header
type NoAuth struct{}

// BearerAuth sends Authorization: Bearer <token>
type BearerAuth struct {
	Token string `json:"token,omitempty"`
}

// APIKeyAuth sends the key in HeaderName (X-API-Key when empty)
type APIKeyAuth struct {
	APIKey     string `json:"apiKey,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
}

// BasicAuth sends Authorization: Basic base64(username:password)
type BasicAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (NoAuth) Type() AuthType     { return AuthNone }
func (BearerAuth) Type() AuthType { return AuthBearer }
func (APIKeyAuth) Type() AuthType { return AuthAPIKey }
func (BasicAuth) Type() AuthType  { return AuthBasic }

func (NoAuth) headers() map[string]string { return map[string]string{} }

func (a BearerAuth) headers() map[string]string {
	if a.Token == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + a.Token}
}

func (a APIKeyAuth) headers() map[string]string {
	if a.APIKey == "" {
		return map[string]string{}
	}
	name := a.HeaderName
	if name == "" {
		name = DefaultAPIKeyHeader
	}
	return map[string]string{name: a.APIKey}
}

func (a BasicAuth) headers() map[string]string {
	if a.Username == "" || a.Password == "" {
		return map[string]string{}
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	return map[string]string{"Authorization": "Basic " + credentials}
}

// AuthTypeOf returns the auth type of a possibly nil config
func AuthTypeOf(a AuthConfig) AuthType {
	if a == nil {
		return AuthNone
	}
	return a.Type()
}

/* BuildAuthHeaders computes the transport headers for a subscriber.
 * Incomplete auth configuration yields no auth header rather than an error.
 * Custom headers are merged last and win over auth headers; header names
 * compare case-insensitively, keeping the custom header's spelling.
 */
func BuildAuthHeaders(s Subscriber) map[string]string {
	auth := s.Auth
	if auth == nil {
		auth = NoAuth{}
	}
	headers := auth.headers()
	for name, value := range s.CustomHeaders {
		for existing := range headers {
			if strings.EqualFold(existing, name) {
				delete(headers, existing)
			}
		}
		headers[name] = value
	}
	return headers
}

// MarshalAuthConfig encodes the variant payload for storage
func MarshalAuthConfig(a AuthConfig) ([]byte, error) {
	if a == nil {
		a = NoAuth{}
	}
	if _, ok := a.(NoAuth); ok {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling auth config: %w", err)
	}
	return data, nil
}

/* UnmarshalAuthConfig decodes a stored payload into the variant named by authType.
 * Empty payloads decode to the zero value of the variant.
 */
func UnmarshalAuthConfig(authType AuthType, data []byte) (AuthConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	var (
		cfg AuthConfig
		err error
	)
	switch authType {
	case AuthBearer:
		var c BearerAuth
		err = json.Unmarshal(data, &c)
		cfg = c
	case AuthAPIKey:
		var c APIKeyAuth
		err = json.Unmarshal(data, &c)
		cfg = c
	case AuthBasic:
		var c BasicAuth
		err = json.Unmarshal(data, &c)
		cfg = c
	default:
		cfg = NoAuth{}
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshaling %s auth config: %w", authType, err)
	}
	return cfg, nil
}
