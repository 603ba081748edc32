package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SecretPrefix marks a subscriber signing secret
	SecretPrefix = "whsec_"

	Version = "v1"

	MinSecretBytes = 24
	MaxSecretBytes = 64
)

// Header names attached to signed deliveries
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"
)

/* Secret is the decoded key a subscriber verifies deliveries with.
 * Subscribers without a secret receive unsigned deliveries.
 */
type Secret struct {
	raw     []byte
	encoded string
}

// GenerateSecret creates a random secret of size bytes
func GenerateSecret(size int) (Secret, error) {
	if size < MinSecretBytes || size > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return Secret{}, fmt.Errorf("generating random bytes: %w", err)
	}
	return Secret{raw: raw, encoded: SecretPrefix + base64.StdEncoding.EncodeToString(raw)}, nil
}

// ParseSecret decodes a whsec_ prefixed base64 secret
func ParseSecret(encoded string) (Secret, error) {
	b64, ok := strings.CutPrefix(encoded, SecretPrefix)
	if !ok {
		return Secret{}, fmt.Errorf("secret must start with %s prefix", SecretPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Secret{}, fmt.Errorf("decoding base64 secret: %w", err)
	}
	if len(raw) < MinSecretBytes || len(raw) > MaxSecretBytes {
		return Secret{}, fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}
	return Secret{raw: raw, encoded: encoded}, nil
}

func (s Secret) String() string { return s.encoded }

// Sign returns "v1,<base64 hmac>" over "{msgID}.{unix ts}.{body}"
func Sign(secret Secret, msgID string, ts time.Time, body []byte) (string, error) {
	if strings.Contains(msgID, ".") {
		return "", fmt.Errorf("message id must not contain '.'")
	}
	mac := hmac.New(sha256.New, secret.raw)
	mac.Write([]byte(msgID))
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return Version + "," + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a webhook-signature header value, which may hold several
// space separated signatures, against the body
func Verify(secret Secret, msgID string, ts time.Time, body []byte, header string) (bool, error) {
	expected, err := Sign(secret, msgID, ts, body)
	if err != nil {
		return false, fmt.Errorf("calculating signature: %w", err)
	}
	for _, candidate := range strings.Fields(header) {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true, nil
		}
	}
	return false, nil
}

// Headers returns the signing headers for a delivery attempt
func Headers(secret Secret, msgID string, ts time.Time, body []byte) (map[string]string, error) {
	sig, err := Sign(secret, msgID, ts, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderID:        msgID,
		HeaderTimestamp: strconv.FormatInt(ts.Unix(), 10),
		HeaderSignature: sig,
	}, nil
}
