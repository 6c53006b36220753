// Package signature provides HMAC-SHA256 request signing and verification
// with simultaneous multi-secret rotation.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Header names carried on every signed outbound request.
const (
	HeaderSignature = "X-Integration-Signature"
	HeaderTimestamp = "X-Integration-Timestamp"
	HeaderMessageID = "X-Integration-ID"
)

// MaxSecrets is the maximum number of simultaneously active signing secrets
// during rotation.
const MaxSecrets = 3

// Sign generates the HMAC-SHA256 signature for one secret.
// The content to sign is "{messageID}.{timestamp}.{body}".
// Returns a versioned signature in the format "v1,<base64>".
func Sign(secret, messageID string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%d.", messageID, timestamp)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignAll signs the body with every active secret and returns the combined
// signature header value: one "v1,<base64>" entry per secret, space-joined.
// During rotation both the old and new secret sign each request so receivers
// holding either one keep validating.
func SignAll(secrets []string, messageID string, timestamp int64, body []byte) string {
	sigs := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		sigs = append(sigs, Sign(secret, messageID, timestamp, body))
	}
	return strings.Join(sigs, " ")
}
