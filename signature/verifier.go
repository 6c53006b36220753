package signature

import (
	"crypto/hmac"
	"strings"
	"time"
)

// FreshnessWindow is how much clock skew a receiver tolerates between the
// signed timestamp and its own clock.
const FreshnessWindow = 300 * time.Second

// Verify checks whether any entry in the space-joined signature header
// matches the expected HMAC-SHA256 signature for the payload, secret, and
// timestamp. Comparison is constant-time per entry.
func Verify(secret, messageID string, timestamp int64, body []byte, header string) bool {
	expected := Sign(secret, messageID, timestamp, body)
	for _, sig := range strings.Fields(header) {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}

// Fresh reports whether a signed timestamp is within the freshness window
// of now. Skew up to the window in either direction is accepted.
func Fresh(timestamp int64, now time.Time) bool {
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	return time.Duration(skew)*time.Second <= FreshnessWindow
}
