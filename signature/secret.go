package signature

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// SecretPrefix marks a Conduit signing secret.
const SecretPrefix = "whsec_"

// GenerateSecret creates a cryptographically random signing secret.
// Format: "whsec_" + base64(32 random bytes).
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("conduit: failed to generate random secret: " + err.Error())
	}
	return SecretPrefix + base64.StdEncoding.EncodeToString(b)
}

// ValidSecret reports whether s has the expected secret format.
func ValidSecret(s string) bool {
	raw, ok := strings.CutPrefix(s, SecretPrefix)
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	return err == nil && len(decoded) == 32
}
