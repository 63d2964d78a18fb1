// Package keys derives per-serial device secrets from the process-wide
// signing secret.
package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"
)

// The HMAC message is the JSON form of this struct, with the field order
// fixed. The signing secret appears redundantly in the message; devices in
// the field have been provisioned with keys derived from exactly this
// input, so the construction must not change.
type keyMessage struct {
	Serial     string `json:"serial"`
	SigningKey string `json:"signingKey"`
}

// DeriveKey returns the device secret for serial, as a hex-encoded
// HMAC-SHA256 keyed with the signing secret.
func DeriveKey(serial, signingSecret string) string {
	message, _ := json.Marshal(keyMessage{Serial: serial, SigningKey: signingSecret})
	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two keys in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// ValidSerial reports whether serial is a well-formed device serial
// number: lowercase alphanumeric, 2 to 24 characters.
func ValidSerial(serial string) bool {
	if len(serial) < 2 || len(serial) > 24 {
		return false
	}
	for _, r := range serial {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
