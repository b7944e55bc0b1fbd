package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives a stable identity for an alert from its semantically
// relevant fields, rendered as lowercase hex. The fields are serialized as
// JSON with sorted keys (encoding/json sorts map keys), so identical
// values always hash identically regardless of how the caller assembled
// them. SHA-256 keeps unrelated alerts from accidentally coalescing.
// Missing fields are hashed as empty strings, never omitted.
func Fingerprint(service, severity, alertType, normalizedMessage string) string {
	canonical, _ := json.Marshal(map[string]string{
		"alert_type": alertType,
		"message":    normalizedMessage,
		"service":    service,
		"severity":   severity,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
