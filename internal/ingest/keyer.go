package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeliveryKey fingerprints one provider event. A provider event id, when
// present, identifies the event regardless of how the body was serialized;
// otherwise the SHA-256 of the raw body is used.
//
//	provider:eventType:channelID:providerEventID
//	provider:eventType:channelID:sha256(body)
func DeliveryKey(provider, eventType, channelID string, body []byte, providerEventID string) string {
	suffix := providerEventID
	if suffix == "" {
		sum := sha256.Sum256(body)
		suffix = hex.EncodeToString(sum[:])
	}
	return strings.Join([]string{provider, eventType, channelID, suffix}, ":")
}
