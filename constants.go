package main

import "time"

// Relay event types published outward, as table.type.
var supportedEventTypes = []string{
	"messages.insert",
	"messages.update",
	"conversations.update",
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

const (
	headerSignature = "X-Webhook-Signature"
	headerUserID    = "X-User-Id"
)

const (
	maxWebhookBody = 10 << 20
	maxMediaBody   = 32 << 20
	maxJSONBody    = 1 << 20
)

const (
	janitorInterval = time.Hour
	shutdownTimeout = 15 * time.Second
)
