package models

// Status is the wire-visible delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

func (s Status) Valid() bool {
	return s == StatusFailed || statusRank[s] > 0
}

func (s Status) Terminal() bool { return s == StatusFailed }

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Statuses only move forward along sending < sent < delivered < read; failed
// is reachable from every other status and nothing leaves it.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || !next.Valid() || s == next {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Predecessors lists the statuses from which s is reachable.
func (s Status) Predecessors() []Status {
	var out []Status
	for _, from := range []Status{StatusSending, StatusSent, StatusDelivered, StatusRead} {
		if from.CanAdvanceTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// ParseStatus maps provider receipt names onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch raw {
	case "sending", "pending":
		return StatusSending, true
	case "sent", "server", "ack":
		return StatusSent, true
	case "delivered", "delivery":
		return StatusDelivered, true
	case "read", "played", "read-self":
		return StatusRead, true
	case "failed", "error":
		return StatusFailed, true
	}
	return "", false
}
