package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/reddimon/attribution-go/device"
)

// Status is the delivery lifecycle state of an event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// AttributionLink is the campaign/creator identity extracted from a deep
// link. All fields are optional; a malformed URL resolves to a zero value.
type AttributionLink struct {
	RawURL     string `json:"rawUrl,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
	CreatorID  string `json:"creatorId,omitempty"`
	Source     string `json:"source,omitempty"`
}

// IsZero reports whether nothing was extracted from the link.
func (l AttributionLink) IsZero() bool {
	return l.CampaignID == "" && l.CreatorID == "" && l.Source == ""
}

// Event is a tracked app event queued for delivery. The id doubles as the
// idempotency key on the wire. Attempts counts delivery attempts started,
// incremented when the event transitions to InFlight.
type Event struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Payload       map[string]any   `json:"payload,omitempty"`
	DeviceContext device.Context   `json:"deviceContext"`
	SessionID     string           `json:"sessionId"`
	CreatedAt     time.Time        `json:"createdAt"`
	Seq           uint64           `json:"seq"`
	Attempts      int              `json:"attempts"`
	Status        Status           `json:"status"`
	FraudFlags    []string         `json:"fraudFlags,omitempty"`
	Attribution   *AttributionLink `json:"attribution,omitempty"`
	NextAttemptAt time.Time        `json:"nextAttemptAt"`
	FailReason    string           `json:"failReason,omitempty"`
}

// New builds a Pending event with a fresh id.
func New(eventType string, payload map[string]any, deviceCtx device.Context, sessionID string) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       payload,
		DeviceContext: deviceCtx,
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
	}
}

// Flag appends a fraud flag unless it is already present.
func (e *Event) Flag(flag string) {
	for _, f := range e.FraudFlags {
		if f == flag {
			return
		}
	}
	e.FraudFlags = append(e.FraudFlags, flag)
}
