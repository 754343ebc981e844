package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/queue"
)

// WireEvent is the bit-exact per-event shape the backend expects.
// CreatedAt is ISO-8601 in UTC with millisecond precision.
type WireEvent struct {
	Type           string                 `json:"type"`
	Payload        map[string]any         `json:"payload,omitempty"`
	DeviceContext  device.Context         `json:"deviceContext"`
	SessionID      string                 `json:"sessionId"`
	CreatedAt      string                 `json:"createdAt"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Attribution    *queue.AttributionLink `json:"attribution,omitempty"`
	FraudFlags     []string               `json:"fraudFlags,omitempty"`
}

// Batch is the POST body for the collection endpoint.
type Batch struct {
	PublisherID string      `json:"publisherId,omitempty"`
	AppID       string      `json:"appId"`
	Events      []WireEvent `json:"events"`
}

// ToWire converts a stored event into its wire form.
func ToWire(ev *queue.Event) WireEvent {
	return WireEvent{
		Type:           ev.Type,
		Payload:        ev.Payload,
		DeviceContext:  ev.DeviceContext,
		SessionID:      ev.SessionID,
		CreatedAt:      ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		IdempotencyKey: ev.ID,
		Attribution:    ev.Attribution,
		FraudFlags:     ev.FraudFlags,
	}
}

// PermanentError marks a delivery failure that retrying cannot fix, such as
// a rejected payload. The engine fails the event without further attempts.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("backend rejected batch with status %d: %s", e.Status, e.Body)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Transport delivers one event batch under an idempotency key. The backend
// dedups by that key, so at-least-once sends are safe.
type Transport interface {
	Send(ctx context.Context, idempotencyKey string, batch Batch) error
}

// HTTPTransport POSTs batches to {baseUrl}/v1/events with API-key auth.
type HTTPTransport struct {
	BaseURL     string
	APIKey      string
	PublisherID string
	AppID       string
	Client      *http.Client
}

// NewHTTPTransport builds the default transport with a bounded timeout.
func NewHTTPTransport(baseURL, apiKey, publisherID, appID string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTransport{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		PublisherID: publisherID,
		AppID:       appID,
		Client:      &http.Client{Timeout: timeout},
	}
}

// Send posts the batch. Timeouts and 5xx responses are transient transport
// failures; 4xx responses other than 408/429 are permanent rejections.
func (t *HTTPTransport) Send(ctx context.Context, idempotencyKey string, batch Batch) error {
	if batch.AppID == "" {
		batch.AppID = t.AppID
	}
	if batch.PublisherID == "" {
		batch.PublisherID = t.PublisherID
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return &PermanentError{Status: 0, Body: fmt.Sprintf("unencodable batch: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+constants.EventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.HeaderAPIKey, t.APIKey)
	req.Header.Set(constants.HeaderAppID, t.AppID)
	req.Header.Set(constants.HeaderIdempotencyKey, idempotencyKey)
	if t.PublisherID != "" {
		req.Header.Set(constants.HeaderPublisherID, t.PublisherID)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("transport failure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Status: resp.StatusCode, Body: string(snippet)}
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, snippet)
}
