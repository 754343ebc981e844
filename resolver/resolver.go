// Package resolver turns raw deep-link URLs into attribution links and
// enforces the first-link-wins install policy plus the fraud checks.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/logger"
	"github.com/reddimon/attribution-go/queue"
)

var log = logger.ZapForComponent("resolver")

var campaignParams = []string{"campaign", "campaign_id", "campaignId", "utm_campaign"}
var creatorParams = []string{"creator", "creator_id", "creatorId", "utm_creator"}

// Resolver enriches events with attribution and fraud annotations before
// they are enqueued.
type Resolver struct {
	store    queue.Store
	dev      *device.Provider
	security config.Security
	verifier *SignatureVerifier

	mu       sync.Mutex
	lastLink queue.AttributionLink
}

// New builds a resolver. The verifier is only consulted when both
// enable_fraud_prevention and validate_signature are on.
func New(store queue.Store, dev *device.Provider, security config.Security) *Resolver {
	r := &Resolver{store: store, dev: dev, security: security}
	if security.SignatureSecret != "" {
		r.verifier = &SignatureVerifier{SecretKey: security.SignatureSecret}
	}
	return r
}

// ResolveInstall parses a raw deep-link URL into an AttributionLink.
// Malformed input never fails; it resolves to a zero-valued link.
func ResolveInstall(rawURL string) queue.AttributionLink {
	link := queue.AttributionLink{RawURL: rawURL}
	if strings.TrimSpace(rawURL) == "" {
		return link
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		log.Debugf("unparseable deep link %q: %v", rawURL, err)
		return link
	}

	q := u.Query()
	link.CampaignID = firstParam(q, campaignParams)
	link.CreatorID = firstParam(q, creatorParams)
	if src := q.Get("utm_source"); src != "" {
		link.Source = src
	} else if src := q.Get("source"); src != "" {
		link.Source = src
	} else {
		link.Source = u.Host
	}

	// Path form: /campaign/<id>/creator/<id> used by short links.
	if link.CampaignID == "" || link.CreatorID == "" {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := 0; i+1 < len(segments); i += 2 {
			switch segments[i] {
			case "campaign", "c":
				if link.CampaignID == "" {
					link.CampaignID = segments[i+1]
				}
			case "creator", "u":
				if link.CreatorID == "" {
					link.CreatorID = segments[i+1]
				}
			}
		}
	}
	return link
}

func firstParam(q url.Values, names []string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// EnrichInstallation resolves the deep link found in the event payload,
// attaches the link and fraud annotations, and reports whether the event is
// a duplicate installation for this device (first-link-wins).
func (r *Resolver) EnrichInstallation(ctx context.Context, ev *queue.Event) (bool, error) {
	rawURL := payloadURL(ev.Payload)
	link := ResolveInstall(rawURL)

	dup, err := r.store.HasInstallation(ctx, ev.DeviceContext.DeviceID)
	if err != nil {
		return false, fmt.Errorf("failed to check install dedup: %w", err)
	}
	if dup {
		// Later links refresh the locally cached campaign metadata but
		// never re-fire the installation event.
		r.rememberLink(link)
		log.Debugf("device %s already attributed, ignoring link campaign=%s", ev.DeviceContext.DeviceID, link.CampaignID)
		return true, nil
	}

	ev.Attribution = &link
	r.rememberLink(link)
	r.applyFraudChecks(ev, rawURL, link)
	return false, nil
}

// EnrichSubscription annotates a purchase event and reports whether the
// subscriptionId was already recorded (collaborators may redeliver).
func (r *Resolver) EnrichSubscription(ctx context.Context, ev *queue.Event) (bool, error) {
	sid, _ := ev.Payload[constants.PayloadKeySubscriptionID].(string)
	if sid != "" {
		dup, err := r.store.HasSubscription(ctx, sid)
		if err != nil {
			return false, fmt.Errorf("failed to check subscription dedup: %w", err)
		}
		if dup {
			log.Debugf("subscription %s already recorded, dropping redelivery", sid)
			return true, nil
		}
	}
	r.applyFraudChecks(ev, "", queue.AttributionLink{})
	return false, nil
}

// AnnotateCustom applies fraud annotations to a custom event type.
func (r *Resolver) AnnotateCustom(ev *queue.Event) {
	r.applyFraudChecks(ev, "", queue.AttributionLink{})
}

// CurrentAttribution returns the most recently resolved link.
func (r *Resolver) CurrentAttribution() queue.AttributionLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLink
}

func (r *Resolver) rememberLink(link queue.AttributionLink) {
	if link.IsZero() {
		return
	}
	r.mu.Lock()
	r.lastLink = link
	r.mu.Unlock()
}

// applyFraudChecks tags the event with device trust signals and, for signed
// links, the signature verdict. Flagged events still proceed to delivery.
func (r *Resolver) applyFraudChecks(ev *queue.Event, rawURL string, link queue.AttributionLink) {
	if !r.security.EnableFraudPrevention {
		return
	}
	if r.dev != nil {
		if r.dev.IsEmulator() {
			ev.Flag(constants.FlagEmulator)
		}
		if r.dev.IsVPN() {
			ev.Flag(constants.FlagVPN)
		}
		if r.dev.IsProxy() {
			ev.Flag(constants.FlagProxy)
		}
	}
	if !r.security.ValidateSignature || rawURL == "" || r.verifier == nil {
		return
	}

	sig := ""
	if u, err := url.Parse(rawURL); err == nil {
		sig = u.Query().Get("sig")
	}
	if sig == "" {
		ev.Flag(constants.FlagSuspect)
		log.Warnf("unsigned link for event %s, tagging suspect", ev.ID)
		return
	}
	if err := r.verifier.Verify(sig, link); err != nil {
		ev.Flag(constants.FlagSuspect)
		log.Warnf("signature verification failed for event %s: %v", ev.ID, err)
	}
}

func payloadURL(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[constants.PayloadKeyURL].(string); ok && v != "" {
		return v
	}
	if v, ok := payload[constants.PayloadKeyReferrerURL].(string); ok && v != "" {
		return v
	}
	return ""
}
