package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/queue"
)

func TestResolveInstall(t *testing.T) {
	tests := []struct {
		name         string
		rawURL       string
		wantCampaign string
		wantCreator  string
		wantSource   string
	}{
		{
			name:         "query parameters",
			rawURL:       "https://links.example.com/i?campaign=42&creator=7",
			wantCampaign: "42",
			wantCreator:  "7",
			wantSource:   "links.example.com",
		},
		{
			name:         "utm parameters",
			rawURL:       "https://example.com/?utm_campaign=summer&utm_creator=alice&utm_source=youtube",
			wantCampaign: "summer",
			wantCreator:  "alice",
			wantSource:   "youtube",
		},
		{
			name:         "path segments",
			rawURL:       "https://go.example.com/campaign/42/creator/7",
			wantCampaign: "42",
			wantCreator:  "7",
			wantSource:   "go.example.com",
		},
		{
			name:         "short path form",
			rawURL:       "https://go.example.com/c/99/u/3",
			wantCampaign: "99",
			wantCreator:  "3",
			wantSource:   "go.example.com",
		},
		{
			name:         "query beats path",
			rawURL:       "https://go.example.com/campaign/1/creator/2?campaign=42",
			wantCampaign: "42",
			wantCreator:  "2",
			wantSource:   "go.example.com",
		},
		{
			name:   "malformed url resolves empty",
			rawURL: "://not a url",
		},
		{
			name:   "empty input",
			rawURL: "",
		},
		{
			name:       "no identifiers",
			rawURL:     "https://example.com/landing",
			wantSource: "example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := ResolveInstall(tt.rawURL)
			assert.Equal(t, tt.wantCampaign, link.CampaignID)
			assert.Equal(t, tt.wantCreator, link.CreatorID)
			assert.Equal(t, tt.wantSource, link.Source)
			assert.Equal(t, tt.rawURL, link.RawURL)
		})
	}
}

func newTestResolver(t *testing.T, sec config.Security) (*Resolver, *queue.FileStore, *device.Provider) {
	t.Helper()
	store, err := queue.OpenFileStore("", 100)
	require.NoError(t, err)
	dev := device.NewProvider("", device.Signals{Platform: "android"}, true, "")
	return New(store, dev, sec), store, dev
}

func installEvent(dev *device.Provider, rawURL string) *queue.Event {
	return queue.New("installation", map[string]any{"url": rawURL}, dev.Context(), "sess-1")
}

func TestFirstLinkWins(t *testing.T) {
	r, store, dev := newTestResolver(t, config.Security{})
	ctx := context.Background()

	ev1 := installEvent(dev, "https://l.example.com/i?campaign=A&creator=1")
	dup, err := r.EnrichInstallation(ctx, ev1)
	require.NoError(t, err)
	require.False(t, dup)
	require.NoError(t, store.Enqueue(ctx, ev1))

	// Second activation with a different campaign: absorbed, metadata cached.
	ev2 := installEvent(dev, "https://l.example.com/i?campaign=B&creator=2")
	dup, err = r.EnrichInstallation(ctx, ev2)
	require.NoError(t, err)
	assert.True(t, dup)

	// The recorded install keeps the first campaign.
	stored, ok := store.Get(ev1.ID)
	require.True(t, ok)
	require.NotNil(t, stored.Attribution)
	assert.Equal(t, "A", stored.Attribution.CampaignID)

	// Local metadata reflects the newest link.
	assert.Equal(t, "B", r.CurrentAttribution().CampaignID)
}

func TestSubscriptionDedup(t *testing.T) {
	r, store, dev := newTestResolver(t, config.Security{})
	ctx := context.Background()

	ev1 := queue.New("subscription", map[string]any{"subscriptionId": "sub_1", "planType": "premium"}, dev.Context(), "sess-1")
	dup, err := r.EnrichSubscription(ctx, ev1)
	require.NoError(t, err)
	require.False(t, dup)
	require.NoError(t, store.Enqueue(ctx, ev1))

	// Collaborator redelivers the same purchase.
	ev2 := queue.New("subscription", map[string]any{"subscriptionId": "sub_1"}, dev.Context(), "sess-1")
	dup, err = r.EnrichSubscription(ctx, ev2)
	require.NoError(t, err)
	assert.True(t, dup)

	// A different purchase passes.
	ev3 := queue.New("subscription", map[string]any{"subscriptionId": "sub_2"}, dev.Context(), "sess-1")
	dup, err = r.EnrichSubscription(ctx, ev3)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSignedLinkPassesVerification(t *testing.T) {
	sec := config.Security{
		EnableFraudPrevention: true,
		ValidateSignature:     true,
		SignatureSecret:       "s3cret",
	}
	r, _, dev := newTestResolver(t, sec)

	verifier := &SignatureVerifier{SecretKey: "s3cret"}
	sig, err := verifier.Sign(queue.AttributionLink{CampaignID: "42", CreatorID: "7"}, time.Hour)
	require.NoError(t, err)

	ev := installEvent(dev, fmt.Sprintf("https://l.example.com/i?campaign=42&creator=7&sig=%s", sig))
	dup, err := r.EnrichInstallation(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, dup)
	assert.NotContains(t, ev.FraudFlags, "suspect")
}

func TestUnsignedLinkIsFlaggedSuspectButKept(t *testing.T) {
	sec := config.Security{
		EnableFraudPrevention: true,
		ValidateSignature:     true,
		SignatureSecret:       "s3cret",
	}
	r, store, dev := newTestResolver(t, sec)
	ctx := context.Background()

	ev := installEvent(dev, "https://l.example.com/i?campaign=42&creator=7")
	dup, err := r.EnrichInstallation(ctx, ev)
	require.NoError(t, err)
	require.False(t, dup)
	assert.Contains(t, ev.FraudFlags, "suspect")

	// Flagged events still proceed to the queue.
	require.NoError(t, store.Enqueue(ctx, ev))
}

func TestTamperedSignatureIsFlagged(t *testing.T) {
	sec := config.Security{
		EnableFraudPrevention: true,
		ValidateSignature:     true,
		SignatureSecret:       "s3cret",
	}
	r, _, dev := newTestResolver(t, sec)

	// Signed for campaign 42, URL claims campaign 43.
	verifier := &SignatureVerifier{SecretKey: "s3cret"}
	sig, err := verifier.Sign(queue.AttributionLink{CampaignID: "42"}, time.Hour)
	require.NoError(t, err)

	ev := installEvent(dev, fmt.Sprintf("https://l.example.com/i?campaign=43&sig=%s", sig))
	_, err = r.EnrichInstallation(context.Background(), ev)
	require.NoError(t, err)
	assert.Contains(t, ev.FraudFlags, "suspect")
}

func TestDeviceTrustFlagsAttached(t *testing.T) {
	store, err := queue.OpenFileStore("", 100)
	require.NoError(t, err)
	dev := device.NewProvider("", device.Signals{Platform: "android", Emulator: true, Proxy: true}, true, "")
	r := New(store, dev, config.Security{EnableFraudPrevention: true})

	ev := queue.New("custom_action", map[string]any{}, dev.Context(), "sess-1")
	r.AnnotateCustom(ev)

	assert.Contains(t, ev.FraudFlags, "emulator")
	assert.Contains(t, ev.FraudFlags, "proxy")
	assert.NotContains(t, ev.FraudFlags, "vpn")
}

func TestFraudChecksDisabled(t *testing.T) {
	r, _, dev := newTestResolver(t, config.Security{})

	ev := installEvent(dev, "https://l.example.com/i?campaign=42")
	_, err := r.EnrichInstallation(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, ev.FraudFlags)
}
