// Package attribution is the SDK facade. A Client instance owns the device
// identity, session, event queue and delivery engine; there is no global
// singleton. Callers construct one client per process and route every
// tracking call through it.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/delivery"
	"github.com/reddimon/attribution-go/device"
	"github.com/reddimon/attribution-go/logger"
	"github.com/reddimon/attribution-go/queue"
	"github.com/reddimon/attribution-go/resolver"
	"github.com/reddimon/attribution-go/session"
)

// ErrNotInitialized is returned by tracking calls made before Initialize
// has completed.
var ErrNotInitialized = errors.New("attribution client is not initialized")

const eventsFileName = "events.json"

type options struct {
	signals   device.Signals
	store     queue.Store
	transport delivery.Transport
	reachable func() bool
}

// Option customizes client wiring, mainly for platform signal injection and
// for tests substituting the store or transport.
type Option func(*options)

// WithSignals injects the raw device signals collected by the platform layer.
func WithSignals(s device.Signals) Option {
	return func(o *options) { o.signals = s }
}

// WithStore overrides the event store selected from the configuration.
func WithStore(s queue.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransport overrides the delivery transport.
func WithTransport(t delivery.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithReachability injects the network reachability probe.
func WithReachability(f func() bool) Option {
	return func(o *options) { o.reachable = f }
}

// Client is the attribution SDK entry point.
type Client struct {
	mu   sync.RWMutex
	opts options
	log  *zap.SugaredLogger

	cfg      *config.Config
	dev      *device.Provider
	sessions *session.Manager
	store    queue.Store
	resolver *resolver.Resolver
	engine   *delivery.Engine
	ready    bool
}

// NewClient creates an uninitialized client. Tracking calls fail with
// ErrNotInitialized until Initialize succeeds.
func NewClient(opts ...Option) *Client {
	c := &Client{log: logger.ZapForComponent("attribution")}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c
}

// Initialize validates the configuration and wires all components. Calling
// it again replaces the configuration atomically and resets the pipeline
// state; queued events in a persistent store survive the reset.
func (c *Client) Initialize(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		c.log.Warnf("re-initializing attribution client for app %s: pipeline state reset", cfg.AppID)
		c.teardownLocked()
	}

	binPath := ""
	if cfg.Security.IPTracking {
		binPath = cfg.Security.IP2LocationBIN
	}
	dev := device.NewProvider(cfg.Tracking.StateDir, c.opts.signals, cfg.Security.DeviceFingerprinting, binPath)

	store := c.opts.store
	if store == nil {
		var err error
		store, err = openStore(cfg)
		if err != nil {
			dev.Close()
			return err
		}
	}

	transport := c.opts.transport
	if transport == nil {
		var err error
		transport, err = openTransport(cfg)
		if err != nil {
			dev.Close()
			if c.opts.store == nil {
				store.Close()
			}
			return err
		}
	}

	c.cfg = cfg
	c.dev = dev
	c.store = store
	c.sessions = session.NewManager(time.Duration(cfg.Tracking.SessionTimeoutMinutes) * time.Minute)
	c.resolver = resolver.New(store, dev, cfg.Security)
	c.engine = delivery.NewEngine(store, transport, delivery.Options{
		MaxRetries:  cfg.Tracking.MaxRetries,
		RetryDelay:  time.Duration(cfg.Tracking.RetryDelayMs) * time.Millisecond,
		BatchSize:   cfg.Tracking.BatchSize,
		Parallelism: cfg.Tracking.Parallelism,
		Reachable:   c.opts.reachable,
	})
	// Events reloaded from the offline cache start draining without any
	// further caller intervention.
	c.engine.Start()
	c.ready = true

	c.log.Infof("attribution client initialized for app %s", cfg.AppID)
	return nil
}

func openStore(cfg *config.Config) (queue.Store, error) {
	switch {
	case cfg.Postgres.DSN != "":
		return queue.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
	case cfg.Redis.Host != "":
		return queue.NewRedisStore(cfg.Redis)
	case cfg.Tracking.EnableOfflineCache:
		return queue.OpenFileStore(filepath.Join(cfg.Tracking.StateDir, eventsFileName), cfg.Tracking.StoreCapacity)
	default:
		return queue.OpenFileStore("", cfg.Tracking.StoreCapacity)
	}
}

func openTransport(cfg *config.Config) (delivery.Transport, error) {
	if cfg.AMQP.URL != "" {
		return delivery.NewAMQPTransport(cfg.AMQP)
	}
	return delivery.NewHTTPTransport(cfg.BaseURL, cfg.APIKey, cfg.PublisherID, cfg.AppID, delivery.AttemptTimeout), nil
}

func (c *Client) teardownLocked() {
	if c.engine != nil {
		c.engine.Stop()
	}
	if c.store != nil && c.opts.store == nil {
		if err := c.store.Close(); err != nil {
			c.log.Errorf("failed to close event store: %v", err)
		}
	}
	if c.dev != nil {
		c.dev.Close()
	}
	c.ready = false
}

// TrackEvent accepts an event for delivery and returns its id. The returned
// id means accepted, not delivered; outcomes surface on DeliveryEvents.
// Duplicate installations and redelivered subscriptions are absorbed and
// return an empty id with no error.
func (c *Client) TrackEvent(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	if strings.TrimSpace(eventType) == "" {
		return "", errors.New("event type must not be empty")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return "", ErrNotInitialized
	}

	if eventType == constants.EventSubscription && !c.cfg.Tracking.UserValueTracking {
		payload = stripMonetaryFields(payload)
	}

	ev := queue.New(eventType, payload, c.dev.Context(), c.sessions.Current())
	// Callers without a signal layer may ship platform details in the payload.
	if ev.DeviceContext.Platform == "" {
		if v, ok := payload[constants.PayloadKeyPlatform].(string); ok {
			ev.DeviceContext.Platform = v
		}
	}
	if ev.DeviceContext.OSVersion == "" {
		if v, ok := payload[constants.PayloadKeyOSVersion].(string); ok {
			ev.DeviceContext.OSVersion = v
		}
	}

	var (
		dup bool
		err error
	)
	switch eventType {
	case constants.EventInstallation:
		dup, err = c.resolver.EnrichInstallation(ctx, ev)
	case constants.EventSubscription:
		dup, err = c.resolver.EnrichSubscription(ctx, ev)
	default:
		c.resolver.AnnotateCustom(ev)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s event: %w", eventType, err)
	}
	if dup {
		return "", nil
	}

	if err := c.store.Enqueue(ctx, ev); err != nil {
		// A racing call may have claimed the install/subscription identity
		// between the resolver's pre-check and this enqueue.
		if errors.Is(err, queue.ErrDuplicateInstall) || errors.Is(err, queue.ErrDuplicateSubscription) {
			c.log.Debugf("absorbed concurrent duplicate %s event", eventType)
			return "", nil
		}
		return "", fmt.Errorf("failed to enqueue %s event: %w", eventType, err)
	}
	c.engine.Wake()
	c.log.Debugf("accepted %s event %s", eventType, ev.ID)
	return ev.ID, nil
}

// stripMonetaryFields drops purchase value fields when user value tracking
// is disabled. The caller's map is left untouched.
func stripMonetaryFields(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == constants.PayloadKeyAmount || k == constants.PayloadKeyCurrency {
			continue
		}
		out[k] = v
	}
	return out
}

// HandleDeepLink feeds a raw deep-link URL into install tracking. Safe to
// call with the same URL more than once.
func (c *Client) HandleDeepLink(ctx context.Context, rawURL string) (string, error) {
	return c.TrackEvent(ctx, constants.EventInstallation, map[string]any{
		constants.PayloadKeyURL: rawURL,
	})
}

// DeviceID returns the stable device identifier.
func (c *Client) DeviceID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return "", ErrNotInitialized
	}
	return c.dev.DeviceID(), nil
}

// SessionID returns the current session id, rotating an expired session.
func (c *Client) SessionID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return "", ErrNotInitialized
	}
	return c.sessions.Current(), nil
}

// Config returns a copy of the active configuration.
func (c *Client) Config() (config.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return config.Config{}, ErrNotInitialized
	}
	return *c.cfg, nil
}

// CurrentAttribution returns the most recently resolved attribution link.
func (c *Client) CurrentAttribution() (queue.AttributionLink, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return queue.AttributionLink{}, ErrNotInitialized
	}
	return c.resolver.CurrentAttribution(), nil
}

// PendingCount reports events awaiting delivery.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return 0, ErrNotInitialized
	}
	return c.store.PendingCount(ctx)
}

// DeliveryEvents exposes asynchronous delivery outcomes. The channel
// belongs to the current engine and is closed on Shutdown or
// re-initialization; fetch it again after calling Initialize.
func (c *Client) DeliveryEvents() (<-chan delivery.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ready {
		return nil, ErrNotInitialized
	}
	return c.engine.StatusEvents(), nil
}

// Shutdown stops the engine and flushes the store, leaving every event in a
// consistent Pending or Delivered state for the next start.
func (c *Client) Shutdown(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	c.teardownLocked()
	logger.Sync()
	c.log.Infof("attribution client shut down")
	return nil
}
