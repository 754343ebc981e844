// Package delivery drains the event queue to the backend with bounded
// retries, exponential backoff and at-least-once semantics keyed by the
// event id.
package delivery

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reddimon/attribution-go/logger"
	"github.com/reddimon/attribution-go/queue"
)

const (
	// DefaultPollInterval is the interval between drain cycles when no
	// enqueue has woken the engine earlier.
	DefaultPollInterval = 1 * time.Second
	// AttemptTimeout bounds a single network delivery attempt.
	AttemptTimeout = 15 * time.Second
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff = 5 * time.Minute
)

// Status is a delivery outcome notification. Err is set for retries and
// terminal failures.
type Status struct {
	EventID  string
	Status   queue.Status
	Attempts int
	Err      error
}

// Options tunes the engine.
type Options struct {
	MaxRetries   int
	RetryDelay   time.Duration
	BatchSize    int
	Parallelism  int
	PollInterval time.Duration
	// Reachable gates drain cycles; nil means always reachable.
	Reachable func() bool
}

// Engine is the background drainer. It is the only mutator of event status
// after enqueue.
type Engine struct {
	store     queue.Store
	transport Transport
	opts      Options
	logger    *zap.SugaredLogger

	statusCh chan Status
	wakeCh   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	now      func() time.Time
}

// NewEngine creates a stopped engine.
func NewEngine(store queue.Store, transport Transport, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Engine{
		store:     store,
		transport: transport,
		opts:      opts,
		logger:    logger.ZapForComponent("delivery"),
		statusCh:  make(chan Status, 256),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Backoff computes the delay before the next attempt after `attempt`
// attempts have been made. Strictly increasing until the cap.
func Backoff(attempt int, baseDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

// Start begins the background drain loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("delivery engine is already running")
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
	e.logger.Debug("delivery engine started")
}

// Stop gracefully stops the loop, letting in-flight attempts finish, then
// closes the status channel so consumers ranging over it terminate.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	close(e.statusCh)
	e.logger.Debug("delivery engine stopped")
}

// Wake nudges the loop after an enqueue instead of waiting out the poll
// interval. Never blocks.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// StatusEvents exposes delivery outcomes. The channel is buffered and
// never blocks the engine; slow consumers lose oldest notifications. It is
// closed by Stop once no more outcomes can arrive.
func (e *Engine) StatusEvents() <-chan Status {
	return e.statusCh
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.drain()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.wakeCh:
			e.drain()
		case <-ticker.C:
			e.drain()
		}
	}
}

func (e *Engine) reachable() bool {
	if e.opts.Reachable == nil {
		return true
	}
	return e.opts.Reachable()
}

// drain processes due pending events until the queue is momentarily empty
// or the network goes away.
func (e *Engine) drain() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if !e.reachable() {
			e.logger.Debug("network unreachable, postponing drain")
			return
		}

		batch, err := e.store.PeekBatch(context.Background(), e.opts.BatchSize, e.now())
		if err != nil {
			e.logger.Errorf("failed to peek pending events: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		sem := make(chan struct{}, e.opts.Parallelism)
		var wg sync.WaitGroup
		for _, ev := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(ev *queue.Event) {
				defer wg.Done()
				defer func() { <-sem }()
				e.deliver(ev)
			}(ev)
		}
		wg.Wait()

		if len(batch) < e.opts.BatchSize {
			return
		}
	}
}

// deliver attempts one event end to end: claim, send, finalize.
func (e *Engine) deliver(ev *queue.Event) {
	ctx := context.Background()

	claimed, err := e.store.MarkInFlight(ctx, ev.ID)
	if err != nil {
		// Another cycle may have claimed it already.
		e.logger.Debugf("skipping event %s: %v", ev.ID, err)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	// The transport stamps the publisher/app identity onto the batch.
	batch := Batch{Events: []WireEvent{ToWire(claimed)}}
	sendErr := e.transport.Send(attemptCtx, claimed.ID, batch)
	if sendErr == nil {
		if err := e.store.MarkDelivered(ctx, claimed.ID); err != nil {
			e.logger.Errorf("delivered event %s but could not finalize it: %v", claimed.ID, err)
			return
		}
		e.logger.Debugf("delivered event %s on attempt %d", claimed.ID, claimed.Attempts)
		e.notify(Status{EventID: claimed.ID, Status: queue.StatusDelivered, Attempts: claimed.Attempts})
		return
	}

	if IsPermanent(sendErr) || claimed.Attempts >= e.opts.MaxRetries {
		if err := e.store.MarkFailed(ctx, claimed.ID, sendErr.Error()); err != nil {
			e.logger.Errorf("failed to retire event %s: %v", claimed.ID, err)
			return
		}
		e.logger.Errorf("event %s failed permanently after %d attempts: %v", claimed.ID, claimed.Attempts, sendErr)
		e.notify(Status{EventID: claimed.ID, Status: queue.StatusFailed, Attempts: claimed.Attempts, Err: sendErr})
		return
	}

	delay := Backoff(claimed.Attempts, e.opts.RetryDelay)
	next := e.now().Add(delay)
	if err := e.store.Requeue(ctx, claimed.ID, next); err != nil {
		e.logger.Errorf("failed to requeue event %s: %v", claimed.ID, err)
		return
	}
	e.logger.Warnf("delivery attempt %d/%d failed for event %s, retrying in %s: %v",
		claimed.Attempts, e.opts.MaxRetries, claimed.ID, delay, sendErr)
	e.notify(Status{EventID: claimed.ID, Status: queue.StatusPending, Attempts: claimed.Attempts, Err: sendErr})
}

func (e *Engine) notify(st Status) {
	select {
	case e.statusCh <- st:
	default:
		// Drop the oldest so the newest outcome is observable.
		select {
		case <-e.statusCh:
		default:
		}
		select {
		case e.statusCh <- st:
		default:
		}
	}
}
