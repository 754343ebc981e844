package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/logger"
)

var fileLog = logger.ZapForComponent("queue")

// snapshot is the on-disk layout of the file store.
type snapshot struct {
	Seq           uint64            `json:"seq"`
	Events        []*Event          `json:"events"`
	Installs      map[string]bool   `json:"installs,omitempty"`
	Subscriptions map[string]bool   `json:"subscriptions,omitempty"`
}

// FileStore is the default event store. With a path it snapshots every
// mutation to disk with an atomic rename and reloads surviving events as
// Pending on open; with an empty path it is purely in-memory.
//
// Eviction: at capacity the oldest Failed event is dropped first, then the
// oldest Delivered tombstone. Pending and InFlight events are never evicted;
// Enqueue fails with ErrQueueFull instead. Install/subscription dedup sets
// are kept separately so eviction never forgets an attributed install.
type FileStore struct {
	mu       sync.Mutex
	path     string
	capacity int
	seq      uint64
	events   map[string]*Event
	installs map[string]bool
	subs     map[string]bool
	closed   bool
}

// OpenFileStore opens (or creates) a store at path. Pass an empty path for
// an in-memory store.
func OpenFileStore(path string, capacity int) (*FileStore, error) {
	if capacity <= 0 {
		capacity = constants.DefaultStoreCapacity
	}
	s := &FileStore{
		path:     path,
		capacity: capacity,
		events:   make(map[string]*Event),
		installs: make(map[string]bool),
		subs:     make(map[string]bool),
	}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event store %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A corrupt snapshot must not block tracking; start fresh.
		fileLog.Errorf("event store %s is corrupt, starting empty: %v", path, err)
		return s, nil
	}

	s.seq = snap.Seq
	for _, ev := range snap.Events {
		// Interrupted deliveries resume as Pending after restart.
		if ev.Status == StatusInFlight {
			ev.Status = StatusPending
		}
		s.events[ev.ID] = ev
	}
	if snap.Installs != nil {
		s.installs = snap.Installs
	}
	if snap.Subscriptions != nil {
		s.subs = snap.Subscriptions
	}
	fileLog.Debugf("reloaded %d events from %s", len(s.events), path)
	return s, nil
}

func (s *FileStore) persistLocked() {
	if s.path == "" {
		return
	}
	snap := snapshot{
		Seq:           s.seq,
		Events:        make([]*Event, 0, len(s.events)),
		Installs:      s.installs,
		Subscriptions: s.subs,
	}
	for _, ev := range s.events {
		snap.Events = append(snap.Events, ev)
	}
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].Seq < snap.Events[j].Seq })

	raw, err := json.Marshal(&snap)
	if err != nil {
		fileLog.Errorf("failed to marshal event store snapshot: %v", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		fileLog.Errorf("failed to create event store dir: %v", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		fileLog.Errorf("failed to write event store snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		fileLog.Errorf("failed to replace event store snapshot: %v", err)
	}
}

func (s *FileStore) evictLocked() bool {
	var victim *Event
	for _, st := range []Status{StatusFailed, StatusDelivered} {
		for _, ev := range s.events {
			if ev.Status != st {
				continue
			}
			if victim == nil || ev.Seq < victim.Seq {
				victim = ev
			}
		}
		if victim != nil {
			break
		}
	}
	if victim == nil {
		return false
	}
	fileLog.Debugf("evicting %s event %s to make room", victim.Status, victim.ID)
	delete(s.events, victim.ID)
	return true
}

// Enqueue adds a Pending event, assigning its insertion sequence number.
func (s *FileStore) Enqueue(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.events[ev.ID]; ok {
		return ErrDuplicateID
	}
	// Dedup is decided here, under the same lock that records it, so
	// concurrent enqueues for one device or subscriptionId cannot race.
	var installDevice, subscriptionID string
	if ev.Type == constants.EventInstallation && ev.DeviceContext.DeviceID != "" {
		if s.installs[ev.DeviceContext.DeviceID] {
			return ErrDuplicateInstall
		}
		installDevice = ev.DeviceContext.DeviceID
	}
	if ev.Type == constants.EventSubscription {
		if id, ok := ev.Payload[constants.PayloadKeySubscriptionID].(string); ok && id != "" {
			if s.subs[id] {
				return ErrDuplicateSubscription
			}
			subscriptionID = id
		}
	}
	if len(s.events) >= s.capacity && !s.evictLocked() {
		return ErrQueueFull
	}

	s.seq++
	ev.Seq = s.seq
	ev.Status = StatusPending
	s.events[ev.ID] = ev

	if installDevice != "" {
		s.installs[installDevice] = true
	}
	if subscriptionID != "" {
		s.subs[subscriptionID] = true
	}
	s.persistLocked()
	return nil
}

// PeekBatch returns up to maxN due Pending events in delivery order.
func (s *FileStore) PeekBatch(_ context.Context, maxN int, now time.Time) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	due := make([]*Event, 0, maxN)
	for _, ev := range s.events {
		if ev.Status != StatusPending {
			continue
		}
		if !ev.NextAttemptAt.IsZero() && ev.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, ev)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].Seq < due[j].Seq
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > maxN {
		due = due[:maxN]
	}

	out := make([]*Event, len(due))
	for i, ev := range due {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// MarkInFlight transitions Pending -> InFlight and counts the attempt.
func (s *FileStore) MarkInFlight(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ev.Status != StatusPending {
		return nil, fmt.Errorf("cannot start delivery of %s event %s", ev.Status, id)
	}
	ev.Status = StatusInFlight
	ev.Attempts++
	s.persistLocked()
	cp := *ev
	return &cp, nil
}

// MarkDelivered finalizes an event. Delivered is terminal; the entry is kept
// as a tombstone until evicted.
func (s *FileStore) MarkDelivered(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.Status = StatusDelivered
	ev.FailReason = ""
	s.persistLocked()
	return nil
}

// MarkFailed moves an event to the terminal Failed state.
func (s *FileStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Status == StatusDelivered {
		return fmt.Errorf("event %s already delivered", id)
	}
	ev.Status = StatusFailed
	ev.FailReason = reason
	s.persistLocked()
	return nil
}

// Requeue moves an InFlight event back to Pending for a later attempt.
func (s *FileStore) Requeue(_ context.Context, id string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Status == StatusDelivered {
		return fmt.Errorf("event %s already delivered", id)
	}
	ev.Status = StatusPending
	ev.NextAttemptAt = nextAttempt
	s.persistLocked()
	return nil
}

// HasInstallation reports whether an installation event was ever recorded
// for the device.
func (s *FileStore) HasInstallation(_ context.Context, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	return s.installs[deviceID], nil
}

// HasSubscription reports whether a subscription event with the given
// subscriptionId was ever recorded.
func (s *FileStore) HasSubscription(_ context.Context, subscriptionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	return s.subs[subscriptionID], nil
}

// PendingCount counts Pending and InFlight events.
func (s *FileStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, ev := range s.events {
		if ev.Status == StatusPending || ev.Status == StatusInFlight {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored event, mainly for tests and inspection.
func (s *FileStore) Get(id string) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}

// Close snapshots and stops the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.persistLocked()
	s.closed = true
	return nil
}
