package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/logger"
)

var pgLog = logger.ZapForComponent("queue.postgres")

const pgSchema = `
CREATE TABLE IF NOT EXISTS attribution_events (
	id              TEXT PRIMARY KEY,
	event_type      TEXT NOT NULL,
	payload         JSONB,
	device_context  JSONB NOT NULL,
	session_id      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	seq             BIGSERIAL,
	attempts        INT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	fraud_flags     TEXT[],
	attribution     JSONB,
	next_attempt_at TIMESTAMPTZ,
	fail_reason     TEXT
);
CREATE INDEX IF NOT EXISTS idx_attribution_events_pending
	ON attribution_events (created_at, seq) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS attribution_installs (
	device_id TEXT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attribution_subscriptions (
	subscription_id TEXT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the relay-grade durable event store. The dedup tables
// are separate from the event rows so pruning delivered events never
// forgets an attributed install.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure event schema: %w", err)
	}
	pgLog.Infof("event store connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		ev            Event
		payload       []byte
		deviceCtx     []byte
		attribution   []byte
		nextAttemptAt *time.Time
		failReason    *string
	)
	err := row.Scan(&ev.ID, &ev.Type, &payload, &deviceCtx, &ev.SessionID,
		&ev.CreatedAt, &ev.Seq, &ev.Attempts, &ev.Status, &ev.FraudFlags,
		&attribution, &nextAttemptAt, &failReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	if err := json.Unmarshal(deviceCtx, &ev.DeviceContext); err != nil {
		return nil, fmt.Errorf("failed to decode device context: %w", err)
	}
	if len(attribution) > 0 {
		ev.Attribution = &AttributionLink{}
		if err := json.Unmarshal(attribution, ev.Attribution); err != nil {
			return nil, fmt.Errorf("failed to decode attribution: %w", err)
		}
	}
	if nextAttemptAt != nil {
		ev.NextAttemptAt = *nextAttemptAt
	}
	if failReason != nil {
		ev.FailReason = *failReason
	}
	return &ev, nil
}

const eventColumns = `id, event_type, payload, device_context, session_id,
	created_at, seq, attempts, status, fraud_flags, attribution,
	next_attempt_at, fail_reason`

// Enqueue inserts a Pending event and records its dedup identity.
func (s *PostgresStore) Enqueue(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for event %s: %w", ev.ID, err)
	}
	deviceCtx, err := json.Marshal(ev.DeviceContext)
	if err != nil {
		return fmt.Errorf("failed to encode device context for event %s: %w", ev.ID, err)
	}
	var attribution []byte
	if ev.Attribution != nil {
		if attribution, err = json.Marshal(ev.Attribution); err != nil {
			return fmt.Errorf("failed to encode attribution for event %s: %w", ev.ID, err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Claim the dedup identity first. A concurrent tx for the same device or
	// subscriptionId blocks on the primary key until this one commits, then
	// its DO NOTHING reports zero rows and the whole enqueue rolls back.
	if ev.Type == constants.EventInstallation && ev.DeviceContext.DeviceID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO attribution_installs (device_id)
			VALUES ($1) ON CONFLICT DO NOTHING;`, ev.DeviceContext.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to record install for device %s: %w", ev.DeviceContext.DeviceID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateInstall
		}
	}
	if ev.Type == constants.EventSubscription {
		if sid, ok := ev.Payload[constants.PayloadKeySubscriptionID].(string); ok && sid != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO attribution_subscriptions (subscription_id)
				VALUES ($1) ON CONFLICT DO NOTHING;`, sid)
			if err != nil {
				return fmt.Errorf("failed to record subscription %s: %w", sid, err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDuplicateSubscription
			}
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO attribution_events
			(id, event_type, payload, device_context, session_id, created_at,
			 attempts, status, fraud_flags, attribution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)
		ON CONFLICT (id) DO NOTHING;`,
		ev.ID, ev.Type, payload, deviceCtx, ev.SessionID, ev.CreatedAt,
		ev.Attempts, ev.FraudFlags, attribution)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateID
	}

	ev.Status = StatusPending
	return tx.Commit(ctx)
}

// PeekBatch returns up to maxN due Pending events in delivery order.
func (s *PostgresStore) PeekBatch(ctx context.Context, maxN int, now time.Time) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM attribution_events
		WHERE status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at ASC, seq ASC
		LIMIT $2;`, now, maxN)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkInFlight claims a pending event and counts the attempt.
func (s *PostgresStore) MarkInFlight(ctx context.Context, id string) (*Event, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE attribution_events
		SET status = 'in_flight', attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
		RETURNING `+eventColumns+`;`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("cannot start delivery of event %s: %w", id, err)
	}
	return ev, err
}

// MarkDelivered finalizes an event.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attribution_events
		SET status = 'delivered', fail_reason = NULL
		WHERE id = $1 AND status <> 'delivered';`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s delivered: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed retires an event to the terminal Failed state.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attribution_events
		SET status = 'failed', fail_reason = $2
		WHERE id = $1 AND status <> 'delivered';`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue returns an in-flight event to the pending queue.
func (s *PostgresStore) Requeue(ctx context.Context, id string, nextAttempt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attribution_events
		SET status = 'pending', next_attempt_at = $2
		WHERE id = $1 AND status <> 'delivered';`, id, nextAttempt)
	if err != nil {
		return fmt.Errorf("failed to requeue event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasInstallation checks the install dedup table.
func (s *PostgresStore) HasInstallation(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attribution_installs WHERE device_id = $1);`,
		deviceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check install for device %s: %w", deviceID, err)
	}
	return exists, nil
}

// HasSubscription checks the subscription dedup table.
func (s *PostgresStore) HasSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attribution_subscriptions WHERE subscription_id = $1);`,
		subscriptionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription %s: %w", subscriptionID, err)
	}
	return exists, nil
}

// PendingCount counts queued plus claimed events.
func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM attribution_events
		WHERE status IN ('pending', 'in_flight');`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
