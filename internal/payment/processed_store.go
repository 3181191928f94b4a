package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore is the webhook dedupe table. Stripe redelivers an event
// until it sees a 2xx, so an event id is written only after its session was
// confirmed or deliberately left unapplied.
type ProcessedStore struct {
	db rowQuerier
}

func NewProcessedStore(conn rowQuerier) *ProcessedStore {
	return &ProcessedStore{db: conn}
}

// AlreadyProcessed reports whether the event id is already in the table.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

// MarkProcessed records the event id. It reports false when another
// delivery recorded it first.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("mark processed event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
