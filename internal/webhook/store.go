package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"inkwell/internal/db"
)

var ErrDuplicateEvent = errors.New("event already processed")

// Store remembers handled event ids. Only events that will never be retried
// are recorded, so a redelivery after a failure is processed again.
type Store interface {
	Check(ctx context.Context, eventID string) error
	Record(ctx context.Context, ev *Event, route Route, outcome string) error
}

type store struct {
	db *sqlx.DB
}

func NewStore(conn *sqlx.DB) Store {
	return &store{db: conn}
}

// Check returns ErrDuplicateEvent when the event was already handled.
func (s *store) Check(ctx context.Context, eventID string) error {
	seen, err := db.Exists(ctx, s.db, `SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", eventID, err)
	}
	if seen {
		return ErrDuplicateEvent
	}
	return nil
}

func (s *store) Record(ctx context.Context, ev *Event, route Route, outcome string) error {
	query := `
		INSERT INTO webhook_events (event_id, event_type, route, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.Type, string(route), outcome, ev.Created); err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}
