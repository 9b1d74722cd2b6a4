package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pulseline/internal/ledger"
)

// CursorStore persists stream positions keyed by slot name. The capture
// worker stores its replication position here; the event bus reuses it for
// its consumption position.
type CursorStore struct {
	db ledger.DB
}

func NewCursorStore(db ledger.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load returns the persisted position for a slot, zero when none exists.
func (s *CursorStore) Load(ctx context.Context, slot string) (int64, error) {
	var pos int64
	err := s.db.QueryRow(ctx,
		`SELECT position FROM capture_cursor WHERE slot_name = $1`, slot,
	).Scan(&pos)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor %s: %w", slot, err)
	}
	return pos, nil
}

// Save upserts the position for a slot.
func (s *CursorStore) Save(ctx context.Context, slot string, pos int64) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO capture_cursor (slot_name, position, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (slot_name) DO UPDATE
        SET position = EXCLUDED.position, updated_at = now()
    `, slot, pos)
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", slot, err)
	}
	return nil
}
