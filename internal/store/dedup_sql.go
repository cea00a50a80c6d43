package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound relies on ON CONFLICT DO NOTHING, which both SQLite and
// Postgres accept, so the insert itself is the duplicate check.
func (s *sqlStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	result, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
