package store

import (
	"context"
	"fmt"
	"time"
)

// MessageRecord is one tracked mesh message as persisted: the packet id and
// channel for keying and eviction, plus the bridge's full state snapshot as
// JSON.
type MessageRecord struct {
	PacketID  uint32
	Channel   string
	CreatedAt time.Time
	State     []byte
}

// SaveMessageState inserts or replaces the snapshot for a packet.
func (s *Store) SaveMessageState(ctx context.Context, rec MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_states (packet_id, channel, created_at, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET
			channel = excluded.channel,
			created_at = excluded.created_at,
			state = excluded.state
	`, rec.PacketID, rec.Channel, rec.CreatedAt, string(rec.State))
	if err != nil {
		return fmt.Errorf("failed to save message state %d: %w", rec.PacketID, err)
	}
	return nil
}

// LoadMessageStates returns every persisted snapshot, oldest first.
func (s *Store) LoadMessageStates(ctx context.Context) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT packet_id, channel, created_at, state
		FROM message_states
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load message states: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var state string
		if err := rows.Scan(&rec.PacketID, &rec.Channel, &rec.CreatedAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan message state: %w", err)
		}
		rec.State = []byte(state)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message states: %w", err)
	}
	return records, nil
}

// DeleteMessageStates removes the snapshots for the given packet ids.
func (s *Store) DeleteMessageStates(ctx context.Context, packetIDs []uint32) error {
	if len(packetIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM message_states WHERE packet_id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range packetIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete message state %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// CountMessageStates returns the number of persisted snapshots.
func (s *Store) CountMessageStates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_states").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count message states: %w", err)
	}
	return n, nil
}
