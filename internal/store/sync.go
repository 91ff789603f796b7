package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// The matrix_sync_state table keeps the two values the Matrix sync loop needs
// across restarts: the registered filter id and the next_batch token of the
// last processed sync response.

// SaveFilterID stores the sync filter registered for a Matrix user.
func (s *Store) SaveFilterID(ctx context.Context, userID, filterID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, filter_id)
		VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET filter_id = excluded.filter_id
	`, userID, filterID)
	if err != nil {
		return fmt.Errorf("failed to save filter id: %w", err)
	}
	return nil
}

// LoadFilterID returns the stored filter id, or "" when none is recorded.
func (s *Store) LoadFilterID(ctx context.Context, userID string) (string, error) {
	var filterID string
	err := s.db.QueryRowContext(ctx,
		"SELECT filter_id FROM matrix_sync_state WHERE user_id = ?", userID,
	).Scan(&filterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load filter id: %w", err)
	}
	return filterID, nil
}

// SaveNextBatch stores the sync position for a Matrix user.
func (s *Store) SaveNextBatch(ctx context.Context, userID, nextBatch string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, next_batch)
		VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET next_batch = excluded.next_batch
	`, userID, nextBatch)
	if err != nil {
		return fmt.Errorf("failed to save next batch: %w", err)
	}
	return nil
}

// LoadNextBatch returns the stored sync position, or "" when none is
// recorded.
func (s *Store) LoadNextBatch(ctx context.Context, userID string) (string, error) {
	var nextBatch string
	err := s.db.QueryRowContext(ctx,
		"SELECT next_batch FROM matrix_sync_state WHERE user_id = ?", userID,
	).Scan(&nextBatch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load next batch: %w", err)
	}
	return nextBatch, nil
}
