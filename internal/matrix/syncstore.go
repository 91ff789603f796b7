package matrix

// syncstore.go adapts the bridge store to mautrix.SyncStore. Persisting the
// next_batch token across restarts keeps the bridge from replaying room
// history and re-sending old messages to the mesh.

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/meshbridge/internal/store"
)

var _ mautrix.SyncStore = (*syncStore)(nil)

type syncStore struct {
	store *store.Store
}

func (s *syncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.store.SaveFilterID(ctx, userID.String(), filterID)
}

func (s *syncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.LoadFilterID(ctx, userID.String())
}

func (s *syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.store.SaveNextBatch(ctx, userID.String(), nextBatchToken)
}

func (s *syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.store.LoadNextBatch(ctx, userID.String())
}
