package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/meshbridge/internal/mesh"
)

// Start rehydrates state from the store and launches the persistence worker
// and the periodic eviction task.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.names.Load(ctx); err != nil {
		return fmt.Errorf("failed to load node directory: %w", err)
	}
	if err := b.recoverStates(ctx); err != nil {
		return fmt.Errorf("failed to recover message states: %w", err)
	}

	b.persistWG.Add(1)
	go b.persistWorker()

	cleanupCtx, cancel := context.WithCancel(context.Background())
	b.cleanupCancel = cancel
	b.cleanupDone = make(chan struct{})
	go b.cleanupLoop(cleanupCtx)
	return nil
}

// Stop refuses new events, drains in-flight handlers, stops the eviction
// task, and flushes the persistence queue, in that order.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("timed out draining in-flight handlers")
	}

	if b.cleanupCancel != nil {
		b.cleanupCancel()
		<-b.cleanupDone
	}

	b.mu.Lock()
	b.persistClosed = true
	b.mu.Unlock()
	close(b.persistCh)
	b.persistWG.Wait()
	slog.Info("bridge stopped", "states", b.states.Len())
}

// recoverStates rebuilds the in-memory index from persisted snapshots and
// recomputes the per-channel reaction anchors from the newest non-reaction
// state on each channel.
func (b *Bridge) recoverStates(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	records, err := b.store.LoadMessageStates(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	restored := 0
	for _, rec := range records {
		st, err := stateFromSnapshot(rec.State)
		if err != nil {
			slog.Warn("skipping corrupt message state snapshot",
				"packet", mesh.FormatNodeID(rec.PacketID), "err", err)
			continue
		}
		if st.PacketID == 0 || b.states.Get(st.PacketID) != nil {
			continue
		}
		b.states.Put(st)
		if !st.IsReaction {
			b.touchLastSeenLocked(st.ChannelIndex, st.PacketID, st.CreatedAt)
		}
		restored++
	}
	if restored > 0 {
		slog.Info("recovered message states", "count", restored)
	}
	return nil
}

// persistWorker applies snapshots off the handler path. A flush job acts as
// a barrier proving everything enqueued before it has been written.
func (b *Bridge) persistWorker() {
	defer b.persistWG.Done()
	ctx := context.Background()
	for job := range b.persistCh {
		if job.flush != nil {
			close(job.flush)
			continue
		}
		if err := b.store.SaveMessageState(ctx, job.rec); err != nil {
			slog.Warn("failed to persist message state",
				"packet", mesh.FormatNodeID(job.rec.PacketID), "err", err)
		}
	}
}

func (b *Bridge) cleanupLoop(ctx context.Context) {
	defer close(b.cleanupDone)
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictStale(ctx)
		}
	}
}

// evictStale removes states untouched for longer than MaxAge, then the
// oldest states past MaxSize. Store rows are deleted only after a queue
// flush, so a snapshot enqueued before eviction can never resurrect a row.
func (b *Bridge) evictStale(ctx context.Context) {
	now := time.Now()

	b.mu.Lock()
	all := b.states.All()
	var victims []uint32
	live := all[:0]
	for _, st := range all {
		if now.Sub(st.LastUpdateAt) > b.cfg.MaxAge {
			victims = append(victims, st.PacketID)
		} else {
			live = append(live, st)
		}
	}
	if overflow := len(live) - b.cfg.MaxSize; overflow > 0 {
		sort.Slice(live, func(i, j int) bool {
			return live[i].LastUpdateAt.Before(live[j].LastUpdateAt)
		})
		for _, st := range live[:overflow] {
			victims = append(victims, st.PacketID)
		}
	}
	b.states.Evict(victims)
	remaining := b.states.Len()
	b.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	if b.store != nil {
		flush := make(chan struct{})
		select {
		case b.persistCh <- persistJob{flush: flush}:
			<-flush
		case <-ctx.Done():
			return
		}
		if err := b.store.DeleteMessageStates(ctx, victims); err != nil {
			slog.Warn("failed to delete evicted message states", "count", len(victims), "err", err)
		}
	}
	slog.Info("evicted stale message states", "count", len(victims), "remaining", remaining)
}
