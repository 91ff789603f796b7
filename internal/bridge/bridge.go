// Package bridge correlates mesh packets observed from independent sources
// into single, progressively edited Matrix events, and routes Matrix traffic
// back onto the mesh. It owns all correlation state: deduplication by packet
// id, per-gateway reception stats, reply and reaction linkage, and echo
// suppression for packets the bridge itself injected.
package bridge

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/meshbridge/common/trace"
	"github.com/bdobrica/meshbridge/internal/matrix"
	"github.com/bdobrica/meshbridge/internal/mesh"
	"github.com/bdobrica/meshbridge/internal/observability"
	"github.com/bdobrica/meshbridge/internal/store"
)

// MatrixPoster is the Matrix surface the bridge drives.
type MatrixPoster interface {
	PostMessage(ctx context.Context, plain, html, inReplyTo string) (string, error)
	EditMessage(ctx context.Context, eventID, plain, html string) error
	DisplayName(ctx context.Context, userID string) string
}

// MeshSender injects packets into the mesh.
type MeshSender interface {
	SendText(ctx context.Context, text string, channel uint32, replyID uint32) (uint32, error)
	SendTapback(ctx context.Context, target uint32, emoji string, channel uint32) (uint32, error)
}

// MessageStore persists message-state snapshots across restarts.
type MessageStore interface {
	SaveMessageState(ctx context.Context, rec store.MessageRecord) error
	LoadMessageStates(ctx context.Context) ([]store.MessageRecord, error)
	DeleteMessageStates(ctx context.Context, packetIDs []uint32) error
}

// Config tunes the bridge coordinator.
type Config struct {
	// AllowedChannels lists channel indices and/or names admitted from the
	// mesh. Empty means channel 0 only.
	AllowedChannels []string
	// DefaultChannel is the outbound channel for Matrix messages that are
	// not replies.
	DefaultChannel uint32
	// MaxAge evicts states untouched for longer than this.
	MaxAge time.Duration
	// MaxSize caps the state count; oldest states go first.
	MaxSize int
	// CleanupInterval is the eviction cadence.
	CleanupInterval time.Duration
	// CorrelationWindow bounds the emoji-only reaction heuristic.
	CorrelationWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = 10 * time.Minute
	}
	return c
}

// meshSendSpacing paces consecutive parts of a split message so the mesh is
// not flooded.
const meshSendSpacing = 500 * time.Millisecond

// drainTimeout bounds how long Stop waits for in-flight handlers.
const drainTimeout = 5 * time.Second

// persistQueueSize buffers snapshots between mutations and the store worker.
const persistQueueSize = 512

type persistJob struct {
	rec store.MessageRecord
	// flush is a barrier: the worker closes it instead of writing, proving
	// every job enqueued earlier has been applied.
	flush chan struct{}
}

// Bridge is the coordinator owning all correlation state. Mutations of that
// state happen under mu and never across I/O; per-packet locks serialise the
// full pipeline for one packet id, so edits to a single Matrix event are
// issued in order.
type Bridge struct {
	cfg    Config
	matrix MatrixPoster
	sender MeshSender
	store  MessageStore
	names  *Directory

	locks *packetLocks

	mu            sync.Mutex
	states        *stateIndex
	lastSeen      map[uint32]lastSeenEntry
	closed        bool
	persistClosed bool

	inflight  sync.WaitGroup
	persistCh chan persistJob
	persistWG sync.WaitGroup

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

var _ mesh.Handler = (*Bridge)(nil)

// New builds a bridge around its four collaborators. Call Start before
// feeding it events.
func New(cfg Config, poster MatrixPoster, sender MeshSender, st MessageStore, names *Directory) *Bridge {
	return &Bridge{
		cfg:       cfg.withDefaults(),
		matrix:    poster,
		sender:    sender,
		store:     st,
		names:     names,
		locks:     newPacketLocks(),
		states:    newStateIndex(),
		lastSeen:  make(map[uint32]lastSeenEntry),
		persistCh: make(chan persistJob, persistQueueSize),
	}
}

// accept registers an inbound handler, refusing once shutdown has begun.
func (b *Bridge) accept() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

// channelAllowed applies the channel allow list. Tokens match either the
// numeric index or the channel name, case-insensitively.
func (b *Bridge) channelAllowed(pkt *mesh.Packet) bool {
	if len(b.cfg.AllowedChannels) == 0 {
		return pkt.Channel == 0
	}
	for _, tok := range b.cfg.AllowedChannels {
		if idx, err := strconv.ParseUint(tok, 10, 32); err == nil && uint32(idx) == pkt.Channel {
			return true
		}
		if pkt.ChannelName != "" && strings.EqualFold(tok, pkt.ChannelName) {
			return true
		}
	}
	return false
}

// HandleMeshPacket is the inbound entrypoint shared by both mesh sources.
// Packets on unbridged channels produce no side effects at all.
func (b *Bridge) HandleMeshPacket(ctx context.Context, pkt *mesh.Packet, source mesh.Source, stats mesh.ReceptionStats) {
	if pkt == nil || pkt.ID == 0 {
		return
	}
	if !b.accept() {
		return
	}
	defer b.inflight.Done()

	if !b.channelAllowed(pkt) {
		slog.Debug("ignoring packet on unbridged channel",
			"packet", mesh.FormatNodeID(pkt.ID), "channel", pkt.Channel, "channel_name", pkt.ChannelName)
		return
	}
	if pkt.Port == mesh.PortNodeInfo {
		b.nodeInfoFromPacket(ctx, pkt)
		return
	}

	b.locks.Lock(pkt.ID)
	tail := b.processPacket(ctx, pkt, source, stats)
	b.locks.Unlock(pkt.ID)

	// Parent work runs under the parent's own lock, after the packet's lock
	// is released, so a crafted reply cycle can never hold two locks at once.
	if tail != nil {
		tail(ctx)
	}
}

// HandleNodeInfo feeds the name directory; the radio calls this directly for
// the node records it receives during its config handshake.
func (b *Bridge) HandleNodeInfo(ctx context.Context, nodeID, shortName, longName string) {
	b.names.Upsert(ctx, nodeID, shortName, longName)
}

func (b *Bridge) nodeInfoFromPacket(ctx context.Context, pkt *mesh.Packet) {
	short, _ := pkt.Decoded["shortName"].(string)
	long, _ := pkt.Decoded["longName"].(string)
	if short == "" && long == "" {
		return
	}
	b.names.Upsert(ctx, pkt.SenderID(), short, long)
}

// processPacket runs the per-packet pipeline under the packet's lock and
// returns deferred parent work, if any.
func (b *Bridge) processPacket(ctx context.Context, pkt *mesh.Packet, source mesh.Source, stats mesh.ReceptionStats) func(context.Context) {
	text := extractText(pkt)
	if text == "" && pkt.Port != mesh.PortReaction {
		slog.Debug("ignoring packet without text",
			"packet", mesh.FormatNodeID(pkt.ID), "port", pkt.Port, "source", source)
		return nil
	}
	now := time.Now()

	b.mu.Lock()
	if st := b.states.Get(pkt.ID); st != nil {
		return b.mergeLocked(ctx, st, stats, now)
	}

	res := resolvePacket(pkt, b.lastSeen[pkt.Channel], now, b.cfg.CorrelationWindow)
	if res.Legacy {
		if parent := b.states.Get(res.Parent); parent != nil && parent.IsMatrixOrigin {
			b.mu.Unlock()
			slog.Debug("suppressing echoed tapback",
				"packet", mesh.FormatNodeID(pkt.ID), "target", mesh.FormatNodeID(res.Parent))
			return nil
		}
	}

	st := &MessageState{
		PacketID:     pkt.ID,
		SenderNode:   pkt.SenderID(),
		ChannelIndex: pkt.Channel,
		OriginalText: text,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	switch res.Role {
	case roleReaction:
		st.IsReaction = true
		st.ParentPacketID = res.Parent
		st.OriginalText = res.Key
	case roleReply:
		st.ParentPacketID = res.Parent
	}
	st.AddReception(stats)
	b.states.Put(st)
	if !st.IsReaction {
		b.touchLastSeenLocked(pkt.Channel, pkt.ID, now)
	}
	b.persistLocked(st)
	parentKnown := res.Parent != 0 && res.Parent != pkt.ID && b.states.Get(res.Parent) != nil
	b.mu.Unlock()

	slog.Info("new mesh message",
		"packet", mesh.FormatNodeID(pkt.ID), "from", st.SenderNode, "channel", pkt.Channel,
		"role", res.Role.String(), "source", source, "gateway", stats.GatewayID)

	if st.IsReaction {
		if parentKnown {
			return b.parentTail(res.Parent, pkt.ID)
		}
		// Parent never seen or already evicted: keep the state for dedup but
		// surface nothing.
		slog.Debug("dropping reaction without parent",
			"packet", mesh.FormatNodeID(pkt.ID), "target", mesh.FormatNodeID(res.Parent))
		return nil
	}

	b.updateEvent(ctx, st)
	if res.Role == roleReply && parentKnown {
		return b.parentTail(res.Parent, pkt.ID)
	}
	return nil
}

// mergeLocked folds another observation into an existing state. Called with
// b.mu held; returns with it released.
func (b *Bridge) mergeLocked(ctx context.Context, st *MessageState, stats mesh.ReceptionStats, now time.Time) func(context.Context) {
	if !st.AddReception(stats) {
		b.mu.Unlock()
		slog.Debug("duplicate observation from known gateway",
			"packet", mesh.FormatNodeID(st.PacketID), "gateway", stats.GatewayID)
		return nil
	}
	st.LastUpdateAt = now
	b.persistLocked(st)
	isReaction := st.IsReaction
	parentID := st.ParentPacketID
	linked := b.linkedLocked(parentID, st.PacketID)
	b.mu.Unlock()

	slog.Debug("merged reception",
		"packet", mesh.FormatNodeID(st.PacketID), "gateway", stats.GatewayID)

	if isReaction {
		// The reaction's own stats are bookkeeping; the parent's body only
		// changes if the reaction is rendered there.
		if linked {
			return b.parentTail(parentID, 0)
		}
		return nil
	}
	b.updateEvent(ctx, st)
	if linked {
		return b.parentTail(parentID, 0)
	}
	return nil
}

// linkedLocked reports whether childID appears in its parent's reply list.
func (b *Bridge) linkedLocked(parentID, childID uint32) bool {
	if parentID == 0 {
		return false
	}
	parent := b.states.Get(parentID)
	return parent != nil && slices.Contains(parent.Replies, childID)
}

// parentTail builds the deferred work for a child's parent: linking the child
// when link is non-zero, then refreshing the parent's Matrix event.
func (b *Bridge) parentTail(parentID, link uint32) func(context.Context) {
	return func(ctx context.Context) {
		b.locks.Lock(parentID)
		defer b.locks.Unlock(parentID)

		b.mu.Lock()
		parent := b.states.Get(parentID)
		if parent == nil {
			b.mu.Unlock()
			slog.Debug("parent state gone, child stays standalone", "parent", mesh.FormatNodeID(parentID))
			return
		}
		if link != 0 {
			parent.addReply(link)
			parent.LastUpdateAt = time.Now()
			b.persistLocked(parent)
		}
		b.mu.Unlock()

		b.updateEvent(ctx, parent)
	}
}

// updateEvent renders the state and creates or edits its Matrix event. The
// caller holds the state's packet lock. Reaction states never own an event.
// A failed creation is retried here on the next observation.
func (b *Bridge) updateEvent(ctx context.Context, st *MessageState) {
	b.mu.Lock()
	if st.IsReaction {
		b.mu.Unlock()
		return
	}
	plain, html := renderBody(st, b.states.Get, b.names)
	eventID := st.MatrixEventID
	pid := st.PacketID
	if plain == "" && eventID == "" {
		// Matrix-origin state with no receptions and nothing to show yet.
		b.mu.Unlock()
		return
	}
	inReplyTo := ""
	if eventID == "" && st.ParentPacketID != 0 && !st.IsMatrixOrigin {
		if parent := b.states.Get(st.ParentPacketID); parent != nil {
			inReplyTo = parent.MatrixEventID
		}
	}
	b.mu.Unlock()

	if eventID != "" {
		if err := b.matrix.EditMessage(ctx, eventID, plain, html); err != nil {
			slog.Warn("failed to edit matrix event",
				"packet", mesh.FormatNodeID(pid), "event", eventID, "err", err)
		}
		return
	}

	newID, err := b.matrix.PostMessage(ctx, plain, html, inReplyTo)
	if err != nil {
		slog.Warn("failed to post matrix event", "packet", mesh.FormatNodeID(pid), "err", err)
		return
	}
	b.mu.Lock()
	st.MatrixEventID = newID
	b.states.RegisterEvent(newID, pid)
	b.persistLocked(st)
	b.mu.Unlock()
	slog.Info("relayed to matrix", "packet", mesh.FormatNodeID(pid), "event", newID)
}

// HandleMatrixMessage forwards a room message onto the mesh, splitting it
// into packet-sized parts and registering each sent part for echo
// suppression. Replies inherit the parent packet's channel.
func (b *Bridge) HandleMatrixMessage(ctx context.Context, msg matrix.MessageEvent) {
	if !b.accept() {
		return
	}
	defer b.inflight.Done()

	// One trace id ties the parts of a split send together in the logs.
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)

	channel := b.cfg.DefaultChannel
	var replyID uint32
	if msg.ReplyTo != "" {
		b.mu.Lock()
		if parent := b.states.GetByEvent(msg.ReplyTo); parent != nil {
			replyID = parent.PacketID
			channel = parent.ChannelIndex
		}
		b.mu.Unlock()
	}

	name := b.matrix.DisplayName(ctx, msg.Sender)
	parts := splitMessage(name, msg.Body)

	for i, part := range parts {
		// Only the first part carries the reply linkage; repeating it would
		// thread every part under the parent.
		partReply := uint32(0)
		if i == 0 {
			partReply = replyID
		}
		pid, err := b.sender.SendText(ctx, part, channel, partReply)
		if err != nil {
			log.Warn("failed to send to mesh",
				"part", i+1, "parts", len(parts), "err", err)
			return
		}
		now := time.Now()
		b.registerOutbound(&MessageState{
			PacketID:            pid,
			SenderNode:          msg.Sender,
			ChannelIndex:        channel,
			OriginalText:        part,
			IsMatrixOrigin:      true,
			MatrixOriginEventID: msg.EventID,
			ParentPacketID:      partReply,
			CreatedAt:           now,
			LastUpdateAt:        now,
		})
		log.Info("sent matrix message to mesh",
			"packet", mesh.FormatNodeID(pid), "part", i+1, "parts", len(parts), "channel", channel)

		if i+1 < len(parts) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(meshSendSpacing):
			}
		}
	}
}

// HandleMatrixReaction forwards a room reaction as a mesh tapback when its
// target event maps to a known packet. Unknown targets are dropped silently.
func (b *Bridge) HandleMatrixReaction(ctx context.Context, re matrix.ReactionEvent) {
	if !b.accept() {
		return
	}
	defer b.inflight.Done()

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)

	b.mu.Lock()
	target := b.states.GetByEvent(re.Target)
	var targetID, channel uint32
	if target != nil {
		targetID = target.PacketID
		channel = target.ChannelIndex
	}
	b.mu.Unlock()
	if target == nil {
		log.Debug("ignoring reaction to unbridged event", "event", re.Target)
		return
	}

	pid, err := b.sender.SendTapback(ctx, targetID, re.Key, channel)
	if err != nil {
		log.Warn("failed to send tapback",
			"target", mesh.FormatNodeID(targetID), "err", err)
		return
	}
	now := time.Now()
	b.registerOutbound(&MessageState{
		PacketID:            pid,
		SenderNode:          re.Sender,
		ChannelIndex:        channel,
		OriginalText:        re.Key,
		IsMatrixOrigin:      true,
		IsReaction:          true,
		ParentPacketID:      targetID,
		MatrixOriginEventID: re.EventID,
		CreatedAt:           now,
		LastUpdateAt:        now,
	})
	log.Info("sent tapback to mesh",
		"packet", mesh.FormatNodeID(pid), "target", mesh.FormatNodeID(targetID), "key", re.Key)
}

// registerOutbound records the state for a packet the bridge just sent, so
// its MQTT echoes merge into it instead of being relayed again. If the echo
// somehow beat the registration, the echo's state is adopted.
func (b *Bridge) registerOutbound(st *MessageState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing := b.states.Get(st.PacketID); existing != nil {
		slog.Warn("echo arrived before outbound registration", "packet", mesh.FormatNodeID(st.PacketID))
		existing.IsMatrixOrigin = true
		existing.MatrixOriginEventID = st.MatrixOriginEventID
		b.states.RegisterEvent(st.MatrixOriginEventID, st.PacketID)
		b.persistLocked(existing)
		return
	}
	b.states.Put(st)
	if !st.IsReaction {
		b.touchLastSeenLocked(st.ChannelIndex, st.PacketID, st.CreatedAt)
	}
	b.persistLocked(st)
}

// touchLastSeenLocked advances the per-channel reaction anchor, never
// backwards.
func (b *Bridge) touchLastSeenLocked(channel, packetID uint32, at time.Time) {
	if cur, ok := b.lastSeen[channel]; ok && cur.at.After(at) {
		return
	}
	b.lastSeen[channel] = lastSeenEntry{packetID: packetID, at: at}
}

// persistLocked enqueues a snapshot of st for the store worker. Caller holds
// b.mu. States no longer in the index are skipped so eviction stays final; a
// full queue drops the snapshot, which the next mutation retries.
func (b *Bridge) persistLocked(st *MessageState) {
	if b.store == nil || b.persistClosed {
		return
	}
	if b.states.Get(st.PacketID) != st {
		return
	}
	raw, err := st.Snapshot()
	if err != nil {
		slog.Error("failed to serialise message state", "packet", mesh.FormatNodeID(st.PacketID), "err", err)
		return
	}
	rec := store.MessageRecord{
		PacketID:  st.PacketID,
		Channel:   strconv.FormatUint(uint64(st.ChannelIndex), 10),
		CreatedAt: st.CreatedAt,
		State:     raw,
	}
	select {
	case b.persistCh <- persistJob{rec: rec}:
	default:
		slog.Warn("persistence queue full, snapshot dropped until next mutation",
			"packet", mesh.FormatNodeID(st.PacketID))
	}
}

// extractText derives a packet's display text: decoded text field first, then
// a decoded emoji, then the raw payload when it is valid UTF-8.
func extractText(pkt *mesh.Packet) string {
	if pkt.Text != "" {
		return pkt.Text
	}
	if v, ok := pkt.Decoded["text"].(string); ok && v != "" {
		return v
	}
	if v, ok := pkt.Decoded["emoji"].(string); ok && v != "" {
		return v
	}
	if len(pkt.Payload) > 0 && utf8.Valid(pkt.Payload) {
		return string(pkt.Payload)
	}
	return ""
}
