package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bdobrica/meshbridge/internal/mesh"
)

// MessageState is the bridge's record of one logical mesh packet: which
// Matrix event surfaces it, who has reported receiving it, and how it links
// to other packets. States are mutated in place; the JSON form is what gets
// snapshotted to the store.
type MessageState struct {
	PacketID      uint32 `json:"packet_id"`
	MatrixEventID string `json:"matrix_event_id,omitempty"`
	SenderNode    string `json:"sender_node,omitempty"`
	ChannelIndex  uint32 `json:"channel_index"`
	OriginalText  string `json:"original_text,omitempty"`

	// Receptions is every gateway's observation, in arrival order, one entry
	// per gateway.
	Receptions []mesh.ReceptionStats `json:"receptions,omitempty"`

	// IsMatrixOrigin marks packets the bridge itself injected from Matrix;
	// MatrixOriginEventID is the room event that caused the send.
	IsMatrixOrigin      bool   `json:"is_matrix_origin,omitempty"`
	MatrixOriginEventID string `json:"matrix_origin_event_id,omitempty"`

	// IsReaction marks tapback packets; they never get their own Matrix
	// event and render as a summary line on their parent.
	IsReaction     bool   `json:"is_reaction,omitempty"`
	ParentPacketID uint32 `json:"parent_packet_id,omitempty"`

	// Replies lists child packet ids (replies and reactions) in arrival
	// order, for rendering the parent's reply block.
	Replies []uint32 `json:"replies,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastUpdateAt time.Time `json:"last_update_at"`

	// gateways mirrors Receptions for O(1) dedup; rebuilt on load.
	gateways map[string]struct{}
}

// AddReception merges one gateway observation, returning false when that
// gateway has already reported this packet.
func (s *MessageState) AddReception(stats mesh.ReceptionStats) bool {
	if s.gateways == nil {
		s.gateways = make(map[string]struct{}, 1)
		for _, r := range s.Receptions {
			s.gateways[r.GatewayID] = struct{}{}
		}
	}
	if _, seen := s.gateways[stats.GatewayID]; seen {
		return false
	}
	s.gateways[stats.GatewayID] = struct{}{}
	s.Receptions = append(s.Receptions, stats)
	return true
}

// addReply links a child packet, once.
func (s *MessageState) addReply(packetID uint32) {
	for _, id := range s.Replies {
		if id == packetID {
			return
		}
	}
	s.Replies = append(s.Replies, packetID)
}

// Snapshot serialises the state for persistence.
func (s *MessageState) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state %s: %w", mesh.FormatNodeID(s.PacketID), err)
	}
	return raw, nil
}

// stateFromSnapshot restores a persisted state.
func stateFromSnapshot(raw []byte) (*MessageState, error) {
	var s MessageState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to restore state snapshot: %w", err)
	}
	return &s, nil
}

// stateIndex is the in-memory message-state store: packet id to state, plus
// a secondary event-id index for Matrix-inbound lookups. All methods are
// safe for concurrent use; callers mutate the returned states only while
// holding the bridge's per-packet locks.
type stateIndex struct {
	mu       sync.RWMutex
	byPacket map[uint32]*MessageState
	byEvent  map[string]uint32
}

func newStateIndex() *stateIndex {
	return &stateIndex{
		byPacket: make(map[uint32]*MessageState),
		byEvent:  make(map[string]uint32),
	}
}

func (idx *stateIndex) Get(packetID uint32) *MessageState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byPacket[packetID]
}

func (idx *stateIndex) GetByEvent(eventID string) *MessageState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pid, ok := idx.byEvent[eventID]
	if !ok {
		return nil
	}
	return idx.byPacket[pid]
}

// Put registers a new state. A duplicate packet id is a programming error:
// callers are required to mutate existing states in place.
func (idx *stateIndex) Put(state *MessageState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.byPacket[state.PacketID]; exists {
		panic(fmt.Sprintf("bridge: duplicate message state for packet %s", mesh.FormatNodeID(state.PacketID)))
	}
	idx.byPacket[state.PacketID] = state
	if state.MatrixEventID != "" {
		idx.registerEventLocked(state.MatrixEventID, state.PacketID)
	}
	if state.MatrixOriginEventID != "" {
		idx.registerEventLocked(state.MatrixOriginEventID, state.PacketID)
	}
}

// RegisterEvent maps a Matrix event id to a packet. The first registration
// wins: later parts of a split message share the origin event, and reactions
// should target the first part.
func (idx *stateIndex) RegisterEvent(eventID string, packetID uint32) {
	if eventID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.registerEventLocked(eventID, packetID)
}

func (idx *stateIndex) registerEventLocked(eventID string, packetID uint32) {
	if eventID == "" {
		return
	}
	if _, exists := idx.byEvent[eventID]; !exists {
		idx.byEvent[eventID] = packetID
	}
}

// Evict removes states from both indexes. Children of evicted parents stay
// in the store and simply render without threading.
func (idx *stateIndex) Evict(packetIDs []uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, pid := range packetIDs {
		state, ok := idx.byPacket[pid]
		if !ok {
			continue
		}
		delete(idx.byPacket, pid)
		if state.MatrixEventID != "" && idx.byEvent[state.MatrixEventID] == pid {
			delete(idx.byEvent, state.MatrixEventID)
		}
		if state.MatrixOriginEventID != "" && idx.byEvent[state.MatrixOriginEventID] == pid {
			delete(idx.byEvent, state.MatrixOriginEventID)
		}
	}
}

func (idx *stateIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byPacket)
}

// All returns the current states in no particular order.
func (idx *stateIndex) All() []*MessageState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	states := make([]*MessageState, 0, len(idx.byPacket))
	for _, s := range idx.byPacket {
		states = append(states, s)
	}
	return states
}

// packetLocks serialises packet processing: for one packet id, at most one
// handler runs stages (text extraction through persistence) at a time, and
// waiters proceed in turn against the then-current state. Entries are
// created on first arrival and dropped when the last holder releases.
type packetLocks struct {
	mu    sync.Mutex
	locks map[uint32]*packetLock
}

type packetLock struct {
	mu   sync.Mutex
	refs int
}

func newPacketLocks() *packetLocks {
	return &packetLocks{locks: make(map[uint32]*packetLock)}
}

func (p *packetLocks) Lock(packetID uint32) {
	p.mu.Lock()
	l, ok := p.locks[packetID]
	if !ok {
		l = &packetLock{}
		p.locks[packetID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
}

func (p *packetLocks) Unlock(packetID uint32) {
	p.mu.Lock()
	l, ok := p.locks[packetID]
	if !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("bridge: unlock of unheld packet lock %s", mesh.FormatNodeID(packetID)))
	}
	l.refs--
	if l.refs == 0 {
		delete(p.locks, packetID)
	}
	p.mu.Unlock()

	l.mu.Unlock()
}
