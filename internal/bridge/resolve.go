package bridge

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/meshbridge/internal/mesh"
)

// messageRole classifies how an inbound packet relates to earlier traffic.
type messageRole int

const (
	roleNew messageRole = iota
	roleReply
	roleReaction
)

func (r messageRole) String() string {
	switch r {
	case roleReply:
		return "reply"
	case roleReaction:
		return "reaction"
	default:
		return "new"
	}
}

// resolution is the resolver verdict for one inbound packet.
type resolution struct {
	Role   messageRole
	Parent uint32
	// Legacy marks parents recovered from the bracketed text form. The
	// bridge's own tapbacks echo back over MQTT in that form, so the caller
	// suppresses legacy reactions whose parent is Matrix-originated.
	Legacy bool
	// Key is the reaction emoji, with any legacy wrapper stripped.
	Key string
}

// lastSeenEntry tracks the newest non-reaction packet on a channel. It feeds
// the emoji-only heuristic, which assumes a bare emoji shortly after a message
// reacts to that message.
type lastSeenEntry struct {
	packetID uint32
	at       time.Time
}

var (
	legacyReactionRe = regexp.MustCompile(`^\[Reaction to !([0-9a-fA-F]{1,8})\]: (.+)$`)
	replyLinkageRe   = regexp.MustCompile(`(?i)^(reply.?id|reference.?id)$`)
	asciiLetterRe    = regexp.MustCompile(`[a-zA-Z]`)
)

// maxScanDepth bounds the deep linkage scan over decoded substructures.
const maxScanDepth = 4

// resolvePacket classifies pkt as new, reply, or reaction and locates its
// parent packet. Rules apply in order and the first match wins, so an
// explicit reply field always beats the heuristics, even when it points at a
// packet the bridge has never seen.
func resolvePacket(pkt *mesh.Packet, last lastSeenEntry, now time.Time, window time.Duration) resolution {
	key := strings.TrimSpace(pkt.Text)

	if pkt.ReplyID != 0 {
		return resolution{Role: roleForPort(pkt.Port), Parent: pkt.ReplyID, Key: key}
	}
	if parent, ok := scanReplyLinkage(pkt.Decoded, pkt.ID, 0); ok {
		return resolution{Role: roleForPort(pkt.Port), Parent: parent, Key: key}
	}
	if m := legacyReactionRe.FindStringSubmatch(key); m != nil {
		if parent, err := strconv.ParseUint(m[1], 16, 32); err == nil && parent != 0 {
			return resolution{
				Role:   roleReaction,
				Parent: uint32(parent),
				Legacy: true,
				Key:    strings.TrimSpace(m[2]),
			}
		}
	}
	if isEmojiOnly(key) || pkt.Port == mesh.PortReaction {
		if last.packetID != 0 && last.packetID != pkt.ID && now.Sub(last.at) <= window {
			return resolution{Role: roleReaction, Parent: last.packetID, Key: key}
		}
	}
	return resolution{Role: roleNew}
}

func roleForPort(port int32) messageRole {
	if port == mesh.PortReaction {
		return roleReaction
	}
	return roleReply
}

// isEmojiOnly reports whether text is short and free of ASCII letters, the
// cheap stand-in for "this is a bare emoji sequence".
func isEmojiOnly(text string) bool {
	text = strings.TrimSpace(text)
	return text != "" && len(text) < 12 && !asciiLetterRe.MatchString(text)
}

// scanReplyLinkage walks the untyped decoded structure looking for a reply or
// reference id field carrying a usable packet id. Fields on the current level
// win over nested ones, and the depth cap keeps crafted payloads from
// recursing far. Self-references are skipped.
func scanReplyLinkage(v any, self uint32, depth int) (uint32, bool) {
	if depth > maxScanDepth {
		return 0, false
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if !replyLinkageRe.MatchString(k) {
				continue
			}
			if id, ok := numericID(child); ok && id != self {
				return id, true
			}
		}
		for _, child := range val {
			if id, ok := scanReplyLinkage(child, self, depth+1); ok {
				return id, true
			}
		}
	case []any:
		for _, child := range val {
			if id, ok := scanReplyLinkage(child, self, depth+1); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// numericID coerces the dynamic value types both decode paths produce into a
// non-zero packet id.
func numericID(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, n != 0
	case int:
		if n <= 0 || int64(n) > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case int32:
		if n <= 0 {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n <= 0 || n > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case uint64:
		if n == 0 || n > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case float64:
		if n != math.Trunc(n) || n <= 0 || n > math.MaxUint32 {
			return 0, false
		}
		return uint32(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return numericID(i)
	}
	return 0, false
}
