// Package mesh provides the Meshtastic side of the bridge: the
// source-independent packet model, channel decryption, and the two packet
// sources (MQTT gateways and a locally attached radio over TCP).
package mesh

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// Source tags where a packet observation came from.
type Source string

const (
	SourceMQTT Source = "mqtt"
	SourceLAN  Source = "lan"
)

// GatewayLAN is the synthetic gateway id reported for receptions by the
// locally attached radio. MQTT receptions carry the gateway node's !hex id.
const GatewayLAN = "lan"

// Application port numbers the bridge cares about. Text and node info come
// from the Meshtastic portnums table; 68 is the port Meshtastic clients use
// for tapback reactions.
const (
	PortText     = int32(meshtasticpb.PortNum_TEXT_MESSAGE_APP)
	PortNodeInfo = int32(meshtasticpb.PortNum_NODEINFO_APP)
	PortReaction = int32(68)
)

// BroadcastAddr is the destination node id for channel-wide sends.
const BroadcastAddr uint32 = 0xFFFFFFFF

// Packet is the source-independent form of a mesh packet handed to the
// bridge. Typed fields cover the stable protocol surface; Decoded carries the
// full decoded substructure, which varies across firmware revisions and
// gateway software and is what the reply-linkage deep scan walks.
type Packet struct {
	ID          uint32
	From        uint32
	To          uint32
	Channel     uint32
	ChannelName string
	Port        int32
	HopStart    int
	HopLimit    int
	ReplyID     uint32
	WantAck     bool
	Text        string
	Payload     []byte
	Decoded     map[string]any
	RxTime      time.Time
}

// HopCount is the number of intermediate radios a reception travelled
// through; zero means the reporting gateway heard the sender directly.
func (p *Packet) HopCount() int {
	if p.HopStart <= p.HopLimit {
		return 0
	}
	return p.HopStart - p.HopLimit
}

// SenderID renders the originating node as its !hex form.
func (p *Packet) SenderID() string { return FormatNodeID(p.From) }

// ReceptionStats is one gateway's observation of a packet. The JSON tags
// match the persisted message-state snapshots.
type ReceptionStats struct {
	GatewayID string    `json:"gateway_id"`
	RSSI      int       `json:"rssi"`
	SNR       float64   `json:"snr"`
	HopCount  int       `json:"hop_count"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler is the bridge-side consumer of packet observations. Sources invoke
// it from their receive goroutines; the implementation owns all
// serialisation.
type Handler interface {
	HandleMeshPacket(ctx context.Context, pkt *Packet, source Source, stats ReceptionStats)
	HandleNodeInfo(ctx context.Context, nodeID, shortName, longName string)
}

// FormatNodeID renders a node id (or a packet id, which has the same shape)
// as Meshtastic tools do: 8 lowercase hex digits prefixed with '!'.
func FormatNodeID(id uint32) string {
	return fmt.Sprintf("!%08x", id)
}

// ParseNodeID parses a node id in "!hex" or bare hex form.
func ParseNodeID(s string) (uint32, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "!")
	if s == "" || len(s) > 8 {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// packetFromProto converts a decoded MeshPacket into the bridge's packet
// form. The caller has already resolved the encrypted/decoded variant; mp
// must carry a decoded Data payload.
func packetFromProto(mp *meshtasticpb.MeshPacket, channelName string) *Packet {
	data := mp.GetDecoded()
	pkt := &Packet{
		ID:          mp.GetId(),
		From:        mp.GetFrom(),
		To:          mp.GetTo(),
		Channel:     mp.GetChannel(),
		ChannelName: channelName,
		HopStart:    int(mp.GetHopStart()),
		HopLimit:    int(mp.GetHopLimit()),
		WantAck:     mp.GetWantAck(),
		RxTime:      time.Now(),
		Decoded:     map[string]any{},
	}
	if rx := mp.GetRxTime(); rx != 0 {
		pkt.RxTime = time.Unix(int64(rx), 0)
	}
	if data == nil {
		return pkt
	}
	pkt.Port = int32(data.GetPortnum())
	// Tapbacks from older firmware ride the text port with the emoji flag
	// set; fold them into the reaction port so one classification path
	// serves both wire forms.
	if pkt.Port == PortText && data.GetEmoji() != 0 {
		pkt.Port = PortReaction
	}
	pkt.Payload = data.GetPayload()
	pkt.ReplyID = data.GetReplyId()
	pkt.Decoded["portnum"] = pkt.Port
	if pkt.Port == PortText || pkt.Port == PortReaction {
		pkt.Text = string(data.GetPayload())
		pkt.Decoded["text"] = pkt.Text
	}
	if id := data.GetReplyId(); id != 0 {
		pkt.Decoded["replyId"] = id
	}
	if id := data.GetRequestId(); id != 0 {
		pkt.Decoded["requestId"] = id
	}
	if e := data.GetEmoji(); e != 0 {
		pkt.Decoded["emoji"] = e
	}
	return pkt
}

// decodeUser attaches the NODEINFO user record to the packet's decoded map so
// the bridge can route it to the name directory.
func decodeUser(pkt *Packet, u *meshtasticpb.User) {
	if u == nil {
		return
	}
	pkt.Decoded["shortName"] = u.GetShortName()
	pkt.Decoded["longName"] = u.GetLongName()
}
