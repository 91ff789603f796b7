package mesh

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonEnvelope is the message shape Meshtastic gateways publish on their
// .../json/... topics. Only the fields the bridge consumes are typed; the
// payload object is kept raw because its contents vary by message type and
// firmware, and the reply-linkage scan wants to see all of it.
type jsonEnvelope struct {
	ID       uint32         `json:"id"`
	From     uint32         `json:"from"`
	To       int64          `json:"to"`
	Channel  uint32         `json:"channel"`
	Sender   string         `json:"sender"`
	Type     string         `json:"type"`
	RSSI     int            `json:"rssi"`
	SNR      float64        `json:"snr"`
	HopStart int            `json:"hop_start"`
	HopsAway int            `json:"hops_away"`
	Payload  map[string]any `json:"payload"`
}

// decodeJSONPacket parses a JSON gateway publication into a packet and its
// reception stats. The gateway id comes from the envelope's sender field,
// falling back to the topic's trailing node segment.
func decodeJSONPacket(topic string, body []byte) (*Packet, ReceptionStats, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ReceptionStats{}, fmt.Errorf("failed to decode json envelope: %w", err)
	}
	if env.ID == 0 {
		return nil, ReceptionStats{}, fmt.Errorf("json envelope has no packet id")
	}

	pkt := &Packet{
		ID:          env.ID,
		From:        env.From,
		Channel:     env.Channel,
		ChannelName: channelNameFromTopic(topic),
		RxTime:      time.Now(),
		Decoded:     map[string]any{},
	}
	if env.To >= 0 {
		pkt.To = uint32(env.To)
	} else {
		pkt.To = BroadcastAddr
	}
	for k, v := range env.Payload {
		pkt.Decoded[k] = v
	}

	switch env.Type {
	case "text":
		pkt.Port = PortText
		if text, ok := env.Payload["text"].(string); ok {
			pkt.Text = text
		}
	case "nodeinfo":
		pkt.Port = PortNodeInfo
		// Gateways publish lowercase keys; normalise to the names the
		// name directory reads.
		if v, ok := env.Payload["shortname"].(string); ok {
			pkt.Decoded["shortName"] = v
		}
		if v, ok := env.Payload["longname"].(string); ok {
			pkt.Decoded["longName"] = v
		}
	case "tapback", "reaction":
		pkt.Port = PortReaction
		if text, ok := env.Payload["text"].(string); ok {
			pkt.Text = text
		} else if emoji, ok := env.Payload["emoji"].(string); ok {
			pkt.Text = emoji
		}
	}
	if id, ok := numericField(env.Payload["reply_id"]); ok {
		pkt.ReplyID = id
	}

	gateway := env.Sender
	if gateway == "" {
		gateway = gatewayFromTopic(topic)
	}
	stats := ReceptionStats{
		GatewayID: gateway,
		RSSI:      env.RSSI,
		SNR:       env.SNR,
		HopCount:  env.HopsAway,
		Timestamp: time.Now(),
	}
	return pkt, stats, nil
}

// numericField coerces the integer encodings JSON decoding produces.
func numericField(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return uint32(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i > 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

// channelNameFromTopic extracts the channel name segment from a Meshtastic
// MQTT topic such as msh/EU_868/2/e/LongFast/!abcd1234 or
// msh/EU_868/2/json/LongFast/!abcd1234.
func channelNameFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if (part == "e" || part == "c" || part == "json") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// gatewayFromTopic returns the trailing !hex node segment of a topic, if any.
func gatewayFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if strings.HasPrefix(parts[i], "!") {
			return parts[i]
		}
	}
	return ""
}

// isJSONTopic reports whether a topic belongs to a gateway's JSON mirror.
func isJSONTopic(topic string) bool {
	for _, part := range strings.Split(topic, "/") {
		if part == "json" {
			return true
		}
	}
	return false
}
