package mesh

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
)

// MQTTConfig configures the MQTT packet source.
type MQTTConfig struct {
	Broker   string
	Port     int
	Username string
	Password string
	Topic    string
	UseTLS   bool
	// PSK is the base64 channel key used to decrypt encrypted envelopes.
	// Empty means encrypted packets are dropped.
	PSK string
}

// MQTTSource subscribes to a Meshtastic MQTT root topic and feeds every
// gateway publication, protobuf ServiceEnvelopes and JSON mirrors alike,
// to the bridge.
type MQTTSource struct {
	cfg     MQTTConfig
	handler Handler
	key     []byte
	filter  string
	client  mqtt.Client
}

// NewMQTTSource builds the source but does not connect.
func NewMQTTSource(cfg MQTTConfig, handler Handler) (*MQTTSource, error) {
	key, err := ParseChannelKey(cfg.PSK)
	if err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	s := &MQTTSource{
		cfg:     cfg,
		handler: handler,
		key:     key,
		filter:  subscriptionFilter(cfg.Topic),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(cfg)).
		SetClientID("meshbridge-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker. The first connection is decisive so that bad
// credentials surface at startup; later drops are handled by paho's
// auto-reconnect, which re-subscribes through the OnConnect hook.
func (s *MQTTSource) Start(ctx context.Context) error {
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight work to finish.
func (s *MQTTSource) Stop() {
	s.client.Disconnect(250)
}

// Connected reports whether the broker connection is currently open.
func (s *MQTTSource) Connected() bool {
	return s.client.IsConnectionOpen()
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	slog.Info("mqtt connected, subscribing", "filter", s.filter)
	token := c.Subscribe(s.filter, 0, s.onMessage)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			slog.Error("mqtt subscribe failed", "filter", s.filter, "err", err)
		}
	}()
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	slog.Warn("mqtt connection lost, reconnecting", "err", err)
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	topic := msg.Topic()

	if isJSONTopic(topic) {
		pkt, stats, err := decodeJSONPacket(topic, msg.Payload())
		if err != nil {
			slog.Debug("dropping malformed json publication", "topic", topic, "err", err)
			return
		}
		s.handler.HandleMeshPacket(ctx, pkt, SourceMQTT, stats)
		return
	}

	pkt, stats, err := s.decodeEnvelope(topic, msg.Payload())
	if err != nil {
		slog.Debug("dropping mesh packet", "topic", topic, "err", err)
		return
	}
	s.handler.HandleMeshPacket(ctx, pkt, SourceMQTT, stats)
}

// decodeEnvelope unwraps a ServiceEnvelope, decrypting the inner packet when
// needed, and produces the bridge packet plus this gateway's reception stats.
func (s *MQTTSource) decodeEnvelope(topic string, payload []byte) (*Packet, ReceptionStats, error) {
	var env meshtasticpb.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, ReceptionStats{}, fmt.Errorf("failed to decode service envelope: %w", err)
	}
	mp := env.GetPacket()
	if mp == nil || mp.GetId() == 0 {
		return nil, ReceptionStats{}, fmt.Errorf("service envelope carries no packet")
	}

	data := mp.GetDecoded()
	if data == nil {
		encrypted := mp.GetEncrypted()
		if len(encrypted) == 0 {
			return nil, ReceptionStats{}, fmt.Errorf("packet %s has no payload", FormatNodeID(mp.GetId()))
		}
		if s.key == nil {
			return nil, ReceptionStats{}, fmt.Errorf("packet %s is encrypted and no channel key is configured", FormatNodeID(mp.GetId()))
		}
		plain, err := CryptPayload(s.key, mp.GetId(), mp.GetFrom(), encrypted)
		if err != nil {
			return nil, ReceptionStats{}, fmt.Errorf("failed to decrypt packet %s: %w", FormatNodeID(mp.GetId()), err)
		}
		var d meshtasticpb.Data
		if err := proto.Unmarshal(plain, &d); err != nil {
			return nil, ReceptionStats{}, fmt.Errorf("decrypted packet %s is not a valid payload: %w", FormatNodeID(mp.GetId()), err)
		}
		mp.PayloadVariant = &meshtasticpb.MeshPacket_Decoded{Decoded: &d}
		data = &d
	}

	channelName := env.GetChannelId()
	if channelName == "" {
		channelName = channelNameFromTopic(topic)
	}
	pkt := packetFromProto(mp, channelName)
	if data.GetPortnum() == meshtasticpb.PortNum_NODEINFO_APP {
		var user meshtasticpb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err == nil {
			decodeUser(pkt, &user)
		}
	}

	gateway := env.GetGatewayId()
	if gateway == "" {
		gateway = gatewayFromTopic(topic)
	}
	stats := ReceptionStats{
		GatewayID: gateway,
		RSSI:      int(mp.GetRxRssi()),
		SNR:       float64(mp.GetRxSnr()),
		HopCount:  pkt.HopCount(),
		Timestamp: time.Now(),
	}
	return pkt, stats, nil
}

// waitToken blocks on a paho token with context cancellation.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscriptionFilter widens the configured root topic to a wildcard filter.
func subscriptionFilter(topic string) string {
	if strings.HasSuffix(topic, "#") {
		return topic
	}
	if strings.HasSuffix(topic, "/") {
		return topic + "#"
	}
	return topic + "/#"
}

func brokerURL(cfg MQTTConfig) string {
	if strings.Contains(cfg.Broker, "://") {
		return cfg.Broker
	}
	scheme, port := "tcp", cfg.Port
	if cfg.UseTLS {
		scheme = "ssl"
		if port == 0 {
			port = 8883
		}
	}
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, port)
}
