// radio.go talks to the locally attached Meshtastic radio over TCP.
//
// The radio speaks the Meshtastic client API: protobuf frames prefixed with
// the magic pair 0x94 0xC3 and a 16-bit big-endian length. On connect the
// client sends want_config_id; the radio answers with its identity, node
// table and channel list, terminated by a config-complete marker carrying the
// same nonce, and then streams live packets. Radios mix log text into the
// stream, so the reader resynchronises on the magic pair.
//
// The radio is also the bridge's only transmit path: outbound texts and
// tapbacks are written here with client-generated packet ids.

package mesh

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/bdobrica/meshbridge/common/retry"
)

const (
	radioStart1       = 0x94
	radioStart2       = 0xC3
	radioMaxFrame     = 512
	radioDefaultPort  = 4403
	defaultHopLimit   = 3
	handshakeTimeout  = 30 * time.Second
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 5 * time.Minute
)

// ErrRadioUnavailable is returned by sends while the radio session is down.
var ErrRadioUnavailable = errors.New("radio is not connected")

// RadioConfig configures the LAN radio client.
type RadioConfig struct {
	Host string
	Port int
	// PSK optionally decrypts packets the radio passes through encrypted
	// (foreign channels). The radio decrypts its own channels itself.
	PSK string
}

// Radio maintains a session with the radio, feeding received packets to the
// handler and exposing the mesh sink operations.
type Radio struct {
	cfg     RadioConfig
	handler Handler
	key     []byte

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	channels  map[uint32]string
	myNodeNum uint32
	nextID    atomic.Uint32

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRadio builds the client but does not connect.
func NewRadio(cfg RadioConfig, handler Handler) (*Radio, error) {
	key, err := ParseChannelKey(cfg.PSK)
	if err != nil {
		return nil, fmt.Errorf("radio: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = radioDefaultPort
	}
	r := &Radio{
		cfg:      cfg,
		handler:  handler,
		key:      key,
		channels: map[uint32]string{},
		done:     make(chan struct{}),
	}
	r.nextID.Store(randomPacketSeed())
	return r, nil
}

// Start launches the session loop. An unreachable radio is not fatal: the
// loop keeps reconnecting with backoff until Stop or context cancellation.
func (r *Radio) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

// Stop tears the session down and waits for the loop to exit. A radio that
// was never started stops trivially.
func (r *Radio) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.closeConn()
	<-r.done
}

// Connected reports whether a radio session is currently established.
func (r *Radio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// NodeID returns the connected radio's own node id, or 0 before the first
// completed handshake.
func (r *Radio) NodeID() uint32 { return r.myNodeNum }

// SendText broadcasts a text packet and returns the assigned packet id.
func (r *Radio) SendText(ctx context.Context, text string, channel uint32, replyID uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := r.nextPacketID()
	data := &meshtasticpb.Data{
		Portnum: meshtasticpb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
		ReplyId: replyID,
	}
	if err := r.sendPacket(id, channel, data); err != nil {
		return 0, err
	}
	return id, nil
}

// SendTapback broadcasts a reaction to a prior packet and returns the
// assigned packet id.
func (r *Radio) SendTapback(ctx context.Context, target uint32, emoji string, channel uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := r.nextPacketID()
	data := &meshtasticpb.Data{
		Portnum: meshtasticpb.PortNum(PortReaction),
		Payload: []byte(emoji),
		ReplyId: target,
		Emoji:   1,
	}
	if err := r.sendPacket(id, channel, data); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Radio) sendPacket(id, channel uint32, data *meshtasticpb.Data) error {
	msg := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_Packet{
			Packet: &meshtasticpb.MeshPacket{
				To:       BroadcastAddr,
				Channel:  channel,
				Id:       id,
				HopLimit: defaultHopLimit,
				PayloadVariant: &meshtasticpb.MeshPacket_Decoded{
					Decoded: data,
				},
			},
		},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected || r.conn == nil {
		return ErrRadioUnavailable
	}
	if err := writeFrame(r.conn, msg); err != nil {
		return fmt.Errorf("failed to send packet %s: %w", FormatNodeID(id), err)
	}
	return nil
}

func (r *Radio) nextPacketID() uint32 {
	for {
		if id := r.nextID.Add(1); id != 0 {
			return id
		}
	}
}

func randomPacketSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// run owns the connect → read → reconnect cycle for the lifetime of the
// radio.
func (r *Radio) run(ctx context.Context) {
	defer close(r.done)

	reconnect := retry.RuntimeConfig
	reconnect.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("radio unreachable, retrying", "host", r.cfg.Host, "attempt", attempt, "err", err, "delay", delay)
	}

	for ctx.Err() == nil {
		if err := retry.Do(ctx, reconnect, func() error { return r.connect(ctx) }); err != nil {
			return // context cancelled
		}

		stop := context.AfterFunc(ctx, r.closeConn)
		err := r.readLoop(ctx)
		stop()
		r.closeConn()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("radio connection lost", "host", r.cfg.Host, "err", err)
	}
}

// connect dials the radio and runs the config handshake.
func (r *Radio) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial radio: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	reader := bufio.NewReader(conn)

	nonce := r.nextPacketID()
	want := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_WantConfigId{WantConfigId: nonce},
	}
	if err := writeFrame(conn, want); err != nil {
		conn.Close()
		return fmt.Errorf("failed to request radio config: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var fr meshtasticpb.FromRadio
		if err := readFrame(reader, &fr); err != nil {
			conn.Close()
			return fmt.Errorf("radio config handshake failed: %w", err)
		}
		if r.absorbConfig(ctx, &fr, nonce) {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	r.mu.Lock()
	r.conn = conn
	r.reader = reader
	r.connected = true
	r.mu.Unlock()

	slog.Info("radio connected",
		"host", r.cfg.Host,
		"node", FormatNodeID(r.myNodeNum),
		"channels", len(r.channels))
	return nil
}

// absorbConfig consumes one handshake frame, seeding the name directory and
// the channel table. It returns true on the config-complete marker.
func (r *Radio) absorbConfig(ctx context.Context, fr *meshtasticpb.FromRadio, nonce uint32) bool {
	if mi := fr.GetMyInfo(); mi != nil {
		r.myNodeNum = mi.GetMyNodeNum()
	}
	if ni := fr.GetNodeInfo(); ni != nil {
		if u := ni.GetUser(); u != nil {
			r.handler.HandleNodeInfo(ctx, FormatNodeID(ni.GetNum()), u.GetShortName(), u.GetLongName())
		}
	}
	if ch := fr.GetChannel(); ch != nil {
		if s := ch.GetSettings(); s != nil && s.GetName() != "" {
			r.channels[uint32(ch.GetIndex())] = s.GetName()
		}
	}
	return fr.GetConfigCompleteId() == nonce
}

// readLoop dispatches live frames until the stream breaks.
func (r *Radio) readLoop(ctx context.Context) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx)

	r.mu.Lock()
	reader := r.reader
	r.mu.Unlock()
	if reader == nil {
		return ErrRadioUnavailable
	}

	for {
		var fr meshtasticpb.FromRadio
		if err := readFrame(reader, &fr); err != nil {
			return err
		}
		if mp := fr.GetPacket(); mp != nil {
			r.handlePacket(ctx, mp)
			continue
		}
		if ni := fr.GetNodeInfo(); ni != nil {
			if u := ni.GetUser(); u != nil {
				r.handler.HandleNodeInfo(ctx, FormatNodeID(ni.GetNum()), u.GetShortName(), u.GetLongName())
			}
		}
	}
}

func (r *Radio) handlePacket(ctx context.Context, mp *meshtasticpb.MeshPacket) {
	if mp.GetId() == 0 {
		return
	}
	data := mp.GetDecoded()
	if data == nil {
		encrypted := mp.GetEncrypted()
		if len(encrypted) == 0 || r.key == nil {
			slog.Debug("dropping undecryptable radio packet", "packet", FormatNodeID(mp.GetId()))
			return
		}
		plain, err := CryptPayload(r.key, mp.GetId(), mp.GetFrom(), encrypted)
		if err != nil {
			slog.Debug("failed to decrypt radio packet", "packet", FormatNodeID(mp.GetId()), "err", err)
			return
		}
		var d meshtasticpb.Data
		if err := proto.Unmarshal(plain, &d); err != nil {
			slog.Debug("decrypted radio packet is not a valid payload", "packet", FormatNodeID(mp.GetId()), "err", err)
			return
		}
		mp.PayloadVariant = &meshtasticpb.MeshPacket_Decoded{Decoded: &d}
		data = &d
	}

	pkt := packetFromProto(mp, r.channels[mp.GetChannel()])
	if data.GetPortnum() == meshtasticpb.PortNum_NODEINFO_APP {
		var user meshtasticpb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err == nil {
			decodeUser(pkt, &user)
		}
	}
	stats := ReceptionStats{
		GatewayID: GatewayLAN,
		RSSI:      int(mp.GetRxRssi()),
		SNR:       float64(mp.GetRxSnr()),
		HopCount:  pkt.HopCount(),
		Timestamp: time.Now(),
	}
	r.handler.HandleMeshPacket(ctx, pkt, SourceLAN, stats)
}

// heartbeatLoop keeps the TCP session alive; radios drop silent clients.
func (r *Radio) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &meshtasticpb.ToRadio{
				PayloadVariant: &meshtasticpb.ToRadio_Heartbeat{Heartbeat: &meshtasticpb.Heartbeat{}},
			}
			r.mu.Lock()
			var err error
			if r.conn != nil {
				err = writeFrame(r.conn, hb)
			}
			r.mu.Unlock()
			if err != nil {
				slog.Debug("radio heartbeat failed", "err", err)
			}
		}
	}
}

func (r *Radio) closeConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
		r.reader = nil
	}
}

// writeFrame marshals msg and writes one length-prefixed frame.
func writeFrame(conn net.Conn, msg proto.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(payload) > radioMaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds radio limit", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = radioStart1
	frame[1] = radioStart2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame scans for the next well-formed frame and unmarshals it into msg.
// Bytes before the magic pair (radio debug output) are discarded, as are
// frames whose claimed length is impossible or whose payload fails to
// decode.
func readFrame(r *bufio.Reader, msg proto.Message) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != radioStart1 {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return err
		}
		if next != radioStart2 {
			if next == radioStart1 {
				_ = r.UnreadByte()
			}
			continue
		}
		header := make([]byte, 2)
		if _, err := io.ReadFull(r, header); err != nil {
			return err
		}
		size := int(binary.BigEndian.Uint16(header))
		if size > radioMaxFrame {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		if err := proto.Unmarshal(payload, msg); err != nil {
			slog.Debug("skipping undecodable radio frame", "size", size, "err", err)
			continue
		}
		return nil
	}
}
