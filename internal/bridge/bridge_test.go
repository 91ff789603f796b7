package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/meshbridge/internal/matrix"
	"github.com/bdobrica/meshbridge/internal/mesh"
	"github.com/bdobrica/meshbridge/internal/store"
)

type fakePost struct {
	EventID   string
	Plain     string
	HTML      string
	InReplyTo string
}

type fakeEdit struct {
	EventID string
	Plain   string
	HTML    string
}

type fakeMatrix struct {
	mu      sync.Mutex
	posts   []fakePost
	edits   []fakeEdit
	names   map[string]string
	postErr error
	nextID  int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{names: make(map[string]string)}
}

func (f *fakeMatrix) PostMessage(ctx context.Context, plain, html, inReplyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.nextID++
	id := fmt.Sprintf("$event-%d", f.nextID)
	f.posts = append(f.posts, fakePost{EventID: id, Plain: plain, HTML: html, InReplyTo: inReplyTo})
	return id, nil
}

func (f *fakeMatrix) EditMessage(ctx context.Context, eventID, plain, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, fakeEdit{EventID: eventID, Plain: plain, HTML: html})
	return nil
}

func (f *fakeMatrix) DisplayName(ctx context.Context, userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[userID]; ok {
		return name
	}
	return userID
}

func (f *fakeMatrix) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeMatrix) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeMatrix) lastEdit(t *testing.T) fakeEdit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("no edits recorded")
	}
	return f.edits[len(f.edits)-1]
}

type sentText struct {
	Text     string
	Channel  uint32
	ReplyID  uint32
	PacketID uint32
}

type sentTap struct {
	Target   uint32
	Emoji    string
	Channel  uint32
	PacketID uint32
}

type fakeSender struct {
	mu     sync.Mutex
	nextID uint32
	texts  []sentText
	taps   []sentTap
}

func newFakeSender() *fakeSender {
	return &fakeSender{nextID: 0x9000}
}

func (f *fakeSender) SendText(ctx context.Context, text string, channel, replyID uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, sentText{Text: text, Channel: channel, ReplyID: replyID, PacketID: f.nextID})
	return f.nextID, nil
}

func (f *fakeSender) SendTapback(ctx context.Context, target uint32, emoji string, channel uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.taps = append(f.taps, sentTap{Target: target, Emoji: emoji, Channel: channel, PacketID: f.nextID})
	return f.nextID, nil
}

type fakeMessageStore struct {
	mu   sync.Mutex
	recs map[uint32]store.MessageRecord
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{recs: make(map[uint32]store.MessageRecord)}
}

func (f *fakeMessageStore) SaveMessageState(ctx context.Context, rec store.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.PacketID] = rec
	return nil
}

func (f *fakeMessageStore) LoadMessageStates(ctx context.Context) ([]store.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.MessageRecord, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeMessageStore) DeleteMessageStates(ctx context.Context, packetIDs []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pid := range packetIDs {
		delete(f.recs, pid)
	}
	return nil
}

func (f *fakeMessageStore) has(pid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.recs[pid]
	return ok
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeMatrix, *fakeSender, *fakeMessageStore) {
	t.Helper()
	fm := newFakeMatrix()
	fs := newFakeSender()
	fst := newFakeMessageStore()
	b := New(cfg, fm, fs, fst, NewDirectory(nil))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, fm, fs, fst
}

// flushPersistence waits for every snapshot enqueued so far to reach the
// store.
func flushPersistence(t *testing.T, b *Bridge) {
	t.Helper()
	flush := make(chan struct{})
	b.persistCh <- persistJob{flush: flush}
	<-flush
}

func textPacket(id, from, channel uint32, text string) *mesh.Packet {
	return &mesh.Packet{ID: id, From: from, To: mesh.BroadcastAddr, Channel: channel, Port: mesh.PortText, Text: text, RxTime: time.Now()}
}

func rx(gateway string, rssi, hops int) mesh.ReceptionStats {
	return mesh.ReceptionStats{GatewayID: gateway, RSSI: rssi, SNR: 5.0, HopCount: hops, Timestamp: time.Now()}
}

func getState(b *Bridge, pid uint32) *MessageState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states.Get(pid)
}

func TestBridge_RelaysNewMessage(t *testing.T) {
	ctx := context.Background()
	b, fm, _, fst := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1", fm.postCount())
	}
	want := "Node!ae614908: hello\n(Received by: Node!ae61 (-40dB))"
	if fm.posts[0].Plain != want {
		t.Errorf("body:\n got %q\nwant %q", fm.posts[0].Plain, want)
	}
	if fm.posts[0].InReplyTo != "" {
		t.Errorf("top-level message should not be threaded, got reply to %q", fm.posts[0].InReplyTo)
	}

	st := getState(b, 0x1111)
	if st == nil {
		t.Fatal("no state recorded")
	}
	if st.MatrixEventID != fm.posts[0].EventID {
		t.Errorf("state event id: got %q, want %q", st.MatrixEventID, fm.posts[0].EventID)
	}

	flushPersistence(t, b)
	if !fst.has(0x1111) {
		t.Error("state not persisted")
	}
}

func TestBridge_MergesSecondGateway(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceLAN, rx("lan", -30, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1", fm.postCount())
	}
	if fm.editCount() != 1 {
		t.Fatalf("edits: got %d, want 1", fm.editCount())
	}
	edit := fm.lastEdit(t)
	if edit.EventID != fm.posts[0].EventID {
		t.Errorf("edit target: got %q, want %q", edit.EventID, fm.posts[0].EventID)
	}
	want := "Node!ae614908: hello\n(Received by: Node!ae61 (-40dB), lan (-30dB))"
	if edit.Plain != want {
		t.Errorf("body:\n got %q\nwant %q", edit.Plain, want)
	}
}

func TestBridge_DuplicateGatewayIsNoop(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -99, 0))

	if fm.postCount() != 1 {
		t.Errorf("posts: got %d, want 1", fm.postCount())
	}
	if fm.editCount() != 0 {
		t.Errorf("edits: got %d, want 0", fm.editCount())
	}
	st := getState(b, 0x1111)
	if len(st.Receptions) != 1 || st.Receptions[0].RSSI != -40 {
		t.Errorf("first observation not preserved: %+v", st.Receptions)
	}
}

func TestBridge_ReactionEditsParent(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	reaction := textPacket(0x2222, 0xBEEF, 0, "👍")
	reaction.Port = mesh.PortReaction
	reaction.ReplyID = 0x1111
	b.HandleMeshPacket(ctx, reaction, mesh.SourceMQTT, rx("!ae61", -52, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1 (reactions never post)", fm.postCount())
	}
	if fm.editCount() != 1 {
		t.Fatalf("edits: got %d, want 1", fm.editCount())
	}
	edit := fm.lastEdit(t)
	if edit.EventID != fm.posts[0].EventID {
		t.Errorf("edit target: got %q, want parent event %q", edit.EventID, fm.posts[0].EventID)
	}
	want := "Node!ae614908: hello\n(Received by: Node!ae61 (-40dB))\n  ↳ 👍 — Node!0000beef"
	if edit.Plain != want {
		t.Errorf("body:\n got %q\nwant %q", edit.Plain, want)
	}

	st := getState(b, 0x2222)
	if st == nil || !st.IsReaction {
		t.Fatal("reaction state missing or misclassified")
	}
	if st.MatrixEventID != "" {
		t.Errorf("reaction should not own an event, got %q", st.MatrixEventID)
	}
}

func TestBridge_ReactionWithUnknownParent(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	reaction := textPacket(0x2222, 0xBEEF, 0, "👍")
	reaction.Port = mesh.PortReaction
	reaction.ReplyID = 0x7777
	b.HandleMeshPacket(ctx, reaction, mesh.SourceMQTT, rx("!ae61", -52, 0))

	if fm.postCount() != 0 || fm.editCount() != 0 {
		t.Errorf("orphan reaction reached matrix: %d posts, %d edits", fm.postCount(), fm.editCount())
	}
	if getState(b, 0x2222) == nil {
		t.Error("orphan reaction state should be kept for dedup")
	}
}

func TestBridge_ReplyThreading(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x3333, 0xAE614908, 0, "anyone near the summit?"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	reply := textPacket(0x4444, 0xBEEF, 0, "me too")
	reply.ReplyID = 0x3333
	b.HandleMeshPacket(ctx, reply, mesh.SourceLAN, rx("lan", -55, 0))

	if fm.postCount() != 2 {
		t.Fatalf("posts: got %d, want 2", fm.postCount())
	}
	if fm.posts[1].InReplyTo != fm.posts[0].EventID {
		t.Errorf("reply threading: got %q, want %q", fm.posts[1].InReplyTo, fm.posts[0].EventID)
	}
	if fm.editCount() != 1 {
		t.Fatalf("edits: got %d, want 1 (parent refresh)", fm.editCount())
	}
	edit := fm.lastEdit(t)
	if edit.EventID != fm.posts[0].EventID {
		t.Errorf("edit target: got %q, want parent", edit.EventID)
	}
	if !strings.Contains(edit.Plain, "  ↳ Node!0000beef: me too (lan (-55dB))") {
		t.Errorf("parent body missing reply line:\n%s", edit.Plain)
	}
}

func TestBridge_ReplyToUnknownParentStaysStandalone(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	reply := textPacket(0x4444, 0xBEEF, 0, "me too")
	reply.ReplyID = 0x7777
	b.HandleMeshPacket(ctx, reply, mesh.SourceMQTT, rx("!ae61", -55, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1", fm.postCount())
	}
	if fm.posts[0].InReplyTo != "" {
		t.Errorf("unknown parent should not thread, got %q", fm.posts[0].InReplyTo)
	}

	// The parent arriving later does not backfill the link.
	b.HandleMeshPacket(ctx, textPacket(0x7777, 0xAE614908, 0, "original"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 2 {
		t.Fatalf("posts: got %d, want 2", fm.postCount())
	}
	if strings.Contains(fm.posts[1].Plain, "me too") {
		t.Error("late parent should not absorb the earlier reply")
	}
	if fm.editCount() != 0 {
		t.Errorf("edits: got %d, want 0", fm.editCount())
	}
}

func TestBridge_ReplyMergeRefreshesParentToo(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x3333, 0xAE614908, 0, "first"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	reply := textPacket(0x4444, 0xBEEF, 0, "me too")
	reply.ReplyID = 0x3333
	b.HandleMeshPacket(ctx, reply, mesh.SourceMQTT, rx("!ae61", -55, 0))

	before := fm.editCount()

	reply2 := textPacket(0x4444, 0xBEEF, 0, "me too")
	reply2.ReplyID = 0x3333
	b.HandleMeshPacket(ctx, reply2, mesh.SourceLAN, rx("lan", -30, 0))

	if got := fm.editCount() - before; got != 2 {
		t.Fatalf("edits after merge: got %d, want 2 (own event and parent)", got)
	}
	edit := fm.lastEdit(t)
	if edit.EventID != fm.posts[0].EventID {
		t.Errorf("final edit should refresh the parent, got %q", edit.EventID)
	}
	if !strings.Contains(edit.Plain, "lan (-30dB)") {
		t.Errorf("parent reply line missing merged stats:\n%s", edit.Plain)
	}
}

func TestBridge_SplitsLongMatrixMessage(t *testing.T) {
	ctx := context.Background()
	b, fm, fs, _ := newTestBridge(t, Config{})
	fm.names["@alice:example.org"] = "alice"

	body := strings.Repeat("a", 450)
	b.HandleMatrixMessage(ctx, matrix.MessageEvent{EventID: "$orig", Sender: "@alice:example.org", Body: body})

	if len(fs.texts) != 3 {
		t.Fatalf("sends: got %d, want 3", len(fs.texts))
	}
	for i, s := range fs.texts {
		if len(s.Text) > maxMeshTextBytes {
			t.Errorf("part %d is %d bytes, over the limit", i+1, len(s.Text))
		}
		if !strings.HasSuffix(s.Text, fmt.Sprintf(" (%d/3)", i+1)) {
			t.Errorf("part %d missing counter: %q", i+1, s.Text)
		}
		if s.ReplyID != 0 {
			t.Errorf("part %d carries a reply id %d", i+1, s.ReplyID)
		}
		st := getState(b, s.PacketID)
		if st == nil || !st.IsMatrixOrigin {
			t.Fatalf("part %d not registered for echo suppression", i+1)
		}
		if st.MatrixOriginEventID != "$orig" {
			t.Errorf("part %d origin event: got %q", i+1, st.MatrixOriginEventID)
		}
	}
	if !strings.HasPrefix(fs.texts[0].Text, "[alice]: ") {
		t.Errorf("first part missing sender prefix: %q", fs.texts[0].Text)
	}

	// Reactions to the original room event must target the first part.
	b.mu.Lock()
	st := b.states.GetByEvent("$orig")
	b.mu.Unlock()
	if st == nil || st.PacketID != fs.texts[0].PacketID {
		t.Error("origin event should resolve to the first part")
	}
	if fm.postCount() != 0 {
		t.Errorf("outbound sends should not post to matrix, got %d", fm.postCount())
	}
}

func TestBridge_EchoSuppression(t *testing.T) {
	ctx := context.Background()
	b, fm, fs, _ := newTestBridge(t, Config{})
	fm.names["@alice:example.org"] = "alice"

	b.HandleMatrixMessage(ctx, matrix.MessageEvent{EventID: "$orig", Sender: "@alice:example.org", Body: "hi mesh"})
	if len(fs.texts) != 1 {
		t.Fatalf("sends: got %d, want 1", len(fs.texts))
	}
	pid := fs.texts[0].PacketID

	// First echo: a stats-only event appears, without the message text and
	// without threading.
	echo := textPacket(pid, 0xB0DE0001, 0, fs.texts[0].Text)
	b.HandleMeshPacket(ctx, echo, mesh.SourceMQTT, rx("!gate0001", -50, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts after first echo: got %d, want 1", fm.postCount())
	}
	want := "(Received by: Node!gate0001 (-50dB))"
	if fm.posts[0].Plain != want {
		t.Errorf("stats event:\n got %q\nwant %q", fm.posts[0].Plain, want)
	}
	if strings.Contains(fm.posts[0].Plain, "hi mesh") {
		t.Error("echo re-relayed the message text")
	}
	if fm.posts[0].InReplyTo != "" {
		t.Error("stats event should not be threaded")
	}

	// Further echoes edit the stats event in place.
	echo2 := textPacket(pid, 0xB0DE0001, 0, fs.texts[0].Text)
	b.HandleMeshPacket(ctx, echo2, mesh.SourceLAN, rx("lan", -28, 0))

	if fm.postCount() != 1 {
		t.Errorf("posts after second echo: got %d, want 1", fm.postCount())
	}
	if fm.editCount() != 1 {
		t.Fatalf("edits after second echo: got %d, want 1", fm.editCount())
	}
	edit := fm.lastEdit(t)
	if edit.Plain != "(Received by: Node!gate0001 (-50dB), lan (-28dB))" {
		t.Errorf("stats edit: got %q", edit.Plain)
	}
}

func TestBridge_MatrixReactionBecomesTapback(t *testing.T) {
	ctx := context.Background()
	b, fm, fs, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	target := fm.posts[0].EventID

	b.HandleMatrixReaction(ctx, matrix.ReactionEvent{EventID: "$react", Sender: "@bob:example.org", Target: target, Key: "🎉"})

	if len(fs.taps) != 1 {
		t.Fatalf("tapbacks: got %d, want 1", len(fs.taps))
	}
	tap := fs.taps[0]
	if tap.Target != 0x1111 || tap.Emoji != "🎉" || tap.Channel != 0 {
		t.Errorf("tapback: got %+v", tap)
	}

	// The tapback's own mesh echo must not touch Matrix: the reaction is
	// already visible in the room.
	posts, edits := fm.postCount(), fm.editCount()
	echo := textPacket(tap.PacketID, 0xB0DE0001, 0, "🎉")
	echo.Port = mesh.PortReaction
	echo.ReplyID = 0x1111
	b.HandleMeshPacket(ctx, echo, mesh.SourceMQTT, rx("!gate0001", -50, 0))

	if fm.postCount() != posts || fm.editCount() != edits {
		t.Errorf("tapback echo touched matrix: %d posts, %d edits",
			fm.postCount()-posts, fm.editCount()-edits)
	}
}

func TestBridge_MatrixReactionToUnknownEvent(t *testing.T) {
	ctx := context.Background()
	b, _, fs, _ := newTestBridge(t, Config{})

	b.HandleMatrixReaction(ctx, matrix.ReactionEvent{EventID: "$react", Sender: "@bob:example.org", Target: "$unknown", Key: "🎉"})

	if len(fs.taps) != 0 {
		t.Errorf("tapbacks: got %d, want 0", len(fs.taps))
	}
}

func TestBridge_LegacyTapbackEchoSuppressed(t *testing.T) {
	ctx := context.Background()
	b, fm, fs, _ := newTestBridge(t, Config{})

	b.HandleMatrixMessage(ctx, matrix.MessageEvent{EventID: "$orig", Sender: "@alice:example.org", Body: "hi"})
	pid := fs.texts[0].PacketID

	legacy := textPacket(0x5151, 0xB0DE0001, 0, fmt.Sprintf("[Reaction to %s]: 👍", mesh.FormatNodeID(pid)))
	b.HandleMeshPacket(ctx, legacy, mesh.SourceMQTT, rx("!gate0001", -50, 0))

	if fm.postCount() != 0 || fm.editCount() != 0 {
		t.Errorf("suppressed echo reached matrix: %d posts, %d edits", fm.postCount(), fm.editCount())
	}
	if getState(b, 0x5151) != nil {
		t.Error("suppressed legacy echo should not leave a state behind")
	}
}

func TestBridge_LegacyReactionToMeshMessage(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	legacy := textPacket(0x5151, 0xBEEF, 0, "[Reaction to !00001111]: 👍")
	b.HandleMeshPacket(ctx, legacy, mesh.SourceMQTT, rx("!ae61", -52, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1", fm.postCount())
	}
	edit := fm.lastEdit(t)
	if !strings.Contains(edit.Plain, "  ↳ 👍 — Node!0000beef") {
		t.Errorf("legacy reaction not rendered on parent:\n%s", edit.Plain)
	}
}

func TestBridge_EmojiHeuristicReactsToLatest(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0xA1, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	b.HandleMeshPacket(ctx, textPacket(0xA2, 0xBEEF, 0, "🔥"), mesh.SourceMQTT, rx("!ae61", -52, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1 (bare emoji should react, not relay)", fm.postCount())
	}
	edit := fm.lastEdit(t)
	if !strings.Contains(edit.Plain, "  ↳ 🔥 — Node!0000beef") {
		t.Errorf("heuristic reaction not rendered:\n%s", edit.Plain)
	}
}

func TestBridge_ChannelFilterHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	b, fm, _, fst := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 5, "secret"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	nodeInfo := &mesh.Packet{ID: 0x2222, From: 0xBEEF, Channel: 5, Port: mesh.PortNodeInfo,
		Decoded: map[string]any{"shortName": "EVIL", "longName": "Should Not Appear"}}
	b.HandleMeshPacket(ctx, nodeInfo, mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 0 || fm.editCount() != 0 {
		t.Errorf("filtered packet reached matrix: %d posts, %d edits", fm.postCount(), fm.editCount())
	}
	if getState(b, 0x1111) != nil {
		t.Error("filtered packet left a state behind")
	}
	if got := b.names.DisplayName("!0000beef"); got != "Node!0000beef" {
		t.Errorf("filtered node info updated the directory: %q", got)
	}
	flushPersistence(t, b)
	if fst.count() != 0 {
		t.Errorf("filtered packet persisted %d records", fst.count())
	}
}

func TestBridge_ChannelAllowList(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{AllowedChannels: []string{"2", "LongFast"}})

	b.HandleMeshPacket(ctx, textPacket(0x0001, 0xAE614908, 2, "by index"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	byName := textPacket(0x0002, 0xAE614908, 3, "by name")
	byName.ChannelName = "longfast"
	b.HandleMeshPacket(ctx, byName, mesh.SourceMQTT, rx("!ae61", -40, 0))

	b.HandleMeshPacket(ctx, textPacket(0x0003, 0xAE614908, 0, "default channel"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 2 {
		t.Errorf("posts: got %d, want 2 (index and name matches only)", fm.postCount())
	}
	if getState(b, 0x0003) != nil {
		t.Error("channel 0 admitted despite not being listed")
	}
}

func TestBridge_NodeInfoNamesLaterTraffic(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	nodeInfo := &mesh.Packet{ID: 0x2222, From: 0xAE614908, Channel: 0, Port: mesh.PortNodeInfo,
		Decoded: map[string]any{"shortName": "ALPH", "longName": "Alpha Station"}}
	b.HandleMeshPacket(ctx, nodeInfo, mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 0 {
		t.Fatalf("node info should not post, got %d", fm.postCount())
	}

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 1 {
		t.Fatalf("posts: got %d, want 1", fm.postCount())
	}
	if !strings.HasPrefix(fm.posts[0].Plain, "ALPH: hello") {
		t.Errorf("sender name not applied: %q", fm.posts[0].Plain)
	}
}

func TestBridge_RecoversAcrossRestart(t *testing.T) {
	ctx := context.Background()
	fst := newFakeMessageStore()

	fm1 := newFakeMatrix()
	b1 := New(Config{}, fm1, newFakeSender(), fst, NewDirectory(nil))
	if err := b1.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b1.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	firstEvent := fm1.posts[0].EventID
	b1.Stop()

	fm2 := newFakeMatrix()
	b2 := New(Config{}, fm2, newFakeSender(), fst, NewDirectory(nil))
	if err := b2.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(b2.Stop)

	b2.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceLAN, rx("lan", -30, 0))

	if fm2.postCount() != 0 {
		t.Fatalf("recovered packet re-posted: got %d posts", fm2.postCount())
	}
	if fm2.editCount() != 1 {
		t.Fatalf("edits: got %d, want 1", fm2.editCount())
	}
	edit := fm2.lastEdit(t)
	if edit.EventID != firstEvent {
		t.Errorf("edit target: got %q, want the pre-restart event %q", edit.EventID, firstEvent)
	}
	want := "Node!ae614908: hello\n(Received by: Node!ae61 (-40dB), lan (-30dB))"
	if edit.Plain != want {
		t.Errorf("body:\n got %q\nwant %q", edit.Plain, want)
	}
}

func TestBridge_ConvergesUnderConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	b, fm, _, _ := newTestBridge(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			gw := fmt.Sprintf("!gate%04d", n)
			b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx(gw, -40-n, 0))
		}(i)
	}
	wg.Wait()

	if fm.postCount() != 1 {
		t.Errorf("posts: got %d, want exactly 1", fm.postCount())
	}
	if fm.editCount() != 7 {
		t.Errorf("edits: got %d, want 7", fm.editCount())
	}
	st := getState(b, 0x1111)
	if len(st.Receptions) != 8 {
		t.Errorf("receptions: got %d, want 8", len(st.Receptions))
	}
}

func TestBridge_ReceptionSetIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	gateways := []string{"!gate0001", "!gate0002", "lan"}

	run := func(order []string) []string {
		b, _, _, _ := newTestBridge(t, Config{})
		for _, gw := range order {
			b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx(gw, -40, 0))
		}
		st := getState(b, 0x1111)
		got := make([]string, 0, len(st.Receptions))
		for _, r := range st.Receptions {
			got = append(got, r.GatewayID)
		}
		sort.Strings(got)
		return got
	}

	forward := run(gateways)
	reversed := run([]string{"lan", "!gate0002", "!gate0001"})

	if len(forward) != 3 || len(reversed) != 3 {
		t.Fatalf("reception sets incomplete: %v vs %v", forward, reversed)
	}
	for i := range forward {
		if forward[i] != reversed[i] {
			t.Fatalf("reception sets differ: %v vs %v", forward, reversed)
		}
	}
}

func TestBridge_MatrixReplyFollowsParentChannel(t *testing.T) {
	ctx := context.Background()
	b, fm, fs, _ := newTestBridge(t, Config{AllowedChannels: []string{"2"}, DefaultChannel: 0})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 2, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	parentEvent := fm.posts[0].EventID

	b.HandleMatrixMessage(ctx, matrix.MessageEvent{EventID: "$re", Sender: "@bob:example.org", Body: "hi back", ReplyTo: parentEvent})

	if len(fs.texts) != 1 {
		t.Fatalf("sends: got %d, want 1", len(fs.texts))
	}
	if fs.texts[0].Channel != 2 {
		t.Errorf("channel: got %d, want the parent's channel 2", fs.texts[0].Channel)
	}
	if fs.texts[0].ReplyID != 0x1111 {
		t.Errorf("reply id: got %#x, want 0x1111", fs.texts[0].ReplyID)
	}
}

func TestBridge_EvictsByAge(t *testing.T) {
	ctx := context.Background()
	b, fm, _, fst := newTestBridge(t, Config{})

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "old"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	b.HandleMeshPacket(ctx, textPacket(0x2222, 0xAE614908, 0, "fresh"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	flushPersistence(t, b)

	b.mu.Lock()
	b.states.Get(0x1111).LastUpdateAt = time.Now().Add(-25 * time.Hour)
	b.mu.Unlock()

	b.evictStale(ctx)

	if getState(b, 0x1111) != nil {
		t.Error("aged state still in the index")
	}
	if getState(b, 0x2222) == nil {
		t.Error("fresh state evicted")
	}
	if fst.has(0x1111) {
		t.Error("aged state still in the store")
	}
	if !fst.has(0x2222) {
		t.Error("fresh state deleted from the store")
	}

	// Same packet id arriving again is a fresh message, not a merge.
	posts := fm.postCount()
	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "old"), mesh.SourceMQTT, rx("!ae61", -40, 0))
	if fm.postCount() != posts+1 {
		t.Errorf("re-arrival after eviction should post anew")
	}
}

func TestBridge_EvictsBySize(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBridge(t, Config{MaxSize: 2})

	now := time.Now()
	for i, pid := range []uint32{0x0001, 0x0002, 0x0003} {
		b.HandleMeshPacket(ctx, textPacket(pid, 0xAE614908, 0, fmt.Sprintf("msg %d", i)), mesh.SourceMQTT, rx("!ae61", -40, 0))
		b.mu.Lock()
		b.states.Get(pid).LastUpdateAt = now.Add(time.Duration(i) * time.Second)
		b.mu.Unlock()
	}

	b.evictStale(ctx)

	if getState(b, 0x0001) != nil {
		t.Error("oldest state should be evicted first")
	}
	if getState(b, 0x0002) == nil || getState(b, 0x0003) == nil {
		t.Error("newer states should survive the size cap")
	}
}

func TestBridge_StopRejectsNewWork(t *testing.T) {
	ctx := context.Background()
	fm := newFakeMatrix()
	b := New(Config{}, fm, newFakeSender(), nil, NewDirectory(nil))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Stop()
	b.Stop() // idempotent

	b.HandleMeshPacket(ctx, textPacket(0x1111, 0xAE614908, 0, "hello"), mesh.SourceMQTT, rx("!ae61", -40, 0))

	if fm.postCount() != 0 {
		t.Errorf("handler ran after Stop: %d posts", fm.postCount())
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		pkt  *mesh.Packet
		want string
	}{
		{"typed text", &mesh.Packet{Text: "hello"}, "hello"},
		{"decoded text", &mesh.Packet{Decoded: map[string]any{"text": "from payload"}}, "from payload"},
		{"decoded emoji", &mesh.Packet{Decoded: map[string]any{"emoji": "👍"}}, "👍"},
		{"raw utf8 payload", &mesh.Packet{Payload: []byte("raw")}, "raw"},
		{"binary payload", &mesh.Packet{Payload: []byte{0xff, 0xfe}}, ""},
		{"empty", &mesh.Packet{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.pkt); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
