// Package matrix provides the bridge's Matrix side: one client bound to one
// room, posting and editing bridged mesh messages and feeding room activity
// back to the bridge.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/meshbridge/internal/store"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver string
	UserID     string
	// Password authenticates via m.login.password. Synapse access tokens
	// sometimes land here; they are recognised by their syt_ prefix and used
	// directly.
	Password    string
	AccessToken string
	// Room is the bridged room, as an !id or a #alias to resolve.
	Room string
}

// MessageEvent is a room message as handed to the bridge: fallback quotes
// already stripped, edits already filtered out.
type MessageEvent struct {
	EventID string
	Sender  string
	Body    string
	// ReplyTo is the replied-to event id, empty for top-level messages.
	ReplyTo string
}

// ReactionEvent is a room reaction as handed to the bridge.
type ReactionEvent struct {
	EventID string
	Sender  string
	// Target is the event id the reaction annotates.
	Target string
	// Key is the reaction emoji.
	Key string
}

// Client wraps the Matrix client.
type Client struct {
	client *mautrix.Client
	cfg    Config
	roomID id.RoomID
	stopCh chan struct{}

	// OnMessage and OnReaction are invoked from the sync goroutine for room
	// activity by other users. Set both before Start.
	OnMessage  func(ctx context.Context, msg MessageEvent)
	OnReaction func(ctx context.Context, reaction ReactionEvent)
}

// New creates the client. When st is non-nil the sync position is persisted
// there, so a restart resumes instead of replaying room history.
func New(cfg Config, st *store.Store) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}

	if st != nil {
		client.Store = &syncStore{store: st}
	} else {
		slog.Warn("matrix sync position is not persisted, history will replay on restart")
	}

	return &Client{
		client: client,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start authenticates, resolves and joins the bridged room, and launches the
// sync loop. Authentication failures are fatal; sync drops after startup are
// retried with backoff.
func (c *Client) Start(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}

	roomID, err := c.resolveRoom(ctx)
	if err != nil {
		return err
	}
	c.roomID = roomID
	if err := c.joinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)

	go c.syncLoop()
	return nil
}

// Stop ends the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the authenticated user id. Only valid after Start.
func (c *Client) UserID() string {
	return c.client.UserID.String()
}

// RoomID returns the resolved bridged room id. Only valid after Start.
func (c *Client) RoomID() string {
	return c.roomID.String()
}

// PostMessage sends a message to the bridged room and returns its event id.
// A non-empty inReplyTo threads the message under an existing event.
func (c *Client) PostMessage(ctx context.Context, plain, html, inReplyTo string) (string, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if inReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(inReplyTo)},
		}
	}

	resp, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// EditMessage replaces the content of a previously posted event.
func (c *Client) EditMessage(ctx context.Context, eventID, plain, html string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	content.SetEdit(id.EventID(eventID))

	if _, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to edit message %s: %w", eventID, err)
	}
	return nil
}

// DisplayName resolves a user's name for mesh-bound messages: the
// room-specific name wins over the global profile, and the raw user id is
// the last resort.
func (c *Client) DisplayName(ctx context.Context, userID string) string {
	uid := id.UserID(userID)

	var member event.MemberEventContent
	err := c.client.StateEvent(ctx, c.roomID, event.StateMember, uid.String(), &member)
	if err == nil && member.Displayname != "" {
		return member.Displayname
	}

	profile, err := c.client.GetProfile(ctx, uid)
	if err == nil && profile.DisplayName != "" {
		return profile.DisplayName
	}
	return userID
}

func (c *Client) authenticate(ctx context.Context) error {
	token := c.cfg.AccessToken
	password := c.cfg.Password
	if token == "" && strings.HasPrefix(password, "syt_") {
		token = password
		password = ""
	}

	if token != "" {
		c.client.UserID = id.UserID(c.cfg.UserID)
		c.client.AccessToken = token
		whoami, err := c.client.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("failed to validate matrix access token: %w", err)
		}
		c.client.UserID = whoami.UserID
		slog.Info("matrix authenticated", "user", whoami.UserID)
		return nil
	}

	if password == "" {
		return fmt.Errorf("matrix needs an access token or a password")
	}
	resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: c.cfg.UserID},
		Password:         password,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("failed to log in to matrix: %w", err)
	}
	slog.Info("matrix logged in", "user", resp.UserID)
	return nil
}

func (c *Client) resolveRoom(ctx context.Context) (id.RoomID, error) {
	room := c.cfg.Room
	if !strings.HasPrefix(room, "#") {
		return id.RoomID(room), nil
	}
	resp, err := c.client.ResolveAlias(ctx, id.RoomAlias(room))
	if err != nil {
		return "", fmt.Errorf("failed to resolve room alias %s: %w", room, err)
	}
	slog.Info("resolved room alias", "alias", room, "room", resp.RoomID)
	return resp.RoomID, nil
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is what homeservers return when the user is already a
		// member of an invite-only room.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("join refused, assuming existing membership", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// syncLoop keeps /sync running with exponential backoff. A sync that stayed
// healthy for a while resets the backoff.
func (c *Client) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		started := time.Now()
		err := c.client.Sync()
		if err == nil {
			// Sync returns nil only after a clean StopSync.
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		if time.Since(started) > time.Minute {
			backoff = backoffMin
		}
		slog.Error("matrix sync stopped, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.RoomID != c.roomID || evt.Sender == c.client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	if content.RelatesTo.GetReplaceID() != "" {
		slog.Debug("ignoring matrix edit", "event", evt.ID)
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	replyTo := content.RelatesTo.GetReplyTo()
	content.RemoveReplyFallback()

	if c.OnMessage != nil {
		c.OnMessage(ctx, MessageEvent{
			EventID: evt.ID.String(),
			Sender:  evt.Sender.String(),
			Body:    content.Body,
			ReplyTo: replyTo.String(),
		})
	}
}

func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.RoomID != c.roomID || evt.Sender == c.client.UserID {
		return
	}
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.Type != event.RelAnnotation {
		return
	}

	if c.OnReaction != nil {
		c.OnReaction(ctx, ReactionEvent{
			EventID: evt.ID.String(),
			Sender:  evt.Sender.String(),
			Target:  content.RelatesTo.EventID.String(),
			Key:     content.RelatesTo.Key,
		})
	}
}
