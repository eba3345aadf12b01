package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/chat"
	"chatsync/internal/events"
	"chatsync/internal/mention"
	"chatsync/internal/models"
	"chatsync/internal/roster"
	"chatsync/internal/ws"

	"github.com/google/uuid"
)

// DefaultTypingTTL is how long a typing indicator stays visible without a refresh.
const DefaultTypingTTL = 10 * time.Second

// API is the REST side of a room.
type API interface {
	Room(ctx context.Context, roomID string) (api.Room, error)
	JoinRoom(ctx context.Context, roomID string) error
	Members(ctx context.Context, roomID string, page, limit int) (models.MembersPage, error)
	Upload(ctx context.Context, roomID, userID, fileName string, r io.Reader) (json.RawMessage, error)
	SendSticker(ctx context.Context, roomID, userID, stickerID string) (json.RawMessage, error)
	Stickers(ctx context.Context) ([]models.Sticker, error)
}

// Recorder receives every confirmed message that enters the timeline.
type Recorder interface {
	Record(roomID string, m models.Message) error
}

type Config struct {
	RoomID string
	// User is the local user; temp messages are attributed to it.
	User   models.User
	Tokens auth.TokenProvider
	API    API
	WS     ws.Config
	// AssetBase prefixes relative upload and sticker paths.
	AssetBase      string
	MaxMessages    int
	MemberPageSize int
	TypingTTL      time.Duration
	Recorder       Recorder
	Logger         *slog.Logger
	Now            func() time.Time
	// OnChange is called with a fresh state after every change. It may be
	// called from any goroutine.
	OnChange func(State)
}

// State is an immutable view of the session.
type State struct {
	Connected   bool
	Conn        ws.State
	Messages    []models.Message
	TypingUsers []string
	IsMember    bool
	ReplyTo     *models.Message
	// Err is the last terminal connection error, cleared on a successful open.
	Err error
}

// Session owns everything that belongs to one open room: the socket, the
// timeline, the roster and the mention resolver. Disconnect releases it.
type Session struct {
	cfg      Config
	log      *slog.Logger
	decoder  *events.Decoder
	rest     *events.Decoder
	conn     *ws.Manager
	store    *chat.Store
	roster   *roster.Roster
	mentions *mention.Resolver

	mu        sync.Mutex
	connected bool
	isMember  bool
	err       error
	replyTo   *models.Message
	typing    map[string]time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.API == nil {
		return nil, errors.New("api client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.WS.Logger == nil {
		cfg.WS.Logger = cfg.Logger
	}
	if cfg.WS.Now == nil {
		cfg.WS.Now = cfg.Now
	}

	s := &Session{
		cfg:    cfg,
		log:    cfg.Logger.With("room_id", cfg.RoomID),
		typing: make(map[string]time.Time),
	}

	s.decoder = events.NewDecoder(cfg.AssetBase)
	s.decoder.Now = cfg.Now
	// REST descriptors without an id are left to the socket echo.
	s.rest = events.NewDecoder(cfg.AssetBase)
	s.rest.Now = cfg.Now
	s.rest.NewID = func() string { return "" }

	s.store = chat.New(chat.Config{
		MaxMessages:     cfg.MaxMessages,
		ChangeCallback:  func([]models.Message) { s.emit() },
		ConfirmCallback: s.record,
	})
	s.roster = roster.New(cfg.RoomID, cfg.API, cfg.MemberPageSize, cfg.Logger)
	s.mentions = mention.New(s.roster)
	s.conn = ws.NewManager(cfg.WS, s.onFrame, s.onStatus)
	return s, nil
}

// Join makes sure the user is a member of the room, loads the first roster
// page and opens the socket. The socket is never opened for a non-member.
func (s *Session) Join(ctx context.Context) error {
	room, err := s.cfg.API.Room(ctx, s.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("%w: failed to load room: %w", models.ErrApplication, err)
	}

	if !room.IsMember {
		s.log.Info("joining room")
		if err := s.cfg.API.JoinRoom(ctx, s.cfg.RoomID); err != nil {
			return fmt.Errorf("%w: failed to join room: %w", models.ErrApplication, err)
		}
		room, err = s.cfg.API.Room(ctx, s.cfg.RoomID)
		if err != nil {
			return fmt.Errorf("%w: failed to load room: %w", models.ErrApplication, err)
		}
		if !room.IsMember {
			return models.Applicationf("not a member of room %s after joining", s.cfg.RoomID)
		}
	}

	s.mu.Lock()
	s.isMember = true
	s.mu.Unlock()
	s.emit()

	if err := s.roster.Load(ctx, 1, false); err != nil {
		s.log.Warn("failed to load members", "error", err)
	}

	return s.conn.Connect(ctx, s.cfg.RoomID, s.cfg.Tokens)
}

// Disconnect closes the socket. No frame of this session is applied afterwards.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
	s.mu.Lock()
	clear(s.typing)
	s.mu.Unlock()
}

// Send shows text as a temp message right away and transmits it, as a
// reply when a reply target is set. The temp message is returned.
func (s *Session) Send(text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, models.Applicationf("message is empty")
	}
	if err := s.ready(); err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	reply := s.replyTo
	s.replyTo = nil
	s.mu.Unlock()

	temp := models.Message{
		ID:        "temp-" + uuid.NewString(),
		Sender:    s.cfg.User,
		Variant:   models.VariantText,
		Text:      text,
		Timestamp: s.cfg.Now(),
		IsTemp:    true,
		Mentions:  s.mentions.Extract(text),
	}
	frame := text
	if reply != nil {
		sender := reply.Sender
		temp.ReplyTo = &models.ReplyRef{ID: reply.ID, Text: reply.Text, Sender: &sender}
		frame = fmt.Sprintf("/reply %s %s", reply.ID, text)
	}

	s.store.Add(temp)
	if err := s.conn.Send(frame); err != nil {
		s.store.Remove(temp.ID)
		if reply != nil {
			s.mu.Lock()
			if s.replyTo == nil {
				s.replyTo = reply
			}
			s.mu.Unlock()
		}
		return models.Message{}, err
	}
	return temp, nil
}

// Unsend retracts one of the user's own confirmed messages. The local copy is
// tombstoned immediately; the server confirmation removes it.
func (s *Session) Unsend(messageID string) error {
	m, ok := s.store.Lookup(messageID)
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if m.IsTemp {
		return models.Applicationf("message %s is not confirmed yet", messageID)
	}
	if m.Sender.ID != s.cfg.User.ID {
		return models.Applicationf("message %s belongs to another user", messageID)
	}
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.conn.Send("/unsend " + messageID); err != nil {
		return err
	}
	s.store.Tombstone(messageID)
	return nil
}

// SetReplyTo makes the next Send a reply to messageID.
func (s *Session) SetReplyTo(messageID string) error {
	m, ok := s.store.Lookup(messageID)
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	if m.IsTemp {
		return models.Applicationf("cannot reply to an unconfirmed message")
	}
	if m.Deleted {
		return models.Applicationf("cannot reply to a deleted message")
	}
	s.mu.Lock()
	s.replyTo = &m
	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) ClearReply() {
	s.mu.Lock()
	s.replyTo = nil
	s.mu.Unlock()
	s.emit()
}

// SendFile uploads r and inserts the returned message descriptor. A
// descriptor without an id is not inserted; the socket echo delivers it.
func (s *Session) SendFile(ctx context.Context, fileName string, r io.Reader) (models.Message, error) {
	if err := s.member(); err != nil {
		return models.Message{}, err
	}
	raw, err := s.cfg.API.Upload(ctx, s.cfg.RoomID, s.cfg.User.ID, fileName, r)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to upload %s: %w", fileName, err)
	}
	return s.insertDescriptor(raw), nil
}

func (s *Session) SendSticker(ctx context.Context, stickerID string) (models.Message, error) {
	if err := s.member(); err != nil {
		return models.Message{}, err
	}
	raw, err := s.cfg.API.SendSticker(ctx, s.cfg.RoomID, s.cfg.User.ID, stickerID)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to send sticker %s: %w", stickerID, err)
	}
	return s.insertDescriptor(raw), nil
}

func (s *Session) Stickers(ctx context.Context) ([]models.Sticker, error) {
	return s.cfg.API.Stickers(ctx)
}

func (s *Session) insertDescriptor(raw json.RawMessage) models.Message {
	ev, err := s.rest.Decode(raw, s.store)
	if err != nil {
		s.log.Warn("unreadable upload response", "error", err)
		return models.Message{}
	}
	me, ok := ev.(events.MessageEvent)
	if !ok {
		return models.Message{}
	}
	m := me.Message
	if m.Sender.ID == "" {
		m.Sender = s.cfg.User
	}
	if m.ID != "" {
		s.store.Add(m)
	}
	return m
}

type readReceipt struct {
	EventType string `json:"eventType"`
	Payload   struct {
		MessageID string `json:"messageId"`
	} `json:"payload"`
}

// MarkRead reports messageID as read and marks the local copy.
func (s *Session) MarkRead(messageID string) error {
	if _, ok := s.store.Lookup(messageID); !ok {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	frame := readReceipt{EventType: string(models.ControlRead)}
	frame.Payload.MessageID = messageID
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.Send(string(data)); err != nil {
		return err
	}
	s.store.MarkRead(messageID)
	return nil
}

func (s *Session) Messages() []models.Message {
	return s.store.Snapshot()
}

// Groups returns the timeline split into display groups.
func (s *Session) Groups() [][]models.Message {
	return chat.Group(s.store.Snapshot())
}

func (s *Session) OnTextChanged(text string) []mention.Suggestion {
	return s.mentions.OnTextChanged(text)
}

func (s *Session) SelectSuggestion(text string, suggestion mention.Suggestion) string {
	return s.mentions.OnSuggestionSelected(text, suggestion)
}

func (s *Session) Members() []models.RoomMember {
	return s.roster.Members()
}

// Member looks up a loaded room member by user id.
func (s *Session) Member(userID string) (models.RoomMember, bool) {
	return s.roster.Member(userID)
}

// MemberStats reports how many members are loaded, the room total and
// whether a page request is in flight.
func (s *Session) MemberStats() (loaded, total int, loading bool) {
	return len(s.roster.Members()), s.roster.Total(), s.roster.Loading()
}

// LoadMoreMembers fetches the next roster page. When the first page never
// loaded it is requested again instead.
func (s *Session) LoadMoreMembers(ctx context.Context) error {
	if !s.roster.Loaded() {
		return s.roster.Load(ctx, 1, false)
	}
	return s.roster.LoadMore(ctx)
}

func (s *Session) State() State {
	st := State{
		Conn:     s.conn.State(),
		Messages: s.store.Snapshot(),
	}

	now := s.cfg.Now()
	s.mu.Lock()
	st.Connected = s.connected
	st.IsMember = s.isMember
	st.Err = s.err
	if s.replyTo != nil {
		r := *s.replyTo
		st.ReplyTo = &r
	}
	for id, at := range s.typing {
		if now.Sub(at) >= s.cfg.TypingTTL {
			delete(s.typing, id)
			continue
		}
		st.TypingUsers = append(st.TypingUsers, id)
	}
	s.mu.Unlock()

	slices.Sort(st.TypingUsers)
	return st
}

func (s *Session) ready() error {
	if err := s.member(); err != nil {
		return err
	}
	if s.conn.State() != ws.Open {
		return models.Applicationf("not connected to room %s", s.cfg.RoomID)
	}
	return nil
}

func (s *Session) member() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isMember {
		return models.Applicationf("not a member of room %s", s.cfg.RoomID)
	}
	return nil
}

func (s *Session) onFrame(raw []byte) {
	ev, err := s.decoder.Decode(raw, s.store)
	if err != nil {
		s.log.Warn("dropping frame", "error", err)
		return
	}

	switch e := ev.(type) {
	case events.MessageEvent:
		s.store.Add(e.Message)
	case events.Batch:
		for _, perr := range e.Errors {
			s.log.Warn("dropping history item", "error", perr)
		}
		for _, m := range e.Messages {
			s.store.Add(m)
		}
	case events.Control:
		s.control(e.ControlEvent)
	case events.Ignore:
	}
}

func (s *Session) control(c models.ControlEvent) {
	switch c.Kind {
	case models.ControlUnsend:
		s.mu.Lock()
		if s.replyTo != nil && s.replyTo.ID == c.MessageID {
			s.replyTo = nil
		}
		s.mu.Unlock()
		if !s.store.Remove(c.MessageID) {
			s.emit()
		}
	case models.ControlRead:
		s.store.MarkRead(c.MessageID)
	case models.ControlTyping:
		if c.UserID == s.cfg.User.ID {
			return
		}
		s.mu.Lock()
		if c.Typing {
			s.typing[c.UserID] = s.cfg.Now()
		} else {
			delete(s.typing, c.UserID)
		}
		s.mu.Unlock()
		s.emit()
	}
}

func (s *Session) onStatus(st ws.Status) {
	s.mu.Lock()
	s.connected = st.Connected
	if st.Connected {
		s.err = nil
	} else if st.Err != nil {
		s.err = st.Err
	}
	s.mu.Unlock()

	switch {
	case errors.Is(st.Err, models.ErrReconnectExhausted), errors.Is(st.Err, models.ErrAuth):
		s.log.Error("connection lost", "error", st.Err)
	case st.Err != nil:
		s.log.Warn("connection interrupted", "state", st.State.String(), "error", st.Err)
	case st.Connected:
		s.log.Info("connected")
	}
	s.emit()
}

func (s *Session) record(m models.Message) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.Record(s.cfg.RoomID, m); err != nil {
		s.log.Warn("failed to record message", "message_id", m.ID, "error", err)
	}
}

func (s *Session) emit() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.State())
	}
}
