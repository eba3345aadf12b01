package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/content"
	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"github.com/h2non/filetype"
)

const (
	DefaultStickerTTL = 5 * time.Minute

	stickerCacheKey = "catalog"
	maxErrorBody    = 512
)

type Config struct {
	// APIBase serves rooms, members and uploads.
	APIBase string
	// ChatBase serves stickers.
	ChatBase   string
	Tokens     auth.TokenProvider
	HTTPClient *http.Client
	StickerTTL time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client talks to the REST side of the chat backend.
type Client struct {
	cfg      Config
	http     *http.Client
	log      *slog.Logger
	stickers *geche.MapTTLCache[string, []models.Sticker]
}

// Room is the membership view of a room.
type Room struct {
	ID       string `json:"_id"`
	IsMember bool   `json:"isMember"`
}

// New creates a client. ctx bounds the sticker cache janitor.
func New(ctx context.Context, cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.StickerTTL <= 0 {
		cfg.StickerTTL = DefaultStickerTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.ChatBase = strings.TrimRight(cfg.ChatBase, "/")
	return &Client{
		cfg:      cfg,
		http:     cfg.HTTPClient,
		log:      logger,
		stickers: geche.NewMapTTLCache[string, []models.Sticker](ctx, cfg.StickerTTL, time.Minute),
	}
}

// Room fetches GET {apiBase}/rooms/{id}.
func (c *Client) Room(ctx context.Context, roomID string) (Room, error) {
	var raw struct {
		ID        string `json:"_id"`
		AltID     string `json:"id"`
		IsMember  *bool  `json:"isMember"`
		IsMember2 *bool  `json:"is_member"`
	}
	if err := c.do(ctx, http.MethodGet, c.cfg.APIBase+"/rooms/"+url.PathEscape(roomID), "", nil, &raw); err != nil {
		return Room{}, err
	}
	room := Room{ID: raw.ID}
	if room.ID == "" {
		room.ID = raw.AltID
	}
	if raw.IsMember != nil {
		room.IsMember = *raw.IsMember
	} else if raw.IsMember2 != nil {
		room.IsMember = *raw.IsMember2
	}
	return room, nil
}

// JoinRoom posts {apiBase}/rooms/{id}/join.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, c.cfg.APIBase+"/rooms/"+url.PathEscape(roomID)+"/join", "", nil, nil)
}

// Members fetches one page of the room roster.
func (c *Client) Members(ctx context.Context, roomID string, page, limit int) (models.MembersPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.cfg.APIBase + "/rooms/" + url.PathEscape(roomID) + "/members?" + q.Encode()

	var raw struct {
		Members []struct {
			UserID string `json:"user_id"`
			User   struct {
				ID       string          `json:"_id"`
				Name     models.UserName `json:"name"`
				Username string          `json:"username"`
				Avatar   string          `json:"profile_image_url"`
			} `json:"user"`
		} `json:"members"`
		Total int `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &raw); err != nil {
		return models.MembersPage{}, err
	}

	res := models.MembersPage{Page: page, Limit: limit, Total: raw.Total}
	for _, m := range raw.Members {
		id := m.User.ID
		if id == "" {
			id = m.UserID
		}
		res.Members = append(res.Members, models.RoomMember{
			UserID: id,
			User: models.User{
				ID: id,
				Name: models.UserName{
					First:  content.Sanitize(m.User.Name.First),
					Middle: content.Sanitize(m.User.Name.Middle),
					Last:   content.Sanitize(m.User.Name.Last),
				},
				Username: content.Sanitize(m.User.Username),
			},
			AvatarURL: m.User.Avatar,
		})
	}
	return res, nil
}

// Upload sends a file as multipart form data (file, roomId, userId) and
// returns the message descriptor the server created for it.
func (c *Client) Upload(ctx context.Context, roomID, userID, fileName string, r io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, models.Applicationf("file %q is empty", fileName)
	}

	mime := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.WriteField("roomId", roomID); err != nil {
		return nil, fmt.Errorf("failed to write roomId: %w", err)
	}
	if err := w.WriteField("userId", userID); err != nil {
		return nil, fmt.Errorf("failed to write userId: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.cfg.APIBase+"/uploads", w.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}
	c.log.Info("file uploaded", "room_id", roomID, "name", fileName, "mime", mime, "size", len(data))
	return out, nil
}

// SendSticker posts a catalog sticker to the room.
func (c *Client) SendSticker(ctx context.Context, roomID, userID, stickerID string) (json.RawMessage, error) {
	payload, err := json.Marshal(struct {
		UserID    string `json:"userId"`
		StickerID string `json:"stickerId"`
	}{userID, stickerID})
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	endpoint := c.cfg.ChatBase + "/chat/rooms/" + url.PathEscape(roomID) + "/stickers"
	if err := c.do(ctx, http.MethodPost, endpoint, "application/json", bytes.NewReader(payload), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stickers returns the sticker catalog, cached for StickerTTL.
func (c *Client) Stickers(ctx context.Context) ([]models.Sticker, error) {
	if cached, err := c.stickers.Get(stickerCacheKey); err == nil {
		return cached, nil
	}

	var raw []struct {
		OID   string `json:"_id"`
		ID    string `json:"id"`
		Image string `json:"image"`
	}
	if err := c.do(ctx, http.MethodGet, c.cfg.ChatBase+"/api/stickers", "", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.Sticker, 0, len(raw))
	for _, s := range raw {
		id := s.OID
		if id == "" {
			id = s.ID
		}
		out = append(out, models.Sticker{ID: id, Image: s.Image})
	}
	c.stickers.Set(stickerCacheKey, out)
	return out, nil
}

// do performs an authorized request. Responses wrapped as {"data": ...} are
// unwrapped before decoding into out.
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	token, err := auth.Resolve(ctx, c.cfg.Tokens, c.cfg.Now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Applicationf("%s %s: %v", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Applicationf("%s %s: failed to read response: %v", method, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s %s rejected the token", models.ErrAuth, method, endpoint)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, method, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		c.log.Warn("request failed", "method", method, "url", endpoint, "status", resp.StatusCode)
		return models.Applicationf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, msg)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	payload := json.RawMessage(data)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
			payload = envelope.Data
		}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", models.ErrParse, method, endpoint, err)
	}
	return nil
}
