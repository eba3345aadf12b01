package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

const (
	// ReplyNotFoundText quotes a reply whose original is not in the local store.
	ReplyNotFoundText = "[original message not found]"

	maxUnwrapDepth = 3
)

var errUnrecognized = errors.New("unrecognized envelope")

// Decoder turns raw server frames into events. It holds no state between frames.
type Decoder struct {
	// AssetBase is prefixed to relative upload paths: {AssetBase}/uploads/{path}.
	AssetBase string
	Now       func() time.Time
	NewID     func() string
}

func NewDecoder(assetBase string) *Decoder {
	return &Decoder{
		AssetBase: strings.TrimRight(assetBase, "/"),
		Now:       time.Now,
		NewID:     func() string { return "msg-" + uuid.NewString() },
	}
}

// Decode classifies a frame. The first matching rule wins:
//
//  1. ping                               -> Ignore
//  2. unsend / typing / read_receipt     -> Control
//  3. history (array payload)            -> Batch, bad items skipped one by one
//  4. evoucherInfo present               -> evoucher message
//  5. file reference present             -> file message
//  6. sticker reference present          -> sticker message
//  7. reply reference present            -> text message with ReplyTo
//  8. anything else                      -> text / join / leave message
//
// A frame that cannot be parsed yields Ignore and a *models.ParseError; it
// never affects the frames after it.
func (d *Decoder) Decode(raw []byte, store Resolver) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return d.batch(trimmed, store)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}

	kind := envelopeKind(env)
	switch kind {
	case "ping", "pong":
		return Ignore{Reason: kind}, nil
	case "unsend", "unsend_message":
		return d.unsend(raw, env)
	case "typing":
		return d.typing(raw, env)
	case "read_receipt":
		return d.readReceipt(raw, env)
	}

	payload := env["payload"]
	if isArray(payload) {
		return d.batch(payload, store)
	}
	if kind == "history" && isNull(payload) {
		return Batch{}, nil
	}

	item, err := flatten(env)
	if err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}
	msg, err := d.item(item, store)
	if err != nil {
		return Ignore{Reason: "unrecognized"}, parseError(raw, err)
	}
	return MessageEvent{Message: msg}, nil
}

func (d *Decoder) batch(raw []byte, store Resolver) (Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}
	batch := Batch{Messages: make([]models.Message, 0, len(items))}
	for _, it := range items {
		if isNull(it) {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(it, &obj); err != nil {
			batch.Errors = append(batch.Errors, parseError(it, err))
			continue
		}
		flat, err := flatten(obj)
		if err != nil {
			batch.Errors = append(batch.Errors, parseError(it, err))
			continue
		}
		msg, err := d.item(flat, store)
		if err != nil {
			batch.Errors = append(batch.Errors, parseError(it, err))
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

type controlPayload struct {
	MessageID string   `json:"messageId"`
	ID        string   `json:"id"`
	UserID    string   `json:"userId"`
	User      *rawUser `json:"user"`
	IsTyping  bool     `json:"isTyping"`
}

func (d *Decoder) controlPayload(env map[string]json.RawMessage) (controlPayload, error) {
	var p controlPayload
	if body, ok := env["payload"]; ok && !isNull(body) {
		if err := json.Unmarshal(body, &p); err != nil {
			return p, err
		}
	}
	if p.UserID == "" && p.User != nil {
		p.UserID = p.User.id()
	}
	return p, nil
}

func (d *Decoder) unsend(raw []byte, env map[string]json.RawMessage) (Event, error) {
	p, err := d.controlPayload(env)
	if err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}
	id := firstNonEmpty(p.MessageID, p.ID, stringField(env, "messageId"), stringField(env, "id"))
	if id == "" {
		return Ignore{Reason: "unsend"}, parseError(raw, errors.New("unsend without message id"))
	}
	return Control{models.ControlEvent{Kind: models.ControlUnsend, MessageID: id}}, nil
}

func (d *Decoder) typing(raw []byte, env map[string]json.RawMessage) (Event, error) {
	p, err := d.controlPayload(env)
	if err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}
	if p.UserID == "" {
		return Ignore{Reason: "typing"}, parseError(raw, errors.New("typing without user id"))
	}
	return Control{models.ControlEvent{Kind: models.ControlTyping, UserID: p.UserID, Typing: p.IsTyping}}, nil
}

func (d *Decoder) readReceipt(raw []byte, env map[string]json.RawMessage) (Event, error) {
	p, err := d.controlPayload(env)
	if err != nil {
		return Ignore{Reason: "malformed"}, parseError(raw, err)
	}
	id := firstNonEmpty(p.MessageID, p.ID)
	if id == "" {
		return Ignore{Reason: "read_receipt"}, parseError(raw, errors.New("read receipt without message id"))
	}
	return Control{models.ControlEvent{Kind: models.ControlRead, MessageID: id, UserID: p.UserID}}, nil
}

// flatten merges the known envelope layouts into one flat item:
// {type, payload:{message:{...}, user, sticker, ...}} becomes the message
// object with the payload siblings filled in.
func flatten(env map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	kind := envelopeKind(env)
	body, ok := env["payload"]
	if !ok || isNull(body) {
		return env, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}

	item := payload
	if inner, ok := payload["message"]; ok && isObject(inner) {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(inner, &msg); err != nil {
			return nil, fmt.Errorf("invalid message object: %w", err)
		}
		for k, v := range payload {
			if k == "message" {
				continue
			}
			if _, exists := msg[k]; !exists {
				msg[k] = v
			}
		}
		item = msg
	}

	switch kind {
	case "sticker", "upload", "evoucher":
		item["type"] = mustString(kind)
	case "", "message", "history":
	default:
		if _, exists := item["type"]; !exists {
			item["type"] = mustString(kind)
		}
	}
	return item, nil
}

func envelopeKind(env map[string]json.RawMessage) string {
	return strings.ToLower(firstNonEmpty(stringField(env, "eventType"), stringField(env, "type")))
}

func parseError(raw []byte, err error) error {
	return &models.ParseError{Raw: string(raw), Err: err}
}

func stringField(m map[string]json.RawMessage, key string) string {
	s, _ := asString(m[key])
	return s
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
