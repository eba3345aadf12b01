package events

import (
	"encoding/json"
	"math"
	"path"
	"strings"
	"time"

	"chatsync/internal/content"
	"chatsync/internal/models"

	"github.com/h2non/filetype"
)

type rawUser struct {
	OID      string          `json:"_id"`
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Name     models.UserName `json:"name"`
	Username string          `json:"username"`
}

func (u *rawUser) id() string {
	return firstNonEmpty(u.OID, u.ID, u.UserID)
}

func (u *rawUser) user() models.User {
	return models.User{
		ID: u.id(),
		Name: models.UserName{
			First:  content.Sanitize(u.Name.First),
			Middle: content.Sanitize(u.Name.Middle),
			Last:   content.Sanitize(u.Name.Last),
		},
		Username: content.Sanitize(u.Username),
	}
}

type rawSticker struct {
	OID   string `json:"_id"`
	ID    string `json:"id"`
	Image string `json:"image"`
}

type rawReply struct {
	OID     string          `json:"_id"`
	ID      string          `json:"id"`
	Text    string          `json:"text"`
	User    *rawUser        `json:"user"`
	Message json.RawMessage `json:"message"`
}

// rawItem is the union of every field name the server has used for a message.
type rawItem struct {
	OID       string          `json:"_id"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	User      *rawUser        `json:"user"`
	UserID    string          `json:"user_id"`
	UserIDAlt string          `json:"userId"`
	Username  string          `json:"username"`
	Message   json.RawMessage `json:"message"`
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`

	FileURL  string          `json:"file_url"`
	FileName string          `json:"file_name"`
	FileType string          `json:"file_type"`
	File     json.RawMessage `json:"file"`
	Filename string          `json:"filename"`

	Image     string      `json:"image"`
	StickerID string      `json:"stickerId"`
	Sticker   *rawSticker `json:"sticker"`

	ReplyTo     *rawReply `json:"replyTo"`
	ReplyToID   string    `json:"reply_to_id"`
	ReplyToIDV2 string    `json:"replyToId"`

	EvoucherInfo *models.EvoucherInfo `json:"evoucherInfo"`
	Mentions     []string             `json:"mentions"`
}

func (d *Decoder) item(flat map[string]json.RawMessage, store Resolver) (models.Message, error) {
	body, err := json.Marshal(flat)
	if err != nil {
		return models.Message{}, err
	}
	var it rawItem
	if err := json.Unmarshal(body, &it); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        firstNonEmpty(it.ID, it.OID),
		Sender:    it.sender(),
		Timestamp: d.timestamp(it.Timestamp),
	}
	text := textOf(it.Message)
	if text == "" {
		text = it.Text
	}
	kind := strings.ToLower(it.Type)

	switch {
	case it.EvoucherInfo != nil || kind == "evoucher":
		msg.Variant = models.VariantEvoucher
		if it.EvoucherInfo != nil {
			info := *it.EvoucherInfo
			info.Message.TH = content.Sanitize(info.Message.TH)
			info.Message.EN = content.Sanitize(info.Message.EN)
			msg.Evoucher = &info
			if text == "" {
				text = firstNonEmpty(info.Message.EN, info.Message.TH)
			}
		}
		msg.Text = text

	case it.fileURL() != "":
		msg.Variant = models.VariantFile
		msg.File = d.file(it)
		msg.Text = it.Text

	case kind == "sticker" || it.StickerID != "" || it.Sticker != nil || (it.Image != "" && len(it.Message) == 0):
		msg.Variant = models.VariantSticker
		s := &models.Sticker{ID: it.StickerID, Image: it.Image}
		if it.Sticker != nil {
			s.ID = firstNonEmpty(it.Sticker.OID, it.Sticker.ID, s.ID)
			s.Image = firstNonEmpty(it.Sticker.Image, s.Image)
		}
		s.Image = d.absolute(s.Image)
		msg.Sticker = s

	default:
		switch kind {
		case string(models.VariantJoin):
			msg.Variant = models.VariantJoin
		case string(models.VariantLeave):
			msg.Variant = models.VariantLeave
		default:
			msg.Variant = models.VariantText
		}
		msg.Text = text
		msg.ReplyTo = replyRef(it, store)
		msg.Mentions = it.Mentions
		if msg.ID == "" && msg.Text == "" && msg.Sender.ID == "" && msg.ReplyTo == nil {
			return models.Message{}, errUnrecognized
		}
	}

	if msg.ID == "" {
		msg.ID = d.NewID()
	}
	return msg, nil
}

func (it rawItem) sender() models.User {
	if it.User != nil {
		u := it.User.user()
		if u.ID == "" {
			u.ID = firstNonEmpty(it.UserID, it.UserIDAlt)
		}
		return u
	}
	return models.User{
		ID:       firstNonEmpty(it.UserID, it.UserIDAlt),
		Username: content.Sanitize(it.Username),
	}
}

// fileURL returns the file reference under whichever field carries it.
func (it rawItem) fileURL() string {
	if it.FileURL != "" {
		return it.FileURL
	}
	if ref := fileRef(it.File); ref != "" {
		return ref
	}
	return it.Filename
}

func fileRef(raw json.RawMessage) string {
	if s, ok := asString(raw); ok {
		return s
	}
	if !isObject(raw) {
		return ""
	}
	var obj struct {
		Path string `json:"path"`
		URL  string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return firstNonEmpty(obj.Path, obj.URL)
}

func (d *Decoder) file(it rawItem) *models.File {
	ref := it.fileURL()
	name := content.Sanitize(firstNonEmpty(it.FileName, it.Filename, path.Base(ref)))
	kind := it.FileType
	if kind == "" {
		if t := filetype.GetType(strings.TrimPrefix(path.Ext(name), ".")); t != filetype.Unknown {
			kind = t.MIME.Value
		} else if strings.EqualFold(it.Type, "upload") {
			kind = "image"
		}
	}
	return &models.File{URL: d.absolute(ref), Name: name, Type: kind}
}

func (d *Decoder) absolute(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return d.AssetBase + "/uploads/" + strings.TrimLeft(ref, "/")
}

func replyRef(it rawItem, store Resolver) *models.ReplyRef {
	ref := &models.ReplyRef{}
	if r := it.ReplyTo; r != nil {
		ref.ID = firstNonEmpty(r.ID, r.OID)
		ref.Text = r.Text
		if isObject(r.Message) {
			var inner struct {
				OID     string `json:"_id"`
				ID      string `json:"id"`
				Message string `json:"message"`
				Text    string `json:"text"`
			}
			if err := json.Unmarshal(r.Message, &inner); err == nil {
				ref.ID = firstNonEmpty(ref.ID, inner.OID, inner.ID)
				ref.Text = firstNonEmpty(ref.Text, inner.Message, inner.Text)
			}
		} else if s, ok := asString(r.Message); ok && ref.Text == "" {
			ref.Text = s
		}
		if r.User != nil {
			u := r.User.user()
			ref.Sender = &u
		}
	}
	ref.ID = firstNonEmpty(ref.ID, it.ReplyToID, it.ReplyToIDV2)
	if ref.ID == "" {
		return nil
	}
	if ref.Text != "" && ref.Sender != nil {
		return ref
	}

	var original models.Message
	found := false
	if store != nil {
		original, found = store.Lookup(ref.ID)
	}
	switch {
	case found:
		if ref.Text == "" {
			ref.Text = original.Text
		}
		if ref.Sender == nil {
			sender := original.Sender
			ref.Sender = &sender
		}
	case it.ReplyTo == nil || ref.Text == "":
		ref.Text = ReplyNotFoundText
		ref.NotFound = true
	}
	return ref
}

// textOf extracts the message text, unwrapping text that is itself a
// stringified envelope.
func textOf(raw json.RawMessage) string {
	if isObject(raw) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		for _, key := range []string{"message", "text"} {
			if s, ok := asString(obj[key]); ok && s != "" {
				return unwrapText(s)
			}
		}
		return ""
	}
	s, _ := asString(raw)
	return unwrapText(s)
}

func unwrapText(s string) string {
	for depth := 0; depth < maxUnwrapDepth; depth++ {
		t := strings.TrimSpace(s)
		if !strings.HasPrefix(t, "{") || !strings.HasSuffix(t, "}") {
			break
		}
		var inner struct {
			Payload struct {
				Message json.RawMessage `json:"message"`
			} `json:"payload"`
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal([]byte(t), &inner); err != nil {
			break
		}
		next, ok := asString(inner.Payload.Message)
		if !ok {
			next, ok = asString(inner.Message)
		}
		if !ok {
			break
		}
		s = next
	}
	return s
}

func (d *Decoder) timestamp(raw json.RawMessage) time.Time {
	if s, ok := asString(raw); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999Z07:00", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return d.Now()
	}
	var n float64
	if len(raw) > 0 && json.Unmarshal(raw, &n) == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n))
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9))
	}
	return d.Now()
}
