package models

import (
	"strings"
	"time"
)

// MentionAll is the mention target that addresses every room member.
const MentionAll = "all"

// Variant is the kind of content a message carries.
type Variant string

const (
	VariantText     Variant = "message"
	VariantFile     Variant = "file"
	VariantSticker  Variant = "sticker"
	VariantEvoucher Variant = "evoucher"
	VariantJoin     Variant = "join"
	VariantLeave    Variant = "leave"
)

// UserName holds the name parts the backend stores for a user.
type UserName struct {
	First  string `json:"first"`
	Middle string `json:"middle"`
	Last   string `json:"last"`
}

// User represents the sender of a message or a room member.
type User struct {
	ID       string   `json:"_id"`
	Name     UserName `json:"name"`
	Username string   `json:"username"`
}

// DisplayName joins the non-empty name parts, falling back to the username.
func (u User) DisplayName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.Name.First, u.Name.Middle, u.Name.Last} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return u.Username
	}
	return strings.Join(parts, " ")
}

// File describes an uploaded attachment.
type File struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Sticker references a catalog sticker.
type Sticker struct {
	ID    string `json:"id"`
	Image string `json:"image"`
}

// LocalizedText is a Thai/English text pair.
type LocalizedText struct {
	TH string `json:"th"`
	EN string `json:"en"`
}

// EvoucherInfo is the payload of an evoucher message.
type EvoucherInfo struct {
	Message      LocalizedText `json:"message"`
	ClaimURL     string        `json:"claimUrl"`
	SponsorImage string        `json:"sponsorImage,omitempty"`
	ClaimedBy    string        `json:"claimedBy,omitempty"`
}

// ReplyRef is the quoted original of a reply.
type ReplyRef struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Sender   *User  `json:"user,omitempty"`
	NotFound bool   `json:"notFound,omitempty"`
}

// Message is a single entry of the room timeline.
// Temp messages are local optimistic copies waiting for the server echo.
type Message struct {
	ID        string        `json:"id"`
	Sender    User          `json:"user"`
	Variant   Variant       `json:"type"`
	Text      string        `json:"text"`
	File      *File         `json:"file,omitempty"`
	Sticker   *Sticker      `json:"sticker,omitempty"`
	Evoucher  *EvoucherInfo `json:"evoucherInfo,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	IsRead    bool          `json:"isRead"`
	IsTemp    bool          `json:"isTemp"`
	Deleted   bool          `json:"isDeleted,omitempty"`
	ReplyTo   *ReplyRef     `json:"replyTo,omitempty"`
	Mentions  []string      `json:"mentions,omitempty"`
}

// IsSystem reports whether the message is a join or leave event.
func (m Message) IsSystem() bool {
	return m.Variant == VariantJoin || m.Variant == VariantLeave
}

// RoomMember is an entry of the room roster.
type RoomMember struct {
	UserID    string `json:"user_id"`
	User      User   `json:"user"`
	AvatarURL string `json:"profile_image_url,omitempty"`
}

// ControlKind enumerates non-message instructions pushed by the server.
type ControlKind string

const (
	ControlUnsend ControlKind = "unsend"
	ControlTyping ControlKind = "typing"
	ControlRead   ControlKind = "read_receipt"
)

// ControlEvent mutates session state without adding a message.
type ControlEvent struct {
	Kind      ControlKind
	MessageID string
	UserID    string
	Typing    bool
}

// MembersPage is one page of the room roster.
type MembersPage struct {
	Members []RoomMember `json:"members"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
}
