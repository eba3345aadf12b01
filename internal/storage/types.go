package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	LastSeq   uint64 `msgpack:"lastSeq"`
	Count     int    `msgpack:"count"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	Seq         uint64         `msgpack:"seq"`
	ID          string         `msgpack:"id"`
	Timestamp   int64          `msgpack:"timestamp"`
	RoomID      string         `msgpack:"roomId"`
	UserID      string         `msgpack:"userId"`
	Username    string         `msgpack:"username"`
	DisplayName string         `msgpack:"displayName"`
	Variant     string         `msgpack:"variant"`
	Content     string         `msgpack:"content"`
	ReplyToID   string         `msgpack:"replyToId,omitempty"`
	Mentions    []string       `msgpack:"mentions,omitempty"`
	Attachments []DBAttachment `msgpack:"attachments,omitempty"`
}

// DBAttachment is a file or sticker carried by a message.
type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	URL      string `msgpack:"url"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
