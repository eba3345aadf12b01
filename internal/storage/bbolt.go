package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketRooms      = []byte("rooms")
	bucketMessages   = []byte("messages")
	bucketMessageIDs = []byte("message_ids")
)

// Entry is one archived message with its position in the room transcript.
type Entry struct {
	Seq     uint64
	RoomID  string
	Message models.Message
}

// BboltStorage is an append-only transcript of confirmed messages, one
// nested bucket per room keyed by sequence number.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketMessages, bucketMessageIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Record appends a confirmed message to the room transcript. A message id
// that is already archived is skipped.
func (s *BboltStorage) Record(roomID string, message models.Message) error {
	if roomID == "" {
		return errors.New("message missing roomID")
	}
	if message.ID == "" || message.IsTemp {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		idBucket, err := tx.Bucket(bucketMessageIDs).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create id bucket: %w", err)
		}
		if idBucket.Get([]byte(message.ID)) != nil {
			return nil
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		seq, err := roomBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		dbMessage := toDBMessage(roomID, seq, message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := idBucket.Put([]byte(message.ID), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		rooms := tx.Bucket(bucketRooms)
		dbRoom := DBRoom{ID: roomID}
		if data := rooms.Get(dbRoom.Key()); data != nil {
			if err := dbRoom.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal room: %w", err)
			}
		}
		dbRoom.LastSeq = seq
		dbRoom.Count++
		dbRoom.UpdatedAt = time.Now().Unix()
		roomData, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return rooms.Put(dbRoom.Key(), roomData)
	})
}

// ListRooms returns every archived room.
func (s *BboltStorage) ListRooms() ([]DBRoom, error) {
	var rooms []DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(_, v []byte) error {
			var r DBRoom
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, r)
			return nil
		})
	})
	return rooms, err
}

// ListMessages returns archived messages with from <= seq <= to.
func (s *BboltStorage) ListMessages(roomID string, from, to uint64) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // Nothing archived for this room
		}

		c := roomBucket.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			entries = append(entries, Entry{Seq: dbMsg.Seq, RoomID: dbMsg.RoomID, Message: fromDBMessage(dbMsg)})
		}
		return nil
	})
	return entries, err
}

// Lookup finds an archived message by id.
func (s *BboltStorage) Lookup(roomID, messageID string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs).Bucket([]byte(roomID))
		msgs := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if ids == nil || msgs == nil {
			return models.ErrNotFound
		}
		key := ids.Get([]byte(messageID))
		if key == nil {
			return models.ErrNotFound
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(msgs.Get(key)); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		entry = Entry{Seq: dbMsg.Seq, RoomID: dbMsg.RoomID, Message: fromDBMessage(dbMsg)}
		return nil
	})
	return entry, err
}

func toDBMessage(roomID string, seq uint64, m models.Message) DBMessage {
	dbMsg := DBMessage{
		Seq:         seq,
		ID:          m.ID,
		Timestamp:   m.Timestamp.UnixMilli(),
		RoomID:      roomID,
		UserID:      m.Sender.ID,
		Username:    m.Sender.Username,
		DisplayName: m.Sender.DisplayName(),
		Variant:     string(m.Variant),
		Content:     m.Text,
		Mentions:    m.Mentions,
	}
	if m.ReplyTo != nil {
		dbMsg.ReplyToID = m.ReplyTo.ID
	}
	if m.File != nil {
		dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment{
			Type:     string(models.VariantFile),
			Name:     m.File.Name,
			MimeType: m.File.Type,
			URL:      m.File.URL,
		})
	}
	if m.Sticker != nil {
		dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment{
			Type: string(models.VariantSticker),
			Name: m.Sticker.ID,
			URL:  m.Sticker.Image,
		})
	}
	if m.Evoucher != nil {
		dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment{
			Type: string(models.VariantEvoucher),
			Name: m.Evoucher.Message.EN,
			URL:  m.Evoucher.ClaimURL,
		})
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:        dbMsg.ID,
		Sender:    models.User{ID: dbMsg.UserID, Username: dbMsg.Username, Name: models.UserName{First: dbMsg.DisplayName}},
		Variant:   models.Variant(dbMsg.Variant),
		Text:      dbMsg.Content,
		Timestamp: time.UnixMilli(dbMsg.Timestamp),
		Mentions:  dbMsg.Mentions,
	}
	if dbMsg.ReplyToID != "" {
		msg.ReplyTo = &models.ReplyRef{ID: dbMsg.ReplyToID}
	}
	for _, a := range dbMsg.Attachments {
		switch models.Variant(a.Type) {
		case models.VariantFile:
			msg.File = &models.File{URL: a.URL, Name: a.Name, Type: a.MimeType}
		case models.VariantSticker:
			msg.Sticker = &models.Sticker{ID: a.Name, Image: a.URL}
		case models.VariantEvoucher:
			msg.Evoucher = &models.EvoucherInfo{Message: models.LocalizedText{EN: a.Name}, ClaimURL: a.URL}
		}
	}
	return msg
}
