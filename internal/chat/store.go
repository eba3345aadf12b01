package chat

import (
	"slices"
	"sync"

	"chatsync/internal/models"

	"github.com/c-pro/geche"
)

// DefaultMaxMessages is the size of the sliding window kept per room.
const DefaultMaxMessages = 100

type Config struct {
	MaxMessages int
	// SeenCapacity bounds how many ids are remembered for deduplication.
	// Defaults to ten windows worth of ids.
	SeenCapacity int
	// ChangeCallback is invoked after every mutation with the new snapshot.
	ChangeCallback func(messages []models.Message)
	// ConfirmCallback is invoked for every confirmed (non-temp) message that enters the store.
	ConfirmCallback func(message models.Message)
}

// Store is the bounded, ordered timeline of one room session.
// Every mutation replaces the whole slice under the lock, so a snapshot
// handed out earlier is never modified afterwards.
type Store struct {
	maxMessages int
	messages    []models.Message
	// ids currently in the window
	present map[string]struct{}
	// ids ever inserted, including evicted and removed ones
	seen *geche.RingBuffer[string, struct{}]

	changeCallback  func([]models.Message)
	confirmCallback func(models.Message)

	mux sync.RWMutex
}

func New(config Config) *Store {
	if config.MaxMessages <= 0 {
		config.MaxMessages = DefaultMaxMessages
	}
	if config.SeenCapacity < config.MaxMessages {
		config.SeenCapacity = config.MaxMessages * 10
	}
	return &Store{
		maxMessages:     config.MaxMessages,
		present:         make(map[string]struct{}),
		seen:            geche.NewRingBuffer[string, struct{}](config.SeenCapacity),
		changeCallback:  config.ChangeCallback,
		confirmCallback: config.ConfirmCallback,
	}
}

// Add inserts a message:
// - a confirmed message with text replaces the oldest temp message
//   from the same sender with the same text, keeping its position
// - an id that was already inserted is ignored
// - otherwise the message is appended and the window trimmed from the front
//
// Add reports whether the timeline changed.
func (s *Store) Add(m models.Message) bool {
	if m.ID == "" {
		return false
	}

	s.mux.Lock()
	next, changed, inserted := s.add(m)
	if changed {
		s.messages = next
	}
	snapshot := s.messages
	s.mux.Unlock()

	if changed {
		if inserted && !m.IsTemp && s.confirmCallback != nil {
			s.confirmCallback(m)
		}
		s.notify(snapshot)
	}
	return changed
}

func (s *Store) add(m models.Message) (next []models.Message, changed, inserted bool) {
	tempIdx := -1
	if !m.IsTemp && m.Text != "" {
		tempIdx = slices.IndexFunc(s.messages, func(e models.Message) bool {
			return e.IsTemp && e.Sender.ID == m.Sender.ID && e.Text == m.Text
		})
	}

	if s.inserted(m.ID) {
		if tempIdx < 0 {
			return nil, false, false
		}
		// The confirmed copy is already in the window; the temp is stale.
		delete(s.present, s.messages[tempIdx].ID)
		return slices.Delete(slices.Clone(s.messages), tempIdx, tempIdx+1), true, false
	}

	s.present[m.ID] = struct{}{}
	s.seen.Set(m.ID, struct{}{})

	if tempIdx >= 0 {
		next = slices.Clone(s.messages)
		delete(s.present, next[tempIdx].ID)
		next[tempIdx] = m
		return next, true, true
	}

	next = make([]models.Message, 0, len(s.messages)+1)
	next = append(next, s.messages...)
	next = append(next, m)
	if over := len(next) - s.maxMessages; over > 0 {
		for _, evicted := range next[:over] {
			delete(s.present, evicted.ID)
		}
		next = next[over:]
	}
	return next, true, true
}

func (s *Store) inserted(id string) bool {
	if _, ok := s.present[id]; ok {
		return true
	}
	_, err := s.seen.Get(id)
	return err == nil
}

// Remove drops a message by id. The id stays remembered so a replayed
// history frame does not bring it back.
func (s *Store) Remove(id string) bool {
	return s.update(id, func(messages []models.Message, i int) []models.Message {
		delete(s.present, id)
		return slices.Delete(messages, i, i+1)
	})
}

// Tombstone marks a message as deleted but keeps it in the timeline.
func (s *Store) Tombstone(id string) bool {
	return s.update(id, func(messages []models.Message, i int) []models.Message {
		messages[i].Deleted = true
		return messages
	})
}

// MarkRead flags a message as read.
func (s *Store) MarkRead(id string) bool {
	return s.update(id, func(messages []models.Message, i int) []models.Message {
		if messages[i].IsRead {
			return nil
		}
		messages[i].IsRead = true
		return messages
	})
}

// update applies fn to a clone of the timeline when id is present.
// fn returning nil means nothing changed.
func (s *Store) update(id string, fn func(messages []models.Message, i int) []models.Message) bool {
	s.mux.Lock()
	i := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if i < 0 {
		s.mux.Unlock()
		return false
	}
	next := fn(slices.Clone(s.messages), i)
	if next == nil {
		s.mux.Unlock()
		return false
	}
	s.messages = next
	snapshot := s.messages
	s.mux.Unlock()

	s.notify(snapshot)
	return true
}

// Lookup returns the message with the given id if it is in the window.
func (s *Store) Lookup(id string) (models.Message, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	i := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i], true
}

// Snapshot returns the timeline, oldest first.
func (s *Store) Snapshot() []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return slices.Clone(s.messages)
}

func (s *Store) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.messages)
}

func (s *Store) notify(snapshot []models.Message) {
	if s.changeCallback != nil {
		s.changeCallback(slices.Clone(snapshot))
	}
}
