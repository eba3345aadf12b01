package events

import "chatsync/internal/models"

// Event is the result of decoding one frame. It is one of
// MessageEvent, Batch, Control or Ignore.
type Event interface{ isEvent() }

// MessageEvent carries a single canonical message.
type MessageEvent struct {
	Message models.Message
}

// Batch is a history replay, in server order. Items that failed to decode
// are reported in Errors and left out of Messages.
type Batch struct {
	Messages []models.Message
	Errors   []error
}

// Control mutates session state without adding a message.
type Control struct {
	models.ControlEvent
}

// Ignore is a frame that carries nothing for the timeline (pings, junk).
type Ignore struct {
	Reason string
}

func (MessageEvent) isEvent() {}
func (Batch) isEvent()        {}
func (Control) isEvent()      {}
func (Ignore) isEvent()       {}

// Resolver looks up already stored messages, used to fill reply quotes.
type Resolver interface {
	Lookup(id string) (models.Message, bool)
}
