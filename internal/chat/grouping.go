package chat

import (
	"iter"
	"slices"
	"time"

	"chatsync/internal/models"
)

// GroupGap is the longest pause between two messages of one group.
const GroupGap = 5 * time.Minute

// Groups lazily splits a timeline into presentation groups.
// The sequence can be ranged over any number of times; nothing is cached.
//
// A new group starts at the first message, after a join/leave event,
// on a sender change, after a pause longer than GroupGap and when
// IsTemp flips. Join/leave events always form a group of their own.
func Groups(messages []models.Message) iter.Seq[[]models.Message] {
	return func(yield func([]models.Message) bool) {
		start := 0
		for i := 1; i <= len(messages); i++ {
			if i < len(messages) && !startsGroup(messages[i-1], messages[i]) {
				continue
			}
			if !yield(messages[start:i:i]) {
				return
			}
			start = i
		}
	}
}

// Group collects Groups into a slice.
func Group(messages []models.Message) [][]models.Message {
	return slices.Collect(Groups(messages))
}

func startsGroup(prev, cur models.Message) bool {
	switch {
	case prev.IsSystem(), cur.IsSystem():
		return true
	case prev.Sender.ID != cur.Sender.ID:
		return true
	case cur.Timestamp.Sub(prev.Timestamp) > GroupGap:
		return true
	case prev.IsTemp != cur.IsTemp:
		return true
	}
	return false
}
