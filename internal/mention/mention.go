package mention

import (
	"regexp"
	"strings"

	"chatsync/internal/models"
)

// AllLocalized is the Thai spelling of the mention-everyone keyword.
const AllLocalized = "ทุกคน"

var (
	// A trailing @word (or @/word) preceded by start of text or whitespace.
	trigger = regexp.MustCompile(`(?:^|\s)@/?([\p{L}\p{M}\p{N}_.\-]*)$`)
	// Any @word anywhere in a message.
	token = regexp.MustCompile(`(?:^|\s)@([\p{L}\p{M}\p{N}_.\-]+)`)
)

// Directory is the member lookup the resolver queries.
type Directory interface {
	Search(query string) []models.RoomMember
	ByUsername(username string) (models.RoomMember, bool)
}

// Suggestion is either a room member or the mention-everyone sentinel.
type Suggestion struct {
	All    bool
	Member models.RoomMember
}

// Token is the text inserted after @ when the suggestion is picked.
func (s Suggestion) Token() string {
	if s.All {
		return models.MentionAll
	}
	return s.Member.User.Username
}

type Resolver struct {
	dir Directory
}

func New(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Query reports the lowercased word after a trailing @, if the text ends in one.
func Query(text string) (string, bool) {
	m := trigger.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

func isAll(query string) bool {
	return query == models.MentionAll || query == AllLocalized
}

// OnTextChanged returns the suggestions for the compose text. It returns nil
// when the text does not end in a mention trigger.
func (r *Resolver) OnTextChanged(text string) []Suggestion {
	query, ok := Query(text)
	if !ok {
		return nil
	}
	if isAll(query) {
		return []Suggestion{{All: true}}
	}
	members := r.dir.Search(query)
	out := make([]Suggestion, 0, len(members))
	for _, m := range members {
		out = append(out, Suggestion{Member: m})
	}
	return out
}

// OnSuggestionSelected replaces the trailing trigger with the chosen mention
// followed by a single space.
func (r *Resolver) OnSuggestionSelected(text string, s Suggestion) string {
	if !trigger.MatchString(text) {
		return text
	}
	// the trigger's @ is the last one in the text; whatever precedes it stays as typed
	prefix := text[:strings.LastIndex(text, "@")]
	return prefix + "@" + s.Token() + " "
}

// Extract resolves the @mentions of an outgoing message to user ids, in order
// of first appearance. Unknown usernames are skipped.
func (r *Resolver) Extract(text string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, m := range token.FindAllStringSubmatch(text, -1) {
		id := r.resolve(m[1])
		if id == "" {
			// sentence punctuation after the name: "thanks @john."
			if trimmed := strings.TrimRight(m[1], ".-"); trimmed != "" && trimmed != m[1] {
				id = r.resolve(trimmed)
			}
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (r *Resolver) resolve(name string) string {
	if isAll(strings.ToLower(name)) {
		return models.MentionAll
	}
	member, ok := r.dir.ByUsername(name)
	if !ok {
		return ""
	}
	if member.UserID != "" {
		return member.UserID
	}
	return member.User.ID
}
