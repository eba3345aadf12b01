package mention

import (
	"strings"
	"testing"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory []models.RoomMember

func (d staticDirectory) Search(query string) []models.RoomMember {
	var out []models.RoomMember
	for _, m := range d {
		if query == "" || strings.Contains(strings.ToLower(m.User.Username), query) {
			out = append(out, m)
		}
	}
	return out
}

func (d staticDirectory) ByUsername(username string) (models.RoomMember, bool) {
	for _, m := range d {
		if strings.EqualFold(m.User.Username, username) {
			return m, true
		}
	}
	return models.RoomMember{}, false
}

var roster = staticDirectory{
	{UserID: "u1", User: models.User{ID: "u1", Username: "john"}},
	{UserID: "u2", User: models.User{ID: "u2", Username: "mary"}},
}

func TestQuery(t *testing.T) {
	tests := []struct {
		text  string
		query string
		ok    bool
	}{
		{"hello @jo", "jo", true},
		{"@Mary", "mary", true},
		{"hi @", "", true},
		{"hi @/jo", "jo", true},
		{"mail@jo", "", false},
		{"hello @jo ", "", false},
		{"no trigger", "", false},
		{"สวัสดี @ทุกคน", "ทุกคน", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			q, ok := Query(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.query, q)
		})
	}
}

func TestOnTextChanged(t *testing.T) {
	r := New(roster)

	got := r.OnTextChanged("hello @jo")
	require.Len(t, got, 1)
	assert.Equal(t, "john", got[0].Token())

	got = r.OnTextChanged("hello @all")
	require.Len(t, got, 1)
	assert.True(t, got[0].All)

	got = New(staticDirectory{}).OnTextChanged("hello @ทุกคน")
	require.Len(t, got, 1, "sentinel does not depend on roster contents")
	assert.True(t, got[0].All)

	assert.Len(t, r.OnTextChanged("hey @"), 2)
	assert.Nil(t, r.OnTextChanged("hello"))
}

func TestOnSuggestionSelected(t *testing.T) {
	r := New(roster)
	john := Suggestion{Member: roster[0]}

	assert.Equal(t, "hello @john ", r.OnSuggestionSelected("hello @jo", john))
	assert.Equal(t, "@john ", r.OnSuggestionSelected("@j", john))
	assert.Equal(t, "hi @all ", r.OnSuggestionSelected("hi @al", Suggestion{All: true}))
	assert.Equal(t, "no trigger", r.OnSuggestionSelected("no trigger", john))
	assert.Equal(t, "first line\n@john ", r.OnSuggestionSelected("first line\n@jo", john))
	assert.Equal(t, "a\t@john ", r.OnSuggestionSelected("a\t@/j", john))
}

func TestExtract(t *testing.T) {
	r := New(roster)
	assert.Equal(t, []string{"u2", "all", "u1"}, r.Extract("@mary and @all, also @John and @mary again, @ghost"))
	assert.Nil(t, r.Extract("nobody here"))
	assert.Equal(t, []string{"u1", "u2"}, r.Extract("thanks @john. and @mary..."))
	assert.Equal(t, []string{"all"}, r.Extract("hey @all."))
}
