package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/session"
	"chatsync/internal/ws"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newBackend serves the room REST endpoints and a socket that echoes every
// text frame back as a confirmed message from alice.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"data":{"_id":%q,"isMember":true}}`, r.PathValue("room"))
	})
	mux.HandleFunc("GET /api/rooms/{room}/members", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"members":[{"user":{"_id":"u1","username":"alice"}}],"total":1}`)
	})
	mux.HandleFunc("GET /chat/ws/{room}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := 1; ; n++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			echo := map[string]any{
				"eventType": "message",
				"payload": map[string]any{
					"id":   fmt.Sprintf("srv-%d", n),
					"text": string(data),
					"user": map[string]string{"_id": "u1", "username": "alice"},
				},
			}
			if err := conn.WriteJSON(echo); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setEnv(t *testing.T, srv *httptest.Server, transcript string) {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	t.Setenv("CHAT_TOKEN", token)
	t.Setenv("CHAT_USER_ID", "u1")
	t.Setenv("CHAT_USERNAME", "alice")
	t.Setenv("CHAT_WS_BASE", "ws"+strings.TrimPrefix(srv.URL, "http"))
	t.Setenv("CHAT_API_BASE", srv.URL+"/api")
	t.Setenv("CHAT_BASE", srv.URL)
	t.Setenv("CHAT_TRANSCRIPT", transcript)
	t.Setenv("LOG_LEVEL", "error")
}

func TestJoinAndTranscript(t *testing.T) {
	srv := newBackend(t)
	transcript := filepath.Join(t.TempDir(), "transcript.db")
	setEnv(t, srv, transcript)

	stdin, input := io.Pipe()
	t.Cleanup(func() { _ = input.Close() })
	out := &syncBuffer{}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"join", "room-1"})
	cmd.SetIn(stdin)
	cmd.SetOut(out)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(context.Background()) }()

	_, err := io.WriteString(input, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[srv-1] alice: hello")
	}, 5*time.Second, 20*time.Millisecond, out.String())

	_, err = io.WriteString(input, "/reply srv-1\n/cancel\nbye\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[srv-2] alice: bye")
	}, 5*time.Second, 20*time.Millisecond, out.String())
	assert.Contains(t, out.String(), "next message replies to srv-1")
	assert.NotContains(t, out.String(), "(re srv-1", "cancelled reply target is not used")

	_, err = io.WriteString(input, "/bogus\n/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("join did not return after /quit")
	}
	assert.Contains(t, out.String(), "unknown command /bogus")

	listing := &syncBuffer{}
	cmd = newRootCmd()
	cmd.SetArgs([]string{"transcript", "room-1"})
	cmd.SetOut(listing)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, listing.String(), "1 ")
	assert.Contains(t, listing.String(), "alice: hello")

	single := &syncBuffer{}
	cmd = newRootCmd()
	cmd.SetArgs([]string{"transcript", "room-1", "--message", "srv-2"})
	cmd.SetOut(single)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, 1, strings.Count(single.String(), "\n"))
	assert.Contains(t, single.String(), "2 ")
	assert.Contains(t, single.String(), "alice: bye")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"transcript", "room-1", "--message", "nope"})
	cmd.SetOut(io.Discard)
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), models.ErrNotFound)

	rooms := &syncBuffer{}
	cmd = newRootCmd()
	cmd.SetArgs([]string{"transcript"})
	cmd.SetOut(rooms)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, rooms.String(), "room-1\t2 messages")
}

func TestJoinRequiresToken(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"join", "room-1"})
	cmd.SetOut(io.Discard)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestPrinter(t *testing.T) {
	bob := models.User{ID: "u2", Username: "bob"}
	msg := func(id string) models.Message {
		return models.Message{ID: id, Sender: bob, Text: "text " + id}
	}
	members := func(id string) (models.RoomMember, bool) {
		if id == "u2" {
			return models.RoomMember{UserID: "u2", User: models.User{ID: "u2", Username: "bob", Name: models.UserName{First: "Bob"}}}, true
		}
		return models.RoomMember{}, false
	}

	out := &syncBuffer{}
	p := newPrinter(out, members)

	p.update(session.State{Connected: true, Messages: []models.Message{msg("m1"), msg("m2"), msg("m3")}})
	assert.Contains(t, out.String(), "* connected")
	assert.Equal(t, 1, strings.Count(out.String(), "[m2]"))

	t.Run("Tombstone", func(t *testing.T) {
		deleted := msg("m2")
		deleted.Deleted = true
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m1"), deleted, msg("m3")}})
		assert.Contains(t, out.String(), "* [m2] was unsent")
	})

	t.Run("RemovedAfterTombstone", func(t *testing.T) {
		before := strings.Count(out.String(), "was unsent")
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m1"), msg("m3")}})
		assert.Equal(t, before, strings.Count(out.String(), "was unsent"), "one notice per message")
	})

	t.Run("ServerUnsend", func(t *testing.T) {
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m1"), msg("m3"), msg("m4")}})
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m1"), msg("m4")}})
		assert.Contains(t, out.String(), "* [m3] was unsent")
	})

	t.Run("EvictionIsSilent", func(t *testing.T) {
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m4"), msg("m5")}})
		assert.NotContains(t, out.String(), "[m1] was unsent")
		assert.Contains(t, out.String(), "[m5]")
	})

	t.Run("TypingNames", func(t *testing.T) {
		p.update(session.State{Connected: true, Messages: []models.Message{msg("m4"), msg("m5")}, TypingUsers: []string{"u2", "u9"}})
		assert.Contains(t, out.String(), "* typing: Bob, u9")
	})
}

func TestMaxReconnect(t *testing.T) {
	assert.Equal(t, ws.NoReconnect, maxReconnect(0))
	assert.Equal(t, 3, maxReconnect(3))
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 30, 0, 0, time.Local)
	alice := models.User{ID: "u1", Username: "alice"}

	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{"Text", models.Message{ID: "m1", Sender: alice, Text: "hi", Timestamp: ts}, "10:30 [m1] alice: hi"},
		{"Deleted", models.Message{ID: "m1", Sender: alice, Text: "hi", Deleted: true, Timestamp: ts}, "10:30 [m1] alice: [message unsent]"},
		{"Join", models.Message{ID: "m2", Sender: alice, Variant: models.VariantJoin, Timestamp: ts}, "* alice joined"},
		{"File", models.Message{ID: "f1", Sender: alice, File: &models.File{Name: "a.pdf", URL: "https://x/a.pdf"}, Timestamp: ts},
			"10:30 [f1] alice: [file a.pdf] https://x/a.pdf"},
		{"Reply", models.Message{ID: "m3", Sender: alice, Text: "yes", Timestamp: ts, ReplyTo: &models.ReplyRef{ID: "m1", Text: "hi"}},
			"10:30 [m3] alice: (re m1: hi) yes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage(tt.msg))
		})
	}
}
