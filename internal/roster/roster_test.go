package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	members  []models.RoomMember
	calls    atomic.Int32
	err      error
	// failures limits err to the first n calls; zero means every call fails.
	failures int32
	gate     chan struct{}
}

func (f *fakeFetcher) Members(_ context.Context, _ string, page, limit int) (models.MembersPage, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil && (f.failures == 0 || n <= f.failures) {
		return models.MembersPage{}, f.err
	}
	start := (page - 1) * limit
	if start > len(f.members) {
		start = len(f.members)
	}
	end := min(start+limit, len(f.members))
	return models.MembersPage{Members: f.members[start:end], Total: len(f.members), Page: page, Limit: limit}, nil
}

func member(id, username, first string) models.RoomMember {
	return models.RoomMember{
		UserID: id,
		User:   models.User{ID: id, Username: username, Name: models.UserName{First: first}},
	}
}

func makeMembers(n int) []models.RoomMember {
	out := make([]models.RoomMember, n)
	for i := range out {
		out[i] = member(fmt.Sprintf("u%d", i), fmt.Sprintf("user%d", i), "")
	}
	return out
}

func TestRoster_LoadAndPaginate(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{members: makeMembers(5)}
	r := New("room-1", f, 2, nil)

	require.NoError(t, r.Load(ctx, 1, false))
	assert.Len(t, r.Members(), 2)
	assert.True(t, r.HasMore())
	assert.Equal(t, 5, r.Total())

	// Initial load runs once.
	require.NoError(t, r.Load(ctx, 1, false))
	assert.Equal(t, int32(1), f.calls.Load())

	require.NoError(t, r.LoadMore(ctx))
	require.NoError(t, r.LoadMore(ctx))
	assert.Len(t, r.Members(), 5)
	assert.False(t, r.HasMore(), "short page ends pagination")

	require.NoError(t, r.LoadMore(ctx))
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestRoster_LoadMoreBeforeLoad(t *testing.T) {
	f := &fakeFetcher{members: makeMembers(3)}
	r := New("room-1", f, 2, nil)
	require.NoError(t, r.LoadMore(context.Background()))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestRoster_ConcurrentLoadSharesRequest(t *testing.T) {
	f := &fakeFetcher{members: makeMembers(3), gate: make(chan struct{})}
	r := New("room-1", f, 10, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			assert.NoError(t, r.Load(context.Background(), 1, false))
		})
	}
	// Let every caller reach the in-flight request before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Len(t, r.Members(), 3)
}

func TestRoster_AppendSkipsDuplicates(t *testing.T) {
	f := &fakeFetcher{members: makeMembers(2)}
	r := New("room-1", f, 2, nil)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, 1, false))
	require.NoError(t, r.Load(ctx, 1, true))
	assert.Len(t, r.Members(), 2)
}

func TestRoster_LoadError(t *testing.T) {
	boom := errors.New("boom")
	r := New("room-1", &fakeFetcher{err: boom}, 2, nil)

	err := r.Load(context.Background(), 1, false)
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.Loading())
	assert.Empty(t, r.Members())
}

func TestRoster_RetryAfterLoadError(t *testing.T) {
	f := &fakeFetcher{
		members: []models.RoomMember{
			member("u1", "john", "John"),
			member("u2", "mary", "Mary"),
			member("u3", "somchai", "Somchai"),
		},
		err:      errors.New("temporarily unavailable"),
		failures: 1,
	}
	r := New("room-1", f, 2, nil)

	require.Error(t, r.Load(context.Background(), 1, false))
	require.NoError(t, r.LoadMore(context.Background()), "nothing to page before the first page loads")
	assert.Equal(t, int32(1), f.calls.Load())

	require.NoError(t, r.Load(context.Background(), 1, false))
	assert.Equal(t, int32(2), f.calls.Load(), "second load fetches again")
	assert.Len(t, r.Members(), 2)
	assert.True(t, r.HasMore())

	require.NoError(t, r.LoadMore(context.Background()))
	assert.Len(t, r.Members(), 3)
	assert.Equal(t, 3, r.Total())
}

func TestRoster_Lookup(t *testing.T) {
	f := &fakeFetcher{members: []models.RoomMember{
		member("u1", "john", "Johnathan"),
		member("u2", "mary", "Mary"),
		member("u3", "somchai", "สมชาย"),
	}}
	r := New("room-1", f, 10, nil)
	require.NoError(t, r.Load(context.Background(), 1, false))

	t.Run("Search", func(t *testing.T) {
		assert.Len(t, r.Search(""), 3)
		got := r.Search("JO")
		require.Len(t, got, 1)
		assert.Equal(t, "john", got[0].User.Username)
		assert.Len(t, r.Search("สม"), 1, "display names match too")
		assert.Empty(t, r.Search("zzz"))
	})

	t.Run("Member", func(t *testing.T) {
		m, ok := r.Member("u2")
		require.True(t, ok)
		assert.Equal(t, "mary", m.User.Username)
		_, ok = r.Member("nope")
		assert.False(t, ok)
	})

	t.Run("ByUsername", func(t *testing.T) {
		m, ok := r.ByUsername("Mary")
		require.True(t, ok)
		assert.Equal(t, "u2", m.UserID)
	})
}
