package roster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"
)

const DefaultPageSize = 50

// Fetcher loads one page of room members.
type Fetcher interface {
	Members(ctx context.Context, roomID string, page, limit int) (models.MembersPage, error)
}

// Roster is the paginated member directory of a single room.
type Roster struct {
	roomID  string
	fetcher Fetcher
	limit   int
	log     *slog.Logger
	group   singleflight.Group
	index   *geche.Locker[string, models.RoomMember]

	mux     sync.RWMutex
	members []models.RoomMember
	total   int
	page    int
	hasMore bool
	loaded  bool
	loading bool
}

func New(roomID string, fetcher Fetcher, limit int, logger *slog.Logger) *Roster {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		roomID:  roomID,
		fetcher: fetcher,
		limit:   limit,
		log:     logger,
		index:   geche.NewLocker[string, models.RoomMember](geche.NewMapCache[string, models.RoomMember]()),
		hasMore: true,
	}
}

// Load fetches a page. Without append it replaces the roster and runs only
// once per roster; with append it merges the page behind the loaded members.
// Concurrent loads of the same page share one request.
func (r *Roster) Load(ctx context.Context, page int, append bool) error {
	if page < 1 {
		page = 1
	}
	r.mux.Lock()
	if !append && r.loaded {
		r.mux.Unlock()
		return nil
	}
	r.loading = true
	r.mux.Unlock()

	v, err, _ := r.group.Do(strconv.Itoa(page), func() (any, error) {
		return r.fetcher.Members(ctx, r.roomID, page, r.limit)
	})

	r.mux.Lock()
	defer r.mux.Unlock()
	r.loading = false
	if err != nil {
		return fmt.Errorf("failed to load members page %d: %w", page, err)
	}

	res := v.(models.MembersPage)
	if append {
		r.merge(res.Members)
	} else {
		r.replace(res.Members)
	}
	r.total = max(res.Total, len(r.members))
	r.page = page
	r.hasMore = len(res.Members) == r.limit
	r.loaded = true
	r.log.Debug("members loaded", "room_id", r.roomID, "page", page, "count", len(res.Members))
	return nil
}

// LoadMore fetches the next page while there is one and nothing is in flight.
func (r *Roster) LoadMore(ctx context.Context) error {
	r.mux.RLock()
	if !r.hasMore || r.loading || !r.loaded {
		r.mux.RUnlock()
		return nil
	}
	next := r.page + 1
	r.mux.RUnlock()
	return r.Load(ctx, next, true)
}

// merge and replace must hold r.mux.
func (r *Roster) merge(page []models.RoomMember) {
	tx := r.index.Lock()
	defer tx.Unlock()
	for _, m := range page {
		id := memberID(m)
		if _, err := tx.Get(id); err == nil {
			continue
		}
		tx.Set(id, m)
		r.members = append(r.members, m)
	}
}

func (r *Roster) replace(page []models.RoomMember) {
	tx := r.index.Lock()
	for _, m := range r.members {
		_ = tx.Del(memberID(m))
	}
	tx.Unlock()
	r.members = nil
	r.merge(page)
}

func memberID(m models.RoomMember) string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.User.ID
}

func (r *Roster) Members() []models.RoomMember {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return slices.Clone(r.members)
}

func (r *Roster) Total() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.total
}

func (r *Roster) HasMore() bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.hasMore
}

// Loaded reports whether a first page has been fetched successfully.
func (r *Roster) Loaded() bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.loaded
}

func (r *Roster) Loading() bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.loading
}

// Member looks a member up by user id.
func (r *Roster) Member(userID string) (models.RoomMember, bool) {
	tx := r.index.RLock()
	defer tx.Unlock()
	m, err := tx.Get(userID)
	return m, err == nil
}

// ByUsername finds a member by username, ignoring case.
func (r *Roster) ByUsername(username string) (models.RoomMember, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, m := range r.members {
		if strings.EqualFold(m.User.Username, username) {
			return m, true
		}
	}
	return models.RoomMember{}, false
}

// Search returns members whose display name or username contains query.
// An empty query returns everyone.
func (r *Roster) Search(query string) []models.RoomMember {
	query = strings.ToLower(strings.TrimSpace(query))
	r.mux.RLock()
	defer r.mux.RUnlock()
	if query == "" {
		return slices.Clone(r.members)
	}
	var out []models.RoomMember
	for _, m := range r.members {
		if strings.Contains(strings.ToLower(m.User.Username), query) ||
			strings.Contains(strings.ToLower(m.User.DisplayName()), query) {
			out = append(out, m)
		}
	}
	return out
}
