// Package memstore keeps every repository in process memory. It is used by
// tests and by `store.driver: memory` for local runs. All state sits behind a
// single mutex, so each multi-step write is atomic the same way a Postgres
// transaction is.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"circle-service/internal/geo"
	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

type pair [2]string

type sessionRow struct {
	session    models.ChatSession
	lastSentAt time.Time
}

// Store holds all in-memory state.
type Store struct {
	mu sync.Mutex

	profiles  map[string]models.Profile
	locations map[string]models.UserLocation
	edges     map[pair]time.Time
	requests  map[pair]models.FriendRequest
	sessions  map[string]*sessionRow
	items     map[pair]models.ChatListItem
	messages  map[string][]models.Message
	seq       int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		profiles:  make(map[string]models.Profile),
		locations: make(map[string]models.UserLocation),
		edges:     make(map[pair]time.Time),
		requests:  make(map[pair]models.FriendRequest),
		sessions:  make(map[string]*sessionRow),
		items:     make(map[pair]models.ChatListItem),
		messages:  make(map[string][]models.Message),
	}
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UID] = p
}

// Locations returns the LocationRepository view.
func (s *Store) Locations() *Locations { return &Locations{s: s} }

// Profiles returns the ProfileRepository view.
func (s *Store) Profiles() *Profiles { return &Profiles{s: s} }

// Friends returns the FriendRepository view.
func (s *Store) Friends() *Friends { return &Friends{s: s} }

// Chats returns the ChatRepository view.
func (s *Store) Chats() *Chats { return &Chats{s: s} }

// Messages returns the MessageRepository view.
func (s *Store) Messages() *Messages { return &Messages{s: s} }

func (s *Store) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	return nil
}

// deleteChatLocked drops the session and everything hanging off it.
func (s *Store) deleteChatLocked(chatID string) bool {
	row, ok := s.sessions[chatID]
	if !ok {
		return false
	}
	delete(s.sessions, chatID)
	delete(s.items, pair{row.session.UserA, chatID})
	delete(s.items, pair{row.session.UserB, chatID})
	delete(s.messages, chatID)
	return true
}

// setChatStateLocked flips the session and both list items.
func (s *Store) setChatStateLocked(chatID string, temporary bool, expireAt *time.Time) bool {
	row, ok := s.sessions[chatID]
	if !ok {
		return false
	}
	row.session.Temporary = temporary
	row.session.ExpireAt = copyTime(expireAt)
	for _, owner := range []string{row.session.UserA, row.session.UserB} {
		key := pair{owner, chatID}
		if item, ok := s.items[key]; ok {
			item.Temporary = temporary
			item.ExpireAt = copyTime(expireAt)
			s.items[key] = item
		}
	}
	return true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Locations implements repositories.LocationRepository.
type Locations struct{ s *Store }

var _ repositories.LocationRepository = (*Locations)(nil)

func (l *Locations) Upsert(ctx context.Context, loc models.UserLocation) error {
	if err := l.s.lock(ctx); err != nil {
		return err
	}
	defer l.s.mu.Unlock()
	l.s.locations[loc.UID] = loc
	return nil
}

func (l *Locations) ListInBox(ctx context.Context, box geo.Box, freshAfter time.Time) ([]models.UserLocation, error) {
	if err := l.s.lock(ctx); err != nil {
		return nil, err
	}
	defer l.s.mu.Unlock()
	var out []models.UserLocation
	for _, loc := range l.s.locations {
		if loc.ObservedAt.Before(freshAfter) {
			continue
		}
		if box.Contains(geo.Point{Lat: loc.Latitude, Lng: loc.Longitude}) {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (l *Locations) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := l.s.lock(ctx); err != nil {
		return 0, err
	}
	defer l.s.mu.Unlock()
	var n int64
	for uid, loc := range l.s.locations {
		if loc.ObservedAt.Before(cutoff) {
			delete(l.s.locations, uid)
			n++
		}
	}
	return n, nil
}

// Profiles implements repositories.ProfileRepository.
type Profiles struct{ s *Store }

var _ repositories.ProfileRepository = (*Profiles)(nil)

func (p *Profiles) Get(ctx context.Context, uid string) (models.Profile, error) {
	if err := p.s.lock(ctx); err != nil {
		return models.Profile{}, err
	}
	defer p.s.mu.Unlock()
	profile, ok := p.s.profiles[uid]
	if !ok {
		return models.Profile{}, repositories.ErrProfileNotFound
	}
	return profile, nil
}

func (p *Profiles) GetByIDs(ctx context.Context, uids []string) ([]models.Profile, error) {
	if len(uids) > repositories.MaxProfileBatch {
		return nil, repositories.ErrBatchTooLarge
	}
	if err := p.s.lock(ctx); err != nil {
		return nil, err
	}
	defer p.s.mu.Unlock()
	out := []models.Profile{}
	for _, uid := range uids {
		if profile, ok := p.s.profiles[uid]; ok {
			out = append(out, profile)
		}
	}
	return out, nil
}
