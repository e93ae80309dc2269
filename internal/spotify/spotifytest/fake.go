// Package spotifytest provides an in-memory playlist service for tests.
package spotifytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"buddyfeed/internal/core"
)

// Service implements core.PlaylistService and core.PlaybackReader in memory and
// counts every call by method name.
type Service struct {
	mu        sync.Mutex
	userID    string
	capacity  int
	playlists []*playlist
	calls     map[string]int
	playing   string
	playErr   error
	addHook   func(playlistID, uri string) error
	// createDelay widens the window in which concurrent creations could race.
	createDelay time.Duration
}

type playlist struct {
	id    string
	name  string
	owner string
	items []string
}

func New(userID string) *Service {
	return &Service{userID: userID, calls: make(map[string]int)}
}

// SetCapacity limits every playlist to n items; zero means unlimited.
func (s *Service) SetCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
}

// SetPlaying sets what CurrentlyPlaying reports; empty means nothing.
func (s *Service) SetPlaying(uri string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = uri
	s.playErr = err
}

// SetAddHook installs a function that can fail appends before they land.
func (s *Service) SetAddHook(fn func(playlistID, uri string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addHook = fn
}

func (s *Service) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDelay = d
}

// Seed adds a playlist without counting a call and returns its id.
func (s *Service) Seed(name, owner string, items ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(name, owner, items)
}

func (s *Service) add(name, owner string, items []string) string {
	id := fmt.Sprintf("pl%d", len(s.playlists)+1)
	s.playlists = append(s.playlists, &playlist{id: id, name: name, owner: owner, items: append([]string(nil), items...)})
	return id
}

func (s *Service) find(id string) *playlist {
	for _, p := range s.playlists {
		if p.id == id {
			return p
		}
	}
	return nil
}

// Items returns a copy of the playlist's items.
func (s *Service) Items(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.find(id); p != nil {
		return append([]string(nil), p.items...)
	}
	return nil
}

// Name returns the playlist's current name.
func (s *Service) Name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.find(id); p != nil {
		return p.name
	}
	return ""
}

// Named returns the ids of all playlists currently called name.
func (s *Service) Named(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, p := range s.playlists {
		if p.name == name {
			ids = append(ids, p.id)
		}
	}
	return ids
}

// Calls returns how often method was called.
func (s *Service) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of remote calls of any kind.
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *Service) UserID() string {
	return s.userID
}

func (s *Service) OwnPlaylists(_ context.Context, offset, limit int) ([]core.Playlist, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["OwnPlaylists"]++

	var page []core.Playlist
	for i := offset; i < len(s.playlists) && i < offset+limit; i++ {
		p := s.playlists[i]
		page = append(page, core.Playlist{ID: p.id, Name: p.name, OwnerID: p.owner, TrackCount: len(p.items)})
	}
	return page, len(s.playlists), nil
}

func (s *Service) CreatePlaylist(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	delay := s.createDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CreatePlaylist"]++
	return s.add(name, s.userID, nil), nil
}

func (s *Service) RenamePlaylist(_ context.Context, playlistID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["RenamePlaylist"]++

	p := s.find(playlistID)
	if p == nil {
		return fmt.Errorf("playlist %s not found", playlistID)
	}
	p.name = name
	return nil
}

func (s *Service) PlaylistItems(_ context.Context, playlistID string, offset, limit int) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["PlaylistItems"]++

	p := s.find(playlistID)
	if p == nil {
		return nil, 0, fmt.Errorf("playlist %s not found", playlistID)
	}
	var page []string
	for i := offset; i < len(p.items) && i < offset+limit; i++ {
		page = append(page, p.items[i])
	}
	return page, len(p.items), nil
}

func (s *Service) AddToPlaylist(_ context.Context, playlistID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["AddToPlaylist"]++

	if s.addHook != nil {
		if err := s.addHook(playlistID, uri); err != nil {
			return err
		}
	}
	p := s.find(playlistID)
	if p == nil {
		return fmt.Errorf("playlist %s not found", playlistID)
	}
	if s.capacity > 0 && len(p.items) >= s.capacity {
		return fmt.Errorf("failed to add track to playlist: %w", core.ErrPlaylistFull)
	}
	p.items = append(p.items, uri)
	return nil
}

func (s *Service) CurrentlyPlaying(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CurrentlyPlaying"]++

	if s.playErr != nil {
		return "", false, s.playErr
	}
	return s.playing, s.playing != "", nil
}
