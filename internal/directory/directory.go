// Package directory resolves logical playlist names to remote playlist ids,
// creating the playlist on first use.
package directory

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"buddyfeed/internal/core"
	"buddyfeed/internal/store"
)

// listPageSize is the largest page the playlist listing endpoint serves.
const listPageSize = 50

// Directory maps logical names such as "Feed_Alice" to playlist ids. At most one
// remote playlist is created per logical name, even under concurrent callers.
type Directory struct {
	logger  *zap.Logger
	service core.PlaylistService
	store   store.Store
	cache   *lru.Cache[string, string]
	metrics core.MetricsRecorder

	group singleflight.Group
	locks sync.Map // name -> *sync.Mutex
}

func New(service core.PlaylistService, st store.Store, cacheSize int, logger *zap.Logger, metrics core.MetricsRecorder) (*Directory, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}
	if metrics == nil {
		metrics = core.NopRecorder{}
	}

	return &Directory{
		logger:  logger,
		service: service,
		store:   st,
		cache:   cache,
		metrics: metrics,
	}, nil
}

// ResolveOrCreate returns the playlist id for name. It consults the cache, then
// the store, then the operator's own playlists, and finally creates a private
// playlist with exactly that name.
func (d *Directory) ResolveOrCreate(ctx context.Context, name string) (string, error) {
	if id, ok := d.cache.Get(name); ok {
		return id, nil
	}

	v, err, _ := d.group.Do(name, func() (any, error) {
		mu := d.lockFor(name)
		mu.Lock()
		defer mu.Unlock()
		return d.resolve(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Replace creates a fresh playlist under name and repoints the entry to it.
// No listing is done: the previous holder of the name was just renamed away.
func (d *Directory) Replace(ctx context.Context, name string) (string, error) {
	mu := d.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	id, err := d.service.CreatePlaylist(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to create replacement playlist %q: %w", name, err)
	}
	d.metrics.RecordPlaylistCreated()
	d.remember(ctx, name, id)

	d.logger.Info("Playlist replaced",
		zap.String("playlist", name),
		zap.String("playlistID", id))
	return id, nil
}

// Lookup returns a known id without touching the remote API.
func (d *Directory) Lookup(ctx context.Context, name string) (string, bool) {
	if id, ok := d.cache.Get(name); ok {
		return id, true
	}
	id, ok, err := d.store.Get(ctx, name)
	if err != nil {
		d.logger.Warn("Directory store read failed", zap.String("playlist", name), zap.Error(err))
		return "", false
	}
	return id, ok
}

// Len is the number of names the directory has resolved so far.
func (d *Directory) Len(ctx context.Context) int {
	n, err := d.store.Len(ctx)
	if err != nil {
		d.logger.Warn("Directory store count failed", zap.Error(err))
		return d.cache.Len()
	}
	return n
}

func (d *Directory) lockFor(name string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (d *Directory) resolve(ctx context.Context, name string) (string, error) {
	if id, ok := d.cache.Get(name); ok {
		return id, nil
	}

	id, ok, err := d.store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to read directory store: %w", err)
	}
	if ok {
		d.cache.Add(name, id)
		return id, nil
	}

	id, found, err := d.findOwned(ctx, name)
	if err != nil {
		return "", err
	}
	if found {
		d.logger.Info("Adopted existing playlist",
			zap.String("playlist", name),
			zap.String("playlistID", id))
		d.remember(ctx, name, id)
		return id, nil
	}

	id, err = d.service.CreatePlaylist(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to create playlist %q: %w", name, err)
	}
	d.metrics.RecordPlaylistCreated()
	d.remember(ctx, name, id)
	return id, nil
}

// findOwned pages through the operator's playlists looking for an exact name
// match the operator owns.
func (d *Directory) findOwned(ctx context.Context, name string) (string, bool, error) {
	owner := d.service.UserID()
	offset := 0
	for {
		page, total, err := d.service.OwnPlaylists(ctx, offset, listPageSize)
		if err != nil {
			return "", false, fmt.Errorf("failed to list own playlists: %w", err)
		}

		for _, p := range page {
			if p.Name == name && p.OwnerID == owner {
				return p.ID, true, nil
			}
		}

		if len(page) == 0 || offset+len(page) >= total {
			return "", false, nil
		}
		offset += len(page)
	}
}

func (d *Directory) remember(ctx context.Context, name, id string) {
	d.cache.Add(name, id)
	if err := d.store.Put(ctx, name, id); err != nil {
		d.logger.Warn("Directory store write failed, keeping entry in memory only",
			zap.String("playlist", name),
			zap.Error(err))
	}
	d.metrics.SetPlaylistsKnown(d.Len(ctx))
}
