// Package membership answers whether a track still has to be appended to a playlist.
package membership

import (
	"context"
	"fmt"

	"buddyfeed/internal/core"
)

// PageSize is the largest page the playlist items endpoint serves.
const PageSize = 100

// Oracle performs read-only membership checks against remote playlists.
type Oracle struct {
	service core.PlaylistService
}

func NewOracle(service core.PlaylistService) *Oracle {
	return &Oracle{service: service}
}

// NeedsAppend reports whether uri is absent from the playlist. It scans every
// page and stops at the first match.
func (o *Oracle) NeedsAppend(ctx context.Context, playlistID, uri string) (bool, error) {
	offset := 0
	for {
		page, total, err := o.service.PlaylistItems(ctx, playlistID, offset, PageSize)
		if err != nil {
			return false, fmt.Errorf("failed to scan playlist %s: %w", playlistID, err)
		}

		for _, item := range page {
			if item == uri {
				return false, nil
			}
		}

		if len(page) == 0 || offset+len(page) >= total {
			return true, nil
		}
		offset += len(page)
	}
}

// NeedsAppendReplay reports whether uri differs from the playlist's last item.
// Earlier occurrences do not matter.
func (o *Oracle) NeedsAppendReplay(ctx context.Context, playlistID, uri string) (bool, error) {
	_, total, err := o.service.PlaylistItems(ctx, playlistID, 0, 1)
	if err != nil {
		return false, fmt.Errorf("failed to read playlist %s size: %w", playlistID, err)
	}
	if total == 0 {
		return true, nil
	}

	last, _, err := o.service.PlaylistItems(ctx, playlistID, total-1, 1)
	if err != nil {
		return false, fmt.Errorf("failed to read last item of playlist %s: %w", playlistID, err)
	}
	if len(last) == 0 {
		return true, nil
	}
	return last[0] != uri, nil
}
