package core

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// LocalTrackPrefix marks tracks that only exist on the listener's device.
	LocalTrackPrefix = "spotify:local:"
	// URIScheme starts every catalogue URI, e.g. "spotify:track:<id>" or "spotify:episode:<id>".
	URIScheme = "spotify"
	// ArchiveDateLayout is appended to a full playlist's name on rollover.
	ArchiveDateLayout = "2006-01-02"
)

// PlaylistKind distinguishes deduplicated feeds from append-only replay logs.
type PlaylistKind string

const (
	// KindFeed playlists hold every distinct track once.
	KindFeed PlaylistKind = "Feed"
	// KindReplay playlists log every observed play, deduplicated against the tail only.
	KindReplay PlaylistKind = "Replay"
)

// PlaylistName builds the logical playlist name for a person, e.g. "Feed_Alice".
func PlaylistName(kind PlaylistKind, person string) string {
	return string(kind) + "_" + norm.NFC.String(person)
}

// ArchiveName is the name a full playlist is renamed to before a fresh one takes its place.
func ArchiveName(logicalName string, now time.Time) string {
	return logicalName + "_" + now.Format(ArchiveDateLayout)
}

// IsLocalTrack reports whether uri points at a device-local file.
func IsLocalTrack(uri string) bool {
	return strings.Contains(uri, LocalTrackPrefix)
}

// IsAppendable reports whether uri is a catalogue item a playlist can hold:
// "spotify:<kind>:<id>" with any kind except local.
func IsAppendable(uri string) bool {
	parts := strings.SplitN(uri, ":", 3)
	if len(parts) != 3 || parts[0] != URIScheme {
		return false
	}
	return parts[1] != "" && parts[1] != "local" && parts[2] != ""
}

// Credential is the short-lived bearer token derived from the cookie.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Remaining returns how long the credential stays valid after now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

type Entry struct {
	Name     string
	TrackURI string
}

// Snapshot is one observation of what every buddy is playing.
type Snapshot struct {
	Entries []Entry
	// Malformed is set when the presence payload could not be read; Entries is empty then.
	Malformed bool
}

// NewSnapshot builds a snapshot keyed by name. A repeated name keeps its first
// position and takes the last value.
func NewSnapshot(entries []Entry) Snapshot {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.Name]; ok {
			out[i].TrackURI = e.TrackURI
			continue
		}
		index[e.Name] = len(out)
		out = append(out, e)
	}
	return Snapshot{Entries: out}
}

// MalformedSnapshot is the result of a presence read whose shape was not understood.
func MalformedSnapshot() Snapshot {
	return Snapshot{Malformed: true}
}

func (s Snapshot) Len() int {
	return len(s.Entries)
}

// Map returns the name to URI mapping.
func (s Snapshot) Map() map[string]string {
	m := make(map[string]string, len(s.Entries))
	for _, e := range s.Entries {
		m[e.Name] = e.TrackURI
	}
	return m
}

// Equal compares the name to URI mappings; entry order does not matter.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.Malformed != other.Malformed || len(s.Entries) != len(other.Entries) {
		return false
	}
	m := other.Map()
	for _, e := range s.Entries {
		uri, ok := m[e.Name]
		if !ok || uri != e.TrackURI {
			return false
		}
	}
	return true
}

type Playlist struct {
	ID         string
	Name       string
	OwnerID    string
	TrackCount int
}

// PlaylistService is the remote playlist API as seen by the sync core.
type PlaylistService interface {
	// UserID is the operator's account id.
	UserID() string
	// OwnPlaylists returns one page of the operator's playlists and the total count.
	OwnPlaylists(ctx context.Context, offset, limit int) ([]Playlist, int, error)
	CreatePlaylist(ctx context.Context, name string) (string, error)
	RenamePlaylist(ctx context.Context, playlistID, name string) error
	// PlaylistItems returns one page of item URIs and the playlist's total item count.
	PlaylistItems(ctx context.Context, playlistID string, offset, limit int) ([]string, int, error)
	// AddToPlaylist appends uri; a full playlist yields an error wrapping ErrPlaylistFull.
	AddToPlaylist(ctx context.Context, playlistID, uri string) error
}

// PlaybackReader reads the operator's own playback.
type PlaybackReader interface {
	// CurrentlyPlaying returns ok=false when nothing is playing.
	CurrentlyPlaying(ctx context.Context) (uri string, ok bool, err error)
}

// MetricsRecorder receives sync events; internal/http implements it with Prometheus.
type MetricsRecorder interface {
	RecordCycle(result string, duration time.Duration)
	RecordAppend(kind PlaylistKind)
	RecordRollover(kind PlaylistKind)
	RecordPlaylistCreated()
	RecordError(component, errType string)
	SetBuddies(count int)
	SetPlaylistsKnown(count int)
	SetTokenExpiry(expiry time.Time)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) RecordCycle(string, time.Duration) {}
func (NopRecorder) RecordAppend(PlaylistKind)         {}
func (NopRecorder) RecordRollover(PlaylistKind)       {}
func (NopRecorder) RecordPlaylistCreated()            {}
func (NopRecorder) RecordError(string, string)        {}
func (NopRecorder) SetBuddies(int)                    {}
func (NopRecorder) SetPlaylistsKnown(int)             {}
func (NopRecorder) SetTokenExpiry(time.Time)          {}
