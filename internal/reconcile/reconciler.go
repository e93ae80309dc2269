// Package reconcile turns presence snapshots into playlist appends.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"buddyfeed/internal/core"
)

// Outcome classifies what a snapshot did to the reconciler's state.
type Outcome int

const (
	// OutcomeUnchanged means the snapshot equals the last committed one.
	OutcomeUnchanged Outcome = iota
	// OutcomeChanged means the snapshot was processed.
	OutcomeChanged
	// OutcomeMalformed means the presence payload was unreadable and was ignored.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	case OutcomeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Directory resolves logical playlist names.
type Directory interface {
	ResolveOrCreate(ctx context.Context, name string) (string, error)
	Replace(ctx context.Context, name string) (string, error)
}

// Oracle decides whether an append is needed.
type Oracle interface {
	NeedsAppend(ctx context.Context, playlistID, uri string) (bool, error)
	NeedsAppendReplay(ctx context.Context, playlistID, uri string) (bool, error)
}

type Options struct {
	// TrackReplay also logs every buddy play into Replay_<name>.
	TrackReplay bool
	// OwnName names the operator's own replay playlist.
	OwnName string
	// Now defaults to time.Now and dates rollover archives.
	Now func() time.Time
}

type Reconciler struct {
	logger    *zap.Logger
	service   core.PlaylistService
	directory Directory
	oracle    Oracle
	metrics   core.MetricsRecorder
	opts      Options

	buddyMu sync.Mutex
	last    core.Snapshot
	hasLast bool

	ownMu   sync.Mutex
	lastOwn string
}

func New(service core.PlaylistService, directory Directory, oracle Oracle,
	logger *zap.Logger, metrics core.MetricsRecorder, opts Options) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if metrics == nil {
		metrics = core.NopRecorder{}
	}
	return &Reconciler{
		logger:    logger,
		service:   service,
		directory: directory,
		oracle:    oracle,
		metrics:   metrics,
		opts:      opts,
	}
}

// ReconcileBuddies mirrors a snapshot into the buddies' playlists. A failing
// buddy does not stop the others; the snapshot is committed as last known only
// when every buddy succeeded, so failures are retried on the next change check.
// The returned error joins the per-buddy failures.
func (r *Reconciler) ReconcileBuddies(ctx context.Context, snapshot core.Snapshot) (Outcome, error) {
	r.buddyMu.Lock()
	defer r.buddyMu.Unlock()

	if snapshot.Malformed {
		r.logger.Warn("Presence payload malformed, keeping previous snapshot")
		return OutcomeMalformed, nil
	}

	if r.hasLast && r.last.Equal(snapshot) {
		r.logger.Debug("No changes")
		return OutcomeUnchanged, nil
	}

	r.metrics.SetBuddies(snapshot.Len())
	if snapshot.Len() == 0 {
		r.logger.Debug("No buddies playing")
	}

	var errs []error
	for _, entry := range snapshot.Entries {
		if err := r.reconcileBuddy(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return OutcomeChanged, ctx.Err()
			}
			r.logger.Error("Failed to reconcile buddy",
				zap.String("buddy", entry.Name),
				zap.String("trackURI", entry.TrackURI),
				zap.Error(err))
			r.metrics.RecordError("reconcile", "buddy")
			errs = append(errs, fmt.Errorf("buddy %q: %w", entry.Name, err))
		}
	}

	if len(errs) == 0 {
		r.last = snapshot
		r.hasLast = true
	}
	return OutcomeChanged, errors.Join(errs...)
}

// ReconcileOwn records the operator's own track into Replay_<ownName> when it
// changed since the last observation.
func (r *Reconciler) ReconcileOwn(ctx context.Context, uri string) error {
	r.ownMu.Lock()
	defer r.ownMu.Unlock()

	if uri == r.lastOwn {
		r.logger.Debug("No own changes")
		return nil
	}

	if !core.IsAppendable(uri) {
		r.logSkipped(r.opts.OwnName, uri)
		r.lastOwn = uri
		return nil
	}

	if err := r.replay(ctx, r.opts.OwnName, uri); err != nil {
		return err
	}
	r.lastOwn = uri
	return nil
}

// lastSnapshot returns the last committed snapshot.
func (r *Reconciler) lastSnapshot() (core.Snapshot, bool) {
	r.buddyMu.Lock()
	defer r.buddyMu.Unlock()
	return r.last, r.hasLast
}

func (r *Reconciler) reconcileBuddy(ctx context.Context, entry core.Entry) error {
	if !core.IsAppendable(entry.TrackURI) {
		r.logSkipped(entry.Name, entry.TrackURI)
		return nil
	}

	feedName := core.PlaylistName(core.KindFeed, entry.Name)
	feedID, err := r.directory.ResolveOrCreate(ctx, feedName)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", feedName, err)
	}

	if r.opts.TrackReplay {
		if err := r.replay(ctx, entry.Name, entry.TrackURI); err != nil {
			return err
		}
	}

	needed, err := r.oracle.NeedsAppend(ctx, feedID, entry.TrackURI)
	if err != nil {
		return err
	}
	if !needed {
		r.logger.Info("No change in feed", zap.String("buddy", entry.Name))
		return nil
	}

	if err := r.appendWithRollover(ctx, core.KindFeed, feedName, feedID, entry.TrackURI); err != nil {
		return err
	}
	r.logger.Info("Added track",
		zap.String("playlist", feedName),
		zap.String("trackURI", entry.TrackURI))
	return nil
}

func (r *Reconciler) replay(ctx context.Context, person, uri string) error {
	name := core.PlaylistName(core.KindReplay, person)
	id, err := r.directory.ResolveOrCreate(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", name, err)
	}

	needed, err := r.oracle.NeedsAppendReplay(ctx, id, uri)
	if err != nil {
		return err
	}
	if !needed {
		r.logger.Debug("Replay tail unchanged", zap.String("playlist", name))
		return nil
	}

	if err := r.appendWithRollover(ctx, core.KindReplay, name, id, uri); err != nil {
		return err
	}
	r.logger.Info("Added track",
		zap.String("playlist", name),
		zap.String("trackURI", uri))
	return nil
}

// appendWithRollover appends uri and, when the playlist is full, archives it
// under a dated name, points the logical name at a fresh playlist and retries
// the append once there.
func (r *Reconciler) appendWithRollover(ctx context.Context, kind core.PlaylistKind, name, playlistID, uri string) error {
	err := r.service.AddToPlaylist(ctx, playlistID, uri)
	if err == nil {
		r.metrics.RecordAppend(kind)
		return nil
	}
	if !errors.Is(err, core.ErrPlaylistFull) {
		return err
	}

	archive := core.ArchiveName(name, r.opts.Now())
	r.logger.Info("Playlist full, rolling over",
		zap.String("playlist", name),
		zap.String("archivedAs", archive))

	if err := r.service.RenamePlaylist(ctx, playlistID, archive); err != nil {
		return fmt.Errorf("failed to archive full playlist %s: %w", name, err)
	}
	newID, err := r.directory.Replace(ctx, name)
	if err != nil {
		return err
	}
	r.metrics.RecordRollover(kind)

	if err := r.service.AddToPlaylist(ctx, newID, uri); err != nil {
		return fmt.Errorf("failed to append after rollover: %w", err)
	}
	r.metrics.RecordAppend(kind)
	return nil
}

func (r *Reconciler) logSkipped(person, uri string) {
	if core.IsLocalTrack(uri) {
		r.logger.Info("Track is local, skipping", zap.String("buddy", person), zap.String("trackURI", uri))
		return
	}
	r.logger.Debug("Not a catalogue item, skipping", zap.String("buddy", person), zap.String("trackURI", uri))
}
