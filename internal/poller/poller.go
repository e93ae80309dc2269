// Package poller drives the fetch and reconcile cycle on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"buddyfeed/internal/core"
	"buddyfeed/internal/reconcile"
)

// ResultKind tells the loop what to do after a cycle.
type ResultKind int

const (
	// ResultSuccess means the cycle ran to completion; per-buddy errors may still be attached.
	ResultSuccess ResultKind = iota
	// ResultTransientSkip means the cycle was abandoned and the next one may succeed.
	ResultTransientSkip
	// ResultFatal means the cookie was rejected and the loop must stop.
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultTransientSkip:
		return "skip"
	case ResultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	ID         string
	Kind       ResultKind
	Err        error
	Changed    bool
	Duration   time.Duration
	FinishedAt time.Time
}

// TokenSource is the token manager as seen by the loop.
type TokenSource interface {
	NeedsRefresh(now time.Time) bool
	Refresh(ctx context.Context) error
	Current() core.Credential
}

// PresenceFetcher reads the buddy list.
type PresenceFetcher interface {
	Fetch(ctx context.Context, token string) (core.Snapshot, error)
}

// Reconciler applies snapshots and own playback.
type Reconciler interface {
	ReconcileBuddies(ctx context.Context, snapshot core.Snapshot) (reconcile.Outcome, error)
	ReconcileOwn(ctx context.Context, uri string) error
}

type Poller struct {
	logger     *zap.Logger
	tokens     TokenSource
	presence   PresenceFetcher
	reconciler Reconciler
	playback   core.PlaybackReader
	metrics    core.MetricsRecorder
	interval   time.Duration
	trackSelf  bool
	now        func() time.Time

	mu      sync.RWMutex
	last    CycleResult
	hasLast bool
}

func New(config *core.PollConfig, tokens TokenSource, presence PresenceFetcher, reconciler Reconciler,
	playback core.PlaybackReader, logger *zap.Logger, metrics core.MetricsRecorder) *Poller {
	if metrics == nil {
		metrics = core.NopRecorder{}
	}
	return &Poller{
		logger:     logger,
		tokens:     tokens,
		presence:   presence,
		reconciler: reconciler,
		playback:   playback,
		metrics:    metrics,
		interval:   config.Interval,
		trackSelf:  config.TrackSelf && playback != nil,
		now:        time.Now,
	}
}

// Run executes cycles until ctx is cancelled or a cycle turns out fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Entering main loop", zap.Duration("interval", p.interval))

	for {
		result := p.RunCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if result.Kind == ResultFatal {
			return result.Err
		}

		p.logger.Debug("Sleeping", zap.Duration("interval", p.interval))
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle performs one refresh, fetch and reconcile pass. It never panics.
func (p *Poller) RunCycle(ctx context.Context) (result CycleResult) {
	start := p.now()
	id := uuid.NewString()
	logger := p.logger.With(zap.String("cycleID", id))

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Error in main loop", zap.Any("panic", rec), zap.Stack("stack"))
			p.metrics.RecordError("poller", "panic")
			result = CycleResult{Kind: ResultTransientSkip, Err: fmt.Errorf("cycle panicked: %v", rec)}
		}
		result.ID = id
		result.FinishedAt = p.now()
		result.Duration = result.FinishedAt.Sub(start)
		p.record(logger, result)
	}()

	return p.cycle(ctx, logger)
}

// LastResult returns the most recent cycle result.
func (p *Poller) LastResult() (CycleResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.hasLast
}

func (p *Poller) cycle(ctx context.Context, logger *zap.Logger) CycleResult {
	if p.tokens.NeedsRefresh(p.now()) {
		logger.Info("Refresh token")
		if err := p.tokens.Refresh(ctx); err != nil {
			if errors.Is(err, core.ErrAuthRejected) {
				return CycleResult{Kind: ResultFatal, Err: err}
			}
			logger.Error("Token refresh failed after retry", zap.Error(err))
			p.metrics.RecordError("auth", "refresh")
			return CycleResult{Kind: ResultTransientSkip, Err: err}
		}
		p.metrics.SetTokenExpiry(p.tokens.Current().ExpiresAt)
	}

	snapshot, err := p.presence.Fetch(ctx, p.tokens.Current().AccessToken)
	if err != nil {
		logger.Error("Presence fetch failed after retry", zap.Error(err))
		p.metrics.RecordError("presence", "fetch")
		return CycleResult{Kind: ResultTransientSkip, Err: err}
	}
	logger.Debug("Fetched presence", zap.Int("buddies", snapshot.Len()), zap.Bool("malformed", snapshot.Malformed))

	if p.trackSelf {
		p.trackOwn(ctx, logger)
	}

	outcome, err := p.reconciler.ReconcileBuddies(ctx, snapshot)
	if err != nil && ctx.Err() != nil {
		return CycleResult{Kind: ResultTransientSkip, Err: ctx.Err()}
	}
	return CycleResult{
		Kind:    ResultSuccess,
		Err:     err,
		Changed: outcome == reconcile.OutcomeChanged,
	}
}

func (p *Poller) trackOwn(ctx context.Context, logger *zap.Logger) {
	uri, ok, err := p.playback.CurrentlyPlaying(ctx)
	if err != nil {
		logger.Warn("Failed to read own playback", zap.Error(err))
		p.metrics.RecordError("playback", "read")
		return
	}
	if !ok {
		return
	}
	if err := p.reconciler.ReconcileOwn(ctx, uri); err != nil {
		logger.Error("Failed to record own playback", zap.String("trackURI", uri), zap.Error(err))
		p.metrics.RecordError("reconcile", "own")
	}
}

func (p *Poller) record(logger *zap.Logger, result CycleResult) {
	p.mu.Lock()
	p.last = result
	p.hasLast = true
	p.mu.Unlock()

	p.metrics.RecordCycle(result.Kind.String(), result.Duration)

	fields := []zap.Field{
		zap.Stringer("result", result.Kind),
		zap.Bool("changed", result.Changed),
		zap.Duration("duration", result.Duration),
	}
	switch {
	case result.Kind == ResultFatal:
		logger.Error("Cycle failed fatally", append(fields, zap.Error(result.Err))...)
	case result.Err != nil:
		logger.Warn("Cycle finished with errors", append(fields, zap.Error(result.Err))...)
	default:
		logger.Debug("Cycle finished", fields...)
	}
}
