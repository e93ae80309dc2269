// Package presence reads the buddy list and turns it into a snapshot.
package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"buddyfeed/internal/core"
	"buddyfeed/internal/retry"
)

const maxLoggedPayload = 1024

// Fetcher performs the buddy list read.
type Fetcher struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
	policy     retry.Policy
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the client used for the buddy list request.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithRetryPolicy replaces the default retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Fetcher) { f.policy = p }
}

func NewFetcher(cfg *core.SpotifyConfig, logger *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:     logger,
		url:        cfg.PresenceURL,
		httpClient: &http.Client{Timeout: cfg.PresenceTimeout},
		policy:     retry.DefaultPolicy(isRetryable),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func isRetryable(err error) bool {
	return errors.Is(err, core.ErrTransientNetwork)
}

// Fetch returns what every buddy is playing right now. A payload of unexpected
// shape yields a malformed snapshot and a nil error; only exhausted network
// failures are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, token string) (core.Snapshot, error) {
	var body []byte
	var status int

	err := retry.Do(ctx, f.logger, f.policy, func(ctx context.Context) error {
		var err error
		body, status, err = f.get(ctx, token)
		return err
	})
	if err != nil {
		return core.Snapshot{}, err
	}

	if status != http.StatusOK {
		f.logger.Error("Presence payload malformed",
			zap.Int("status", status),
			zap.String("payload", truncate(body)))
		return core.MalformedSnapshot(), nil
	}

	snapshot, ok := Parse(body)
	if !ok {
		f.logger.Error("Presence payload malformed", zap.String("payload", truncate(body)))
		return snapshot, nil
	}
	return snapshot, nil
}

func (f *Fetcher) get(ctx context.Context, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create buddy list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch buddy list: %w: %w", core.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read buddy list: %w: %w", core.ErrTransientNetwork, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, resp.StatusCode, fmt.Errorf("buddy list returned status %d: %w", resp.StatusCode, core.ErrTransientNetwork)
	}
	return body, resp.StatusCode, nil
}

// Parse converts a buddy list payload into a snapshot. It returns ok=false and a
// malformed snapshot when the payload lacks friends or an entry lacks user.name
// or track.uri.
func Parse(body []byte) (core.Snapshot, bool) {
	if !gjson.ValidBytes(body) {
		return core.MalformedSnapshot(), false
	}
	friends := gjson.GetBytes(body, "friends")
	if !friends.IsArray() {
		return core.MalformedSnapshot(), false
	}

	entries := make([]core.Entry, 0, len(friends.Array()))
	ok := true
	friends.ForEach(func(_, friend gjson.Result) bool {
		name := friend.Get("user.name")
		uri := friend.Get("track.uri")
		if !name.Exists() || !uri.Exists() {
			ok = false
			return false
		}
		entries = append(entries, core.Entry{Name: name.String(), TrackURI: uri.String()})
		return true
	})
	if !ok {
		return core.MalformedSnapshot(), false
	}
	return core.NewSnapshot(entries), true
}

func truncate(body []byte) string {
	if len(body) > maxLoggedPayload {
		return string(body[:maxLoggedPayload]) + "..."
	}
	return string(body)
}
