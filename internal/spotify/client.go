// Package spotify wraps the Spotify Web API calls the buddy feed needs: the
// operator's playlists, playlist items, appends and own playback.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"buddyfeed/internal/core"
	"buddyfeed/internal/retry"
)

const (
	// MaxPlaylistPageSize is the largest page /me/playlists hands out.
	MaxPlaylistPageSize = 50
	// MaxItemPageSize is the largest page /playlists/{id}/tracks hands out.
	MaxItemPageSize = 100
	// playlistFullMessage is what the API says when a playlist hit its item cap.
	playlistFullMessage = "Playlist size limit reached"
	defaultBaseURL      = "https://api.spotify.com/v1/"
	// A freshly minted web player token is sometimes refused for a few seconds.
	authAttempts = 3
	authDelay    = 7 * time.Second
)

type Client struct {
	config      *core.SpotifyConfig
	logger      *zap.Logger
	client      *spotify.Client
	httpClient  *http.Client
	baseURL     string
	authPolicy  retry.Policy
	userID      string
	displayName string
}

// Option customizes the underlying zmb3 client.
type Option func(*options)

type options struct {
	baseURL    string
	base       http.RoundTripper
	authPolicy retry.Policy
}

// WithBaseURL points the client at another API root; it must end in a slash.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithTransport replaces the round tripper beneath the limiter and the bearer transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithAuthRetryPolicy replaces the schedule Authenticate retries a refused token on.
func WithAuthRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.authPolicy = p }
}

// NewClient builds a rate limited Web API client that authorizes every request
// with the current token from source.
func NewClient(config *core.SpotifyConfig, logger *zap.Logger, source oauth2.TokenSource, opts ...Option) *Client {
	o := &options{
		baseURL:    defaultBaseURL,
		base:       http.DefaultTransport,
		authPolicy: retry.FixedPolicy(authAttempts, authDelay, isUnauthorized),
	}
	for _, opt := range opts {
		opt(o)
	}

	limit := rate.Limit(config.APIRateLimit)
	if config.APIRateLimit <= 0 {
		limit = rate.Inf
	}
	burst := config.APIRateBurst
	if burst < 1 {
		burst = 1
	}

	httpClient := &http.Client{
		Timeout: config.RequestTimeout,
		Transport: &oauth2.Transport{
			Source: source,
			Base: &limitedTransport{
				base:    o.base,
				limiter: rate.NewLimiter(limit, burst),
			},
		},
	}

	return &Client{
		config:     config,
		logger:     logger,
		client:     spotify.New(httpClient, spotify.WithRetry(true), spotify.WithBaseURL(o.baseURL)),
		httpClient: httpClient,
		baseURL:    o.baseURL,
		authPolicy: o.authPolicy,
	}
}

// Authenticate resolves the operator's account. A 401 is retried on a fixed
// schedule; one that persists means the derived token was refused and is
// reported as core.ErrAuthRejected.
func (c *Client) Authenticate(ctx context.Context) error {
	var user *spotify.PrivateUser
	err := retry.Do(ctx, c.logger, c.authPolicy, func(ctx context.Context) error {
		var err error
		user, err = c.client.CurrentUser(ctx)
		return err
	})
	if err != nil {
		var spErr spotify.Error
		if errors.As(err, &spErr) && spErr.Status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", core.ErrAuthRejected, spErr.Message)
		}
		return fmt.Errorf("failed to get current user: %w", err)
	}

	c.userID = user.ID
	c.displayName = user.DisplayName
	if c.displayName == "" {
		c.displayName = user.ID
	}

	c.logger.Info("Authenticated successfully",
		zap.String("user", c.displayName),
		zap.String("userID", c.userID))
	return nil
}

func (c *Client) UserID() string {
	return c.userID
}

// DisplayName is the operator's display name, or the account id when none is set.
func (c *Client) DisplayName() string {
	return c.displayName
}

func (c *Client) OwnPlaylists(ctx context.Context, offset, limit int) ([]core.Playlist, int, error) {
	if c.userID == "" {
		return nil, 0, core.ErrNotAuthenticated
	}

	page, err := c.client.CurrentUsersPlaylists(ctx, spotify.Limit(limit), spotify.Offset(offset))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list playlists: %w", err)
	}

	playlists := make([]core.Playlist, 0, len(page.Playlists))
	for i := range page.Playlists {
		p := &page.Playlists[i]
		playlists = append(playlists, core.Playlist{
			ID:         string(p.ID),
			Name:       p.Name,
			OwnerID:    p.Owner.ID,
			TrackCount: int(p.Tracks.Total), //nolint:gosec // playlist sizes fit in int
		})
	}

	return playlists, int(page.Total), nil
}

// CreatePlaylist creates a private, non-collaborative playlist owned by the operator.
func (c *Client) CreatePlaylist(ctx context.Context, name string) (string, error) {
	if c.userID == "" {
		return "", core.ErrNotAuthenticated
	}

	playlist, err := c.client.CreatePlaylistForUser(ctx, c.userID, name, "", false, false)
	if err != nil {
		return "", fmt.Errorf("failed to create playlist %q: %w", name, err)
	}

	c.logger.Info("Created playlist",
		zap.String("playlist", name),
		zap.String("playlistID", string(playlist.ID)))
	return string(playlist.ID), nil
}

func (c *Client) RenamePlaylist(ctx context.Context, playlistID, name string) error {
	if err := c.client.ChangePlaylistName(ctx, spotify.ID(playlistID), name); err != nil {
		return fmt.Errorf("failed to rename playlist: %w", err)
	}

	c.logger.Info("Renamed playlist",
		zap.String("playlistID", playlistID),
		zap.String("newName", name))
	return nil
}

// PlaylistItems returns the URIs of one page of items and the playlist's total.
func (c *Client) PlaylistItems(ctx context.Context, playlistID string, offset, limit int) ([]string, int, error) {
	page, err := c.client.GetPlaylistItems(ctx, spotify.ID(playlistID),
		spotify.Limit(limit), spotify.Offset(offset))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get playlist items: %w", err)
	}

	uris := make([]string, 0, len(page.Items))
	for i := range page.Items {
		item := page.Items[i].Track
		switch {
		case item.Track != nil:
			uris = append(uris, string(item.Track.URI))
		case item.Episode != nil:
			uris = append(uris, string(item.Episode.URI))
		default:
			// Null items keep their slot.
			uris = append(uris, "")
		}
	}

	return uris, int(page.Total), nil
}

// AddToPlaylist appends one catalogue item by its full URI, so tracks and
// episodes both land. A full playlist yields an error wrapping core.ErrPlaylistFull.
func (c *Client) AddToPlaylist(ctx context.Context, playlistID, uri string) error {
	if !core.IsAppendable(uri) {
		return fmt.Errorf("cannot append %q: not a catalogue item", uri)
	}

	if err := c.postItems(ctx, playlistID, uri); err != nil {
		if isPlaylistFull(err) {
			return fmt.Errorf("failed to add track to playlist: %w", core.ErrPlaylistFull)
		}
		return fmt.Errorf("failed to add track to playlist: %w", err)
	}

	c.logger.Debug("Track added to playlist",
		zap.String("trackURI", uri),
		zap.String("playlistID", playlistID))
	return nil
}

// CurrentlyPlaying reports the operator's current item; ok is false when nothing is loaded.
func (c *Client) CurrentlyPlaying(ctx context.Context) (string, bool, error) {
	current, err := c.client.PlayerCurrentlyPlaying(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to get currently playing: %w", err)
	}

	if current == nil || current.Item == nil || current.Item.URI == "" {
		return "", false, nil
	}
	return string(current.Item.URI), true, nil
}

// postItems issues POST playlists/{id}/tracks with {"uris":[...]}. The zmb3
// helper only takes track ids, which would turn an episode into a bogus track URI.
func (c *Client) postItems(ctx context.Context, playlistID string, uris ...string) error {
	body, err := json.Marshal(struct {
		URIs []string `json:"uris"`
	}{URIs: uris})
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}

	endpoint := c.baseURL + "playlists/" + playlistID + "/tracks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w: %w", core.ErrTransientNetwork, err)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	message := gjson.GetBytes(respBody, "error.message").String()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return spotify.Error{Message: message, Status: resp.StatusCode}
}

func isUnauthorized(err error) bool {
	var spErr spotify.Error
	return errors.As(err, &spErr) && spErr.Status == http.StatusUnauthorized
}

func isPlaylistFull(err error) bool {
	var spErr spotify.Error
	if errors.As(err, &spErr) {
		return spErr.Status == http.StatusBadRequest && strings.Contains(spErr.Message, playlistFullMessage)
	}
	return strings.Contains(err.Error(), playlistFullMessage)
}

// limitedTransport paces outgoing Web API requests.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return t.base.RoundTrip(req)
}
