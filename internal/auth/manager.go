// Package auth exchanges the long-lived sp_dc cookie for short-lived web player tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"buddyfeed/internal/core"
	"buddyfeed/internal/retry"
)

const (
	cookieName  = "sp_dc"
	totpVersion = "5"
	maxRedirect = 10
	// maxLoggedBody bounds how much of a rejected response ends up in the log.
	maxLoggedBody = 512
)

var errRedirectLoop = errors.New("too many redirects")

// Manager owns the current credential and refreshes it on demand.
type Manager struct {
	logger     *zap.Logger
	cookie     string
	tokenURL   string
	totpURL    string
	margin     time.Duration
	httpClient *http.Client
	policy     retry.Policy
	now        func() time.Time

	mu   sync.RWMutex
	cred core.Credential
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the client used for the token and TOTP endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryPolicy replaces the default retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a token manager for the given cookie. No request is made until Obtain.
func NewManager(cfg *core.SpotifyConfig, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		cookie:   cfg.Cookie,
		tokenURL: cfg.TokenURL,
		totpURL:  cfg.TOTPURL,
		margin:   cfg.TokenRefreshMargin,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirect {
					return errRedirectLoop
				}
				return nil
			},
		},
		policy: retry.DefaultPolicy(core.IsTransient),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Obtain fetches the first credential.
func (m *Manager) Obtain(ctx context.Context) error {
	return m.Refresh(ctx)
}

// Refresh replaces the current credential with a fresh one. Errors wrap
// core.ErrAuthRejected when the cookie was refused, or a transient sentinel
// once the retry budget is spent.
func (m *Manager) Refresh(ctx context.Context) error {
	code, timestamp := m.fetchTOTP(ctx)

	var cred core.Credential
	err := retry.Do(ctx, m.logger, m.policy, func(ctx context.Context) error {
		var err error
		cred, err = m.exchange(ctx, code, timestamp)
		return err
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	m.logger.Debug("Obtained access token",
		zap.Time("expiresAt", cred.ExpiresAt),
		zap.Duration("validFor", cred.Remaining(m.now())))
	return nil
}

// NeedsRefresh reports whether the credential expires within the margin of now.
func (m *Manager) NeedsRefresh(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cred.AccessToken == "" {
		return true
	}
	return m.cred.Remaining(now) < m.margin
}

// Current returns the credential in use.
func (m *Manager) Current() core.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// Token implements oauth2.TokenSource so the Web API client always carries the current bearer.
func (m *Manager) Token() (*oauth2.Token, error) {
	cred := m.Current()
	if cred.AccessToken == "" {
		return nil, core.ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}

func (m *Manager) exchange(ctx context.Context, code, timestamp string) (core.Credential, error) {
	u, err := url.Parse(m.tokenURL)
	if err != nil {
		return core.Credential{}, fmt.Errorf("failed to parse token URL: %w", err)
	}
	q := u.Query()
	q.Set("reason", "init")
	q.Set("productType", "web_player")
	if code != "" {
		q.Set("totpVer", totpVersion)
		q.Set("totp", code)
		q.Set("cTime", timestamp)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return core.Credential{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: cookieName, Value: m.cookie})

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, errRedirectLoop) {
			return core.Credential{}, fmt.Errorf("%w: token endpoint redirect loop", core.ErrAuthRejected)
		}
		return core.Credential{}, fmt.Errorf("failed to reach token endpoint: %w: %w", core.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Credential{}, fmt.Errorf("failed to read token response: %w: %w", core.ErrTransientNetwork, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return core.Credential{}, fmt.Errorf("token endpoint returned status %d: %w", resp.StatusCode, core.ErrTransientNetwork)
	}
	if resp.StatusCode != http.StatusOK {
		m.logger.Error("Invalid cookie or TOTP, check the cookie and try again",
			zap.Int("status", resp.StatusCode),
			zap.String("response", truncate(body)))
		return core.Credential{}, fmt.Errorf("%w: token endpoint returned status %d", core.ErrAuthRejected, resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return core.Credential{}, fmt.Errorf("failed to decode token response: %w", core.ErrTransientDecode)
	}
	token := gjson.GetBytes(body, "accessToken")
	expiry := gjson.GetBytes(body, "accessTokenExpirationTimestampMs")
	if !token.Exists() || !expiry.Exists() {
		return core.Credential{}, fmt.Errorf("failed to decode token response: missing keys: %w", core.ErrTransientDecode)
	}
	if token.String() == "" {
		return core.Credential{}, fmt.Errorf("%w: empty access token", core.ErrAuthRejected)
	}

	return core.Credential{
		AccessToken: token.String(),
		ExpiresAt:   time.UnixMilli(expiry.Int()),
	}, nil
}

// fetchTOTP asks the helper for a one-time code. Failures are logged and yield
// empty values so the exchange is still attempted without a code.
func (m *Manager) fetchTOTP(ctx context.Context) (code, timestamp string) {
	if m.totpURL == "" {
		return "", ""
	}

	err := retry.Do(ctx, m.logger, m.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.totpURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to create TOTP request: %w", err)
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach TOTP helper: %w: %w", core.ErrTransientNetwork, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read TOTP response: %w: %w", core.ErrTransientNetwork, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("TOTP helper returned status %d: %w", resp.StatusCode, core.ErrTransientNetwork)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("TOTP helper returned status %d", resp.StatusCode)
		}

		result := gjson.GetManyBytes(body, "totp", "timestamp")
		if result[0].String() == "" || result[1].String() == "" {
			return fmt.Errorf("TOTP or timestamp missing in response: %w", core.ErrTransientDecode)
		}
		code, timestamp = result[0].String(), result[1].String()
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to get TOTP, exchanging without one", zap.Error(err))
		return "", ""
	}
	return code, timestamp
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
