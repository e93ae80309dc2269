package core

import (
	"time"
)

const (
	// DefaultSleepMinutes is the pause between two poll cycles.
	DefaultSleepMinutes = 2
	// DefaultTokenRefreshMarginMs is how long before expiry the bearer token is refreshed.
	DefaultTokenRefreshMarginMs = 2000
	// DefaultTOTPURL is the helper endpoint that hands out web player TOTP codes.
	DefaultTOTPURL = "https://totp-gateway.glitch.me/create"
	// DefaultTokenURL is the web player token exchange endpoint.
	DefaultTokenURL = "https://open.spotify.com/get_access_token"
	// DefaultPresenceURL is the buddy list endpoint.
	DefaultPresenceURL = "https://guc-spclient.spotify.com/presence-view/v1/buddylist"
	// DefaultCookieFile is read once at startup for the sp_dc cookie value.
	DefaultCookieFile = "cookie.txt"
	// DefaultAPIRateLimit is the number of Web API requests allowed per second.
	DefaultAPIRateLimit = 10.0
	// DefaultAPIRateBurst is the Web API limiter burst size.
	DefaultAPIRateBurst = 5
	// DefaultServerPort is the health and metrics port.
	DefaultServerPort = 8080
	// DefaultServerHost is the health and metrics bind address.
	DefaultServerHost = "127.0.0.1"
	// DefaultLogDir holds debug.log and info.log.
	DefaultLogDir = "."
)

type Config struct {
	Spotify SpotifyConfig
	Poll    PollConfig
	Store   StoreConfig
	Server  ServerConfig
	Log     LogConfig
}

type SpotifyConfig struct {
	Cookie             string
	CookieFile         string
	TokenURL           string
	TOTPURL            string
	PresenceURL        string
	TokenRefreshMargin time.Duration
	APIRateLimit       float64
	APIRateBurst       int
	RequestTimeout     time.Duration
	PresenceTimeout    time.Duration
}

type PollConfig struct {
	Interval            time.Duration
	TrackReplayPlaylist bool
	TrackSelf           bool
}

type StoreConfig struct {
	// DirectoryPath is the SQLite file for the playlist directory; empty keeps it in memory.
	DirectoryPath string
	CacheSize     int
}

type ServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level string
	Dir   string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			CookieFile:         DefaultCookieFile,
			TokenURL:           DefaultTokenURL,
			TOTPURL:            DefaultTOTPURL,
			PresenceURL:        DefaultPresenceURL,
			TokenRefreshMargin: DefaultTokenRefreshMarginMs * time.Millisecond,
			APIRateLimit:       DefaultAPIRateLimit,
			APIRateBurst:       DefaultAPIRateBurst,
			RequestTimeout:     5 * time.Second,
			PresenceTimeout:    10 * time.Second,
		},
		Poll: PollConfig{
			Interval: DefaultSleepMinutes * time.Minute,
		},
		Store: StoreConfig{
			CacheSize: 1024,
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         DefaultServerHost,
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   DefaultLogDir,
		},
	}
}
