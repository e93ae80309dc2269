package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"buddyfeed/internal/core"
)

func TestMain(m *testing.M) {
	viper.SetEnvPrefix("BUDDYFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindLegacyEnv()
	os.Exit(m.Run())
}

func TestFlagToEnvVar(t *testing.T) {
	tests := []struct {
		flag     string
		expected string
	}{
		{"sleep-minutes", "BUDDYFEED_SLEEP_MINUTES"},
		{"log-level", "BUDDYFEED_LOG_LEVEL"},
		{"token-refresh-margin-ms", "BUDDYFEED_TOKEN_REFRESH_MARGIN_MS"},
		{"config", "BUDDYFEED_CONFIG"},
	}

	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			if got := flagToEnvVar(tt.flag); got != tt.expected {
				t.Errorf("flagToEnvVar(%q) = %q, expected %q", tt.flag, got, tt.expected)
			}
		})
	}
}

func TestBuildConfig_Defaults(t *testing.T) {
	cfg := buildConfig()

	if cfg.Poll.Interval != 2*time.Minute {
		t.Errorf("Interval = %v, expected 2m", cfg.Poll.Interval)
	}
	if cfg.Poll.TrackReplayPlaylist || cfg.Poll.TrackSelf {
		t.Error("Replay and self tracking must be off by default")
	}
	if cfg.Spotify.TokenRefreshMargin != 2*time.Second {
		t.Errorf("TokenRefreshMargin = %v, expected 2s", cfg.Spotify.TokenRefreshMargin)
	}
	if cfg.Spotify.CookieFile != "cookie.txt" {
		t.Errorf("CookieFile = %q, expected cookie.txt", cfg.Spotify.CookieFile)
	}
	if cfg.Spotify.TOTPURL != core.DefaultTOTPURL {
		t.Errorf("TOTPURL = %q, expected %q", cfg.Spotify.TOTPURL, core.DefaultTOTPURL)
	}
	if cfg.Store.DirectoryPath != "" {
		t.Errorf("DirectoryPath = %q, expected in-memory default", cfg.Store.DirectoryPath)
	}
	if !cfg.Server.Enabled || cfg.Server.Host != core.DefaultServerHost || cfg.Server.Port != core.DefaultServerPort {
		t.Errorf("Unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Log.Level != "info" || cfg.Log.Dir != "." {
		t.Errorf("Unexpected log defaults %+v", cfg.Log)
	}
}

func TestBuildConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("BUDDYFEED_SLEEP_MINUTES", "0")
	t.Setenv("BUDDYFEED_TOKEN_REFRESH_MARGIN_MS", "-5")
	t.Setenv("BUDDYFEED_API_RATE_BURST", "0")

	cfg := buildConfig()

	if cfg.Poll.Interval != core.DefaultSleepMinutes*time.Minute {
		t.Errorf("Interval = %v, expected default", cfg.Poll.Interval)
	}
	if cfg.Spotify.TokenRefreshMargin != core.DefaultTokenRefreshMarginMs*time.Millisecond {
		t.Errorf("TokenRefreshMargin = %v, expected default", cfg.Spotify.TokenRefreshMargin)
	}
	if cfg.Spotify.APIRateBurst != core.DefaultAPIRateBurst {
		t.Errorf("APIRateBurst = %d, expected default", cfg.Spotify.APIRateBurst)
	}
}

func TestBuildConfig_LegacyEnv(t *testing.T) {
	t.Setenv("SLEEP_MINUTES", "5")
	t.Setenv("TRACK_REPLAY_PLAYLIST", "True")
	t.Setenv("LOGLEVEL", "debug")
	t.Setenv("SPOTIFY_COOKIE", "legacy-cookie")

	cfg := buildConfig()
	if cfg.Poll.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, expected 5m from SLEEP_MINUTES", cfg.Poll.Interval)
	}
	if !cfg.Poll.TrackReplayPlaylist {
		t.Error("Expected TRACK_REPLAY_PLAYLIST=True to enable replay playlists")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, expected debug from LOGLEVEL", cfg.Log.Level)
	}
	if cfg.Spotify.Cookie != "legacy-cookie" {
		t.Errorf("Cookie = %q, expected legacy-cookie", cfg.Spotify.Cookie)
	}

	t.Setenv("BUDDYFEED_SLEEP_MINUTES", "7")
	if cfg := buildConfig(); cfg.Poll.Interval != 7*time.Minute {
		t.Errorf("Interval = %v, expected the prefixed variable to win", cfg.Poll.Interval)
	}
}

func TestLoadCookie(t *testing.T) {
	dir := t.TempDir()
	withNewline := filepath.Join(dir, "cookie.txt")
	if err := os.WriteFile(withNewline, []byte("AQ-cookie\r\n"), 0600); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		fallback string
		expected string
		wantErr  bool
	}{
		{"File wins and newlines are stripped", withNewline, "env-cookie", "AQ-cookie", false},
		{"Missing file uses fallback", filepath.Join(dir, "missing.txt"), "env-cookie", "env-cookie", false},
		{"Empty file uses fallback", empty, "env-cookie", "env-cookie", false},
		{"Nothing configured", filepath.Join(dir, "missing.txt"), "", "", true},
		{"Unreadable path", dir, "env-cookie", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadCookie(tt.path, tt.fallback)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadCookie() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("loadCookie() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := core.DefaultConfig()
	cfg.Spotify.CookieFile = filepath.Join(dir, "missing.txt")
	if err := validateConfig(cfg); err == nil {
		t.Error("Expected an error without any cookie")
	}

	cfg.Spotify.Cookie = "value"
	if err := validateConfig(cfg); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	cfg.Server.Port = 70000
	if err := validateConfig(cfg); err == nil {
		t.Error("Expected an error for an out of range port")
	}

	cfg.Server.Enabled = false
	if err := validateConfig(cfg); err != nil {
		t.Errorf("A disabled server must not be validated: %v", err)
	}
}

func TestBuildLogger_WritesLevelFiles(t *testing.T) {
	dir := t.TempDir()
	log, closeFn := buildLogger(&core.LogConfig{Level: "error", Dir: dir})

	log.Debug("debug only")
	log.Info("for both files")
	closeFn()

	debugLog, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("Failed to read debug.log: %v", err)
	}
	infoLog, err := os.ReadFile(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatalf("Failed to read info.log: %v", err)
	}

	if !strings.Contains(string(debugLog), "debug only") || !strings.Contains(string(debugLog), "for both files") {
		t.Errorf("debug.log is missing entries: %s", debugLog)
	}
	if strings.Contains(string(infoLog), "debug only") {
		t.Error("info.log must not contain debug entries")
	}
	if !strings.Contains(string(infoLog), "for both files") {
		t.Errorf("info.log is missing the info entry: %s", infoLog)
	}
}

func TestBuildLogger_NoDir(t *testing.T) {
	log, closeFn := buildLogger(&core.LogConfig{Level: "info"})
	defer closeFn()
	if log == nil {
		t.Fatal("Expected a logger")
	}
}

func TestOperatorError(t *testing.T) {
	config = core.DefaultConfig()
	t.Cleanup(func() { config = nil })

	err := operatorError(core.ErrAuthRejected)
	if !errors.Is(err, core.ErrAuthRejected) {
		t.Errorf("Expected the sentinel to be kept, got %v", err)
	}
	if !strings.Contains(err.Error(), "cookie.txt") {
		t.Errorf("Expected the cookie file in the message, got %q", err.Error())
	}

	other := errors.New("boom")
	if operatorError(other) != other {
		t.Error("Other errors must pass through unchanged")
	}
}

func TestPollerStatus_BeforeStart(t *testing.T) {
	if status := pollerStatus(nil); status.Ready {
		t.Error("Expected not ready without a poller")
	}
}

func TestGenerateEnvExampleContent(t *testing.T) {
	content := generateEnvExampleContent(rootCmd)

	expected := []string{
		"BUDDYFEED_SLEEP_MINUTES=2",
		"BUDDYFEED_TRACK_REPLAY_PLAYLIST=false",
		"BUDDYFEED_COOKIE_FILE=cookie.txt",
		"BUDDYFEED_TOTP_URL=" + core.DefaultTOTPURL,
		"BUDDYFEED_SERVER_HOST=127.0.0.1",
		"BUDDYFEED_SERVER_PORT=8080",
		"BUDDYFEED_LOG_LEVEL=info",
		"Legacy name: LOGLEVEL",
	}
	for _, line := range expected {
		if !strings.Contains(content, line) {
			t.Errorf("Expected .env.example to contain %q", line)
		}
	}
}
