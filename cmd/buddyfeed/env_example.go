package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Println("Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd)

	if err := os.WriteFile(".env.example", []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Println("✅ Successfully generated .env.example file")
	return nil
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# buddyfeed Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	content.WriteString("# Format: BUDDYFEED_<SETTING>=value\n")
	content.WriteString("# CLI equivalent: --<setting>\n")
	content.WriteString("#\n\n")

	generateSpotifySection(&content, cmd)
	generatePollSection(&content, cmd)
	generateDirectorySection(&content, cmd)
	generateServerSection(&content, cmd)
	generateLoggingSection(&content, cmd)
	generateQuickSetupGuide(&content)

	return content.String()
}

func flagToEnvVar(flagName string) string {
	return "BUDDYFEED_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}

func writeSetting(content *strings.Builder, cmd *cobra.Command, flagName, help string) {
	def := getDefaultValueString(cmd, flagName)
	fmt.Fprintf(content, "%s=%s    # %s (default: %q)\n", flagToEnvVar(flagName), def, help, def)
}

func generateSpotifySection(content *strings.Builder, cmd *cobra.Command) {
	content.WriteString("# =============================================================================\n")
	content.WriteString("# SPOTIFY CONFIGURATION - Required\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("# CLI: --cookie-file, --spotify-cookie, --token-refresh-margin-ms, --totp-url\n")
	content.WriteString("# The sp_dc cookie is read from the cookie file; the variable below is only used\n")
	content.WriteString("# when that file does not exist. Legacy name: SPOTIFY_COOKIE\n")
	content.WriteString("\n")

	writeSetting(content, cmd, "cookie-file", "File holding the sp_dc cookie")
	fmt.Fprintf(content, "# %s=AQ...                       # sp_dc cookie value\n",
		flagToEnvVar("spotify-cookie"))
	writeSetting(content, cmd, "token-refresh-margin-ms", "Refresh this long before the token expires")
	writeSetting(content, cmd, "totp-url", "TOTP helper endpoint, empty disables TOTP")
	writeSetting(content, cmd, "api-rate-limit", "Web API requests per second, 0 disables pacing")
	writeSetting(content, cmd, "api-rate-burst", "Web API request burst")
	content.WriteString("\n")
}

func generatePollSection(content *strings.Builder, cmd *cobra.Command) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# Poll Loop\n")
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# CLI: --sleep-minutes, --track-replay-playlist, --track-self\n")
	content.WriteString("# Legacy names: SLEEP_MINUTES, TRACK_REPLAY_PLAYLIST, TRACK_SELF\n")

	writeSetting(content, cmd, "sleep-minutes", "Minutes between two poll cycles")
	writeSetting(content, cmd, "track-replay-playlist", "Log every buddy play into Replay_<name>")
	writeSetting(content, cmd, "track-self", "Log your own playback into Replay_<your name>")
	content.WriteString("\n")
}

func generateDirectorySection(content *strings.Builder, cmd *cobra.Command) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# Playlist Directory\n")
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# CLI: --directory-path, --directory-cache-size\n")

	writeSetting(content, cmd, "directory-path", "SQLite file for name to playlist id, empty keeps it in memory")
	writeSetting(content, cmd, "directory-cache-size", "Playlist ids kept in memory")
	content.WriteString("\n")
}

func generateServerSection(content *strings.Builder, cmd *cobra.Command) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# HTTP Server Configuration (/healthz, /readyz, /metrics)\n")
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# CLI: --server-enabled, --server-host, --server-port\n")

	writeSetting(content, cmd, "server-enabled", "Serve health and metrics")
	writeSetting(content, cmd, "server-host", "Server bind address")
	writeSetting(content, cmd, "server-port", "Server port")
	content.WriteString("\n")
}

func generateLoggingSection(content *strings.Builder, cmd *cobra.Command) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# Logging Configuration\n")
	content.WriteString("# -----------------------------------------------------------------------------\n")
	content.WriteString("# CLI: --log-level, --log-dir\n")
	content.WriteString("# Legacy name: LOGLEVEL\n")

	writeSetting(content, cmd, "log-level", "Log level: debug, info, warn, error")
	writeSetting(content, cmd, "log-dir", "Directory for debug.log and info.log, empty disables files")
	content.WriteString("\n")
}

func generateQuickSetupGuide(content *strings.Builder) {
	content.WriteString("# =============================================================================\n")
	content.WriteString("# QUICK SETUP GUIDE\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# 1. COOKIE:\n")
	content.WriteString("#    - Log in at https://open.spotify.com in a browser\n")
	content.WriteString("#    - Copy the value of the sp_dc cookie into cookie.txt\n")
	content.WriteString("#\n")
	content.WriteString("# 2. RUN:\n")
	content.WriteString("#    go run ./cmd/buddyfeed --help                 # See all CLI options\n")
	content.WriteString("#    go run ./cmd/buddyfeed --log-level=debug      # Run with debug logging\n")
	content.WriteString("#\n")
	content.WriteString("# 3. TROUBLESHOOTING:\n")
	content.WriteString("#    - \"spotify rejected the sp_dc cookie\": the cookie expired, copy a fresh one\n")
	content.WriteString("#    - Playlists stay empty: buddies must share their listening activity\n")
}
