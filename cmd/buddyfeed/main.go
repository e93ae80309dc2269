// Package main provides the buddyfeed CLI application entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"buddyfeed/internal/auth"
	"buddyfeed/internal/core"
	"buddyfeed/internal/directory"
	httpserver "buddyfeed/internal/http"
	"buddyfeed/internal/membership"
	"buddyfeed/internal/poller"
	"buddyfeed/internal/presence"
	"buddyfeed/internal/reconcile"
	"buddyfeed/internal/spotify"
	"buddyfeed/internal/store"
)

var (
	cfgFile   string
	config    *core.Config
	logger    *zap.Logger
	closeLogs = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "buddyfeed",
	Short: "buddyfeed - Spotify friend activity → playlists",
	Long: `buddyfeed polls the Spotify friend activity feed and mirrors what every buddy is
listening to into one Feed_<name> playlist per buddy, and optionally into a
chronological Replay_<name> playlist.`,
	RunE:          runBuddyfeed,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// legacyEnv maps config keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"sleep-minutes":         "SLEEP_MINUTES",
	"track-replay-playlist": "TRACK_REPLAY_PLAYLIST",
	"track-self":            "TRACK_SELF",
	"log-level":             "LOGLEVEL",
	"spotify-cookie":        "SPOTIFY_COOKIE",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-dir", core.DefaultLogDir, "Directory for debug.log and info.log (empty disables log files)")
	rootCmd.PersistentFlags().Int("sleep-minutes", core.DefaultSleepMinutes, "Minutes to sleep between two poll cycles")
	rootCmd.PersistentFlags().Bool("track-replay-playlist", false, "Also log every buddy play into Replay_<name>")
	rootCmd.PersistentFlags().Bool("track-self", false, "Log your own playback into Replay_<your name>")
	rootCmd.PersistentFlags().String("cookie-file", core.DefaultCookieFile, "File holding the sp_dc cookie")
	rootCmd.PersistentFlags().String("spotify-cookie", "", "sp_dc cookie value, used when the cookie file is missing")
	rootCmd.PersistentFlags().Int("token-refresh-margin-ms", core.DefaultTokenRefreshMarginMs, "Refresh the access token this many milliseconds before it expires")
	rootCmd.PersistentFlags().String("totp-url", core.DefaultTOTPURL, "TOTP helper endpoint (empty disables TOTP)")
	rootCmd.PersistentFlags().String("directory-path", "", "SQLite file for the playlist directory (empty keeps it in memory)")
	rootCmd.PersistentFlags().Int("directory-cache-size", 1024, "Number of playlist ids kept in the directory cache")
	rootCmd.PersistentFlags().Float64("api-rate-limit", core.DefaultAPIRateLimit, "Spotify Web API requests per second (0 disables pacing)")
	rootCmd.PersistentFlags().Int("api-rate-burst", core.DefaultAPIRateBurst, "Spotify Web API request burst")
	rootCmd.PersistentFlags().Bool("server-enabled", true, "Serve /healthz, /readyz and /metrics")
	rootCmd.PersistentFlags().String("server-host", core.DefaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", core.DefaultServerPort, "HTTP server port")
	rootCmd.PersistentFlags().Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("BUDDYFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindLegacyEnv()

	config = buildConfig()
	logger, closeLogs = buildLogger(&config.Log)
}

// bindLegacyEnv keeps the prefixed name first so it wins over the legacy one.
func bindLegacyEnv() {
	for key, legacy := range legacyEnv {
		if err := viper.BindEnv(key, flagToEnvVar(key), legacy); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to bind %s: %v\n", legacy, err)
		}
	}
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureSpotify(cfg)
	configurePoll(cfg)
	configureStore(cfg)
	configureServer(cfg)
	configureLog(cfg)

	return cfg
}

func configureSpotify(cfg *core.Config) {
	cfg.Spotify.Cookie = strings.TrimSpace(viper.GetString("spotify-cookie"))
	cfg.Spotify.CookieFile = viper.GetString("cookie-file")
	cfg.Spotify.TOTPURL = viper.GetString("totp-url")

	marginMs := viper.GetInt("token-refresh-margin-ms")
	if marginMs < 0 {
		fmt.Printf("Warning: Invalid token refresh margin (%d), using default (%d)\n",
			marginMs, core.DefaultTokenRefreshMarginMs)
		marginMs = core.DefaultTokenRefreshMarginMs
	}
	cfg.Spotify.TokenRefreshMargin = time.Duration(marginMs) * time.Millisecond

	cfg.Spotify.APIRateLimit = viper.GetFloat64("api-rate-limit")
	if cfg.Spotify.APIRateLimit < 0 {
		cfg.Spotify.APIRateLimit = core.DefaultAPIRateLimit
	}
	cfg.Spotify.APIRateBurst = viper.GetInt("api-rate-burst")
	if cfg.Spotify.APIRateBurst <= 0 {
		cfg.Spotify.APIRateBurst = core.DefaultAPIRateBurst
	}
}

func configurePoll(cfg *core.Config) {
	minutes := viper.GetInt("sleep-minutes")
	if minutes <= 0 {
		fmt.Printf("Warning: Invalid sleep minutes (%d), using default (%d)\n",
			minutes, core.DefaultSleepMinutes)
		minutes = core.DefaultSleepMinutes
	}
	cfg.Poll.Interval = time.Duration(minutes) * time.Minute
	cfg.Poll.TrackReplayPlaylist = viper.GetBool("track-replay-playlist")
	cfg.Poll.TrackSelf = viper.GetBool("track-self")
}

func configureStore(cfg *core.Config) {
	cfg.Store.DirectoryPath = viper.GetString("directory-path")
	if size := viper.GetInt("directory-cache-size"); size > 0 {
		cfg.Store.CacheSize = size
	}
}

func configureServer(cfg *core.Config) {
	cfg.Server.Enabled = viper.GetBool("server-enabled")
	cfg.Server.Host = viper.GetString("server-host")
	cfg.Server.Port = viper.GetInt("server-port")
}

func configureLog(cfg *core.Config) {
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Dir = viper.GetString("log-dir")
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildLogger writes JSON to stderr at the configured level and, unless cfg.Dir is
// empty, to debug.log and info.log in cfg.Dir. The returned func closes the files.
func buildLogger(cfg *core.LogConfig) (*zap.Logger, func()) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), parseLevel(cfg.Level)),
	}
	var files []*lumberjack.Logger

	if cfg.Dir != "" {
		for _, f := range []struct {
			name  string
			level zapcore.Level
		}{
			{"debug.log", zapcore.DebugLevel},
			{"info.log", zapcore.InfoLevel},
		} {
			rotator := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, f.name),
				MaxSize:    100, // MB
				MaxBackups: 3,
				MaxAge:     28, // days
			}
			files = append(files, rotator)
			cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(rotator), f.level))
		}
	}

	built := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return built, func() {
		_ = built.Sync()
		for _, f := range files {
			_ = f.Close()
		}
	}
}

func runBuddyfeed(cmd *cobra.Command, _ []string) error {
	if viper.GetBool("generate-env-example") {
		return generateEnvExample(cmd)
	}
	defer closeLogs()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting buddyfeed",
		zap.Duration("interval", config.Poll.Interval),
		zap.Bool("trackReplayPlaylist", config.Poll.TrackReplayPlaylist),
		zap.Bool("trackSelf", config.Poll.TrackSelf),
		zap.Bool("serverEnabled", config.Server.Enabled))

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	svcs, err := initializeServices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Got interrupt. Exiting!")
			return nil
		}
		return operatorError(err)
	}
	defer func() {
		if closeErr := svcs.store.Close(); closeErr != nil {
			logger.Warn("Failed to close playlist directory store", zap.Error(closeErr))
		}
	}()

	err = runServices(ctx, svcs)
	if ctx.Err() != nil {
		fmt.Println("Got interrupt. Exiting!")
		return nil
	}
	return operatorError(err)
}

// operatorError adds the remedy for a rejected cookie.
func operatorError(err error) error {
	if errors.Is(err, core.ErrAuthRejected) {
		return fmt.Errorf("spotify rejected the sp_dc cookie, update %s (or BUDDYFEED_SPOTIFY_COOKIE) and restart: %w",
			config.Spotify.CookieFile, err)
	}
	return err
}

type services struct {
	tokens     *auth.Manager
	spotify    *spotify.Client
	store      store.Store
	poller     *poller.Poller
	httpServer *httpserver.Server
}

func initializeServices(ctx context.Context) (*services, error) {
	svcs := &services{}

	var metrics core.MetricsRecorder = core.NopRecorder{}
	if config.Server.Enabled {
		svcs.httpServer = httpserver.NewServer(&config.Server, logger.Named("http"), func() httpserver.Status {
			return pollerStatus(svcs.poller)
		})
		metrics = svcs.httpServer.Recorder()
	}

	svcs.tokens = auth.NewManager(&config.Spotify, logger.Named("auth"))
	if err := svcs.tokens.Obtain(ctx); err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}
	metrics.SetTokenExpiry(svcs.tokens.Current().ExpiresAt)

	svcs.spotify = spotify.NewClient(&config.Spotify, logger.Named("spotify"), svcs.tokens)
	if err := svcs.spotify.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate with Spotify: %w", err)
	}

	st, err := openStore(&config.Store)
	if err != nil {
		return nil, err
	}
	svcs.store = st

	dir, err := directory.New(svcs.spotify, st, config.Store.CacheSize, logger.Named("directory"), metrics)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create playlist directory: %w", err)
	}

	reconciler := reconcile.New(svcs.spotify, dir, membership.NewOracle(svcs.spotify),
		logger.Named("reconcile"), metrics, reconcile.Options{
			TrackReplay: config.Poll.TrackReplayPlaylist,
			OwnName:     svcs.spotify.DisplayName(),
		})
	fetcher := presence.NewFetcher(&config.Spotify, logger.Named("presence"))

	svcs.poller = poller.New(&config.Poll, svcs.tokens, fetcher, reconciler, svcs.spotify,
		logger.Named("poller"), metrics)

	return svcs, nil
}

func openStore(cfg *core.StoreConfig) (store.Store, error) {
	if cfg.DirectoryPath == "" {
		logger.Info("Keeping playlist directory in memory")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewSQLiteStore(cfg.DirectoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open playlist directory %s: %w", cfg.DirectoryPath, err)
	}
	logger.Info("Using persistent playlist directory", zap.String("path", cfg.DirectoryPath))
	return st, nil
}

// pollerStatus reports not ready before the first cycle and after a fatal one.
func pollerStatus(p *poller.Poller) httpserver.Status {
	if p == nil {
		return httpserver.Status{}
	}
	result, ok := p.LastResult()
	if !ok {
		return httpserver.Status{}
	}
	status := httpserver.Status{
		Ready:      result.Kind != poller.ResultFatal,
		LastResult: result.Kind.String(),
		LastCycle:  result.FinishedAt,
	}
	if result.Err != nil {
		status.Error = result.Err.Error()
	}
	return status
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	if svcs.httpServer != nil {
		g.Go(func() error {
			return svcs.httpServer.Start(gCtx)
		})
	}

	g.Go(func() error {
		return svcs.poller.Run(gCtx)
	})

	logger.Info("buddyfeed started successfully",
		zap.String("user", svcs.spotify.DisplayName()),
		zap.Time("tokenExpiry", svcs.tokens.Current().ExpiresAt))

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			logger.Error("buddyfeed stopped with error", zap.Error(err))
		}
		return err
	}

	logger.Info("buddyfeed stopped gracefully")
	return nil
}

func validateConfig(cfg *core.Config) error {
	if err := validateSpotifyConfig(&cfg.Spotify); err != nil {
		return err
	}

	if err := validateServerConfig(&cfg.Server); err != nil {
		return err
	}

	return nil
}

// validateSpotifyConfig resolves the cookie from the cookie file or the fallback value.
func validateSpotifyConfig(cfg *core.SpotifyConfig) error {
	cookie, err := loadCookie(cfg.CookieFile, cfg.Cookie)
	if err != nil {
		return err
	}
	cfg.Cookie = cookie

	if cfg.TokenURL == "" {
		return fmt.Errorf("spotify token URL is required")
	}

	if cfg.PresenceURL == "" {
		return fmt.Errorf("spotify presence URL is required")
	}

	return nil
}

func validateServerConfig(cfg *core.ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", cfg.Port)
	}
	return nil
}

// loadCookie reads path with newlines stripped. A missing file falls back to fallback.
func loadCookie(path, fallback string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			cookie := strings.NewReplacer("\n", "", "\r", "").Replace(string(data))
			if cookie != "" {
				return cookie, nil
			}
		case !os.IsNotExist(err):
			return "", fmt.Errorf("failed to read cookie file %s: %w", path, err)
		}
	}

	if fallback != "" {
		return fallback, nil
	}

	return "", fmt.Errorf("no sp_dc cookie: create %s or set %s", path, flagToEnvVar("spotify-cookie"))
}
