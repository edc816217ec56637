package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/session-cli/api"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

// Storage backends selectable with -store.
const (
	storeMemory = "memory"
	storeFile   = "file"
	storeSQLite = "sqlite"
	storeRedis  = "redis"
)

// Timeout configuration for different operations
const (
	loginTimeout   = 10 * time.Second
	apiCallTimeout = 10 * time.Second
)

var (
	flagServerURL   *string
	flagRefreshPath *string
	flagLoginPath   *string
	flagMePath      *string
	flagOrigin      *string
	flagStore       *string
	flagTokenFile   *string
	flagRedisURL    *string
	flagSQLitePath  *string
	flagInterval    *time.Duration
	flagLogLevel    *string
	flagMetricsAddr *string
)

// config is the resolved CLI configuration.
type config struct {
	serverURL   string
	refreshPath string
	loginPath   string
	mePath      string
	origin      string
	store       string
	tokenFile   string
	redisURL    string
	sqlitePath  string
	interval    time.Duration
	logLevel    string
	metricsAddr string
	email       string
	password    string
}

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"API server URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagRefreshPath = flag.String("refresh-path", "", "Token refresh path (default: "+api.DefaultRefreshPath+")")
	flagLoginPath = flag.String("login-path", "", "Password login path (default: "+api.DefaultLoginPath+")")
	flagMePath = flag.String("me-path", "", "Profile path polled by the demo loop (default: "+api.DefaultMePath+")")
	flagOrigin = flag.String("origin", "", "Session origin shared between processes (default: server origin or ORIGIN env)")
	flagStore = flag.String("store", "", "Token store: memory, file, sqlite or redis (default: file or STORE env)")
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .session-tokens.json or TOKEN_FILE env)",
	)
	flagRedisURL = flag.String("redis-url", "", "Redis URL for -store=redis (or REDIS_URL env)")
	flagSQLitePath = flag.String("sqlite-path", "", "SQLite database for -store=sqlite (default: .session.db or SQLITE_PATH env)")
	flagInterval = flag.Duration("interval", 0, "Interval between API calls (default: 15s)")
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (default: warn or LOG_LEVEL env)")
	flagMetricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090 (or METRICS_ADDR env)")
}

// initConfig parses flags and resolves the configuration.
// Separated from init() to avoid conflicts with test flag parsing.
func initConfig() (config, error) {
	flag.Parse()

	// Priority: flag > env > default
	cfg := config{
		serverURL:   getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080"),
		refreshPath: getConfig(*flagRefreshPath, "REFRESH_PATH", api.DefaultRefreshPath),
		loginPath:   getConfig(*flagLoginPath, "LOGIN_PATH", api.DefaultLoginPath),
		mePath:      getConfig(*flagMePath, "ME_PATH", api.DefaultMePath),
		origin:      getConfig(*flagOrigin, "ORIGIN", ""),
		store:       getConfig(*flagStore, "STORE", storeFile),
		tokenFile:   getConfig(*flagTokenFile, "TOKEN_FILE", ".session-tokens.json"),
		redisURL:    getConfig(*flagRedisURL, "REDIS_URL", ""),
		sqlitePath:  getConfig(*flagSQLitePath, "SQLITE_PATH", ".session.db"),
		interval:    *flagInterval,
		logLevel:    getConfig(*flagLogLevel, "LOG_LEVEL", "warn"),
		metricsAddr: getConfig(*flagMetricsAddr, "METRICS_ADDR", ""),
		email:       getEnv("LOGIN_EMAIL", ""),
		password:    getEnv("LOGIN_PASSWORD", ""),
	}
	if cfg.interval <= 0 {
		cfg.interval = 15 * time.Second
	}

	if err := validateServerURL(cfg.serverURL); err != nil {
		return cfg, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if cfg.origin == "" {
		u, _ := url.Parse(cfg.serverURL)
		cfg.origin = u.Scheme + "://" + u.Host
	}
	switch cfg.store {
	case storeMemory, storeFile, storeSQLite:
	case storeRedis:
		if cfg.redisURL == "" {
			return cfg, errors.New("REDIS_URL is required for the redis store")
		}
	default:
		return cfg, fmt.Errorf("unknown store %q (want memory, file, sqlite or redis)", cfg.store)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
	return cfg, nil
}

// getConfig gets configuration value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// newLogger writes human readable logs to stderr. An unknown level falls
// back to warn.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// backend is the storage and event bus shared with other processes of the
// same origin.
type backend struct {
	store session.Store
	bus   session.Bus
	close func() error
}

func openBackend(cfg config, log zerolog.Logger) (*backend, error) {
	switch cfg.store {
	case storeMemory:
		return &backend{
			store: session.NewMemoryStore(),
			bus:   session.NewMemoryBus(),
			close: func() error { return nil },
		}, nil

	case storeFile:
		store := session.NewFileStore(cfg.tokenFile, cfg.origin, log)
		return &backend{
			store: store,
			bus:   session.NewPollBus(store, 0),
			close: func() error { return nil },
		}, nil

	case storeSQLite:
		store, err := session.NewSQLiteStore(cfg.sqlitePath, cfg.origin)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: store,
			bus:   session.NewPollBus(store, 0),
			close: store.Close,
		}, nil

	case storeRedis:
		opts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		return &backend{
			store: session.NewRedisStore(rdb, cfg.origin),
			bus:   session.NewRedisBus(rdb, cfg.origin, log),
			close: rdb.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.store)
}

// newRetryClient wraps a TLS 1.2+ HTTP client with go-httpretry.
func newRetryClient() (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// displayNotifier forwards session signals to the Displayer.
func displayNotifier(d tui.Displayer) session.Notifier {
	return session.NotifierFunc(func(s session.Signal) {
		switch s.Kind {
		case session.SignalLoggedIn:
			d.LoginOK(s.Record.ExpiresAt)
		case session.SignalRefreshed:
			d.Refreshed(s.Record.ExpiresAt)
		case session.SignalRemoteUpdate:
			d.RemoteUpdate(s.Record.ExpiresAt)
		case session.SignalLoggedOut:
			d.LoggedOut(s.Err)
		case session.SignalBanned:
			d.Banned(s.Message)
		case session.SignalVisibility:
			d.Visibility(s.Visibility == session.Visible)
		}
	})
}

// controls carries user input from the TUI into the run loop.
type controls struct {
	visibility chan bool
	refresh    chan struct{}
}

func newControls() *controls {
	return &controls{
		visibility: make(chan bool, 8),
		refresh:    make(chan struct{}, 1),
	}
}

// actions returns TUI callbacks that never block the BubbleTea loop.
func (c *controls) actions() tui.Actions {
	return tui.Actions{
		Visibility: func(visible bool) {
			select {
			case c.visibility <- visible:
			default:
			}
		},
		Refresh: func() {
			select {
			case c.refresh <- struct{}{}:
			default:
			}
		},
	}
}

// isTTY reports whether stderr is connected to a terminal.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl := newControls()

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted.
		// Keyboard input stays enabled for focus reports and key bindings.
		m := tui.NewModel(ctl.actions())
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stop()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		// Logs would corrupt the TUI; the displayer reports everything.
		runErr := run(ctx, cfg, d, ctl, zerolog.Nop())
		if runErr != nil {
			report(d, runErr)
			<-ctx.Done()
		}
		p.Quit()
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		if err := run(ctx, cfg, d, ctl, newLogger(cfg.logLevel)); err != nil {
			report(d, err)
			os.Exit(1)
		}
	}
}

// report shows a fatal error unless the session already reported it.
func report(d tui.Displayer, err error) {
	if errors.Is(err, session.ErrAccountBanned) {
		return
	}
	d.Fatal(err)
}

// run drives one session context until ctx is done or the session ends for
// good.
func run(ctx context.Context, cfg config, d tui.Displayer, ctl *controls, log zerolog.Logger) error {
	d.Banner(cfg.origin, cfg.store)

	be, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	retryClient, err := newRetryClient()
	if err != nil {
		return err
	}
	refreshURL := strings.TrimRight(cfg.serverURL, "/") + cfg.refreshPath
	refresher, err := session.NewHTTPRefresher(refreshURL, retryClient)
	if err != nil {
		return err
	}

	scfg := session.DefaultConfig(refreshURL)
	scfg.Origin = cfg.origin

	reg := prometheus.NewRegistry()
	if cfg.metricsAddr != "" {
		stopMetrics := serveMetrics(cfg.metricsAddr, reg, log)
		defer stopMetrics()
	}

	m, err := session.New(scfg,
		session.WithStore(be.store),
		session.WithBus(be.bus),
		session.WithRefresher(refresher),
		session.WithNotifier(displayNotifier(d)),
		session.WithLogger(log),
		session.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	client := api.NewClient(api.ClientOpts{
		BaseURL:   cfg.serverURL,
		LoginPath: cfg.loginPath,
		MePath:    cfg.mePath,
		Transport: m.Transport(nil),
	})

	if m.Authenticated() {
		d.SessionFound(m.Current().ExpiresAt)
	} else {
		d.SessionMissing()
		if err := login(ctx, cfg, m, client, d); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		if err := callAPI(ctx, m, client, d); errors.Is(err, session.ErrAccountBanned) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case visible := <-ctl.visibility:
			state := session.Hidden
			if visible {
				state = session.Visible
			}
			if err := m.SetVisibility(ctx, state); err != nil {
				log.Warn().Err(err).Msg("revalidation after focus failed")
			}
			reportSchedule(m, d)
			continue
		case <-ctl.refresh:
			if out := m.Refresh(ctx); !out.OK() {
				d.APICallFailed(out.Err)
			}
			reportSchedule(m, d)
			continue
		}
	}
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// login signs in with LOGIN_EMAIL and LOGIN_PASSWORD. Without credentials the
// process waits for another process of the same origin to log in.
func login(ctx context.Context, cfg config, m *session.Manager, client *api.Client, d tui.Displayer) error {
	if cfg.email == "" || cfg.password == "" {
		d.LoggedOut(errors.New("set LOGIN_EMAIL and LOGIN_PASSWORD, or log in from another process"))
		return nil
	}

	d.LoggingIn(cfg.email)
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	tokens, err := client.Login(ctx, cfg.email, cfg.password)
	if err != nil {
		d.LoginFailed(err)
		return fmt.Errorf("login failed: %w", err)
	}
	if err := m.Login(ctx, tokens.AccessToken, tokens.RefreshToken); err != nil {
		d.LoginFailed(err)
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// callAPI fetches the profile through the session transport. Without a
// session the call is skipped.
func callAPI(ctx context.Context, m *session.Manager, client *api.Client, d tui.Displayer) error {
	defer reportSchedule(m, d)
	if !m.Authenticated() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	user, err := client.Me(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.APICallFailed(err)
		}
		return err
	}
	d.APICallOK(fmt.Sprintf("%s <%s>", user.Name, user.Email))
	return nil
}

func reportSchedule(m *session.Manager, d tui.Displayer) {
	next, _ := m.NextRefresh()
	d.Schedule(m.Current().ExpiresAt, next)
}
