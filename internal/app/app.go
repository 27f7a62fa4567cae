// Package app wires all voxloop subsystems into a running client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the conversation and the observability endpoint,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource, WithSink,
// WithHistoryStore, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/backend"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/health"
	"github.com/MrWong99/voxloop/internal/history"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/vad"
)

// shutdownTimeout bounds the graceful stop of the metrics server.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	scrape   http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	source    audio.Source
	sink      audio.Sink
	store     history.Store
	history   *history.History
	queue     *playback.Queue
	backend   *backend.Client
	segmenter *vad.Segmenter
	engine    *session.Engine
	health    *health.Handler
	dialer    session.Dialer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the capture device instead of opening one from config.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSink injects the playback device instead of opening one from config.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistoryStore injects a transcript store instead of connecting to
// history.postgres_dsn.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, typically
// [observe.Provider.MetricsHandler]. Default: the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogLevel lets ApplyConfig change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have passed
// [config.Validate].
//
// New performs all initialisation synchronously: device opening, history
// store connection and priming, and construction of the playback queue,
// backend client, segmenter and session engine. Nothing talks to the backend
// until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 3. Chat history ──────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Backend client ────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 5. Session engine ────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	checks := []health.Checker{
		{Name: "session", Check: a.engine.Ready},
		{Name: "backend", Check: a.backend.Ready},
	}
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "transcripts", Check: p.Ping})
	}
	a.health = health.New(checks...)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevices() error {
	if a.source != nil && a.sink != nil {
		return nil // both injected
	}
	d, err := openDevices(a.cfg.Audio)
	if err != nil {
		return err
	}
	if a.source == nil {
		a.source = d.source
	}
	if a.sink == nil {
		a.sink = d.sink
	}
	a.closers = append(a.closers, d.close)
	slog.Info("audio devices opened", "device", a.cfg.Audio.Device, "sample_rate", a.cfg.Audio.SampleRate)
	return nil
}

func (a *App) initPlayback() error {
	dec, err := codec.New(a.cfg.Playback.Codec, a.cfg.Audio.OutputSampleRate)
	if err != nil {
		return err
	}
	codecName := a.cfg.Playback.Codec
	a.queue = playback.New(a.sink, dec,
		playback.WithOutputRate(a.cfg.Audio.OutputSampleRate),
		playback.WithCapacity(a.cfg.Playback.QueueCapacity),
		playback.WithObserver(func(item playback.Item, err error) {
			ctx := context.Background()
			a.metrics.RecordPlayback(ctx, kindName(item.Kind), playbackStatus(err))
			if errors.Is(err, codec.ErrDecode) {
				a.metrics.RecordDecodeFailure(ctx, codecName)
			}
		}),
		playback.WithOnClear(func(dropped int) {
			slog.Debug("playback cleared", "dropped", dropped)
		}),
	)
	// The queue is closed before the devices so no Play call outlives them.
	a.closers = append([]func() error{a.queue.Close}, a.closers...)
	return nil
}

// initHistory sets up the chat history and, when configured, its PostgreSQL
// persistence.
func (a *App) initHistory(ctx context.Context) error {
	hc := a.cfg.History
	if a.store == nil && hc.PostgresDSN != "" {
		store, err := history.NewPostgresStore(ctx, hc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	var opts []history.Option
	if a.store != nil {
		opts = append(opts, history.WithStore(a.store))
	}
	if hc.ConversationID != "" {
		opts = append(opts, history.WithConversationID(hc.ConversationID))
	}
	a.history = history.New(opts...)

	if a.store != nil && hc.LoadTurns > 0 {
		if err := a.history.Load(ctx, hc.LoadTurns); err != nil {
			return err
		}
		slog.Info("chat history loaded", "conversation_id", a.history.ConversationID(), "turns", a.history.Len())
	}
	return nil
}

func (a *App) initBackend() error {
	bc := a.cfg.Backend
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend",
		MaxFailures:  bc.Breaker.MaxFailures,
		ResetTimeout: bc.Breaker.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("backend circuit breaker", "from", from, "to", to)
			a.metrics.BreakerTransitions.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("to", to.String())))
		},
	})
	client, err := backend.New(bc.URL,
		backend.WithBreaker(breaker),
		backend.WithPipelinePath(bc.PipelinePath),
	)
	if err != nil {
		return err
	}
	a.backend = client
	return nil
}

func (a *App) initSession() error {
	seg, err := vad.NewSegmenter(a.cfg.VAD.Params(), a.cfg.Audio.SampleRate, a.cfg.Audio.FrameSize)
	if err != nil {
		return err
	}
	a.segmenter = seg

	if a.dialer == nil {
		a.dialer = session.ChannelDialer(transport.Dialer{
			URL: a.backend.PipelineURL(),
			Options: transport.Options{
				SampleRate: a.cfg.Audio.SampleRate,
				OnViolation: func(error) {
					a.metrics.ProtocolViolations.Add(context.Background(), 1)
				},
			},
		})
	}

	sc := a.cfg.Session
	cfg := session.Config{
		Source:        a.source,
		Segmenter:     seg,
		Dialer:        a.dialer,
		Player:        a.queue,
		WaitReady:     a.cfg.Backend.WaitReady,
		ReadyInterval: a.cfg.Backend.StatusPollInterval,
		DialTimeout:   a.cfg.Backend.DialTimeout,
		History:       a.history,
		HistoryTurns:  sc.HistoryTurns,
		BargeIn:       sc.BargeIn,
		Backoff:       resilience.Backoff{Initial: sc.RetryBackoff, Max: sc.RetryMaxBackoff},
		Metrics:       a.metrics,
		OnStateChange: func(from, to session.State) {
			slog.Info("session state", "from", from, "to", to)
		},
	}
	if a.cfg.Backend.PrewarmEnabled() || a.cfg.Backend.WaitReady {
		cfg.Warmer = a.warmer()
	}

	a.engine, err = session.New(cfg)
	return err
}

// warmer returns the backend client, skipping /prewarm when it is disabled.
func (a *App) warmer() session.Warmer {
	if a.cfg.Backend.PrewarmEnabled() {
		return a.backend
	}
	return readyOnly{a.backend}
}

// readyOnly waits for readiness without calling /prewarm.
type readyOnly struct{ c *backend.Client }

func (r readyOnly) Prewarm(context.Context) error { return nil }

func (r readyOnly) WaitReady(ctx context.Context, interval time.Duration) error {
	return r.c.WaitReady(ctx, interval)
}

// pinger is implemented by transcript stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the session engine.
func (a *App) Engine() *session.Engine { return a.engine }

// History returns the chat history.
func (a *App) History() *history.History { return a.history }

// Handler returns the observability endpoint: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	scrape := a.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", scrape)
	a.health.Register(mux)
	return observe.Middleware(a.metrics, "/metrics", "/healthz", "/readyz")(mux)
}

// ApplyConfig applies the hot-reloadable parts of a changed configuration.
// It has the shape of a [config.ChangeFunc].
func (a *App) ApplyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		if err := a.engine.UpdateVAD(newCfg.VAD.Params()); err != nil {
			slog.Error("failed to apply vad settings", "err", err)
			return
		}
		slog.Info("vad settings applied", "threshold", newCfg.VAD.Threshold, "end_duration", newCfg.VAD.EndDuration)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the conversation and serves the observability endpoint until
// ctx is cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("observability endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("app running", "backend", a.cfg.Backend.URL, "conversation_id", a.history.ConversationID())
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New acquired before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func kindName(k playback.Kind) string {
	if k == playback.KindText {
		return "text"
	}
	return "audio"
}

func playbackStatus(err error) string {
	switch {
	case err == nil:
		return "played"
	case errors.Is(err, codec.ErrDecode):
		return "decode_failed"
	case errors.Is(err, playback.ErrCleared):
		return "cleared"
	default:
		return "failed"
	}
}
