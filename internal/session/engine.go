package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxloop/internal/history"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/protocol"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/vad"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultReadyInterval = time.Second
)

// Setup stages reported in errors and metrics.
const (
	stageCapture    = "capture"
	stageBackend    = "backend"
	stageDial       = "dial"
	stageConnection = "connection"
)

// Config holds the collaborators of an [Engine]. Source, Segmenter, Dialer
// and Player are required.
type Config struct {
	Source    audio.Source
	Segmenter Segmenter
	Dialer    Dialer
	Player    Player

	// Warmer, when set, is prewarmed on the first setup and again after every
	// failed one.
	Warmer Warmer

	// WaitReady polls the Warmer until every backend model is loaded.
	WaitReady bool

	// ReadyInterval is the WaitReady poll interval. Default: 1s.
	ReadyInterval time.Duration

	// DialTimeout bounds a single dial attempt. Default: 10s.
	DialTimeout time.Duration

	// History records the conversation. When HistoryTurns is positive the
	// most recent turns are sent ahead of every end marker.
	History      *history.History
	HistoryTurns int

	// BargeIn keeps the microphone open while a reply plays. Speech then
	// cancels the reply.
	BargeIn bool

	// Backoff paces setup retries. The zero value doubles from 1s to 30s.
	Backoff resilience.Backoff

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnStateChange is called from the engine goroutine after every
	// transition. It must not block.
	OnStateChange func(from, to State)

	// OnError is called from the engine goroutine for every recoverable
	// error. It must not block.
	OnError func(err error)
}

func (c *Config) validate() error {
	var errs []error
	if c.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if c.Segmenter == nil {
		errs = append(errs, errors.New("segmenter is required"))
	}
	if c.Dialer == nil {
		errs = append(errs, errors.New("dialer is required"))
	}
	if c.Player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	return errors.Join(errs...)
}

// turn tracks one utterance and its reply.
type turn struct {
	id         string
	ctx        context.Context
	span       trace.Span
	endedAt    time.Time
	heardReply bool
}

type setupResult struct {
	frames <-chan audio.AudioFrame
	conn   Conn
	stage  string
	err    error
}

// Engine is the session state machine. Create one with [New] and drive it
// with [Engine.Run]. State, Cancel, UpdateVAD and Ready are safe for
// concurrent use.
type Engine struct {
	cfg     Config
	metrics *observe.Metrics

	state    atomic.Int32
	running  atomic.Bool
	cancelCh chan struct{}

	errMu   sync.Mutex
	lastErr error
	wasUp   bool

	// Owned by the Run goroutine.
	runCtx       context.Context
	backoff      resilience.Backoff
	frames       <-chan audio.AudioFrame
	conn         Conn
	events       <-chan protocol.Event
	drained      <-chan struct{}
	retryC       <-chan time.Time
	retry        *time.Timer
	setupCh      chan setupResult
	setupPending bool
	warmed       bool
	cur          *turn
	closers      sync.WaitGroup
}

// New validates cfg and returns an engine in [StateSetup].
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Engine{
		cfg:      cfg,
		metrics:  m,
		cancelCh: make(chan struct{}, 1),
		backoff:  cfg.Backoff,
		setupCh:  make(chan setupResult, 1),
	}, nil
}

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

// History returns the conversation history, which may be nil.
func (e *Engine) History() *history.History { return e.cfg.History }

// Cancel abandons the turn in progress: playback stops, the backend is told
// to cancel and the engine returns to SETUP. It is a no-op outside RECORDING
// and GENERATING.
func (e *Engine) Cancel() {
	select {
	case e.cancelCh <- struct{}{}:
	default:
	}
}

// UpdateVAD applies new segmentation parameters without interrupting the
// open segment.
func (e *Engine) UpdateVAD(p vad.Params) error {
	if err := e.cfg.Segmenter.UpdateParams(p); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// Ready reports whether the engine has completed a setup and its most recent
// setup attempt succeeded. It has the shape of a health check.
func (e *Engine) Ready(context.Context) error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.lastErr != nil {
		return e.lastErr
	}
	if !e.wasUp {
		return errors.New("session: setting up")
	}
	return nil
}

// Run drives the state machine until ctx is cancelled. It returns nil on
// cancellation. Run may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("session: engine already running")
	}
	e.runCtx = ctx
	defer e.shutdown()

	slog.Info("session: engine started", "barge_in", e.cfg.BargeIn, "history_turns", e.cfg.HistoryTurns)
	e.startSetup()

	for {
		select {
		case <-ctx.Done():
			return nil

		case res := <-e.setupCh:
			e.setupPending = false
			e.handleSetup(res)

		case <-e.retryC:
			e.retryC = nil
			e.startSetup()

		case frame, ok := <-e.frames:
			if !ok {
				e.captureLost()
				continue
			}
			e.handleFrame(frame)

		case ev, ok := <-e.events:
			if !ok {
				e.connectionEnded()
				continue
			}
			e.handleEvent(ev)

		case <-e.drained:
			e.completeTurn()

		case <-e.cancelCh:
			e.cancelTurn("cancel requested")
		}
	}
}

func (e *Engine) shutdown() {
	if e.retry != nil {
		e.retry.Stop()
	}
	if e.cur != nil {
		e.cancelTurn("shutdown")
	}
	if e.setupPending {
		res := <-e.setupCh
		if res.conn != nil {
			e.closeConnAsync(res.conn)
		}
	}
	if e.conn != nil {
		e.closeConnAsync(e.conn)
		e.conn, e.events = nil, nil
	}
	if err := e.cfg.Source.Stop(); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
	e.closers.Wait()
	slog.Info("session: engine stopped")
}

// ─── Transitions ─────────────────────────────────────────────────────────────

func (e *Engine) transition(to State) {
	from := e.State()
	if from == to {
		return
	}
	e.state.Store(int32(to))
	e.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Debug("session: transition", "from", from, "to", to)
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(from, to)
	}
}

// report surfaces a recoverable error.
func (e *Engine) report(ctx context.Context, stage string, err error) {
	switch stage {
	case stageConnection, stageDial:
		e.metrics.ConnectionFailures.Add(ctx, 1)
	}
	observe.Logger(ctx).Warn("session: error", "stage", stage, "err", err)
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}

func (e *Engine) setLastErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastErr = err
	if err == nil {
		e.wasUp = true
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func (e *Engine) handleFrame(frame audio.AudioFrame) {
	switch e.State() {
	case StateIdle, StateRecording:
	case StateGenerating:
		if !e.cfg.BargeIn {
			return
		}
	default:
		return
	}
	for _, ev := range e.cfg.Segmenter.Process(frame) {
		e.handleSegment(ev)
	}
}

func (e *Engine) handleSegment(ev vad.Event) {
	state := e.State()
	switch {
	case ev.Type == vad.TalkingStarted && state == StateIdle:
		e.beginTurn(ev)
	case ev.Type == vad.TalkingStarted && state == StateGenerating:
		e.cancelTurn("barge-in")
	case ev.Type == vad.SegmentChunk && state == StateRecording:
		if e.sendAudio(ev.Samples) {
			e.metrics.RecordSegment(e.cur.ctx, false, 0)
		}
	case ev.Type == vad.EndOfUtterance && state == StateRecording:
		e.endUtterance(ev)
	default:
		slog.Debug("session: segment event ignored", "event", ev.Type, "state", state)
	}
}

// captureLost handles the capture stream closing. The device is acquired
// again by the next setup.
func (e *Engine) captureLost() {
	e.frames = nil
	if e.runCtx.Err() != nil {
		return
	}
	err := fmt.Errorf("%w: capture stream ended", ErrCaptureUnavailable)
	switch {
	case e.cur != nil:
		e.endTurn(observe.OutcomeAborted, err)
	case e.State() == StateIdle:
		e.report(e.runCtx, stageCapture, err)
		e.dropConn()
		e.transition(StateSetup)
		e.startSetup()
	default:
		e.report(e.runCtx, stageCapture, err)
	}
}

// ─── Turns ───────────────────────────────────────────────────────────────────

func (e *Engine) beginTurn(ev vad.Event) {
	tctx, span := observe.StartTurn(e.runCtx, ev.Segment.ID)
	e.cur = &turn{id: ev.Segment.ID, ctx: tctx, span: span}
	e.cfg.Player.Reset(ev.Segment.ID)
	if e.cfg.History != nil {
		e.cfg.History.BeginTurn()
	}
	e.metrics.ActiveTurns.Add(tctx, 1)
	observe.Logger(tctx).Info("session: talking started")
	e.transition(StateRecording)
}

// sendAudio forwards pcm upstream. It aborts the turn and returns false on
// failure.
func (e *Engine) sendAudio(pcm []float32) bool {
	if len(pcm) == 0 {
		return true
	}
	if err := e.conn.SendAudio(pcm); err != nil {
		e.endTurn(observe.OutcomeAborted, fmt.Errorf("%w: send audio: %w", ErrConnectionFailure, err))
		return false
	}
	return true
}

func (e *Engine) endUtterance(ev vad.Event) {
	if !e.sendAudio(ev.Samples) {
		return
	}
	t := e.cur
	e.metrics.RecordSegment(t.ctx, true, ev.Segment.TalkingDuration)

	if e.cfg.History != nil && e.cfg.HistoryTurns > 0 {
		if entries := e.cfg.History.Recent(e.cfg.HistoryTurns); len(entries) > 0 {
			if err := e.conn.SendHistory(entries); err != nil {
				e.endTurn(observe.OutcomeAborted, fmt.Errorf("%w: send history: %w", ErrConnectionFailure, err))
				return
			}
		}
	}
	if err := e.conn.SendEnd(); err != nil {
		e.endTurn(observe.OutcomeAborted, fmt.Errorf("%w: send end: %w", ErrConnectionFailure, err))
		return
	}

	if !e.cfg.BargeIn {
		e.cfg.Source.SetMuted(true)
	}
	t.endedAt = time.Now()
	e.drained = e.cfg.Player.Drained()
	observe.Logger(t.ctx).Info("session: utterance sent",
		"talking", ev.Segment.TalkingDuration,
		"chunks", ev.Segment.Chunks,
		"forced", ev.Segment.Forced,
	)
	e.transition(StateGenerating)
}

// completeTurn runs once playback of the reply has drained.
func (e *Engine) completeTurn() {
	e.drained = nil
	if e.cur == nil {
		return
	}
	e.endTurn(observe.OutcomeCompleted, nil)
}

func (e *Engine) cancelTurn(reason string) {
	if e.cur == nil {
		slog.Debug("session: nothing to cancel", "state", e.State(), "reason", reason)
		return
	}
	if e.conn != nil && e.events != nil {
		if err := e.conn.SendCancel(); err != nil {
			observe.Logger(e.cur.ctx).Debug("session: send cancel", "err", err)
		}
	}
	observe.Logger(e.cur.ctx).Info("session: turn cancelled", "reason", reason)
	e.endTurn(observe.OutcomeCancelled, nil)
}

// endTurn closes the current turn with outcome and moves to SETUP. A non-nil
// err is reported. Aborted and cancelled turns reset the segmenter and flush
// playback.
func (e *Engine) endTurn(outcome string, err error) {
	t := e.cur
	e.cur = nil
	e.drained = nil

	if outcome != observe.OutcomeCompleted {
		e.cfg.Segmenter.Reset()
		if n := e.cfg.Player.Clear(); n > 0 {
			observe.Logger(t.ctx).Debug("session: playback flushed", "items", n)
		}
	}
	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		stage := stageConnection
		if errors.Is(err, ErrCaptureUnavailable) {
			stage = stageCapture
		}
		e.report(t.ctx, stage, err)
	}
	if e.cfg.History != nil {
		if herr := e.cfg.History.FinishTurn(t.ctx); herr != nil {
			observe.Logger(t.ctx).Warn("session: persist history", "err", herr)
		}
	}

	e.metrics.RecordTurn(t.ctx, outcome)
	e.metrics.ActiveTurns.Add(t.ctx, -1)
	observe.Logger(t.ctx).Info("session: turn finished", "outcome", outcome)
	t.span.End()

	e.dropConn()
	e.transition(StateSetup)
	e.startSetup()
}

// ─── Backend events ──────────────────────────────────────────────────────────

func (e *Engine) handleEvent(ev protocol.Event) {
	state := e.State()
	if e.cur == nil || (state != StateRecording && state != StateGenerating) {
		slog.Debug("session: backend event ignored", "event", ev.Kind, "state", state)
		return
	}
	t := e.cur
	log := observe.Logger(t.ctx)

	switch ev.Kind {
	case protocol.EventTranscript:
		log.Info("session: transcript", "text", ev.Text)
		if e.cfg.History != nil {
			e.cfg.History.AppendUser(ev.Text)
		}
	case protocol.EventText:
		log.Debug("session: reply text", "text", ev.Text)
		if e.cfg.History != nil {
			e.cfg.History.AppendAssistant(ev.Text)
		}
		e.enqueue(t, playback.Item{Kind: playback.KindText, Payload: []byte(ev.Text)})
	case protocol.EventAudio:
		if !t.heardReply && !t.endedAt.IsZero() {
			t.heardReply = true
			e.metrics.TurnLatency.Record(t.ctx, time.Since(t.endedAt).Seconds())
		}
		e.enqueue(t, playback.Item{Kind: playback.KindAudio, Payload: ev.Audio})
	case protocol.EventEnd:
		e.cfg.Player.MarkUpstreamDone()
	default:
		log.Debug("session: backend event ignored", "event", ev.Kind, "state", state)
	}
}

func (e *Engine) enqueue(t *turn, item playback.Item) {
	item.Turn = t.id
	if _, err := e.cfg.Player.Enqueue(item); err != nil {
		observe.Logger(t.ctx).Warn("session: playback enqueue", "kind", item.Kind, "err", err)
	}
}

// connectionEnded handles the Events channel closing.
func (e *Engine) connectionEnded() {
	cerr := e.conn.Err()
	e.events = nil

	switch e.State() {
	case StateGenerating:
		if cerr == nil {
			// Backend finished the reply.
			e.cfg.Player.MarkUpstreamDone()
			return
		}
		e.endTurn(observe.OutcomeAborted, fmt.Errorf("%w: %w", ErrConnectionFailure, cerr))
	case StateRecording:
		if cerr == nil {
			cerr = errors.New("closed by backend during recording")
		}
		e.endTurn(observe.OutcomeAborted, fmt.Errorf("%w: %w", ErrConnectionFailure, cerr))
	case StateIdle:
		if cerr != nil {
			e.report(e.runCtx, stageConnection, fmt.Errorf("%w: %w", ErrConnectionFailure, cerr))
		} else {
			slog.Debug("session: backend closed idle connection")
		}
		e.dropConn()
		e.transition(StateSetup)
		e.startSetup()
	}
}

func (e *Engine) dropConn() {
	if e.conn == nil {
		return
	}
	e.closeConnAsync(e.conn)
	e.conn, e.events = nil, nil
}

// closeConnAsync closes c without stalling the engine goroutine on the
// closing handshake.
func (e *Engine) closeConnAsync(c Conn) {
	e.closers.Add(1)
	go func() {
		defer e.closers.Done()
		if err := c.Close(); err != nil {
			slog.Debug("session: close connection", "err", err)
		}
	}()
}
