package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/observe"
)

// stageError tags a setup error with the stage that failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// startSetup launches one setup attempt in the background. The result is
// delivered on setupCh.
func (e *Engine) startSetup() {
	if e.runCtx.Err() != nil || e.setupPending {
		return
	}
	e.setupPending = true
	needCapture := e.frames == nil
	warm := e.cfg.Warmer != nil && !e.warmed
	go func() {
		e.setupCh <- e.setup(e.runCtx, needCapture, warm)
	}()
}

// setup acquires the capture device and warms the backend up concurrently,
// then dials a fresh connection. It runs outside the engine goroutine and
// must not touch engine state.
func (e *Engine) setup(ctx context.Context, needCapture, warm bool) setupResult {
	var res setupResult

	g, gctx := errgroup.WithContext(ctx)
	if needCapture {
		g.Go(func() error {
			// The capture stream outlives this attempt.
			frames, err := e.cfg.Source.Start(ctx)
			if err != nil {
				return &stageError{stageCapture, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)}
			}
			e.cfg.Source.SetMuted(true)
			res.frames = frames
			return nil
		})
	}
	if warm {
		g.Go(func() error {
			if err := e.cfg.Warmer.Prewarm(gctx); err != nil {
				return &stageError{stageBackend, fmt.Errorf("session: prewarm: %w", err)}
			}
			if !e.cfg.WaitReady {
				return nil
			}
			if err := e.cfg.Warmer.WaitReady(gctx, e.cfg.ReadyInterval); err != nil {
				return &stageError{stageBackend, fmt.Errorf("session: wait ready: %w", err)}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.stage, res.err = stageOf(err), err
		return res
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	conn, err := e.cfg.Dialer.Dial(dctx)
	if err != nil {
		res.stage = stageDial
		res.err = fmt.Errorf("%w: %w", ErrConnectionFailure, err)
		return res
	}
	res.conn = conn
	return res
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return stageBackend
}

// handleSetup applies the outcome of a setup attempt.
func (e *Engine) handleSetup(res setupResult) {
	if res.frames != nil {
		e.frames = res.frames
	}
	if e.runCtx.Err() != nil {
		if res.conn != nil {
			e.closeConnAsync(res.conn)
		}
		return
	}

	if res.err == nil && e.frames == nil {
		// Capture was lost while the attempt was in flight.
		e.closeConnAsync(res.conn)
		e.startSetup()
		return
	}

	if res.err != nil {
		e.warmed = false
		e.metrics.RecordSetupFailure(e.runCtx, res.stage)
		e.report(e.runCtx, res.stage, res.err)
		e.setLastErr(res.err)

		delay := e.backoff.Next()
		slog.Warn("session: setup failed, retrying", "stage", res.stage, "retry_in", delay)
		e.retry = time.NewTimer(delay)
		e.retryC = e.retry.C
		return
	}

	e.warmed = e.cfg.Warmer != nil
	e.backoff.Reset()
	e.setLastErr(nil)
	e.conn = res.conn
	e.events = res.conn.Events()

	e.cfg.Segmenter.Reset()
	e.transition(StateIdle)
	e.cfg.Source.SetMuted(false)
	observe.Logger(e.runCtx).Debug("session: ready for speech")
}
