// Package transporttest provides a reference backend for tests: a websocket
// pipeline endpoint that speaks the voxloop wire protocol plus the /prewarm
// and /status readiness endpoints.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/internal/protocol"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// PipelinePath is the websocket endpoint served by [Server].
const PipelinePath = "/pipeline"

// Turn is everything the client sent on one connection.
type Turn struct {
	// Payloads are the raw audio payloads in arrival order.
	Payloads [][]byte

	// PCM is the concatenated samples of all WAV payloads.
	PCM []int16

	// SampleRate of the last WAV payload.
	SampleRate int

	History   []protocol.HistoryEntry
	Ended     bool
	Cancelled bool
}

// Handler scripts the server side of one connection.
type Handler func(ctx context.Context, c *Conn)

// Server is an httptest server playing the backend.
type Server struct {
	*httptest.Server

	handler Handler
	ready   atomic.Bool

	mu       sync.Mutex
	turns    []Turn
	conns    int
	prewarms int
	cancels  int
}

// NewServer starts a server that runs handler for every websocket
// connection. A nil handler selects [Reply]("hello", "Hi there.").
// The server is closed when the test ends.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()
	if handler == nil {
		handler = Reply("hello", "Hi there.")
	}
	s := &Server{handler: handler}
	s.ready.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PipelinePath, s.servePipeline)
	mux.HandleFunc("GET /prewarm", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		s.prewarms++
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		r := s.ready.Load()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"whisper": r, "zephyr": r, "xtts": r})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// WebsocketURL returns the websocket URL of the pipeline endpoint.
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + PipelinePath
}

// SetReady controls the models reported by /status.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Turns returns the turns recorded so far.
func (s *Server) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Connections returns the number of accepted websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Cancels returns the number of cancel messages received.
func (s *Server) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Prewarms returns the number of /prewarm calls.
func (s *Server) Prewarms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prewarms
}

func (s *Server) servePipeline(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(64 << 20)
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	c := &Conn{ws: ws, srv: s}
	defer ws.CloseNow()
	s.handler(r.Context(), c)
}

func (s *Server) record(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
}

// Conn is the server side of one connection.
type Conn struct {
	ws    *websocket.Conn
	srv   *Server
	demux protocol.Demuxer
}

// ReadTurn reads client frames until an end or cancel message and records the
// turn on the server. It returns the partial turn and the read error if the
// connection ends first.
func (c *Conn) ReadTurn(ctx context.Context) (Turn, error) {
	var t Turn
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return t, err
		}
		ev, ok, err := c.demux.Feed(typ == websocket.MessageBinary, data)
		if err != nil {
			return t, err
		}
		if !ok {
			continue
		}
		switch ev.Kind {
		case protocol.EventAudio:
			t.Payloads = append(t.Payloads, ev.Audio)
			if w, err := audio.DecodeWAV(ev.Audio); err == nil {
				t.PCM = append(t.PCM, w.PCM...)
				t.SampleRate = w.SampleRate
			}
		case protocol.EventHistory:
			t.History = ev.History
		case protocol.EventEnd:
			t.Ended = true
			c.srv.record(t)
			return t, nil
		case protocol.EventCancel:
			t.Cancelled = true
			c.srv.mu.Lock()
			c.srv.cancels++
			c.srv.mu.Unlock()
			c.srv.record(t)
			return t, nil
		}
	}
}

// WaitCancel reads until the client sends cancel or the connection ends.
func (c *Conn) WaitCancel(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok, _ := c.demux.Feed(typ == websocket.MessageBinary, data)
		if ok && ev.Kind == protocol.EventCancel {
			c.srv.mu.Lock()
			c.srv.cancels++
			c.srv.mu.Unlock()
			return nil
		}
	}
}

// SendTranscript sends the recognised user utterance. Like the reference
// backend it writes JSON in binary frames.
func (c *Conn) SendTranscript(ctx context.Context, s string) error {
	return c.ws.Write(ctx, websocket.MessageBinary, protocol.Transcript(s))
}

// SendText sends an assistant text chunk.
func (c *Conn) SendText(ctx context.Context, s string) error {
	return c.ws.Write(ctx, websocket.MessageBinary, protocol.Text(s))
}

// SendAudio sends a wav header followed by payload.
func (c *Conn) SendAudio(ctx context.Context, payload []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, protocol.WAVHeader()); err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageBinary, payload)
}

// SendRaw writes an arbitrary frame.
func (c *Conn) SendRaw(ctx context.Context, binary bool, data []byte) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return c.ws.Write(ctx, typ, data)
}

// SendEnd sends the end marker.
func (c *Conn) SendEnd(ctx context.Context) error {
	return c.ws.Write(ctx, websocket.MessageText, protocol.End())
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Drop tears the connection down without a closing handshake.
func (c *Conn) Drop() error {
	return c.ws.CloseNow()
}

// Tone returns a WAV payload of n samples at rate filled with value.
func Tone(value int16, n, rate int) []byte {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = value
	}
	b, err := audio.EncodeWAV(pcm, rate)
	if err != nil {
		panic(fmt.Sprintf("transporttest: %v", err))
	}
	return b
}

// Reply returns a handler that reads one turn, then answers with transcript,
// one text chunk with a short tone, and closes normally like the reference
// backend does when its pipeline completes.
func Reply(transcript string, sentences ...string) Handler {
	return func(ctx context.Context, c *Conn) {
		t, err := c.ReadTurn(ctx)
		if err != nil || t.Cancelled {
			return
		}
		if err := c.SendTranscript(ctx, transcript); err != nil {
			return
		}
		for i, s := range sentences {
			if err := c.SendText(ctx, s); err != nil {
				return
			}
			if err := c.SendAudio(ctx, Tone(int16(1000*(i+1)), 240, 24000)); err != nil {
				return
			}
		}
		_ = c.Close()
	}
}

// IsClosed reports whether err is a websocket closure or cancellation, which
// handlers treat as the client going away.
func IsClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
