// Package transport implements the client side of the backend websocket.
//
// A [Channel] represents one conversational round with the backend. Sends are
// queued to a single writer goroutine and never block the caller, which keeps
// network stalls away from the capture path. Received frames are demultiplexed
// by [protocol.Demuxer] and delivered in order on [Channel.Events].
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxloop/internal/protocol"
	"github.com/MrWong99/voxloop/pkg/audio"
)

var (
	// ErrConnectionLost is reported by [Channel.Err] when the connection ended
	// without a normal close.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrClosed is returned by send methods after the channel was closed.
	ErrClosed = errors.New("transport: channel closed")

	// ErrBackpressure is returned when the send queue is full.
	ErrBackpressure = errors.New("transport: send queue full")
)

const (
	defaultReadLimit    = 16 << 20
	defaultSendBuffer   = 256
	defaultEventBuffer  = 64
	defaultWriteTimeout = 10 * time.Second
)

// Options configures a [Channel]. Zero values select defaults.
type Options struct {
	// SampleRate of the PCM passed to SendAudio. Default: 48000.
	SampleRate int

	// ReadLimit is the largest accepted message in bytes. Synthesized audio
	// easily exceeds the websocket library's 32 KiB default. Default: 16 MiB.
	ReadLimit int64

	// SendBuffer is the number of queued outbound messages. Default: 256.
	SendBuffer int

	// EventBuffer is the capacity of the Events channel. Default: 64.
	EventBuffer int

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// HTTPClient and HTTPHeader are passed to the websocket handshake.
	HTTPClient *http.Client
	HTTPHeader http.Header

	// OnViolation is called from the read goroutine for every frame that
	// breaks the framing rules. The frame is dropped.
	OnViolation func(error)
}

func (o *Options) applyDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = audio.DefaultSampleRate
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// outbound is written as a unit so a wav header is never separated from its
// payload.
type outbound []frame

// Channel is a live websocket to the backend.
type Channel struct {
	id   string
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	out    chan outbound
	events chan protocol.Event

	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	writerDone chan struct{}
	readerDone chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial opens a websocket to url. ctx bounds the handshake only; the returned
// Channel lives until Close or until the server goes away.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	opts.applyDefaults()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(opts.ReadLimit)

	id := uuid.NewString()
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:         id,
		conn:       conn,
		opts:       opts,
		log:        slog.With("channel", id),
		out:        make(chan outbound, opts.SendBuffer),
		events:     make(chan protocol.Event, opts.EventBuffer),
		cancel:     cancel,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.writeLoop(loopCtx)
	go c.readLoop(loopCtx)

	c.log.Debug("transport: connected", "url", url)
	return c, nil
}

// ID returns the identifier used in log lines for this channel.
func (c *Channel) ID() string { return c.id }

// SendAudio queues pcm as a wav header followed by a binary WAV frame.
func (c *Channel) SendAudio(pcm []float32) error {
	wav, err := audio.EncodeWAVFloat(pcm, c.opts.SampleRate)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return c.enqueue(outbound{
		{typ: websocket.MessageText, data: protocol.WAVHeader()},
		{typ: websocket.MessageBinary, data: wav},
	})
}

// SendHistory queues a history priming message.
func (c *Channel) SendHistory(entries []protocol.HistoryEntry) error {
	return c.enqueue(outbound{{typ: websocket.MessageText, data: protocol.History(entries)}})
}

// SendEnd queues the end-of-turn marker.
func (c *Channel) SendEnd() error {
	return c.enqueue(outbound{{typ: websocket.MessageText, data: protocol.End()}})
}

// SendCancel queues a cancel request.
func (c *Channel) SendCancel() error {
	return c.enqueue(outbound{{typ: websocket.MessageText, data: protocol.Cancel()}})
}

func (c *Channel) enqueue(o outbound) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.Err(); err != nil {
		return err
	}
	select {
	case c.out <- o:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Events returns the demultiplexed inbound stream. It is closed when the
// connection ends; check Err afterwards.
func (c *Channel) Events() <-chan protocol.Event { return c.events }

// Done is closed once the read side of the connection has finished.
func (c *Channel) Done() <-chan struct{} { return c.readerDone }

// Err returns nil while the connection is open or after a normal close, and
// an error wrapping [ErrConnectionLost] otherwise.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close flushes queued messages, performs the closing handshake and waits for
// both goroutines. It is safe to call more than once.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		<-c.writerDone
		if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.log.Debug("transport: close handshake", "err", err)
		}
		c.cancel()
		<-c.readerDone
	})
	return nil
}

func (c *Channel) writeLoop(ctx context.Context) {
	defer close(c.writerDone)
	for {
		select {
		case o := <-c.out:
			if err := c.write(ctx, o); err != nil {
				c.fail(fmt.Errorf("%w: write: %w", ErrConnectionLost, err))
				c.log.Warn("transport: write failed", "err", err)
				return
			}
		case <-c.done:
			// Drain everything queued before Close.
			for {
				select {
				case o := <-c.out:
					if err := c.write(ctx, o); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) write(ctx context.Context, o outbound) error {
	for _, f := range o {
		wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
		err := c.conn.Write(wctx, f.typ, f.data)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.readerDone)
	defer close(c.events)

	var demux protocol.Demuxer
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.readFailed(err)
			return
		}

		ev, ok, verr := demux.Feed(typ == websocket.MessageBinary, data)
		if verr != nil {
			c.log.Warn("transport: dropping frame", "err", verr)
			if c.opts.OnViolation != nil {
				c.opts.OnViolation(verr)
			}
		}
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// readFailed classifies the error that ended the read loop.
func (c *Channel) readFailed(err error) {
	select {
	case <-c.done:
		// We initiated the close.
		return
	default:
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Debug("transport: server closed connection")
		return
	}
	c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	c.log.Warn("transport: connection lost", "err", err)
}

// Dialer opens channels to a fixed URL.
type Dialer struct {
	URL     string
	Options Options
}

// Dial opens a new [Channel].
func (d Dialer) Dial(ctx context.Context) (*Channel, error) {
	return Dial(ctx, d.URL, d.Options)
}
