// Package protocol defines the wire format spoken between the client and the
// inference backend over a websocket.
//
// Control messages are JSON objects {"type": ..., "value": ...}. Audio is
// never inlined: a {"type":"wav"} header announces that the next binary frame
// carries one WAV (or other encoded) payload. The client sends
//
//	{"type":"wav"}            header
//	<binary>                  44-byte WAV header + 16-bit mono PCM
//	{"type":"history", ...}   optional recent chat turns
//	{"type":"end"}            end of the user turn
//
// and the server answers with a transcript, then text chunks each followed by
// a wav header and its audio, and finally an end marker or a normal close.
// JSON carried in binary frames is accepted as a control message so servers
// that only write binary frames interoperate.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types.
const (
	TypeWAV        = "wav"
	TypeEnd        = "end"
	TypeHistory    = "history"
	TypeCancel     = "cancel"
	TypeText       = "text"
	TypeTranscript = "transcript"
)

// ErrProtocolViolation is returned for frames that break the framing rules.
var ErrProtocolViolation = errors.New("protocol: violation")

// Message is a JSON control message.
type Message struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// HistoryEntry is one chat turn sent to prime the backend.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Encode marshals a control message. A nil value omits the value field.
func Encode(typ string, value any) ([]byte, error) {
	m := Message{Type: typ}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", typ, err)
		}
		m.Value = raw
	}
	return json.Marshal(m)
}

// mustEncode is Encode for values that cannot fail to marshal.
func mustEncode(typ string, value any) []byte {
	b, err := Encode(typ, value)
	if err != nil {
		panic(err)
	}
	return b
}

// WAVHeader returns the header announcing an audio payload.
func WAVHeader() []byte { return mustEncode(TypeWAV, nil) }

// End returns the end-of-turn marker.
func End() []byte { return mustEncode(TypeEnd, nil) }

// Cancel returns the message asking the server to abandon the current turn.
func Cancel() []byte { return mustEncode(TypeCancel, nil) }

// Text returns an assistant text chunk message.
func Text(s string) []byte { return mustEncode(TypeText, s) }

// Transcript returns a user transcript message.
func Transcript(s string) []byte { return mustEncode(TypeTranscript, s) }

// History returns a history priming message. A nil slice is sent as an empty
// list.
func History(entries []HistoryEntry) []byte {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return mustEncode(TypeHistory, entries)
}

// EventKind identifies a decoded frame.
type EventKind int

const (
	// EventTranscript carries the recognised user utterance.
	EventTranscript EventKind = iota + 1
	// EventText carries an incremental assistant text chunk.
	EventText
	// EventAudio carries one encoded audio payload.
	EventAudio
	// EventEnd marks the end of a turn.
	EventEnd
	// EventHistory carries chat history (client to server).
	EventHistory
	// EventCancel asks to abandon the turn (client to server).
	EventCancel
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventEnd:
		return "end"
	case EventHistory:
		return "history"
	case EventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a decoded frame.
type Event struct {
	Kind    EventKind
	Text    string
	Audio   []byte
	History []HistoryEntry
}

// Demuxer turns a sequence of websocket frames into events, tracking the
// header-then-payload convention. It is not safe for concurrent use; each
// connection owns one.
type Demuxer struct {
	expectAudio bool
}

// Pending reports whether a wav header was received whose payload has not
// arrived yet.
func (d *Demuxer) Pending() bool { return d.expectAudio }

// Feed decodes one frame. ok is false when the frame produced no event (a wav
// header). A non-nil error wraps [ErrProtocolViolation]; when a control
// message arrives in place of an announced payload, the error reports the
// missing payload and ev still holds the control message.
func (d *Demuxer) Feed(binary bool, data []byte) (ev Event, ok bool, err error) {
	if binary {
		if d.expectAudio {
			d.expectAudio = false
			return Event{Kind: EventAudio, Audio: data}, true, nil
		}
		if !looksLikeJSON(data) {
			return Event{Kind: EventAudio, Audio: data}, true, nil
		}
	}

	var m Message
	if jerr := json.Unmarshal(data, &m); jerr != nil || m.Type == "" {
		if binary {
			// Brace-prefixed binary that is not a message is still audio.
			return Event{Kind: EventAudio, Audio: data}, true, nil
		}
		return Event{}, false, fmt.Errorf("%w: text frame is not a control message", ErrProtocolViolation)
	}

	var missing error
	if d.expectAudio {
		d.expectAudio = false
		missing = fmt.Errorf("%w: %q message arrived before the announced audio payload", ErrProtocolViolation, m.Type)
	}

	ev, ok, err = d.decode(m)
	if err != nil {
		return ev, ok, err
	}
	return ev, ok, missing
}

func (d *Demuxer) decode(m Message) (Event, bool, error) {
	switch m.Type {
	case TypeWAV:
		if hasValue(m.Value) {
			return Event{}, false, fmt.Errorf("%w: inline wav payloads are not supported", ErrProtocolViolation)
		}
		d.expectAudio = true
		return Event{}, false, nil
	case TypeText, TypeTranscript:
		var s string
		if err := json.Unmarshal(m.Value, &s); err != nil {
			return Event{}, false, fmt.Errorf("%w: %s value must be a string", ErrProtocolViolation, m.Type)
		}
		kind := EventText
		if m.Type == TypeTranscript {
			kind = EventTranscript
		}
		return Event{Kind: kind, Text: s}, true, nil
	case TypeEnd:
		return Event{Kind: EventEnd}, true, nil
	case TypeCancel:
		return Event{Kind: EventCancel}, true, nil
	case TypeHistory:
		var entries []HistoryEntry
		if hasValue(m.Value) {
			if err := json.Unmarshal(m.Value, &entries); err != nil {
				return Event{}, false, fmt.Errorf("%w: malformed history: %v", ErrProtocolViolation, err)
			}
		}
		return Event{Kind: EventHistory, History: entries}, true, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, m.Type)
	}
}

func hasValue(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

func looksLikeJSON(data []byte) bool {
	v := bytes.TrimLeft(data, " \t\r\n")
	return len(v) > 0 && v[0] == '{'
}
