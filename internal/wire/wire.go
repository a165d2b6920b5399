// Package wire implements the client-facing streaming line protocol.
//
// The protocol is line-oriented: every frame is one line, prefixed by a
// single-character tag and a colon.
//
//	f:{"messageId":"..."}          metadata — initial response id
//	0:"<delta>"                    one content delta, JSON-string-encoded
//	f:{"grounding":{...}}          metadata — search grounding sources
//	f:{"error":"..."}              metadata — terminal error
//	d:{"type":"done","length":N}   terminal success, N = total characters
//
// A well-formed stream is: one leading metadata frame, zero or more content
// frames, at most one grounding frame, then exactly one terminal frame
// (done or error). Frames are flushed individually — time-to-first-token
// is the UX metric this protocol exists to serve, so nothing is batched.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Tag prefixes for the three frame kinds.
const (
	TagMetadata = "f"
	TagContent  = "0"
	TagDone     = "d"
)

// Frame is one decoded protocol line.
type Frame struct {
	Tag       string
	Content   string          // set for content frames
	MessageID string          // set for initial metadata frames
	Error     string          // set for error metadata frames
	Grounding json.RawMessage // set for grounding metadata frames
	Length    int             // set for done frames
}

type doneFrame struct {
	Type   string `json:"type"`
	Length int    `json:"length"`
}

// Encoder writes frames to a buffered writer, flushing after every frame.
// Write errors are sticky: after the first failure all writes become no-ops
// and Err reports the cause, so the caller can detect client disconnects.
type Encoder struct {
	w   *bufio.Writer
	err error
}

// NewEncoder wraps w.
func NewEncoder(w *bufio.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first write or flush error, if any.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) writeLine(tag string, payload []byte) {
	if e.err != nil {
		return
	}
	if _, err := fmt.Fprintf(e.w, "%s:%s\n", tag, payload); err != nil {
		e.err = err
		return
	}
	if err := e.w.Flush(); err != nil {
		e.err = err
	}
}

func (e *Encoder) writeMetadata(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.err = err
		return
	}
	e.writeLine(TagMetadata, payload)
}

// WriteMessageID writes the initial metadata frame carrying the response id.
func (e *Encoder) WriteMessageID(id string) {
	e.writeMetadata(map[string]string{"messageId": id})
}

// WriteContent writes one content delta frame.
func (e *Encoder) WriteContent(delta string) {
	payload, err := json.Marshal(delta)
	if err != nil {
		e.err = err
		return
	}
	e.writeLine(TagContent, payload)
}

// WriteGrounding writes the grounding metadata frame.
func (e *Encoder) WriteGrounding(g any) {
	e.writeMetadata(map[string]any{"grounding": g})
}

// WriteError writes a terminal error frame. The message must already be
// sanitized for client display.
func (e *Encoder) WriteError(msg string) {
	e.writeMetadata(map[string]string{"error": msg})
}

// WriteDone writes the terminal success frame. length is the total number
// of content characters emitted.
func (e *Encoder) WriteDone(length int) {
	payload, err := json.Marshal(doneFrame{Type: "done", Length: length})
	if err != nil {
		e.err = err
		return
	}
	e.writeLine(TagDone, payload)
}

// ParseFrames decodes a raw protocol stream back into frames. Used by tests
// and example clients; the server never parses its own output.
func ParseFrames(raw string) ([]Frame, error) {
	var frames []Frame

	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		tag, payload, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("wire: malformed line %q", line)
		}

		switch tag {
		case TagContent:
			var content string
			if err := json.Unmarshal([]byte(payload), &content); err != nil {
				return nil, fmt.Errorf("wire: content frame: %w", err)
			}
			frames = append(frames, Frame{Tag: TagContent, Content: content})

		case TagMetadata:
			var meta struct {
				MessageID string          `json:"messageId"`
				Error     string          `json:"error"`
				Grounding json.RawMessage `json:"grounding"`
			}
			if err := json.Unmarshal([]byte(payload), &meta); err != nil {
				return nil, fmt.Errorf("wire: metadata frame: %w", err)
			}
			frames = append(frames, Frame{
				Tag:       TagMetadata,
				MessageID: meta.MessageID,
				Error:     meta.Error,
				Grounding: meta.Grounding,
			})

		case TagDone:
			var d doneFrame
			if err := json.Unmarshal([]byte(payload), &d); err != nil {
				return nil, fmt.Errorf("wire: done frame: %w", err)
			}
			frames = append(frames, Frame{Tag: TagDone, Length: d.Length})

		default:
			return nil, fmt.Errorf("wire: unknown frame tag %q", tag)
		}
	}

	return frames, nil
}

// ContentString concatenates the content deltas of a parsed stream.
func ContentString(frames []Frame) string {
	var sb strings.Builder
	for _, f := range frames {
		if f.Tag == TagContent {
			sb.WriteString(f.Content)
		}
	}
	return sb.String()
}
