// Package stream turns an upstream provider's SSE byte stream into
// OpenAI-shaped chat.completion.chunk events.
//
// A Normalizer buffers bytes until a complete frame is available, hands each
// frame to a provider-specific FrameParser and guarantees that the caller sees
// exactly one [DONE] sentinel at the end, however the upstream stream ended.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
)

// State of a Normalizer
type State int

const (
	AwaitingFrame State = iota
	FrameBuffered
	Emitting
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting_frame"
	case FrameBuffered:
		return "frame_buffered"
	case Emitting:
		return "emitting"
	case Done:
		return "done"
	}
	return "unknown"
}

// Event is one caller-facing SSE message. Exactly one of the fields is set.
type Event struct {
	// Chunk is a normalized chunk to be JSON encoded
	Chunk *openai.ChatCompletionStreamResponse
	// Raw is an already-encoded payload forwarded byte for byte
	Raw []byte
	// Done is the terminal sentinel
	Done bool
}

var doneFrame = []byte("data: [DONE]\n\n")

// Encode renders the event as an SSE data frame
func (e Event) Encode() ([]byte, error) {
	if e.Done {
		return doneFrame, nil
	}

	payload := e.Raw
	if payload == nil {
		var err error
		payload, err = json.Marshal(e.Chunk)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, "\n\n"...)
	return out, nil
}

// Frame is what a parser extracts from one upstream frame
type Frame struct {
	Events []Event
	// Usage reported by the upstream in this frame, if any. Non-zero fields
	// overwrite what was reported earlier in the stream.
	Usage *openai.Usage
	// Text is the completion text carried by this frame
	Text string
	// End means the upstream has finished; later frames are ignored.
	End bool
	// Err is an error reported in-band by the upstream. It ends the stream.
	Err error
}

// FrameParser understands one provider's event grammar
type FrameParser interface {
	ParseFrame(frame []byte) (Frame, error)
}

// Normalizer is the per-request streaming state machine. It is not safe for
// concurrent use.
type Normalizer struct {
	delim  []byte
	parser FrameParser
	buf    []byte
	state  State

	usage       openai.Usage
	text        strings.Builder
	frames      int
	parseErrors int
	upstreamErr error
}

// NewNormalizer returns a Normalizer cutting frames at delim
func NewNormalizer(delim string, parser FrameParser) *Normalizer {
	return &Normalizer{
		delim:  []byte(delim),
		parser: parser,
		state:  AwaitingFrame,
	}
}

// State returns the current state
func (n *Normalizer) State() State {
	return n.state
}

// Ingest appends p to the frame buffer and returns the events produced by
// every frame completed so far. Chunk boundaries in p are arbitrary.
func (n *Normalizer) Ingest(p []byte) []Event {
	if n.state == Done {
		return nil
	}

	// CRLF framing is folded to LF so one delimiter covers both.
	n.buf = append(n.buf, bytes.ReplaceAll(p, []byte{'\r'}, nil)...)

	var out []Event
	for n.state != Done {
		idx := bytes.Index(n.buf, n.delim)
		if idx < 0 {
			break
		}
		frame := n.buf[:idx]
		n.buf = n.buf[idx+len(n.delim):]
		out = append(out, n.handle(frame)...)
	}

	if n.state != Done {
		n.settle()
	}
	return out
}

// Finish ends the stream. A trailing frame left in the buffer is parsed when
// the upstream closed cleanly (cause == nil). The returned events always end
// with the [DONE] sentinel unless the stream had already finished, in which
// case nothing is returned.
func (n *Normalizer) Finish(cause error) []Event {
	if n.state == Done {
		return nil
	}

	var out []Event
	if cause == nil && len(bytes.TrimSpace(n.buf)) > 0 {
		out = n.handle(n.buf)
	}
	n.buf = nil

	if cause != nil {
		logger.Logger.Warn("upstream stream ended with error",
			zap.Error(cause),
			zap.Int("frames", n.frames),
		)
	}

	if n.state != Done {
		out = append(out, n.done())
	}
	return out
}

// Abort stops the normalizer without producing a sentinel. Used when the
// caller is gone and nothing more can be written.
func (n *Normalizer) Abort() {
	n.state = Done
	n.buf = nil
}

// Usage returns the token usage reported by the upstream. Reported is false
// when the upstream never sent counts.
func (n *Normalizer) Usage() (usage openai.Usage, reported bool) {
	u := n.usage
	reported = u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0
	if sum := u.PromptTokens + u.CompletionTokens; sum > 0 {
		u.TotalTokens = sum
	}
	return u, reported
}

// CompletionText returns all completion text emitted so far
func (n *Normalizer) CompletionText() string {
	return n.text.String()
}

// Frames returns the number of non-empty frames seen
func (n *Normalizer) Frames() int {
	return n.frames
}

// UpstreamErr returns the in-band error that ended the stream, if any
func (n *Normalizer) UpstreamErr() error {
	return n.upstreamErr
}

func (n *Normalizer) handle(frame []byte) []Event {
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil
	}
	n.state = Emitting
	n.frames++

	// The parser may keep references; the buffer is reused.
	f, err := n.parser.ParseFrame(append([]byte(nil), frame...))
	if err != nil {
		n.parseErrors++
		logger.Logger.Debug("skipping unparseable stream frame", zap.Error(err), zap.Int("frame", n.frames))
		return nil
	}

	n.mergeUsage(f.Usage)
	n.text.WriteString(f.Text)

	out := f.Events
	if f.Err != nil {
		n.upstreamErr = f.Err
		logger.Logger.Warn("upstream reported stream error", zap.Error(f.Err))
	}
	if f.End || f.Err != nil {
		out = append(out, n.done())
	}
	return out
}

func (n *Normalizer) done() Event {
	n.state = Done
	n.buf = nil
	return Event{Done: true}
}

func (n *Normalizer) settle() {
	if len(n.buf) == 0 {
		n.state = AwaitingFrame
	} else {
		n.state = FrameBuffered
	}
}

func (n *Normalizer) mergeUsage(u *openai.Usage) {
	if u == nil {
		return
	}
	if u.PromptTokens > 0 {
		n.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		n.usage.CompletionTokens = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		n.usage.TotalTokens = u.TotalTokens
	}
}
