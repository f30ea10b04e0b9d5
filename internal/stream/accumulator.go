// Package stream accumulates a structured side-capture of a server-sent
// event stream while the bytes flow unchanged to their real consumer.
//
// The accumulator lives inside a long-lived interceptor process and must
// never block or corrupt the user-visible response: it only ever sees a
// copy of each chunk, and any per-line parse failure is swallowed (a lost
// fragment degrades the preview, it does not abort the capture).
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/cairn/internal/metrics"
	"github.com/roach88/cairn/internal/trace"
)

// previewLimit bounds every stored excerpt. Previews are for humans
// scanning a span listing, not for replay.
const previewLimit = 500

// Accumulator incrementally decodes an SSE stream into a trace.Record.
// It implements io.Writer so it can sit behind an ObserverWriter; chunk
// boundaries are arbitrary (a line may be split anywhere, including
// mid-rune) and do not affect the finalized record.
type Accumulator struct {
	mu sync.Mutex

	collector metrics.Collector

	buf      bytes.Buffer // partial line carried across Write calls
	model    string
	stop     string
	usage    Usage
	prompt   string
	text     strings.Builder
	thinking strings.Builder

	// Tool input JSON arrives as fragments per block index; fragments
	// concatenate in arrival order and are only valid JSON once the
	// block closes.
	toolNames  []string
	toolInputs map[int]*strings.Builder
	toolByIdx  map[int]string
	closedIdx  map[int]bool

	finalized bool
	snapshot  trace.Record
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithCollector wires a metrics collector. Defaults to the no-op
// collector.
func WithCollector(c metrics.Collector) Option {
	return func(a *Accumulator) { a.collector = c }
}

// WithPrompt records the user prompt excerpt for the finalized record.
// The prompt is not part of the response stream, so the interceptor
// supplies it from the request side.
func WithPrompt(prompt string) Option {
	return func(a *Accumulator) { a.prompt = truncate(prompt) }
}

// New creates an empty accumulator.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		collector:  metrics.Noop{},
		toolInputs: make(map[int]*strings.Builder),
		toolByIdx:  make(map[int]string),
		closedIdx:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Write observes a copy of one stream chunk. It never fails: the returned
// error is always nil so an observing tee can never stall the real
// consumer.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.collector.BytesObserved(len(p))
	a.buf.Write(p)

	for {
		line, ok := a.nextLine()
		if !ok {
			break
		}
		a.consumeLine(line)
	}
	return len(p), nil
}

// nextLine extracts one complete newline-terminated line from the carry
// buffer.
func (a *Accumulator) nextLine() ([]byte, bool) {
	data := a.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	a.buf.Next(idx + 1)
	return line, true
}

// consumeLine decodes one SSE line. Anything that is not a well-formed
// data line with a known payload is skipped - fail open.
func (a *Accumulator) consumeLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	// SSE framing: "event:" lines and comments carry no payload.
	if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(payload)
	} else if bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte(":")) {
		return
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		a.collector.LineSkipped()
		return
	}
	a.dispatch(ev)
}

func (a *Accumulator) dispatch(ev Event) {
	switch ev.Type {
	case eventMessageStart:
		if ev.Message != nil {
			a.model = ev.Message.Model
			a.usage.InputTokens = ev.Message.Usage.InputTokens
			a.usage.CacheReadTokens = ev.Message.Usage.CacheReadTokens
			a.usage.CacheCreationTokens = ev.Message.Usage.CacheCreationTokens
		}
	case eventContentBlockStart:
		if ev.Block != nil && ev.Block.Type == "tool_use" {
			a.toolByIdx[ev.Index] = ev.Block.Name
			a.toolNames = append(a.toolNames, ev.Block.Name)
			a.toolInputs[ev.Index] = &strings.Builder{}
		}
	case eventContentBlockDelta:
		if ev.Delta == nil {
			a.collector.LineSkipped()
			return
		}
		switch ev.Delta.Type {
		case deltaText:
			a.text.WriteString(ev.Delta.Text)
		case deltaThinking:
			a.thinking.WriteString(ev.Delta.Thinking)
		case deltaInputJSON:
			// Fragments for a closed block are stale retransmissions;
			// drop them rather than corrupting the assembled input.
			if a.closedIdx[ev.Index] {
				return
			}
			b, ok := a.toolInputs[ev.Index]
			if !ok {
				b = &strings.Builder{}
				a.toolInputs[ev.Index] = b
			}
			b.WriteString(ev.Delta.PartialJSON)
		}
	case eventContentBlockStop:
		a.closedIdx[ev.Index] = true
	case eventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			a.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
	default:
		// Unknown event types (ping, error frames) are not a capture
		// failure.
		return
	}
	a.collector.EventDecoded(ev.Type)
}

// Finalize returns the accumulated record. Idempotent: the first call
// snapshots the state, and every later call returns the same snapshot even
// if stray bytes arrive afterwards.
func (a *Accumulator) Finalize() trace.Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return a.snapshot
	}

	a.snapshot = trace.Record{
		Model:            a.model,
		StopReason:       a.stop,
		InputTokens:      a.usage.InputTokens,
		OutputTokens:     a.usage.OutputTokens,
		CacheReadTokens:  a.usage.CacheReadTokens,
		CacheWriteTokens: a.usage.CacheCreationTokens,
		PromptPreview:    a.prompt,
		ThinkingPreview:  truncate(a.thinking.String()),
		TextPreview:      truncate(a.text.String()),
		ToolNames:        append([]string(nil), a.toolNames...),
	}
	a.finalized = true
	return a.snapshot
}

// ToolInput returns the assembled input JSON for a tool block, valid only
// after that block closed. Useful for diagnostics; absent blocks return
// "".
func (a *Accumulator) ToolInput(index int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.toolInputs[index]
	if !ok || !a.closedIdx[index] {
		return ""
	}
	return b.String()
}

// ClosedToolIndexes lists the block indexes whose fragment accumulation
// has closed, in ascending order.
func (a *Accumulator) ClosedToolIndexes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idxs []int
	for idx := range a.closedIdx {
		if _, ok := a.toolInputs[idx]; ok {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	return idxs
}

// truncate bounds a preview at previewLimit runes without splitting a
// rune.
func truncate(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit])
}

// ObserverWriter tees every chunk to the real consumer and then to the
// accumulator. The consumer's result is authoritative; the accumulator can
// neither mutate the bytes nor fail the write.
type ObserverWriter struct {
	dst io.Writer
	acc *Accumulator
}

// NewObserver wraps the destination writer with a side-capture.
func NewObserver(dst io.Writer, acc *Accumulator) *ObserverWriter {
	return &ObserverWriter{dst: dst, acc: acc}
}

// Write forwards to the destination first, then observes whatever portion
// was actually written.
func (o *ObserverWriter) Write(p []byte) (int, error) {
	n, err := o.dst.Write(p)
	if n > 0 {
		o.acc.Write(p[:n])
	}
	return n, err
}
