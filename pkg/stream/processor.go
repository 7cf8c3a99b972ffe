package stream

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sitzung-dev/sitzung/pkg/api"
)

// EmitFunc receives each chunk the processor produces, in order.
type EmitFunc func(*api.ChatCompletionChunk)

// ProcessorOptions configures a per-request Processor.
type ProcessorOptions struct {
	// Model is echoed on every outgoing chunk.
	Model string
	// TailWindow bounds the trailing-content dedup window in bytes
	// (default 512).
	TailWindow int
	// HeartbeatInterval is the silence threshold after which an empty-delta
	// frame should be injected (default 15s).
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

// Processor converts parsed backend envelopes into chat-completion chunks.
// It owns the per-request parser, tracker, diff handler, and formatter, and
// maintains the trailing dedup window. One instance per request.
type Processor struct {
	parser  *JSONParser
	tracker *PathTracker
	diff    *DiffHandler
	fmt     *Formatter

	tail    string
	tailMax int

	roleSent    bool
	contentSent bool
	emittedAny  bool
	finishSent  bool
	lastEmit    time.Time

	heartbeatInterval time.Duration

	trimmedBytes int
	diffBlocks   int
	skippedErrs  int

	logger *slog.Logger
}

// NewProcessor creates a processor for one request.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.TailWindow <= 0 {
		opts.TailWindow = 512
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		parser:            NewJSONParser(),
		tracker:           NewPathTracker(opts.Logger),
		diff:              NewDiffHandler(),
		fmt:               NewFormatter(opts.Model),
		tailMax:           opts.TailWindow,
		heartbeatInterval: opts.HeartbeatInterval,
		lastEmit:          time.Now(),
		logger:            opts.Logger,
	}
}

// Feed consumes one aggregated text segment. Every chunk produced is passed
// to emit before Feed returns. The only error it can return is an
// authentication failure detected in a backend error entry.
func (p *Processor) Feed(segment string, emit EmitFunc) error {
	for _, raw := range p.parser.Feed(segment) {
		if err := p.handleEnvelope(raw, emit); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes every pipeline stage at end-of-stream: the parser's last
// buffered value, an unterminated diff block, and any tracker channel with
// unemitted content. A stream that produced nothing at all still gets an
// empty content frame and a stop frame so the client sees a well-formed
// response.
func (p *Processor) Finish(emit EmitFunc) error {
	for _, raw := range p.parser.Flush() {
		if err := p.handleEnvelope(raw, emit); err != nil {
			return err
		}
	}

	// Flushed segments have already passed the diff handler and must not
	// re-enter it.
	if seg, ok := p.diff.Flush(); ok && seg.Text != "" {
		if seg.Diff {
			p.diffBlocks++
		}
		p.emitTrimmed(seg.Text, false, emit)
	}

	for _, pd := range p.tracker.Pending() {
		p.emitTrimmed(pd.Text, pd.Thought, emit)
	}

	if !p.emittedAny {
		p.logger.Warn("stream produced no output, sending empty response")
		p.ensureRole(emit)
		p.emit(p.fmt.ContentChunk(""), emit)
	}
	if !p.finishSent {
		p.finishSent = true
		p.emit(p.fmt.FinishChunk("STOP"), emit)
	}
	return nil
}

// handleEnvelope processes one parsed backend value. Malformed values are
// absorbed, backend error entries are skipped after logging, and only
// authentication failures escape as errors.
func (p *Processor) handleEnvelope(raw json.RawMessage, emit EmitFunc) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.logger.Debug("skipping unparsable envelope", "error", err)
		return nil
	}
	if env.Error != nil {
		p.skippedErrs++
		p.logger.Warn("backend envelope error", "error", string(env.Error))
		return nil
	}
	if len(env.Results) == 0 {
		return nil
	}

	// Ascending by path index. Results without a path index carry terminal
	// state like the finish reason and must apply after the indexed content.
	results := make([]Result, len(env.Results))
	copy(results, env.Results)
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].PathIndex(), results[j].PathIndex()
		if a < 0 {
			return false
		}
		if b < 0 {
			return true
		}
		return a < b
	})

	for i := range results {
		if err := p.handleResult(&results[i], emit); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleResult(r *Result, emit EmitFunc) error {
	if len(r.Errors) > 0 {
		for _, re := range r.Errors {
			p.skippedErrs++
			if isAuthFailureMessage(re.Message) {
				return api.NewAuthenticationError("backend rejected session: " + re.Message)
			}
			p.logger.Warn("backend result error", "message", re.Message)
		}
		return nil
	}
	if r.Data == nil {
		return nil
	}

	pathIndex := r.PathIndex()
	for _, cand := range r.Data.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				p.handlePart(pathIndex, part, emit)
			}
		}
		if cand.FinishReason != "" && !p.finishSent {
			p.ensureRole(emit)
			p.finishSent = true
			p.emit(p.fmt.FinishChunk(cand.FinishReason), emit)
		}
	}
	return nil
}

func (p *Processor) handlePart(pathIndex int, part Part, emit EmitFunc) {
	if part.Text != "" {
		if pathIndex >= 0 {
			if delta, ok := p.tracker.Process(pathIndex, part.Text, part.Thought); ok {
				p.yieldContent(delta, part.Thought, emit)
			}
		} else {
			p.yieldContent(part.Text, part.Thought, emit)
		}
	}

	switch {
	case part.InlineData != nil:
		if part.InlineData.MimeType != "" && part.InlineData.Data != "" {
			payload := fixBase64Padding(part.InlineData.Data)
			p.yieldRaw(imageMarkdown("data:"+part.InlineData.MimeType+";base64,"+payload), emit)
		}
	case part.URI != "":
		p.yieldRaw(imageMarkdown(part.URI), emit)
	}
}

// yieldContent emits a text delta. Answer-channel text runs through the diff
// handler so fenced blocks stay atomic; thought text bypasses it. Every
// released segment has its prefix checked against the trailing window.
func (p *Processor) yieldContent(text string, thought bool, emit EmitFunc) {
	if text == "" {
		return
	}
	if thought {
		p.emitTrimmed(text, true, emit)
		return
	}
	for _, seg := range p.diff.Process(text) {
		if seg.Diff {
			p.diffBlocks++
		}
		p.emitTrimmed(seg.Text, false, emit)
	}
}

func (p *Processor) emitTrimmed(text string, thought bool, emit EmitFunc) {
	trimmed := p.trimDuplicatePrefix(text)
	if trimmed == "" {
		return
	}
	p.ensureRole(emit)

	var chunk *api.ChatCompletionChunk
	if thought {
		chunk = p.fmt.ReasoningChunk(trimmed)
	} else {
		chunk = p.fmt.ContentChunk(trimmed)
	}
	p.updateTail(trimmed)
	p.contentSent = true
	p.emit(chunk, emit)
}

// yieldRaw emits binary content untouched: no trimming, and the trailing
// window is not updated so an encoded payload never pollutes text dedup.
func (p *Processor) yieldRaw(text string, emit EmitFunc) {
	if text == "" {
		return
	}
	p.ensureRole(emit)
	p.contentSent = true
	p.emit(p.fmt.ContentChunk(text), emit)
}

func (p *Processor) ensureRole(emit EmitFunc) {
	if p.roleSent {
		return
	}
	p.roleSent = true
	p.emit(p.fmt.RoleChunk(), emit)
}

func (p *Processor) emit(chunk *api.ChatCompletionChunk, emit EmitFunc) {
	p.emittedAny = true
	p.lastEmit = time.Now()
	emit(chunk)
}

// trimDuplicatePrefix removes the longest overlap between the trailing
// window's suffix and the new delta's prefix. The backend repeats trailing
// fragments when it retries internally.
func (p *Processor) trimDuplicatePrefix(text string) string {
	if p.tail == "" || text == "" {
		return text
	}
	max := len(p.tail)
	if len(text) < max {
		max = len(text)
	}
	for i := max; i >= 1; i-- {
		if strings.HasSuffix(p.tail, text[:i]) {
			p.trimmedBytes += i
			return text[i:]
		}
	}
	return text
}

func (p *Processor) updateTail(text string) {
	p.tail += text
	if len(p.tail) > p.tailMax {
		p.tail = p.tail[len(p.tail)-p.tailMax:]
	}
}

// ContentSent reports whether any real content or image delta has been
// emitted. Role, heartbeat, and finish frames do not count; retry policy
// hinges on this.
func (p *Processor) ContentSent() bool { return p.contentSent }

// HeartbeatDue reports whether the configured silence threshold has passed
// since the last emitted frame.
func (p *Processor) HeartbeatDue() bool {
	return time.Since(p.lastEmit) >= p.heartbeatInterval
}

// Heartbeat returns an empty-delta keepalive frame and resets the silence
// clock.
func (p *Processor) Heartbeat() *api.ChatCompletionChunk {
	p.lastEmit = time.Now()
	return p.fmt.Heartbeat()
}

// UsageChunk returns the final accounting frame.
func (p *Processor) UsageChunk(usage *api.Usage) *api.ChatCompletionChunk {
	return p.fmt.UsageChunk(usage)
}

// StreamID returns the ID shared by every chunk of this response.
func (p *Processor) StreamID() string { return p.fmt.ID() }

// Stats summarizes pipeline activity for end-of-request logging and metrics.
type ProcessorStats struct {
	TrimmedBytes  int
	DiffBlocks    int
	SkippedErrors int
	Tracker       TrackerStats
}

// Stats returns a point-in-time summary.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		TrimmedBytes:  p.trimmedBytes,
		DiffBlocks:    p.diffBlocks,
		SkippedErrors: p.skippedErrs,
		Tracker:       p.tracker.Stats(),
	}
}
