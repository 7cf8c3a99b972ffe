package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/config"
	"github.com/sitzung-dev/sitzung/pkg/credential"
	"github.com/sitzung-dev/sitzung/pkg/observability"
	"github.com/sitzung-dev/sitzung/pkg/stream"
	"github.com/sitzung-dev/sitzung/pkg/usage"
)

// RefreshFunc asks the harvesting collaborator to capture a fresh session.
// Implementations must be safe for concurrent use.
type RefreshFunc func(ctx context.Context)

// initialSettleDelay is slept after the freshness gate resolved a brand-new
// credential, before the first dispatch. Slightly longer than the retry
// settle delay because the browser session may still be warming up.
const initialSettleDelay = 500 * time.Millisecond

// Options configures a Client.
type Options struct {
	Pool     *credential.Pool
	Upstream config.UpstreamConfig
	Stream   config.StreamConfig
	Models   config.ModelsConfig

	// TriggerRefresh is invoked when the pool needs a fresh harvest.
	// Optional; without it the client can only wait for unsolicited
	// submissions.
	TriggerRefresh RefreshFunc

	// Usage accumulates per-request token estimates. Optional.
	Usage *usage.Tracker

	// Transport overrides the per-request transport. When nil every
	// request gets its own isolated http.Transport so connection state
	// never bleeds between requests.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Client is the request orchestrator. One instance serves all requests; the
// credential pool coordinates sharing.
type Client struct {
	pool      *credential.Pool
	cfg       config.UpstreamConfig
	streamCfg config.StreamConfig
	models    config.ModelsConfig
	refresh   RefreshFunc
	usage     *usage.Tracker
	transport http.RoundTripper
	logger    *slog.Logger
}

// NewClient builds a client. Zero-valued timing fields fall back to the
// documented defaults.
func NewClient(opts Options) *Client {
	def := config.Defaults()
	if opts.Upstream.AcquireWait <= 0 {
		opts.Upstream.AcquireWait = def.Upstream.AcquireWait
	}
	if opts.Upstream.RetryWait <= 0 {
		opts.Upstream.RetryWait = def.Upstream.RetryWait
	}
	if opts.Upstream.SettleDelay <= 0 {
		opts.Upstream.SettleDelay = def.Upstream.SettleDelay
	}
	if opts.Upstream.ReadTimeout <= 0 {
		opts.Upstream.ReadTimeout = def.Upstream.ReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		pool:      opts.Pool,
		cfg:       opts.Upstream,
		streamCfg: opts.Stream,
		models:    opts.Models,
		refresh:   opts.TriggerRefresh,
		usage:     opts.Usage,
		transport: opts.Transport,
		logger:    opts.Logger,
	}
}

// StreamChat runs one logical chat request and streams frames to the
// returned channel. The channel is closed when the stream ends; a close
// without a preceding Done frame is a deliberate silent end (mid-stream
// refresh exhaustion before any content was sent). Cancel ctx to abandon
// the stream; pending sends are dropped.
func (c *Client) StreamChat(ctx context.Context, req *api.ChatCompletionRequest) <-chan api.StreamFrame {
	out := make(chan api.StreamFrame)
	go func() {
		defer close(out)
		c.run(ctx, req, out)
	}()
	return out
}

func (c *Client) run(ctx context.Context, req *api.ChatCompletionRequest, out chan<- api.StreamFrame) {
	spec := c.models.ResolveModel(req.Model)

	send := func(f api.StreamFrame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !c.ensureCredential(ctx) {
		send(api.ErrFrame(api.NewNoCredentialError(
			"could not obtain a usable credential; ensure the harvester is connected and the vendor session is open")))
		send(api.DoneFrame())
		return
	}

	if c.pool.NeedsPreemptiveRefresh() && c.pool.TryBeginRefresh() {
		c.logger.Info("credential nearing expiry, triggering preemptive refresh")
		observability.CredentialRefreshesTotal.WithLabelValues("preemptive").Inc()
		if c.refresh != nil {
			go c.refresh(context.WithoutCancel(ctx))
		}
	}

	transport := c.transport
	if transport == nil {
		t := isolatedTransport()
		defer t.CloseIdleConnections()
		transport = t
	}
	httpClient := &http.Client{Transport: transport}

	contentSent := false

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		slot, ok := c.pool.AcquireBest()
		if !ok {
			send(api.ErrFrame(api.NewNoCredentialError("credential pool is empty")))
			send(api.DoneFrame())
			return
		}
		versionAtDispatch := c.pool.Version()
		observability.PoolVersion.Set(float64(versionAtDispatch))

		body, err := BuildBody(slot.Harvest, req, spec)
		if err != nil {
			send(api.ErrFrame(api.NewRequestError("building backend request: " + err.Error())))
			send(api.DoneFrame())
			return
		}

		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		var stalled atomic.Bool
		watchdog := time.AfterFunc(c.cfg.ReadTimeout, func() {
			stalled.Store(true)
			cancelAttempt()
		})

		httpReq, err := NewRequest(attemptCtx, slot.Harvest, body)
		if err != nil {
			watchdog.Stop()
			cancelAttempt()
			send(api.ErrFrame(api.NewRequestError("building backend request: " + err.Error())))
			send(api.DoneFrame())
			return
		}

		if attempt == 0 {
			c.logger.Info("dispatching", "model", spec.Backend, "slot", slot.ID, "pool_version", versionAtDispatch)
		} else {
			c.logger.Info("retrying dispatch", "attempt", attempt+1, "model", spec.Backend, "slot", slot.ID)
		}

		start := time.Now()
		resp, err := httpClient.Do(httpReq)
		if err != nil {
			watchdog.Stop()
			cancelAttempt()
			if ctx.Err() != nil {
				return
			}
			observability.UpstreamRequestsTotal.WithLabelValues(spec.Backend, "error").Inc()
			c.logger.Warn("dispatch failed", "error", err, "attempt", attempt+1)
			if !contentSent && attempt < c.cfg.MaxRetries {
				observability.RetriesTotal.WithLabelValues("transport").Inc()
				continue
			}
			send(api.ErrFrame(api.NewRequestError(err.Error())))
			send(api.DoneFrame())
			return
		}

		observability.UpstreamRequestsTotal.WithLabelValues(spec.Backend, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			watchdog.Stop()
			cancelAttempt()
			if c.authClassStatus(resp.StatusCode) && attempt < c.cfg.MaxRetries {
				c.logger.Warn("auth-class upstream status, refreshing credentials",
					"status", resp.StatusCode, "attempt", attempt+1)
				observability.RetriesTotal.WithLabelValues("auth").Inc()
				if c.refreshAndWait(ctx, versionAtDispatch) {
					continue
				}
			}
			send(api.ErrFrame(api.NewUpstreamError(resp.StatusCode, string(detail))))
			send(api.DoneFrame())
			return
		}

		res := c.consumeStream(ctx, resp.Body, req, spec, send, &contentSent, &stalled, func() {
			watchdog.Reset(c.cfg.ReadTimeout)
		})
		resp.Body.Close()
		watchdog.Stop()
		cancelAttempt()

		switch res.outcome {
		case streamDone:
			observability.UpstreamLatency.WithLabelValues(spec.Backend).Observe(time.Since(start).Seconds())
			return
		case streamCanceled:
			return
		case streamRetryAuth:
			observability.RetriesTotal.WithLabelValues("auth").Inc()
			if attempt < c.cfg.MaxRetries && c.refreshAndWait(ctx, versionAtDispatch) {
				continue
			}
			// Nothing has been sent yet; ending without an error frame
			// beats confusing a client that received no content.
			c.logger.Warn("mid-stream auth failure with refresh exhausted, ending silently")
			return
		case streamRetryTransport:
			if attempt < c.cfg.MaxRetries {
				observability.RetriesTotal.WithLabelValues("transport").Inc()
				continue
			}
			send(api.ErrFrame(api.NewRequestError(res.message)))
			send(api.DoneFrame())
			return
		case streamFatal:
			send(api.ErrFrame(res.apiErr))
			send(api.DoneFrame())
			return
		}
	}
}

// ensureCredential is the freshness gate: when no usable credential exists
// it triggers a refresh and blocks on the pool's waiter queue.
func (c *Client) ensureCredential(ctx context.Context) bool {
	if !c.pool.NeedsRefresh() {
		return true
	}
	c.logger.Info("no usable credential, requesting refresh")
	if c.pool.TryBeginRefresh() && c.refresh != nil {
		c.refresh(ctx)
	}
	if !c.pool.NeedsRefresh() {
		return true
	}
	observability.PoolWaiters.Inc()
	updated := c.pool.WaitForUpdate(ctx, c.cfg.AcquireWait)
	observability.PoolWaiters.Dec()
	if updated {
		observability.CredentialRefreshesTotal.WithLabelValues("success").Inc()
		c.sleep(ctx, initialSettleDelay)
		return true
	}
	c.pool.MarkRefreshFailed()
	observability.CredentialRefreshesTotal.WithLabelValues("timeout").Inc()
	return !c.pool.NeedsRefresh()
}

// refreshAndWait triggers a refresh and blocks until the pool moves past
// the given version. Returns false on timeout or when the version did not
// actually advance.
func (c *Client) refreshAndWait(ctx context.Context, versionAtDispatch uint64) bool {
	if c.pool.TryBeginRefresh() && c.refresh != nil {
		c.refresh(ctx)
	}
	// The harvester may have submitted before the waiter registered.
	if c.pool.Version() > versionAtDispatch {
		observability.CredentialRefreshesTotal.WithLabelValues("success").Inc()
		c.sleep(ctx, c.cfg.SettleDelay)
		return true
	}
	observability.PoolWaiters.Inc()
	updated := c.pool.WaitForUpdate(ctx, c.cfg.RetryWait)
	observability.PoolWaiters.Dec()
	if !updated {
		c.pool.MarkRefreshFailed()
		observability.CredentialRefreshesTotal.WithLabelValues("timeout").Inc()
		c.logger.Warn("credential refresh timed out")
		return false
	}
	if newVersion := c.pool.Version(); newVersion <= versionAtDispatch {
		c.logger.Warn("pool version unchanged after refresh wait",
			"version", newVersion)
		return false
	}
	observability.CredentialRefreshesTotal.WithLabelValues("success").Inc()
	c.sleep(ctx, c.cfg.SettleDelay)
	return true
}

func (c *Client) authClassStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		// The backend reports some expired-session states as 400.
		return c.cfg.RetryOn400Enabled()
	}
	return false
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type streamOutcome int

const (
	streamDone streamOutcome = iota
	streamCanceled
	streamRetryAuth
	streamRetryTransport
	streamFatal
)

type streamResult struct {
	outcome streamOutcome
	message string
	apiErr  *api.APIError
}

// consumeStream feeds the response body through the aggregator and stream
// processor, forwarding every produced frame immediately. Heartbeats are
// injected between reads when the processor has been quiet too long.
func (c *Client) consumeStream(
	ctx context.Context,
	body io.Reader,
	req *api.ChatCompletionRequest,
	spec config.ModelSpec,
	send func(api.StreamFrame) bool,
	contentSent *bool,
	stalled *atomic.Bool,
	touch func(),
) streamResult {
	proc := stream.NewProcessor(stream.ProcessorOptions{
		Model:             spec.Requested,
		TailWindow:        c.streamCfg.TailWindow,
		HeartbeatInterval: c.streamCfg.HeartbeatInterval,
		Logger:            c.logger,
	})
	agg := stream.NewChunkAggregator(c.streamCfg.MinChunkSize, c.streamCfg.MaxBufferTime)

	var completion strings.Builder
	canceled := false
	emit := func(chunk *api.ChatCompletionChunk) {
		if canceled {
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != nil {
				completion.WriteString(*choice.Delta.Content)
			}
		}
		if !send(api.ChunkFrame(chunk)) {
			canceled = true
			return
		}
		if proc.ContentSent() {
			*contentSent = true
		}
	}

	buf := make([]byte, 8192)
	var procErr error
	for {
		n, err := body.Read(buf)
		touch()
		if n > 0 {
			if segment := agg.Feed(string(buf[:n])); segment != "" {
				if procErr = proc.Feed(segment, emit); procErr != nil {
					break
				}
			}
			if proc.HeartbeatDue() {
				emit(proc.Heartbeat())
			}
		}
		if canceled {
			return streamResult{outcome: streamCanceled}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if segment := agg.Flush(); segment != "" {
					procErr = proc.Feed(segment, emit)
				}
				if procErr == nil {
					procErr = proc.Finish(emit)
				}
				break
			}
			if ctx.Err() != nil {
				return streamResult{outcome: streamCanceled}
			}
			message := "upstream read failed: " + err.Error()
			if stalled.Load() {
				message = "upstream read timed out"
			}
			if *contentSent {
				return streamResult{outcome: streamFatal, apiErr: api.NewRequestError("stream interrupted: " + message)}
			}
			return streamResult{outcome: streamRetryTransport, message: message}
		}
	}
	if canceled {
		return streamResult{outcome: streamCanceled}
	}

	if procErr != nil {
		if api.IsAuthentication(procErr) {
			if *contentSent {
				var apiErr *api.APIError
				if !errors.As(procErr, &apiErr) {
					apiErr = api.NewAuthenticationError(procErr.Error())
				}
				return streamResult{outcome: streamFatal, apiErr: apiErr}
			}
			c.logger.Warn("authentication failure detected mid-stream", "error", procErr)
			return streamResult{outcome: streamRetryAuth}
		}
		if *contentSent {
			return streamResult{outcome: streamFatal, apiErr: api.NewServerError(procErr.Error())}
		}
		return streamResult{outcome: streamRetryTransport, message: procErr.Error()}
	}

	stats := proc.Stats()
	if stats.Tracker.Backtracks > 0 {
		observability.TrackerBacktracksTotal.Add(float64(stats.Tracker.Backtracks))
	}

	u := c.buildUsage(req.Messages, completion.String(), spec)
	observability.TokensTotal.WithLabelValues(spec.Backend, "prompt").Add(float64(u.PromptTokens))
	observability.TokensTotal.WithLabelValues(spec.Backend, "completion").Add(float64(u.CompletionTokens))
	if c.usage != nil {
		c.usage.Record(u)
	}

	if !send(api.ChunkFrame(proc.UsageChunk(u))) {
		return streamResult{outcome: streamCanceled}
	}
	if !send(api.DoneFrame()) {
		return streamResult{outcome: streamCanceled}
	}
	c.logger.Info("stream completed",
		"stream_id", proc.StreamID(),
		"prompt_tokens", u.PromptTokens,
		"completion_tokens", u.CompletionTokens)
	return streamResult{outcome: streamDone}
}

// Image requests produce one opaque payload, so token accounting uses fixed
// estimates instead of text-based ones.
const (
	imagePromptTokens     = 500
	imageCompletionTokens = 1000
)

func (c *Client) buildUsage(messages []api.Message, completion string, spec config.ModelSpec) *api.Usage {
	if spec.IsImageModel() {
		return &api.Usage{
			PromptTokens:     imagePromptTokens,
			CompletionTokens: imageCompletionTokens,
			TotalTokens:      imagePromptTokens + imageCompletionTokens,
		}
	}
	return usage.Build(messages, completion)
}

// isolatedTransport builds the per-request transport: generous timeouts for
// long-lived streaming responses, small connection pool, never shared.
func isolatedTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
