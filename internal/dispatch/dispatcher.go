// Package dispatch drives one chat turn through the selected provider adapter,
// or through the demo responder when nothing usable is configured.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/logging"
	"github.com/neves/zen-gateway/internal/metrics"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/neves/zen-gateway/internal/streaming"
	"github.com/neves/zen-gateway/internal/tokens"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultStreamIdle     = 60 * time.Second

	maxResponseBody = 8 << 20
	maxErrorBody    = 64 << 10

	demoName = "Demo"
)

// ErrSinkClosed means the downstream consumer went away mid-stream
var ErrSinkClosed = errors.New("downstream closed")

// Options configures a Dispatcher. Zero values take defaults.
type Options struct {
	// Client must not set Timeout: it would cut long streams. Non-streaming
	// calls are bounded by RequestTimeout through the context instead.
	Client         *http.Client
	RequestTimeout time.Duration
	StreamIdle     time.Duration
	Demo           *providers.DemoResponder
	Metrics        *metrics.Recorder
	Ledger         *tokens.Ledger
	Logger         *logging.Logger
}

// Dispatcher is safe for concurrent use; it holds no per-call state
type Dispatcher struct {
	client         *http.Client
	requestTimeout time.Duration
	streamIdle     time.Duration
	demo           *providers.DemoResponder
	metrics        *metrics.Recorder
	ledger         *tokens.Ledger
	logger         *logging.Logger
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		client:         opts.Client,
		requestTimeout: opts.RequestTimeout,
		streamIdle:     opts.StreamIdle,
		demo:           opts.Demo,
		metrics:        opts.Metrics,
		ledger:         opts.Ledger,
		logger:         opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = DefaultRequestTimeout
	}
	if d.streamIdle <= 0 {
		d.streamIdle = DefaultStreamIdle
	}
	if d.demo == nil {
		d.demo = providers.NewDemoResponder(providers.DefaultWordDelay)
	}
	if d.logger == nil {
		d.logger = logging.NewNop()
	}
	return d
}

// Dispatch sends turns to the provider described by cfg. A nil or unusable cfg
// is answered by the demo responder, never with an error.
//
// With stream set, events go to sink as they arrive: zero or more deltas then
// exactly one Done or Error. A sink error cancels the upstream call.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *ai.ProviderConfig, turns []ai.Turn, stream bool, sink ai.Sink) (*ai.DispatchResult, error) {
	start := time.Now()
	finish := d.metrics.Start()
	defer finish()

	mode := "complete"
	if stream {
		mode = "stream"
	}
	if sink == nil {
		sink = func(ai.StreamEvent) error { return nil }
	}

	if !providers.Usable(cfg) {
		res, err := d.dispatchDemo(ctx, turns, stream, sink)
		d.observe(ai.KindDemo, "", mode, res, err, start)
		if res != nil {
			res.Latency = time.Since(start)
		}
		return res, err
	}

	reqID := uuid.NewString()
	logger := d.logger.With("request_id", reqID, "provider_id", cfg.ID, "kind", string(cfg.Kind))

	res, err := d.dispatchProvider(ctx, logger, cfg, turns, stream, sink)
	d.observe(cfg.Kind, modelOf(cfg), mode, res, err, start)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSinkClosed) {
			logger.Warn("[Dispatcher] %s dispatch to %q failed: %v", mode, cfg.DisplayName(), err)
		}
		return nil, err
	}

	res.Latency = time.Since(start)
	logger.Debug("[Dispatcher] %s dispatch to %q done in %v", mode, cfg.DisplayName(), res.Latency)
	return res, nil
}

func (d *Dispatcher) dispatchProvider(ctx context.Context, logger *logging.Logger, cfg *ai.ProviderConfig, turns []ai.Turn, stream bool, sink ai.Sink) (*ai.DispatchResult, error) {
	fail := func(err error) (*ai.DispatchResult, error) {
		if stream {
			_ = sink(ai.Failure(err.Error()))
		}
		return nil, err
	}

	adapter, err := providers.ForKind(cfg.Kind)
	if err != nil {
		return fail(err)
	}
	if err := providers.Validate(*cfg); err != nil {
		return fail(err)
	}

	var (
		text  string
		usage *ai.Usage
	)
	if stream {
		text, usage, err = d.stream(ctx, logger, adapter, cfg, turns, sink)
	} else {
		text, usage, err = d.complete(ctx, adapter, cfg, turns)
		if err == nil {
			usage = tokens.Reconcile(usage, turns, text)
		}
	}
	if err != nil {
		return nil, err
	}

	return &ai.DispatchResult{
		Text:         text,
		Usage:        usage,
		Kind:         cfg.Kind,
		ProviderID:   cfg.ID,
		ProviderName: cfg.DisplayName(),
		Model:        modelOf(cfg),
	}, nil
}

// complete performs one buffered call. The returned usage is what the provider
// reported, possibly nil.
func (d *Dispatcher) complete(ctx context.Context, adapter providers.Adapter, cfg *ai.ProviderConfig, turns []ai.Turn) (string, *ai.Usage, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	req, err := adapter.BuildRequest(callCtx, *cfg, turns, false)
	if err != nil {
		return "", nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", nil, unreachable(ctx, cfg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", nil, adapter.MapStatus(resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", nil, unreachable(ctx, cfg, err)
	}
	return adapter.ParseResponse(body)
}

// stream tries a true provider stream. If it cannot start, the turn is retried
// once as a buffered call and delivered as a single delta plus Done.
func (d *Dispatcher) stream(ctx context.Context, logger *logging.Logger, adapter providers.Adapter, cfg *ai.ProviderConfig, turns []ai.Turn, sink ai.Sink) (string, *ai.Usage, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, startErr := d.openStream(streamCtx, adapter, cfg, turns)
	if startErr != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		logger.Warn("[Dispatcher] Stream from %q could not start (%v), falling back to a buffered call", cfg.DisplayName(), startErr)
		d.metrics.ObserveFallback("stream_start")
		return d.bufferedAsStream(ctx, adapter, cfg, turns, sink)
	}

	events := streaming.Normalize(streamCtx, resp.Body, adapter.StreamFormat(), d.streamIdle)
	var text strings.Builder

	for ev := range events {
		switch ev.Kind {
		case ai.EventDelta:
			text.WriteString(ev.Text)
			if err := sink(ev); err != nil {
				cancel()
				drain(events)
				return text.String(), nil, fmt.Errorf("%w: %v", ErrSinkClosed, err)
			}

		case ai.EventDone:
			usage := tokens.Reconcile(ev.Usage, turns, text.String())
			if err := sink(ai.Done(usage)); err != nil {
				return text.String(), nil, fmt.Errorf("%w: %v", ErrSinkClosed, err)
			}
			return text.String(), usage, nil

		case ai.EventError:
			_ = sink(ev)
			return text.String(), nil, fmt.Errorf("%w: %s: %s", providers.ErrProviderUnreachable, cfg.DisplayName(), ev.Error)
		}
	}

	// closed without a terminal event: only happens on cancellation
	if err := ctx.Err(); err != nil {
		return text.String(), nil, err
	}
	return text.String(), nil, fmt.Errorf("%w: stream from %s ended unexpectedly", providers.ErrProviderUnreachable, cfg.DisplayName())
}

// openStream sends the streaming request. Response headers must arrive within
// the stream idle window; the request context stays alive until the returned
// body is closed.
func (d *Dispatcher) openStream(ctx context.Context, adapter providers.Adapter, cfg *ai.ProviderConfig, turns []ai.Turn) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := adapter.BuildRequest(reqCtx, *cfg, turns, true)
	if err != nil {
		cancel()
		return nil, err
	}

	timer := time.AfterFunc(d.streamIdle, cancel)
	resp, err := d.client.Do(req)
	if !timer.Stop() && ctx.Err() == nil {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: %s sent no response headers within %v", providers.ErrProviderUnreachable, cfg.DisplayName(), d.streamIdle)
	}
	if err != nil {
		cancel()
		return nil, unreachable(ctx, cfg, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, adapter.MapStatus(resp.StatusCode, body)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request context once the stream body is done
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (d *Dispatcher) bufferedAsStream(ctx context.Context, adapter providers.Adapter, cfg *ai.ProviderConfig, turns []ai.Turn, sink ai.Sink) (string, *ai.Usage, error) {
	text, reported, err := d.complete(ctx, adapter, cfg, turns)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		_ = sink(ai.Failure(err.Error()))
		return "", nil, err
	}

	usage := tokens.Reconcile(reported, turns, text)
	if text != "" {
		if err := sink(ai.Delta(text)); err != nil {
			return text, nil, fmt.Errorf("%w: %v", ErrSinkClosed, err)
		}
	}
	if err := sink(ai.Done(usage)); err != nil {
		return text, nil, fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return text, usage, nil
}

func (d *Dispatcher) dispatchDemo(ctx context.Context, turns []ai.Turn, stream bool, sink ai.Sink) (*ai.DispatchResult, error) {
	input := lastUserText(turns)
	d.logger.Info("[Dispatcher] No usable provider configured, answering in demo mode")
	d.metrics.ObserveFallback("demo")

	res := &ai.DispatchResult{Kind: ai.KindDemo, ProviderName: demoName, Demo: true}

	if !stream {
		res.Text = d.demo.Respond(input)
		res.Usage = tokens.Reconcile(nil, turns, res.Text)
		return res, nil
	}

	var sent strings.Builder
	wrapped := func(ev ai.StreamEvent) error {
		switch ev.Kind {
		case ai.EventDelta:
			sent.WriteString(ev.Text)
		case ai.EventDone:
			ev.Usage = tokens.Reconcile(nil, turns, sent.String())
			res.Usage = ev.Usage
		}
		return sink(ev)
	}

	text, err := d.demo.Stream(ctx, input, wrapped)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	res.Text = text
	return res, nil
}

func (d *Dispatcher) observe(kind ai.ProviderKind, model, mode string, res *ai.DispatchResult, err error, start time.Time) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSinkClosed):
		outcome = metrics.OutcomeCanceled
	case err != nil:
		outcome = metrics.OutcomeError
	}
	d.metrics.ObserveDispatch(string(kind), mode, outcome, time.Since(start))

	if err != nil || res == nil {
		return
	}
	if res.Usage != nil {
		d.metrics.ObserveTokens(string(kind), res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Estimated)
	}
	if d.ledger != nil {
		d.ledger.Record(kind, model, res.Usage)
	}
}

func unreachable(ctx context.Context, cfg *ai.ProviderConfig, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", providers.ErrProviderUnreachable, cfg.DisplayName(), err)
}

func drain(ch <-chan ai.StreamEvent) {
	for range ch {
	}
}

func lastUserText(turns []ai.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == ai.RoleUser {
			return turns[i].Text
		}
	}
	return ""
}

func modelOf(cfg *ai.ProviderConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return cfg.Deployment
}
