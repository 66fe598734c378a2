// Package proxy assembles the registry, routing, retry, streaming, and
// logger components into the single Send entrypoint the HTTP server and
// workflow layer call (spec §4.H), grounded on
// original_source/proxy/src/lib.rs's Proxy/Proxy::send.
package proxy

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/ratelimit"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
	"github.com/dimfeld/chronicle-proxy/internal/retry"
	"github.com/dimfeld/chronicle-proxy/internal/routing"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
	"github.com/dimfeld/chronicle-proxy/internal/streaming"
)

// eventID returns a time-ordered UUIDv7, or a random UUIDv4 if the v7
// generator fails.
func eventID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

var tracer = otel.Tracer("github.com/dimfeld/chronicle-proxy/internal/proxy")

// Proxy is the assembled gateway: a registry of providers/aliases/keys, an
// optional event logger, and the default per-request timeout and retry
// policy applied when the caller doesn't override them.
type Proxy struct {
	Registry       *registry.Registry
	Logger         *logger.Logger
	DefaultTimeout time.Duration
	DefaultRetry   retry.Options

	// RateLimitCache, if set, lets the streaming executor skip a candidate
	// whose (provider, api key) pair is still inside a previously observed
	// rate-limit window instead of paying for a request that will just come
	// back 429 (spec §4.C).
	RateLimitCache *ratelimit.Cache

	// UserAgent holds ProxyConfig's user_agent value (spec §4.H). No adapter
	// reads it: outgoing provider requests carry each HTTP client's default
	// User-Agent header.
	UserAgent string
}

// RequestOptions is the per-call subset of original_source's
// ProxyRequestOptions: routing overrides, timeout/retry overrides, and the
// metadata merged into the logged event.
type RequestOptions struct {
	Models       []routing.ModelChoice
	Model        string
	Provider     string
	ApiKey       string
	RandomChoice bool

	Timeout time.Duration
	Retry   *retry.Options

	Metadata         logger.RequestMetadata
	InternalMetadata logger.InternalMetadata
}

func (o RequestOptions) routingOptions() routing.RequestOptions {
	return routing.RequestOptions{
		Models:       o.Models,
		Model:        o.Model,
		Provider:     o.Provider,
		ApiKey:       o.ApiKey,
		RandomChoice: o.RandomChoice,
	}
}

// Send resolves routing, runs the retry/failover executor across every
// candidate, logs the attempt, and returns the single collected response.
// Use SendStream directly when the caller wants to forward chunks as they
// arrive (the HTTP server's SSE handler does this).
func (p *Proxy) Send(ctx context.Context, opts RequestOptions, body schema.ChatRequest) (schema.ChatResponse, error) {
	ch := make(chan schema.StreamingResponse, 16)
	n := body.NumChoices()

	done := make(chan struct{})
	var collected streaming.CollectedResponse
	go func() {
		collected = streaming.CollectResponse(ch, n)
		close(done)
	}()

	err := p.sendStream(ctx, opts, body, ch)
	close(ch)
	<-done

	resp := collected.Response
	if err != nil {
		return schema.ChatResponse{}, err
	}
	return resp, nil
}

// SendStream resolves routing and runs the retry/failover executor,
// forwarding every message to out as it arrives. It blocks until the
// stream is exhausted or a candidate fails terminally, then logs the
// attempt and returns.
func (p *Proxy) SendStream(ctx context.Context, opts RequestOptions, body schema.ChatRequest, out chan<- schema.StreamingResponse) error {
	return p.sendStream(ctx, opts, body, out)
}

func (p *Proxy) sendStream(ctx context.Context, opts RequestOptions, body schema.ChatRequest, out chan<- schema.StreamingResponse) error {
	ctx, span := tracer.Start(ctx, "proxy.send")
	defer span.End()

	timestamp := time.Now().UTC()
	start := time.Now()

	result, err := routing.FindModelAndProvider(p.Registry, opts.routingOptions(), body.Model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logEvent(timestamp, body, nil, "", 0, false, time.Since(start), err, opts)
		return err
	}
	if len(result.Choices) == 0 {
		err := proxyerr.New(proxyerr.AliasEmpty, "alias has no configured choices: "+result.Alias)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logEvent(timestamp, body, nil, "", 0, false, time.Since(start), err, opts)
		return err
	}

	order := routing.OrderedIndices(result, rand.Intn)
	retryOpts := p.DefaultRetry
	if opts.Retry != nil {
		retryOpts = *opts.Retry
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	collector := schema.NewCollector(body.NumChoices())
	var single *schema.ChatResponse

	tee := func(msg schema.StreamingResponse) {
		switch msg.Kind {
		case schema.KindChunk:
			collector.MergeDelta(*msg.Chunk)
		case schema.KindSingle:
			single = msg.Single
		}
	}

	streamResult, sendErr := streaming.Run(attemptCtx, result, order, retryOpts, body, out, tee, p.RateLimitCache)

	var response *schema.ChatResponse
	if sendErr == nil {
		if single != nil {
			response = single
		} else {
			resp := collector.Response(streamResult.Provider)
			response = &resp
		}
	}

	totalLatency := time.Since(start)
	retries := streamResult.NumRetries

	span.SetAttributes(
		attribute.String("provider", streamResult.Provider),
		attribute.String("model", streamResult.Model),
		attribute.Int64("total_latency_ms", totalLatency.Milliseconds()),
		attribute.Int("retries", retries),
		attribute.Bool("rate_limited", streamResult.WasRateLimited),
	)
	if response != nil {
		span.SetAttributes(
			attribute.Int("tokens_input", response.Usage.PromptTokens),
			attribute.Int("tokens_output", response.Usage.CompletionTokens),
		)
	}
	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		if pe, ok := proxyerr.As(sendErr); ok {
			span.SetAttributes(attribute.Int("status_code", pe.HTTPStatus()))
		}
	}

	p.logEvent(timestamp, body, response, streamResult.Provider, retries, streamResult.WasRateLimited, totalLatency, sendErr, opts)

	return sendErr
}

func (p *Proxy) logEvent(
	timestamp time.Time,
	req schema.ChatRequest,
	resp *schema.ChatResponse,
	provider string,
	retries int,
	rateLimited bool,
	totalLatency time.Duration,
	sendErr error,
	opts RequestOptions,
) {
	if p.Logger == nil {
		return
	}

	eventType := "response"
	errMsg := ""
	if sendErr != nil {
		eventType = "error"
		errMsg = sendErr.Error()
	}

	model := req.Model
	if resp != nil {
		model = resp.Model
	}

	evt := logger.Event{
		ID:               eventID(),
		EventType:        eventType,
		Timestamp:        timestamp,
		Request:          &req,
		Response:         resp,
		Provider:         provider,
		Model:            model,
		Error:            errMsg,
		Metadata:         opts.Metadata,
		InternalMetadata: opts.InternalMetadata,
		TotalLatency:     &totalLatency,
		Retries:          &retries,
		WasRateLimited:   &rateLimited,
	}
	p.Logger.Log(logger.NewEvent(evt))
}
