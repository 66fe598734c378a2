// Package streaming implements the proxy's streaming collector/fan-out
// (spec §4.F): trying candidates in order with retry-then-failover,
// forwarding each message to the caller's channel while teeing it into a
// collector for logging.
package streaming

import (
	"context"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/ratelimit"
	"github.com/dimfeld/chronicle-proxy/internal/retry"
	"github.com/dimfeld/chronicle-proxy/internal/routing"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

// Result carries the bookkeeping the caller needs for its log entry and
// tracing span: which candidate ultimately served the request (or would
// have, before the last failure), and retry/rate-limit counters aggregated
// across every attempt of every candidate tried.
type Result struct {
	Provider         string
	Model            string
	NumRetries       int
	WasRateLimited   bool
	StartedStreaming bool
}

func hasContent(msgs []schema.StreamingResponse) bool {
	for _, m := range msgs {
		if m.Kind == schema.KindChunk || m.Kind == schema.KindSingle {
			return true
		}
	}
	return false
}

// Run iterates choices in the order given, running the retry executor on
// each candidate's SendRequest. A candidate that fails without having
// streamed any Chunk/Single is abandoned for the next candidate, discarding
// whatever it buffered (so the overall stream still sees exactly one
// RequestInfo). A candidate that fails AFTER streaming content is never
// retried or failed over — the partial stream belongs to the caller, and
// the failure becomes the terminal error. tee, if non-nil, is invoked for
// every message forwarded to out (used to feed the response collector).
func Run(
	ctx context.Context,
	result routing.Result,
	order []int,
	opts retry.Options,
	req schema.ChatRequest,
	out chan<- schema.StreamingResponse,
	tee func(schema.StreamingResponse),
	rlCache *ratelimit.Cache,
) (Result, error) {
	totalAttempts := 0
	wasRateLimited := false
	started := false
	var finalErr error
	var chosenProvider, chosenModel string

	for _, idx := range order {
		choice := result.Choices[idx]
		providerName := choice.Provider.Name()

		candidateOpts := opts
		candidateOpts.Provider = providerName

		if rlCache != nil {
			if resetAt, cached, err := rlCache.ResetAt(ctx, providerName, choice.ApiKey); err == nil && cached {
				wasRateLimited = true
				finalErr = proxyerr.New(proxyerr.RateLimit, "cached rate-limit reset time has not elapsed").
					WithProvider(providerName).
					WithRetryAfter(time.Until(resetAt))
				continue
			}
		}

		var lastBuffered []schema.StreamingResponse
		attempt := func(ctx context.Context) ([]schema.StreamingResponse, error) {
			localCh := make(chan schema.StreamingResponse, 16)
			errCh := make(chan error, 1)
			go func() {
				err := choice.Provider.SendRequest(ctx, providers.SendOptions{Model: choice.Model, ApiKey: choice.ApiKey}, req, localCh)
				close(localCh)
				errCh <- err
			}()

			var buffered []schema.StreamingResponse
			for msg := range localCh {
				buffered = append(buffered, msg)
			}
			err := <-errCh

			if err != nil && hasContent(buffered) {
				// Already streamed content for this attempt: force this
				// error non-retryable so retry.Do stops immediately
				// instead of re-invoking SendRequest, which would
				// duplicate the partial stream.
				msg := err.Error()
				if pe, ok := proxyerr.As(err); ok {
					msg = pe.Message
				}
				err = proxyerr.New(proxyerr.Permanent, msg).WithCause(err)
			}
			lastBuffered = buffered
			return buffered, err
		}

		res, err := retry.Do(ctx, candidateOpts, attempt)
		totalAttempts += res.NumRetries + 1
		wasRateLimited = wasRateLimited || res.WasRateLimited
		// retry.Do returns no Value on failure, so take the last attempt's
		// messages from the closure.
		buffered := lastBuffered

		if rlCache != nil && err != nil {
			if pe, ok := proxyerr.As(err); ok && pe.Kind == proxyerr.RateLimit && pe.RetryAfter != nil {
				_ = rlCache.SetResetAt(ctx, providerName, choice.ApiKey, time.Now().Add(*pe.RetryAfter))
			}
		}

		if err == nil {
			for _, m := range buffered {
				out <- m
				if tee != nil {
					tee(m)
				}
			}
			chosenProvider = choice.Provider.Name()
			chosenModel = choice.Model
			finalErr = nil
			break
		}

		finalErr = err

		if hasContent(buffered) {
			for _, m := range buffered {
				out <- m
				if tee != nil {
					tee(m)
				}
			}
			started = true
			chosenProvider = choice.Provider.Name()
			chosenModel = choice.Model
			break
		}

		// No content streamed for this candidate; discard its buffered
		// RequestInfo (if any) and fall through to the next candidate.
	}

	return Result{
		Provider:         chosenProvider,
		Model:            chosenModel,
		NumRetries:       totalAttempts - 1,
		WasRateLimited:   wasRateLimited,
		StartedStreaming: started,
	}, finalErr
}

// CollectedResponse is the synchronous-result utility spec §4.F names:
// collect_response(receiver, n) drains a stream into a single value.
type CollectedResponse struct {
	RequestInfo  *schema.RequestInfo
	ResponseInfo *schema.ResponseInfo
	WasStreaming bool
	NumChunks    int
	Response     schema.ChatResponse
}

// CollectResponse drains ch, pre-sizing the internal collector for n
// choices, and returns a single synchronous result for callers that don't
// want to consume the channel themselves.
func CollectResponse(ch <-chan schema.StreamingResponse, n int) CollectedResponse {
	collector := schema.NewCollector(n)
	var out CollectedResponse

	for msg := range ch {
		switch msg.Kind {
		case schema.KindRequestInfo:
			out.RequestInfo = msg.RequestInfo
		case schema.KindChunk:
			out.WasStreaming = true
			out.NumChunks++
			collector.MergeDelta(*msg.Chunk)
		case schema.KindSingle:
			out.Response = *msg.Single
		case schema.KindResponseInfo:
			out.ResponseInfo = msg.ResponseInfo
		}
	}

	if out.WasStreaming {
		provider := ""
		if out.RequestInfo != nil {
			provider = out.RequestInfo.Provider
		}
		out.Response = collector.Response(provider)
	}

	return out
}
