// Package providers defines the adapter contract every vendor implementation
// satisfies, plus HTTP/error-mapping helpers shared across adapters.
package providers

import (
	"context"

	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

// SendOptions carries the per-request knobs an adapter needs beyond the
// ChatRequest body itself: the resolved model name (after alias expansion)
// and the API key to use for this attempt, if any.
type SendOptions struct {
	Model  string
	ApiKey string
}

// Provider is the capability interface every vendor adapter implements
// (spec §4.C). SendRequest does not return the response directly; it writes
// schema.StreamingResponse values to tx and returns once the response has
// been fully produced (or fails with a *proxyerr.Error). On success it MUST
// emit, in order: exactly one RequestInfo, then either one Single or a
// sequence of Chunks, then exactly one ResponseInfo.
type Provider interface {
	Name() string
	Label() string
	IsDefaultForModel(model string) bool
	SendRequest(ctx context.Context, opts SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error
}
