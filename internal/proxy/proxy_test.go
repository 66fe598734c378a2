package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
	"github.com/dimfeld/chronicle-proxy/internal/retry"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

// fakeEchoProvider is a providers.Provider stub that streams a single
// response echoing the last user message, for exercising the proxy's
// routing/retry/logging wiring without a real network call.
type fakeEchoProvider struct {
	name string
}

func (f *fakeEchoProvider) Name() string                      { return f.name }
func (f *fakeEchoProvider) Label() string                     { return f.name }
func (f *fakeEchoProvider) IsDefaultForModel(model string) bool { return false }

func (f *fakeEchoProvider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}

	tx <- schema.NewRequestInfoResponse(opts.Model, f.name)
	tx <- schema.NewSingleResponse(schema.ChatResponse{
		ID:      "fake-1",
		Model:   opts.Model,
		Choices: []schema.Choice{{Message: schema.Message{Role: schema.RoleAssistant, Content: "echo: " + last}}},
	})
	tx <- schema.NewResponseInfoResponse(opts.Model, nil)
	return nil
}

// failNTimesProvider fails its first N attempts with a retryable error
// before succeeding, to exercise the retry executor end to end.
type failNTimesProvider struct {
	name    string
	failN   int
	attempt int
}

func (f *failNTimesProvider) Name() string                      { return f.name }
func (f *failNTimesProvider) Label() string                     { return f.name }
func (f *failNTimesProvider) IsDefaultForModel(model string) bool { return false }

func (f *failNTimesProvider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	f.attempt++
	if f.attempt <= f.failN {
		return proxyerr.New(proxyerr.Transient, "simulated transient failure")
	}
	tx <- schema.NewRequestInfoResponse(opts.Model, f.name)
	tx <- schema.NewSingleResponse(schema.ChatResponse{
		ID:      "fake-ok",
		Model:   opts.Model,
		Choices: []schema.Choice{{Message: schema.Message{Role: schema.RoleAssistant, Content: "ok"}}},
	})
	tx <- schema.NewResponseInfoResponse(opts.Model, nil)
	return nil
}

func TestBuilder_BuildsProxyWithNoProviders(t *testing.T) {
	p, err := NewBuilder().WithoutDefaultProviders().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d providers", p.Registry.Len())
	}
}

func TestSend_NoMatchingModelReturnsRoutingError(t *testing.T) {
	p, err := NewBuilder().WithoutDefaultProviders().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, sendErr := p.Send(context.Background(), RequestOptions{}, schema.ChatRequest{Model: "gpt-4o"})
	if sendErr == nil {
		t.Fatal("expected an error for an unregistered model")
	}
	pe, ok := proxyerr.As(sendErr)
	if !ok || pe.Kind != proxyerr.NoDefault {
		t.Fatalf("expected NoDefault error, got %v", sendErr)
	}
}

func TestSend_UsesExplicitProvider(t *testing.T) {
	reg := registry.New()
	reg.SetProvider(&fakeEchoProvider{name: "echo"})

	p := &Proxy{Registry: reg, DefaultRetry: retry.DefaultOptions(), DefaultTimeout: 2 * time.Second}

	resp, err := p.Send(context.Background(), RequestOptions{Provider: "echo", Model: "any"}, schema.ChatRequest{
		Model:    "any",
		Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "echo: hi" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestSend_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	reg := registry.New()
	reg.SetProvider(&failNTimesProvider{name: "flaky", failN: 2})

	opts := retry.DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.MaxJitter = 0

	p := &Proxy{Registry: reg, DefaultRetry: opts, DefaultTimeout: 2 * time.Second}

	resp, err := p.Send(context.Background(), RequestOptions{Provider: "flaky", Model: "any"}, schema.ChatRequest{
		Model: "any",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestSendStream_ForwardsMessagesAsTheyArrive(t *testing.T) {
	reg := registry.New()
	reg.SetProvider(&fakeEchoProvider{name: "echo"})

	p := &Proxy{Registry: reg, DefaultRetry: retry.DefaultOptions(), DefaultTimeout: 2 * time.Second}

	ch := make(chan schema.StreamingResponse, 8)
	err := p.SendStream(context.Background(), RequestOptions{Provider: "echo", Model: "any"}, schema.ChatRequest{
		Model:    "any",
		Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}},
	}, ch)
	close(ch)
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	var kinds []schema.StreamingResponseKind
	for msg := range ch {
		kinds = append(kinds, msg.Kind)
	}
	if len(kinds) != 3 || kinds[0] != schema.KindRequestInfo || kinds[1] != schema.KindSingle || kinds[2] != schema.KindResponseInfo {
		t.Fatalf("unexpected message sequence: %#v", kinds)
	}
}
