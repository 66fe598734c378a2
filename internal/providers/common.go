package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
)

// MapHTTPError maps an HTTP status code + body message to a classified
// *proxyerr.Error, per spec §4.C/§7. Used by the OpenAI-compatible, Bedrock
// and Ollama adapters and by SendStandardRequest; the Anthropic adapter
// classifies statuses with its own mapError table.
func MapHTTPError(status int, msg string, provider string) *proxyerr.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return proxyerr.New(proxyerr.RateLimit, msg).WithStatusCode(status).WithProvider(provider)
	case status == http.StatusPaymentRequired:
		return proxyerr.New(proxyerr.OutOfCredits, msg).WithStatusCode(status).WithProvider(provider)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return proxyerr.New(proxyerr.AuthRejected, msg).WithStatusCode(status).WithProvider(provider)
	case status == 400 || status == 404 || status == 405 || status == 406 ||
		status == 413 || status == 415 || status == 422 || status == 431:
		return proxyerr.New(proxyerr.BadInput, msg).WithStatusCode(status).WithProvider(provider)
	case status >= 500:
		return proxyerr.New(proxyerr.Transient, msg).WithStatusCode(status).WithProvider(provider)
	case status >= 400:
		return proxyerr.New(proxyerr.Permanent, msg).WithStatusCode(status).WithProvider(provider)
	default:
		return proxyerr.New(proxyerr.Generic, msg).WithStatusCode(status).WithProvider(provider)
	}
}

// ReadErrorMessage attempts to parse a vendor error body as
// {"error":{"message":...}} (the shape OpenAI, Anthropic, and most
// compatible vendors use), falling back to the raw body text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// ParseRetryAfter inspects common rate-limit headers and returns the
// soonest duration to wait, or nil if the vendor gave no guidance (spec
// §4.C). It understands the numeric-seconds `Retry-After` header and
// RFC3339 reset timestamps in vendor-specific headers.
func ParseRetryAfter(h http.Header, headerNames ...string) *time.Duration {
	var soonest *time.Duration
	consider := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if soonest == nil || d < *soonest {
			soonest = &d
		}
	}

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			consider(time.Duration(secs) * time.Second)
		} else if t, err := time.Parse(http.TimeFormat, v); err == nil {
			consider(time.Until(t))
		}
	}

	for _, name := range headerNames {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			consider(time.Until(t))
			continue
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			consider(time.Duration(secs * float64(time.Second)))
		}
	}

	return soonest
}

// SendStandardRequest executes an HTTP request with a prepared body and
// decodes the JSON response, classifying non-2xx statuses via MapHTTPError.
// Ported from original_source/proxy/src/request.rs's send_standard_request:
// prepare the request, send it, classify the status, then decode. Go's
// encoding/json already reports the offending field path on decode errors,
// so no extra path-tracking library is needed here.
func SendStandardRequest[RESPONSE any](
	ctx context.Context,
	client *http.Client,
	req *http.Request,
	provider string,
	handleRateLimit func(*http.Response) *time.Duration,
) (RESPONSE, time.Duration, error) {
	var zero RESPONSE

	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return zero, 0, proxyerr.New(proxyerr.Sending, err.Error()).WithProvider(provider).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		classified := MapHTTPError(resp.StatusCode, msg, provider)
		if classified.Kind == proxyerr.RateLimit && handleRateLimit != nil {
			classified.RetryAfter = handleRateLimit(resp)
		}
		return zero, 0, classified
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, 0, proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(provider).WithCause(err)
	}

	var out RESPONSE
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return zero, 0, proxyerr.New(proxyerr.ParsingResponse, err.Error()).
			WithProvider(provider).WithCause(err).WithStatusCode(resp.StatusCode)
	}

	return out, time.Since(start), nil
}

// SSELine is one parsed `data: ...` payload from a Server-Sent-Events
// stream, or the `[DONE]` sentinel.
type SSELine struct {
	Data string
	Done bool
}

// ScanSSE reads lines from r, yielding each `data:` payload via yield. It
// stops at the `[DONE]` sentinel or EOF. Grounded on llm/providers/
// openaicompat/provider.go's StreamSSE line-by-line parser.
func ScanSSE(r io.Reader, yield func(SSELine) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			if err := yield(SSELine{Done: true}); err != nil {
				return err
			}
			return nil
		}
		if err := yield(SSELine{Data: payload}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ScanNDJSON reads newline-delimited JSON objects from r, yielding each raw
// line until EOF or stop returns true for a line. Grounded on spec §4.C's
// Ollama bullet ("parse NDJSON lines until done: true").
func ScanNDJSON(r io.Reader, yield func(line []byte) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stop, err := yield(line)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return scanner.Err()
}

// ChooseModel picks the effective model name: an explicit per-request model
// override wins, then a configured default, then a hard fallback.
func ChooseModel(requested, configured, fallback string) string {
	if requested != "" {
		return requested
	}
	if configured != "" {
		return configured
	}
	return fallback
}
