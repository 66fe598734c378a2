package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
)

func fastOptions(maxTries int) Options {
	o := DefaultOptions()
	o.MaxTries = maxTries
	o.InitialBackoff = time.Millisecond
	o.MaxBackoff = 10 * time.Millisecond
	o.MaxJitter = time.Millisecond
	return o
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), fastOptions(4), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 0, res.NumRetries)
	assert.Equal(t, 1, calls)
}

// Property 3: RetryExecutor(max_tries=N) invokes the underlying operation at
// most N times, never more.
func TestDo_NeverExceedsMaxTries(t *testing.T) {
	const maxTries = 4
	calls := 0
	_, err := Do(context.Background(), fastOptions(maxTries), func(ctx context.Context) (string, error) {
		calls++
		return "", proxyerr.New(proxyerr.Transient, "boom")
	})
	require.Error(t, err)
	assert.Equal(t, maxTries, calls)
}

// Property 4: if every attempt fails with a retryable error and N is
// reached, the returned error's num_retries == N-1.
func TestDo_NumRetriesOnExhaustion(t *testing.T) {
	const maxTries = 4
	res, err := Do(context.Background(), fastOptions(maxTries), func(ctx context.Context) (int, error) {
		return 0, proxyerr.New(proxyerr.Transient, "boom")
	})
	require.Error(t, err)
	assert.Equal(t, maxTries-1, res.NumRetries)
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastOptions(4), func(ctx context.Context) (string, error) {
		calls++
		return "", proxyerr.New(proxyerr.BadInput, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), fastOptions(4), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", proxyerr.New(proxyerr.Transient, "retry me")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 2, res.NumRetries)
}

// Property 5: a RateLimit{retry_after=Δ} with Δ > max_backoff and
// fail_if_rate_limit_exceeds_max_backoff=true causes immediate failure
// without additional sleep.
func TestDo_RateLimitExceedingMaxBackoffFailsImmediately(t *testing.T) {
	opts := fastOptions(4)
	opts.MaxBackoff = 10 * time.Millisecond

	calls := 0
	start := time.Now()
	tooLong := 5 * time.Second
	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		return "", proxyerr.New(proxyerr.RateLimit, "slow down").WithRetryAfter(tooLong)
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestDo_RateLimitWaitsExactRetryAfter(t *testing.T) {
	opts := fastOptions(2)
	opts.MaxBackoff = time.Second

	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", proxyerr.New(proxyerr.RateLimit, "wait").WithRetryAfter(50 * time.Millisecond)
		}
		return "ok", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestDo_RecordsRetryAttemptsAndRateLimitHits(t *testing.T) {
	ns := "retrytest_collector"
	collector := metrics.NewCollector(ns, zap.NewNop())

	opts := fastOptions(3)
	opts.Collector = collector
	opts.Provider = "openai"

	calls := 0
	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", proxyerr.New(proxyerr.RateLimit, "slow down").WithRetryAfter(time.Millisecond)
		}
		return "ok", nil
	})
	require.NoError(t, err)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var sawRetry, sawRateLimitHit bool
	for _, fam := range families {
		switch fam.GetName() {
		case ns + "_retry_attempts_total":
			sawRetry = true
		case ns + "_rate_limit_hits_total":
			sawRateLimitHit = true
		}
	}
	assert.True(t, sawRetry, "expected a retry_attempts_total metric family for this namespace")
	assert.True(t, sawRateLimitHit, "expected a rate_limit_hits_total metric family for this namespace")
}

func TestDo_ContextCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions(4)
	opts.InitialBackoff = 200 * time.Millisecond
	opts.MaxJitter = 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, opts, func(ctx context.Context) (string, error) {
		return "", proxyerr.New(proxyerr.Transient, "boom")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
