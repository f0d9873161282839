package validator

import (
	"context"
	"io"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"golang.org/x/sync/errgroup"

	"github.com/yourneighborhoodchef/tokcheck/internal/client"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

// DefaultTarget is cheap, stable and unrelated to the probed site, so
// validation never spends the target's rate-limit budget.
const DefaultTarget = "https://www.gstatic.com/generate_204"

type Validated struct {
	Endpoint string
	Latency  time.Duration
}

type Validator struct {
	target      string
	timeout     time.Duration
	concurrency int
	factory     client.Factory
}

func NewValidator(target string, timeout time.Duration, concurrency int, factory client.Factory) *Validator {
	if target == "" {
		target = DefaultTarget
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if factory == nil {
		factory = client.New
	}
	return &Validator{
		target:      target,
		timeout:     timeout,
		concurrency: concurrency,
		factory:     factory,
	}
}

// Validate issues one GET through endpoint and reports whether it came back
// 2xx within timeout.
func (v *Validator) Validate(ctx context.Context, endpoint string, timeout time.Duration) bool {
	_, ok := v.check(ctx, endpoint, timeout)
	return ok
}

func (v *Validator) check(ctx context.Context, endpoint string, timeout time.Duration) (time.Duration, bool) {
	l := logging.WithComponent("ProxyPool/Validator")
	if timeout <= 0 {
		timeout = v.timeout
	}

	doer, err := v.factory(endpoint, timeout)
	if err != nil {
		l.Debug().Err(err).Str("proxy", endpoint).Msg("Could not build client for proxy.")
		return 0, false
	}
	if closer, ok := doer.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.target, nil)
	if err != nil {
		l.Error().Err(err).Msg("Failed to create validation request.")
		return 0, false
	}

	start := time.Now()
	resp, err := doer.Do(req)
	if err != nil {
		l.Debug().Err(err).Str("proxy", endpoint).Msg("Validation probe failed.")
		return 0, false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.Debug().Int("status_code", resp.StatusCode).Str("proxy", endpoint).Msg("Validation probe got non-2xx status.")
		return 0, false
	}
	return latency, true
}

// ValidateAll validates endpoints concurrently, at most concurrency at a
// time, and returns the ones that passed.
func (v *Validator) ValidateAll(ctx context.Context, endpoints []string) []Validated {
	l := logging.WithComponent("ProxyPool/Validator")
	if len(endpoints) == 0 {
		return nil
	}

	l.Info().Int("count", len(endpoints)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var (
		mu     sync.Mutex
		passed = make([]Validated, 0, len(endpoints))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			latency, ok := v.check(gctx, ep, v.timeout)
			if ok {
				mu.Lock()
				passed = append(passed, Validated{Endpoint: ep, Latency: latency})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	l.Info().Int("passed", len(passed)).Int("failed", len(endpoints)-len(passed)).Msg("Validation batch finished.")
	return passed
}
