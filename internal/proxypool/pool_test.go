package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/model"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/source"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/validator"
)

type fakeSource struct {
	mu        sync.Mutex
	endpoints []string
	err       error
	calls     int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, maxCount int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrUpstreamUnavailable, f.err)
	}
	out := make([]string, len(f.endpoints))
	copy(out, f.endpoints)
	return out, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeValidator passes every endpoint not listed in reject.
type fakeValidator struct {
	reject map[string]bool
	seen   atomic.Int32
	block  chan struct{}
}

func (f *fakeValidator) ValidateAll(ctx context.Context, endpoints []string) []validator.Validated {
	if f.block != nil {
		<-f.block
	}
	var out []validator.Validated
	for _, ep := range endpoints {
		f.seen.Add(1)
		if f.reject[ep] {
			continue
		}
		out = append(out, validator.Validated{Endpoint: ep, Latency: 10 * time.Millisecond})
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.CooldownDuration = time.Minute
	cfg.MaxCooldowns = 2
	cfg.LowWater = 0
	cfg.RefreshBackoff = 10 * time.Second
	cfg.RefreshBackoffMax = 40 * time.Second
	return cfg
}

func newTestPool(t *testing.T, src *fakeSource, v *fakeValidator, opts ...Option) (*Pool, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithRand(rand.New(rand.NewSource(1)))}, opts...)
	p := New(testConfig(), src, v, opts...)
	t.Cleanup(p.Close)
	return p, clock
}

func TestAcquireAfterRefresh(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1", "http://c:1"}}
	p, _ := newTestPool(t, src, &fakeValidator{})

	if _, err := p.Acquire(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty from an empty pool, got %v", err)
	}

	admitted, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admitted, got %d", admitted)
	}

	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	switch got.Endpoint {
	case "http://a:1", "http://b:1", "http://c:1":
	default:
		t.Errorf("acquired unknown endpoint %q", got.Endpoint)
	}
	if got.Source != "fake" {
		t.Errorf("expected source to be recorded, got %q", got.Source)
	}
}

func TestRefreshSkipsFailedValidation(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1", "http://a:1"}}
	p, _ := newTestPool(t, src, &fakeValidator{reject: map[string]bool{"http://b:1": true}})

	admitted, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if admitted != 1 {
		t.Errorf("expected only a to be admitted, got %d", admitted)
	}
	if st := p.Stats(); st.Total != 1 {
		t.Errorf("duplicate listing produced %d records", st.Total)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1"}}
	v := &fakeValidator{}
	p, _ := newTestPool(t, src, v)

	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	p.Release("http://a:1", FeedbackSuccess)
	p.Release("http://b:1", FeedbackFailure)

	admitted, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if admitted != 0 {
		t.Errorf("second refresh admitted %d", admitted)
	}
	if n := v.seen.Load(); n != 2 {
		t.Errorf("known endpoints were revalidated, validator saw %d", n)
	}

	for _, rec := range p.Snapshot() {
		switch rec.Endpoint {
		case "http://a:1":
			if rec.Successes != 1 {
				t.Errorf("history of a was reset: %+v", rec)
			}
		case "http://b:1":
			if rec.ConsecutiveFailures != 1 {
				t.Errorf("history of b was reset: %+v", rec)
			}
		}
	}
}

func TestCooldownExcludesUntilElapsed(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	p, clock := newTestPool(t, src, &fakeValidator{})
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		p.Release("http://a:1", FeedbackFailure)
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("proxy excluded after %d failures: %v", i+1, err)
		}
	}
	p.Release("http://a:1", FeedbackFailure)

	snap := p.Snapshot()
	if snap[0].State != model.Cooling {
		t.Fatalf("expected Cooling after 3 failures, got %s", snap[0].State)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("cooling proxy was handed out: %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, err := p.Acquire(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("proxy handed out before cooldown elapsed: %v", err)
	}

	clock.Advance(time.Second)
	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("proxy not eligible after cooldown: %v", err)
	}
	if got.State != model.Healthy || got.ConsecutiveFailures != 0 {
		t.Errorf("expected a fresh healthy record, got %+v", got)
	}
	if got.Cooldowns != 1 {
		t.Errorf("cooldown count should survive re-entry, got %d", got.Cooldowns)
	}
}

func TestReleaseSuccessResets(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	p, clock := newTestPool(t, src, &fakeValidator{})
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		p.Release("http://a:1", FeedbackFailure)
	}
	clock.Advance(time.Minute)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	p.Release("http://a:1", FeedbackFailure)
	p.Release("http://a:1", FeedbackSuccess)

	rec := p.Snapshot()[0]
	if rec.ConsecutiveFailures != 0 || rec.Cooldowns != 0 || !rec.CooldownUntil.IsZero() {
		t.Errorf("success did not reset health: %+v", rec)
	}
	if rec.State != model.Healthy {
		t.Errorf("expected Healthy, got %s", rec.State)
	}
	if rec.Failures != 4 || rec.Successes != 1 {
		t.Errorf("usage counters wrong: %+v", rec)
	}
}

func TestNeutralFeedbackLeavesHealthAlone(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	p, _ := newTestPool(t, src, &fakeValidator{})
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	p.Release("http://a:1", FeedbackFailure)
	for i := 0; i < 10; i++ {
		p.Release("http://a:1", FeedbackNeutral)
	}
	rec := p.Snapshot()[0]
	if rec.ConsecutiveFailures != 1 || rec.State != model.Healthy {
		t.Errorf("neutral feedback changed health: %+v", rec)
	}
}

func TestRepeatedCooldownsBan(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	var evicted []string
	p, clock := newTestPool(t, src, &fakeValidator{}, WithEvictHook(func(ep string) {
		evicted = append(evicted, ep)
	}))
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// MaxCooldowns is 2, so the third streak bans.
	for round := 0; round < 3; round++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("round %d: acquire failed: %v", round, err)
		}
		for i := 0; i < 3; i++ {
			p.Release("http://a:1", FeedbackFailure)
		}
		clock.Advance(time.Minute)
	}

	if st := p.Stats(); st.Total != 0 || st.Banned != 1 {
		t.Fatalf("expected proxy evicted into the ban set, got %+v", st)
	}
	if len(evicted) != 1 || evicted[0] != "http://a:1" {
		t.Errorf("evict hook calls: %v", evicted)
	}

	// Late releases for evicted proxies are ignored.
	p.Release("http://a:1", FeedbackSuccess)

	admitted, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if admitted != 0 {
		t.Errorf("banned proxy was readmitted")
	}
}

func TestAcquireHonorsExclude(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1"}}
	p, _ := newTestPool(t, src, &fakeValidator{})
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		got, err := p.Acquire("http://a:1")
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if got.Endpoint != "http://b:1" {
			t.Fatalf("excluded endpoint returned while another was eligible")
		}
	}

	for i := 0; i < 3; i++ {
		p.Release("http://b:1", FeedbackFailure)
	}
	got, err := p.Acquire("http://a:1")
	if err != nil {
		t.Fatalf("excluded endpoint should be the fallback: %v", err)
	}
	if got.Endpoint != "http://a:1" {
		t.Errorf("expected fallback to a, got %q", got.Endpoint)
	}
}

func TestRefreshBackoff(t *testing.T) {
	src := &fakeSource{err: errors.New("503")}
	p, clock := newTestPool(t, src, &fakeValidator{})

	if _, err := p.Refresh(context.Background()); !errors.Is(err, source.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrRefreshBackoff) {
		t.Fatalf("expected backoff, got %v", err)
	}
	if src.Calls() != 1 {
		t.Fatalf("provider hit during backoff: %d calls", src.Calls())
	}

	clock.Advance(10 * time.Second)
	if _, err := p.Refresh(context.Background()); !errors.Is(err, source.ErrUpstreamUnavailable) {
		t.Fatalf("expected second upstream error, got %v", err)
	}

	// Second failure doubles the window.
	clock.Advance(10 * time.Second)
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrRefreshBackoff) {
		t.Fatalf("expected doubled backoff, got %v", err)
	}
	clock.Advance(10 * time.Second)

	src.mu.Lock()
	src.err = nil
	src.endpoints = []string{"http://a:1"}
	src.mu.Unlock()

	admitted, err := p.Refresh(context.Background())
	if err != nil || admitted != 1 {
		t.Fatalf("recovery refresh: admitted=%d err=%v", admitted, err)
	}
}

func TestForceRefreshIgnoresBackoff(t *testing.T) {
	src := &fakeSource{err: errors.New("503")}
	p, _ := newTestPool(t, src, &fakeValidator{})

	_, _ = p.Refresh(context.Background())
	src.mu.Lock()
	src.err = nil
	src.endpoints = []string{"http://a:1"}
	src.mu.Unlock()

	admitted, err := p.ForceRefresh(context.Background())
	if err != nil || admitted != 1 {
		t.Fatalf("forced refresh: admitted=%d err=%v", admitted, err)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1"}}
	v := &fakeValidator{block: make(chan struct{})}
	p, _ := newTestPool(t, src, v)

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = p.Refresh(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(v.block)
	wg.Wait()

	if src.Calls() != 1 {
		t.Errorf("expected one shared fetch, got %d", src.Calls())
	}
	if st := p.Stats(); st.Total != 2 {
		t.Errorf("expected 2 records, got %d", st.Total)
	}
}

func TestResetKeepsBanSet(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1"}}
	var evicted atomic.Int32
	p, _ := newTestPool(t, src, &fakeValidator{}, WithEvictHook(func(string) { evicted.Add(1) }))
	p.cfg.MaxCooldowns = 0

	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		p.Release("http://a:1", FeedbackFailure)
	}
	p.Reset()

	if st := p.Stats(); st.Total != 0 || st.Banned != 1 {
		t.Fatalf("unexpected stats after reset: %+v", st)
	}
	if evicted.Load() != 2 {
		t.Errorf("expected 2 evictions, got %d", evicted.Load())
	}

	admitted, err := p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if admitted != 1 {
		t.Errorf("expected only b readmitted, got %d", admitted)
	}
}

func TestLowWaterTriggersRefresh(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1", "http://b:1"}}
	cfg := testConfig()
	cfg.LowWater = 1
	p := New(cfg, src, &fakeValidator{})
	defer p.Close()

	if _, err := p.Acquire(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Total == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("low-water refresh never filled the pool")
}

func TestLowWaterAfterCloseDoesNothing(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	cfg := testConfig()
	cfg.LowWater = 1
	p := New(cfg, src, &fakeValidator{})
	p.Close()

	if _, err := p.Acquire(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	p.Release("http://gone:1", FeedbackFailure)
	time.Sleep(20 * time.Millisecond)
	if got := src.Calls(); got != 0 {
		t.Errorf("closed pool started %d refreshes", got)
	}
	p.Close()
}

func TestCloseRacesLowWaterTriggers(t *testing.T) {
	src := &fakeSource{endpoints: []string{"http://a:1"}}
	cfg := testConfig()
	cfg.LowWater = 5
	p := New(cfg, src, &fakeValidator{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = p.Acquire()
			}
		}()
	}
	time.Sleep(time.Millisecond)
	p.Close()
	wg.Wait()
}
