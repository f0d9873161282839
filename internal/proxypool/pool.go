package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
	"github.com/yourneighborhoodchef/tokcheck/internal/metrics"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/model"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/source"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/validator"
)

var (
	ErrEmpty          = errors.New("no eligible proxy available")
	ErrRefreshBackoff = errors.New("proxy refresh is backing off")
)

type Feedback int

const (
	FeedbackNeutral Feedback = iota
	FeedbackSuccess
	FeedbackFailure
)

func (f Feedback) String() string {
	switch f {
	case FeedbackSuccess:
		return "success"
	case FeedbackFailure:
		return "failure"
	default:
		return "neutral"
	}
}

// Validator admits candidates. *validator.Validator implements it.
type Validator interface {
	ValidateAll(ctx context.Context, endpoints []string) []validator.Validated
}

type Config struct {
	FailureThreshold  int
	CooldownDuration  time.Duration
	MaxCooldowns      int
	LowWater          int
	FetchCount        int
	RefreshTimeout    time.Duration
	RefreshBackoff    time.Duration
	RefreshBackoffMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		CooldownDuration:  2 * time.Minute,
		MaxCooldowns:      3,
		LowWater:          5,
		FetchCount:        100,
		RefreshTimeout:    2 * time.Minute,
		RefreshBackoff:    5 * time.Second,
		RefreshBackoffMax: 5 * time.Minute,
	}
}

type Stats struct {
	Total    int `json:"total"`
	Eligible int `json:"eligible"`
	Healthy  int `json:"healthy"`
	Cooling  int `json:"cooling"`
	Banned   int `json:"banned"`
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithEvictHook registers fn to run, outside the pool lock, for every
// endpoint that leaves the pool by ban or Reset.
func WithEvictHook(fn func(endpoint string)) Option {
	return func(p *Pool) { p.onEvict = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rnd = r }
}

// Pool is the set of admitted proxies and their health. All record
// transitions happen under mu.
type Pool struct {
	cfg       Config
	source    source.Source
	validator Validator
	metrics   *metrics.Metrics
	onEvict   func(string)
	now       func() time.Time

	mu           sync.Mutex
	rnd          *rand.Rand
	proxies      map[string]*model.Proxy
	banned       map[string]time.Time
	refreshFails int
	backoffUntil time.Time

	refreshGroup   singleflight.Group
	autoRefreshing atomic.Bool
	bgCtx          context.Context
	bgCancel       context.CancelFunc

	// bgMu orders bgWG.Add against Close.
	bgMu     sync.Mutex
	bgClosed bool
	bgWG     sync.WaitGroup
}

func New(cfg Config, src source.Source, v Validator, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = def.CooldownDuration
	}
	if cfg.MaxCooldowns < 0 {
		cfg.MaxCooldowns = 0
	}
	if cfg.FetchCount <= 0 {
		cfg.FetchCount = def.FetchCount
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.RefreshBackoff <= 0 {
		cfg.RefreshBackoff = def.RefreshBackoff
	}
	if cfg.RefreshBackoffMax < cfg.RefreshBackoff {
		cfg.RefreshBackoffMax = cfg.RefreshBackoff
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		source:    src,
		validator: v,
		now:       time.Now,
		proxies:   make(map[string]*model.Proxy),
		banned:    make(map[string]time.Time),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// Acquire picks an eligible proxy uniformly at random. Endpoints in exclude
// are only returned when nothing else is eligible. It never blocks on the
// network.
func (p *Pool) Acquire(exclude ...string) (model.Proxy, error) {
	p.mu.Lock()
	now := p.now()

	var preferred, fallback []*model.Proxy
	for _, rec := range p.proxies {
		if !rec.Eligible(now) {
			continue
		}
		if contains(exclude, rec.Endpoint) {
			fallback = append(fallback, rec)
			continue
		}
		preferred = append(preferred, rec)
	}
	candidates := preferred
	if len(candidates) == 0 {
		candidates = fallback
	}
	eligible := len(preferred) + len(fallback)

	if len(candidates) == 0 {
		p.mu.Unlock()
		p.maybeAutoRefresh(0)
		return model.Proxy{}, ErrEmpty
	}

	rec := candidates[p.rnd.Intn(len(candidates))]
	if rec.State == model.Cooling {
		rec.State = model.Healthy
		rec.ConsecutiveFailures = 0
		rec.CooldownUntil = time.Time{}
	}
	rec.LastUsed = now
	out := *rec
	p.mu.Unlock()

	p.maybeAutoRefresh(eligible)
	return out, nil
}

// Release applies the outcome of one use of endpoint. Releases for
// endpoints that are no longer in the pool are ignored.
func (p *Pool) Release(endpoint string, fb Feedback) {
	l := logging.WithComponent("ProxyPool")

	p.mu.Lock()
	rec, ok := p.proxies[endpoint]
	if !ok {
		p.mu.Unlock()
		return
	}
	now := p.now()
	evicted := false

	switch fb {
	case FeedbackSuccess:
		rec.Successes++
		rec.ConsecutiveFailures = 0
		rec.Cooldowns = 0
		rec.CooldownUntil = time.Time{}
		rec.State = model.Healthy

	case FeedbackFailure:
		rec.Failures++
		rec.ConsecutiveFailures++

		if rec.State == model.Cooling && now.Before(rec.CooldownUntil) {
			// Late result from a probe dispatched before the cooldown began.
			break
		}
		if rec.ConsecutiveFailures < p.cfg.FailureThreshold {
			break
		}

		rec.Cooldowns++
		if rec.Cooldowns > p.cfg.MaxCooldowns {
			rec.State = model.Banned
			delete(p.proxies, endpoint)
			p.banned[endpoint] = now
			evicted = true
			l.Warn().Str("proxy", endpoint).Int("cooldowns", rec.Cooldowns-1).Msg("Proxy banned and evicted.")
			break
		}
		rec.State = model.Cooling
		rec.CooldownUntil = now.Add(p.cfg.CooldownDuration)
		l.Info().
			Str("proxy", endpoint).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Int("cooldowns", rec.Cooldowns).
			Time("until", rec.CooldownUntil).
			Msg("Proxy cooling down.")
	}

	st := p.statsLocked(now)
	p.mu.Unlock()

	p.metrics.SetPool(st.Healthy, st.Cooling, st.Eligible)
	if evicted {
		p.metrics.Evicted()
		if p.onEvict != nil {
			p.onEvict(endpoint)
		}
	}
	p.maybeAutoRefresh(st.Eligible)
}

// Refresh fetches candidates from the source, validates the ones the pool
// has not seen and admits those that pass. Concurrent callers share one
// refresh. Existing records are left untouched.
func (p *Pool) Refresh(ctx context.Context) (int, error) {
	return p.refresh(ctx, false)
}

// ForceRefresh is Refresh without the backoff window, for operator requests.
func (p *Pool) ForceRefresh(ctx context.Context) (int, error) {
	return p.refresh(ctx, true)
}

func (p *Pool) refresh(ctx context.Context, force bool) (int, error) {
	if !force {
		p.mu.Lock()
		until := p.backoffUntil
		now := p.now()
		p.mu.Unlock()
		if now.Before(until) {
			p.metrics.Refresh("backoff", 0)
			return 0, fmt.Errorf("%w: retry after %s", ErrRefreshBackoff, until.Sub(now).Round(time.Second))
		}
	}

	v, err, _ := p.refreshGroup.Do("refresh", func() (interface{}, error) {
		return p.doRefresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (p *Pool) doRefresh(ctx context.Context) (int, error) {
	l := logging.WithComponent("ProxyPool")

	fetched, err := p.source.Fetch(ctx, p.cfg.FetchCount)
	if err != nil {
		wait := p.recordRefreshFailure()
		p.metrics.Refresh("upstream_error", 0)
		l.Warn().Err(err).Str("source", p.source.Name()).Dur("backoff", wait).Msg("Proxy refresh failed.")
		return 0, fmt.Errorf("refresh from %s: %w", p.source.Name(), err)
	}

	p.mu.Lock()
	p.refreshFails = 0
	p.backoffUntil = time.Time{}
	seen := make(map[string]struct{}, len(fetched))
	fresh := make([]string, 0, len(fetched))
	for _, ep := range fetched {
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		if _, ok := p.proxies[ep]; ok {
			continue
		}
		if _, ok := p.banned[ep]; ok {
			continue
		}
		fresh = append(fresh, ep)
	}
	p.mu.Unlock()

	passed := p.validator.ValidateAll(ctx, fresh)

	p.mu.Lock()
	now := p.now()
	admitted := 0
	for _, v := range passed {
		if _, ok := p.proxies[v.Endpoint]; ok {
			continue
		}
		if _, ok := p.banned[v.Endpoint]; ok {
			continue
		}
		p.proxies[v.Endpoint] = &model.Proxy{
			Endpoint: v.Endpoint,
			Source:   p.source.Name(),
			State:    model.Healthy,
			Latency:  v.Latency,
			AddedAt:  now,
		}
		admitted++
	}
	st := p.statsLocked(now)
	p.mu.Unlock()

	p.metrics.SetPool(st.Healthy, st.Cooling, st.Eligible)
	p.metrics.Refresh("ok", admitted)
	l.Info().
		Int("fetched", len(fetched)).
		Int("candidates", len(fresh)).
		Int("admitted", admitted).
		Int("total", st.Total).
		Msg("Proxy refresh complete.")
	return admitted, nil
}

func (p *Pool) recordRefreshFailure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshFails++
	wait := p.cfg.RefreshBackoff
	for i := 1; i < p.refreshFails && wait < p.cfg.RefreshBackoffMax; i++ {
		wait *= 2
	}
	if wait > p.cfg.RefreshBackoffMax {
		wait = p.cfg.RefreshBackoffMax
	}
	p.backoffUntil = p.now().Add(wait)
	return wait
}

func (p *Pool) maybeAutoRefresh(eligible int) {
	if p.cfg.LowWater <= 0 || eligible >= p.cfg.LowWater {
		return
	}
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	if p.bgClosed {
		return
	}
	if !p.autoRefreshing.CompareAndSwap(false, true) {
		return
	}

	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		defer p.autoRefreshing.Store(false)

		ctx, cancel := context.WithTimeout(p.bgCtx, p.cfg.RefreshTimeout)
		defer cancel()
		if _, err := p.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshBackoff) {
			logging.WithComponent("ProxyPool").Debug().Err(err).Msg("Low-water refresh failed.")
		}
	}()
}

// Reset drops every record. The ban set survives.
func (p *Pool) Reset() {
	p.mu.Lock()
	dropped := make([]string, 0, len(p.proxies))
	for ep := range p.proxies {
		dropped = append(dropped, ep)
	}
	p.proxies = make(map[string]*model.Proxy)
	p.mu.Unlock()

	p.metrics.SetPool(0, 0, 0)
	logging.WithComponent("ProxyPool").Info().Int("dropped", len(dropped)).Msg("Proxy pool reset.")
	if p.onEvict != nil {
		for _, ep := range dropped {
			p.onEvict(ep)
		}
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked(p.now())
}

func (p *Pool) statsLocked(now time.Time) Stats {
	st := Stats{Total: len(p.proxies), Banned: len(p.banned)}
	for _, rec := range p.proxies {
		if rec.Eligible(now) {
			st.Eligible++
		}
		switch rec.State {
		case model.Healthy:
			st.Healthy++
		case model.Cooling:
			st.Cooling++
		}
	}
	return st
}

// Snapshot returns copies of every record, sorted by endpoint.
func (p *Pool) Snapshot() []model.Proxy {
	p.mu.Lock()
	out := make([]model.Proxy, 0, len(p.proxies))
	for _, rec := range p.proxies {
		out = append(out, *rec)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close stops background refreshes and waits for any in progress.
func (p *Pool) Close() {
	p.bgMu.Lock()
	p.bgClosed = true
	p.bgCancel()
	p.bgMu.Unlock()
	p.bgWG.Wait()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
