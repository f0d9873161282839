package engine

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourneighborhoodchef/tokcheck/internal/checker"
	"github.com/yourneighborhoodchef/tokcheck/internal/dedup"
	"github.com/yourneighborhoodchef/tokcheck/internal/identifier"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
	"github.com/yourneighborhoodchef/tokcheck/internal/metrics"
	"github.com/yourneighborhoodchef/tokcheck/internal/notify"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/model"
	"github.com/yourneighborhoodchef/tokcheck/internal/ratelimit"
)

var (
	ErrAlreadyRunning = errors.New("checker is already running")
	ErrNotRunning     = errors.New("checker is not running")
)

const (
	// idlePoll is how often a slot looks again while nothing is ready but
	// the run is not over.
	idlePoll = 50 * time.Millisecond

	// pullBudget caps source pulls per nextTask call so the engine lock is
	// released even when every pulled handle is skipped.
	pullBudget = 256

	// saturationSkips consecutive skipped pulls from an endless source mean
	// everything it can produce is resolved or in flight.
	saturationSkips = 1 << 14
)

type State int

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Task is one identifier on its way through the engine.
type Task struct {
	Identifier string
	Attempt    int
	LastProxy  string
}

// ProxyPool is the part of *proxypool.Pool the engine drives.
type ProxyPool interface {
	Acquire(exclude ...string) (model.Proxy, error)
	Release(endpoint string, fb proxypool.Feedback)
	Refresh(ctx context.Context) (int, error)
	ForceRefresh(ctx context.Context) (int, error)
	Reset()
	Stats() proxypool.Stats
}

type Checker interface {
	Check(ctx context.Context, identifier string, proxy model.Proxy) checker.Result
}

// SourceFactory opens a fresh identifier source for each run.
type SourceFactory func() (identifier.Source, error)

type Config struct {
	Concurrency    int
	MaxAttempts    int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxRPS         float64
	Burst          int
	EmptyPoolPause time.Duration
	StatusInterval time.Duration
	NotifyTimeout  time.Duration
	RefreshTimeout time.Duration
}

type Deps struct {
	Pool     ProxyPool
	Checker  Checker
	Sources  SourceFactory
	Sink     notify.Sink
	Resolved *dedup.Filter
	Metrics  *metrics.Metrics
}

type Status struct {
	State      string          `json:"state"`
	RunID      string          `json:"run_id,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	InFlight   int             `json:"in_flight"`
	RetryQueue int             `json:"retry_queue"`
	QueueDepth int             `json:"queue_depth"`
	Pool       proxypool.Stats `json:"pool"`
	Summary    notify.Summary  `json:"summary"`
}

// Engine owns one checking run at a time. The control surface drives it
// through the Handle* methods, none of which block on the run.
type Engine struct {
	cfg  Config
	deps Deps

	mu          sync.Mutex
	state       State
	runID       string
	startedAt   time.Time
	endedAt     time.Time
	source      identifier.Source
	sourceDone  bool
	skipStreak  int
	retry       []Task
	outstanding map[string]struct{}
	inFlight    int
	summary     notify.Summary
	jar         *ratelimit.TokenJar
	stopCtx     context.Context
	stopCancel  context.CancelFunc
	done        chan struct{}
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.EmptyPoolPause <= 0 {
		cfg.EmptyPoolPause = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 2 * time.Minute
	}
	if deps.Resolved == nil {
		deps.Resolved = dedup.NewFilter(1000000, 0.001)
	}

	done := make(chan struct{})
	close(done)
	return &Engine{
		cfg:         cfg,
		deps:        deps,
		outstanding: make(map[string]struct{}),
		done:        done,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the current run reaches Stopped. Before the first
// run it is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// HandleStart begins a run and returns immediately. ctx only bounds opening
// the identifier source; the run itself lasts until stopped or exhausted.
func (e *Engine) HandleStart(ctx context.Context) error {
	l := logging.WithComponent("Engine")

	e.mu.Lock()
	if e.state != Stopped {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return err
	}
	src, err := e.deps.Sources()
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.state = Running
	e.runID = uuid.NewString()
	e.startedAt = time.Now()
	e.endedAt = time.Time{}
	e.source = src
	e.sourceDone = false
	e.skipStreak = 0
	e.retry = nil
	e.outstanding = make(map[string]struct{})
	e.inFlight = 0
	e.summary = notify.Summary{}
	e.stopCtx, e.stopCancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})
	e.jar = nil
	if e.cfg.MaxRPS > 0 {
		e.jar = ratelimit.NewTokenJar(e.cfg.MaxRPS, e.cfg.Burst)
	}
	runID := e.runID
	e.mu.Unlock()

	l.Info().Str("run_id", runID).Int("concurrency", e.cfg.Concurrency).Msg("Checker started.")
	go e.run()
	return nil
}

// HandleStop asks the run to wind down. In-flight probes finish on their
// own timeouts; Done closes once they have.
func (e *Engine) HandleStop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return ErrNotRunning
	}
	e.beginStoppingLocked()
	logging.WithComponent("Engine").Info().Int("in_flight", e.inFlight).Msg("Stop requested, draining in-flight probes.")
	return nil
}

// HandleRefresh refreshes the proxy pool now, skipping any backoff window.
// With full set the pool is emptied first.
func (e *Engine) HandleRefresh(ctx context.Context, full bool) (int, error) {
	if full {
		e.deps.Pool.Reset()
	}
	return e.deps.Pool.ForceRefresh(ctx)
}

func (e *Engine) HandleStatus() Status {
	pool := e.deps.Pool.Stats()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:      e.state.String(),
		RunID:      e.runID,
		StartedAt:  e.startedAt,
		InFlight:   e.inFlight,
		RetryQueue: len(e.retry),
		QueueDepth: e.queueDepthLocked(),
		Pool:       pool,
		Summary:    e.summaryLocked(),
	}
	return st
}

func (e *Engine) beginStoppingLocked() {
	e.state = Stopping
	e.stopCancel()
}

func (e *Engine) queueDepthLocked() int {
	n := len(e.retry)
	if ln, ok := e.source.(identifier.Lener); ok && !e.sourceDone {
		n += ln.Len()
	}
	return n
}

func (e *Engine) summaryLocked() notify.Summary {
	s := e.summary
	switch {
	case !e.endedAt.IsZero():
		s.ElapsedSeconds = e.endedAt.Sub(e.startedAt).Seconds()
	case !e.startedAt.IsZero():
		s.ElapsedSeconds = time.Since(e.startedAt).Seconds()
	}
	return s
}

func (e *Engine) run() {
	l := logging.WithComponent("Engine")
	e.emit(e.event(notify.KindStarted))

	e.mu.Lock()
	stopCtx := e.stopCtx
	e.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.slot(id)
		}(i)
	}

	statusDone := make(chan struct{})
	if e.cfg.StatusInterval > 0 {
		go e.statusLoop(stopCtx, statusDone)
	} else {
		close(statusDone)
	}

	wg.Wait()
	e.mu.Lock()
	if e.state == Running {
		e.beginStoppingLocked()
	}
	e.endedAt = time.Now()
	jar := e.jar
	src := e.source
	summary := e.summaryLocked()
	e.mu.Unlock()
	<-statusDone
	if jar != nil {
		jar.Stop()
	}
	if c, ok := src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			l.Warn().Err(err).Msg("Closing identifier source failed.")
		}
	}

	final := e.event(notify.KindStatus)
	final.Summary = &summary
	e.emit(final)

	stopped := e.event(notify.KindStopped)
	stopped.Summary = &summary
	e.emit(stopped)

	l.Info().
		Int64("checked", summary.Checked).
		Int64("available", summary.Available).
		Int64("taken", summary.Taken).
		Int64("inconclusive", summary.Inconclusive).
		Int64("dropped", summary.Dropped).
		Float64("elapsed_seconds", summary.ElapsedSeconds).
		Msg("Checker stopped.")

	e.mu.Lock()
	e.state = Stopped
	close(e.done)
	e.mu.Unlock()
}

func (e *Engine) statusLoop(stopCtx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ev := e.event(notify.KindStatus)
			e.mu.Lock()
			s := e.summaryLocked()
			e.mu.Unlock()
			ev.Summary = &s
			e.emit(ev)
		case <-stopCtx.Done():
			return
		}
	}
}

func (e *Engine) slot(id int) {
	l := logging.WithComponent("Engine")

	for {
		task, ok, idle := e.nextTask()
		if !ok {
			return
		}
		if idle {
			e.pause(idlePoll)
			continue
		}

		if jar := e.currentJar(); jar != nil {
			if err := jar.Wait(e.currentStopCtx()); err != nil {
				e.requeue(task)
				continue
			}
		}

		var (
			proxy model.Proxy
			err   error
		)
		if task.LastProxy != "" {
			proxy, err = e.deps.Pool.Acquire(task.LastProxy)
		} else {
			proxy, err = e.deps.Pool.Acquire()
		}
		if err != nil {
			e.requeue(task)
			if errors.Is(err, proxypool.ErrEmpty) {
				l.Debug().Int("slot", id).Msg("No eligible proxy, requesting refresh.")
				go e.refresh()
			}
			e.pause(e.cfg.EmptyPoolPause)
			continue
		}

		res := e.deps.Checker.Check(context.Background(), task.Identifier, proxy)
		e.deps.Pool.Release(proxy.Endpoint, res.Feedback())
		e.deps.Metrics.ObserveProbe(res.Outcome.String(), res.ProxyFault, res.Latency)
		e.complete(task, proxy, res)

		e.pause(e.jitter())
	}
}

// nextTask hands out the next task, retries first. ok is false once the
// slot should exit. idle means nothing is ready yet: in-flight probes may
// still requeue work, or the pull budget ran out on skipped handles.
func (e *Engine) nextTask() (task Task, ok bool, idle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Running {
		return Task{}, false, false
	}

	if len(e.retry) > 0 {
		task = e.retry[0]
		e.retry = e.retry[1:]
		e.inFlight++
		e.deps.Metrics.SetInFlight(e.inFlight)
		return task, true, false
	}

	for pulls := 0; !e.sourceDone; pulls++ {
		if pulls == pullBudget {
			return Task{}, true, true
		}
		id, err := e.source.Next()
		if err != nil {
			if !errors.Is(err, identifier.ErrExhausted) {
				logging.WithComponent("Engine").Error().Err(err).Msg("Identifier source failed, treating as exhausted.")
			}
			e.sourceDone = true
			logging.WithComponent("Engine").Info().Msg("Identifier source exhausted.")
			break
		}
		if _, busy := e.outstanding[id]; busy || e.deps.Resolved.Test(id) {
			e.skipStreak++
			if e.skipStreak >= saturationSkips && isEndless(e.source) {
				e.sourceDone = true
				logging.WithComponent("Engine").Info().Int("skipped", e.skipStreak).Msg("Identifier space saturated.")
			}
			continue
		}
		e.skipStreak = 0
		e.outstanding[id] = struct{}{}
		e.inFlight++
		e.deps.Metrics.SetInFlight(e.inFlight)
		return Task{Identifier: id}, true, false
	}

	if e.inFlight == 0 {
		e.beginStoppingLocked()
		return Task{}, false, false
	}
	return Task{}, true, true
}

func isEndless(src identifier.Source) bool {
	en, ok := src.(identifier.Endless)
	return ok && en.Endless()
}

// requeue puts a task back unchanged, at the front so it is not starved.
func (e *Engine) requeue(task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retry = append([]Task{task}, e.retry...)
	e.inFlight--
	e.deps.Metrics.SetInFlight(e.inFlight)
}

func (e *Engine) complete(task Task, proxy model.Proxy, res checker.Result) {
	l := logging.WithComponent("Engine")

	e.mu.Lock()
	e.inFlight--
	e.deps.Metrics.SetInFlight(e.inFlight)
	e.summary.Checked++

	hit := false
	switch res.Outcome {
	case checker.Available:
		e.summary.Available++
		delete(e.outstanding, task.Identifier)
		e.deps.Resolved.Add(task.Identifier)
		hit = true
	case checker.Taken:
		e.summary.Taken++
		delete(e.outstanding, task.Identifier)
		e.deps.Resolved.Add(task.Identifier)
	default:
		e.summary.Inconclusive++
		task.Attempt++
		task.LastProxy = proxy.Endpoint
		if task.Attempt < e.cfg.MaxAttempts {
			e.retry = append(e.retry, task)
		} else {
			delete(e.outstanding, task.Identifier)
			e.summary.Dropped++
			e.deps.Metrics.Dropped()
			l.Warn().
				Str("identifier", task.Identifier).
				Int("attempts", task.Attempt).
				AnErr("last_error", res.Err).
				Msg("Dropping identifier after repeated inconclusive probes.")
		}
	}
	e.mu.Unlock()

	if hit {
		e.deps.Metrics.Hit()
		l.Info().
			Str("identifier", task.Identifier).
			Str("proxy", proxy.Endpoint).
			Int("status_code", res.StatusCode).
			Bool("sniffed", res.Sniffed).
			Msg("Identifier available.")
		ev := e.event(notify.KindHit)
		ev.Identifier = task.Identifier
		e.emit(ev)
	}
}

func (e *Engine) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
	defer cancel()
	if _, err := e.deps.Pool.Refresh(ctx); err != nil && !errors.Is(err, proxypool.ErrRefreshBackoff) {
		logging.WithComponent("Engine").Warn().Err(err).Msg("Proxy refresh failed.")
	}
}

// pause sleeps for d or until the run starts stopping.
func (e *Engine) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.currentStopCtx().Done():
	}
}

func (e *Engine) jitter() time.Duration {
	span := e.cfg.MaxDelay - e.cfg.MinDelay
	if span <= 0 {
		return e.cfg.MinDelay
	}
	return e.cfg.MinDelay + time.Duration(rand.Int63n(int64(span)+1))
}

func (e *Engine) currentJar() *ratelimit.TokenJar {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jar
}

func (e *Engine) currentStopCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCtx
}

func (e *Engine) event(kind notify.Kind) notify.Event {
	ev := notify.NewEvent(kind)
	pool := e.deps.Pool.Stats()

	e.mu.Lock()
	ev.RunID = e.runID
	ev.QueueDepth = e.queueDepthLocked()
	e.mu.Unlock()
	ev.ProxyCount = pool.Total
	return ev
}

// emit delivers ev with its own timeout. Failures are logged, never
// returned.
func (e *Engine) emit(ev notify.Event) {
	if e.deps.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
	defer cancel()

	err := e.deps.Sink.Notify(ctx, ev)
	e.deps.Metrics.Notification(string(ev.Kind), err == nil)
	if err != nil {
		logging.WithComponent("Engine").Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Notification delivery failed.")
	}
}
