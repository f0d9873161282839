package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"github.com/yourneighborhoodchef/tokcheck/internal/client"
	"github.com/yourneighborhoodchef/tokcheck/internal/headers"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/model"
)

const DefaultTarget = "https://www.tiktok.com"

var (
	ErrProxyFailure       = errors.New("proxy failed to complete the request")
	ErrRateLimited        = errors.New("target rate limited or blocked the proxy")
	ErrUnexpectedResponse = errors.New("unexpected response from target")
)

type Outcome int

const (
	Inconclusive Outcome = iota
	Available
	Taken
)

func (o Outcome) String() string {
	switch o {
	case Available:
		return "available"
	case Taken:
		return "taken"
	default:
		return "inconclusive"
	}
}

type Result struct {
	Identifier string
	Proxy      string
	Outcome    Outcome
	ProxyFault bool
	StatusCode int
	Err        error
	Sniffed    bool
	Latency    time.Duration
}

// Feedback is what the pool should learn about the proxy from this result.
func (r Result) Feedback() proxypool.Feedback {
	switch {
	case r.Outcome == Available || r.Outcome == Taken:
		return proxypool.FeedbackSuccess
	case r.ProxyFault:
		return proxypool.FeedbackFailure
	default:
		return proxypool.FeedbackNeutral
	}
}

type Config struct {
	Target    string
	Timeout   time.Duration
	SniffBody bool
}

// Checker classifies a handle by the status code of its profile page.
type Checker struct {
	target    string
	timeout   time.Duration
	sniffBody bool
	clients   *client.Cache

	statusMu   sync.Mutex
	prevStatus int
}

func New(cfg Config, clients *client.Cache) *Checker {
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Checker{
		target:    strings.TrimRight(cfg.Target, "/"),
		timeout:   cfg.Timeout,
		sniffBody: cfg.SniffBody,
		clients:   clients,
	}
}

// Check requests {target}/@identifier through proxy. It always returns a
// Result; failures are Inconclusive with Err set.
func (c *Checker) Check(ctx context.Context, identifier string, proxy model.Proxy) Result {
	l := logging.WithComponent("Checker")
	res := Result{Identifier: identifier, Proxy: proxy.Endpoint}

	doer, err := c.clients.Get(proxy.Endpoint)
	if err != nil {
		res.ProxyFault = true
		res.Err = fmt.Errorf("%w: %v", ErrProxyFailure, err)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target+"/@"+url.PathEscape(identifier), nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	req.Header = headers.BuildHeaders()

	start := time.Now()
	resp, err := doer.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		// A caller that gives up is not the proxy's fault; a timeout is.
		if errors.Is(ctx.Err(), context.Canceled) {
			res.Err = err
			return res
		}
		res.ProxyFault = true
		res.Err = fmt.Errorf("%w: %v", ErrProxyFailure, err)
		l.Debug().Err(err).Str("proxy", proxy.Endpoint).Str("identifier", identifier).Msg("Probe failed in transport.")
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	switch resp.StatusCode {
	case http.StatusNotFound:
		res.Outcome = Available
	case http.StatusOK:
		res.Outcome = Taken
		if c.sniffBody {
			c.sniff(resp.Body, &res)
		}
	case http.StatusTooManyRequests, http.StatusForbidden:
		res.ProxyFault = true
		res.Err = fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	default:
		res.Err = fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
		l.Warn().Int("status_code", resp.StatusCode).Str("identifier", identifier).Msg("Unexpected status code.")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256<<10))

	c.trackStatus(resp.StatusCode)

	l.Debug().
		Str("identifier", identifier).
		Str("proxy", proxy.Endpoint).
		Int("status_code", resp.StatusCode).
		Str("outcome", res.Outcome.String()).
		Dur("latency", res.Latency).
		Msg("Probe finished.")
	return res
}

// trackStatus rotates the header profiles when the target starts blocking
// right after serving pages normally.
func (c *Checker) trackStatus(code int) {
	c.statusMu.Lock()
	prev := c.prevStatus
	c.prevStatus = code
	c.statusMu.Unlock()

	if prev == http.StatusOK && (code == http.StatusForbidden || code == http.StatusTooManyRequests) {
		logging.WithComponent("Checker").Info().Int("status_code", code).Msg("Blocked after a 200, regenerating header profiles.")
		headers.ResetProfilePool()
		go headers.InitProfilePool(50)
	}
}
