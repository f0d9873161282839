package validator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"github.com/yourneighborhoodchef/tokcheck/internal/client"
)

// stubDoer answers according to the proxy endpoint it was built for.
type stubDoer struct {
	endpoint string
	behave   func(endpoint string) (*http.Response, error)
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	return s.behave(s.endpoint)
}

func response(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}
}

func factoryFor(behave func(endpoint string) (*http.Response, error)) client.Factory {
	return func(proxyURL string, timeout time.Duration) (client.Doer, error) {
		return &stubDoer{endpoint: proxyURL, behave: behave}, nil
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator("http://validate.test/", time.Second, 2, factoryFor(func(ep string) (*http.Response, error) {
		switch ep {
		case "http://ok:1":
			return response(204), nil
		case "http://forbidden:1":
			return response(403), nil
		default:
			return nil, errors.New("connection refused")
		}
	}))

	if !v.Validate(context.Background(), "http://ok:1", time.Second) {
		t.Errorf("204 through the proxy should validate")
	}
	if v.Validate(context.Background(), "http://forbidden:1", time.Second) {
		t.Errorf("non-2xx must not validate")
	}
	if v.Validate(context.Background(), "http://dead:1", time.Second) {
		t.Errorf("transport errors must not validate")
	}
}

func TestValidateFactoryError(t *testing.T) {
	v := NewValidator("", time.Second, 1, func(string, time.Duration) (client.Doer, error) {
		return nil, errors.New("bad url")
	})
	if v.Validate(context.Background(), "::", time.Second) {
		t.Errorf("factory errors must not validate")
	}
}

func TestValidateAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	var mu sync.Mutex

	v := NewValidator("http://validate.test/", time.Second, 3, factoryFor(func(ep string) (*http.Response, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		if strings.HasPrefix(ep, "http://bad") {
			return nil, errors.New("timeout")
		}
		return response(200), nil
	}))

	endpoints := []string{
		"http://good1:1", "http://good2:1", "http://bad1:1", "http://good3:1",
		"http://bad2:1", "http://good4:1", "http://good5:1", "http://bad3:1",
	}
	passed := v.ValidateAll(context.Background(), endpoints)

	if len(passed) != 5 {
		t.Errorf("expected 5 passing endpoints, got %d", len(passed))
	}
	for _, p := range passed {
		if strings.HasPrefix(p.Endpoint, "http://bad") {
			t.Errorf("failed endpoint %s admitted", p.Endpoint)
		}
	}
	if peak > 3 {
		t.Errorf("concurrency cap exceeded: peak %d", peak)
	}
}

func TestValidateAllEmpty(t *testing.T) {
	v := NewValidator("", time.Second, 1, nil)
	if got := v.ValidateAll(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected nothing, got %v", got)
	}
}
