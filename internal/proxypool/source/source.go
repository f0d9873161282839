package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrUpstreamUnavailable = errors.New("upstream proxy provider unavailable")

// Source fetches candidate proxy endpoints from a provider. Implementations
// only list; validation happens in the pool.
type Source interface {
	Fetch(ctx context.Context, maxCount int) ([]string, error)

	// Name is used in logs and on admitted records.
	Name() string
}

// Static hands out a fixed operator-supplied list.
type Static struct {
	endpoints []string
}

func NewStatic(list []string, defaultScheme string) *Static {
	s := &Static{}
	seen := make(map[string]struct{}, len(list))
	for _, raw := range list {
		ep, err := Normalize(raw, defaultScheme)
		if err != nil {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		s.endpoints = append(s.endpoints, ep)
	}
	return s
}

func (s *Static) Name() string { return "static" }

func (s *Static) Fetch(ctx context.Context, maxCount int) ([]string, error) {
	if len(s.endpoints) == 0 {
		return nil, fmt.Errorf("%w: static list is empty", ErrUpstreamUnavailable)
	}
	n := len(s.endpoints)
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}
	out := make([]string, n)
	copy(out, s.endpoints[:n])
	return out, nil
}

// Normalize turns "host:port", "user:pass@host:port" or a full URL into
// scheme://[user:pass@]host:port.
func Normalize(raw, defaultScheme string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty proxy endpoint")
	}
	if defaultScheme == "" {
		defaultScheme = "http"
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("proxy endpoint %q needs host and port", raw)
	}

	out := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	return out.String(), nil
}
