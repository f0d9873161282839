package source

import (
	"context"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"1.2.3.4:8080", "http://1.2.3.4:8080", true},
		{"u:p@1.2.3.4:8080", "http://u:p@1.2.3.4:8080", true},
		{"socks5://1.2.3.4:1080", "socks5://1.2.3.4:1080", true},
		{"http://1.2.3.4:8080/some/path", "http://1.2.3.4:8080", true},
		{"1.2.3.4", "", false},
		{"ftp://1.2.3.4:21", "", false},
		{"   ", "", false},
	}

	for _, c := range cases {
		got, err := Normalize(c.in, "http")
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("Normalize(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("Normalize(%q) should fail, got %q", c.in, got)
		}
	}
}

func TestStaticFetch(t *testing.T) {
	s := NewStatic([]string{"1.1.1.1:80", "http://1.1.1.1:80", "bad", "2.2.2.2:80"}, "http")

	got, err := s.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated endpoints, got %v", got)
	}

	got, _ = s.Fetch(context.Background(), 1)
	if len(got) != 1 {
		t.Errorf("maxCount must cap the batch, got %v", got)
	}
}

func TestStaticEmpty(t *testing.T) {
	_, err := NewStatic(nil, "http").Fetch(context.Background(), 5)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}
