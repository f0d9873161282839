package identifier

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

var ErrExhausted = errors.New("identifier source exhausted")

// Source yields handles to probe. Next returns ErrExhausted once there is
// nothing left. Implementations are safe for concurrent use.
type Source interface {
	Next() (string, error)
}

// Lener is implemented by sources that know how many handles remain.
type Lener interface {
	Len() int
}

// Endless is implemented by sources that may never return ErrExhausted.
type Endless interface {
	Endless() bool
}

const (
	MinLen = 2
	MaxLen = 24
)

var handlePattern = regexp.MustCompile(`^[a-z0-9._]+$`)

// Normalize trims whitespace and a leading '@' and lowercases the handle.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

// Valid reports whether handle can be registered at all: 2-24 characters
// of letters, digits, '_' and '.', not ending in '.'.
func Valid(handle string) bool {
	if len(handle) < MinLen || len(handle) > MaxLen {
		return false
	}
	if !handlePattern.MatchString(handle) {
		return false
	}
	return !strings.HasSuffix(handle, ".")
}

// Slice hands out a fixed list in order. Invalid entries are dropped.
type Slice struct {
	mu    sync.Mutex
	items []string
	pos   int
}

func NewSlice(items []string) *Slice {
	s := &Slice{items: make([]string, 0, len(items))}
	for _, raw := range items {
		if h := Normalize(raw); Valid(h) {
			s.items = append(s.items, h)
		}
	}
	return s
}

func (s *Slice) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.items) {
		return "", ErrExhausted
	}
	h := s.items[s.pos]
	s.pos++
	return h, nil
}

func (s *Slice) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) - s.pos
}
