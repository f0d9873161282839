package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

type Kind string

const (
	KindHit     Kind = "hit"
	KindStatus  Kind = "status"
	KindStarted Kind = "started"
	KindStopped Kind = "stopped"
)

// ParseKinds parses a comma separated list such as "hit,stopped".
func ParseKinds(s string) ([]Kind, error) {
	var out []Kind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		switch k := Kind(part); k {
		case KindHit, KindStatus, KindStarted, KindStopped:
			out = append(out, k)
		default:
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
	}
	return out, nil
}

// Summary is the tally of one run.
type Summary struct {
	Checked        int64   `json:"checked"`
	Available      int64   `json:"available"`
	Taken          int64   `json:"taken"`
	Inconclusive   int64   `json:"inconclusive"`
	Dropped        int64   `json:"dropped"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	RunID      string    `json:"run_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	ProxyCount int       `json:"proxyCount"`
	QueueDepth int       `json:"queueDepth"`
	Summary    *Summary  `json:"summary,omitempty"`
	Time       time.Time `json:"time"`
}

func NewEvent(kind Kind) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		Time: time.Now().UTC(),
	}
}

// Text renders the event for a chat message.
func (e Event) Text() string {
	switch e.Kind {
	case KindHit:
		return fmt.Sprintf("Available: @%s", e.Identifier)
	case KindStarted:
		return "Checker started."
	case KindStopped:
		if e.Summary == nil {
			return "Checker stopped."
		}
		return "Checker stopped. " + e.Summary.String()
	default:
		s := fmt.Sprintf("Status: %d proxies, %d queued.", e.ProxyCount, e.QueueDepth)
		if e.Summary != nil {
			s += " " + e.Summary.String()
		}
		return s
	}
}

func (s Summary) String() string {
	elapsed := time.Duration(s.ElapsedSeconds * float64(time.Second)).Round(time.Second)
	return fmt.Sprintf("Checked %d in %s: %d available, %d taken, %d inconclusive, %d dropped.",
		s.Checked, elapsed, s.Available, s.Taken, s.Inconclusive, s.Dropped)
}

// Sink delivers events. A single attempt is made per event.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter passes only the listed kinds on to Sink.
type Filter struct {
	Sink  Sink
	Kinds []Kind
}

func (f Filter) Notify(ctx context.Context, e Event) error {
	for _, k := range f.Kinds {
		if k == e.Kind {
			return f.Sink.Notify(ctx, e)
		}
	}
	return nil
}
