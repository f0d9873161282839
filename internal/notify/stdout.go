package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSONLines writes one JSON object per event from a single goroutine, so
// slow output never holds up the engine.
type JSONLines struct {
	ch       chan []byte
	done     chan struct{}
	closeOne sync.Once
}

func NewJSONLines(w io.Writer, buffer int) *JSONLines {
	if buffer <= 0 {
		buffer = 1000
	}
	j := &JSONLines{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		for line := range j.ch {
			_, _ = w.Write(line)
		}
	}()
	return j
}

func (j *JSONLines) Notify(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	select {
	case j.ch <- append(b, '\n'):
		return nil
	default:
		return fmt.Errorf("%w: output buffer full", ErrDeliveryFailed)
	}
}

// Close flushes queued events. Notify must not be called afterwards.
func (j *JSONLines) Close() {
	j.closeOne.Do(func() { close(j.ch) })
	<-j.done
}
