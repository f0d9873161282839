package identifier

import (
	"math/rand"
	"sync"
	"time"
)

const (
	letters  = "abcdefghijklmnopqrstuvwxyz"
	alphanum = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Random generates short handles. A zero limit never exhausts.
type Random struct {
	minLen, maxLen int
	charset        string
	limit          int

	mu      sync.Mutex
	rnd     *rand.Rand
	emitted int
}

type RandomConfig struct {
	MinLen int
	MaxLen int
	Digits bool
	Limit  int
	Seed   int64
}

func NewRandom(cfg RandomConfig) *Random {
	if cfg.MinLen < MinLen {
		cfg.MinLen = MinLen
	}
	if cfg.MaxLen < cfg.MinLen {
		cfg.MaxLen = cfg.MinLen
	}
	if cfg.MaxLen > MaxLen {
		cfg.MaxLen = MaxLen
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	charset := letters
	if cfg.Digits {
		charset = alphanum
	}
	return &Random{
		minLen:  cfg.MinLen,
		maxLen:  cfg.MaxLen,
		charset: charset,
		limit:   cfg.Limit,
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (r *Random) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && r.emitted >= r.limit {
		return "", ErrExhausted
	}
	n := r.minLen + r.rnd.Intn(r.maxLen-r.minLen+1)
	b := make([]byte, n)
	for i := range b {
		b[i] = r.charset[r.rnd.Intn(len(r.charset))]
	}
	r.emitted++
	return string(b), nil
}

// Endless reports whether r has no limit. Handles may repeat, so callers
// that skip seen handles decide for themselves when the space is used up.
func (r *Random) Endless() bool { return r.limit <= 0 }
