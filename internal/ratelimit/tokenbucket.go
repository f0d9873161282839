package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenJar caps the aggregate probe rate across all engine slots.
type TokenJar struct {
	refillIntervalMs int64
	tokensPerRefill  int
	maxTokens        int
	tokens           int
	mu               sync.Mutex
	tokensAvailable  chan struct{}
	done             chan struct{}
	stopOnce         sync.Once
}

func NewTokenJar(targetRPS float64, burstLimit int) *TokenJar {
	if targetRPS <= 0 {
		targetRPS = 1
	}

	refillIntervalMs := int64(1000 / targetRPS)
	if refillIntervalMs < 10 {
		refillIntervalMs = 10
	}

	tokensPerRefill := 1
	if targetRPS > 10 {
		tokensPerRefill = int(targetRPS / 5)
		refillIntervalMs = int64(float64(tokensPerRefill) * 1000 / targetRPS)
	}

	if burstLimit <= 0 {
		burstLimit = int(targetRPS * 2)
	}
	if burstLimit < tokensPerRefill {
		burstLimit = tokensPerRefill
	}

	jar := &TokenJar{
		refillIntervalMs: refillIntervalMs,
		tokensPerRefill:  tokensPerRefill,
		maxTokens:        burstLimit,
		tokens:           burstLimit / 2,
		tokensAvailable:  make(chan struct{}, 1),
		done:             make(chan struct{}),
	}

	go jar.refiller()

	return jar
}

func (tj *TokenJar) refiller() {
	ticker := time.NewTicker(time.Duration(tj.refillIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tj.mu.Lock()
			prevTokens := tj.tokens
			tj.tokens += tj.tokensPerRefill
			if tj.tokens > tj.maxTokens {
				tj.tokens = tj.maxTokens
			}

			if prevTokens == 0 && tj.tokens > 0 {
				select {
				case tj.tokensAvailable <- struct{}{}:
				default:
				}
			}
			tj.mu.Unlock()

		case <-tj.done:
			return
		}
	}
}

func (tj *TokenJar) getToken() bool {
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.tokens > 0 {
		tj.tokens--
		return true
	}
	return false
}

func (tj *TokenJar) GetStats() (tokens, maxTokens, tokensPerRefill int, refillIntervalMs int64) {
	tj.mu.Lock()
	defer tj.mu.Unlock()
	return tj.tokens, tj.maxTokens, tj.tokensPerRefill, tj.refillIntervalMs
}

// Wait blocks until a token is taken, ctx ends, or the jar is stopped.
func (tj *TokenJar) Wait(ctx context.Context) error {
	if tj.getToken() {
		return nil
	}

	interval := time.Duration(tj.refillIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-tj.tokensAvailable:
		case <-timer.C:
			timer.Reset(interval)
		case <-ctx.Done():
			return ctx.Err()
		case <-tj.done:
			return context.Canceled
		}
		if tj.getToken() {
			return nil
		}
	}
}

func (tj *TokenJar) Stop() {
	tj.stopOnce.Do(func() { close(tj.done) })
}
