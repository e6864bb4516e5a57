package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/goerr"
)

// CircuitBreaker trips after threshold consecutive failures and
// refuses calls for cooldown before probing again. It wraps every
// outbound Brain.Stream call.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	failures    int
	trippedAt   time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (cb *CircuitBreaker) tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failures < cb.threshold {
		return false
	}
	if time.Since(cb.trippedAt) >= cb.cooldown {
		cb.failures = 0
		return false
	}
	return true
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trippedAt = time.Now()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// BreakerBrain wraps a Brain so that after threshold consecutive
// failures it short-circuits with goerr.KindCircuitOpen instead of
// calling through, giving the upstream provider a cooldown window.
type BreakerBrain struct {
	inner   Brain
	breaker *CircuitBreaker
}

func NewBreakerBrain(inner Brain, threshold int, cooldown time.Duration) *BreakerBrain {
	return &BreakerBrain{inner: inner, breaker: NewCircuitBreaker(threshold, cooldown)}
}

func (b *BreakerBrain) Stream(ctx context.Context, systemPrompt string, history []Message, current string, tools []ToolSpec, onChunk ChunkHandler) (string, error) {
	if b.breaker.tripped() {
		return "", goerr.New(goerr.KindCircuitOpen, "provider circuit open")
	}
	out, err := b.inner.Stream(ctx, systemPrompt, history, current, tools, onChunk)
	if err != nil && goerr.KindOf(err) == goerr.KindTransientUpstream {
		b.breaker.recordFailure()
		return out, err
	}
	b.breaker.recordSuccess()
	return out, err
}
