package gateway

import (
	"sync"
	"time"
)

// RateLimiter 在每次 REST 调用前阻塞等待配额。
// MEXC 现货对下单/撤单接口限频，超限会返回 429 并可能封禁。
type RateLimiter interface {
	Wait()
}

// TokenBucketLimiter 令牌桶限流器：rps 为每秒补充速率，burst 为桶容量。
type TokenBucketLimiter struct {
	mu     sync.Mutex
	rps    float64
	burst  float64
	tokens float64
	refill time.Time
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rps:    rps,
		burst:  float64(burst),
		tokens: float64(burst),
		refill: time.Now(),
	}
}

// Wait 取走一个令牌；桶空时休眠到下一个令牌生成。
func (l *TokenBucketLimiter) Wait() {
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.refill).Seconds() * l.rps
		l.refill = now
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return
		}
		deficit := 1 - l.tokens
		l.mu.Unlock()
		time.Sleep(time.Duration(deficit / l.rps * float64(time.Second)))
	}
}
