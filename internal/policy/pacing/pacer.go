// Package pacing spaces out consecutive outbound e-mails with token buckets.
package pacing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ledi-watcher/internal/metrics"
)

// DefaultInterval separates consecutive sends.
const DefaultInterval = 100 * time.Millisecond

// Config holds pacing configuration.
type Config struct {
	// Interval is the minimum gap between any two sends. Negative disables pacing.
	Interval time.Duration
	// DomainRPS additionally caps sends per recipient domain; 0 means no cap.
	DomainRPS   float64
	DomainBurst int
}

// Pacer gates sends through a global bucket and optional per-domain buckets.
type Pacer struct {
	global *rate.Limiter

	mu          sync.Mutex
	domains     map[string]*rate.Limiter
	domainRate  rate.Limit
	domainBurst int
}

// New creates a Pacer. A zero Interval uses DefaultInterval.
func New(cfg Config) *Pacer {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	global := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		global = rate.NewLimiter(rate.Every(interval), 1)
	}
	domainRate := rate.Inf
	if cfg.DomainRPS > 0 {
		domainRate = rate.Limit(cfg.DomainRPS)
	}
	burst := cfg.DomainBurst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		global:      global,
		domains:     make(map[string]*rate.Limiter),
		domainRate:  domainRate,
		domainBurst: burst,
	}
}

// Wait blocks until a send to recipient is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context, recipient string) error {
	start := time.Now()
	if err := p.global.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if p.domainRate != rate.Inf {
		if err := p.domainLimiter(recipient).Wait(ctx); err != nil {
			return fmt.Errorf("pacing wait: %w", err)
		}
	}
	// Immediate grants are not worth a histogram sample.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePacingDelay(d)
	}
	return nil
}

func (p *Pacer) domainLimiter(recipient string) *rate.Limiter {
	domain := "unknown"
	if at := strings.LastIndex(recipient, "@"); at >= 0 && at < len(recipient)-1 {
		domain = strings.ToLower(recipient[at+1:])
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.domains[domain]
	if !ok {
		limiter = rate.NewLimiter(p.domainRate, p.domainBurst)
		p.domains[domain] = limiter
	}
	return limiter
}
