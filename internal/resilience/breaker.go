package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerConfig sets when a breaker trips and how long it stays open.
type BreakerConfig struct {
	Threshold int           `json:"threshold" yaml:"threshold"`
	Window    time.Duration `json:"window" yaml:"window"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: time.Minute}
}

// BreakerState is a point-in-time view of one breaker.
type BreakerState struct {
	Name         string     `json:"name"`
	FailureCount int        `json:"failure_count"`
	IsOpen       bool       `json:"is_open"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks consecutive failures for one failure domain. It opens once
// Threshold failures land within Window of the first one and closes on its
// own once Window has passed since opening. A success while open does not
// close it.
type Breaker struct {
	name         string
	cfg          BreakerConfig
	now          func() time.Time
	failureCount int
	firstFailure time.Time
	open         bool
	openedAt     time.Time
	mu           sync.Mutex
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the failure domain name.
func (b *Breaker) Name() string { return b.name }

// RecordFailure counts one failure and trips the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.open {
		b.failureCount++
		return
	}
	if b.failureCount == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
		b.failureCount = 0
		b.firstFailure = now
	}
	b.failureCount++
	if b.failureCount >= b.cfg.Threshold {
		b.open = true
		b.openedAt = now
		log.Warn().Str("breaker", b.name).Int("failures", b.failureCount).
			Dur("window", b.cfg.Window).Msg("circuit breaker opened")
	}
}

// RecordSuccess clears the failure streak of a closed breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return
	}
	b.failureCount = 0
}

// IsOpen reports whether calls should be refused, closing the breaker first
// if its window has elapsed.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.open
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.failureCount = 0
}

// State returns a snapshot for telemetry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	st := BreakerState{Name: b.name, FailureCount: b.failureCount, IsOpen: b.open}
	if b.open {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}

func (b *Breaker) expireLocked() {
	if b.open && b.now().Sub(b.openedAt) >= b.cfg.Window {
		b.open = false
		b.failureCount = 0
		log.Info().Str("breaker", b.name).Msg("circuit breaker closed after window")
	}
}

// Registry owns the breakers of a process, one per failure domain.
type Registry struct {
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*Breaker
	mu       sync.Mutex
}

// NewRegistry creates an empty registry; breakers created through it share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, now: time.Now, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg)
	b.now = r.now
	r.breakers[name] = b
	return b
}

// Register returns the breaker for name, creating it with cfg on first use.
// An existing breaker keeps its original config.
func (r *Registry) Register(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, cfg)
	b.now = r.now
	r.breakers[name] = b
	return b
}

// States returns every breaker's state sorted by name.
func (r *Registry) States() []BreakerState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether at least one breaker is open.
func (r *Registry) AnyOpen() bool {
	for _, st := range r.States() {
		if st.IsOpen {
			return true
		}
	}
	return false
}
