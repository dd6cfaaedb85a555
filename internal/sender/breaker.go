package sender

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type result int

const (
	resultSuccess result = iota
	resultFailure
	// resultIgnored releases a probe without judging the provider
	// (the caller gave up before the provider answered).
	resultIgnored
)

// BreakerConfig holds the failure-ratio breaker settings. Zero values take defaults.
type BreakerConfig struct {
	Window       time.Duration // rolling window; default 30s
	Buckets      int           // window slots; default 10
	MinRequests  int           // calls required before the ratio is judged; default 10
	FailureRatio float64       // trip threshold; default 0.5
	Cooldown     time.Duration // first open period; default 15s
	MaxCooldown  time.Duration // cap for doubled cooldowns; default 2m
	Disabled     bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 10
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = 2 * time.Minute
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	return c
}

type slot struct {
	idx       int64
	successes int
	failures  int
}

// Breaker is a failure-ratio circuit breaker over a rolling window.
//
//   - Closed: calls pass; results land in the current slot. Once the window
//     holds at least MinRequests calls and the failure ratio reaches
//     FailureRatio, the breaker opens.
//   - Open: calls are refused until the cooldown elapses.
//   - Half-open: exactly one probe passes. Success closes the breaker,
//     failure re-opens it with a doubled cooldown (capped).
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	slotDur time.Duration
	slots   []slot

	state     State
	openUntil time.Time
	trips     int
	probing   bool
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	cfg = cfg.withDefaults()
	if now == nil {
		now = time.Now
	}
	slotDur := cfg.Window / time.Duration(cfg.Buckets)
	if slotDur <= 0 {
		slotDur = time.Millisecond
	}
	return &Breaker{cfg: cfg, now: now, slotDur: slotDur, slots: make([]slot, cfg.Buckets)}
}

// Allow reports whether a call may proceed. When refused, retryAt is the
// earliest time the breaker will let a probe through.
func (b *Breaker) Allow() (ok bool, retryAt time.Time) {
	if b.cfg.Disabled {
		return true, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openUntil) {
			return false, b.openUntil
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, time.Time{}
	case StateHalfOpen:
		if b.probing {
			return false, now.Add(b.slotDur)
		}
		b.probing = true
		return true, time.Time{}
	default:
		return true, time.Time{}
	}
}

func (b *Breaker) record(r result) {
	if b.cfg.Disabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen && b.probing {
		b.probing = false
		switch r {
		case resultSuccess:
			b.state = StateClosed
			b.trips = 0
			b.resetLocked()
		case resultFailure:
			b.openLocked(now)
		}
		return
	}
	if b.state != StateClosed || r == resultIgnored {
		return
	}

	s := b.slotLocked(now)
	if r == resultSuccess {
		s.successes++
	} else {
		s.failures++
	}

	total, failures := b.totalsLocked(now)
	if total >= b.cfg.MinRequests && float64(failures)/float64(total) >= b.cfg.FailureRatio {
		b.openLocked(now)
	}
}

func (b *Breaker) openLocked(now time.Time) {
	d := b.cfg.Cooldown
	for i := 0; i < b.trips; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			d = b.cfg.MaxCooldown
			break
		}
	}
	b.trips++
	b.state = StateOpen
	b.openUntil = now.Add(d)
	b.resetLocked()
}

func (b *Breaker) resetLocked() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
}

func (b *Breaker) slotLocked(now time.Time) *slot {
	idx := now.UnixNano() / int64(b.slotDur)
	s := &b.slots[int(idx%int64(len(b.slots)))]
	if s.idx != idx {
		*s = slot{idx: idx}
	}
	return s
}

func (b *Breaker) totalsLocked(now time.Time) (total, failures int) {
	cur := now.UnixNano() / int64(b.slotDur)
	oldest := cur - int64(len(b.slots)) + 1
	for _, s := range b.slots {
		if s.idx >= oldest && s.idx <= cur {
			total += s.successes + s.failures
			failures += s.failures
		}
	}
	return total, failures
}

// BreakerSnapshot is a point-in-time view for status endpoints.
type BreakerSnapshot struct {
	State     string    `json:"state"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	Trips     int       `json:"trips"`
	Calls     int       `json:"window_calls"`
	Failures  int       `json:"window_failures"`
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	total, failures := b.totalsLocked(now)
	st := b.state
	if st == StateOpen && !now.Before(b.openUntil) {
		st = StateHalfOpen
	}
	snap := BreakerSnapshot{State: st.String(), Trips: b.trips, Calls: total, Failures: failures}
	if st == StateOpen {
		snap.OpenUntil = b.openUntil
	}
	return snap
}
