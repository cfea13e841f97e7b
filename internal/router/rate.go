package router

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"meshcore/internal/identity"
)

// Rate control defaults.
const (
	DefaultWindowLimit = 100 // accepted frames per sliding window
	DefaultWindow      = time.Minute
	DefaultBurstLimit  = 20 // accepted frames per burst window
	DefaultBurstWindow = 5 * time.Second
	DefaultPenalty     = 10 * time.Minute
)

const rateShards = 64

// Verdict is the rate controller's decision for one frame.
type Verdict uint8

const (
	VerdictOK Verdict = iota
	VerdictBurst
	VerdictSuspended
)

type LimiterOptions struct {
	WindowLimit int
	Window      time.Duration
	BurstLimit  int
	BurstWindow time.Duration
	Penalty     time.Duration
	Clock       clock.Clock
}

// Limiter tracks per-source send rates. State is striped across shards so
// unrelated sources never contend on one lock.
type Limiter struct {
	opts   LimiterOptions
	clock  clock.Clock
	shards [rateShards]rateShard
}

type rateShard struct {
	mu      sync.Mutex
	sources map[identity.NodeID]*sourceState
}

type sourceState struct {
	window         []time.Time // accepted frames within opts.Window
	burst          []time.Time // accepted frames within opts.BurstWindow
	suspendedUntil time.Time
	lastActivity   time.Time
}

func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.WindowLimit <= 0 {
		opts.WindowLimit = DefaultWindowLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.BurstLimit <= 0 {
		opts.BurstLimit = DefaultBurstLimit
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = DefaultBurstWindow
	}
	if opts.Penalty <= 0 {
		opts.Penalty = DefaultPenalty
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := &Limiter{opts: opts, clock: opts.Clock}
	for i := range l.shards {
		l.shards[i].sources = make(map[identity.NodeID]*sourceState)
	}
	return l
}

func (l *Limiter) shard(src identity.NodeID) *rateShard {
	return &l.shards[src[0]%rateShards]
}

// Allow records one arrival from src and decides whether it may proceed.
// Exceeding the window limit suspends the source for the penalty duration;
// the suspension clears itself and the source starts fresh.
func (l *Limiter) Allow(src identity.NodeID) Verdict {
	now := l.clock.Now()
	sh := l.shard(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sources[src]
	if !ok {
		st = &sourceState{}
		sh.sources[src] = st
	}
	st.lastActivity = now

	if !st.suspendedUntil.IsZero() {
		if now.Before(st.suspendedUntil) {
			return VerdictSuspended
		}
		*st = sourceState{lastActivity: now}
	}

	st.window = pruneBefore(st.window, now.Add(-l.opts.Window))
	if len(st.window) >= l.opts.WindowLimit {
		st.suspendedUntil = now.Add(l.opts.Penalty)
		st.window = nil
		st.burst = nil
		return VerdictSuspended
	}

	st.burst = pruneBefore(st.burst, now.Add(-l.opts.BurstWindow))
	if len(st.burst) >= l.opts.BurstLimit {
		return VerdictBurst
	}

	st.window = append(st.window, now)
	st.burst = append(st.burst, now)
	return VerdictOK
}

// Suspended reports whether src is currently under penalty.
func (l *Limiter) Suspended(src identity.NodeID) bool {
	now := l.clock.Now()
	sh := l.shard(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.sources[src]
	return ok && now.Before(st.suspendedUntil)
}

// Prune drops state for sources idle longer than maxIdle. Suspended
// sources are kept until the penalty lapses.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	now := l.clock.Now()
	cutoff := now.Add(-maxIdle)
	var removed int
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for src, st := range sh.sources {
			if st.lastActivity.Before(cutoff) && !now.Before(st.suspendedUntil) {
				delete(sh.sources, src)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0], times[idx:]...)
}
