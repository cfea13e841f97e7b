package routing

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshcore/internal/identity"
)

const (
	// K is the bucket capacity.
	K = 20
	// ReplacementCap bounds the per-bucket replacement cache.
	ReplacementCap = 4

	// Diversity limits per bucket (eclipse defense).
	MaxPerNetPrefix = 2
	MaxPerIDPrefix  = 3

	numBuckets = identity.IDSize * 8

	DefaultRefreshIdle = time.Hour
	DefaultPingTimeout = 3 * time.Second
	maxFailures        = 5
)

var (
	ErrSelf           = errors.New("cannot insert local id")
	ErrNoProofOfWork  = errors.New("missing or invalid proof-of-work")
	ErrNetPrefixLimit = errors.New("too many peers from network prefix")
	ErrIDPrefixLimit  = errors.New("too many peers sharing id prefix")
	ErrBucketFull     = errors.New("bucket full, parked in replacement cache")
)

// Pinger checks whether a peer still answers. Used before evicting the
// least-recently-seen entry of a full bucket.
type Pinger interface {
	Ping(ctx context.Context, info NodeInfo) bool
}

// AdmissionFunc gates insertion. The default requires proof-of-work on the
// candidate id.
type AdmissionFunc func(id identity.NodeID, nonce uint64) bool

// ReputationFunc scores a peer for replacement-cache ordering. Pluggable; the
// scoring formula is deliberately not fixed by the table.
type ReputationFunc func(info NodeInfo) float64

// DefaultReputation favors recently seen peers and punishes failures.
func DefaultReputation(info NodeInfo) float64 {
	return info.Reputation - 0.2*float64(info.Failures)
}

type Options struct {
	K              int
	ReplacementCap int
	PoWBits        uint8
	Admit          AdmissionFunc
	Pinger         Pinger
	Reputation     ReputationFunc
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Table is the routing table. Each bucket carries its own lock so unrelated
// distance ranges never block each other.
type Table struct {
	self    identity.NodeID
	k       int
	replCap int
	admit   AdmissionFunc
	pinger  Pinger
	repute  ReputationFunc
	clock   clock.Clock
	log     *zap.Logger
	buckets [numBuckets]bucket
}

type bucket struct {
	mu sync.Mutex
	// entries ordered least-recently-seen first.
	entries     []NodeInfo
	replacement []NodeInfo
	lastTouched time.Time
	pinging     bool
}

func NewTable(self identity.NodeID, opts Options) *Table {
	k := opts.K
	if k <= 0 {
		k = K
	}
	replCap := opts.ReplacementCap
	if replCap <= 0 {
		replCap = ReplacementCap
	}
	admit := opts.Admit
	if admit == nil {
		bits := opts.PoWBits
		admit = func(id identity.NodeID, nonce uint64) bool {
			return identity.CheckPoW(id, nonce, bits)
		}
	}
	repute := opts.Reputation
	if repute == nil {
		repute = DefaultReputation
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		self:    self,
		k:       k,
		replCap: replCap,
		admit:   admit,
		pinger:  opts.Pinger,
		repute:  repute,
		clock:   clk,
		log:     log,
	}
}

func (t *Table) Self() identity.NodeID { return t.self }

func (t *Table) bucketIndex(id identity.NodeID) int {
	pl := identity.PrefixLen(t.self, id)
	if pl >= numBuckets {
		pl = numBuckets - 1
	}
	return pl
}

// AddOrUpdate inserts or refreshes a peer. Known peers move to
// most-recently-seen. A full bucket pings its least-recently-seen entry: if
// it answers the newcomer is parked in the replacement cache, otherwise it is
// evicted and the newcomer inserted. Inserts without valid proof-of-work or
// past the diversity limits are rejected.
func (t *Table) AddOrUpdate(ctx context.Context, info NodeInfo) error {
	if info.ID == t.self {
		return ErrSelf
	}
	if !t.admit(info.ID, info.PoWNonce) {
		t.log.Debug("peer rejected: proof-of-work", zap.String("peer", info.ID.Short()))
		return ErrNoProofOfWork
	}
	now := t.clock.Now()
	if info.LastSeen.IsZero() {
		info.LastSeen = now
	}
	b := &t.buckets[t.bucketIndex(info.ID)]

	b.mu.Lock()
	b.lastTouched = now
	if i := indexOf(b.entries, info.ID); i >= 0 {
		merged := mergeInfo(b.entries[i], info, now)
		b.entries = append(append(b.entries[:i], b.entries[i+1:]...), merged)
		b.mu.Unlock()
		return nil
	}
	if err := t.checkDiversityLocked(b, info); err != nil {
		b.mu.Unlock()
		t.log.Debug("peer rejected: diversity", zap.String("peer", info.ID.Short()), zap.Error(err))
		return err
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, info)
		b.mu.Unlock()
		return nil
	}
	if t.pinger == nil || b.pinging {
		t.parkLocked(b, info)
		b.mu.Unlock()
		return ErrBucketFull
	}
	b.pinging = true
	lrs := b.entries[0]
	b.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	alive := t.pinger.Ping(pingCtx, lrs)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinging = false
	i := indexOf(b.entries, lrs.ID)
	if alive {
		if i >= 0 {
			moved := b.entries[i]
			moved.LastSeen = t.clock.Now()
			b.entries = append(append(b.entries[:i], b.entries[i+1:]...), moved)
		}
		t.parkLocked(b, info)
		return ErrBucketFull
	}
	if i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, info)
		return nil
	}
	t.parkLocked(b, info)
	return ErrBucketFull
}

func mergeInfo(old, fresh NodeInfo, now time.Time) NodeInfo {
	merged := fresh
	merged.LastSeen = now
	merged.Failures = 0
	if len(merged.Addresses) == 0 {
		merged.Addresses = old.Addresses
	}
	if len(merged.PubKey) == 0 {
		merged.PubKey = old.PubKey
	}
	if merged.RTT == 0 {
		merged.RTT = old.RTT
	}
	return merged
}

func (t *Table) checkDiversityLocked(b *bucket, info NodeInfo) error {
	var idShared int
	for _, e := range b.entries {
		if e.ID[0] == info.ID[0] && e.ID[1] == info.ID[1] {
			idShared++
		}
	}
	if idShared >= MaxPerIDPrefix {
		return ErrIDPrefixLimit
	}
	prefixes := info.netPrefixes()
	if len(prefixes) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, e := range b.entries {
		for _, p := range e.netPrefixes() {
			counts[p]++
		}
	}
	for _, p := range prefixes {
		if counts[p] >= MaxPerNetPrefix {
			return ErrNetPrefixLimit
		}
	}
	return nil
}

// parkLocked stores a candidate in the replacement cache, evicting the
// lowest-reputation entry when full.
func (t *Table) parkLocked(b *bucket, info NodeInfo) {
	if i := indexOf(b.replacement, info.ID); i >= 0 {
		b.replacement[i] = info
		return
	}
	if len(b.replacement) < t.replCap {
		b.replacement = append(b.replacement, info)
		return
	}
	worst := 0
	for i := 1; i < len(b.replacement); i++ {
		if t.repute(b.replacement[i]) < t.repute(b.replacement[worst]) {
			worst = i
		}
	}
	if t.repute(info) > t.repute(b.replacement[worst]) {
		b.replacement[worst] = info
	}
}

// Remove drops a peer and promotes the best replacement-cache candidate.
func (t *Table) Remove(id identity.NodeID) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := indexOf(b.entries, id)
	if i < 0 {
		return
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if len(b.replacement) == 0 {
		return
	}
	best := 0
	for j := 1; j < len(b.replacement); j++ {
		if t.repute(b.replacement[j]) > t.repute(b.replacement[best]) {
			best = j
		}
	}
	promoted := b.replacement[best]
	b.replacement = append(b.replacement[:best], b.replacement[best+1:]...)
	if t.checkDiversityLocked(b, promoted) == nil {
		b.entries = append(b.entries, promoted)
	}
}

// MarkFailure counts a delivery or query failure; peers past the limit are
// dropped.
func (t *Table) MarkFailure(id identity.NodeID) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	i := indexOf(b.entries, id)
	if i < 0 {
		b.mu.Unlock()
		return
	}
	b.entries[i].Failures++
	drop := b.entries[i].Failures >= maxFailures
	b.mu.Unlock()
	if drop {
		t.Remove(id)
	}
}

// MarkSeen refreshes liveness accounting for a peer after successful contact.
func (t *Table) MarkSeen(id identity.NodeID, rtt time.Duration) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := indexOf(b.entries, id)
	if i < 0 {
		return
	}
	e := b.entries[i]
	e.LastSeen = t.clock.Now()
	e.Failures = 0
	if rtt > 0 {
		e.RTT = rtt
	}
	b.entries = append(append(b.entries[:i], b.entries[i+1:]...), e)
}

func (t *Table) Get(id identity.NodeID) (NodeInfo, bool) {
	b := &t.buckets[t.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := indexOf(b.entries, id); i >= 0 {
		return b.entries[i], true
	}
	return NodeInfo{}, false
}

// KClosest returns up to k peers in ascending XOR distance from target.
func (t *Table) KClosest(target identity.NodeID, k int) []NodeInfo {
	if k <= 0 {
		k = t.k
	}
	var all []NodeInfo
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		all = append(all, b.entries...)
		b.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		return identity.Closer(target, all[i].ID, all[j].ID)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

// RefreshTargets returns a random id inside each idle, populated distance
// range. The caller runs a lookup for each to keep buckets fresh.
func (t *Table) RefreshTargets(idle time.Duration) []identity.NodeID {
	now := t.clock.Now()
	var out []identity.NodeID
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		stale := len(b.entries) > 0 && now.Sub(b.lastTouched) >= idle
		if stale {
			b.lastTouched = now
		}
		b.mu.Unlock()
		if stale {
			out = append(out, t.randomIDInBucket(i))
		}
	}
	return out
}

// randomIDInBucket builds an id sharing exactly idx prefix bits with the
// local id.
func (t *Table) randomIDInBucket(idx int) identity.NodeID {
	id := t.self
	var tail [identity.IDSize]byte
	_, _ = rand.Read(tail[:])
	byteIdx := idx / 8
	bitIdx := idx % 8
	// Flip the first differing bit, randomize everything after it.
	id[byteIdx] ^= 0x80 >> bitIdx
	for b := bitIdx + 1; b < 8; b++ {
		mask := byte(0x80 >> b)
		id[byteIdx] = id[byteIdx]&^mask | tail[byteIdx]&mask
	}
	for i := byteIdx + 1; i < identity.IDSize; i++ {
		id[i] = tail[i]
	}
	return id
}

func indexOf(entries []NodeInfo, id identity.NodeID) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
