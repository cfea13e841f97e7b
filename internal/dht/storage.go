// Package dht layers a replicated, signature-checked key/value store on top
// of the lookup engine. Local entries live under hard per-publisher and
// node-wide quotas; remote placement targets the k nodes closest to the key.
package dht

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshcore/internal/identity"
)

const (
	DefaultMaxKeys  = 4096
	DefaultMaxBytes = 64 << 20
	DefaultMaxValue = 64 << 10

	// Each publisher may hold at most this fraction of the node caps.
	publisherQuotaDiv = 10
)

var (
	ErrBadSignature  = errors.New("record signature does not verify")
	ErrQuotaExceeded = errors.New("publisher quota exceeded")
	ErrStoreFull     = errors.New("storage at capacity")
	ErrValueTooLarge = errors.New("value exceeds limit")
	ErrNotFound      = errors.New("key not found")
)

// Entry is one stored record. The signature covers RecordBytes(key, value,
// expiry) under the publisher's key; PublisherKey must derive to Publisher.
type Entry struct {
	Key          identity.NodeID    `json:"key"`
	Value        []byte             `json:"value"`
	Publisher    identity.NodeID    `json:"publisher"`
	PublisherKey []byte             `json:"publisher_key"`
	Signature    identity.Signature `json:"signature"`
	StoredAt     time.Time          `json:"stored_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// RecordBytes is the canonical byte string a publisher signs.
func RecordBytes(key identity.NodeID, value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 0, identity.IDSize+len(value)+8)
	buf = append(buf, key[:]...)
	buf = append(buf, value...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiresAt.UnixMilli()))
	buf = append(buf, ts[:]...)
	return buf
}

// VerifyEntry checks the publisher binding and record signature.
func VerifyEntry(e Entry) bool {
	if len(e.PublisherKey) != identity.PublicKeySize {
		return false
	}
	if identity.DeriveNodeID(e.PublisherKey) != e.Publisher {
		return false
	}
	return identity.Verify(e.PublisherKey, RecordBytes(e.Key, e.Value, e.ExpiresAt), e.Signature)
}

type usage struct {
	keys  int
	bytes int
}

type StoreOptions struct {
	MaxKeys  int
	MaxBytes int
	MaxValue int
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Store is the local storage shard. All access goes through its API; caps are
// enforced at insertion time.
type Store struct {
	mu       sync.Mutex
	entries  map[identity.NodeID]Entry
	perPub   map[identity.NodeID]usage
	maxKeys  int
	maxBytes int
	maxValue int
	curBytes int
	clock    clock.Clock
	log      *zap.Logger
}

func NewStore(opts StoreOptions) *Store {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	maxValue := opts.MaxValue
	if maxValue <= 0 {
		maxValue = DefaultMaxValue
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		entries:  make(map[identity.NodeID]Entry),
		perPub:   make(map[identity.NodeID]usage),
		maxKeys:  maxKeys,
		maxBytes: maxBytes,
		maxValue: maxValue,
		clock:    clk,
		log:      log,
	}
}

// Put accepts an entry only when its signature verifies and the publisher is
// within quota. Fails closed: a rejected entry leaves no partial state.
func (s *Store) Put(e Entry) error {
	if len(e.Value) > s.maxValue {
		return ErrValueTooLarge
	}
	if !VerifyEntry(e) {
		return ErrBadSignature
	}
	now := s.clock.Now()
	if e.Expired(now) {
		return ErrNotFound
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, replacing := s.entries[e.Key]
	keyDelta, byteDelta := 1, len(e.Value)
	if replacing {
		if prev.Publisher == e.Publisher {
			keyDelta = 0
			byteDelta = len(e.Value) - len(prev.Value)
		} else {
			// Different publisher overwriting: release the old owner first.
			s.release(prev)
		}
	}
	u := s.perPub[e.Publisher]
	if u.keys+keyDelta > s.maxKeys/publisherQuotaDiv || u.bytes+byteDelta > s.maxBytes/publisherQuotaDiv {
		if replacing && prev.Publisher != e.Publisher {
			s.charge(prev)
			s.entries[e.Key] = prev
		}
		return ErrQuotaExceeded
	}
	if !replacing && len(s.entries) >= s.maxKeys {
		return ErrStoreFull
	}
	if s.curBytes+byteDelta > s.maxBytes {
		return ErrStoreFull
	}
	if replacing && prev.Publisher == e.Publisher {
		s.release(prev)
	}
	s.charge(e)
	s.entries[e.Key] = e
	return nil
}

func (s *Store) charge(e Entry) {
	u := s.perPub[e.Publisher]
	u.keys++
	u.bytes += len(e.Value)
	s.perPub[e.Publisher] = u
	s.curBytes += len(e.Value)
}

func (s *Store) release(e Entry) {
	u := s.perPub[e.Publisher]
	u.keys--
	u.bytes -= len(e.Value)
	if u.keys <= 0 && u.bytes <= 0 {
		delete(s.perPub, e.Publisher)
	} else {
		s.perPub[e.Publisher] = u
	}
	s.curBytes -= len(e.Value)
}

// Get returns the entry for key. Expired entries are absent.
func (s *Store) Get(key identity.NodeID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.Expired(s.clock.Now()) {
		return Entry{}, false
	}
	return e, true
}

func (s *Store) Delete(key identity.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.release(e)
		delete(s.entries, key)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			s.release(e)
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Expiring returns live entries that expire within the lead window, oldest
// first. Used by the republisher.
func (s *Store) Expiring(lead time.Duration) []Entry {
	now := s.clock.Now()
	cutoff := now.Add(lead)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if !e.Expired(now) && e.ExpiresAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}
