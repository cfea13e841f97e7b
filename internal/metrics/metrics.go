package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DropRecord is one recently dropped frame, kept for operator inspection.
type DropRecord struct {
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Router      RouterMetrics `json:"router"`
	DHT         DHTMetrics    `json:"dht"`
	Recent      []DropRecord  `json:"recent_drops"`
}

type RouterMetrics struct {
	Delivered     uint64 `json:"delivered"`
	Sent          uint64 `json:"sent"`
	Forwarded     uint64 `json:"forwarded"`
	Cached        uint64 `json:"cached"`
	DropInvalid   uint64 `json:"drop_invalid"`
	DropStale     uint64 `json:"drop_stale"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropRate      uint64 `json:"drop_rate"`
	DropSuspended uint64 `json:"drop_suspended"`
	DropQueueFull uint64 `json:"drop_queue_full"`
	DropNoRoute   uint64 `json:"drop_no_route"`
	DropExpired   uint64 `json:"drop_expired"`
}

type DHTMetrics struct {
	Stored        uint64 `json:"stored"`
	StoreRejected uint64 `json:"store_rejected"`
	Published     uint64 `json:"published"`
	Found         uint64 `json:"found"`
	NotFound      uint64 `json:"not_found"`
}

type Metrics struct {
	delivered     atomic.Uint64
	sent          atomic.Uint64
	forwarded     atomic.Uint64
	cached        atomic.Uint64
	dropInvalid   atomic.Uint64
	dropStale     atomic.Uint64
	dropDuplicate atomic.Uint64
	dropRate      atomic.Uint64
	dropSuspended atomic.Uint64
	dropQueueFull atomic.Uint64
	dropNoRoute   atomic.Uint64
	dropExpired   atomic.Uint64

	dhtStored        atomic.Uint64
	dhtStoreRejected atomic.Uint64
	dhtPublished     atomic.Uint64
	dhtFound         atomic.Uint64
	dhtNotFound      atomic.Uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncDelivered() { m.delivered.Add(1) }
func (m *Metrics) IncSent()      { m.sent.Add(1) }
func (m *Metrics) IncForwarded() { m.forwarded.Add(1) }
func (m *Metrics) IncCached()    { m.cached.Add(1) }

func (m *Metrics) IncDropInvalid()   { m.dropInvalid.Add(1) }
func (m *Metrics) IncDropStale()     { m.dropStale.Add(1) }
func (m *Metrics) IncDropDuplicate() { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropRate()      { m.dropRate.Add(1) }
func (m *Metrics) IncDropSuspended() { m.dropSuspended.Add(1) }
func (m *Metrics) IncDropQueueFull() { m.dropQueueFull.Add(1) }
func (m *Metrics) IncDropNoRoute()   { m.dropNoRoute.Add(1) }
func (m *Metrics) IncDropExpired()   { m.dropExpired.Add(1) }

func (m *Metrics) IncDHTStored()        { m.dhtStored.Add(1) }
func (m *Metrics) IncDHTStoreRejected() { m.dhtStoreRejected.Add(1) }
func (m *Metrics) IncDHTPublished()     { m.dhtPublished.Add(1) }
func (m *Metrics) IncDHTFound()         { m.dhtFound.Add(1) }
func (m *Metrics) IncDHTNotFound()      { m.dhtNotFound.Add(1) }

func (m *Metrics) RecordDrop(messageID, reason string) {
	m.recent.Add(DropRecord{MessageID: messageID, Reason: reason, At: time.Now().UTC()})
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []DropRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Router: RouterMetrics{
			Delivered:     m.delivered.Load(),
			Sent:          m.sent.Load(),
			Forwarded:     m.forwarded.Load(),
			Cached:        m.cached.Load(),
			DropInvalid:   m.dropInvalid.Load(),
			DropStale:     m.dropStale.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
			DropRate:      m.dropRate.Load(),
			DropSuspended: m.dropSuspended.Load(),
			DropQueueFull: m.dropQueueFull.Load(),
			DropNoRoute:   m.dropNoRoute.Load(),
			DropExpired:   m.dropExpired.Load(),
		},
		DHT: DHTMetrics{
			Stored:        m.dhtStored.Load(),
			StoreRejected: m.dhtStoreRejected.Load(),
			Published:     m.dhtPublished.Load(),
			Found:         m.dhtFound.Load(),
			NotFound:      m.dhtNotFound.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Recent is a bounded FIFO of drop records.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []DropRecord
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(rec DropRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *Recent) List() []DropRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DropRecord, len(r.list))
	copy(out, r.list)
	return out
}
