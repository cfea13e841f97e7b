package dht

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"meshcore/internal/identity"
	"meshcore/internal/lookup"
	"meshcore/internal/metrics"
	"meshcore/internal/routing"
)

const (
	// DefaultRepublishLead is how far before expiry a record is pushed to the
	// then-current closest set again.
	DefaultRepublishLead = 10 * time.Minute
	DefaultValueTTL      = time.Hour
)

// Client pushes a record to a remote holder. Implemented by the daemon's
// frame RPC layer.
type Client interface {
	StoreAt(ctx context.Context, peer routing.NodeInfo, e Entry) error
}

// DeriveKey maps arbitrary application bytes into DHT keyspace.
func DeriveKey(raw []byte) identity.NodeID {
	return identity.NodeID(sha3.Sum512(raw))
}

type Options struct {
	K             int
	RepublishLead time.Duration
	PubKey        []byte
	PrivKey       []byte
	Metrics       *metrics.Metrics
	Clock         clock.Clock
	Logger        *zap.Logger
}

// DHT combines the local store, the lookup engine and the remote store
// client into the node's replicated storage view.
type DHT struct {
	self   identity.NodeID
	table  *routing.Table
	engine *lookup.Engine
	store  *Store
	client Client
	k      int
	lead   time.Duration
	pub    []byte
	priv   []byte
	met    *metrics.Metrics
	clock  clock.Clock
	log    *zap.Logger
}

func New(table *routing.Table, engine *lookup.Engine, store *Store, client Client, opts Options) *DHT {
	k := opts.K
	if k <= 0 {
		k = routing.K
	}
	lead := opts.RepublishLead
	if lead <= 0 {
		lead = DefaultRepublishLead
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &DHT{
		self:   table.Self(),
		table:  table,
		engine: engine,
		store:  store,
		client: client,
		k:      k,
		lead:   lead,
		pub:    opts.PubKey,
		priv:   opts.PrivKey,
		met:    met,
		clock:  clk,
		log:    log,
	}
}

func (d *DHT) Store() *Store { return d.store }

// Sign builds a locally published entry for key/value with the given ttl.
func (d *DHT) Sign(key identity.NodeID, value []byte, ttl time.Duration) (Entry, error) {
	if ttl <= 0 {
		ttl = DefaultValueTTL
	}
	now := d.clock.Now()
	expires := now.Add(ttl)
	sig, err := identity.Sign(d.priv, RecordBytes(key, value, expires))
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:          key,
		Value:        value,
		Publisher:    d.self,
		PublisherKey: d.pub,
		Signature:    sig,
		StoredAt:     now,
		ExpiresAt:    expires,
	}, nil
}

// Publish signs and places a value at the k nodes currently closest to key,
// keeping a local copy so the republisher can renew it. Succeeds if at least
// one placement (local counts) landed.
func (d *DHT) Publish(ctx context.Context, key identity.NodeID, value []byte, ttl time.Duration) error {
	e, err := d.Sign(key, value, ttl)
	if err != nil {
		return err
	}
	if err := d.store.Put(e); err != nil {
		return err
	}
	d.replicate(ctx, e)
	d.met.IncDHTPublished()
	return nil
}

// HandleStore processes a remote STORE request against the local shard.
func (d *DHT) HandleStore(e Entry) error {
	err := d.store.Put(e)
	if err != nil {
		d.log.Debug("store rejected",
			zap.String("key", e.Key.Short()),
			zap.String("publisher", e.Publisher.Short()),
			zap.Error(err))
	}
	return err
}

// FindValue returns the first verified, unexpired value for key: the local
// shard first, then an iterative walk toward the key.
func (d *DHT) FindValue(ctx context.Context, key identity.NodeID) ([]byte, error) {
	if e, ok := d.store.Get(key); ok && VerifyEntry(e) {
		d.met.IncDHTFound()
		return e.Value, nil
	}
	value, _, err := d.engine.FindValue(ctx, key, func(k identity.NodeID, raw []byte) bool {
		e, ok := DecodeEntry(raw)
		if !ok || e.Key != k {
			return false
		}
		return !e.Expired(d.clock.Now()) && VerifyEntry(e)
	})
	if err != nil {
		if err == lookup.ErrNotFound || err == lookup.ErrExhausted {
			d.met.IncDHTNotFound()
			return nil, ErrNotFound
		}
		return nil, err
	}
	e, _ := DecodeEntry(value)
	d.met.IncDHTFound()
	return e.Value, nil
}

// Republish renews records published by this node that expire within the
// lead window, targeting the now-closest node set.
func (d *DHT) Republish(ctx context.Context) {
	for _, e := range d.store.Expiring(d.lead) {
		if e.Publisher != d.self {
			// Held on behalf of another publisher: re-replicate as-is so the
			// record survives churn until its signed expiry.
			d.replicate(ctx, e)
			continue
		}
		renewed, err := d.Sign(e.Key, e.Value, e.ExpiresAt.Sub(e.StoredAt))
		if err != nil {
			continue
		}
		if err := d.store.Put(renewed); err != nil {
			continue
		}
		d.replicate(ctx, renewed)
	}
}

// replicate pushes an entry to the k closest peers. Individual failures are
// tolerated; the table learns about unreachable holders.
func (d *DHT) replicate(ctx context.Context, e Entry) {
	if d.client == nil {
		return
	}
	closest, err := d.engine.FindNode(ctx, e.Key)
	if err != nil {
		closest = d.table.KClosest(e.Key, d.k)
	}
	stored := 0
	for _, peer := range closest {
		if peer.ID == d.self {
			continue
		}
		if err := d.client.StoreAt(ctx, peer, e); err != nil {
			d.table.MarkFailure(peer.ID)
			continue
		}
		stored++
	}
	d.log.Debug("replicated",
		zap.String("key", e.Key.Short()),
		zap.Int("holders", stored))
}
