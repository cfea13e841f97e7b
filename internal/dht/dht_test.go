package dht_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"meshcore/internal/dht"
	"meshcore/internal/identity"
	"meshcore/internal/lookup"
	"meshcore/internal/metrics"
	"meshcore/internal/routing"
)

// cluster wires several DHT nodes together through in-memory query and store
// fan-out, standing in for the daemon's frame RPC.
type cluster struct {
	mu    sync.Mutex
	nodes map[identity.NodeID]*testNode
	clock *clock.Mock
}

type testNode struct {
	id    identity.NodeID
	table *routing.Table
	store *dht.Store
	dht   *dht.DHT
	met   *metrics.Metrics
}

type clusterPort struct {
	c *cluster
}

func (p clusterPort) FindNode(_ context.Context, peer routing.NodeInfo, target identity.NodeID) ([]routing.NodeInfo, error) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	n := p.c.nodes[peer.ID]
	return n.table.KClosest(target, routing.K), nil
}

func (p clusterPort) FindValue(_ context.Context, peer routing.NodeInfo, k identity.NodeID) ([]byte, []routing.NodeInfo, error) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	n := p.c.nodes[peer.ID]
	if e, ok := n.store.Get(k); ok {
		return dht.EncodeEntry(e), nil, nil
	}
	return nil, n.table.KClosest(k, routing.K), nil
}

func (p clusterPort) StoreAt(_ context.Context, peer routing.NodeInfo, e dht.Entry) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.nodes[peer.ID].store.Put(e)
}

func newCluster(t *testing.T, n int) (*cluster, []*testNode) {
	t.Helper()
	c := &cluster{nodes: make(map[identity.NodeID]*testNode), clock: clock.NewMock()}
	port := clusterPort{c: c}
	var nodes []*testNode
	admit := func(identity.NodeID, uint64) bool { return true }
	for i := 0; i < n; i++ {
		pub, priv, err := identity.GenKeypair()
		require.NoError(t, err)
		id := identity.DeriveNodeID(pub)
		table := routing.NewTable(id, routing.Options{Admit: admit, Clock: c.clock})
		store := dht.NewStore(dht.StoreOptions{Clock: c.clock})
		engine := lookup.NewEngine(table, port, lookup.Options{K: 4})
		node := &testNode{
			id:    id,
			table: table,
			store: store,
			met:   metrics.New(),
		}
		node.dht = dht.New(table, engine, store, port, dht.Options{
			K:       4,
			PubKey:  pub,
			PrivKey: priv,
			Clock:   c.clock,
			Metrics: node.met,
		})
		c.nodes[id] = node
		nodes = append(nodes, node)
	}
	// Full mesh of routing knowledge, as after discovery settles.
	for _, a := range nodes {
		for _, b := range nodes {
			if a.id != b.id {
				require.NoError(t, a.table.AddOrUpdate(context.Background(), routing.NodeInfo{ID: b.id}))
			}
		}
	}
	return c, nodes
}

func TestPublishThenRetrieveFromAnyNode(t *testing.T) {
	_, nodes := newCluster(t, 6)
	key := dht.DeriveKey([]byte("shared-key"))
	value := []byte("mesh value")

	require.NoError(t, nodes[0].dht.Publish(context.Background(), key, value, time.Hour))

	for i, n := range nodes {
		got, err := n.dht.FindValue(context.Background(), key)
		require.NoError(t, err, "node %d", i)
		require.Equal(t, value, got, "node %d", i)
	}
}

func TestFindValueAfterExpiry(t *testing.T) {
	c, nodes := newCluster(t, 4)
	key := dht.DeriveKey([]byte("ephemeral"))
	require.NoError(t, nodes[0].dht.Publish(context.Background(), key, []byte("v"), time.Hour))

	c.clock.Add(2 * time.Hour)
	for _, n := range nodes {
		n.store.Sweep()
	}
	_, err := nodes[1].dht.FindValue(context.Background(), key)
	require.ErrorIs(t, err, dht.ErrNotFound)
}

func TestForgedStoreNotRetrievable(t *testing.T) {
	_, nodes := newCluster(t, 4)
	key := dht.DeriveKey([]byte("target-key"))

	pub, priv, err := identity.GenKeypair()
	require.NoError(t, err)
	sig, err := identity.Sign(priv, dht.RecordBytes(key, []byte("honest"), time.Unix(9999999999, 0)))
	require.NoError(t, err)
	forged := dht.Entry{
		Key:          key,
		Value:        []byte("forged"), // signature covers "honest"
		Publisher:    identity.DeriveNodeID(pub),
		PublisherKey: pub,
		Signature:    sig,
		ExpiresAt:    time.Unix(9999999999, 0),
	}
	require.ErrorIs(t, nodes[0].dht.HandleStore(forged), dht.ErrBadSignature)

	_, err = nodes[1].dht.FindValue(context.Background(), key)
	require.ErrorIs(t, err, dht.ErrNotFound)
}

func TestRepublishRenewsOwnRecords(t *testing.T) {
	c, nodes := newCluster(t, 4)
	key := dht.DeriveKey([]byte("renewable"))
	require.NoError(t, nodes[0].dht.Publish(context.Background(), key, []byte("v"), time.Hour))

	// Move to just inside the republish lead window and renew.
	c.clock.Add(55 * time.Minute)
	nodes[0].dht.Republish(context.Background())

	// The original TTL would have lapsed here; the renewed record survives.
	c.clock.Add(30 * time.Minute)
	got, err := nodes[2].dht.FindValue(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestPublishPlacesAtClosestNodes(t *testing.T) {
	_, nodes := newCluster(t, 6)
	key := dht.DeriveKey([]byte("placement"))
	require.NoError(t, nodes[0].dht.Publish(context.Background(), key, []byte("v"), time.Hour))

	holders := 0
	for _, n := range nodes {
		if _, ok := n.store.Get(key); ok {
			holders++
		}
	}
	require.GreaterOrEqual(t, holders, 2, "expected replication across closest nodes")
}

func TestCountersTrackPublishAndRetrieval(t *testing.T) {
	_, nodes := newCluster(t, 4)
	key := dht.DeriveKey([]byte("observed"))

	require.NoError(t, nodes[0].dht.Publish(context.Background(), key, []byte("v"), time.Hour))
	require.Equal(t, uint64(1), nodes[0].met.Snapshot().DHT.Published)

	// Local hit on the publisher, remote hit on a peer.
	_, err := nodes[0].dht.FindValue(context.Background(), key)
	require.NoError(t, err)
	_, err = nodes[1].dht.FindValue(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nodes[0].met.Snapshot().DHT.Found)
	require.Equal(t, uint64(1), nodes[1].met.Snapshot().DHT.Found)

	_, err = nodes[2].dht.FindValue(context.Background(), dht.DeriveKey([]byte("absent")))
	require.Error(t, err)
	require.Equal(t, uint64(1), nodes[2].met.Snapshot().DHT.NotFound)
}
