package daemon

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshcore/internal/adapter"
	"meshcore/internal/dht"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/routing"
)

const (
	rpcTimeout  = 3 * time.Second
	rpcTTL      = 8
	rpcPriority = 160 // control-plane traffic rides the high band
)

var (
	errRPCTimeout     = errors.New("rpc: no response")
	errRPCUnreachable = errors.New("rpc: peer unreachable")
	errRPCRejected    = errors.New("rpc: request rejected")
)

// Query operations carried in DHT_QUERY frames.
const (
	opFindNode  = "find_node"
	opFindValue = "find_value"
)

type queryBody struct {
	Op     string          `json:"op"`
	Target identity.NodeID `json:"target"`
}

type responseBody struct {
	ReqID string                   `json:"req_id"`
	Nodes []routing.PublicNodeInfo `json:"nodes,omitempty"`
	Value []byte                   `json:"value,omitempty"`
	OK    bool                     `json:"ok"`
}

type discoveryBody struct {
	Info routing.PublicNodeInfo `json:"info"`
	Ack  bool                   `json:"ack,omitempty"`
}

func fromPublic(pubs []routing.PublicNodeInfo) []routing.NodeInfo {
	out := make([]routing.NodeInfo, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, routing.FromPublic(p))
	}
	return out
}

// rpc speaks the request/response frame types to individual peers: DHT
// queries, store pushes, and liveness probes. Responses come back through
// the router pipeline and are matched to waiters by request message id.
// It implements lookup.Querier, dht.Client, and routing.Pinger.
type rpc struct {
	self    identity.NodeID
	priv    ed25519.PrivateKey
	reg     *adapter.Registry
	clock   clock.Clock
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[frame.MessageID]chan responseBody
	seq     atomic.Uint64
}

func newRPC(self identity.NodeID, priv ed25519.PrivateKey, reg *adapter.Registry, clk clock.Clock, log *zap.Logger) *rpc {
	return &rpc{
		self:    self,
		priv:    priv,
		reg:     reg,
		clock:   clk,
		log:     log,
		timeout: rpcTimeout,
		pending: make(map[frame.MessageID]chan responseBody),
	}
}

func (c *rpc) FindNode(ctx context.Context, peer routing.NodeInfo, target identity.NodeID) ([]routing.NodeInfo, error) {
	payload, err := json.Marshal(queryBody{Op: opFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, peer, frame.TypeDHTQuery, payload)
	if err != nil {
		return nil, err
	}
	return fromPublic(resp.Nodes), nil
}

func (c *rpc) FindValue(ctx context.Context, peer routing.NodeInfo, key identity.NodeID) ([]byte, []routing.NodeInfo, error) {
	payload, err := json.Marshal(queryBody{Op: opFindValue, Target: key})
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.call(ctx, peer, frame.TypeDHTQuery, payload)
	if err != nil {
		return nil, nil, err
	}
	return resp.Value, fromPublic(resp.Nodes), nil
}

func (c *rpc) StoreAt(ctx context.Context, peer routing.NodeInfo, e dht.Entry) error {
	resp, err := c.call(ctx, peer, frame.TypeDHTStore, dht.EncodeEntry(e))
	if err != nil {
		return err
	}
	if !resp.OK {
		return errRPCRejected
	}
	return nil
}

// Ping satisfies routing.Pinger: the table probes the least-recently-seen
// bucket entry before evicting it.
func (c *rpc) Ping(ctx context.Context, info routing.NodeInfo) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.call(ctx, info, frame.TypeTestRequest, []byte("ping"))
	return err == nil && resp.OK
}

func (c *rpc) call(ctx context.Context, peer routing.NodeInfo, typ uint8, payload []byte) (responseBody, error) {
	route, ok := c.reg.BestRoute(peer.Addresses, rpcPriority, len(payload), false)
	if !ok {
		return responseBody{}, fmt.Errorf("%w: %s", errRPCUnreachable, peer.ID.Short())
	}

	f := &frame.Frame{
		Version:     frame.Version,
		Flags:       frame.FlagSigned,
		Type:        typ,
		Priority:    rpcPriority,
		TTL:         rpcTTL,
		Source:      c.self,
		Destination: peer.ID,
		Timestamp:   c.clock.Now().UnixMilli(),
		Payload:     payload,
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, c.seq.Add(1))
	sig, err := identity.Sign(c.priv, frame.SigningBytes(f))
	if err != nil {
		return responseBody{}, err
	}
	f.Signature = sig

	ch := make(chan responseBody, 1)
	c.mu.Lock()
	c.pending[f.MessageID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.MessageID)
		c.mu.Unlock()
	}()

	if _, err := c.reg.SendFrame(ctx, route.Adapter.Name(), route.Addr, f); err != nil {
		return responseBody{}, fmt.Errorf("%w: %v", errRPCUnreachable, err)
	}

	timer := c.clock.Timer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return responseBody{}, errRPCTimeout
	case <-ctx.Done():
		return responseBody{}, ctx.Err()
	}
}

// resolve hands an inbound response to its waiter. Responses for abandoned
// requests are dropped.
func (c *rpc) resolve(body responseBody) {
	raw, err := hex.DecodeString(body.ReqID)
	if err != nil || len(raw) != frame.MessageIDSize {
		return
	}
	var id frame.MessageID
	copy(id[:], raw)

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- body:
	default:
	}
}
