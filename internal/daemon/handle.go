package daemon

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/dht"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/router"
	"meshcore/internal/routing"
)

// handleFrame is the router's local-delivery sink. It runs on the queue
// drain goroutine, so handlers must not block.
func (r *Runner) handleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeData:
		select {
		case r.inbox <- f:
		default:
			r.log.Warn("application inbox full, dropping frame",
				zap.String("id", f.MessageID.Hex()))
		}
	case frame.TypeDiscovery:
		// Admission may ping a bucket's least-recently-seen peer, and that
		// ping's response rides the very queue this goroutine drains. A
		// worker keeps the pipeline moving.
		select {
		case r.discov <- f:
		default:
			r.log.Debug("discovery backlog full, dropping frame",
				zap.String("id", f.MessageID.Hex()))
		}
	case frame.TypeDHTQuery:
		r.handleDHTQuery(f)
	case frame.TypeDHTStore:
		r.handleDHTStore(f)
	case frame.TypeDHTResponse, frame.TypeTestResponse:
		var body responseBody
		if err := json.Unmarshal(f.Payload, &body); err == nil {
			r.rpc.resolve(body)
		}
	case frame.TypeTestRequest:
		r.reply(f, frame.TypeTestResponse, responseBody{
			ReqID: f.MessageID.Hex(),
			OK:    true,
		})
	case frame.TypeControl:
		r.handleControl(f)
	case frame.TypeHeartbeat:
		r.table.MarkSeen(f.Source, 0)
	default:
		r.log.Debug("unhandled frame type", zap.Uint8("type", f.Type))
	}
}

// admitDiscovery admits a peer that introduces itself. The payload carries
// the peer's own key, so the frame signature is checked here rather than in
// the generic inbound path. Runs on the discovery worker, never on the
// queue drain goroutine.
func (r *Runner) admitDiscovery(ctx context.Context, f *frame.Frame) {
	var body discoveryBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		r.met.IncDropInvalid()
		return
	}
	if body.Info.ID == r.self {
		return
	}
	if identity.DeriveNodeID(body.Info.PubKey) != body.Info.ID || body.Info.ID != f.Source {
		r.met.IncDropInvalid()
		r.met.RecordDrop(f.MessageID.Hex(), "discovery_key_mismatch")
		return
	}
	if !identity.Verify(body.Info.PubKey, frame.SigningBytes(f), f.Signature) {
		r.met.IncDropInvalid()
		r.met.RecordDrop(f.MessageID.Hex(), "bad_signature")
		return
	}

	info := routing.FromPublic(body.Info)
	// Prefer the address the frame actually arrived from over whatever the
	// peer advertised. NAT can make the two differ.
	if o, ok := r.origins.Get(f.MessageID); ok {
		info.Addresses = append([]routing.Address{{Adapter: o.adapter, Addr: o.addr}}, info.Addresses...)
	}
	admitCtx, cancel := context.WithTimeout(ctx, routing.DefaultPingTimeout+time.Second)
	err := r.table.AddOrUpdate(admitCtx, info)
	cancel()
	if err != nil {
		r.log.Debug("discovery peer not admitted",
			zap.String("peer", body.Info.ID.Short()),
			zap.Error(err))
		return
	}
	if !body.Ack {
		if o, ok := r.origins.Get(f.MessageID); ok {
			_ = r.sendDiscovery(ctx, o.adapter, o.addr, true)
		}
	}
}

func (r *Runner) handleDHTQuery(f *frame.Frame) {
	var q queryBody
	if err := json.Unmarshal(f.Payload, &q); err != nil {
		r.met.IncDropInvalid()
		return
	}
	resp := responseBody{ReqID: f.MessageID.Hex(), OK: true}
	switch q.Op {
	case opFindValue:
		if e, ok := r.dht.Store().Get(q.Target); ok {
			resp.Value = dht.EncodeEntry(e)
			break
		}
		resp.Nodes = r.closestPublic(q.Target)
	case opFindNode:
		resp.Nodes = r.closestPublic(q.Target)
	default:
		resp.OK = false
	}
	r.reply(f, frame.TypeDHTResponse, resp)
}

func (r *Runner) handleDHTStore(f *frame.Frame) {
	resp := responseBody{ReqID: f.MessageID.Hex()}
	if e, ok := dht.DecodeEntry(f.Payload); ok && r.dht.HandleStore(e) == nil {
		resp.OK = true
		r.met.IncDHTStored()
	} else {
		r.met.IncDHTStoreRejected()
	}
	r.reply(f, frame.TypeDHTResponse, resp)
}

// handleControl clears offline-cached frames on acknowledgement. Only the
// cached frame's destination may ack it: the acker must match, and the ack
// payload must carry a valid signature under that destination's key. A
// relay that merely saw the frame cannot forge either.
func (r *Runner) handleControl(f *frame.Frame) {
	if f.Flags&frame.FlagAck == 0 {
		return
	}
	id, ok := router.ParseAck(f.Payload)
	if !ok {
		return
	}
	dest, ok := r.router.Offline().Destination(id)
	if !ok || dest != f.Source {
		return
	}
	info, ok := r.table.Get(dest)
	if !ok || len(info.PubKey) == 0 || !router.VerifyAck(info.PubKey, f.Payload) {
		r.met.RecordDrop(f.MessageID.Hex(), "unverified_ack")
		return
	}
	if n := r.router.Offline().MarkDelivered([]frame.MessageID{id}); n > 0 {
		r.log.Debug("cached frame acknowledged", zap.String("id", id.Hex()))
	}
}

func (r *Runner) closestPublic(target identity.NodeID) []routing.PublicNodeInfo {
	infos := r.table.KClosest(target, r.cfg.Routing.K)
	out := make([]routing.PublicNodeInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Public())
	}
	return out
}

// selfInfo is the record this node shares when introducing itself.
func (r *Runner) selfInfo() routing.NodeInfo {
	info := routing.NodeInfo{
		ID:           r.self,
		PubKey:       r.pub,
		Capabilities: routing.CapRelay | routing.CapStorage,
		PoWNonce:     r.nonce,
		LastSeen:     r.clock.Now(),
	}
	for _, a := range r.reg.All() {
		addr := a.LocalAddress()
		if addr == "" {
			continue
		}
		info.Addresses = append(info.Addresses, routing.Address{
			Adapter: a.Name(),
			Addr:    addr,
			Private: a.Capabilities().Anonymous,
		})
	}
	return info
}

// reply answers a request frame, preferring the transport address it came
// in on and falling back to the routing table.
func (r *Runner) reply(req *frame.Frame, typ uint8, body responseBody) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	f := r.newSignedFrame(typ, req.Source, payload)
	if f == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if o, ok := r.origins.Get(req.MessageID); ok {
		if _, err := r.reg.SendFrame(ctx, o.adapter, o.addr, f); err == nil {
			return
		}
	}
	if info, ok := r.table.Get(req.Source); ok {
		if route, ok := r.reg.BestRoute(info.Addresses, f.Priority, len(payload), false); ok {
			_, _ = r.reg.SendFrame(ctx, route.Adapter.Name(), route.Addr, f)
		}
	}
}

// sendDiscovery introduces this node to one transport address.
func (r *Runner) sendDiscovery(ctx context.Context, adapterName, addr string, ack bool) error {
	payload, err := json.Marshal(discoveryBody{Info: r.selfInfo().Public(), Ack: ack})
	if err != nil {
		return err
	}
	f := r.newSignedFrame(frame.TypeDiscovery, identity.Broadcast, payload)
	if f == nil {
		return errRPCUnreachable
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	_, err = r.reg.SendFrame(ctx, adapterName, addr, f)
	return err
}

func (r *Runner) newSignedFrame(typ uint8, dest identity.NodeID, payload []byte) *frame.Frame {
	f := &frame.Frame{
		Version:     frame.Version,
		Flags:       frame.FlagSigned,
		Type:        typ,
		Priority:    rpcPriority,
		TTL:         rpcTTL,
		Source:      r.self,
		Destination: dest,
		Timestamp:   r.clock.Now().UnixMilli(),
		Payload:     payload,
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, r.rpc.seq.Add(1))
	sig, err := identity.Sign(r.priv, frame.SigningBytes(f))
	if err != nil {
		return nil
	}
	f.Signature = sig
	return f
}
