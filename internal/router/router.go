package router

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshcore/internal/adapter"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/metrics"
	"meshcore/internal/routing"
)

const (
	DefaultFreshness = 5 * time.Minute
	DefaultAckTTL    = 8
	relayFanout      = 8 // closer candidates tried per forward
)

// Disposition is what finally happened to a frame.
type Disposition uint8

const (
	Enqueued  Disposition = iota + 1 // accepted, waiting in the priority queue
	Delivered                        // handed to the local application
	Sent                             // transmitted directly to the destination
	Forwarded                        // relayed toward a closer node
	Cached                           // parked in the offline cache
	Dropped
)

func (d Disposition) String() string {
	switch d {
	case Enqueued:
		return "enqueued"
	case Delivered:
		return "delivered"
	case Sent:
		return "sent"
	case Forwarded:
		return "forwarded"
	case Cached:
		return "cached"
	default:
		return "dropped"
	}
}

// DropReason classifies a Dropped outcome.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropInvalid
	DropStale
	DropDuplicate
	DropRateLimited
	DropSuspended
	DropQueueFull
	DropExpired
	DropNoRoute
)

func (r DropReason) String() string {
	switch r {
	case DropInvalid:
		return "invalid"
	case DropStale:
		return "stale"
	case DropDuplicate:
		return "duplicate"
	case DropRateLimited:
		return "rate_limited"
	case DropSuspended:
		return "suspended"
	case DropQueueFull:
		return "queue_full"
	case DropExpired:
		return "expired"
	case DropNoRoute:
		return "no_route"
	default:
		return "none"
	}
}

// Outcome is the typed result of one pipeline stage run.
type Outcome struct {
	Disposition Disposition
	Reason      DropReason
}

func dropped(reason DropReason) Outcome {
	return Outcome{Disposition: Dropped, Reason: reason}
}

type Options struct {
	Self     identity.NodeID
	PrivKey  ed25519.PrivateKey
	Table    *routing.Table
	Registry *adapter.Registry

	Dedup   *Dedup
	Limiter *Limiter
	Queue   *Queue
	Offline *OfflineCache

	Freshness time.Duration
	// Deliver receives frames addressed to this node. Required.
	Deliver func(*frame.Frame)
	// OnFailure is called when a cached frame that asked for an ack
	// finally expires undelivered. Optional.
	OnFailure func(*frame.Frame)

	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Router runs the frame pipeline. Process admits a frame into the priority
// queue; Dispatch takes a queued frame to its destination.
type Router struct {
	self    identity.NodeID
	priv    ed25519.PrivateKey
	table   *routing.Table
	reg     *adapter.Registry
	dedup   *Dedup
	limiter *Limiter
	queue   *Queue
	offline *OfflineCache

	freshness time.Duration
	deliver   func(*frame.Frame)
	onFailure func(*frame.Frame)

	met   *metrics.Metrics
	clock clock.Clock
	log   *zap.Logger
}

func New(opts Options) (*Router, error) {
	if opts.Dedup == nil {
		opts.Dedup = NewDedup(0, 0)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(LimiterOptions{Clock: opts.Clock})
	}
	if opts.Queue == nil {
		opts.Queue = NewQueue(0)
	}
	if opts.Offline == nil {
		var err error
		opts.Offline, err = NewOfflineCache(OfflineOptions{Clock: opts.Clock, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.Deliver == nil {
		opts.Deliver = func(*frame.Frame) {}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		self:      opts.Self,
		priv:      opts.PrivKey,
		table:     opts.Table,
		reg:       opts.Registry,
		dedup:     opts.Dedup,
		limiter:   opts.Limiter,
		queue:     opts.Queue,
		offline:   opts.Offline,
		freshness: opts.Freshness,
		deliver:   opts.Deliver,
		onFailure: opts.OnFailure,
		met:       opts.Metrics,
		clock:     opts.Clock,
		log:       opts.Logger,
	}, nil
}

func (r *Router) Queue() *Queue          { return r.queue }
func (r *Router) Offline() *OfflineCache { return r.offline }
func (r *Router) Limiter() *Limiter      { return r.limiter }

// Process runs stages one through four on an inbound frame: bounds and
// freshness, dedup, rate control, priority admission. The caller drains
// the queue and calls Dispatch for stage five.
func (r *Router) Process(f *frame.Frame) Outcome {
	if len(f.Payload) == 0 || len(f.Payload) > frame.MaxPayload {
		return r.invalid(f, "payload size out of bounds")
	}
	if f.TTL < 1 || f.TTL > frame.MaxHops {
		return r.invalid(f, "ttl out of bounds")
	}
	now := r.clock.Now()
	age := now.Sub(time.UnixMilli(f.Timestamp))
	if age > r.freshness || age < -r.freshness {
		r.met.IncDropStale()
		r.recordDrop(f, DropStale)
		return dropped(DropStale)
	}

	if r.dedup.Seen(f.MessageID) {
		r.met.IncDropDuplicate()
		return dropped(DropDuplicate)
	}

	if f.Source != r.self {
		switch r.limiter.Allow(f.Source) {
		case VerdictBurst:
			r.met.IncDropRate()
			r.recordDrop(f, DropRateLimited)
			return dropped(DropRateLimited)
		case VerdictSuspended:
			r.met.IncDropSuspended()
			r.recordDrop(f, DropSuspended)
			return dropped(DropSuspended)
		}
	}

	if err := r.queue.Push(Item{Frame: f}); err != nil {
		r.met.IncDropQueueFull()
		r.recordDrop(f, DropQueueFull)
		return dropped(DropQueueFull)
	}
	return Outcome{Disposition: Enqueued}
}

// invalid drops f with a validation reason and, when the sender asked for
// an ack, replies with an error control frame. Rate violations never get a
// reply; validation failures may.
func (r *Router) invalid(f *frame.Frame, detail string) Outcome {
	r.met.IncDropInvalid()
	r.recordDrop(f, DropInvalid)
	if f.Flags&frame.FlagAckRequired != 0 && f.Flags&frame.FlagAck == 0 && f.Source != r.self {
		r.sendControl(f.Source, f.Priority, []byte("error: "+detail))
	}
	return dropped(DropInvalid)
}

// Dispatch runs the routing decision for one queued frame: local delivery,
// direct send, relay toward a strictly closer node, or offline caching.
func (r *Router) Dispatch(ctx context.Context, it Item) Outcome {
	f := it.Frame
	if f.Destination == r.self || f.Destination.IsBroadcast() {
		return r.deliverLocal(f)
	}

	// Decrementing the hop budget must leave at least 1 for the wire.
	if f.TTL <= 1 {
		r.met.IncDropExpired()
		r.recordDrop(f, DropExpired)
		return dropped(DropExpired)
	}

	if info, ok := r.table.Get(f.Destination); ok {
		if out, ok := r.transmit(ctx, f, info, false, it.NeedAnon); ok {
			return out
		}
	}

	for _, cand := range r.table.KClosest(f.Destination, relayFanout) {
		if cand.ID == f.Source || !identity.Closer(f.Destination, cand.ID, r.self) {
			continue
		}
		if out, ok := r.transmit(ctx, f, cand, true, it.NeedAnon); ok {
			return out
		}
	}

	if err := r.offline.Enqueue(f); err != nil {
		r.met.IncDropNoRoute()
		r.recordDrop(f, DropNoRoute)
		r.log.Debug("frame undeliverable",
			zap.String("msg", f.MessageID.Hex()),
			zap.String("dest", f.Destination.Short()))
		return dropped(DropNoRoute)
	}
	r.met.IncCached()
	return Outcome{Disposition: Cached}
}

func (r *Router) deliverLocal(f *frame.Frame) Outcome {
	r.deliver(f)
	r.met.IncDelivered()
	if f.Flags&frame.FlagAckRequired != 0 && f.Flags&frame.FlagAck == 0 {
		r.sendAck(f)
	}
	return Outcome{Disposition: Delivered}
}

// transmit sends f to via, decrementing TTL and re-signing as this hop.
// Reports false when f cannot leave through via so the caller can try the
// next candidate.
func (r *Router) transmit(ctx context.Context, f *frame.Frame, via routing.NodeInfo, relay bool, needAnon bool) (Outcome, bool) {
	route, ok := r.reg.BestRoute(via.Addresses, f.Priority, len(f.Payload), needAnon)
	if !ok {
		return Outcome{}, false
	}
	hop := *f
	hop.TTL--
	if relay {
		hop.Flags |= frame.FlagRelay
	}
	if err := r.sign(&hop); err != nil {
		return Outcome{}, false
	}
	if _, err := r.reg.SendFrame(ctx, route.Adapter.Name(), route.Addr, &hop); err != nil {
		r.table.MarkFailure(via.ID)
		return Outcome{}, false
	}
	if relay {
		r.met.IncForwarded()
		return Outcome{Disposition: Forwarded}, true
	}
	r.met.IncSent()
	return Outcome{Disposition: Sent}, true
}

// Originate admits a locally produced frame: assigns id and signature,
// records it in dedup so an echoed copy is not re-processed, and queues it.
func (r *Router) Originate(f *frame.Frame, needAnon bool) error {
	if f.Timestamp == 0 {
		f.Timestamp = r.clock.Now().UnixMilli()
	}
	var zero frame.MessageID
	if f.MessageID == zero {
		f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(r.clock.Now().UnixNano()))
	}
	if err := r.sign(f); err != nil {
		return err
	}
	r.dedup.Seen(f.MessageID)
	return r.queue.Push(Item{Frame: f, NeedAnon: needAnon})
}

func (r *Router) sign(f *frame.Frame) error {
	f.Flags |= frame.FlagSigned
	sig, err := identity.Sign(r.priv, frame.SigningBytes(f))
	if err != nil {
		return err
	}
	f.Signature = sig
	return nil
}

const ackDomain = "meshcore:v1:ack|"

// AckSize is the length of an ack payload: acked message id plus the
// acker's signature over it.
const AckSize = frame.MessageIDSize + identity.SignatureSize

func ackBytes(id frame.MessageID) []byte {
	buf := make([]byte, 0, len(ackDomain)+frame.MessageIDSize)
	buf = append(buf, ackDomain...)
	buf = append(buf, id[:]...)
	return buf
}

// AckPayload builds an ack payload bound to the acking node: the hop
// signature on the ack frame changes per relay, so the payload carries its
// own signature under the destination's key.
func AckPayload(priv ed25519.PrivateKey, id frame.MessageID) ([]byte, error) {
	sig, err := identity.Sign(priv, ackBytes(id))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, AckSize)
	out = append(out, id[:]...)
	return append(out, sig[:]...), nil
}

// ParseAck extracts the acked message id without checking the binding.
func ParseAck(payload []byte) (frame.MessageID, bool) {
	if len(payload) != AckSize {
		return frame.MessageID{}, false
	}
	var id frame.MessageID
	copy(id[:], payload[:frame.MessageIDSize])
	return id, true
}

// VerifyAck reports whether payload acknowledges its message id under pub.
func VerifyAck(pub []byte, payload []byte) bool {
	id, ok := ParseAck(payload)
	if !ok {
		return false
	}
	var sig identity.Signature
	copy(sig[:], payload[frame.MessageIDSize:])
	return identity.Verify(pub, ackBytes(id), sig)
}

func (r *Router) sendAck(orig *frame.Frame) {
	payload, err := AckPayload(r.priv, orig.MessageID)
	if err != nil {
		return
	}
	ack := &frame.Frame{
		Version:     frame.Version,
		Flags:       frame.FlagAck,
		Type:        frame.TypeControl,
		Priority:    orig.Priority,
		TTL:         DefaultAckTTL,
		Source:      r.self,
		Destination: orig.Source,
		Timestamp:   r.clock.Now().UnixMilli(),
		Payload:     payload,
	}
	ack.MessageID = frame.DeriveMessageID(ack.Timestamp, ack.Source, ack.Destination, ack.Payload, uint64(r.clock.Now().UnixNano()))
	if err := r.sign(ack); err != nil {
		return
	}
	r.dedup.Seen(ack.MessageID)
	if err := r.queue.Push(Item{Frame: ack}); err != nil {
		r.log.Debug("ack dropped, queue full", zap.String("orig", orig.MessageID.Hex()))
	}
}

func (r *Router) sendControl(dest identity.NodeID, priority uint8, payload []byte) {
	f := &frame.Frame{
		Version:     frame.Version,
		Type:        frame.TypeControl,
		Priority:    priority,
		TTL:         DefaultAckTTL,
		Source:      r.self,
		Destination: dest,
		Timestamp:   r.clock.Now().UnixMilli(),
		Payload:     payload,
	}
	f.MessageID = frame.DeriveMessageID(f.Timestamp, f.Source, f.Destination, f.Payload, uint64(r.clock.Now().UnixNano()))
	if err := r.sign(f); err != nil {
		return
	}
	r.dedup.Seen(f.MessageID)
	_ = r.queue.Push(Item{Frame: f})
}

// RetryOffline attempts delivery of cached frames that are due. A frame
// that reaches its destination is removed; one that transmits to a relay
// stays cached until acked or expired. Retries are re-stamped so the
// destination's freshness window measures this emission, not the original
// send; the message id is kept so dedup and acks still match.
func (r *Router) RetryOffline(ctx context.Context) int {
	var delivered []frame.MessageID
	for _, f := range r.offline.Due() {
		if f.TTL <= 1 {
			continue
		}
		info, ok := r.table.Get(f.Destination)
		if !ok {
			continue
		}
		hop := *f
		hop.Timestamp = r.clock.Now().UnixMilli()
		if out, ok := r.transmit(ctx, &hop, info, false, false); ok && out.Disposition == Sent {
			delivered = append(delivered, f.MessageID)
		}
	}
	return r.offline.MarkDelivered(delivered)
}

// SweepOffline drops expired cached frames and emits failure notices for
// the ones that asked for an ack.
func (r *Router) SweepOffline() int {
	dead := r.offline.ExpireSweep()
	for _, f := range dead {
		r.met.IncDropExpired()
		r.recordDrop(f, DropExpired)
		if r.onFailure != nil && f.Flags&frame.FlagAckRequired != 0 {
			r.onFailure(f)
		}
	}
	return len(dead)
}

func (r *Router) recordDrop(f *frame.Frame, reason DropReason) {
	r.met.RecordDrop(f.MessageID.Hex(), reason.String())
}
