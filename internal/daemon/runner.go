package daemon

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshcore/internal/adapter"
	"meshcore/internal/dht"
	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/lookup"
	"meshcore/internal/metrics"
	"meshcore/internal/router"
	"meshcore/internal/routing"
)

const (
	inboxDepth     = 256
	discoveryDepth = 64
	originCacheCap = 1024

	republishTick = time.Minute
	offlineTick   = 30 * time.Second
	pruneTick     = 5 * time.Minute
	snapshotTick  = time.Second
	compactEvery  = 20 // offline ticks between journal compactions
)

// origin remembers which transport address a frame arrived from so replies
// can take the same path back.
type origin struct {
	adapter string
	addr    string
}

type Options struct {
	// Adapters overrides the default single QUIC transport. Used by tests
	// to run nodes over the in-process bus.
	Adapters []adapter.Adapter
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Runner owns one mesh node: its identity, routing table, DHT view, router
// pipeline and transports. All background loops run under Start and stop
// together.
type Runner struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock

	pub   ed25519.PublicKey
	priv  ed25519.PrivateKey
	self  identity.NodeID
	nonce uint64

	reg     *adapter.Registry
	table   *routing.Table
	rpc     *rpc
	engine  *lookup.Engine
	dht     *dht.DHT
	router  *router.Router
	met     *metrics.Metrics
	inbox   chan *frame.Frame
	discov  chan *frame.Frame
	origins *lru.Cache[frame.MessageID, origin]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(cfg Config, opts Options) (*Runner, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}

	pub, priv, err := identity.LoadOrCreateKeypair(cfg.Node.Home)
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}
	self := identity.DeriveNodeID(pub)

	nonce, ok := identity.SolvePoW(context.Background(), self, cfg.Routing.PoWBits)
	if !ok {
		return nil, errors.New("admission proof-of-work interrupted")
	}
	log.Info("node identity ready",
		zap.String("id", self.Short()),
		zap.Uint8("pow_bits", cfg.Routing.PoWBits),
		zap.Uint64("pow_nonce", nonce))

	reg := adapter.NewRegistry(log)
	adapters := opts.Adapters
	if len(adapters) == 0 {
		q := adapter.NewQUIC(cfg.Node.Listen, log)
		if cfg.Node.InsecureTLS {
			if err := q.Initialize(map[string]string{"insecure": "1"}); err != nil {
				return nil, err
			}
		}
		adapters = []adapter.Adapter{q}
	}
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}

	rpcc := newRPC(self, priv, reg, clk, log)
	table := routing.NewTable(self, routing.Options{
		K:       cfg.Routing.K,
		PoWBits: cfg.Routing.PoWBits,
		Pinger:  rpcc,
		Clock:   clk,
		Logger:  log,
	})
	engine := lookup.NewEngine(table, rpcc, lookup.Options{
		K:      cfg.Routing.K,
		Alpha:  cfg.Routing.Alpha,
		Logger: log,
	})
	dstore := dht.NewStore(dht.StoreOptions{
		MaxKeys:  cfg.DHT.MaxKeys,
		MaxBytes: cfg.DHT.MaxBytes,
		Clock:    clk,
		Logger:   log,
	})
	dnode := dht.New(table, engine, dstore, rpcc, dht.Options{
		K:       cfg.Routing.K,
		PubKey:  pub,
		PrivKey: priv,
		Metrics: met,
		Clock:   clk,
		Logger:  log,
	})

	origins, err := lru.New[frame.MessageID, origin](originCacheCap)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		log:     log,
		clock:   clk,
		pub:     pub,
		priv:    priv,
		self:    self,
		nonce:   nonce,
		reg:     reg,
		table:   table,
		rpc:     rpcc,
		engine:  engine,
		dht:     dnode,
		met:     met,
		inbox:   make(chan *frame.Frame, inboxDepth),
		discov:  make(chan *frame.Frame, discoveryDepth),
		origins: origins,
		done:    make(chan struct{}),
	}

	offline, err := router.NewOfflineCache(router.OfflineOptions{
		PerDestCap:  cfg.Offline.PerDestCap,
		GlobalCap:   cfg.Offline.GlobalCap,
		JournalPath: filepath.Join(cfg.Node.Home, "offline.jsonl"),
		Clock:       clk,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("offline cache: %w", err)
	}
	r.router, err = router.New(router.Options{
		Self:     self,
		PrivKey:  priv,
		Table:    table,
		Registry: reg,
		Limiter: router.NewLimiter(router.LimiterOptions{
			WindowLimit: cfg.Rate.WindowLimit,
			BurstLimit:  cfg.Rate.BurstLimit,
			Penalty:     cfg.Penalty(),
			Clock:       clk,
		}),
		Offline:   offline,
		Freshness: cfg.Freshness(),
		Deliver:   r.handleFrame,
		OnFailure: func(f *frame.Frame) {
			log.Warn("cached frame expired undelivered",
				zap.String("id", f.MessageID.Hex()),
				zap.String("dest", f.Destination.Short()))
		},
		Metrics:   met,
		Clock:     clk,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) Self() identity.NodeID     { return r.self }
func (r *Runner) Table() *routing.Table     { return r.table }
func (r *Runner) DHT() *dht.DHT             { return r.dht }
func (r *Runner) Lookup() *lookup.Engine    { return r.engine }
func (r *Runner) Router() *router.Router    { return r.router }
func (r *Runner) Metrics() *metrics.Metrics { return r.met }

// Messages yields DATA frames addressed to this node.
func (r *Runner) Messages() <-chan *frame.Frame { return r.inbox }

// Send originates a DATA frame to dest through the pipeline.
func (r *Runner) Send(dest identity.NodeID, payload []byte, priority uint8, flags uint8) (frame.MessageID, error) {
	f := &frame.Frame{
		Version:     frame.Version,
		Flags:       flags,
		Type:        frame.TypeData,
		Priority:    priority,
		TTL:         frame.MaxHops,
		Source:      r.self,
		Destination: dest,
		Payload:     payload,
	}
	if err := r.router.Originate(f, false); err != nil {
		return frame.MessageID{}, err
	}
	return f.MessageID, nil
}

// Start brings up the transports and all background loops. It returns once
// running; Stop shuts everything down.
func (r *Runner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.reg.StartAll(ctx); err != nil {
		cancel()
		return err
	}
	r.seedFromPeerBook(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range r.reg.All() {
		g.Go(func() error { return r.receivePump(ctx, a) })
	}
	g.Go(func() error { return r.drainLoop(ctx) })
	g.Go(func() error { return r.discoveryLoop(ctx) })
	g.Go(func() error { return r.refreshLoop(ctx) })
	g.Go(func() error { return r.republishLoop(ctx) })
	g.Go(func() error { return r.offlineLoop(ctx) })
	g.Go(func() error { return r.housekeepingLoop(ctx) })

	go func() {
		defer close(r.done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("runner loop exited", zap.Error(err))
		}
	}()

	r.bootstrap(ctx)
	return nil
}

// Stop cancels all loops and closes the transports.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	r.router.Queue().Close()
	err := r.reg.StopAll()
	<-r.done
	err = multierr.Append(err, r.persistPeers())
	return multierr.Append(err, r.router.Offline().Compact())
}

// receivePump decodes raw datagrams off one adapter and feeds the pipeline.
// Frames that fail the codec never reach the router.
func (r *Runner) receivePump(ctx context.Context, a adapter.Adapter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-a.Receive():
			if !ok {
				return nil
			}
			f, err := frame.Decode(in.Data)
			if err != nil {
				r.met.IncDropInvalid()
				r.log.Debug("undecodable datagram",
					zap.String("adapter", in.Adapter),
					zap.String("from", in.From),
					zap.Error(err))
				continue
			}
			if !r.verifyInbound(f) {
				r.met.IncDropInvalid()
				r.met.RecordDrop(f.MessageID.Hex(), "bad_signature")
				continue
			}
			r.origins.Add(f.MessageID, origin{adapter: in.Adapter, addr: in.From})
			r.router.Process(f)
		}
	}
}

// verifyInbound checks the frame signature when the transmitting hop's key
// is known. Direct frames are signed by their source; relayed frames are
// re-signed per hop by a peer the frame itself does not identify, so they
// pass here and rely on payload-level protection. Discovery frames carry
// their own key and are verified by the discovery handler.
func (r *Runner) verifyInbound(f *frame.Frame) bool {
	if f.Flags&frame.FlagRelay != 0 || f.Type == frame.TypeDiscovery {
		return true
	}
	info, ok := r.table.Get(f.Source)
	if !ok || len(info.PubKey) == 0 {
		return true
	}
	return identity.Verify(info.PubKey, frame.SigningBytes(f), f.Signature)
}

func (r *Runner) drainLoop(ctx context.Context) error {
	for {
		it, ok := r.router.Queue().Pop()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.router.Dispatch(ctx, it)
	}
}

// discoveryLoop admits introducing peers off the drain goroutine, so a
// full-bucket liveness ping can receive its response while admission waits.
func (r *Runner) discoveryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.discov:
			r.admitDiscovery(ctx, f)
		}
	}
}

func (r *Runner) refreshLoop(ctx context.Context) error {
	ticker := r.clock.Ticker(r.cfg.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, target := range r.table.RefreshTargets(r.cfg.RefreshInterval()) {
				if _, err := r.engine.FindNode(ctx, target); err != nil {
					r.log.Debug("bucket refresh lookup failed", zap.Error(err))
				}
			}
		}
	}
}

func (r *Runner) republishLoop(ctx context.Context) error {
	ticker := r.clock.Ticker(republishTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.dht.Republish(ctx)
			r.dht.Store().Sweep()
		}
	}
}

func (r *Runner) offlineLoop(ctx context.Context) error {
	ticker := r.clock.Ticker(offlineTick)
	defer ticker.Stop()
	var ticks int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.router.RetryOffline(ctx)
			r.router.SweepOffline()
			ticks++
			if ticks%compactEvery == 0 {
				if err := r.router.Offline().Compact(); err != nil {
					r.log.Warn("offline journal compaction failed", zap.Error(err))
				}
			}
		}
	}
}

func (r *Runner) housekeepingLoop(ctx context.Context) error {
	prune := r.clock.Ticker(pruneTick)
	defer prune.Stop()
	snap := r.clock.Ticker(snapshotTick)
	defer snap.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			r.router.Limiter().Prune(30 * time.Minute)
			if err := r.persistPeers(); err != nil {
				r.log.Warn("peer book save failed", zap.Error(err))
			}
		case <-snap.C:
			if r.cfg.Node.MetricsPath != "" {
				_ = r.met.WriteSnapshot(r.cfg.Node.MetricsPath)
			}
		}
	}
}

func (r *Runner) peerBookPath() string {
	return filepath.Join(r.cfg.Node.Home, peerBookFile)
}

// seedFromPeerBook reinserts peers remembered from the previous run and
// greets the reachable ones so both sides refresh their liveness view.
func (r *Runner) seedFromPeerBook(ctx context.Context) {
	seeded := 0
	for _, info := range loadPeerBook(r.peerBookPath(), r.clock.Now()) {
		if err := r.table.AddOrUpdate(ctx, info); err != nil {
			continue
		}
		seeded++
		for _, a := range info.Addresses {
			if a.Private {
				continue
			}
			if err := r.sendDiscovery(ctx, a.Adapter, a.Addr, false); err == nil {
				break
			}
		}
	}
	if seeded > 0 {
		r.log.Info("routing table seeded from peer book", zap.Int("peers", seeded))
	}
}

func (r *Runner) persistPeers() error {
	snapshot := r.table.KClosest(r.self, peerBookCap)
	return savePeerBook(r.peerBookPath(), snapshot, r.clock.Now())
}

// bootstrap introduces this node to the configured seed addresses. The
// peers answer with a discovery ack which lands them in our table.
func (r *Runner) bootstrap(ctx context.Context) {
	for _, seed := range r.cfg.Node.Bootstrap {
		sent := false
		for _, a := range r.reg.All() {
			addr, err := a.ParseAddress(seed)
			if err != nil {
				continue
			}
			if err := r.sendDiscovery(ctx, a.Name(), addr, false); err == nil {
				sent = true
				break
			}
		}
		if !sent {
			r.log.Warn("bootstrap seed unreachable", zap.String("seed", seed))
		}
	}
}
