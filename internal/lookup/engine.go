// Package lookup implements the bounded iterative search over the routing
// table plus live queries: FIND_NODE walks toward a target id, FIND_VALUE
// short-circuits on the first verified value.
package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshcore/internal/identity"
	"meshcore/internal/routing"
)

const (
	// Alpha bounds concurrent in-flight queries per lookup.
	Alpha = 3
	// DefaultQueryTimeout bounds a single candidate query.
	DefaultQueryTimeout = 3 * time.Second
	// DefaultMaxRounds caps lookup iterations so a hostile or partitioned
	// network cannot stall the caller.
	DefaultMaxRounds = 16
)

var (
	ErrNotFound  = errors.New("value not found")
	ErrExhausted = errors.New("no candidates to query")
)

// Querier issues the two DHT question types to a remote peer. Implemented by
// the daemon's frame RPC layer; faked in tests.
type Querier interface {
	FindNode(ctx context.Context, peer routing.NodeInfo, target identity.NodeID) ([]routing.NodeInfo, error)
	FindValue(ctx context.Context, peer routing.NodeInfo, key identity.NodeID) (value []byte, closer []routing.NodeInfo, err error)
}

// VerifyFunc validates a candidate value for key. Unverifiable values are
// treated as absent and the walk continues.
type VerifyFunc func(key identity.NodeID, value []byte) bool

type Options struct {
	K            int
	Alpha        int
	QueryTimeout time.Duration
	MaxRounds    int
	Logger       *zap.Logger
}

type Engine struct {
	self    identity.NodeID
	table   *routing.Table
	querier Querier
	k       int
	alpha   int
	timeout time.Duration
	rounds  int
	log     *zap.Logger
}

func NewEngine(table *routing.Table, querier Querier, opts Options) *Engine {
	k := opts.K
	if k <= 0 {
		k = routing.K
	}
	alpha := opts.Alpha
	if alpha <= 0 {
		alpha = Alpha
	}
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	rounds := opts.MaxRounds
	if rounds <= 0 {
		rounds = DefaultMaxRounds
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		self:    table.Self(),
		table:   table,
		querier: querier,
		k:       k,
		alpha:   alpha,
		timeout: timeout,
		rounds:  rounds,
		log:     log,
	}
}

// candidate states.
type state uint8

const (
	statePending state = iota
	stateInflight
	stateResponded
	stateFailed
)

type candidate struct {
	info  routing.NodeInfo
	state state
}

// shortlist is the per-lookup candidate set ordered by distance to target.
type shortlist struct {
	target identity.NodeID
	known  map[identity.NodeID]*candidate
	order  []*candidate
}

func newShortlist(target identity.NodeID, seed []routing.NodeInfo) *shortlist {
	sl := &shortlist{target: target, known: make(map[identity.NodeID]*candidate)}
	sl.merge(seed)
	return sl
}

func (sl *shortlist) merge(infos []routing.NodeInfo) {
	added := false
	for _, info := range infos {
		if _, ok := sl.known[info.ID]; ok {
			continue
		}
		c := &candidate{info: info}
		sl.known[info.ID] = c
		sl.order = append(sl.order, c)
		added = true
	}
	if added {
		sort.Slice(sl.order, func(i, j int) bool {
			return identity.Closer(sl.target, sl.order[i].info.ID, sl.order[j].info.ID)
		})
	}
}

// nextPending returns the closest not-yet-queried candidate.
func (sl *shortlist) nextPending() *candidate {
	for _, c := range sl.order {
		if c.state == statePending {
			return c
		}
	}
	return nil
}

func (sl *shortlist) inflight() int {
	n := 0
	for _, c := range sl.order {
		if c.state == stateInflight {
			n++
		}
	}
	return n
}

// converged reports whether the k closest candidates have all responded with
// nothing closer left pending.
func (sl *shortlist) converged(k int) bool {
	seen := 0
	for _, c := range sl.order {
		switch c.state {
		case stateFailed:
			continue
		case stateResponded:
			seen++
			if seen >= k {
				return true
			}
		default:
			return false
		}
	}
	return seen > 0
}

// responded returns up to k responded candidates in ascending distance.
func (sl *shortlist) responded(k int) []routing.NodeInfo {
	var out []routing.NodeInfo
	for _, c := range sl.order {
		if c.state == stateResponded {
			out = append(out, c.info)
			if len(out) == k {
				break
			}
		}
	}
	return out
}

type queryResult struct {
	from   *candidate
	closer []routing.NodeInfo
	value  []byte
	err    error
}

// FindNode returns up to k responded peers closest to target. Individual
// candidate failures are non-fatal; an exhausted candidate set with no
// responses yields ErrExhausted.
func (e *Engine) FindNode(ctx context.Context, target identity.NodeID) ([]routing.NodeInfo, error) {
	nodes, _, err := e.run(ctx, target, nil)
	return nodes, err
}

// FindValue walks toward key and returns the first value accepted by verify,
// or ErrNotFound with the closest responded peers.
func (e *Engine) FindValue(ctx context.Context, key identity.NodeID, verify VerifyFunc) ([]byte, []routing.NodeInfo, error) {
	nodes, value, err := e.run(ctx, key, verify)
	if err != nil {
		return nil, nodes, err
	}
	if value == nil {
		return nil, nodes, ErrNotFound
	}
	return value, nodes, nil
}

// run drives one lookup. findValue mode is selected by a non-nil verify.
func (e *Engine) run(ctx context.Context, target identity.NodeID, verify VerifyFunc) ([]routing.NodeInfo, []byte, error) {
	trace := uuid.NewString()
	seed := e.table.KClosest(target, e.k)
	if len(seed) == 0 {
		return nil, nil, ErrExhausted
	}
	sl := newShortlist(target, seed)
	results := make(chan queryResult, e.alpha)
	var wg sync.WaitGroup
	defer wg.Wait()
	// Lookup-scoped context: cancelling it on return unblocks any in-flight
	// workers whose responses will be discarded. Runs before the Wait above.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.log.Debug("lookup start",
		zap.String("trace", trace),
		zap.String("target", target.Short()),
		zap.Int("seed", len(seed)))

	launch := func(c *candidate) {
		c.state = stateInflight
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			var res queryResult
			res.from = c
			if verify != nil {
				res.value, res.closer, res.err = e.querier.FindValue(qctx, c.info, target)
			} else {
				res.closer, res.err = e.querier.FindNode(qctx, c.info, target)
			}
			select {
			case results <- res:
			case <-ctx.Done():
			}
		}()
	}

	// Total queries are capped at rounds*alpha so an adversarial candidate
	// stream cannot keep the lookup alive forever.
	maxQueries := e.rounds * e.alpha
	launched := 0
	for {
		for sl.inflight() < e.alpha && launched < maxQueries {
			next := sl.nextPending()
			if next == nil {
				break
			}
			launch(next)
			launched++
		}
		if sl.inflight() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			// Owner abandoned the lookup; in-flight responses are discarded.
			return sl.responded(e.k), nil, ctx.Err()
		case res := <-results:
			if res.err != nil {
				res.from.state = stateFailed
				e.table.MarkFailure(res.from.info.ID)
				continue
			}
			res.from.state = stateResponded
			e.table.MarkSeen(res.from.info.ID, 0)
			if verify != nil && res.value != nil {
				if verify(target, res.value) {
					e.log.Debug("lookup value found",
						zap.String("trace", trace),
						zap.String("holder", res.from.info.ID.Short()))
					return sl.responded(e.k), res.value, nil
				}
				// Unverifiable value: treat as absent, keep walking.
				e.log.Debug("lookup value rejected",
					zap.String("trace", trace),
					zap.String("holder", res.from.info.ID.Short()))
			}
			sl.merge(res.closer)
			if res.from.info.ID == target && verify == nil {
				return sl.responded(e.k), nil, nil
			}
			if sl.converged(e.k) {
				return sl.responded(e.k), nil, nil
			}
		}
	}

	out := sl.responded(e.k)
	if len(out) == 0 {
		return nil, nil, ErrExhausted
	}
	// Round cap or exhaustion: partial best-known results are still a result.
	return out, nil, nil
}
