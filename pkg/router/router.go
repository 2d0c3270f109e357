package router

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/spinforge/spinforge/pkg/config"
	"github.com/spinforge/spinforge/pkg/executor"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

// ErrNoProxy is returned when no usable node survives selection. Callers
// treat it as a transient delivery failure.
var ErrNoProxy = errors.New("no proxy available")

const (
	latencySlowMs     = 2000
	latencyVerySlowMs = 5000
	freshnessWindow   = 5 * time.Minute
	breakerOpenFor    = 5 * time.Minute
)

// Request asks the router for a node to run one operation through.
type Request struct {
	Operation types.Operation
	Country   string
	Quantity  int
	SessionID string
}

// Lease is a granted node plus the bookkeeping released when the result is
// reported.
type Lease struct {
	Node    *types.ProxyNode
	Tier    types.ProxyTier
	session string
	done    func(bool)
}

// Router selects proxy nodes and folds result reports into per-node health
// snapshots and per-tier circuit breakers. Snapshots are confined to this
// process; the node rows in the store are the shared ground truth.
type Router struct {
	store  storage.Store
	cfg    config.RouterConfig
	logger zerolog.Logger
	sticky *stickySessions

	healthMu sync.Mutex
	health   map[string]*nodeHealth

	breakers map[types.ProxyTier]*gobreaker.TwoStepCircuitBreaker
}

// New creates a router over the store.
func New(store storage.Store, cfg config.RouterConfig, stickyTTL time.Duration) *Router {
	breakers := make(map[types.ProxyTier]*gobreaker.TwoStepCircuitBreaker)
	for _, tier := range []types.ProxyTier{
		types.TierDatacenter, types.TierISP, types.TierResidential, types.TierMobile, types.TierTor,
	} {
		breakers[tier] = newTierBreaker(tier, breakerOpenFor)
	}
	return &Router{
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("router"),
		sticky:   newStickySessions(stickyTTL),
		health:   make(map[string]*nodeHealth),
		breakers: breakers,
	}
}

func (r *Router) healthFor(nodeID string) *nodeHealth {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	h, ok := r.health[nodeID]
	if !ok {
		h = &nodeHealth{}
		r.health[nodeID] = h
	}
	return h
}

// Select picks a node for the request. Sticky bindings win while their node
// stays usable; otherwise the preferred tier and its fallback chain are
// walked breaker-first, candidates are scored, and one of the top
// candidates is picked by weighted random over score squared.
func (r *Router) Select(ctx context.Context, req Request) (*Lease, error) {
	now := time.Now()

	if lease, ok := r.trySticky(ctx, req, now); ok {
		return lease, nil
	}

	preferred := preferredTier(req.Operation)
	chain := append([]types.ProxyTier{preferred}, fallbackChains[preferred]...)

	for _, tier := range chain {
		cb := r.breakers[tier]
		if cb.State() == gobreaker.StateOpen {
			continue
		}
		lease, err := r.selectFromTier(ctx, req, tier, now, true)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}

	// Last resort: the minimum tier is consulted even with an open breaker.
	lease, err := r.selectFromTier(ctx, req, minimumTier(req.Operation), now, false)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		metrics.ProxySelectionFailures.Inc()
		return nil, ErrNoProxy
	}
	r.logger.Warn().
		Str("tier", string(lease.Tier)).
		Msg("Selected node from last-resort tier with open breaker")
	return lease, nil
}

func (r *Router) trySticky(ctx context.Context, req Request, now time.Time) (*Lease, bool) {
	nodeID, ok := r.sticky.lookup(req.SessionID, now)
	if !ok {
		return nil, false
	}
	node, err := r.store.GetProxyNode(ctx, nodeID)
	if err != nil || node.Status != types.ProxyStatusOnline || r.healthFor(nodeID).state() == HealthOffline {
		r.sticky.drop(req.SessionID)
		return nil, false
	}
	acquired, err := r.store.AcquireProxySlot(ctx, nodeID)
	if err != nil || !acquired {
		r.sticky.drop(req.SessionID)
		return nil, false
	}
	metrics.ProxySelections.WithLabelValues(string(node.Tier)).Inc()
	return &Lease{Node: node, Tier: node.Tier, session: req.SessionID}, true
}

// selectFromTier scores the tier's candidates and leases one, or returns
// nil when the tier has nothing usable.
func (r *Router) selectFromTier(ctx context.Context, req Request, tier types.ProxyTier, now time.Time, useBreaker bool) (*Lease, error) {
	candidates, err := r.store.ListProxyCandidates(ctx, tier, req.Country, r.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	type scored struct {
		node  *types.ProxyNode
		score float64
	}
	var pool []scored
	for _, node := range candidates {
		s := r.score(node, now)
		if s >= r.cfg.MinScore {
			pool = append(pool, scored{node: node, score: s})
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	// Keep the top N, then weighted random over score squared spreads load
	// while still favoring the best.
	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
	if len(pool) > r.cfg.SelectCandidates {
		pool = pool[:r.cfg.SelectCandidates]
	}

	total := 0.0
	for _, c := range pool {
		total += c.score * c.score
	}
	pick := rand.Float64() * total
	chosen := pool[len(pool)-1]
	for _, c := range pool {
		pick -= c.score * c.score
		if pick <= 0 {
			chosen = c
			break
		}
	}

	acquired, err := r.store.AcquireProxySlot(ctx, chosen.node.ID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Capacity raced away; the cycle retries next tick.
		return nil, nil
	}

	var done func(bool)
	if useBreaker {
		d, err := r.breakers[tier].Allow()
		if err != nil {
			// The breaker opened between the state check and now.
			if relErr := r.store.ReleaseProxySlot(ctx, chosen.node.ID); relErr != nil {
				r.logger.Error().Err(relErr).Str("proxy_node_id", chosen.node.ID).Msg("Failed to release proxy slot")
			}
			return nil, nil
		}
		done = d
	}

	if r.healthFor(chosen.node.ID).state() == HealthDegraded {
		r.logger.Warn().
			Str("proxy_node_id", chosen.node.ID).
			Float64("score", chosen.score).
			Msg("Selected degraded node")
	}

	r.sticky.bind(req.SessionID, chosen.node.ID, now)
	metrics.ProxySelections.WithLabelValues(string(tier)).Inc()
	return &Lease{Node: chosen.node, Tier: tier, session: req.SessionID, done: done}, nil
}

// score implements the composite selection score.
func (r *Router) score(node *types.ProxyNode, now time.Time) float64 {
	h := r.healthFor(node.ID)
	score := h.successRate()

	switch p95 := h.p95LatencyMs(); {
	case p95 > latencyVerySlowMs:
		score *= 0.5
	case p95 > latencySlowMs:
		score *= 0.8
	}

	if node.Capacity > 0 {
		score *= 1 - 0.3*float64(node.CurrentLoad)/float64(node.Capacity)
	}

	score *= tierCostFactor(node.Tier)

	if h.lastSuccessWithin(freshnessWindow, now) {
		score *= 1.1
	}
	return score
}

// ReportSuccess folds a successful delivery into the node's snapshot and
// the tier breaker, and releases the leased slot.
func (r *Router) ReportSuccess(ctx context.Context, lease *Lease, latencyMs int) {
	if lease == nil {
		return
	}
	r.healthFor(lease.Node.ID).recordSuccess(latencyMs, time.Now())
	if lease.done != nil {
		lease.done(true)
	}
	if err := r.store.ReleaseProxySlot(ctx, lease.Node.ID); err != nil {
		r.logger.Error().Err(err).Str("proxy_node_id", lease.Node.ID).Msg("Failed to release proxy slot")
	}
}

// ReportFailure folds a failed delivery into the snapshot and breaker. A
// 403 or 429 offlines the node row until an out-of-band revive.
func (r *Router) ReportFailure(ctx context.Context, lease *Lease, errorCode, latencyMs int) {
	if lease == nil {
		return
	}
	h := r.healthFor(lease.Node.ID)
	consecutive := h.recordFailure(latencyMs)

	if executor.IsBannable(errorCode) {
		h.setManuallyDown(true)
		if err := r.store.SetProxyNodeStatus(ctx, lease.Node.ID, types.ProxyStatusOffline); err != nil {
			r.logger.Error().Err(err).Str("proxy_node_id", lease.Node.ID).Msg("Failed to offline proxy node")
		} else {
			metrics.ProxyNodesOffline.Inc()
			r.logger.Warn().
				Str("proxy_node_id", lease.Node.ID).
				Int("error_code", errorCode).
				Msg("Proxy node offlined after ban or rate-limit response")
		}
		r.sticky.drop(lease.session)
	} else if consecutive >= degradeAfterFailures {
		r.logger.Warn().
			Str("proxy_node_id", lease.Node.ID).
			Int("consecutive_failures", consecutive).
			Msg("Proxy node degraded after consecutive failures")
	}

	if lease.done != nil {
		lease.done(false)
	}
	if err := r.store.ReleaseProxySlot(ctx, lease.Node.ID); err != nil {
		r.logger.Error().Err(err).Str("proxy_node_id", lease.Node.ID).Msg("Failed to release proxy slot")
	}
}

// MarkNodeDown manually forces a node's volatile health state.
func (r *Router) MarkNodeDown(nodeID string, down bool) {
	r.healthFor(nodeID).setManuallyDown(down)
}

// Snapshots returns the current health view of every tracked node.
func (r *Router) Snapshots() []HealthSnapshot {
	r.healthMu.Lock()
	ids := make([]string, 0, len(r.health))
	for id := range r.health {
		ids = append(ids, id)
	}
	r.healthMu.Unlock()

	out := make([]HealthSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.healthFor(id).snapshot(id))
	}
	return out
}
