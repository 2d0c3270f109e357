package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/spinforge/spinforge/pkg/config"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error"})
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		MinScore:         0.7,
		SelectCandidates: 3,
		CandidateLimit:   50,
		StickyTTLMin:     30,
	}
}

func addNode(t *testing.T, store storage.Store, id string, tier types.ProxyTier, capacity int) *types.ProxyNode {
	t.Helper()
	node := &types.ProxyNode{
		ID:        id,
		Endpoint:  "10.0.0.1:8080",
		Tier:      tier,
		Capacity:  capacity,
		Status:    types.ProxyStatusOnline,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateProxyNode(context.Background(), node))
	return node
}

func TestSelectReturnsOnlineNode(t *testing.T) {
	store := storage.NewMemoryStore()
	addNode(t, store, "dc-1", types.TierDatacenter, 10)
	r := New(store, testRouterConfig(), 30*time.Minute)

	lease, err := r.Select(context.Background(), Request{Operation: types.OperationPlayDelivery})
	require.NoError(t, err)
	assert.Equal(t, "dc-1", lease.Node.ID)
	assert.Equal(t, types.TierDatacenter, lease.Tier)

	// The slot was leased.
	node, err := store.GetProxyNode(context.Background(), "dc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, node.CurrentLoad)
}

func TestSelectNoNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	r := New(store, testRouterConfig(), 30*time.Minute)

	_, err := r.Select(context.Background(), Request{Operation: types.OperationPlayDelivery})
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestSelectSkipsFullNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	node := addNode(t, store, "dc-1", types.TierDatacenter, 1)
	ctx := context.Background()

	ok, err := store.AcquireProxySlot(ctx, node.ID)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(store, testRouterConfig(), 30*time.Minute)
	_, err = r.Select(ctx, Request{Operation: types.OperationPlayDelivery})
	assert.ErrorIs(t, err, ErrNoProxy, "a node at capacity must never be selected")
}

func TestReportFailureOfflinesBannedNode(t *testing.T) {
	store := storage.NewMemoryStore()
	addNode(t, store, "dc-1", types.TierDatacenter, 10)
	addNode(t, store, "dc-2", types.TierDatacenter, 10)
	r := New(store, testRouterConfig(), 30*time.Minute)
	ctx := context.Background()

	// Report 429s through dc-1 until it is offlined.
	for i := 0; i < 3; i++ {
		lease, err := r.Select(ctx, Request{Operation: types.OperationPlayDelivery})
		require.NoError(t, err)
		if lease.Node.ID == "dc-1" {
			r.ReportFailure(ctx, lease, 429, 100)
			break
		}
		r.ReportSuccess(ctx, lease, 100)
	}
	// Direct report in case selection kept landing on dc-2.
	node1, err := store.GetProxyNode(ctx, "dc-1")
	require.NoError(t, err)
	if node1.Status == types.ProxyStatusOnline {
		r.ReportFailure(ctx, &Lease{Node: node1, Tier: node1.Tier}, 429, 100)
	}

	node1, err = store.GetProxyNode(ctx, "dc-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProxyStatusOffline, node1.Status)

	// Every subsequent selection returns the surviving node only.
	for i := 0; i < 10; i++ {
		lease, err := r.Select(ctx, Request{Operation: types.OperationPlayDelivery})
		require.NoError(t, err)
		assert.Equal(t, "dc-2", lease.Node.ID)
		r.ReportSuccess(ctx, lease, 100)
	}
}

func TestHealthStateTransitions(t *testing.T) {
	h := &nodeHealth{}
	now := time.Now()

	assert.Equal(t, 1.0, h.successRate(), "rate is 1.0 before observations")
	assert.Equal(t, HealthHealthy, h.state())

	// Three consecutive failures degrade the node even while the overall
	// rate would keep it healthy.
	for i := 0; i < 17; i++ {
		h.recordSuccess(100, now)
	}
	h.recordFailure(100)
	h.recordFailure(100)
	assert.Equal(t, HealthHealthy, h.state())
	h.recordFailure(100)
	assert.Equal(t, HealthDegraded, h.state())

	// A success resets the consecutive count.
	h.recordSuccess(100, now)
	assert.Equal(t, HealthHealthy, h.state())
}

func TestHealthOfflineOnLowRate(t *testing.T) {
	h := &nodeHealth{}
	now := time.Now()
	for i := 0; i < 3; i++ {
		h.recordSuccess(100, now)
	}
	for i := 0; i < 7; i++ {
		h.recordFailure(100)
	}
	assert.InDelta(t, 0.3, h.successRate(), 0.001)
	assert.Equal(t, HealthOffline, h.state())
}

func TestScoreLoadPenalty(t *testing.T) {
	store := storage.NewMemoryStore()
	r := New(store, testRouterConfig(), 30*time.Minute)

	idle := &types.ProxyNode{ID: "a", Tier: types.TierDatacenter, Capacity: 10, CurrentLoad: 0}
	busy := &types.ProxyNode{ID: "b", Tier: types.TierDatacenter, Capacity: 10, CurrentLoad: 10}

	now := time.Now()
	assert.Greater(t, r.score(idle, now), r.score(busy, now))
	assert.InDelta(t, 1.0, r.score(idle, now), 0.001)
	assert.InDelta(t, 0.7, r.score(busy, now), 0.001)
}

func TestStickySessionPinsNode(t *testing.T) {
	store := storage.NewMemoryStore()
	addNode(t, store, "dc-1", types.TierDatacenter, 100)
	addNode(t, store, "dc-2", types.TierDatacenter, 100)
	r := New(store, testRouterConfig(), 30*time.Minute)
	ctx := context.Background()

	first, err := r.Select(ctx, Request{Operation: types.OperationPlayDelivery, SessionID: "sess-1"})
	require.NoError(t, err)
	r.ReportSuccess(ctx, first, 50)

	for i := 0; i < 5; i++ {
		lease, err := r.Select(ctx, Request{Operation: types.OperationPlayDelivery, SessionID: "sess-1"})
		require.NoError(t, err)
		assert.Equal(t, first.Node.ID, lease.Node.ID, "sticky session must stay on one node")
		r.ReportSuccess(ctx, lease, 50)
	}
}

func TestStickySessionExpires(t *testing.T) {
	s := newStickySessions(time.Minute)
	now := time.Now()

	s.bind("sess", "node-1", now)
	nodeID, ok := s.lookup("sess", now.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, "node-1", nodeID)

	_, ok = s.lookup("sess", now.Add(2*time.Minute))
	assert.False(t, ok, "binding must expire after the TTL")
}

func TestFallbackToCheaperTier(t *testing.T) {
	store := storage.NewMemoryStore()
	// No RESIDENTIAL nodes exist; ACCOUNT_CREATION falls through the chain
	// to ISP.
	addNode(t, store, "isp-1", types.TierISP, 10)
	r := New(store, testRouterConfig(), 30*time.Minute)

	lease, err := r.Select(context.Background(), Request{Operation: types.OperationAccountCreation})
	require.NoError(t, err)
	assert.Equal(t, types.TierISP, lease.Tier)
}
