package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// FaultInjector wraps an Executor with dev/test failure toggles: random
// failure percentage, added latency, timeout simulation, per-node bans,
// and a global pause. Production deployments never enable it.
type FaultInjector struct {
	mu          sync.Mutex
	inner       Executor
	failPercent int
	addedDelay  time.Duration
	simTimeout  bool
	paused      bool
	bannedNodes map[string]bool
	rng         *rand.Rand
}

// NewFaultInjector wraps inner with all toggles off.
func NewFaultInjector(inner Executor) *FaultInjector {
	return &FaultInjector{
		inner:       inner,
		bannedNodes: make(map[string]bool),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFailPercent makes the given percentage of calls fail transiently.
func (f *FaultInjector) SetFailPercent(pct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPercent = pct
}

// SetAddedDelay delays every call by d.
func (f *FaultInjector) SetAddedDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedDelay = d
}

// SetSimulateTimeout makes every call block until its context expires.
func (f *FaultInjector) SetSimulateTimeout(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simTimeout = on
}

// SetPaused fails every call while on.
func (f *FaultInjector) SetPaused(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = on
}

// BanNode makes calls through the node return a 429 response.
func (f *FaultInjector) BanNode(nodeID string, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if banned {
		f.bannedNodes[nodeID] = true
	} else {
		delete(f.bannedNodes, nodeID)
	}
}

// Deliver applies the configured faults before delegating.
func (f *FaultInjector) Deliver(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	failPercent := f.failPercent
	addedDelay := f.addedDelay
	simTimeout := f.simTimeout
	paused := f.paused
	banned := f.bannedNodes[req.Proxy.NodeID]
	roll := f.rng.Intn(100)
	f.mu.Unlock()

	if paused {
		return Response{}, fmt.Errorf("executor paused by fault injection")
	}
	if addedDelay > 0 {
		select {
		case <-time.After(addedDelay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if simTimeout {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if banned {
		return Response{
			Success:   false,
			ErrorCode: 429,
			Message:   "rate limited",
		}, nil
	}
	if failPercent > 0 && roll < failPercent {
		return Response{}, fmt.Errorf("injected failure")
	}
	return f.inner.Deliver(ctx, req)
}

// Static is an executor that always succeeds, used by the dev profile.
type Static struct{}

// Deliver reports full delivery of the requested quantity.
func (Static) Deliver(ctx context.Context, req Request) (Response, error) {
	return Response{Success: true, PlaysDelivered: req.Quantity, LatencyMs: 1}, nil
}
