package router

import (
	"time"

	"github.com/sony/gobreaker"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/types"
)

// tripThresholds holds the consecutive-failure count that opens each tier's
// breaker. Tiers with more expensive capacity tolerate longer bursts.
var tripThresholds = map[types.ProxyTier]uint32{
	types.TierMobile:      15,
	types.TierResidential: 10,
	types.TierISP:         10,
	types.TierDatacenter:  8,
	types.TierTor:         5,
}

// fallbackChains lists the tiers consulted, in order, when the preferred
// tier's breaker is open.
var fallbackChains = map[types.ProxyTier][]types.ProxyTier{
	types.TierMobile:      {types.TierResidential, types.TierISP, types.TierDatacenter},
	types.TierResidential: {types.TierISP, types.TierDatacenter},
	types.TierISP:         {types.TierDatacenter, types.TierResidential},
	types.TierDatacenter:  {types.TierISP, types.TierResidential},
	types.TierTor:         {types.TierDatacenter},
}

// newTierBreaker builds the two-step breaker for one tier. Selection calls
// Allow and holds the returned callback until the task's result is
// reported.
func newTierBreaker(tier types.ProxyTier, openFor time.Duration) *gobreaker.TwoStepCircuitBreaker {
	threshold := tripThresholds[tier]
	if threshold == 0 {
		threshold = 10
	}
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(tier),
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// preferredTier maps an operation to the tier it should run on.
func preferredTier(op types.Operation) types.ProxyTier {
	switch op {
	case types.OperationAccountCreation:
		return types.TierResidential
	default:
		return types.TierDatacenter
	}
}

// minimumTier is the last-resort tier consulted even with an open breaker.
func minimumTier(op types.Operation) types.ProxyTier {
	switch op {
	case types.OperationAccountCreation:
		return types.TierISP
	default:
		return types.TierDatacenter
	}
}

// tierCostFactor gives a small preference to cheaper tiers.
func tierCostFactor(tier types.ProxyTier) float64 {
	switch tier {
	case types.TierDatacenter:
		return 1.0
	case types.TierISP:
		return 0.97
	case types.TierResidential:
		return 0.94
	case types.TierMobile:
		return 0.91
	default:
		return 0.88
	}
}
