package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

// Planner splits accepted orders into scheduled task batches.
type Planner struct {
	store       storage.Store
	splitSize   int
	maxAttempts int
	logger      zerolog.Logger
}

// NewPlanner creates a planner with the given split size and retry budget.
func NewPlanner(store storage.Store, splitSize, maxAttempts int) *Planner {
	return &Planner{
		store:       store,
		splitSize:   splitSize,
		maxAttempts: maxAttempts,
		logger:      log.WithComponent("planner"),
	}
}

// BuildTasks generates the task batch for an order without writing it.
// Tasks are spread linearly across the order's delivery window so no burst
// of N tasks becomes ready at once. The batch always sums to the order's
// quantity; the last task carries the remainder.
func BuildTasks(order *types.Order, splitSize, maxAttempts int) ([]*types.Task, error) {
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("order %s has non-positive quantity %d", order.ID, order.Quantity)
	}
	if splitSize <= 0 {
		return nil, fmt.Errorf("split size must be positive, got %d", splitSize)
	}

	count := (order.Quantity + splitSize - 1) / splitSize

	start := order.StartedAt
	if start.IsZero() {
		start = order.CreatedAt
	}
	end := order.EstimatedCompletionAt
	var window time.Duration
	if end.After(start) {
		window = end.Sub(start)
	}

	tasks := make([]*types.Task, 0, count)
	remaining := order.Quantity
	for i := 0; i < count; i++ {
		quantity := splitSize
		if quantity > remaining {
			quantity = remaining
		}
		remaining -= quantity

		var offset time.Duration
		if count > 1 {
			offset = window * time.Duration(i) / time.Duration(count)
		}

		tasks = append(tasks, &types.Task{
			ID:               uuid.New().String(),
			OrderID:          order.ID,
			SequenceNumber:   i,
			Quantity:         quantity,
			ScheduledAt:      start.Add(offset),
			Status:           types.TaskStatusPending,
			MaxAttempts:      maxAttempts,
			IdempotencyToken: idempotencyToken(order.ID, i),
		})
	}
	return tasks, nil
}

// Plan writes the task batch for an order. Planning the same order twice is
// a no-op: the batch insert skips rows whose idempotency token already
// exists for the order.
func (p *Planner) Plan(ctx context.Context, order *types.Order) ([]*types.Task, error) {
	tasks, err := BuildTasks(order, p.splitSize, p.maxAttempts)
	if err != nil {
		return nil, err
	}

	if err := p.store.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("failed to create task batch: %w", err)
	}

	metrics.TasksPlanned.Add(float64(len(tasks)))
	p.logger.Info().
		Str("order_id", order.ID).
		Int("tasks", len(tasks)).
		Int("quantity", order.Quantity).
		Msg("Planned order into tasks")
	return tasks, nil
}

// idempotencyToken derives a stable per-slice token from the order identity.
func idempotencyToken(orderID string, sequence int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", orderID, sequence)))
	return hex.EncodeToString(sum[:16])
}
