package planner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

func testOrder(quantity int, window time.Duration) *types.Order {
	now := time.Now()
	return &types.Order{
		ID:                    uuid.New().String(),
		UserID:                "user-1",
		TargetURL:             "https://play.example/track/1",
		Quantity:              quantity,
		Remains:               quantity,
		PricePerUnit:          decimal.RequireFromString("0.0002"),
		Status:                types.OrderStatusRunning,
		CreatedAt:             now,
		StartedAt:             now,
		EstimatedCompletionAt: now.Add(window),
	}
}

func TestBuildTasks(t *testing.T) {
	tests := []struct {
		name          string
		quantity      int
		splitSize     int
		expectedTasks int
		lastQuantity  int
	}{
		{name: "exact split", quantity: 15000, splitSize: 500, expectedTasks: 30, lastQuantity: 500},
		{name: "remainder on last task", quantity: 1200, splitSize: 500, expectedTasks: 3, lastQuantity: 200},
		{name: "single play", quantity: 1, splitSize: 500, expectedTasks: 1, lastQuantity: 1},
		{name: "quantity below split", quantity: 300, splitSize: 500, expectedTasks: 1, lastQuantity: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := testOrder(tt.quantity, 24*time.Hour)
			tasks, err := BuildTasks(order, tt.splitSize, 3)
			require.NoError(t, err)
			assert.Len(t, tasks, tt.expectedTasks)

			total := 0
			for i, task := range tasks {
				assert.Equal(t, i, task.SequenceNumber)
				assert.Equal(t, types.TaskStatusPending, task.Status)
				assert.NotEmpty(t, task.IdempotencyToken)
				total += task.Quantity
			}
			assert.Equal(t, tt.quantity, total, "task quantities must sum to the order quantity")
			assert.Equal(t, tt.lastQuantity, tasks[len(tasks)-1].Quantity)
		})
	}
}

func TestBuildTasksRejectsNonPositiveQuantity(t *testing.T) {
	_, err := BuildTasks(testOrder(0, time.Hour), 500, 3)
	assert.Error(t, err)

	_, err = BuildTasks(testOrder(-5, time.Hour), 500, 3)
	assert.Error(t, err)
}

func TestBuildTasksSpreadsSchedule(t *testing.T) {
	order := testOrder(5000, 10*time.Hour)
	tasks, err := BuildTasks(order, 500, 3)
	require.NoError(t, err)
	require.Len(t, tasks, 10)

	// Linear spread: monotonically increasing, first at window start, none
	// past the window end.
	assert.Equal(t, order.StartedAt, tasks[0].ScheduledAt)
	for i := 1; i < len(tasks); i++ {
		assert.True(t, tasks[i].ScheduledAt.After(tasks[i-1].ScheduledAt),
			"task %d must be scheduled after task %d", i, i-1)
		assert.False(t, tasks[i].ScheduledAt.After(order.EstimatedCompletionAt))
	}
}

func TestBuildTasksStableTokens(t *testing.T) {
	order := testOrder(1500, time.Hour)
	first, err := BuildTasks(order, 500, 3)
	require.NoError(t, err)
	second, err := BuildTasks(order, 500, 3)
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].IdempotencyToken, second[i].IdempotencyToken,
			"tokens must be derived from order identity, not task identity")
	}
}

func TestPlanTwiceIsNoOp(t *testing.T) {
	store := storage.NewMemoryStore()
	p := NewPlanner(store, 500, 3)
	order := testOrder(1500, time.Hour)

	ctx := context.Background()
	_, err := p.Plan(ctx, order)
	require.NoError(t, err)
	_, err = p.Plan(ctx, order)
	require.NoError(t, err)

	tasks, err := store.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3, "second planning call must not duplicate tasks")
}
