package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error"})
}

func testConfig() Config {
	return Config{
		ReconciliationCron: "*/15 * * * *",
		VelocityCron:       "0 * * * *",
		VelocityThreshold:  5,
	}
}

// seedMismatchedOrder writes a terminal order with two refunded tasks but a
// refundAmount of zero, the synthetic discrepancy of a leaked refund path.
func seedMismatchedOrder(t *testing.T, store *storage.MemoryStore) *types.Order {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &types.User{ID: "user-1", Balance: decimal.RequireFromString("100")}))

	price := decimal.RequireFromString("0.0002")
	order := &types.Order{
		ID: "order-1", UserID: "user-1",
		Quantity: 1000, Delivered: 0, FailedPermanent: 1000, Remains: 0,
		PricePerUnit: price, TotalCost: price.Mul(decimal.NewFromInt(1000)),
		RefundAmount: decimal.Zero,
		Status:       types.OrderStatusCompleted,
		CreatedAt:    time.Now(),
	}
	tasks := []*types.Task{
		{ID: "t1", OrderID: order.ID, SequenceNumber: 0, Quantity: 500, ScheduledAt: time.Now(),
			Status: types.TaskStatusFailedPermanent, Refunded: true, MaxAttempts: 3, IdempotencyToken: "tok-1"},
		{ID: "t2", OrderID: order.ID, SequenceNumber: 1, Quantity: 500, ScheduledAt: time.Now(),
			Status: types.TaskStatusFailedPermanent, Refunded: true, MaxAttempts: 3, IdempotencyToken: "tok-2"},
	}
	require.NoError(t, store.CreateOrderWithDebit(ctx, order, tasks))
	return order
}

func TestReconciliationEmitsAnomaly(t *testing.T) {
	store := storage.NewMemoryStore()
	order := seedMismatchedOrder(t, store)
	r := NewReconciler(store, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, r.RunReconciliation(ctx))

	anomalies, err := store.ListOpenAnomalies(ctx)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, types.AnomalyRefundAmountMismatch, anomalies[0].Kind)
	assert.Equal(t, order.ID, anomalies[0].OrderID)
	assert.Equal(t, "0.2", anomalies[0].Expected)
	assert.Equal(t, "0", anomalies[0].Actual)

	// A second run must not duplicate the open anomaly.
	require.NoError(t, r.RunReconciliation(ctx))
	anomalies, err = store.ListOpenAnomalies(ctx)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)
}

func TestReconciliationFailedPlaysMismatch(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &types.User{ID: "user-1", Balance: decimal.RequireFromString("100")}))

	price := decimal.RequireFromString("0.0002")
	// failed_permanent says 300, but the refunded tasks sum to 500.
	order := &types.Order{
		ID: "order-2", UserID: "user-1",
		Quantity: 1000, Delivered: 500, FailedPermanent: 300, Remains: 200,
		PricePerUnit: price, TotalCost: price.Mul(decimal.NewFromInt(1000)),
		RefundAmount: decimal.RequireFromString("0.1"),
		Status:       types.OrderStatusCompleted,
		CreatedAt:    time.Now(),
	}
	tasks := []*types.Task{
		{ID: "t1", OrderID: order.ID, SequenceNumber: 0, Quantity: 500, ScheduledAt: time.Now(),
			Status: types.TaskStatusFailedPermanent, Refunded: true, MaxAttempts: 3, IdempotencyToken: "tok-1"},
	}
	require.NoError(t, store.CreateOrderWithDebit(ctx, order, tasks))

	r := NewReconciler(store, testConfig(), nil)
	require.NoError(t, r.RunReconciliation(ctx))

	anomalies, err := store.ListOpenAnomalies(ctx)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, types.AnomalyFailedPlaysMismatch, anomalies[0].Kind)
}

func TestReconciliationSkipsConsistentOrders(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &types.User{ID: "user-1", Balance: decimal.RequireFromString("100")}))

	price := decimal.RequireFromString("0.0002")
	order := &types.Order{
		ID: "order-3", UserID: "user-1",
		Quantity: 1000, Delivered: 500, FailedPermanent: 500, Remains: 0,
		PricePerUnit: price, TotalCost: price.Mul(decimal.NewFromInt(1000)),
		RefundAmount: decimal.RequireFromString("0.1"),
		Status:       types.OrderStatusCompleted,
		CreatedAt:    time.Now(),
	}
	tasks := []*types.Task{
		{ID: "t1", OrderID: order.ID, SequenceNumber: 0, Quantity: 500, ScheduledAt: time.Now(),
			Status: types.TaskStatusFailedPermanent, Refunded: true, MaxAttempts: 3, IdempotencyToken: "tok-1"},
	}
	require.NoError(t, store.CreateOrderWithDebit(ctx, order, tasks))

	r := NewReconciler(store, testConfig(), nil)
	require.NoError(t, r.RunReconciliation(ctx))

	anomalies, err := store.ListOpenAnomalies(ctx)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestVelocityCheckFlagsHotUsers(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// user-hot has 6 refund events inside the hour, user-cool only 2.
	for _, u := range []struct {
		id    string
		count int
	}{{"user-hot", 6}, {"user-cool", 2}} {
		require.NoError(t, store.CreateUser(ctx, &types.User{ID: u.id, Balance: decimal.RequireFromString("100")}))
		price := decimal.RequireFromString("0.0002")
		order := &types.Order{
			ID: "order-" + u.id, UserID: u.id,
			Quantity: u.count * 100, FailedPermanent: u.count * 100, Remains: 0,
			PricePerUnit: price, TotalCost: price.Mul(decimal.NewFromInt(int64(u.count * 100))),
			RefundAmount: decimal.Zero,
			Status:       types.OrderStatusCompleted, CreatedAt: now,
		}
		var tasks []*types.Task
		for i := 0; i < u.count; i++ {
			tasks = append(tasks, &types.Task{
				ID: order.ID + "-t" + string(rune('a'+i)), OrderID: order.ID, SequenceNumber: i,
				Quantity: 100, ScheduledAt: now, Status: types.TaskStatusFailedPermanent,
				MaxAttempts: 3, IdempotencyToken: order.ID + "-tok" + string(rune('a'+i)),
			})
		}
		require.NoError(t, store.CreateOrderWithDebit(ctx, order, tasks))
		for _, task := range tasks {
			_, err := store.RefundTask(ctx, storage.RefundParams{
				TaskID: task.ID, OrderID: order.ID, UserID: u.id,
				Amount: decimal.RequireFromString("0.02"), CreditBalance: true, Now: now,
			})
			require.NoError(t, err)
		}
	}

	r := NewReconciler(store, testConfig(), nil)
	require.NoError(t, r.RunVelocityCheck(ctx))

	flagged := store.FlaggedUsers()
	require.Len(t, flagged, 1)
	assert.Equal(t, "user-hot", flagged[0].UserID)
	assert.Equal(t, 6, flagged[0].RefundCount)
}
