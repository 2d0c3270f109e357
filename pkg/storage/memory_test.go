package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/spinforge/spinforge/pkg/types"
)

func seedOrder(t *testing.T, store *MemoryStore, quantity, taskQuantity int) (*types.Order, []*types.Task) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &types.User{
		ID:      "user-1",
		Balance: decimal.RequireFromString("100"),
	}))

	price := decimal.RequireFromString("0.0002")
	order := &types.Order{
		ID:           "order-1",
		UserID:       "user-1",
		TargetURL:    "https://play.example/track/1",
		Quantity:     quantity,
		Remains:      quantity,
		PricePerUnit: price,
		TotalCost:    price.Mul(decimal.NewFromInt(int64(quantity))),
		RefundAmount: decimal.Zero,
		Status:       types.OrderStatusRunning,
		CreatedAt:    time.Now(),
		StartedAt:    time.Now(),
	}

	var tasks []*types.Task
	for i := 0; i < quantity/taskQuantity; i++ {
		tasks = append(tasks, &types.Task{
			ID:               "task-" + string(rune('a'+i)),
			OrderID:          order.ID,
			SequenceNumber:   i,
			Quantity:         taskQuantity,
			ScheduledAt:      time.Now().Add(-time.Minute),
			Status:           types.TaskStatusPending,
			MaxAttempts:      3,
			IdempotencyToken: "tok-" + string(rune('a'+i)),
		})
	}
	require.NoError(t, store.CreateOrderWithDebit(ctx, order, tasks))
	return order, tasks
}

func TestCreateOrderWithDebit(t *testing.T) {
	ctx := context.Background()

	t.Run("debits exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		order, _ := seedOrder(t, store, 1000, 500)

		user, err := store.GetUser(ctx, order.UserID)
		require.NoError(t, err)
		assert.Equal(t, "99.8", user.Balance.String())

		txs, err := store.ListBalanceTransactions(ctx, order.UserID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, types.LedgerKindDebit, txs[0].Kind)
		assert.Equal(t, "-0.2", txs[0].Amount.String())
	})

	t.Run("insufficient balance rejects without writes", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateUser(ctx, &types.User{ID: "poor", Balance: decimal.RequireFromString("0.01")}))

		order := &types.Order{
			ID:           "order-x",
			UserID:       "poor",
			Quantity:     1000,
			Remains:      1000,
			PricePerUnit: decimal.RequireFromString("0.0002"),
			TotalCost:    decimal.RequireFromString("0.2"),
			Status:       types.OrderStatusRunning,
		}
		err := store.CreateOrderWithDebit(ctx, order, nil)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		_, err = store.GetOrder(ctx, "order-x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate external key rejected", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.CreateUser(ctx, &types.User{ID: "u", Balance: decimal.RequireFromString("10")}))

		mk := func(id string) *types.Order {
			return &types.Order{
				ID: id, UserID: "u", Quantity: 100, Remains: 100,
				PricePerUnit: decimal.RequireFromString("0.0002"),
				TotalCost:    decimal.RequireFromString("0.02"),
				ExternalKey:  "key-1",
				Status:       types.OrderStatusRunning,
			}
		}
		require.NoError(t, store.CreateOrderWithDebit(ctx, mk("o1"), nil))
		assert.ErrorIs(t, store.CreateOrderWithDebit(ctx, mk("o2"), nil), ErrDuplicateExternalKey)
	})
}

func TestClaimTask(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-120 * time.Second)

	t.Run("exactly one claim wins", func(t *testing.T) {
		store := NewMemoryStore()
		_, tasks := seedOrder(t, store, 1000, 500)

		claimed, ok, err := store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusPending, "worker-a", now, cutoff)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, types.TaskStatusExecuting, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, "worker-a", claimed.WorkerID)

		_, ok, err = store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusPending, "worker-b", now, cutoff)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose the race")
	})

	t.Run("unscheduled task cannot be claimed", func(t *testing.T) {
		store := NewMemoryStore()
		_, tasks := seedOrder(t, store, 500, 500)
		future := now.Add(time.Hour)
		require.NoError(t, store.CreateTasks(ctx, []*types.Task{{
			ID: "future", OrderID: tasks[0].OrderID, SequenceNumber: 9,
			Quantity: 1, ScheduledAt: future, Status: types.TaskStatusPending,
			MaxAttempts: 3, IdempotencyToken: "tok-future",
		}}))

		_, ok, err := store.ClaimTask(ctx, "future", types.TaskStatusPending, "worker-a", now, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("orphan reclaim requires staleness", func(t *testing.T) {
		store := NewMemoryStore()
		_, tasks := seedOrder(t, store, 500, 500)

		_, ok, err := store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusPending, "worker-a", now, cutoff)
		require.NoError(t, err)
		require.True(t, ok)

		// Fresh execution: not reclaimable.
		_, ok, err = store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusExecuting, "worker-b", now, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		// Stale execution: reclaimable, attempts preserved and incremented.
		staleCutoff := now.Add(time.Minute)
		reclaimed, ok, err := store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusExecuting, "worker-b", now, staleCutoff)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, reclaimed.Attempts)
		assert.Equal(t, "worker-b", reclaimed.WorkerID)
	})
}

func TestCompleteAndFailConservation(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-120 * time.Second)

	store := NewMemoryStore()
	order, tasks := seedOrder(t, store, 1000, 500)

	checkConservation := func() {
		o, err := store.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, o.Quantity, o.Delivered+o.FailedPermanent+o.Remains,
			"conservation must hold after every step")
	}

	// Complete the first task.
	claimed, ok, err := store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusPending, "w", now, cutoff)
	require.NoError(t, err)
	require.True(t, ok)
	checkConservation()

	_, done, err := store.CompleteTask(ctx, claimed.ID, order.ID, claimed.Quantity, now)
	require.NoError(t, err)
	assert.False(t, done)
	checkConservation()

	// Fail the second permanently.
	claimed, ok, err = store.ClaimTask(ctx, tasks[1].ID, types.TaskStatusPending, "w", now, cutoff)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.FailTaskPermanent(ctx, claimed.ID, order.ID, claimed.Quantity, "boom", now))
	checkConservation()

	finalized, done, err := store.FinalizeOrderIfDone(ctx, order.ID, now)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, types.OrderStatusCompleted, finalized.Status)
	assert.Contains(t, finalized.Notes, "(PARTIAL)")
}

func TestCompleteFinalOrderNotes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-120 * time.Second)

	store := NewMemoryStore()
	order, tasks := seedOrder(t, store, 1000, 500)

	for _, task := range tasks {
		claimed, ok, err := store.ClaimTask(ctx, task.ID, types.TaskStatusPending, "w", now, cutoff)
		require.NoError(t, err)
		require.True(t, ok)
		_, _, err = store.CompleteTask(ctx, claimed.ID, order.ID, claimed.Quantity, now)
		require.NoError(t, err)
	}

	o, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCompleted, o.Status)
	assert.Equal(t, "Delivered: 1,000 | Failed: 0", o.Notes)
	assert.Equal(t, 0, o.Remains)
}

func TestRefundTaskExactlyOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-120 * time.Second)

	store := NewMemoryStore()
	order, tasks := seedOrder(t, store, 1000, 500)

	claimed, _, err := store.ClaimTask(ctx, tasks[0].ID, types.TaskStatusPending, "w", now, cutoff)
	require.NoError(t, err)
	require.NoError(t, store.FailTaskPermanent(ctx, claimed.ID, order.ID, claimed.Quantity, "boom", now))

	params := RefundParams{
		TaskID:        claimed.ID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        decimal.RequireFromString("0.1"),
		Reason:        "test refund",
		CreditBalance: true,
		Now:           now,
	}

	applied, err := store.RefundTask(ctx, params)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.RefundTask(ctx, params)
	require.NoError(t, err)
	assert.False(t, applied, "second refund must be a no-op")

	user, err := store.GetUser(ctx, order.UserID)
	require.NoError(t, err)
	// 100 - 0.2 debit + 0.1 refund, credited exactly once.
	assert.Equal(t, "99.9", user.Balance.String())

	o, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.1", o.RefundAmount.String())

	events, err := store.ListRefundEvents(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProxySlotAccounting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	node := &types.ProxyNode{
		ID: "node-1", Endpoint: "10.0.0.1:8080", Tier: types.TierDatacenter,
		Capacity: 1, Status: types.ProxyStatusOnline,
	}
	require.NoError(t, store.CreateProxyNode(ctx, node))

	ok, err := store.AcquireProxySlot(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// At capacity: not selectable, not acquirable.
	candidates, err := store.ListProxyCandidates(ctx, types.TierDatacenter, "", 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	ok, err = store.AcquireProxySlot(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseProxySlot(ctx, "node-1"))
	ok, err = store.AcquireProxySlot(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
