package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spinforge/spinforge/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInsufficientBalance is returned when a debit would take a user
	// balance below zero
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateExternalKey is returned when an order with the same
	// (user, externalKey) already exists
	ErrDuplicateExternalKey = errors.New("duplicate external key")
)

// RefundParams carries one refund credit through the store.
type RefundParams struct {
	TaskID  string
	OrderID string
	UserID  string
	Amount  decimal.Decimal
	Reason  string
	// CreditBalance controls whether the user balance and ledger are
	// touched. When false only the bookkeeping fields move.
	CreditBalance bool
	Now           time.Time
}

// RefundAggregates summarizes per-task refund bookkeeping for one order.
type RefundAggregates struct {
	RefundedTasks    int
	RefundedQuantity int
}

// RefundVelocity counts refund events for one user inside a window.
type RefundVelocity struct {
	UserID string
	Count  int
}

// Store defines the interface for durable delivery state.
// Implemented by PostgresStore and, for tests and the dev profile, by
// MemoryStore. Every mutation that multiple workers can race on is a
// conditional update; callers learn the outcome from the return values,
// never by read-modify-write.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)

	// Orders
	// CreateOrderWithDebit writes the order, its initial task batch, and
	// the DEBIT ledger row in one transaction. The debit is a conditional
	// decrement that keeps the balance non-negative; on failure nothing is
	// written and ErrInsufficientBalance is returned. A clashing external
	// key returns ErrDuplicateExternalKey.
	CreateOrderWithDebit(ctx context.Context, order *types.Order, tasks []*types.Task) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	GetOrderByExternalKey(ctx context.Context, userID, externalKey string) (*types.Order, error)
	ListOrdersByStatus(ctx context.Context, statuses ...types.OrderStatus) ([]*types.Order, error)
	ListOrders(ctx context.Context) ([]*types.Order, error)
	MarkOrderCancelled(ctx context.Context, orderID string, now time.Time) (*types.Order, error)

	// Tasks
	// CreateTasks writes the batch atomically. A batch whose idempotency
	// tokens already exist for the order is a no-op.
	CreateTasks(ctx context.Context, tasks []*types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasksByOrder(ctx context.Context, orderID string) ([]*types.Task, error)
	// ListReadyTasks returns up to limit tasks that are PENDING and due,
	// FAILED_RETRYING past their backoff, or EXECUTING past the orphan
	// cutoff.
	ListReadyTasks(ctx context.Context, now, orphanCutoff time.Time, limit int) ([]*types.Task, error)
	// ClaimTask moves a task from its observed status to EXECUTING iff the
	// status predicate still matches, stamping the worker and incrementing
	// attempts in the same statement. ok is false when another worker won.
	ClaimTask(ctx context.Context, taskID string, from types.TaskStatus, workerID string, now, orphanCutoff time.Time) (*types.Task, bool, error)
	SetTaskProxy(ctx context.Context, taskID, proxyNodeID string) error
	// CompleteTask marks the task COMPLETED and folds its quantity into
	// the order with atomic increments. When the order's remains hits zero
	// it is finalized in the same transaction; done reports that.
	CompleteTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (order *types.Order, done bool, err error)
	FailTaskTransient(ctx context.Context, taskID, errMsg string, retryAfter time.Time) error
	// FailTaskPermanent marks the task FAILED_PERMANENT and bumps the
	// order's failedPermanent/remains with atomic increments. The refund is
	// a separate transaction (RefundTask) so a ledger error cannot undo the
	// task state.
	FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, errMsg string, now time.Time) error
	// AbandonTask moves a non-terminal task straight to FAILED_PERMANENT
	// (admin cancellation path) and folds its quantity into the order's
	// failure counters. ok is false when the task was already terminal.
	AbandonTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (ok bool, err error)
	// FinalizeOrderIfDone completes an order whose remains reached zero.
	FinalizeOrderIfDone(ctx context.Context, orderID string, now time.Time) (order *types.Order, done bool, err error)
	CountOrphans(ctx context.Context, cutoff time.Time) (int, error)

	// Ledger and refunds
	// RefundTask applies the exactly-once refund transaction of one
	// permanently failed task. applied is false when the task was already
	// refunded.
	RefundTask(ctx context.Context, p RefundParams) (applied bool, err error)
	ListBalanceTransactions(ctx context.Context, userID string) ([]*types.BalanceTransaction, error)
	ListRefundEvents(ctx context.Context, orderID string) ([]*types.RefundEvent, error)
	RefundVelocity(ctx context.Context, since time.Time, threshold int) ([]RefundVelocity, error)
	FlagUser(ctx context.Context, f *types.FlaggedUser) error
	TaskRefundAggregates(ctx context.Context, orderID string) (RefundAggregates, error)

	// Anomalies
	CreateAnomaly(ctx context.Context, a *types.RefundAnomaly) error
	HasOpenAnomaly(ctx context.Context, orderID string, kind types.AnomalyKind) (bool, error)
	ListOpenAnomalies(ctx context.Context) ([]*types.RefundAnomaly, error)
	ResolveAnomaly(ctx context.Context, id string, at time.Time) error

	// Proxy nodes
	CreateProxyNode(ctx context.Context, node *types.ProxyNode) error
	GetProxyNode(ctx context.Context, id string) (*types.ProxyNode, error)
	// ListProxyCandidates returns ONLINE nodes of the tier with spare
	// capacity, optionally filtered by country.
	ListProxyCandidates(ctx context.Context, tier types.ProxyTier, country string, limit int) ([]*types.ProxyNode, error)
	SetProxyNodeStatus(ctx context.Context, id string, status types.ProxyNodeStatus) error
	// AcquireProxySlot increments current_load iff below capacity.
	AcquireProxySlot(ctx context.Context, id string) (bool, error)
	ReleaseProxySlot(ctx context.Context, id string) error

	// Utility
	Close() error
}
