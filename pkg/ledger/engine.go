package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spinforge/spinforge/pkg/events"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/planner"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

// CreateOrderStatus enumerates the expected outcomes of order intake.
type CreateOrderStatus string

const (
	CreateOK                  CreateOrderStatus = "OK"
	CreateValidationFailed    CreateOrderStatus = "VALIDATION_FAILED"
	CreateInsufficientBalance CreateOrderStatus = "INSUFFICIENT_BALANCE"
	CreateDuplicateKey        CreateOrderStatus = "DUPLICATE_KEY"
)

// CreateOrderResult is the intake outcome. DuplicateKey carries the
// previously created order; the caller sees the same id on both requests.
type CreateOrderResult struct {
	Status CreateOrderStatus
	Order  *types.Order
	Reason string
}

// CreateOrderRequest describes one incoming order.
type CreateOrderRequest struct {
	UserID       string
	TargetURL    string
	Quantity     int
	PricePerUnit decimal.Decimal
	ExternalKey  string
	// Window is the delivery window tasks are spread across.
	Window time.Duration
}

// Config holds the intake and refund tunables.
type Config struct {
	SplitSize         int
	MaxAttempts       int
	InstantThreshold  int
	ForceTaskDelivery bool
	RefundEnabled     bool
}

// Engine owns every balance mutation: the debit at order creation and the
// exactly-once credit for each permanently failed task.
type Engine struct {
	store  storage.Store
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger
}

// NewEngine creates a ledger engine.
func NewEngine(store storage.Store, cfg Config, broker *events.Broker) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("ledger"),
	}
}

// CreateOrder validates, debits, and writes an order with its initial task
// batch in one transaction. Orders at or below the instant threshold are
// completed without tasks unless task delivery is forced.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if req.Quantity <= 0 {
		return rejected(CreateValidationFailed, "quantity must be positive"), nil
	}
	if req.TargetURL == "" {
		return rejected(CreateValidationFailed, "target URL is required"), nil
	}
	if !req.PricePerUnit.IsPositive() {
		return rejected(CreateValidationFailed, "price per unit must be positive"), nil
	}

	if req.ExternalKey != "" {
		existing, err := e.store.GetOrderByExternalKey(ctx, req.UserID, req.ExternalKey)
		if err == nil {
			return CreateOrderResult{Status: CreateDuplicateKey, Order: existing}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return CreateOrderResult{}, fmt.Errorf("failed to check external key: %w", err)
		}
	}

	now := time.Now()
	totalCost := req.PricePerUnit.Mul(decimal.NewFromInt(int64(req.Quantity)))
	order := &types.Order{
		ID:                    uuid.New().String(),
		UserID:                req.UserID,
		TargetURL:             req.TargetURL,
		Quantity:              req.Quantity,
		Remains:               req.Quantity,
		PricePerUnit:          req.PricePerUnit,
		TotalCost:             totalCost,
		RefundAmount:          decimal.Zero,
		Status:                types.OrderStatusRunning,
		ExternalKey:           req.ExternalKey,
		CreatedAt:             now,
		StartedAt:             now,
		EstimatedCompletionAt: now.Add(req.Window),
	}

	var tasks []*types.Task
	if req.Quantity <= e.cfg.InstantThreshold && !e.cfg.ForceTaskDelivery {
		// Instant path: small orders bypass task delivery entirely.
		order.Delivered = req.Quantity
		order.Remains = 0
		order.Status = types.OrderStatusCompleted
		order.CompletedAt = now
		order.Notes = types.SummaryNotes(order.Delivered, 0, decimal.Zero)
	} else {
		var err error
		tasks, err = planner.BuildTasks(order, e.cfg.SplitSize, e.cfg.MaxAttempts)
		if err != nil {
			return rejected(CreateValidationFailed, err.Error()), nil
		}
	}

	err := e.store.CreateOrderWithDebit(ctx, order, tasks)
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		metrics.OrdersRejected.WithLabelValues("insufficient_balance").Inc()
		return rejected(CreateInsufficientBalance, "balance too low for order cost"), nil
	case errors.Is(err, storage.ErrDuplicateExternalKey):
		// Two concurrent requests raced on the same key; the unique
		// constraint arbitrated and the loser returns the winner's order.
		existing, getErr := e.store.GetOrderByExternalKey(ctx, req.UserID, req.ExternalKey)
		if getErr != nil {
			return CreateOrderResult{}, fmt.Errorf("failed to load existing order after key conflict: %w", getErr)
		}
		return CreateOrderResult{Status: CreateDuplicateKey, Order: existing}, nil
	case err != nil:
		return CreateOrderResult{}, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersCreated.Inc()
	metrics.TasksPlanned.Add(float64(len(tasks)))
	e.publish(events.Event{
		Type:    events.EventOrderCreated,
		OrderID: order.ID,
		UserID:  req.UserID,
		Message: fmt.Sprintf("order for %d plays accepted", req.Quantity),
	})
	e.logger.Info().
		Str("order_id", order.ID).
		Str("user_id", req.UserID).
		Int("quantity", req.Quantity).
		Int("tasks", len(tasks)).
		Str("total_cost", totalCost.String()).
		Msg("Order accepted and debited")

	return CreateOrderResult{Status: CreateOK, Order: order}, nil
}

// RefundTask credits back a permanently failed task exactly once. The
// returned bool reports whether this call applied the refund; false means
// an earlier run already had.
func (e *Engine) RefundTask(ctx context.Context, task *types.Task, order *types.Order) (bool, error) {
	amount := order.PricePerUnit.Mul(decimal.NewFromInt(int64(task.Quantity)))
	applied, err := e.store.RefundTask(ctx, storage.RefundParams{
		TaskID:        task.ID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        amount,
		Reason:        fmt.Sprintf("refund for failed task %d of order %s", task.SequenceNumber, order.ID),
		CreditBalance: e.cfg.RefundEnabled,
		Now:           time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to refund task: %w", err)
	}
	if !applied {
		metrics.RefundsDuplicate.Inc()
		return false, nil
	}

	metrics.RefundsIssued.Inc()
	e.publish(events.Event{
		Type:    events.EventRefundIssued,
		OrderID: order.ID,
		TaskID:  task.ID,
		UserID:  order.UserID,
		Message: "refunded $" + amount.String(),
	})
	e.logger.Info().
		Str("order_id", order.ID).
		Str("task_id", task.ID).
		Str("amount", amount.String()).
		Bool("credited", e.cfg.RefundEnabled).
		Msg("Task refunded")
	return true, nil
}

// CancelOrder abandons every non-terminal task, refunds each, and marks
// the order CANCELLED. Admin-only.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	tasks, err := e.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		abandoned, err := e.store.AbandonTask(ctx, task.ID, orderID, task.Quantity, now)
		if err != nil {
			return nil, err
		}
		if !abandoned {
			continue
		}
		if _, err := e.RefundTask(ctx, task, order); err != nil {
			// The task stays FAILED_PERMANENT with refunded = false;
			// reconciliation will surface it.
			e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to refund abandoned task")
		}
	}

	cancelled, err := e.store.MarkOrderCancelled(ctx, orderID, now)
	if err != nil {
		return nil, err
	}
	e.publish(events.Event{
		Type:    events.EventOrderCancelled,
		OrderID: orderID,
		UserID:  order.UserID,
		Message: "order cancelled by admin",
	})
	return cancelled, nil
}

func (e *Engine) publish(ev events.Event) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(ev)
}

func rejected(status CreateOrderStatus, reason string) CreateOrderResult {
	if status == CreateValidationFailed {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
	}
	return CreateOrderResult{Status: status, Reason: reason}
}
