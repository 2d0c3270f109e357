package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

// Invariant names a conservation law checked by the validator.
type Invariant string

const (
	InvariantConservation Invariant = "CONSERVATION"
	InvariantRefundCap    Invariant = "REFUND_CAP"
	InvariantTerminal     Invariant = "TERMINAL_TASKS"
	InvariantIdempotency  Invariant = "EXTERNAL_KEY_UNIQUE"
	InvariantTokenUnique  Invariant = "TOKEN_UNIQUE"
	InvariantStuck        Invariant = "NO_STUCK_TASKS"
)

// Violation records one broken invariant.
type Violation struct {
	OrderID   string    `json:"orderId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Invariant Invariant `json:"invariant"`
	Detail    string    `json:"detail"`
}

// Report is the structured result of a validation run.
type Report struct {
	OrdersChecked int         `json:"ordersChecked"`
	TasksChecked  int         `json:"tasksChecked"`
	Violations    []Violation `json:"violations"`
	RanAt         time.Time   `json:"ranAt"`
}

// Valid reports whether every invariant held.
func (r *Report) Valid() bool { return len(r.Violations) == 0 }

// Validator verifies the delivery engine's conservation laws on demand.
// It reads, never mutates.
type Validator struct {
	store           storage.Store
	orphanThreshold time.Duration
	logger          zerolog.Logger
}

// New creates a validator.
func New(store storage.Store, orphanThreshold time.Duration) *Validator {
	return &Validator{
		store:           store,
		orphanThreshold: orphanThreshold,
		logger:          log.WithComponent("validator"),
	}
}

// ValidateOrder checks every invariant of a single order.
func (v *Validator) ValidateOrder(ctx context.Context, orderID string) (*Report, error) {
	order, err := v.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	report := &Report{RanAt: time.Now()}
	if err := v.checkOrder(ctx, order, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Scan checks every order plus the cross-order invariants.
func (v *Validator) Scan(ctx context.Context) (*Report, error) {
	orders, err := v.store.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{RanAt: time.Now()}

	seenKeys := make(map[string]string)
	for _, order := range orders {
		if err := v.checkOrder(ctx, order, report); err != nil {
			return nil, err
		}
		if order.ExternalKey != "" {
			key := order.UserID + "\x00" + order.ExternalKey
			if otherID, dup := seenKeys[key]; dup {
				report.Violations = append(report.Violations, Violation{
					OrderID:   order.ID,
					Invariant: InvariantIdempotency,
					Detail:    fmt.Sprintf("external key shared with order %s", otherID),
				})
			}
			seenKeys[key] = order.ID
		}
	}
	return report, nil
}

func (v *Validator) checkOrder(ctx context.Context, order *types.Order, report *Report) error {
	report.OrdersChecked++

	if order.Delivered+order.FailedPermanent+order.Remains != order.Quantity {
		report.Violations = append(report.Violations, Violation{
			OrderID:   order.ID,
			Invariant: InvariantConservation,
			Detail: fmt.Sprintf("delivered %d + failed %d + remains %d != quantity %d",
				order.Delivered, order.FailedPermanent, order.Remains, order.Quantity),
		})
	}

	refundCap := order.PricePerUnit.
		Mul(decimal.NewFromInt(int64(order.FailedPermanent))).
		Add(order.PricePerUnit) // one least-significant unit of tolerance
	if order.RefundAmount.GreaterThan(refundCap) {
		report.Violations = append(report.Violations, Violation{
			OrderID:   order.ID,
			Invariant: InvariantRefundCap,
			Detail: fmt.Sprintf("refund %s exceeds cap %s",
				order.RefundAmount.String(), refundCap.String()),
		})
	}

	tasks, err := v.store.ListTasksByOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	orphanCutoff := time.Now().Add(-v.orphanThreshold)
	tokens := make(map[string]string)
	for _, task := range tasks {
		report.TasksChecked++

		if order.Status.Terminal() && !task.Status.Terminal() {
			report.Violations = append(report.Violations, Violation{
				OrderID:   order.ID,
				TaskID:    task.ID,
				Invariant: InvariantTerminal,
				Detail:    fmt.Sprintf("order is %s but task is %s", order.Status, task.Status),
			})
		}

		if otherID, dup := tokens[task.IdempotencyToken]; dup {
			report.Violations = append(report.Violations, Violation{
				OrderID:   order.ID,
				TaskID:    task.ID,
				Invariant: InvariantTokenUnique,
				Detail:    fmt.Sprintf("idempotency token shared with task %s", otherID),
			})
		}
		tokens[task.IdempotencyToken] = task.ID

		if task.Status == types.TaskStatusExecuting &&
			!task.ExecutionStartedAt.IsZero() && task.ExecutionStartedAt.Before(orphanCutoff) {
			report.Violations = append(report.Violations, Violation{
				OrderID:   order.ID,
				TaskID:    task.ID,
				Invariant: InvariantStuck,
				Detail: fmt.Sprintf("executing since %s, past the orphan threshold",
					task.ExecutionStartedAt.Format(time.RFC3339)),
			})
		}
	}
	return nil
}
