package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spinforge/spinforge/pkg/events"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

// refundTolerance absorbs one least-significant unit of rounding between
// the per-task refund sum and the order aggregate.
var refundTolerance = decimal.NewFromFloat(0.01)

// velocityWindow is the look-back for the refund velocity check.
const velocityWindow = time.Hour

// Config holds the reconciliation cadences.
type Config struct {
	ReconciliationCron string
	VelocityCron       string
	VelocityThreshold  int
}

// Reconciler periodically checks per-order aggregates against per-task
// bookkeeping and flags users with suspicious refund velocity. It never
// repairs state; discrepancies are persisted as open anomalies for
// operators.
type Reconciler struct {
	store  storage.Store
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewReconciler creates a reconciler with cron-driven cadences.
func NewReconciler(store storage.Store, cfg Config, broker *events.Broker) *Reconciler {
	return &Reconciler{
		store:  store,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("reconciler"),
		cron:   cron.New(),
	}
}

// Start schedules the reconciliation and velocity jobs.
func (r *Reconciler) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.ReconciliationCron, func() {
		if err := r.RunReconciliation(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.VelocityCron, func() {
		if err := r.RunVelocityCheck(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Velocity check failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule velocity check: %w", err)
	}
	r.cron.Start()
	r.logger.Info().
		Str("reconciliation_cron", r.cfg.ReconciliationCron).
		Str("velocity_cron", r.cfg.VelocityCron).
		Msg("Reconciler started")
	return nil
}

// Stop stops the cron scheduler and waits for running jobs.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reconciler stopped")
}

// RunReconciliation performs one reconciliation cycle over every terminal
// order with refund activity.
func (r *Reconciler) RunReconciliation(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	orders, err := r.store.ListOrdersByStatus(ctx,
		types.OrderStatusCompleted, types.OrderStatusCancelled, types.OrderStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to list terminal orders: %w", err)
	}

	for _, order := range orders {
		if err := r.reconcileOrder(ctx, order); err != nil {
			r.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to reconcile order")
		}
	}
	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order *types.Order) error {
	agg, err := r.store.TaskRefundAggregates(ctx, order.ID)
	if err != nil {
		return err
	}
	if agg.RefundedTasks == 0 && order.RefundAmount.IsZero() {
		return nil
	}

	expectedRefund := order.PricePerUnit.Mul(decimal.NewFromInt(int64(agg.RefundedQuantity)))
	if expectedRefund.Sub(order.RefundAmount).Abs().GreaterThan(refundTolerance) {
		if err := r.emitAnomaly(ctx, order, types.AnomalyRefundAmountMismatch,
			expectedRefund.String(), order.RefundAmount.String(), "HIGH"); err != nil {
			return err
		}
	}

	if agg.RefundedQuantity != order.FailedPermanent {
		if err := r.emitAnomaly(ctx, order, types.AnomalyFailedPlaysMismatch,
			fmt.Sprintf("%d", agg.RefundedQuantity), fmt.Sprintf("%d", order.FailedPermanent), "MEDIUM"); err != nil {
			return err
		}
	}
	return nil
}

// emitAnomaly persists a discrepancy unless an open one already exists for
// the same order and kind.
func (r *Reconciler) emitAnomaly(ctx context.Context, order *types.Order, kind types.AnomalyKind, expected, actual, severity string) error {
	open, err := r.store.HasOpenAnomaly(ctx, order.ID, kind)
	if err != nil {
		return err
	}
	if open {
		return nil
	}

	anomaly := &types.RefundAnomaly{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		Kind:       kind,
		Expected:   expected,
		Actual:     actual,
		Severity:   severity,
		DetectedAt: time.Now(),
	}
	if err := r.store.CreateAnomaly(ctx, anomaly); err != nil {
		return err
	}

	metrics.AnomaliesDetected.WithLabelValues(string(kind)).Inc()
	if r.broker != nil {
		r.broker.Publish(events.Event{
			Type:    events.EventAnomalyDetected,
			OrderID: order.ID,
			UserID:  order.UserID,
			Message: fmt.Sprintf("%s: expected %s, actual %s", kind, expected, actual),
		})
	}
	r.logger.Warn().
		Str("order_id", order.ID).
		Str("kind", string(kind)).
		Str("expected", expected).
		Str("actual", actual).
		Msg("Reconciliation anomaly detected")
	return nil
}

// RunVelocityCheck flags users whose refund-event count inside the window
// exceeds the threshold.
func (r *Reconciler) RunVelocityCheck(ctx context.Context) error {
	now := time.Now()
	since := now.Add(-velocityWindow)

	hot, err := r.store.RefundVelocity(ctx, since, r.cfg.VelocityThreshold)
	if err != nil {
		return fmt.Errorf("failed to query refund velocity: %w", err)
	}

	for _, v := range hot {
		flag := &types.FlaggedUser{
			ID:          uuid.New().String(),
			UserID:      v.UserID,
			RefundCount: v.Count,
			WindowStart: since,
			WindowEnd:   now,
			FlaggedAt:   now,
		}
		if err := r.store.FlagUser(ctx, flag); err != nil {
			r.logger.Error().Err(err).Str("user_id", v.UserID).Msg("Failed to flag user")
			continue
		}
		metrics.UsersFlagged.Inc()
		if r.broker != nil {
			r.broker.Publish(events.Event{
				Type:    events.EventUserFlagged,
				UserID:  v.UserID,
				Message: fmt.Sprintf("user exceeded refund velocity: %d events in the last hour", v.Count),
			})
		}
		r.logger.Warn().
			Str("user_id", v.UserID).
			Int("refund_events", v.Count).
			Msg("User flagged for refund velocity")
	}
	return nil
}
