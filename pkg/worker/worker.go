package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spinforge/spinforge/pkg/events"
	"github.com/spinforge/spinforge/pkg/executor"
	"github.com/spinforge/spinforge/pkg/ledger"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/router"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
)

const (
	backoffBase        = 30 * time.Second
	backoffMaxExponent = 4
)

// Config holds the worker loop tunables.
type Config struct {
	BatchSize       int
	MaxConcurrent   int
	CycleInterval   time.Duration
	OrphanThreshold time.Duration
	ExecutorTimeout time.Duration
}

// Worker is the scheduled delivery loop: it claims ready tasks, dispatches
// them through the router to the executor, records outcomes, and advances
// order state. Orphan recovery rides the same claim path.
type Worker struct {
	id     string
	store  storage.Store
	router *router.Router
	exec   executor.Executor
	ledger *ledger.Engine
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	stats        Stats
	cycleRunning atomic.Bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New creates a worker with a stable hostname-derived identity.
func New(store storage.Store, rt *router.Router, exec executor.Executor, eng *ledger.Engine, broker *events.Broker, cfg Config) *Worker {
	id := workerID()
	w := &Worker{
		id:     id,
		store:  store,
		router: rt,
		exec:   exec,
		ledger: eng,
		broker: broker,
		cfg:    cfg,
		logger: log.WithWorkerID(id),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.stats.startTime = time.Now()
	return w
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%s", host, uuid.New().String()[:6])
	}
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(suffix))
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string { return w.id }

// StatsSnapshot returns the current activity counters.
func (w *Worker) StatsSnapshot() Snapshot { return w.stats.snapshot(w.id) }

// Start begins the worker loop
func (w *Worker) Start() {
	go w.run()
}

// Stop stops the worker and waits for the in-flight cycle to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("cycle_interval", w.cfg.CycleInterval).
		Dur("orphan_threshold", w.cfg.OrphanThreshold).
		Msg("Delivery worker started")

	for {
		select {
		case <-ticker.C:
			w.RunCycle(context.Background())
		case <-w.stopCh:
			w.logger.Info().Msg("Delivery worker stopped")
			return
		}
	}
}

// RunCycle executes one claim/execute/retire cycle. Reentry while a cycle
// is still running is rejected; the tick is dropped, not queued.
func (w *Worker) RunCycle(ctx context.Context) {
	if !w.cycleRunning.CompareAndSwap(false, true) {
		metrics.CyclesDropped.Inc()
		return
	}
	defer w.cycleRunning.Store(false)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)

	now := time.Now()
	orphanCutoff := now.Add(-w.cfg.OrphanThreshold)

	w.finalizeStragglers(ctx, now)

	tasks, err := w.store.ListReadyTasks(ctx, now, orphanCutoff, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list ready tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	// Bounded concurrency: at most maxConcurrent tasks in flight.
	sem := make(chan struct{}, w.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, task := range tasks {
		sem <- struct{}{}
		wg.Add(1)
		go func(t *types.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, t, orphanCutoff)
		}(task)
	}
	wg.Wait()
}

// finalizeStragglers converges active orders whose remains already reached
// zero, e.g. after a crash between the last task update and finalization.
func (w *Worker) finalizeStragglers(ctx context.Context, now time.Time) {
	orders, err := w.store.ListOrdersByStatus(ctx, types.OrderStatusPending, types.OrderStatusRunning)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list active orders")
		return
	}
	for _, order := range orders {
		if order.Remains != 0 {
			continue
		}
		if finalized, done, err := w.store.FinalizeOrderIfDone(ctx, order.ID, now); err != nil {
			w.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to finalize order")
		} else if done {
			w.publish(events.Event{
				Type:    events.EventOrderCompleted,
				OrderID: order.ID,
				Message: finalized.Notes,
			})
			w.logger.Info().Str("order_id", order.ID).Msg("Finalized order with no remaining work")
		}
	}
}

// process claims one task and drives it to an outcome.
func (w *Worker) process(ctx context.Context, observed *types.Task, orphanCutoff time.Time) {
	from := observed.Status
	task, ok, err := w.store.ClaimTask(ctx, observed.ID, from, w.id, time.Now(), orphanCutoff)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", observed.ID).Msg("Claim failed")
		return
	}
	if !ok {
		// Another worker won the race; silently a no-op.
		w.stats.ClaimRaces.Add(1)
		metrics.ClaimRaces.Inc()
		return
	}

	// Every line of this execution carries the claim's correlation chain.
	tlog := log.Task(w.logger, task.OrderID, task.ID, task.Attempts)

	if from == types.TaskStatusExecuting {
		// Reclaimed an orphan: the previous owner went silent past the
		// threshold. attempts was preserved and incremented by the claim.
		w.stats.RecoveredOrphans.Add(1)
		metrics.OrphansRecovered.Inc()
		w.publish(events.Event{
			Type:    events.EventOrphanReclaimed,
			OrderID: task.OrderID,
			TaskID:  task.ID,
			Message: "orphaned task reclaimed from " + observed.WorkerID,
		})
		tlog.Warn().
			Str("previous_worker", observed.WorkerID).
			Msg("Reclaimed orphaned task")
	}

	metrics.TasksClaimed.Inc()
	w.stats.Processed.Add(1)

	order, err := w.store.GetOrder(ctx, task.OrderID)
	if err != nil {
		w.fail(ctx, tlog, task, nil, fmt.Sprintf("failed to load order: %v", err))
		return
	}

	w.execute(ctx, tlog, task, order)
}

// execute routes the task through a proxy and invokes the executor.
func (w *Worker) execute(ctx context.Context, tlog zerolog.Logger, task *types.Task, order *types.Order) {
	if w.router == nil {
		w.fail(ctx, tlog, task, order, "no proxy available")
		return
	}

	lease, err := w.router.Select(ctx, router.Request{
		Operation: types.OperationPlayDelivery,
		Quantity:  task.Quantity,
	})
	if err != nil {
		if !errors.Is(err, router.ErrNoProxy) {
			tlog.Error().Err(err).Msg("Proxy selection failed")
		}
		w.fail(ctx, tlog, task, order, "no proxy available")
		return
	}

	if err := w.store.SetTaskProxy(ctx, task.ID, lease.Node.ID); err != nil {
		tlog.Error().Err(err).Msg("Failed to record task proxy")
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecutorTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	resp, err := w.exec.Deliver(callCtx, executor.Request{
		TaskID:    task.ID,
		OrderID:   order.ID,
		Quantity:  task.Quantity,
		TargetURL: order.TargetURL,
		Proxy: executor.Proxy{
			NodeID:   lease.Node.ID,
			Endpoint: lease.Node.Endpoint,
			Username: lease.Node.Username,
			Password: lease.Node.Password,
		},
	})
	timer.ObserveDuration(metrics.ExecutorCallDuration)

	latency := int(timer.Duration().Milliseconds())
	if err != nil {
		// Network error, 5xx, or timeout: transient by contract.
		w.router.ReportFailure(ctx, lease, 0, latency)
		w.fail(ctx, tlog, task, order, fmt.Sprintf("executor call failed: %v", err))
		return
	}
	if !resp.Success {
		w.router.ReportFailure(ctx, lease, resp.ErrorCode, resp.LatencyMs)
		w.fail(ctx, tlog, task, order, fmt.Sprintf("executor error %d: %s", resp.ErrorCode, resp.Message))
		return
	}

	w.router.ReportSuccess(ctx, lease, resp.LatencyMs)
	w.complete(ctx, tlog, task)
}

// complete retires a successful task and advances its order.
func (w *Worker) complete(ctx context.Context, tlog zerolog.Logger, task *types.Task) {
	order, done, err := w.store.CompleteTask(ctx, task.ID, task.OrderID, task.Quantity, time.Now())
	if err != nil {
		tlog.Error().Err(err).Msg("Failed to complete task")
		return
	}

	w.stats.Completed.Add(1)
	metrics.TasksCompleted.Inc()
	w.publish(events.Event{
		Type:    events.EventTaskCompleted,
		OrderID: task.OrderID,
		TaskID:  task.ID,
		Message: "task delivered",
	})
	tlog.Debug().Int("quantity", task.Quantity).Msg("Task completed")

	if done {
		w.publish(events.Event{
			Type:    events.EventOrderCompleted,
			OrderID: order.ID,
			Message: order.Notes,
		})
		w.logger.Info().
			Str("order_id", order.ID).
			Int("delivered", order.Delivered).
			Int("failed_permanent", order.FailedPermanent).
			Msg("Order completed")
	}
}

// fail retires a failed attempt: back off and retry while attempts remain,
// otherwise permanent failure with an exactly-once refund.
func (w *Worker) fail(ctx context.Context, tlog zerolog.Logger, task *types.Task, order *types.Order, reason string) {
	now := time.Now()

	if task.Attempts < task.MaxAttempts {
		exponent := min(task.Attempts-1, backoffMaxExponent)
		backoff := backoffBase * time.Duration(1<<exponent)
		if err := w.store.FailTaskTransient(ctx, task.ID, reason, now.Add(backoff)); err != nil {
			tlog.Error().Err(err).Msg("Failed to mark task retrying")
			return
		}
		w.stats.FailedTransient.Add(1)
		w.stats.Retries.Add(1)
		metrics.TasksFailed.WithLabelValues("transient").Inc()
		tlog.Debug().
			Dur("backoff", backoff).
			Str("reason", reason).
			Msg("Task failed, will retry")
		return
	}

	if err := w.store.FailTaskPermanent(ctx, task.ID, task.OrderID, task.Quantity, reason, now); err != nil {
		tlog.Error().Err(err).Msg("Failed to mark task permanently failed")
		return
	}
	w.stats.FailedPermanent.Add(1)
	metrics.TasksFailed.WithLabelValues("permanent").Inc()
	w.publish(events.Event{
		Type:    events.EventTaskFailed,
		OrderID: task.OrderID,
		TaskID:  task.ID,
		Message: reason,
	})
	tlog.Warn().Str("reason", reason).Msg("Task permanently failed")

	if order != nil {
		if _, err := w.ledger.RefundTask(ctx, task, order); err != nil {
			// The refund transaction failed; the task stays unrefunded and
			// reconciliation surfaces it.
			tlog.Error().Err(err).Msg("Refund failed")
		}
	}

	if finalized, done, err := w.store.FinalizeOrderIfDone(ctx, task.OrderID, now); err != nil {
		tlog.Error().Err(err).Msg("Failed to finalize order")
	} else if done {
		w.publish(events.Event{
			Type:    events.EventOrderCompleted,
			OrderID: finalized.ID,
			Message: finalized.Notes,
		})
		w.logger.Info().
			Str("order_id", finalized.ID).
			Int("delivered", finalized.Delivered).
			Int("failed_permanent", finalized.FailedPermanent).
			Str("refund_amount", finalized.RefundAmount.String()).
			Msg("Order completed with partial failures")
	}
}

// publish stamps the worker identity on the event and hands it to the
// broker, when one is wired.
func (w *Worker) publish(ev events.Event) {
	if w.broker == nil {
		return
	}
	ev.WorkerID = w.id
	w.broker.Publish(ev)
}
