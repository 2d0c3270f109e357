package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spinforge/spinforge/pkg/types"
)

const (
	pgUniqueViolation = "23505"

	orderColumns = `id, user_id, target_url, quantity, delivered, failed_permanent, remains,
		price_per_unit::text, total_cost::text, refund_amount::text, status,
		COALESCE(external_key, ''), created_at, started_at, estimated_completion_at, completed_at, notes`

	taskColumns = `id, order_id, sequence_number, quantity, scheduled_at, status,
		attempts, max_attempts, retry_after, execution_started_at,
		worker_id, proxy_node_id, idempotency_token, refunded, error_message, completed_at`

	proxyColumns = `id, endpoint, tier, country, capacity, current_load, status,
		username, password, created_at, updated_at`
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// User operations

func (s *PostgresStore) CreateUser(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, created_at) VALUES ($1, $2::numeric, $3)`,
		user.ID, user.Balance.String(), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::text, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	return &u, nil
}

// Order operations

func (s *PostgresStore) CreateOrderWithDebit(ctx context.Context, order *types.Order, tasks []*types.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conditional debit keeps the balance non-negative. Zero rows means
	// the user lacks funds (or does not exist).
	var balanceAfter string
	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2::numeric
		 WHERE id = $1 AND balance - $2::numeric >= 0
		 RETURNING balance::text`,
		order.UserID, order.TotalCost.String()).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	after, err := decimal.NewFromString(balanceAfter)
	if err != nil {
		return fmt.Errorf("failed to parse balance: %w", err)
	}
	before := after.Add(order.TotalCost)

	externalKey := nullIfEmpty(order.ExternalKey)
	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, target_url, quantity, delivered, failed_permanent, remains,
			price_per_unit, total_cost, refund_amount, status, external_key,
			created_at, started_at, estimated_completion_at, completed_at, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12,
			$13, $14, $15, $16, $17)`,
		order.ID, order.UserID, order.TargetURL, order.Quantity, order.Delivered,
		order.FailedPermanent, order.Remains, order.PricePerUnit.String(),
		order.TotalCost.String(), order.RefundAmount.String(), order.Status, externalKey,
		order.CreatedAt, nullIfZeroTime(order.StartedAt), nullIfZeroTime(order.EstimatedCompletionAt),
		nullIfZeroTime(order.CompletedAt), order.Notes)
	if isUniqueViolation(err) {
		return ErrDuplicateExternalKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := insertTasks(ctx, tx, tasks); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, order_id, task_id, amount, balance_before, balance_after, kind, reason, at)
		 VALUES ($1, $2, $3, NULL, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)`,
		uuid.New().String(), order.UserID, order.ID, order.TotalCost.Neg().String(),
		before.String(), after.String(), types.LedgerKindDebit,
		fmt.Sprintf("order %s: %d plays", order.ID, order.Quantity), order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append debit ledger row: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) GetOrderByExternalKey(ctx context.Context, userID, externalKey string) (*types.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND external_key = $2`,
		userID, externalKey)
	return scanOrder(row)
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, statuses ...types.OrderStatus) ([]*types.Order, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at`, ss)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]*types.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) MarkOrderCancelled(ctx context.Context, orderID string, now time.Time) (*types.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	notes := types.SummaryNotes(order.Delivered, order.FailedPermanent, order.RefundAmount)
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, completed_at = $3, notes = $4 WHERE id = $1`,
		orderID, types.OrderStatusCancelled, now, notes)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	order.Status = types.OrderStatusCancelled
	order.CompletedAt = now
	order.Notes = notes
	return order, nil
}

// Task operations

func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertTasks(ctx, tx, tasks); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTasks(ctx context.Context, tx pgx.Tx, tasks []*types.Task) error {
	for _, t := range tasks {
		// ON CONFLICT DO NOTHING on (order_id, idempotency_token) makes a
		// repeated planning call a no-op.
		_, err := tx.Exec(ctx,
			`INSERT INTO order_tasks (id, order_id, sequence_number, quantity, scheduled_at, status,
				attempts, max_attempts, retry_after, execution_started_at,
				worker_id, proxy_node_id, idempotency_token, refunded, error_message, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (order_id, idempotency_token) DO NOTHING`,
			t.ID, t.OrderID, t.SequenceNumber, t.Quantity, t.ScheduledAt, t.Status,
			t.Attempts, t.MaxAttempts, nullIfZeroTime(t.RetryAfter), nullIfZeroTime(t.ExecutionStartedAt),
			t.WorkerID, t.ProxyNodeID, t.IdempotencyToken, t.Refunded, t.ErrorMessage,
			nullIfZeroTime(t.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %d: %w", t.SequenceNumber, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM order_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByOrder(ctx context.Context, orderID string) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM order_tasks WHERE order_id = $1 ORDER BY sequence_number`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) ListReadyTasks(ctx context.Context, now, orphanCutoff time.Time, limit int) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM order_tasks
		 WHERE (status = 'PENDING' AND scheduled_at <= $1)
		    OR (status = 'FAILED_RETRYING' AND retry_after <= $1)
		    OR (status = 'EXECUTING' AND execution_started_at <= $2)
		 ORDER BY scheduled_at, sequence_number
		 LIMIT $3`,
		now, orphanCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) ClaimTask(ctx context.Context, taskID string, from types.TaskStatus, workerID string, now, orphanCutoff time.Time) (*types.Task, bool, error) {
	var predicate string
	args := []any{taskID, workerID, now}
	switch from {
	case types.TaskStatusPending:
		predicate = `status = 'PENDING' AND scheduled_at <= $3`
	case types.TaskStatusFailedRetrying:
		predicate = `status = 'FAILED_RETRYING' AND retry_after <= $3`
	case types.TaskStatusExecuting:
		// Orphan reclaim: only a stale execution may be taken over.
		predicate = `status = 'EXECUTING' AND execution_started_at <= $4`
		args = append(args, orphanCutoff)
	default:
		return nil, false, fmt.Errorf("cannot claim task from status %s", from)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE order_tasks
		 SET status = 'EXECUTING', execution_started_at = $3, worker_id = $2, attempts = attempts + 1
		 WHERE id = $1 AND `+predicate+`
		 RETURNING `+taskColumns,
		args...)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		// Another worker won the race.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, true, nil
}

func (s *PostgresStore) SetTaskProxy(ctx context.Context, taskID, proxyNodeID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE order_tasks SET proxy_node_id = $2 WHERE id = $1`, taskID, proxyNodeID)
	if err != nil {
		return fmt.Errorf("failed to set task proxy: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (*types.Order, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE order_tasks SET status = 'COMPLETED', completed_at = $2, error_message = ''
		 WHERE id = $1 AND status = 'EXECUTING'`,
		taskID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The task left EXECUTING under us; nothing to record.
		return nil, false, nil
	}

	// Atomic increment composes with concurrent completions of sibling
	// tasks regardless of commit order.
	_, err = tx.Exec(ctx,
		`UPDATE orders SET delivered = delivered + $2, remains = GREATEST(remains - $2, 0)
		 WHERE id = $1`,
		orderID, quantity)
	if err != nil {
		return nil, false, fmt.Errorf("failed to advance order: %w", err)
	}

	order, done, err := finalizeIfDone(ctx, tx, orderID, now)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return order, done, nil
}

func (s *PostgresStore) FailTaskTransient(ctx context.Context, taskID, errMsg string, retryAfter time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE order_tasks SET status = 'FAILED_RETRYING', retry_after = $2, error_message = $3
		 WHERE id = $1 AND status = 'EXECUTING'`,
		taskID, retryAfter, truncateError(errMsg))
	if err != nil {
		return fmt.Errorf("failed to mark task retrying: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, errMsg string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE order_tasks SET status = 'FAILED_PERMANENT', error_message = $2, completed_at = $3
		 WHERE id = $1 AND status = 'EXECUTING'`,
		taskID, truncateError(errMsg), now)
	if err != nil {
		return fmt.Errorf("failed to mark task permanent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET failed_permanent = failed_permanent + $2, remains = GREATEST(remains - $2, 0)
		 WHERE id = $1`,
		orderID, quantity)
	if err != nil {
		return fmt.Errorf("failed to record permanent failure on order: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) AbandonTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE order_tasks SET status = 'FAILED_PERMANENT', error_message = 'abandoned: order cancelled', completed_at = $2
		 WHERE id = $1 AND status IN ('PENDING', 'EXECUTING', 'FAILED_RETRYING')`,
		taskID, now)
	if err != nil {
		return false, fmt.Errorf("failed to abandon task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET failed_permanent = failed_permanent + $2, remains = GREATEST(remains - $2, 0)
		 WHERE id = $1`,
		orderID, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to record abandoned task on order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) FinalizeOrderIfDone(ctx context.Context, orderID string, now time.Time) (*types.Order, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, done, err := finalizeIfDone(ctx, tx, orderID, now)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return order, done, nil
}

// finalizeIfDone completes the order when remains reached zero, composing
// the terminal notes from the row under lock.
func finalizeIfDone(ctx context.Context, tx pgx.Tx, orderID string, now time.Time) (*types.Order, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, false, err
	}
	if order.Remains != 0 || order.Status.Terminal() {
		return order, false, nil
	}

	notes := types.SummaryNotes(order.Delivered, order.FailedPermanent, order.RefundAmount)
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = 'COMPLETED', completed_at = $2, notes = $3 WHERE id = $1`,
		orderID, now, notes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize order: %w", err)
	}
	order.Status = types.OrderStatusCompleted
	order.CompletedAt = now
	order.Notes = notes
	return order, true, nil
}

func (s *PostgresStore) CountOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM order_tasks WHERE status = 'EXECUTING' AND execution_started_at <= $1`,
		cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orphans: %w", err)
	}
	return n, nil
}

// Ledger and refund operations

func (s *PostgresStore) RefundTask(ctx context.Context, p RefundParams) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional flag flip is what makes the refund exactly-once:
	// a second run of this path sees zero rows and exits.
	tag, err := tx.Exec(ctx,
		`UPDATE order_tasks SET refunded = true WHERE id = $1 AND refunded = false`,
		p.TaskID)
	if err != nil {
		return false, fmt.Errorf("failed to flag task refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if p.CreditBalance {
		var balanceAfter string
		err = tx.QueryRow(ctx,
			`UPDATE users SET balance = balance + $2::numeric WHERE id = $1 RETURNING balance::text`,
			p.UserID, p.Amount.String()).Scan(&balanceAfter)
		if err != nil {
			return false, fmt.Errorf("failed to credit balance: %w", err)
		}
		after, err := decimal.NewFromString(balanceAfter)
		if err != nil {
			return false, fmt.Errorf("failed to parse balance: %w", err)
		}
		before := after.Sub(p.Amount)

		_, err = tx.Exec(ctx,
			`INSERT INTO balance_transactions (id, user_id, order_id, task_id, amount, balance_before, balance_after, kind, reason, at)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)`,
			uuid.New().String(), p.UserID, p.OrderID, p.TaskID, p.Amount.String(),
			before.String(), after.String(), types.LedgerKindRefund, p.Reason, p.Now)
		if err != nil {
			return false, fmt.Errorf("failed to append refund ledger row: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET refund_amount = refund_amount + $2::numeric WHERE id = $1`,
		p.OrderID, p.Amount.String())
	if err != nil {
		return false, fmt.Errorf("failed to bump order refund amount: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refund_events (id, user_id, order_id, task_id, amount, at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		uuid.New().String(), p.UserID, p.OrderID, p.TaskID, p.Amount.String(), p.Now)
	if err != nil {
		return false, fmt.Errorf("failed to append refund event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ListBalanceTransactions(ctx context.Context, userID string) ([]*types.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(order_id, ''), COALESCE(task_id, ''),
			amount::text, balance_before::text, balance_after::text, kind, reason, at
		 FROM balance_transactions WHERE user_id = $1 ORDER BY at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance transactions: %w", err)
	}
	defer rows.Close()

	var out []*types.BalanceTransaction
	for rows.Next() {
		var bt types.BalanceTransaction
		var amount, before, after string
		if err := rows.Scan(&bt.ID, &bt.UserID, &bt.OrderID, &bt.TaskID,
			&amount, &before, &after, &bt.Kind, &bt.Reason, &bt.At); err != nil {
			return nil, fmt.Errorf("failed to scan balance transaction: %w", err)
		}
		if bt.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if bt.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if bt.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		out = append(out, &bt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRefundEvents(ctx context.Context, orderID string) ([]*types.RefundEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, order_id, task_id, amount::text, at
		 FROM refund_events WHERE order_id = $1 ORDER BY at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund events: %w", err)
	}
	defer rows.Close()

	var out []*types.RefundEvent
	for rows.Next() {
		var ev types.RefundEvent
		var amount string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.OrderID, &ev.TaskID, &amount, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan refund event: %w", err)
		}
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RefundVelocity(ctx context.Context, since time.Time, threshold int) ([]RefundVelocity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, COUNT(*) FROM refund_events
		 WHERE at >= $1 GROUP BY user_id HAVING COUNT(*) > $2`,
		since, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund velocity: %w", err)
	}
	defer rows.Close()

	var out []RefundVelocity
	for rows.Next() {
		var v RefundVelocity
		if err := rows.Scan(&v.UserID, &v.Count); err != nil {
			return nil, fmt.Errorf("failed to scan refund velocity: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FlagUser(ctx context.Context, f *types.FlaggedUser) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO flagged_users (id, user_id, refund_count, window_start, window_end, flagged_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.UserID, f.RefundCount, f.WindowStart, f.WindowEnd, f.FlaggedAt)
	if err != nil {
		return fmt.Errorf("failed to flag user: %w", err)
	}
	return nil
}

func (s *PostgresStore) TaskRefundAggregates(ctx context.Context, orderID string) (RefundAggregates, error) {
	var agg RefundAggregates
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(quantity), 0) FROM order_tasks
		 WHERE order_id = $1 AND refunded = true`,
		orderID).Scan(&agg.RefundedTasks, &agg.RefundedQuantity)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate refunds: %w", err)
	}
	return agg, nil
}

// Anomaly operations

func (s *PostgresStore) CreateAnomaly(ctx context.Context, a *types.RefundAnomaly) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refund_anomalies (id, order_id, kind, expected, actual, severity, detected_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		a.ID, a.OrderID, a.Kind, a.Expected, a.Actual, a.Severity, a.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create anomaly: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasOpenAnomaly(ctx context.Context, orderID string, kind types.AnomalyKind) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM refund_anomalies
		 WHERE order_id = $1 AND kind = $2 AND resolved_at IS NULL)`,
		orderID, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open anomaly: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListOpenAnomalies(ctx context.Context) ([]*types.RefundAnomaly, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, kind, expected, actual, severity, detected_at, resolved_at
		 FROM refund_anomalies WHERE resolved_at IS NULL ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*types.RefundAnomaly
	for rows.Next() {
		var a types.RefundAnomaly
		var resolved *time.Time
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Kind, &a.Expected, &a.Actual,
			&a.Severity, &a.DetectedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		if resolved != nil {
			a.ResolvedAt = *resolved
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveAnomaly(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refund_anomalies SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve anomaly: %w", err)
	}
	return nil
}

// Proxy node operations

func (s *PostgresStore) CreateProxyNode(ctx context.Context, node *types.ProxyNode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO proxy_nodes (id, endpoint, tier, country, capacity, current_load, status,
			username, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		node.ID, node.Endpoint, node.Tier, node.Country, node.Capacity, node.CurrentLoad,
		node.Status, node.Username, node.Password, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create proxy node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProxyNode(ctx context.Context, id string) (*types.ProxyNode, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy_nodes WHERE id = $1`, id)
	return scanProxyNode(row)
}

func (s *PostgresStore) ListProxyCandidates(ctx context.Context, tier types.ProxyTier, country string, limit int) ([]*types.ProxyNode, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxy_nodes
		 WHERE status = 'ONLINE' AND current_load < capacity AND tier = $1`
	args := []any{tier}
	if country != "" {
		query += ` AND country = $2 LIMIT $3`
		args = append(args, country, limit)
	} else {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy candidates: %w", err)
	}
	defer rows.Close()

	var out []*types.ProxyNode
	for rows.Next() {
		node, err := scanProxyNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetProxyNodeStatus(ctx context.Context, id string, status types.ProxyNodeStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxy_nodes SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set proxy node status: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcquireProxySlot(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proxy_nodes SET current_load = current_load + 1, updated_at = now()
		 WHERE id = $1 AND current_load < capacity`, id)
	if err != nil {
		return false, fmt.Errorf("failed to acquire proxy slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseProxySlot(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxy_nodes SET current_load = GREATEST(current_load - 1, 0), updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release proxy slot: %w", err)
	}
	return nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*types.Order, error) {
	var o types.Order
	var price, total, refund string
	var startedAt, estimatedAt, completedAt *time.Time
	err := row.Scan(&o.ID, &o.UserID, &o.TargetURL, &o.Quantity, &o.Delivered,
		&o.FailedPermanent, &o.Remains, &price, &total, &refund, &o.Status,
		&o.ExternalKey, &o.CreatedAt, &startedAt, &estimatedAt, &completedAt, &o.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if o.PricePerUnit, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.TotalCost, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if o.RefundAmount, err = decimal.NewFromString(refund); err != nil {
		return nil, err
	}
	if startedAt != nil {
		o.StartedAt = *startedAt
	}
	if estimatedAt != nil {
		o.EstimatedCompletionAt = *estimatedAt
	}
	if completedAt != nil {
		o.CompletedAt = *completedAt
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]*types.Order, error) {
	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var retryAfter, executionStartedAt, completedAt *time.Time
	err := row.Scan(&t.ID, &t.OrderID, &t.SequenceNumber, &t.Quantity, &t.ScheduledAt,
		&t.Status, &t.Attempts, &t.MaxAttempts, &retryAfter, &executionStartedAt,
		&t.WorkerID, &t.ProxyNodeID, &t.IdempotencyToken, &t.Refunded,
		&t.ErrorMessage, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if retryAfter != nil {
		t.RetryAfter = *retryAfter
	}
	if executionStartedAt != nil {
		t.ExecutionStartedAt = *executionStartedAt
	}
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*types.Task, error) {
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanProxyNode(row rowScanner) (*types.ProxyNode, error) {
	var n types.ProxyNode
	err := row.Scan(&n.ID, &n.Endpoint, &n.Tier, &n.Country, &n.Capacity,
		&n.CurrentLoad, &n.Status, &n.Username, &n.Password, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proxy node: %w", err)
	}
	return &n, nil
}

func scanProxyNodeRows(rows pgx.Rows) (*types.ProxyNode, error) {
	return scanProxyNode(rows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// truncateError caps stored failure reasons at 500 characters.
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
