package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spinforge/spinforge/pkg/types"
)

// MemoryStore implements Store with mutex-guarded maps. It mirrors the
// conditional-update semantics of PostgresStore exactly and backs tests and
// the dev profile.
type MemoryStore struct {
	mu sync.Mutex

	users        map[string]*types.User
	orders       map[string]*types.Order
	tasks        map[string]*types.Task
	transactions []*types.BalanceTransaction
	refundEvents []*types.RefundEvent
	anomalies    map[string]*types.RefundAnomaly
	flagged      []*types.FlaggedUser
	proxies      map[string]*types.ProxyNode
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*types.User),
		orders:    make(map[string]*types.Order),
		tasks:     make(map[string]*types.Task),
		anomalies: make(map[string]*types.RefundAnomaly),
		proxies:   make(map[string]*types.ProxyNode),
	}
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// User operations

func (s *MemoryStore) CreateUser(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *user
	s.users[u.ID] = &u
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Order operations

func (s *MemoryStore) CreateOrderWithDebit(ctx context.Context, order *types.Order, tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ExternalKey != "" {
		for _, o := range s.orders {
			if o.UserID == order.UserID && o.ExternalKey == order.ExternalKey {
				return ErrDuplicateExternalKey
			}
		}
	}

	u, ok := s.users[order.UserID]
	if !ok {
		return ErrInsufficientBalance
	}
	after := u.Balance.Sub(order.TotalCost)
	if after.IsNegative() {
		return ErrInsufficientBalance
	}
	before := u.Balance
	u.Balance = after

	o := *order
	s.orders[o.ID] = &o
	s.insertTasksLocked(tasks)

	s.transactions = append(s.transactions, &types.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        order.UserID,
		OrderID:       order.ID,
		Amount:        order.TotalCost.Neg(),
		BalanceBefore: before,
		BalanceAfter:  after,
		Kind:          types.LedgerKindDebit,
		Reason:        "order debit",
		At:            order.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByExternalKey(ctx context.Context, userID, externalKey string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.UserID == userID && o.ExternalKey == externalKey && externalKey != "" {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListOrdersByStatus(ctx context.Context, statuses ...types.OrderStatus) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[types.OrderStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.Order
	for _, o := range s.orders {
		if want[o.Status] {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, o := range s.orders {
		cp := *o
		out = append(out, &cp)
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) MarkOrderCancelled(ctx context.Context, orderID string, now time.Time) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !o.Status.Terminal() {
		o.Status = types.OrderStatusCancelled
		o.CompletedAt = now
		o.Notes = types.SummaryNotes(o.Delivered, o.FailedPermanent, o.RefundAmount)
	}
	cp := *o
	return &cp, nil
}

// Task operations

func (s *MemoryStore) insertTasksLocked(tasks []*types.Task) {
	for _, t := range tasks {
		dup := false
		for _, existing := range s.tasks {
			if existing.OrderID == t.OrderID && existing.IdempotencyToken == t.IdempotencyToken {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := *t
		s.tasks[cp.ID] = &cp
	}
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTasksLocked(tasks)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByOrder(ctx context.Context, orderID string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func taskReady(t *types.Task, now, orphanCutoff time.Time) bool {
	switch t.Status {
	case types.TaskStatusPending:
		return !t.ScheduledAt.After(now)
	case types.TaskStatusFailedRetrying:
		return !t.RetryAfter.After(now)
	case types.TaskStatusExecuting:
		return !t.ExecutionStartedAt.IsZero() && !t.ExecutionStartedAt.After(orphanCutoff)
	}
	return false
}

func (s *MemoryStore) ListReadyTasks(ctx context.Context, now, orphanCutoff time.Time, limit int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if taskReady(t, now, orphanCutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, taskID string, from types.TaskStatus, workerID string, now, orphanCutoff time.Time) (*types.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != from {
		return nil, false, nil
	}
	switch from {
	case types.TaskStatusPending:
		if t.ScheduledAt.After(now) {
			return nil, false, nil
		}
	case types.TaskStatusFailedRetrying:
		if t.RetryAfter.After(now) {
			return nil, false, nil
		}
	case types.TaskStatusExecuting:
		if t.ExecutionStartedAt.IsZero() || t.ExecutionStartedAt.After(orphanCutoff) {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	t.Status = types.TaskStatusExecuting
	t.ExecutionStartedAt = now
	t.WorkerID = workerID
	t.Attempts++
	cp := *t
	return &cp, true, nil
}

func (s *MemoryStore) SetTaskProxy(ctx context.Context, taskID, proxyNodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.ProxyNodeID = proxyNodeID
	}
	return nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (*types.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusExecuting {
		return nil, false, nil
	}
	t.Status = types.TaskStatusCompleted
	t.CompletedAt = now
	t.ErrorMessage = ""

	o, ok := s.orders[orderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	o.Delivered += quantity
	o.Remains -= quantity
	if o.Remains < 0 {
		o.Remains = 0
	}

	done := s.finalizeLocked(o, now)
	cp := *o
	return &cp, done, nil
}

func (s *MemoryStore) finalizeLocked(o *types.Order, now time.Time) bool {
	if o.Remains != 0 || o.Status.Terminal() {
		return false
	}
	o.Status = types.OrderStatusCompleted
	o.CompletedAt = now
	o.Notes = types.SummaryNotes(o.Delivered, o.FailedPermanent, o.RefundAmount)
	return true
}

func (s *MemoryStore) FailTaskTransient(ctx context.Context, taskID, errMsg string, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusExecuting {
		return nil
	}
	t.Status = types.TaskStatusFailedRetrying
	t.RetryAfter = retryAfter
	t.ErrorMessage = truncateError(errMsg)
	return nil
}

func (s *MemoryStore) FailTaskPermanent(ctx context.Context, taskID, orderID string, quantity int, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusExecuting {
		return nil
	}
	t.Status = types.TaskStatusFailedPermanent
	t.ErrorMessage = truncateError(errMsg)
	t.CompletedAt = now

	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.FailedPermanent += quantity
	o.Remains -= quantity
	if o.Remains < 0 {
		o.Remains = 0
	}
	return nil
}

func (s *MemoryStore) AbandonTask(ctx context.Context, taskID, orderID string, quantity int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = types.TaskStatusFailedPermanent
	t.ErrorMessage = "abandoned: order cancelled"
	t.CompletedAt = now

	o, ok := s.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	o.FailedPermanent += quantity
	o.Remains -= quantity
	if o.Remains < 0 {
		o.Remains = 0
	}
	return true, nil
}

func (s *MemoryStore) FinalizeOrderIfDone(ctx context.Context, orderID string, now time.Time) (*types.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	done := s.finalizeLocked(o, now)
	cp := *o
	return &cp, done, nil
}

func (s *MemoryStore) CountOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusExecuting && !t.ExecutionStartedAt.IsZero() && !t.ExecutionStartedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// Ledger and refund operations

func (s *MemoryStore) RefundTask(ctx context.Context, p RefundParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[p.TaskID]
	if !ok || t.Refunded {
		return false, nil
	}
	if p.CreditBalance {
		if _, ok := s.users[p.UserID]; !ok {
			return false, ErrNotFound
		}
	}
	t.Refunded = true

	if p.CreditBalance {
		u := s.users[p.UserID]
		before := u.Balance
		u.Balance = u.Balance.Add(p.Amount)
		s.transactions = append(s.transactions, &types.BalanceTransaction{
			ID:            uuid.New().String(),
			UserID:        p.UserID,
			OrderID:       p.OrderID,
			TaskID:        p.TaskID,
			Amount:        p.Amount,
			BalanceBefore: before,
			BalanceAfter:  u.Balance,
			Kind:          types.LedgerKindRefund,
			Reason:        p.Reason,
			At:            p.Now,
		})
	}

	if o, ok := s.orders[p.OrderID]; ok {
		o.RefundAmount = o.RefundAmount.Add(p.Amount)
	}

	s.refundEvents = append(s.refundEvents, &types.RefundEvent{
		ID:      uuid.New().String(),
		UserID:  p.UserID,
		OrderID: p.OrderID,
		TaskID:  p.TaskID,
		Amount:  p.Amount,
		At:      p.Now,
	})
	return true, nil
}

func (s *MemoryStore) ListBalanceTransactions(ctx context.Context, userID string) ([]*types.BalanceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BalanceTransaction
	for _, bt := range s.transactions {
		if bt.UserID == userID {
			cp := *bt
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRefundEvents(ctx context.Context, orderID string) ([]*types.RefundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RefundEvent
	for _, ev := range s.refundEvents {
		if ev.OrderID == orderID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RefundVelocity(ctx context.Context, since time.Time, threshold int) ([]RefundVelocity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, ev := range s.refundEvents {
		if !ev.At.Before(since) {
			counts[ev.UserID]++
		}
	}
	var out []RefundVelocity
	for userID, n := range counts {
		if n > threshold {
			out = append(out, RefundVelocity{UserID: userID, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) FlagUser(ctx context.Context, f *types.FlaggedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flagged = append(s.flagged, &cp)
	return nil
}

// FlaggedUsers returns users flagged by the velocity check (test helper).
func (s *MemoryStore) FlaggedUsers() []*types.FlaggedUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.FlaggedUser, len(s.flagged))
	for i, f := range s.flagged {
		cp := *f
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) TaskRefundAggregates(ctx context.Context, orderID string) (RefundAggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agg RefundAggregates
	for _, t := range s.tasks {
		if t.OrderID == orderID && t.Refunded {
			agg.RefundedTasks++
			agg.RefundedQuantity += t.Quantity
		}
	}
	return agg, nil
}

// Anomaly operations

func (s *MemoryStore) CreateAnomaly(ctx context.Context, a *types.RefundAnomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.anomalies[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) HasOpenAnomaly(ctx context.Context, orderID string, kind types.AnomalyKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anomalies {
		if a.OrderID == orderID && a.Kind == kind && a.ResolvedAt.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListOpenAnomalies(ctx context.Context) ([]*types.RefundAnomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RefundAnomaly
	for _, a := range s.anomalies {
		if a.ResolvedAt.IsZero() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveAnomaly(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.anomalies[id]; ok && a.ResolvedAt.IsZero() {
		a.ResolvedAt = at
	}
	return nil
}

// Proxy node operations

func (s *MemoryStore) CreateProxyNode(ctx context.Context, node *types.ProxyNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.proxies[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProxyNode(ctx context.Context, id string) (*types.ProxyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.proxies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) ListProxyCandidates(ctx context.Context, tier types.ProxyTier, country string, limit int) ([]*types.ProxyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ProxyNode
	for _, n := range s.proxies {
		if n.Status != types.ProxyStatusOnline || n.CurrentLoad >= n.Capacity || n.Tier != tier {
			continue
		}
		if country != "" && n.Country != country {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetProxyNodeStatus(ctx context.Context, id string, status types.ProxyNodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.proxies[id]; ok {
		n.Status = status
		n.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) AcquireProxySlot(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.proxies[id]
	if !ok || n.CurrentLoad >= n.Capacity {
		return false, nil
	}
	n.CurrentLoad++
	return true, nil
}

func (s *MemoryStore) ReleaseProxySlot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.proxies[id]; ok && n.CurrentLoad > 0 {
		n.CurrentLoad--
	}
	return nil
}

func sortOrders(out []*types.Order) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}
