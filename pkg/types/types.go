package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a request to deliver a quantity of plays for a target URL.
type Order struct {
	ID                    string
	UserID                string
	TargetURL             string
	Quantity              int
	Delivered             int
	FailedPermanent       int
	Remains               int
	PricePerUnit          decimal.Decimal
	TotalCost             decimal.Decimal
	RefundAmount          decimal.Decimal
	Status                OrderStatus
	ExternalKey           string
	CreatedAt             time.Time
	StartedAt             time.Time
	EstimatedCompletionAt time.Time
	CompletedAt           time.Time
	Notes                 string
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusRunning   OrderStatus = "RUNNING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Task is a durable claim on a slice of an order's quantity.
type Task struct {
	ID                 string
	OrderID            string
	SequenceNumber     int
	Quantity           int
	ScheduledAt        time.Time
	Status             TaskStatus
	Attempts           int
	MaxAttempts        int
	RetryAfter         time.Time
	ExecutionStartedAt time.Time
	WorkerID           string
	ProxyNodeID        string
	IdempotencyToken   string
	Refunded           bool
	ErrorMessage       string
	CompletedAt        time.Time
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "PENDING"
	TaskStatusExecuting       TaskStatus = "EXECUTING"
	TaskStatusCompleted       TaskStatus = "COMPLETED"
	TaskStatusFailedRetrying  TaskStatus = "FAILED_RETRYING"
	TaskStatusFailedPermanent TaskStatus = "FAILED_PERMANENT"
)

// Terminal reports whether the task can never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailedPermanent
}

// User carries the balance the ledger debits and credits.
type User struct {
	ID        string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// LedgerKind classifies a balance transaction
type LedgerKind string

const (
	LedgerKindDebit  LedgerKind = "DEBIT"
	LedgerKindRefund LedgerKind = "REFUND"
	LedgerKindCredit LedgerKind = "CREDIT"
	LedgerKindAdjust LedgerKind = "ADJUST"
)

// BalanceTransaction is one append-only ledger entry.
type BalanceTransaction struct {
	ID            string
	UserID        string
	OrderID       string
	TaskID        string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Kind          LedgerKind
	Reason        string
	At            time.Time
}

// RefundEvent records a single credit issued against a failed task.
// It is the ground truth for refund-velocity fraud detection.
type RefundEvent struct {
	ID      string
	UserID  string
	OrderID string
	TaskID  string
	Amount  decimal.Decimal
	At      time.Time
}

// AnomalyKind classifies a reconciliation discrepancy
type AnomalyKind string

const (
	AnomalyRefundAmountMismatch AnomalyKind = "REFUND_AMOUNT_MISMATCH"
	AnomalyFailedPlaysMismatch  AnomalyKind = "FAILED_PLAYS_MISMATCH"
)

// RefundAnomaly is an open-until-resolved reconciliation record.
type RefundAnomaly struct {
	ID         string
	OrderID    string
	Kind       AnomalyKind
	Expected   string
	Actual     string
	Severity   string
	DetectedAt time.Time
	ResolvedAt time.Time
}

// FlaggedUser marks a user whose refund velocity exceeded the threshold.
type FlaggedUser struct {
	ID          string
	UserID      string
	RefundCount int
	WindowStart time.Time
	WindowEnd   time.Time
	FlaggedAt   time.Time
}

// ProxyTier orders proxy node classes by expected quality and cost.
type ProxyTier string

const (
	TierDatacenter  ProxyTier = "DATACENTER"
	TierISP         ProxyTier = "ISP"
	TierResidential ProxyTier = "RESIDENTIAL"
	TierMobile      ProxyTier = "MOBILE"
	TierTor         ProxyTier = "TOR"
)

// ProxyNodeStatus represents the durable state of a proxy node
type ProxyNodeStatus string

const (
	ProxyStatusOnline      ProxyNodeStatus = "ONLINE"
	ProxyStatusOffline     ProxyNodeStatus = "OFFLINE"
	ProxyStatusMaintenance ProxyNodeStatus = "MAINTENANCE"
	ProxyStatusBanned      ProxyNodeStatus = "BANNED"
	ProxyStatusRateLimited ProxyNodeStatus = "RATE_LIMITED"
)

// ProxyNode is the durable record of a delivery proxy.
// Volatile health counters live in the router, not here.
type ProxyNode struct {
	ID          string
	Endpoint    string
	Tier        ProxyTier
	Country     string
	Capacity    int
	CurrentLoad int
	Status      ProxyNodeStatus
	Username    string
	Password    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Operation names the kind of work a proxy is being selected for.
type Operation string

const (
	OperationPlayDelivery    Operation = "PLAY_DELIVERY"
	OperationAccountCreation Operation = "ACCOUNT_CREATION"
)
