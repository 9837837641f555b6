// Package store defines the persistence interface for creditd and provides
// SQLite, PostgreSQL, Firestore and MongoDB implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by the atomic credit and payment operations.
var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	ErrChargeResolved      = errors.New("store: charge already resolved")
	ErrPaymentProcessed    = errors.New("store: payment already processed")
	ErrPaymentClosed       = errors.New("store: payment is no longer pending")
)

// Charge statuses.
const (
	ChargePending  = "pending"
	ChargeSettled  = "settled"
	ChargeRefunded = "refunded"
)

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentSuccess   = "success"
	PaymentCancelled = "cancelled"
	PaymentFailed    = "failed"
)

// Store is the persistence interface for creditd. Operations that move credits
// are atomic: each runs in a single transaction on the backing database.
type Store interface {
	// Users (builtin auth)
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Accounts
	EnsureAccount(ctx context.Context, acct *Account) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, error)

	// Credits
	//
	// Debit decrements the account by c.Amount and records c as a pending
	// charge. If a charge with c.ID already exists for the same user, nothing is
	// decremented, c is overwritten with the stored charge and replayed is true.
	Debit(ctx context.Context, c *Charge) (balance int64, replayed bool, err error)
	// ResolveCharge moves a pending charge to settled or refunded. Refunding
	// returns the charged amount to the account.
	ResolveCharge(ctx context.Context, userID, chargeID, status string) (*Charge, int64, error)
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)
	AddCredits(ctx context.Context, userID string, amount int64) (int64, error)
	SetCredits(ctx context.Context, userID string, credits int64) (int64, error)

	// Payments
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, paymentLinkID string) (*Payment, error)
	ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error)
	// ListPendingPayments returns pending payments created before "before",
	// oldest first.
	ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]Payment, error)
	// CompletePayment moves a pending payment to success and applies its plan
	// and credits to the account in the same transaction. The user's pending
	// charges are settled with it.
	CompletePayment(ctx context.Context, paymentLinkID, reference string, at time.Time) (*Payment, *Account, error)
	// ClosePayment moves a pending payment to cancelled or failed.
	ClosePayment(ctx context.Context, paymentLinkID, status string, at time.Time) (*Payment, error)
	// ExpirePlans moves accounts whose plan expired before now to fallbackPlan.
	ExpirePlans(ctx context.Context, now time.Time, fallbackPlan string) (int64, error)

	// Activity
	AppendActivity(ctx context.Context, entry *ActivityEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error)
	PurgeActivity(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a builtin-auth user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Account is the credit balance of a user.
type Account struct {
	UserID        string     `json:"user_id"`
	Plan          string     `json:"plan"`
	Credits       int64      `json:"credits"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Charge is a credit decrement taken before a paid operation.
type Charge struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Operation      string    `json:"operation"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"` // pending, settled, refunded
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Payment is a PayOS payment link created for a plan purchase.
type Payment struct {
	PaymentLinkID string        `json:"payment_link_id"`
	OrderCode     int64         `json:"order_code"`
	UserID        string        `json:"user_id"`
	Plan          string        `json:"plan"`
	Amount        int64         `json:"amount"`
	Credits       int64         `json:"credits"`
	PlanDuration  time.Duration `json:"plan_duration"`
	Status        string        `json:"status"` // pending, success, cancelled, failed
	CheckoutURL   string        `json:"checkout_url,omitempty"`
	Reference     string        `json:"reference,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// ActivityEntry is an append-only record of a credit change or operation.
type ActivityEntry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Action       string          `json:"action"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ActivityFilter specifies criteria for listing activity entries.
// Action matches as a prefix ("credits." matches every credit action).
type ActivityFilter struct {
	UserID string
	Action string
	Limit  int
	Offset int
}

// planExpiry returns the expiry of a plan bought at "at", or nil for plans
// without a duration.
func planExpiry(at time.Time, d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := at.Add(d).UTC()
	return &t
}
