// Package ledger owns per-user credit balances: it provisions accounts,
// charges credits before paid operations and settles or refunds them
// afterwards.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/inkwell-labs/creditd/internal/activity"
	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/notify"
	"github.com/inkwell-labs/creditd/internal/store"
)

// Options configures account provisioning and operation prices.
type Options struct {
	InitialCredits int64
	DefaultPlan    string
	DefaultCost    int64
	Costs          map[string]int64
}

// Recorder receives activity entries.
type Recorder interface {
	Record(ctx context.Context, e activity.Entry)
}

// Receipt is the outcome of a charge, settle or refund.
type Receipt struct {
	Charge   store.Charge `json:"charge"`
	Balance  int64        `json:"balance"`
	Replayed bool         `json:"replayed,omitempty"`
}

// Ledger is the credit service.
type Ledger struct {
	store    store.Store
	opts     Options
	activity Recorder
	bus      notify.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a ledger. bus and m may be nil.
func New(s store.Store, opts Options, rec Recorder, bus notify.Publisher, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	if opts.DefaultPlan == "" {
		opts.DefaultPlan = "free"
	}
	if opts.DefaultCost <= 0 {
		opts.DefaultCost = 1
	}
	return &Ledger{
		store:    s,
		opts:     opts,
		activity: rec,
		bus:      bus,
		metrics:  m,
		logger:   logger.With("component", "ledger"),
	}
}

// Cost returns the price of operation in credits.
func (l *Ledger) Cost(operation string) int64 {
	if c, ok := l.opts.Costs[operation]; ok && c > 0 {
		return c
	}
	return l.opts.DefaultCost
}

// Account returns the user's account, provisioning it with the default plan
// and the initial credits on first sight.
func (l *Ledger) Account(ctx context.Context, userID string) (*store.Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct != nil {
		return acct, nil
	}

	acct, err = l.store.EnsureAccount(ctx, &store.Account{
		UserID:  userID,
		Plan:    l.opts.DefaultPlan,
		Credits: l.opts.InitialCredits,
	})
	if err != nil {
		return nil, fmt.Errorf("provision account: %w", err)
	}
	l.logger.Info("account provisioned", "user_id", userID, "credits", acct.Credits)
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionProvision,
		Amount:       acct.Credits,
		BalanceAfter: acct.Credits,
		Detail:       activity.Detail(map[string]string{"plan": acct.Plan}),
	})
	return acct, nil
}

// Accounts lists accounts for administration.
func (l *Ledger) Accounts(ctx context.Context, limit, offset int) ([]store.Account, error) {
	accounts, err := l.store.ListAccounts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []store.Account{}
	}
	return accounts, nil
}

// ChargeID derives the charge ID for an idempotency key. Repeating a request
// with the same key therefore addresses the same charge.
func ChargeID(userID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + idempotencyKey))
	return "chg_" + hex.EncodeToString(sum[:16])
}

// Charge decrements amount credits from the user before a paid operation.
// The charge stays pending until it is settled or refunded.
func (l *Ledger) Charge(ctx context.Context, userID, operation string, amount int64, idempotencyKey string) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := l.Account(ctx, userID); err != nil {
		return nil, err
	}

	c := &store.Charge{
		UserID:         userID,
		Operation:      operation,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}
	if idempotencyKey != "" {
		c.ID = ChargeID(userID, idempotencyKey)
	} else {
		c.ID = "chg_" + uuid.New().String()
	}

	balance, replayed, err := l.store.Debit(ctx, c)
	if err != nil {
		err = translate(err, ErrAccountNotFound)
		if errors.Is(err, ErrInsufficientCredits) {
			l.metrics.ChargeRejected("insufficient_credits")
		}
		return nil, err
	}
	if replayed {
		l.logger.Debug("charge replayed", "user_id", userID, "charge_id", c.ID)
		return &Receipt{Charge: *c, Balance: balance, Replayed: true}, nil
	}

	l.metrics.ChargeTaken(operation, amount)
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionCharge,
		Amount:       -amount,
		BalanceAfter: balance,
		Reference:    c.ID,
		Detail:       activity.Detail(map[string]string{"operation": operation}),
	})
	l.publish(userID, balance, -amount, "", activity.ActionCharge)
	return &Receipt{Charge: *c, Balance: balance}, nil
}

// LookupCharge returns a charge by ID regardless of its owner.
func (l *Ledger) LookupCharge(ctx context.Context, chargeID string) (*store.Charge, error) {
	c, err := l.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("get charge: %w", err)
	}
	if c == nil {
		return nil, ErrChargeNotFound
	}
	return c, nil
}

// Settle marks a pending charge as consumed; it can no longer be refunded.
func (l *Ledger) Settle(ctx context.Context, userID, chargeID string) (*Receipt, error) {
	c, balance, err := l.store.ResolveCharge(ctx, userID, chargeID, store.ChargeSettled)
	if err != nil {
		return nil, translate(err, ErrChargeNotFound)
	}
	l.metrics.ChargeResolved(store.ChargeSettled)
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionSettle,
		BalanceAfter: balance,
		Reference:    chargeID,
	})
	return &Receipt{Charge: *c, Balance: balance}, nil
}

// Refund returns a pending charge's credits. A charge is refunded at most
// once; refunding a settled or refunded charge returns ErrChargeResolved.
func (l *Ledger) Refund(ctx context.Context, userID, chargeID string) (*Receipt, error) {
	c, balance, err := l.store.ResolveCharge(ctx, userID, chargeID, store.ChargeRefunded)
	if err != nil {
		return nil, translate(err, ErrChargeNotFound)
	}
	l.metrics.ChargeResolved(store.ChargeRefunded)
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionRefund,
		Amount:       c.Amount,
		BalanceAfter: balance,
		Reference:    chargeID,
		Detail:       activity.Detail(map[string]string{"operation": c.Operation}),
	})
	l.publish(userID, balance, c.Amount, "", activity.ActionRefund)
	return &Receipt{Charge: *c, Balance: balance}, nil
}

// Run charges the price of operation, runs fn, and settles the charge when
// fn succeeds or refunds it when fn fails. fn's error is returned unchanged.
func (l *Ledger) Run(ctx context.Context, userID, operation string, fn func(ctx context.Context) error) error {
	receipt, err := l.Charge(ctx, userID, operation, l.Cost(operation), "")
	if err != nil {
		return err
	}
	chargeID := receipt.Charge.ID

	if runErr := fn(ctx); runErr != nil {
		// The operation's context may be gone; the refund must still land.
		if _, err := l.Refund(context.WithoutCancel(ctx), userID, chargeID); err != nil {
			l.logger.Error("refund after failed operation", "user_id", userID, "charge_id", chargeID, "error", err)
		}
		return runErr
	}
	if _, err := l.Settle(context.WithoutCancel(ctx), userID, chargeID); err != nil {
		l.logger.Warn("settle after operation", "user_id", userID, "charge_id", chargeID, "error", err)
	}
	return nil
}

// Grant adds amount credits to the user's balance.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := l.Account(ctx, userID); err != nil {
		return 0, err
	}
	balance, err := l.store.AddCredits(ctx, userID, amount)
	if err != nil {
		return 0, translate(err, ErrAccountNotFound)
	}
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionGrant,
		Amount:       amount,
		BalanceAfter: balance,
		Detail:       activity.Detail(map[string]string{"reason": reason}),
	})
	l.publish(userID, balance, amount, "", activity.ActionGrant)
	return balance, nil
}

// SetCredits overwrites the user's balance.
func (l *Ledger) SetCredits(ctx context.Context, userID string, credits int64, reason string) (int64, error) {
	if credits < 0 {
		return 0, ErrInvalidAmount
	}
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance, err := l.store.SetCredits(ctx, userID, credits)
	if err != nil {
		return 0, translate(err, ErrAccountNotFound)
	}
	delta := balance - acct.Credits
	l.record(ctx, activity.Entry{
		UserID:       userID,
		Action:       activity.ActionSet,
		Amount:       delta,
		BalanceAfter: balance,
		Detail:       activity.Detail(map[string]string{"reason": reason}),
	})
	l.publish(userID, balance, delta, "", activity.ActionSet)
	return balance, nil
}

func (l *Ledger) record(ctx context.Context, e activity.Entry) {
	if l.activity != nil {
		l.activity.Record(ctx, e)
	}
}

func (l *Ledger) publish(userID string, balance, delta int64, plan, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(notify.Event{
		Type:    notify.BalanceChanged,
		UserID:  userID,
		Balance: balance,
		Delta:   delta,
		Plan:    plan,
		Reason:  reason,
	})
}
