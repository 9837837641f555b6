// Package activity keeps the append-only trail of credit changes and billing
// events.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-labs/creditd/internal/store"
)

// Actions recorded by the ledger and billing services.
const (
	ActionProvision      = "credits.provision"
	ActionCharge         = "credits.charge"
	ActionSettle         = "credits.settle"
	ActionRefund         = "credits.refund"
	ActionGrant          = "credits.grant"
	ActionSet            = "credits.set"
	ActionCheckout       = "billing.checkout"
	ActionPayment        = "billing.payment"
	ActionPaymentFailed  = "billing.payment_failed"
	ActionPaymentCancel  = "billing.cancel"
	ActionPlanExpired    = "billing.plan_expired"
	ActionWebhookIgnored = "billing.webhook_ignored"
)

// Entry is one activity record.
type Entry = store.ActivityEntry

// Filter selects entries for List.
type Filter = store.ActivityFilter

// Store is the persistence the recorder needs.
type Store interface {
	AppendActivity(ctx context.Context, entry *store.ActivityEntry) error
	ListActivity(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityEntry, error)
	PurgeActivity(ctx context.Context, before time.Time) (int64, error)
}

const recordTimeout = 5 * time.Second

// Recorder appends activity entries. Failures are logged and never returned:
// a credit change that already committed must not fail because its trail
// could not be written.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder on s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger.With("component", "activity")}
}

// Record appends e, filling in ID and CreatedAt when empty.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// The caller's request may already be finishing.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.store.AppendActivity(ctx, &e); err != nil {
		r.logger.Warn("record activity failed", "action", e.Action, "user_id", e.UserID, "error", err)
	}
}

// Detail marshals v for Entry.Detail. Values that cannot be marshaled are
// dropped.
func Detail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// List returns entries newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	entries, err := r.store.ListActivity(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Purge deletes entries older than retention.
func (r *Recorder) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return r.store.PurgeActivity(ctx, time.Now().Add(-retention))
}

// RunPurger purges expired entries every interval until ctx is canceled.
func (r *Recorder) RunPurger(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Purge(ctx, retention); err != nil {
				r.logger.Warn("retention purge: activity failed", "error", err)
			} else if n > 0 {
				r.logger.Info("retention purge: deleted old activity", "count", n)
			}
		}
	}
}
