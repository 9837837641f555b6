// Package billing sells plans through PayOS payment links and reconciles the
// gateway's webhooks against stored payments exactly once. Payments whose
// webhook never arrives are resolved by polling the gateway.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/inkwell-labs/creditd/internal/activity"
	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/notify"
	"github.com/inkwell-labs/creditd/internal/payos"
	"github.com/inkwell-labs/creditd/internal/store"
)

// Sentinel errors for billing operations.
var (
	ErrPaymentsDisabled   = errors.New("billing: payments are not configured")
	ErrPlanNotFound       = errors.New("billing: plan not found")
	ErrPlanNotPurchasable = errors.New("billing: plan cannot be purchased")
	ErrPaymentNotFound    = errors.New("billing: payment not found")
	ErrPaymentClosed      = errors.New("billing: payment is no longer pending")
	ErrInvalidSignature   = errors.New("billing: invalid webhook signature")
)

// Result is the outcome of a webhook delivery.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultFailed    Result = "failed"
)

// Gateway is the part of the PayOS client the service uses.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, req payos.CheckoutRequest) (*payos.CheckoutResponse, error)
	CancelPaymentLink(ctx context.Context, id, reason string) (*payos.PaymentLink, error)
	GetPaymentLink(ctx context.Context, id string) (*payos.PaymentLink, error)
	VerifyWebhook(body []byte) (*payos.Webhook, error)
}

// Recorder receives activity entries.
type Recorder interface {
	Record(ctx context.Context, e activity.Entry)
}

// Options configures the billing service.
type Options struct {
	Plans     []Plan
	FreePlan  string // plan an account falls back to when a paid plan expires
	ReturnURL string
	CancelURL string
	LinkTTL   time.Duration // payment link lifetime; 0 leaves the PayOS default
}

// Service is the billing service.
type Service struct {
	store    store.Store
	gateway  Gateway
	plans    []Plan
	byID     map[string]Plan
	opts     Options
	activity Recorder
	bus      notify.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now       func() time.Time
	orderCode func() int64
}

// New creates a billing service. gw may be nil when PayOS is disabled; plans
// are still listed and expired, but checkout and webhooks are refused.
func New(s store.Store, gw Gateway, opts Options, rec Recorder, bus notify.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if len(opts.Plans) == 0 {
		opts.Plans = PlansFromConfig(nil)
	}
	if opts.FreePlan == "" {
		opts.FreePlan = "free"
	}
	byID := make(map[string]Plan, len(opts.Plans))
	for _, p := range opts.Plans {
		byID[p.ID] = p
	}
	return &Service{
		store:     s,
		gateway:   gw,
		plans:     opts.Plans,
		byID:      byID,
		opts:      opts,
		activity:  rec,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "billing"),
		now:       func() time.Time { return time.Now().UTC() },
		orderCode: newOrderCode,
	}
}

// newOrderCode returns a positive order code that fits in a JSON-safe
// integer: milliseconds since the epoch followed by three random digits.
func newOrderCode() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}

// Plans returns the configured plans in order.
func (s *Service) Plans() []Plan {
	out := make([]Plan, len(s.plans))
	copy(out, s.plans)
	return out
}

// Enabled reports whether a payment gateway is configured.
func (s *Service) Enabled() bool { return s.gateway != nil }

// Checkout creates a PayOS payment link for planID and stores it as a
// pending payment.
func (s *Service) Checkout(ctx context.Context, userID, planID string) (*store.Payment, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	plan, ok := s.byID[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	if !plan.Purchasable() {
		return nil, ErrPlanNotPurchasable
	}

	now := s.now()
	req := payos.CheckoutRequest{
		OrderCode:   s.orderCode(),
		Amount:      plan.Price,
		Description: checkoutDescription(plan),
		Items:       []payos.Item{{Name: plan.Name, Quantity: 1, Price: plan.Price}},
		CancelURL:   s.opts.CancelURL,
		ReturnURL:   s.opts.ReturnURL,
	}
	if s.opts.LinkTTL > 0 {
		req.ExpiredAt = now.Add(s.opts.LinkTTL).Unix()
	}

	link, err := s.gateway.CreatePaymentLink(ctx, req)
	if err != nil {
		return nil, err
	}

	p := &store.Payment{
		PaymentLinkID: link.PaymentLinkID,
		OrderCode:     req.OrderCode,
		UserID:        userID,
		Plan:          plan.ID,
		Amount:        plan.Price,
		Credits:       plan.Credits,
		PlanDuration:  plan.Duration,
		Status:        store.PaymentPending,
		CheckoutURL:   link.CheckoutURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		// Nothing refers to the link anymore; do not leave it payable.
		if _, cerr := s.gateway.CancelPaymentLink(context.WithoutCancel(ctx), link.PaymentLinkID, "checkout aborted"); cerr != nil {
			s.logger.Warn("cancel orphaned payment link", "payment_link_id", link.PaymentLinkID, "error", cerr)
		}
		return nil, fmt.Errorf("store payment: %w", err)
	}

	s.metrics.Checkout(plan.ID)
	s.logger.Info("checkout created", "user_id", userID, "plan", plan.ID, "order_code", p.OrderCode, "payment_link_id", p.PaymentLinkID)
	s.record(ctx, activity.Entry{
		UserID:    userID,
		Action:    activity.ActionCheckout,
		Reference: p.PaymentLinkID,
		Detail: activity.Detail(map[string]any{
			"plan":       plan.ID,
			"amount":     plan.Price,
			"order_code": p.OrderCode,
		}),
	})
	return p, nil
}

// checkoutDescription fits PayOS's 25 character limit for transfer notes.
func checkoutDescription(p Plan) string {
	d := "CREDITD " + strings.ToUpper(p.ID)
	if len(d) > 25 {
		d = d[:25]
	}
	return d
}

// HandleWebhook verifies and applies a PayOS webhook. A payment is applied at
// most once no matter how many times PayOS delivers it.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) (Result, error) {
	if s.gateway == nil {
		return "", ErrPaymentsDisabled
	}
	wh, err := s.gateway.VerifyWebhook(body)
	if err != nil {
		s.metrics.Webhook("rejected")
		if errors.Is(err, payos.ErrInvalidSignature) {
			return "", ErrInvalidSignature
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result, err := s.applyWebhook(ctx, wh)
	if err != nil {
		return "", err
	}
	s.metrics.Webhook(string(result))
	return result, nil
}

func (s *Service) applyWebhook(ctx context.Context, wh *payos.Webhook) (Result, error) {
	data := wh.Data
	log := s.logger.With("payment_link_id", data.PaymentLinkID, "order_code", data.OrderCode)

	p, err := s.store.GetPayment(ctx, data.PaymentLinkID)
	if err != nil {
		return "", fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		// PayOS sends a sample payload when the webhook URL is registered.
		log.Info("webhook for unknown payment ignored")
		s.record(ctx, activity.Entry{
			Action:    activity.ActionWebhookIgnored,
			Amount:    data.Amount,
			Reference: data.PaymentLinkID,
			Detail:    activity.Detail(map[string]any{"order_code": data.OrderCode, "code": data.Code}),
		})
		return ResultIgnored, nil
	}

	switch p.Status {
	case store.PaymentSuccess:
		log.Debug("duplicate webhook")
		return ResultDuplicate, nil
	case store.PaymentCancelled, store.PaymentFailed:
		if wh.Paid() {
			log.Error("paid webhook for a closed payment", "status", p.Status, "amount", data.Amount, "reference", data.Reference)
		}
		return ResultIgnored, nil
	}

	if !wh.Paid() || data.Amount != p.Amount {
		reason := "payment not successful"
		if wh.Paid() {
			reason = "amount mismatch"
		}
		return s.closePayment(ctx, p, store.PaymentFailed, map[string]any{
			"reason":   reason,
			"code":     data.Code,
			"desc":     data.Desc,
			"amount":   data.Amount,
			"expected": p.Amount,
		})
	}
	return s.completePayment(ctx, p, data.Reference)
}

// completePayment applies a paid payment's plan to the account, records it
// and notifies the user's streams.
func (s *Service) completePayment(ctx context.Context, p *store.Payment, reference string) (Result, error) {
	log := s.logger.With("payment_link_id", p.PaymentLinkID, "order_code", p.OrderCode)

	prev, err := s.store.GetAccount(ctx, p.UserID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}

	p, acct, err := s.store.CompletePayment(ctx, p.PaymentLinkID, reference, s.now())
	switch {
	case errors.Is(err, store.ErrPaymentProcessed):
		log.Debug("payment already applied")
		return ResultDuplicate, nil
	case errors.Is(err, store.ErrPaymentClosed), errors.Is(err, store.ErrNotFound):
		return ResultIgnored, nil
	case err != nil:
		return "", fmt.Errorf("complete payment: %w", err)
	}

	delta := acct.Credits
	if prev != nil {
		delta = acct.Credits - prev.Credits
	}
	log.Info("payment applied", "user_id", p.UserID, "plan", p.Plan, "credits", acct.Credits)
	s.record(ctx, activity.Entry{
		UserID:       p.UserID,
		Action:       activity.ActionPayment,
		Amount:       delta,
		BalanceAfter: acct.Credits,
		Reference:    p.PaymentLinkID,
		Detail: activity.Detail(map[string]any{
			"plan":       p.Plan,
			"amount":     p.Amount,
			"order_code": p.OrderCode,
			"reference":  reference,
		}),
	})
	s.publish(notify.Event{
		Type:    notify.PlanChanged,
		UserID:  p.UserID,
		Balance: acct.Credits,
		Delta:   delta,
		Plan:    acct.Plan,
		Reason:  activity.ActionPayment,
	})
	return ResultApplied, nil
}

// closePayment moves a pending payment to status (failed or cancelled) and
// records why.
func (s *Service) closePayment(ctx context.Context, p *store.Payment, status string, detail map[string]any) (Result, error) {
	closed, err := s.store.ClosePayment(ctx, p.PaymentLinkID, status, s.now())
	switch {
	case errors.Is(err, store.ErrPaymentProcessed):
		return ResultDuplicate, nil
	case errors.Is(err, store.ErrPaymentClosed), errors.Is(err, store.ErrNotFound):
		return ResultIgnored, nil
	case err != nil:
		return "", fmt.Errorf("close payment: %w", err)
	}

	action := activity.ActionPaymentFailed
	if status == store.PaymentCancelled {
		action = activity.ActionPaymentCancel
	}
	s.logger.Warn("payment closed", "payment_link_id", p.PaymentLinkID, "user_id", p.UserID,
		"status", status, "reason", detail["reason"])
	s.record(ctx, activity.Entry{
		UserID:    closed.UserID,
		Action:    action,
		Reference: closed.PaymentLinkID,
		Detail:    activity.Detail(detail),
	})
	return ResultFailed, nil
}

// Reconcile polls PayOS for pending payments older than minAge and resolves
// those whose webhook never arrived. It returns how many were resolved.
func (s *Service) Reconcile(ctx context.Context, minAge time.Duration) (int, error) {
	if s.gateway == nil {
		return 0, ErrPaymentsDisabled
	}
	pending, err := s.store.ListPendingPayments(ctx, s.now().Add(-minAge), 100)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}

	resolved := 0
	for i := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		p := &pending[i]
		link, err := s.gateway.GetPaymentLink(ctx, p.PaymentLinkID)
		if err != nil {
			s.logger.Warn("poll payment link", "payment_link_id", p.PaymentLinkID, "error", err)
			continue
		}
		result, err := s.reconcileOne(ctx, p, link)
		if err != nil {
			s.logger.Warn("reconcile payment", "payment_link_id", p.PaymentLinkID, "error", err)
			continue
		}
		if result == "" {
			continue
		}
		s.metrics.Reconciled(string(result))
		if result == ResultApplied || result == ResultFailed {
			resolved++
		}
	}
	return resolved, nil
}

// reconcileOne resolves p from the link state PayOS reports. An empty result
// means the link is still open.
func (s *Service) reconcileOne(ctx context.Context, p *store.Payment, link *payos.PaymentLink) (Result, error) {
	switch link.Status {
	case payos.StatusPaid:
		if link.AmountPaid != p.Amount {
			return s.closePayment(ctx, p, store.PaymentFailed, map[string]any{
				"reason":   "amount mismatch",
				"amount":   link.AmountPaid,
				"expected": p.Amount,
				"source":   "reconcile",
			})
		}
		var reference string
		if n := len(link.Transactions); n > 0 {
			reference = link.Transactions[n-1].Reference
		}
		return s.completePayment(ctx, p, reference)
	case payos.StatusCancelled, payos.StatusExpired:
		reason := strings.ToLower(link.Status)
		if link.CancellationReason != nil && *link.CancellationReason != "" {
			reason = *link.CancellationReason
		}
		return s.closePayment(ctx, p, store.PaymentCancelled, map[string]any{
			"reason": reason,
			"source": "reconcile",
		})
	default:
		return "", nil
	}
}

// RunReconcile reconciles stale pending payments every interval until ctx is
// canceled.
func (s *Service) RunReconcile(ctx context.Context, interval, minAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx, minAge); err != nil && ctx.Err() == nil {
				s.logger.Warn("payment reconcile failed", "error", err)
			}
		}
	}
}

// Payment returns one of the user's payments.
func (s *Service) Payment(ctx context.Context, userID, paymentLinkID string) (*store.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentLinkID)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil || p.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

// Payments lists the user's most recent payments.
func (s *Service) Payments(ctx context.Context, userID string) ([]store.Payment, error) {
	payments, err := s.store.ListPaymentsByUser(ctx, userID, 50)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []store.Payment{}
	}
	return payments, nil
}

// Cancel cancels a pending payment link at PayOS and marks it cancelled.
func (s *Service) Cancel(ctx context.Context, userID, paymentLinkID, reason string) (*store.Payment, error) {
	if s.gateway == nil {
		return nil, ErrPaymentsDisabled
	}
	p, err := s.Payment(ctx, userID, paymentLinkID)
	if err != nil {
		return nil, err
	}
	if p.Status != store.PaymentPending {
		return nil, ErrPaymentClosed
	}

	if _, err := s.gateway.CancelPaymentLink(ctx, paymentLinkID, reason); err != nil {
		return nil, err
	}

	p, err = s.store.ClosePayment(ctx, paymentLinkID, store.PaymentCancelled, s.now())
	if errors.Is(err, store.ErrPaymentProcessed) || errors.Is(err, store.ErrPaymentClosed) {
		return nil, ErrPaymentClosed
	}
	if err != nil {
		return nil, fmt.Errorf("close payment: %w", err)
	}

	s.logger.Info("payment cancelled", "user_id", userID, "payment_link_id", paymentLinkID)
	s.record(ctx, activity.Entry{
		UserID:    userID,
		Action:    activity.ActionPaymentCancel,
		Reference: paymentLinkID,
		Detail:    activity.Detail(map[string]string{"reason": reason}),
	})
	return p, nil
}

// ExpirePlans moves accounts whose paid plan has expired back to the free
// plan. Balances are left as they are.
func (s *Service) ExpirePlans(ctx context.Context) (int64, error) {
	n, err := s.store.ExpirePlans(ctx, s.now(), s.opts.FreePlan)
	if err != nil {
		return 0, fmt.Errorf("expire plans: %w", err)
	}
	if n > 0 {
		s.logger.Info("plans expired", "count", n, "fallback_plan", s.opts.FreePlan)
		s.record(ctx, activity.Entry{
			Action: activity.ActionPlanExpired,
			Amount: n,
			Detail: activity.Detail(map[string]any{"accounts": n, "plan": s.opts.FreePlan}),
		})
	}
	return n, nil
}

// RunExpiry expires plans every interval until ctx is canceled.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpirePlans(ctx); err != nil {
				s.logger.Warn("plan expiry failed", "error", err)
			}
		}
	}
}

func (s *Service) record(ctx context.Context, e activity.Entry) {
	if s.activity != nil {
		s.activity.Record(ctx, e)
	}
}

func (s *Service) publish(e notify.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
