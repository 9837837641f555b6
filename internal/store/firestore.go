package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// compile-time interface check
var _ Store = (*FirestoreStore)(nil)

// FirestoreStore implements Store on Cloud Firestore. Documents are keyed by
// user ID (accounts), charge ID (charges) and payment link ID (payments), and
// compound operations run in Firestore transactions.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestore opens a Firestore client through a Firebase app, or directly
// when a named (non-default) database is requested. An empty credentialsFile
// falls back to application default credentials, and FIRESTORE_EMULATOR_HOST
// is honoured by the client library.
func NewFirestore(ctx context.Context, projectID, database, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if database != "" && database != firestore.DefaultDatabaseID {
		client, err := firestore.NewClientWithDatabase(ctx, projectID, database, opts...)
		if err != nil {
			return nil, fmt.Errorf("store/firestore: create client: %w", err)
		}
		return &FirestoreStore{client: client}, nil
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("store/firestore: create firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("store/firestore: create client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	// Reading a missing document is the cheapest authenticated round trip.
	_, err := s.client.Collection(colAccounts).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func isFirestoreNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// --- documents ---

type fsUser struct {
	Username     string    `firestore:"username"`
	PasswordHash string    `firestore:"password_hash"`
	Role         string    `firestore:"role"`
	CreatedAt    time.Time `firestore:"created_at"`
}

type fsAccount struct {
	Plan          string     `firestore:"plan"`
	Credits       int64      `firestore:"credits"`
	PlanExpiresAt *time.Time `firestore:"plan_expires_at"`
	CreatedAt     time.Time  `firestore:"created_at"`
	UpdatedAt     time.Time  `firestore:"updated_at"`
}

func (d *fsAccount) toAccount(userID string) *Account {
	a := &Account{
		UserID:    userID,
		Plan:      d.Plan,
		Credits:   d.Credits,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.PlanExpiresAt != nil {
		t := d.PlanExpiresAt.UTC()
		a.PlanExpiresAt = &t
	}
	return a
}

type fsCharge struct {
	UserID         string    `firestore:"user_id"`
	Operation      string    `firestore:"operation"`
	Amount         int64     `firestore:"amount"`
	Status         string    `firestore:"status"`
	IdempotencyKey string    `firestore:"idempotency_key"`
	CreatedAt      time.Time `firestore:"created_at"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

func (d *fsCharge) toCharge(id string) *Charge {
	return &Charge{
		ID:             id,
		UserID:         d.UserID,
		Operation:      d.Operation,
		Amount:         d.Amount,
		Status:         d.Status,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

type fsPayment struct {
	OrderCode           int64      `firestore:"order_code"`
	UserID              string     `firestore:"user_id"`
	Plan                string     `firestore:"plan"`
	Amount              int64      `firestore:"amount"`
	Credits             int64      `firestore:"credits"`
	PlanDurationSeconds int64      `firestore:"plan_duration_seconds"`
	Status              string     `firestore:"status"`
	CheckoutURL         string     `firestore:"checkout_url"`
	Reference           string     `firestore:"reference"`
	CreatedAt           time.Time  `firestore:"created_at"`
	UpdatedAt           time.Time  `firestore:"updated_at"`
	CompletedAt         *time.Time `firestore:"completed_at"`
}

func (d *fsPayment) toPayment(id string) *Payment {
	p := &Payment{
		PaymentLinkID: id,
		OrderCode:     d.OrderCode,
		UserID:        d.UserID,
		Plan:          d.Plan,
		Amount:        d.Amount,
		Credits:       d.Credits,
		PlanDuration:  time.Duration(d.PlanDurationSeconds) * time.Second,
		Status:        d.Status,
		CheckoutURL:   d.CheckoutURL,
		Reference:     d.Reference,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		p.CompletedAt = &t
	}
	return p
}

type fsActivity struct {
	UserID       string    `firestore:"user_id"`
	Action       string    `firestore:"action"`
	Amount       int64     `firestore:"amount"`
	BalanceAfter int64     `firestore:"balance_after"`
	Reference    string    `firestore:"reference"`
	Detail       string    `firestore:"detail"`
	CreatedAt    time.Time `firestore:"created_at"`
}

// --- Users ---

func (s *FirestoreStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.client.Collection(colUsers).Doc(user.ID).Create(ctx, &fsUser{
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Role:         user.Role,
		CreatedAt:    user.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("store/firestore: create user: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	docs, err := s.client.Collection(colUsers).Where("username", "==", username).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("store/firestore: get user: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeUser(docs[0])
}

func decodeUser(snap *firestore.DocumentSnapshot) (*User, error) {
	var d fsUser
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &User{ID: snap.Ref.ID, Username: d.Username, PasswordHash: d.PasswordHash, Role: d.Role, CreatedAt: d.CreatedAt.UTC()}, nil
}

// --- Accounts ---

func (s *FirestoreStore) accountRef(userID string) *firestore.DocumentRef {
	return s.client.Collection(colAccounts).Doc(userID)
}

// txAccount reads an account inside a transaction. A missing account is
// returned as ErrNotFound.
func (s *FirestoreStore) txAccount(tx *firestore.Transaction, userID string) (*fsAccount, error) {
	snap, err := tx.Get(s.accountRef(userID))
	if isFirestoreNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d fsAccount
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *FirestoreStore) EnsureAccount(ctx context.Context, acct *Account) (*Account, error) {
	var out *Account
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := s.txAccount(tx, acct.UserID)
		if err == nil {
			out = d.toAccount(acct.UserID)
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		t := now()
		d = &fsAccount{Plan: acct.Plan, Credits: acct.Credits, PlanExpiresAt: acct.PlanExpiresAt, CreatedAt: t, UpdatedAt: t}
		out = d.toAccount(acct.UserID)
		return tx.Create(s.accountRef(acct.UserID), d)
	})
	if err != nil {
		return nil, fmt.Errorf("store/firestore: ensure account: %w", err)
	}
	return out, nil
}

func (s *FirestoreStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	snap, err := s.accountRef(userID).Get(ctx)
	if isFirestoreNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/firestore: get account: %w", err)
	}
	var d fsAccount
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return d.toAccount(userID), nil
}

func (s *FirestoreStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := s.client.Collection(colAccounts).
		OrderBy("created_at", firestore.Desc).
		Offset(offset).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("store/firestore: list accounts: %w", err)
	}
	accounts := make([]Account, 0, len(docs))
	for _, snap := range docs {
		var d fsAccount
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		accounts = append(accounts, *d.toAccount(snap.Ref.ID))
	}
	return accounts, nil
}

// --- Credits ---

func (s *FirestoreStore) chargeRef(id string) *firestore.DocumentRef {
	return s.client.Collection(colCharges).Doc(id)
}

func (s *FirestoreStore) Debit(ctx context.Context, c *Charge) (int64, bool, error) {
	var balance int64
	var replayed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		replayed = false
		chargeSnap, err := tx.Get(s.chargeRef(c.ID))
		if err != nil && !isFirestoreNotFound(err) {
			return err
		}
		acct, err := s.txAccount(tx, c.UserID)
		if err != nil {
			return err
		}

		if chargeSnap != nil && chargeSnap.Exists() {
			var existing fsCharge
			if err := chargeSnap.DataTo(&existing); err != nil {
				return err
			}
			if existing.UserID != c.UserID {
				return fmt.Errorf("charge %s: %w", c.ID, ErrNotFound)
			}
			*c = *existing.toCharge(c.ID)
			replayed = true
			balance = acct.Credits
			return nil
		}

		if acct.Credits < c.Amount {
			return ErrInsufficientCredits
		}
		t := now()
		balance = acct.Credits - c.Amount
		c.Status = ChargePending
		c.CreatedAt = t
		c.UpdatedAt = t
		if err := tx.Update(s.accountRef(c.UserID), []firestore.Update{
			{Path: "credits", Value: balance},
			{Path: "updated_at", Value: t},
		}); err != nil {
			return err
		}
		return tx.Create(s.chargeRef(c.ID), &fsCharge{
			UserID:         c.UserID,
			Operation:      c.Operation,
			Amount:         c.Amount,
			Status:         c.Status,
			IdempotencyKey: c.IdempotencyKey,
			CreatedAt:      t,
			UpdatedAt:      t,
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrNotFound) {
			return 0, false, err
		}
		return 0, false, fmt.Errorf("store/firestore: debit: %w", err)
	}
	return balance, replayed, nil
}

func (s *FirestoreStore) ResolveCharge(ctx context.Context, userID, chargeID, status string) (*Charge, int64, error) {
	if status != ChargeSettled && status != ChargeRefunded {
		return nil, 0, fmt.Errorf("invalid charge status %q", status)
	}
	var charge *Charge
	var balance int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.chargeRef(chargeID))
		if isFirestoreNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var d fsCharge
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if d.UserID != userID {
			return ErrNotFound
		}
		acct, err := s.txAccount(tx, userID)
		if err != nil {
			return err
		}
		charge = d.toCharge(chargeID)
		balance = acct.Credits
		if d.Status != ChargePending {
			return ErrChargeResolved
		}

		t := now()
		charge.Status = status
		charge.UpdatedAt = t
		if err := tx.Update(s.chargeRef(chargeID), []firestore.Update{
			{Path: "status", Value: status},
			{Path: "updated_at", Value: t},
		}); err != nil {
			return err
		}
		if status == ChargeRefunded {
			balance = acct.Credits + d.Amount
			return tx.Update(s.accountRef(userID), []firestore.Update{
				{Path: "credits", Value: balance},
				{Path: "updated_at", Value: t},
			})
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrChargeResolved):
		return charge, balance, err
	case errors.Is(err, ErrNotFound):
		return nil, 0, err
	case err != nil:
		return nil, 0, fmt.Errorf("store/firestore: resolve charge: %w", err)
	}
	return charge, balance, nil
}

func (s *FirestoreStore) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	snap, err := s.chargeRef(chargeID).Get(ctx)
	if isFirestoreNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/firestore: get charge: %w", err)
	}
	var d fsCharge
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return d.toCharge(chargeID), nil
}

// updateCredits applies fn to the current balance inside a transaction.
func (s *FirestoreStore) updateCredits(ctx context.Context, userID string, fn func(current int64) (int64, error)) (int64, error) {
	var balance int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acct, err := s.txAccount(tx, userID)
		if err != nil {
			return err
		}
		balance, err = fn(acct.Credits)
		if err != nil {
			return err
		}
		return tx.Update(s.accountRef(userID), []firestore.Update{
			{Path: "credits", Value: balance},
			{Path: "updated_at", Value: now()},
		})
	})
	return balance, err
}

func (s *FirestoreStore) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	return s.updateCredits(ctx, userID, func(current int64) (int64, error) {
		if current+amount < 0 {
			return 0, ErrInsufficientCredits
		}
		return current + amount, nil
	})
}

func (s *FirestoreStore) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	if credits < 0 {
		return 0, ErrInsufficientCredits
	}
	return s.updateCredits(ctx, userID, func(int64) (int64, error) {
		return credits, nil
	})
}

// --- Payments ---

func (s *FirestoreStore) paymentRef(id string) *firestore.DocumentRef {
	return s.client.Collection(colPayments).Doc(id)
}

func (s *FirestoreStore) CreatePayment(ctx context.Context, p *Payment) error {
	t := now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t
	}
	p.UpdatedAt = t
	if p.Status == "" {
		p.Status = PaymentPending
	}
	_, err := s.paymentRef(p.PaymentLinkID).Create(ctx, &fsPayment{
		OrderCode:           p.OrderCode,
		UserID:              p.UserID,
		Plan:                p.Plan,
		Amount:              p.Amount,
		Credits:             p.Credits,
		PlanDurationSeconds: int64(p.PlanDuration / time.Second),
		Status:              p.Status,
		CheckoutURL:         p.CheckoutURL,
		Reference:           p.Reference,
		CreatedAt:           p.CreatedAt.UTC(),
		UpdatedAt:           p.UpdatedAt,
		CompletedAt:         p.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("store/firestore: create payment: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetPayment(ctx context.Context, paymentLinkID string) (*Payment, error) {
	snap, err := s.paymentRef(paymentLinkID).Get(ctx)
	if isFirestoreNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store/firestore: get payment: %w", err)
	}
	var d fsPayment
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return d.toPayment(paymentLinkID), nil
}

func (s *FirestoreStore) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := s.client.Collection(colPayments).
		Where("user_id", "==", userID).
		OrderBy("created_at", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("store/firestore: list payments: %w", err)
	}
	payments := make([]Payment, 0, len(docs))
	for _, snap := range docs {
		var d fsPayment
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		payments = append(payments, *d.toPayment(snap.Ref.ID))
	}
	return payments, nil
}

// txPendingPayment reads a payment inside a transaction and checks that it is
// still pending.
func (s *FirestoreStore) txPendingPayment(tx *firestore.Transaction, id string) (*fsPayment, error) {
	snap, err := tx.Get(s.paymentRef(id))
	if isFirestoreNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d fsPayment
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	switch d.Status {
	case PaymentPending:
		return &d, nil
	case PaymentSuccess:
		return &d, ErrPaymentProcessed
	default:
		return &d, ErrPaymentClosed
	}
}

func (s *FirestoreStore) ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(colPayments).
		Where("status", "==", PaymentPending).
		Where("created_at", "<", before.UTC()).
		OrderBy("created_at", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("store/firestore: list pending payments: %w", err)
	}
	payments := make([]Payment, 0, len(docs))
	for _, snap := range docs {
		var d fsPayment
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		payments = append(payments, *d.toPayment(snap.Ref.ID))
	}
	return payments, nil
}

func (s *FirestoreStore) CompletePayment(ctx context.Context, paymentLinkID, reference string, at time.Time) (*Payment, *Account, error) {
	at = at.UTC()
	var payment *Payment
	var acct *Account
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := s.txPendingPayment(tx, paymentLinkID)
		if d != nil {
			payment = d.toPayment(paymentLinkID)
		}
		if err != nil {
			return err
		}

		existing, err := s.txAccount(tx, d.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		// Pending charges were taken from the balance the plan replaces.
		pending, err := tx.Documents(s.client.Collection(colCharges).
			Where("user_id", "==", d.UserID).
			Where("status", "==", ChargePending)).GetAll()
		if err != nil {
			return err
		}
		created := at
		if existing != nil {
			created = existing.CreatedAt
		}
		next := &fsAccount{
			Plan:          d.Plan,
			Credits:       d.Credits,
			PlanExpiresAt: planExpiry(at, time.Duration(d.PlanDurationSeconds)*time.Second),
			CreatedAt:     created,
			UpdatedAt:     at,
		}

		if err := tx.Update(s.paymentRef(paymentLinkID), []firestore.Update{
			{Path: "status", Value: PaymentSuccess},
			{Path: "reference", Value: reference},
			{Path: "completed_at", Value: at},
			{Path: "updated_at", Value: at},
		}); err != nil {
			return err
		}
		if err := tx.Set(s.accountRef(d.UserID), next); err != nil {
			return err
		}
		for _, snap := range pending {
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "status", Value: ChargeSettled},
				{Path: "updated_at", Value: at},
			}); err != nil {
				return err
			}
		}

		payment.Status = PaymentSuccess
		payment.Reference = reference
		payment.CompletedAt = &at
		payment.UpdatedAt = at
		acct = next.toAccount(d.UserID)
		return nil
	})
	switch {
	case errors.Is(err, ErrPaymentProcessed), errors.Is(err, ErrPaymentClosed):
		return payment, nil, err
	case errors.Is(err, ErrNotFound):
		return nil, nil, err
	case err != nil:
		return nil, nil, fmt.Errorf("store/firestore: complete payment: %w", err)
	}
	return payment, acct, nil
}

func (s *FirestoreStore) ClosePayment(ctx context.Context, paymentLinkID, status string, at time.Time) (*Payment, error) {
	if status != PaymentCancelled && status != PaymentFailed {
		return nil, fmt.Errorf("invalid payment status %q", status)
	}
	at = at.UTC()
	var payment *Payment
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := s.txPendingPayment(tx, paymentLinkID)
		if d != nil {
			payment = d.toPayment(paymentLinkID)
		}
		if err != nil {
			return err
		}
		payment.Status = status
		payment.CompletedAt = &at
		payment.UpdatedAt = at
		return tx.Update(s.paymentRef(paymentLinkID), []firestore.Update{
			{Path: "status", Value: status},
			{Path: "completed_at", Value: at},
			{Path: "updated_at", Value: at},
		})
	})
	switch {
	case errors.Is(err, ErrPaymentProcessed), errors.Is(err, ErrPaymentClosed):
		return payment, err
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("store/firestore: close payment: %w", err)
	}
	return payment, nil
}

func (s *FirestoreStore) ExpirePlans(ctx context.Context, now time.Time, fallbackPlan string) (int64, error) {
	iter := s.client.Collection(colAccounts).Where("plan_expires_at", "<", now.UTC()).Documents(ctx)
	defer iter.Stop()

	var n int64
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("store/firestore: expire plans: %w", err)
		}
		// The precondition skips accounts that were upgraded since the query.
		_, err = snap.Ref.Update(ctx, []firestore.Update{
			{Path: "plan", Value: fallbackPlan},
			{Path: "plan_expires_at", Value: nil},
			{Path: "updated_at", Value: now.UTC()},
		}, firestore.LastUpdateTime(snap.UpdateTime))
		if status.Code(err) == codes.FailedPrecondition {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("store/firestore: expire plan %s: %w", snap.Ref.ID, err)
		}
		n++
	}
	return n, nil
}

// --- Activity ---

func (s *FirestoreStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := s.client.Collection(colActivity).Doc(e.ID).Create(ctx, &fsActivity{
		UserID:       e.UserID,
		Action:       e.Action,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Reference:    e.Reference,
		Detail:       string(e.Detail),
		CreatedAt:    e.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("store/firestore: append activity: %w", err)
	}
	return nil
}

// ListActivity orders by created_at. Firestore cannot combine a range filter
// on action with that ordering, so the action prefix is matched while
// iterating.
func (s *FirestoreStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.client.Collection(colActivity).Query
	if filter.UserID != "" {
		q = q.Where("user_id", "==", filter.UserID)
	}
	q = q.OrderBy("created_at", firestore.Desc)
	skip := filter.Offset
	if filter.Action == "" {
		q = q.Offset(filter.Offset).Limit(limit)
		skip = 0
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var entries []ActivityEntry
	for len(entries) < limit {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store/firestore: list activity: %w", err)
		}
		var d fsActivity
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		if filter.Action != "" && !strings.HasPrefix(d.Action, filter.Action) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		e := ActivityEntry{
			ID:           snap.Ref.ID,
			UserID:       d.UserID,
			Action:       d.Action,
			Amount:       d.Amount,
			BalanceAfter: d.BalanceAfter,
			Reference:    d.Reference,
			CreatedAt:    d.CreatedAt.UTC(),
		}
		if d.Detail != "" {
			e.Detail = []byte(d.Detail)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FirestoreStore) PurgeActivity(ctx context.Context, before time.Time) (int64, error) {
	iter := s.client.Collection(colActivity).Where("created_at", "<", before.UTC()).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var n int64
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return n, fmt.Errorf("store/firestore: purge activity: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return n, fmt.Errorf("store/firestore: purge activity: %w", err)
		}
		n++
	}
	bw.End()
	return n, nil
}
