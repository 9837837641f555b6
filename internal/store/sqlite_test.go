package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// createTestAccount is a helper that provisions an account with a balance.
func createTestAccount(t *testing.T, s Store, credits int64) *Account {
	t.Helper()
	acct, err := s.EnsureAccount(context.Background(), &Account{
		UserID:  "user-" + uuid.New().String()[:8],
		Plan:    "free",
		Credits: credits,
	})
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return acct
}

func newCharge(userID string, amount int64) *Charge {
	return &Charge{ID: uuid.New().String(), UserID: userID, Operation: "text", Amount: amount}
}

func createTestPayment(t *testing.T, s Store, userID string) *Payment {
	t.Helper()
	p := &Payment{
		PaymentLinkID: "link-" + uuid.New().String()[:8],
		OrderCode:     time.Now().UnixNano() % 1_000_000_000,
		UserID:        userID,
		Plan:          "basic",
		Amount:        49000,
		Credits:       300,
		PlanDuration:  30 * 24 * time.Hour,
		CheckoutURL:   "https://pay.payos.vn/web/abc",
	}
	if err := s.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: uuid.New().String(), Username: "alice", PasswordHash: "hash", Role: "admin", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, &User{ID: uuid.New().String(), Username: "alice", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}); err == nil {
		t.Fatal("expected error for duplicate username")
	}

	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != u.ID || got.Role != "admin" {
		t.Fatalf("GetUserByUsername: got %+v", got)
	}
	missing, err := s.GetUserByUsername(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing user: got %+v, %v", missing, err)
	}
}

func TestEnsureAccountKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := createTestAccount(t, s, 20)
	if _, err := s.SetCredits(ctx, acct.UserID, 7); err != nil {
		t.Fatal(err)
	}

	again, err := s.EnsureAccount(ctx, &Account{UserID: acct.UserID, Plan: "free", Credits: 20})
	if err != nil {
		t.Fatal(err)
	}
	if again.Credits != 7 {
		t.Errorf("EnsureAccount reset balance: got %d, want 7", again.Credits)
	}

	missing, err := s.GetAccount(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("GetAccount(missing): got %+v, %v", missing, err)
	}
}

func TestDebitConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 20)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Debit(ctx, newCharge(acct.UserID, 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Debit: %v", err)
		}
	}

	got, err := s.GetAccount(ctx, acct.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != 18 {
		t.Errorf("balance after two concurrent debits: got %d, want 18", got.Credits)
	}
}

func TestDebitNeverOverdraws(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Debit(ctx, newCharge(acct.UserID, 2))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("Debit: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 2 {
		t.Errorf("successful debits: got %d, want 2", succeeded)
	}
	got, _ := s.GetAccount(ctx, acct.UserID)
	if got.Credits != 1 {
		t.Errorf("balance: got %d, want 1", got.Credits)
	}
}

func TestDebitInsufficient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 3)

	_, _, err := s.Debit(ctx, newCharge(acct.UserID, 4))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.UserID)
	if got.Credits != 3 {
		t.Errorf("balance changed on failed debit: got %d", got.Credits)
	}

	// Debiting the whole balance is allowed.
	balance, _, err := s.Debit(ctx, newCharge(acct.UserID, 3))
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 {
		t.Errorf("balance: got %d, want 0", balance)
	}

	if _, _, err := s.Debit(ctx, newCharge("nobody", 1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("debit unknown account: got %v, want ErrNotFound", err)
	}
}

func TestDebitReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 20)

	c := newCharge(acct.UserID, 5)
	c.IdempotencyKey = "req-1"
	balance, replayed, err := s.Debit(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if replayed || balance != 15 {
		t.Fatalf("first debit: balance=%d replayed=%v", balance, replayed)
	}

	again := &Charge{ID: c.ID, UserID: acct.UserID, Operation: "text", Amount: 5}
	balance, replayed, err = s.Debit(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed || balance != 15 {
		t.Errorf("replayed debit: balance=%d replayed=%v", balance, replayed)
	}
	if again.Status != ChargePending || again.IdempotencyKey != "req-1" {
		t.Errorf("replayed charge not loaded: %+v", again)
	}
}

func TestResolveCharge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 20)

	c := newCharge(acct.UserID, 4)
	if _, _, err := s.Debit(ctx, c); err != nil {
		t.Fatal(err)
	}

	refunded, balance, err := s.ResolveCharge(ctx, acct.UserID, c.ID, ChargeRefunded)
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Status != ChargeRefunded || balance != 20 {
		t.Errorf("refund: status=%s balance=%d", refunded.Status, balance)
	}

	// Refunding twice must not credit twice.
	_, balance, err = s.ResolveCharge(ctx, acct.UserID, c.ID, ChargeRefunded)
	if !errors.Is(err, ErrChargeResolved) {
		t.Fatalf("second refund: got %v, want ErrChargeResolved", err)
	}
	if balance != 20 {
		t.Errorf("balance after second refund: got %d, want 20", balance)
	}

	settled := newCharge(acct.UserID, 2)
	if _, _, err := s.Debit(ctx, settled); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ResolveCharge(ctx, acct.UserID, settled.ID, ChargeSettled); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ResolveCharge(ctx, acct.UserID, settled.ID, ChargeRefunded); !errors.Is(err, ErrChargeResolved) {
		t.Errorf("refund after settle: got %v, want ErrChargeResolved", err)
	}

	if _, _, err := s.ResolveCharge(ctx, "someone-else", settled.ID, ChargeRefunded); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve other user's charge: got %v, want ErrNotFound", err)
	}

	got, err := s.GetCharge(ctx, settled.ID)
	if err != nil || got == nil || got.Status != ChargeSettled {
		t.Errorf("GetCharge: got %+v, %v", got, err)
	}
}

func TestAddAndSetCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 10)

	balance, err := s.AddCredits(ctx, acct.UserID, 15)
	if err != nil || balance != 25 {
		t.Fatalf("AddCredits: got %d, %v", balance, err)
	}
	if _, err := s.AddCredits(ctx, acct.UserID, -30); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("AddCredits below zero: got %v", err)
	}
	balance, err = s.SetCredits(ctx, acct.UserID, 3)
	if err != nil || balance != 3 {
		t.Fatalf("SetCredits: got %d, %v", balance, err)
	}
	if _, err := s.SetCredits(ctx, "nobody", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetCredits unknown: got %v", err)
	}
}

func TestCompletePaymentOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 2)
	p := createTestPayment(t, s, acct.UserID)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	paid, updated, err := s.CompletePayment(ctx, p.PaymentLinkID, "FT123", at)
	if err != nil {
		t.Fatal(err)
	}
	if paid.Status != PaymentSuccess || paid.Reference != "FT123" {
		t.Errorf("payment: got %+v", paid)
	}
	if updated.Plan != "basic" || updated.Credits != 300 {
		t.Errorf("account: got plan=%s credits=%d", updated.Plan, updated.Credits)
	}
	if updated.PlanExpiresAt == nil || !updated.PlanExpiresAt.Equal(at.Add(30*24*time.Hour)) {
		t.Errorf("plan expiry: got %v", updated.PlanExpiresAt)
	}

	// Spend some credits, then redeliver: the grant must not be applied again.
	if _, _, err := s.Debit(ctx, newCharge(acct.UserID, 10)); err != nil {
		t.Fatal(err)
	}
	again, acctAgain, err := s.CompletePayment(ctx, p.PaymentLinkID, "FT123", at.Add(time.Minute))
	if !errors.Is(err, ErrPaymentProcessed) {
		t.Fatalf("second completion: got %v, want ErrPaymentProcessed", err)
	}
	if again == nil || again.Status != PaymentSuccess || acctAgain != nil {
		t.Errorf("second completion returned payment=%+v account=%+v", again, acctAgain)
	}
	got, _ := s.GetAccount(ctx, acct.UserID)
	if got.Credits != 290 {
		t.Errorf("credits after duplicate completion: got %d, want 290", got.Credits)
	}

	if _, err := s.ClosePayment(ctx, p.PaymentLinkID, PaymentCancelled, at); !errors.Is(err, ErrPaymentProcessed) {
		t.Errorf("cancel after success: got %v, want ErrPaymentProcessed", err)
	}
}

func TestCompletePaymentConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 0)
	p := createTestPayment(t, s, acct.UserID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CompletePayment(ctx, p.PaymentLinkID, "ref", time.Now())
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			} else if !errors.Is(err, ErrPaymentProcessed) {
				t.Errorf("CompletePayment: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("applied completions: got %d, want 1", applied)
	}
}

func TestCompletePaymentCreatesAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestPayment(t, s, "fresh-user")

	_, acct, err := s.CompletePayment(ctx, p.PaymentLinkID, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if acct.UserID != "fresh-user" || acct.Credits != 300 {
		t.Errorf("account: got %+v", acct)
	}
}

func TestCompletePaymentSettlesPendingCharges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 10)

	pending := newCharge(acct.UserID, 4)
	if _, _, err := s.Debit(ctx, pending); err != nil {
		t.Fatal(err)
	}
	p := createTestPayment(t, s, acct.UserID)
	if _, _, err := s.CompletePayment(ctx, p.PaymentLinkID, "FT9", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCharge(ctx, pending.ID)
	if err != nil || got == nil || got.Status != ChargeSettled {
		t.Fatalf("charge after plan purchase: got %+v, %v", got, err)
	}
	// A late refund must not lift the balance above the plan's credits.
	_, balance, err := s.ResolveCharge(ctx, acct.UserID, pending.ID, ChargeRefunded)
	if !errors.Is(err, ErrChargeResolved) {
		t.Fatalf("refund after plan purchase: got %v, want ErrChargeResolved", err)
	}
	if balance != 300 {
		t.Errorf("balance: got %d, want 300", balance)
	}
}

func TestListPendingPayments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 0)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		p := &Payment{
			PaymentLinkID: "link-pending-" + uuid.New().String()[:8],
			OrderCode:     int64(1000 + i),
			UserID:        acct.UserID,
			Plan:          "basic",
			Amount:        49000,
			Credits:       300,
			CreatedAt:     base.Add(time.Duration(2-i) * time.Hour),
		}
		if err := s.CreatePayment(ctx, p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.PaymentLinkID)
	}
	if _, err := s.ClosePayment(ctx, ids[1], PaymentCancelled, base); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListPendingPayments(ctx, base.Add(3*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].PaymentLinkID != ids[2] || list[1].PaymentLinkID != ids[0] {
		t.Fatalf("pending payments: got %+v", list)
	}

	list, err = s.ListPendingPayments(ctx, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PaymentLinkID != ids[2] {
		t.Errorf("pending payments before cutoff: got %+v", list)
	}

	list, err = s.ListPendingPayments(ctx, base.Add(3*time.Hour), 1)
	if err != nil || len(list) != 1 {
		t.Errorf("limit: got %d, %v", len(list), err)
	}
}

func TestMigrateReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "creditd.db")
	first, err := NewSQLite(dsn)
	if err != nil {
		t.Fatal(err)
	}
	acct := createTestAccount(t, first, 5)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var n int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('accounts') WHERE name = 'plan_expires_at'`).Scan(&n)
	if err != nil || n != 1 {
		t.Fatalf("plan_expires_at column: got %d, %v", n, err)
	}
	got, err := s.GetAccount(context.Background(), acct.UserID)
	if err != nil || got == nil || got.Credits != 5 {
		t.Errorf("account after reopen: got %+v, %v", got, err)
	}
}

func TestClosePayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 0)
	p := createTestPayment(t, s, acct.UserID)

	closed, err := s.ClosePayment(ctx, p.PaymentLinkID, PaymentCancelled, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != PaymentCancelled || closed.CompletedAt == nil {
		t.Errorf("closed payment: got %+v", closed)
	}
	if _, _, err := s.CompletePayment(ctx, p.PaymentLinkID, "", time.Now()); !errors.Is(err, ErrPaymentClosed) {
		t.Errorf("complete after cancel: got %v, want ErrPaymentClosed", err)
	}
	if _, err := s.ClosePayment(ctx, "missing", PaymentFailed, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("close missing: got %v, want ErrNotFound", err)
	}

	list, err := s.ListPaymentsByUser(ctx, acct.UserID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PaymentLinkID != p.PaymentLinkID {
		t.Errorf("ListPaymentsByUser: got %+v", list)
	}
	if list[0].PlanDuration != 30*24*time.Hour {
		t.Errorf("plan duration round trip: got %v", list[0].PlanDuration)
	}
}

func TestExpirePlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, 0)
	p := createTestPayment(t, s, acct.UserID)

	paidAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, _, err := s.CompletePayment(ctx, p.PaymentLinkID, "", paidAt); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpirePlans(ctx, paidAt.Add(24*time.Hour), "free")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expired before expiry: got %d", n)
	}

	n, err = s.ExpirePlans(ctx, paidAt.Add(31*24*time.Hour), "free")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired accounts: got %d, want 1", n)
	}
	got, _ := s.GetAccount(ctx, acct.UserID)
	if got.Plan != "free" || got.PlanExpiresAt != nil {
		t.Errorf("account after expiry: got %+v", got)
	}
	if got.Credits != 300 {
		t.Errorf("expiry must leave credits alone: got %d", got.Credits)
	}
}

func TestActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	entries := []ActivityEntry{
		{UserID: "u1", Action: "credits.charge", Amount: -1, BalanceAfter: 19},
		{UserID: "u1", Action: "credits.refund", Amount: 1, BalanceAfter: 20},
		{UserID: "u2", Action: "billing.checkout", Detail: json.RawMessage(`{"plan":"pro"}`)},
		{UserID: "u1", Action: "billing.payment", Reference: "link-1"},
	}
	for i := range entries {
		entries[i].ID = uuid.New().String()
		entries[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.AppendActivity(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListActivity(ctx, ActivityFilter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("u1 entries: got %d, want 3", len(all))
	}
	if all[0].Action != "billing.payment" || all[2].Action != "credits.charge" {
		t.Errorf("entries not newest first: %s, %s", all[0].Action, all[2].Action)
	}

	credits, err := s.ListActivity(ctx, ActivityFilter{UserID: "u1", Action: "credits."})
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 2 {
		t.Errorf("credits.* entries: got %d, want 2", len(credits))
	}

	paged, err := s.ListActivity(ctx, ActivityFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 || paged[0].Action != "billing.checkout" {
		t.Errorf("paged: got %+v", paged)
	}
	if string(paged[0].Detail) != `{"plan":"pro"}` {
		t.Errorf("detail: got %s", paged[0].Detail)
	}

	purged, err := s.PurgeActivity(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("purged: got %d, want 2", purged)
	}
	rest, _ := s.ListActivity(ctx, ActivityFilter{})
	if len(rest) != 2 {
		t.Errorf("remaining entries: got %d, want 2", len(rest))
	}
}

func TestListAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createTestAccount(t, s, int64(i))
	}
	accounts, err := s.ListAccounts(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Errorf("ListAccounts(limit=2): got %d", len(accounts))
	}
	accounts, _ = s.ListAccounts(ctx, 10, 2)
	if len(accounts) != 1 {
		t.Errorf("ListAccounts(offset=2): got %d", len(accounts))
	}
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialectPostgres}
	got := pg.rebind(`UPDATE a SET x = ? WHERE y = ? AND z >= ?`)
	if got != `UPDATE a SET x = $1 WHERE y = $2 AND z >= $3` {
		t.Errorf("rebind: got %q", got)
	}
	lite := &sqlStore{dialect: dialectSQLite}
	if q := lite.rebind(`SELECT ?`); q != `SELECT ?` {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}
