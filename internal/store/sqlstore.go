package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with "?" placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate returns the row-locking suffix for SELECTs inside a transaction.
// SQLite serializes writers on the single connection, so it needs none.
func (s *sqlStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *sqlStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`),
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt.UTC())
	return err
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username)
}

func (s *sqlStore) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Accounts ---

const accountColumns = `user_id, plan, credits, plan_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var expires sql.NullTime
	if err := row.Scan(&a.UserID, &a.Plan, &a.Credits, &expires, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.PlanExpiresAt = timePtr(expires)
	return &a, nil
}

func (s *sqlStore) EnsureAccount(ctx context.Context, acct *Account) (*Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`),
		acct.UserID, acct.Plan, acct.Credits, nullTime(acct.PlanExpiresAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	a, err := s.getAccount(ctx, s.db, acct.UserID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *sqlStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return s.getAccount(ctx, s.db, userID)
}

func (s *sqlStore) getAccount(ctx context.Context, q queryer, userID string) (*Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, s.rebind(
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`), userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC, user_id LIMIT ? OFFSET ?`),
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// --- Credits ---

const chargeColumns = `id, user_id, operation, amount, status, idempotency_key, created_at, updated_at`

func scanCharge(row rowScanner) (*Charge, error) {
	var c Charge
	if err := row.Scan(&c.ID, &c.UserID, &c.Operation, &c.Amount, &c.Status, &c.IdempotencyKey,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) getCharge(ctx context.Context, q queryer, id string, lock bool) (*Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = ?`
	if lock {
		query += s.forUpdate()
	}
	c, err := scanCharge(q.QueryRowContext(ctx, s.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *sqlStore) balance(ctx context.Context, q queryer, userID string) (int64, error) {
	var credits int64
	err := q.QueryRowContext(ctx, s.rebind(`SELECT credits FROM accounts WHERE user_id = ?`), userID).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return credits, err
}

func (s *sqlStore) Debit(ctx context.Context, c *Charge) (int64, bool, error) {
	balance, replayed, err := s.debit(ctx, c)
	if isUniqueViolation(err) {
		// A concurrent request with the same charge ID won the insert.
		return s.debit(ctx, c)
	}
	return balance, replayed, err
}

func (s *sqlStore) debit(ctx context.Context, c *Charge) (int64, bool, error) {
	var balance int64
	var replayed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getCharge(ctx, tx, c.ID, false)
		if err != nil {
			return fmt.Errorf("get charge: %w", err)
		}
		if existing != nil {
			if existing.UserID != c.UserID {
				return fmt.Errorf("charge %s: %w", c.ID, ErrNotFound)
			}
			*c = *existing
			replayed = true
			balance, err = s.balance(ctx, tx, c.UserID)
			return err
		}

		now := time.Now().UTC()
		err = tx.QueryRowContext(ctx, s.rebind(
			`UPDATE accounts SET credits = credits - ?, updated_at = ?
			 WHERE user_id = ? AND credits >= ? RETURNING credits`),
			c.Amount, now, c.UserID, c.Amount).Scan(&balance)
		if err == sql.ErrNoRows {
			if _, berr := s.balance(ctx, tx, c.UserID); berr != nil {
				return berr
			}
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("decrement credits: %w", err)
		}

		c.Status = ChargePending
		c.CreatedAt = now
		c.UpdatedAt = now
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO charges (`+chargeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.UserID, c.Operation, c.Amount, c.Status, c.IdempotencyKey, now, now)
		return err
	})
	return balance, replayed, err
}

func (s *sqlStore) ResolveCharge(ctx context.Context, userID, chargeID, status string) (*Charge, int64, error) {
	if status != ChargeSettled && status != ChargeRefunded {
		return nil, 0, fmt.Errorf("invalid charge status %q", status)
	}

	var charge *Charge
	var balance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getCharge(ctx, tx, chargeID, true)
		if err != nil {
			return fmt.Errorf("get charge: %w", err)
		}
		if c == nil || c.UserID != userID {
			return ErrNotFound
		}
		charge = c
		if c.Status != ChargePending {
			balance, err = s.balance(ctx, tx, userID)
			if err != nil {
				return err
			}
			return ErrChargeResolved
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE charges SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			status, now, chargeID, ChargePending)
		if err != nil {
			return fmt.Errorf("update charge: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrChargeResolved
		}
		c.Status = status
		c.UpdatedAt = now

		if status == ChargeRefunded {
			err = tx.QueryRowContext(ctx, s.rebind(
				`UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE user_id = ? RETURNING credits`),
				c.Amount, now, userID).Scan(&balance)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		balance, err = s.balance(ctx, tx, userID)
		return err
	})
	if errors.Is(err, ErrChargeResolved) {
		return charge, balance, err
	}
	if err != nil {
		return nil, 0, err
	}
	return charge, balance, nil
}

func (s *sqlStore) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return s.getCharge(ctx, s.db, chargeID, false)
}

func (s *sqlStore) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE accounts SET credits = credits + ?, updated_at = ?
		 WHERE user_id = ? AND credits + ? >= 0 RETURNING credits`),
		amount, time.Now().UTC(), userID, amount).Scan(&balance)
	if err == sql.ErrNoRows {
		if _, berr := s.balance(ctx, s.db, userID); berr != nil {
			return 0, berr
		}
		return 0, ErrInsufficientCredits
	}
	return balance, err
}

func (s *sqlStore) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	if credits < 0 {
		return 0, ErrInsufficientCredits
	}
	var balance int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE accounts SET credits = ?, updated_at = ? WHERE user_id = ? RETURNING credits`),
		credits, time.Now().UTC(), userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return balance, err
}

// --- Payments ---

const paymentColumns = `payment_link_id, order_code, user_id, plan, amount, credits, plan_duration_seconds,
	status, checkout_url, reference, created_at, updated_at, completed_at`

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var durationSecs int64
	var completed sql.NullTime
	if err := row.Scan(&p.PaymentLinkID, &p.OrderCode, &p.UserID, &p.Plan, &p.Amount, &p.Credits, &durationSecs,
		&p.Status, &p.CheckoutURL, &p.Reference, &p.CreatedAt, &p.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	p.PlanDuration = time.Duration(durationSecs) * time.Second
	p.CompletedAt = timePtr(completed)
	return &p, nil
}

func (s *sqlStore) CreatePayment(ctx context.Context, p *Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PaymentPending
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.PaymentLinkID, p.OrderCode, p.UserID, p.Plan, p.Amount, p.Credits, int64(p.PlanDuration/time.Second),
		p.Status, p.CheckoutURL, p.Reference, p.CreatedAt.UTC(), p.UpdatedAt, nullTime(p.CompletedAt))
	return err
}

func (s *sqlStore) GetPayment(ctx context.Context, paymentLinkID string) (*Payment, error) {
	return s.getPayment(ctx, s.db, paymentLinkID, false)
}

func (s *sqlStore) getPayment(ctx context.Context, q queryer, id string, lock bool) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_link_id = ?`
	if lock {
		query += s.forUpdate()
	}
	p, err := scanPayment(q.QueryRowContext(ctx, s.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *sqlStore) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`),
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *sqlStore) ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+paymentColumns+` FROM payments WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`),
		PaymentPending, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// lockPendingPayment loads a payment for update and checks that it is still
// pending. The loaded payment is returned alongside ErrPaymentProcessed and
// ErrPaymentClosed.
func (s *sqlStore) lockPendingPayment(ctx context.Context, tx *sql.Tx, id string) (*Payment, error) {
	p, err := s.getPayment(ctx, tx, id, true)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	switch p.Status {
	case PaymentPending:
		return p, nil
	case PaymentSuccess:
		return p, ErrPaymentProcessed
	default:
		return p, ErrPaymentClosed
	}
}

func (s *sqlStore) CompletePayment(ctx context.Context, paymentLinkID, reference string, at time.Time) (*Payment, *Account, error) {
	at = at.UTC()
	var payment *Payment
	var acct *Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockPendingPayment(ctx, tx, paymentLinkID)
		payment = p
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE payments SET status = ?, reference = ?, completed_at = ?, updated_at = ?
			 WHERE payment_link_id = ? AND status = ?`),
			PaymentSuccess, reference, at, at, paymentLinkID, PaymentPending)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPaymentProcessed
		}
		p.Status = PaymentSuccess
		p.Reference = reference
		p.CompletedAt = &at
		p.UpdatedAt = at

		expires := planExpiry(at, p.PlanDuration)
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   plan = excluded.plan,
			   credits = excluded.credits,
			   plan_expires_at = excluded.plan_expires_at,
			   updated_at = excluded.updated_at`),
			p.UserID, p.Plan, p.Credits, nullTime(expires), at, at)
		if err != nil {
			return fmt.Errorf("apply plan: %w", err)
		}

		// Pending charges were taken from the balance the plan just replaced;
		// refunding them would lift the account above the plan's credits.
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE charges SET status = ?, updated_at = ? WHERE user_id = ? AND status = ?`),
			ChargeSettled, at, p.UserID, ChargePending); err != nil {
			return fmt.Errorf("settle pending charges: %w", err)
		}

		acct, err = s.getAccount(ctx, tx, p.UserID)
		return err
	})
	if errors.Is(err, ErrPaymentProcessed) || errors.Is(err, ErrPaymentClosed) {
		return payment, nil, err
	}
	if err != nil {
		return nil, nil, err
	}
	return payment, acct, nil
}

func (s *sqlStore) ClosePayment(ctx context.Context, paymentLinkID, status string, at time.Time) (*Payment, error) {
	if status != PaymentCancelled && status != PaymentFailed {
		return nil, fmt.Errorf("invalid payment status %q", status)
	}
	at = at.UTC()
	var payment *Payment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockPendingPayment(ctx, tx, paymentLinkID)
		payment = p
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE payments SET status = ?, completed_at = ?, updated_at = ?
			 WHERE payment_link_id = ? AND status = ?`),
			status, at, at, paymentLinkID, PaymentPending)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPaymentClosed
		}
		p.Status = status
		p.CompletedAt = &at
		p.UpdatedAt = at
		return nil
	})
	if errors.Is(err, ErrPaymentProcessed) || errors.Is(err, ErrPaymentClosed) {
		return payment, err
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *sqlStore) ExpirePlans(ctx context.Context, now time.Time, fallbackPlan string) (int64, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET plan = ?, plan_expires_at = NULL, updated_at = ?
		 WHERE plan_expires_at IS NOT NULL AND plan_expires_at < ?`),
		fallbackPlan, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Activity ---

func (s *sqlStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO activity (id, user_id, action, amount, balance_after, reference, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.Action, e.Amount, e.BalanceAfter, e.Reference, string(e.Detail), e.CreatedAt.UTC())
	return err
}

func (s *sqlStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	query := `SELECT id, user_id, action, amount, balance_after, reference, detail, created_at FROM activity WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		query += ` AND action LIKE ?`
		args = append(args, filter.Action+"%")
	}

	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var detail string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Amount, &e.BalanceAfter, &e.Reference,
			&detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = []byte(detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) PurgeActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM activity WHERE created_at < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
