package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection name constants.
const (
	colUsers    = "users"
	colAccounts = "accounts"
	colCharges  = "charges"
	colPayments = "payments"
	colActivity = "activity"
)

// compile-time interface check
var _ Store = (*MongoStore)(nil)

// MongoStore implements Store using MongoDB. Compound credit operations run in
// multi-document transactions, so the server must be a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects to MongoDB and creates the indexes.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: connect: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates indexes for all collections.
func (s *MongoStore) Migrate(ctx context.Context) error {
	for col, models := range mongoIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("store/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func mongoIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colAccounts: {
			{Keys: bson.D{{Key: "plan_expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		colCharges: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colPayments: {
			{Keys: bson.D{{Key: "order_code", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colActivity: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
	}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *MongoStore) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("store/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// ==================== Models ====================

type userModel struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	PasswordHash string    `bson:"password_hash"`
	Role         string    `bson:"role"`
	CreatedAt    time.Time `bson:"created_at"`
}

type accountModel struct {
	UserID        string     `bson:"_id"`
	Plan          string     `bson:"plan"`
	Credits       int64      `bson:"credits"`
	PlanExpiresAt *time.Time `bson:"plan_expires_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func (m *accountModel) toAccount() *Account {
	a := &Account{
		UserID:    m.UserID,
		Plan:      m.Plan,
		Credits:   m.Credits,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.PlanExpiresAt != nil {
		t := m.PlanExpiresAt.UTC()
		a.PlanExpiresAt = &t
	}
	return a
}

type chargeModel struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	Operation      string    `bson:"operation"`
	Amount         int64     `bson:"amount"`
	Status         string    `bson:"status"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (m *chargeModel) toCharge() *Charge {
	return &Charge{
		ID:             m.ID,
		UserID:         m.UserID,
		Operation:      m.Operation,
		Amount:         m.Amount,
		Status:         m.Status,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

type paymentModel struct {
	PaymentLinkID       string     `bson:"_id"`
	OrderCode           int64      `bson:"order_code"`
	UserID              string     `bson:"user_id"`
	Plan                string     `bson:"plan"`
	Amount              int64      `bson:"amount"`
	Credits             int64      `bson:"credits"`
	PlanDurationSeconds int64      `bson:"plan_duration_seconds"`
	Status              string     `bson:"status"`
	CheckoutURL         string     `bson:"checkout_url"`
	Reference           string     `bson:"reference"`
	CreatedAt           time.Time  `bson:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at"`
	CompletedAt         *time.Time `bson:"completed_at,omitempty"`
}

func toPaymentModel(p *Payment) *paymentModel {
	return &paymentModel{
		PaymentLinkID:       p.PaymentLinkID,
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
		UpdatedAt:           p.UpdatedAt.UTC(),
		CompletedAt:         p.CompletedAt,
	}
}

func (m *paymentModel) toPayment() *Payment {
	p := &Payment{
		PaymentLinkID: m.PaymentLinkID,
		OrderCode:     m.OrderCode,
		UserID:        m.UserID,
		Plan:          m.Plan,
		Amount:        m.Amount,
		Credits:       m.Credits,
		PlanDuration:  time.Duration(m.PlanDurationSeconds) * time.Second,
		Status:        m.Status,
		CheckoutURL:   m.CheckoutURL,
		Reference:     m.Reference,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.CompletedAt != nil {
		t := m.CompletedAt.UTC()
		p.CompletedAt = &t
	}
	return p
}

type activityModel struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	Action       string    `bson:"action"`
	Amount       int64     `bson:"amount"`
	BalanceAfter int64     `bson:"balance_after"`
	Reference    string    `bson:"reference,omitempty"`
	Detail       string    `bson:"detail,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

// ==================== Users ====================

func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.col(colUsers).InsertOne(ctx, &userModel{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Role:         user.Role,
		CreatedAt:    user.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("store/mongo: create user: %w", err)
	}
	return nil
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, bson.M{"username": username})
}

func (s *MongoStore) getUser(ctx context.Context, filter bson.M) (*User, error) {
	var m userModel
	if err := s.col(colUsers).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store/mongo: get user: %w", err)
	}
	return &User{ID: m.ID, Username: m.Username, PasswordHash: m.PasswordHash, Role: m.Role, CreatedAt: m.CreatedAt.UTC()}, nil
}

// ==================== Accounts ====================

func (s *MongoStore) EnsureAccount(ctx context.Context, acct *Account) (*Account, error) {
	t := now()
	set := bson.M{
		"plan":       acct.Plan,
		"credits":    acct.Credits,
		"created_at": t,
		"updated_at": t,
	}
	if acct.PlanExpiresAt != nil {
		set["plan_expires_at"] = acct.PlanExpiresAt.UTC()
	}
	var m accountModel
	err := s.col(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": acct.UserID},
		bson.M{"$setOnInsert": set},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race; the account exists now.
		return s.GetAccount(ctx, acct.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("store/mongo: ensure account: %w", err)
	}
	return m.toAccount(), nil
}

func (s *MongoStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var m accountModel
	if err := s.col(colAccounts).FindOne(ctx, bson.M{"_id": userID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store/mongo: get account: %w", err)
	}
	return m.toAccount(), nil
}

func (s *MongoStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.col(colAccounts).Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)).
			SetSkip(int64(offset)))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list accounts: %w", err)
	}
	var models []accountModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("store/mongo: list accounts: %w", err)
	}
	accounts := make([]Account, len(models))
	for i := range models {
		accounts[i] = *models[i].toAccount()
	}
	return accounts, nil
}

// ==================== Credits ====================

func (s *MongoStore) balance(ctx context.Context, userID string) (int64, error) {
	var m accountModel
	if err := s.col(colAccounts).FindOne(ctx, bson.M{"_id": userID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return m.Credits, nil
}

func (s *MongoStore) getCharge(ctx context.Context, id string) (*Charge, error) {
	var m chargeModel
	if err := s.col(colCharges).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, err
	}
	return m.toCharge(), nil
}

func (s *MongoStore) Debit(ctx context.Context, c *Charge) (int64, bool, error) {
	var balance int64
	var replayed bool
	err := s.withTx(ctx, func(ctx context.Context) error {
		replayed = false
		existing, err := s.getCharge(ctx, c.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.UserID != c.UserID {
				return fmt.Errorf("charge %s: %w", c.ID, ErrNotFound)
			}
			*c = *existing
			replayed = true
			balance, err = s.balance(ctx, c.UserID)
			return err
		}

		t := now()
		var acct accountModel
		err = s.col(colAccounts).FindOneAndUpdate(ctx,
			bson.M{"_id": c.UserID, "credits": bson.M{"$gte": c.Amount}},
			bson.M{"$inc": bson.M{"credits": -c.Amount}, "$set": bson.M{"updated_at": t}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&acct)
		if isNoDocuments(err) {
			if _, berr := s.balance(ctx, c.UserID); berr != nil {
				return berr
			}
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("decrement credits: %w", err)
		}
		balance = acct.Credits

		c.Status = ChargePending
		c.CreatedAt = t
		c.UpdatedAt = t
		_, err = s.col(colCharges).InsertOne(ctx, &chargeModel{
			ID:             c.ID,
			UserID:         c.UserID,
			Operation:      c.Operation,
			Amount:         c.Amount,
			Status:         c.Status,
			IdempotencyKey: c.IdempotencyKey,
			CreatedAt:      t,
			UpdatedAt:      t,
		})
		return err
	})
	if err != nil && !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrNotFound) {
		return 0, false, fmt.Errorf("store/mongo: debit: %w", err)
	}
	return balance, replayed, err
}

func (s *MongoStore) ResolveCharge(ctx context.Context, userID, chargeID, status string) (*Charge, int64, error) {
	if status != ChargeSettled && status != ChargeRefunded {
		return nil, 0, fmt.Errorf("invalid charge status %q", status)
	}
	var charge *Charge
	var balance int64
	err := s.withTx(ctx, func(ctx context.Context) error {
		t := now()
		var m chargeModel
		err := s.col(colCharges).FindOneAndUpdate(ctx,
			bson.M{"_id": chargeID, "user_id": userID, "status": ChargePending},
			bson.M{"$set": bson.M{"status": status, "updated_at": t}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&m)
		if isNoDocuments(err) {
			existing, gerr := s.getCharge(ctx, chargeID)
			if gerr != nil {
				return gerr
			}
			if existing == nil || existing.UserID != userID {
				return ErrNotFound
			}
			charge = existing
			balance, err = s.balance(ctx, userID)
			if err != nil {
				return err
			}
			return ErrChargeResolved
		}
		if err != nil {
			return err
		}
		charge = m.toCharge()

		if status == ChargeRefunded {
			var acct accountModel
			err = s.col(colAccounts).FindOneAndUpdate(ctx,
				bson.M{"_id": userID},
				bson.M{"$inc": bson.M{"credits": m.Amount}, "$set": bson.M{"updated_at": t}},
				options.FindOneAndUpdate().SetReturnDocument(options.After),
			).Decode(&acct)
			if isNoDocuments(err) {
				return ErrNotFound
			}
			balance = acct.Credits
			return err
		}
		balance, err = s.balance(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, ErrChargeResolved):
		return charge, balance, err
	case errors.Is(err, ErrNotFound):
		return nil, 0, err
	case err != nil:
		return nil, 0, fmt.Errorf("store/mongo: resolve charge: %w", err)
	}
	return charge, balance, nil
}

func (s *MongoStore) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	c, err := s.getCharge(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("store/mongo: get charge: %w", err)
	}
	return c, nil
}

func (s *MongoStore) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	filter := bson.M{"_id": userID}
	if amount < 0 {
		filter["credits"] = bson.M{"$gte": -amount}
	}
	var m accountModel
	err := s.col(colAccounts).FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"credits": amount}, "$set": bson.M{"updated_at": now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if isNoDocuments(err) {
		if _, berr := s.balance(ctx, userID); berr != nil {
			return 0, berr
		}
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("store/mongo: add credits: %w", err)
	}
	return m.Credits, nil
}

func (s *MongoStore) SetCredits(ctx context.Context, userID string, credits int64) (int64, error) {
	if credits < 0 {
		return 0, ErrInsufficientCredits
	}
	var m accountModel
	err := s.col(colAccounts).FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"credits": credits, "updated_at": now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if isNoDocuments(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store/mongo: set credits: %w", err)
	}
	return m.Credits, nil
}

// ==================== Payments ====================

func (s *MongoStore) CreatePayment(ctx context.Context, p *Payment) error {
	t := now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t
	}
	p.UpdatedAt = t
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if _, err := s.col(colPayments).InsertOne(ctx, toPaymentModel(p)); err != nil {
		return fmt.Errorf("store/mongo: create payment: %w", err)
	}
	return nil
}

func (s *MongoStore) GetPayment(ctx context.Context, paymentLinkID string) (*Payment, error) {
	var m paymentModel
	if err := s.col(colPayments).FindOne(ctx, bson.M{"_id": paymentLinkID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store/mongo: get payment: %w", err)
	}
	return m.toPayment(), nil
}

func (s *MongoStore) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.col(colPayments).Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list payments: %w", err)
	}
	var models []paymentModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("store/mongo: list payments: %w", err)
	}
	payments := make([]Payment, len(models))
	for i := range models {
		payments[i] = *models[i].toPayment()
	}
	return payments, nil
}

func (s *MongoStore) ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := s.col(colPayments).Find(ctx,
		bson.M{"status": PaymentPending, "created_at": bson.M{"$lt": before.UTC()}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list pending payments: %w", err)
	}
	var models []paymentModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("store/mongo: list pending payments: %w", err)
	}
	payments := make([]Payment, len(models))
	for i := range models {
		payments[i] = *models[i].toPayment()
	}
	return payments, nil
}

// transitionPayment moves a pending payment to status. If the payment is not
// pending, the stored payment is returned with ErrPaymentProcessed or
// ErrPaymentClosed.
func (s *MongoStore) transitionPayment(ctx context.Context, id string, set bson.M) (*Payment, error) {
	var m paymentModel
	err := s.col(colPayments).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": PaymentPending},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return m.toPayment(), nil
	}
	if !isNoDocuments(err) {
		return nil, err
	}
	if err := s.col(colPayments).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.Status == PaymentSuccess {
		return m.toPayment(), ErrPaymentProcessed
	}
	return m.toPayment(), ErrPaymentClosed
}

func (s *MongoStore) CompletePayment(ctx context.Context, paymentLinkID, reference string, at time.Time) (*Payment, *Account, error) {
	at = at.UTC()
	var payment *Payment
	var acct *Account
	err := s.withTx(ctx, func(ctx context.Context) error {
		p, err := s.transitionPayment(ctx, paymentLinkID, bson.M{
			"status":       PaymentSuccess,
			"reference":    reference,
			"completed_at": at,
			"updated_at":   at,
		})
		payment = p
		if err != nil {
			return err
		}

		update := bson.M{
			"$set": bson.M{
				"plan":       p.Plan,
				"credits":    p.Credits,
				"updated_at": at,
			},
			"$setOnInsert": bson.M{"created_at": at},
		}
		if expires := planExpiry(at, p.PlanDuration); expires != nil {
			update["$set"].(bson.M)["plan_expires_at"] = *expires
		} else {
			update["$unset"] = bson.M{"plan_expires_at": ""}
		}
		var m accountModel
		err = s.col(colAccounts).FindOneAndUpdate(ctx, bson.M{"_id": p.UserID}, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&m)
		if err != nil {
			return fmt.Errorf("apply plan: %w", err)
		}
		acct = m.toAccount()

		// Pending charges were taken from the balance the plan just replaced.
		_, err = s.col(colCharges).UpdateMany(ctx,
			bson.M{"user_id": p.UserID, "status": ChargePending},
			bson.M{"$set": bson.M{"status": ChargeSettled, "updated_at": at}})
		if err != nil {
			return fmt.Errorf("settle pending charges: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrPaymentProcessed), errors.Is(err, ErrPaymentClosed):
		return payment, nil, err
	case errors.Is(err, ErrNotFound):
		return nil, nil, err
	case err != nil:
		return nil, nil, fmt.Errorf("store/mongo: complete payment: %w", err)
	}
	return payment, acct, nil
}

func (s *MongoStore) ClosePayment(ctx context.Context, paymentLinkID, status string, at time.Time) (*Payment, error) {
	if status != PaymentCancelled && status != PaymentFailed {
		return nil, fmt.Errorf("invalid payment status %q", status)
	}
	at = at.UTC()
	p, err := s.transitionPayment(ctx, paymentLinkID, bson.M{
		"status":       status,
		"completed_at": at,
		"updated_at":   at,
	})
	switch {
	case errors.Is(err, ErrPaymentProcessed), errors.Is(err, ErrPaymentClosed):
		return p, err
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("store/mongo: close payment: %w", err)
	}
	return p, nil
}

func (s *MongoStore) ExpirePlans(ctx context.Context, now time.Time, fallbackPlan string) (int64, error) {
	now = now.UTC()
	res, err := s.col(colAccounts).UpdateMany(ctx,
		bson.M{"plan_expires_at": bson.M{"$lt": now}},
		bson.M{
			"$set":   bson.M{"plan": fallbackPlan, "updated_at": now},
			"$unset": bson.M{"plan_expires_at": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("store/mongo: expire plans: %w", err)
	}
	return res.ModifiedCount, nil
}

// ==================== Activity ====================

func (s *MongoStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := s.col(colActivity).InsertOne(ctx, &activityModel{
		ID:           e.ID,
		UserID:       e.UserID,
		Action:       e.Action,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Reference:    e.Reference,
		Detail:       string(e.Detail),
		CreatedAt:    e.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("store/mongo: append activity: %w", err)
	}
	return nil
}

func (s *MongoStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	q := bson.M{}
	if filter.UserID != "" {
		q["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		q["action"] = bson.M{"$regex": "^" + regexp.QuoteMeta(filter.Action)}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.col(colActivity).Find(ctx, q,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(limit)).
			SetSkip(int64(filter.Offset)))
	if err != nil {
		return nil, fmt.Errorf("store/mongo: list activity: %w", err)
	}
	var models []activityModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("store/mongo: list activity: %w", err)
	}
	entries := make([]ActivityEntry, len(models))
	for i, m := range models {
		entries[i] = ActivityEntry{
			ID:           m.ID,
			UserID:       m.UserID,
			Action:       m.Action,
			Amount:       m.Amount,
			BalanceAfter: m.BalanceAfter,
			Reference:    m.Reference,
			CreatedAt:    m.CreatedAt.UTC(),
		}
		if m.Detail != "" {
			entries[i].Detail = []byte(m.Detail)
		}
	}
	return entries, nil
}

func (s *MongoStore) PurgeActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.col(colActivity).DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("store/mongo: purge activity: %w", err)
	}
	return res.DeletedCount, nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}
