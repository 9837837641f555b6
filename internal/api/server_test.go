package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-labs/creditd/internal/activity"
	"github.com/inkwell-labs/creditd/internal/auth"
	"github.com/inkwell-labs/creditd/internal/billing"
	"github.com/inkwell-labs/creditd/internal/config"
	"github.com/inkwell-labs/creditd/internal/ledger"
	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/notify"
	"github.com/inkwell-labs/creditd/internal/payos"
	"github.com/inkwell-labs/creditd/internal/ratelimit"
	"github.com/inkwell-labs/creditd/internal/store"
)

const testChecksumKey = "test-checksum-key"

type testEnv struct {
	srv     *Server
	auth    *auth.Service
	store   store.Store
	ledger  *ledger.Ledger
	bus     *notify.Bus
	signer  *payos.Signer
	limiter *ratelimit.Memory
}

// newFakePayOS serves just enough of the PayOS merchant API for checkout.
func newFakePayOS(t *testing.T) *httptest.Server {
	t.Helper()
	var seq atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && r.URL.Path == "/v2/payment-requests" {
			var req payos.CheckoutRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			id := fmt.Sprintf("plink_%d", seq.Add(1))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": "00",
				"desc": "success",
				"data": payos.CheckoutResponse{
					OrderCode:     req.OrderCode,
					Amount:        req.Amount,
					PaymentLinkID: id,
					Status:        payos.StatusPending,
					CheckoutURL:   "https://pay.payos.vn/web/" + id,
				},
			})
			return
		}
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel") {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "00", "desc": "success", "data": map[string]string{"status": payos.StatusCancelled}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "101", "desc": "not found"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: time.Hour},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("creditd_test")
	bus := notify.New()
	t.Cleanup(bus.Close)
	rec := activity.NewRecorder(s, logger)
	l := ledger.New(s, ledger.Options{InitialCredits: 20, DefaultCost: 1, Costs: map[string]int64{"image": 5}}, rec, bus, m, logger)

	fake := newFakePayOS(t)
	gw, err := payos.NewClient(payos.Options{
		ClientID:    "cid",
		APIKey:      "key",
		ChecksumKey: testChecksumKey,
		BaseURL:     fake.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	bill := billing.New(s, gw, billing.Options{
		Plans:     billing.PlansFromConfig(nil),
		ReturnURL: "https://app.example/return",
		CancelURL: "https://app.example/cancel",
	}, rec, bus, m, logger)

	limiter := ratelimit.NewMemory(100, time.Minute)
	authSvc := auth.NewService(s, cfg.Auth)
	srv := NewServer(s, authSvc, authSvc, Services{
		Ledger:      l,
		Billing:     bill,
		Activity:    rec,
		Bus:         bus,
		Metrics:     m,
		UserLimiter: limiter,
		IPLimiter:   ratelimit.NewMemory(100, time.Minute),
	}, cfg, logger)

	return &testEnv{
		srv:     srv,
		auth:    authSvc,
		store:   s,
		ledger:  l,
		bus:     bus,
		signer:  payos.NewSigner(testChecksumKey),
		limiter: limiter,
	}
}

// signWebhook builds a successful webhook body signed by s.
func signWebhook(s *payos.Signer, data payos.WebhookData) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	sig, err := s.SignData(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"code":      "00",
		"desc":      "success",
		"success":   true,
		"data":      json.RawMessage(raw),
		"signature": sig,
	})
}

func (env *testEnv) token(t *testing.T, username, role string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := env.auth.Register(ctx, username, "password-"+username, role); err != nil {
		t.Fatal(err)
	}
	token, err := env.auth.Login(ctx, username, "password-"+username)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("readyz: got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestLogin(t *testing.T) {
	env := setupTestServer(t)
	env.token(t, "alice", "")

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "password-alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d %s", rec.Code, rec.Body)
	}
	if decodeBody[map[string]string](t, rec)["token"] == "" {
		t.Error("no token returned")
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: got %d", rec.Code)
	}
}

func TestCreditsRequireAuth(t *testing.T) {
	env := setupTestServer(t)

	if rec := env.do(t, http.MethodGet, "/api/credits", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/credits", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d", rec.Code)
	}
}

func TestChargeFlow(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")

	rec := env.do(t, http.MethodGet, "/api/credits", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("credits: got %d", rec.Code)
	}
	acct := decodeBody[store.Account](t, rec)
	if acct.Credits != 20 || acct.Plan != "free" {
		t.Errorf("new account: %+v", acct)
	}

	charge := map[string]any{"operation": "image", "idempotency_key": "gen-1"}
	rec = env.do(t, http.MethodPost, "/api/credits/charges", token, charge)
	if rec.Code != http.StatusCreated {
		t.Fatalf("charge: got %d %s", rec.Code, rec.Body)
	}
	first := decodeBody[ledger.Receipt](t, rec)
	if first.Balance != 15 || first.Charge.Amount != 5 {
		t.Errorf("receipt: %+v", first)
	}

	// A retried request with the same key addresses the same charge.
	rec = env.do(t, http.MethodPost, "/api/credits/charges", token, charge)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: got %d", rec.Code)
	}
	replay := decodeBody[ledger.Receipt](t, rec)
	if !replay.Replayed || replay.Charge.ID != first.Charge.ID || replay.Balance != 15 {
		t.Errorf("replay receipt: %+v", replay)
	}

	// Charges are resolved by the service that ran the operation.
	admin := env.token(t, "worker", auth.RoleAdmin)
	path := "/api/credits/charges/" + first.Charge.ID
	rec = env.do(t, http.MethodPost, path+"/refund", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: got %d", rec.Code)
	}
	refund := decodeBody[ledger.Receipt](t, rec)
	if refund.Balance != 20 || refund.Charge.UserID != decodeIdentity(t, env, token) {
		t.Errorf("refund receipt: %+v", refund)
	}

	if rec := env.do(t, http.MethodPost, path+"/refund", admin, nil); rec.Code != http.StatusConflict {
		t.Errorf("second refund: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/credits/charges/chg_missing/settle", admin, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown charge: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/credits/activity?action=credits.", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activity: got %d", rec.Code)
	}
	entries := decodeBody[[]activity.Entry](t, rec)
	// provision, charge, refund
	if len(entries) != 3 {
		t.Errorf("activity entries: got %d, want 3", len(entries))
	}
}

func TestChargeValidation(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")

	if rec := env.do(t, http.MethodPost, "/api/credits/charges", token, map[string]any{"operation": ""}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty operation: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/credits/charges", token, []byte("{")); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", rec.Code)
	}
	aliceID := decodeIdentity(t, env, token)
	admin := env.token(t, "worker", auth.RoleAdmin)
	rec := env.do(t, http.MethodPost, "/api/credits/charges", admin, map[string]any{"operation": "video", "amount": 100, "user_id": aliceID})
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("insufficient credits: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/credits/charges", admin, map[string]any{"operation": "video", "amount": -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative amount: got %d", rec.Code)
	}

	acct, _ := env.store.GetAccount(context.Background(), aliceID)
	if acct.Credits != 20 {
		t.Errorf("rejected charge changed balance: %d", acct.Credits)
	}
}

func TestChargeAuthorization(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")
	aliceID := decodeIdentity(t, env, token)
	admin := env.token(t, "worker", auth.RoleAdmin)

	// Users pay the configured price; they cannot pick their own.
	for _, body := range []map[string]any{
		{"operation": "image", "amount": 1},
		{"operation": "image", "user_id": "someone-else"},
	} {
		if rec := env.do(t, http.MethodPost, "/api/credits/charges", token, body); rec.Code != http.StatusForbidden {
			t.Errorf("user charge %v: got %d, want 403", body, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/credits/charges", token, map[string]any{"operation": "image"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("charge: got %d %s", rec.Code, rec.Body)
	}
	receipt := decodeBody[ledger.Receipt](t, rec)
	if receipt.Charge.Amount != 5 || receipt.Balance != 15 {
		t.Errorf("charge priced at %d, balance %d; want 5, 15", receipt.Charge.Amount, receipt.Balance)
	}

	path := "/api/credits/charges/" + receipt.Charge.ID
	for _, action := range []string{"/refund", "/settle"} {
		if rec := env.do(t, http.MethodPost, path+action, token, nil); rec.Code != http.StatusForbidden {
			t.Errorf("user %s: got %d, want 403", action, rec.Code)
		}
	}
	acct, _ := env.store.GetAccount(context.Background(), aliceID)
	if acct.Credits != 15 {
		t.Errorf("balance after rejected refund: got %d, want 15", acct.Credits)
	}

	// An admin may price a charge explicitly and charge on a user's behalf.
	rec = env.do(t, http.MethodPost, "/api/credits/charges", admin, map[string]any{"operation": "batch", "amount": 3, "user_id": aliceID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin charge: got %d %s", rec.Code, rec.Body)
	}
	if got := decodeBody[ledger.Receipt](t, rec); got.Charge.UserID != aliceID || got.Balance != 12 {
		t.Errorf("admin charge receipt: %+v", got)
	}

	rec = env.do(t, http.MethodPost, path+"/settle", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin settle: got %d %s", rec.Code, rec.Body)
	}
	if got := decodeBody[ledger.Receipt](t, rec); got.Charge.Status != store.ChargeSettled || got.Balance != 12 {
		t.Errorf("settle receipt: %+v", got)
	}
}

func decodeIdentity(t *testing.T, env *testEnv, token string) string {
	t.Helper()
	id, err := env.auth.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	return id.UserID
}

func TestChargeRateLimited(t *testing.T) {
	env := setupTestServer(t)
	limiter := ratelimit.NewMemory(2, time.Minute)
	env.srv = NewServer(env.store, env.auth, env.auth, Services{
		Ledger:      env.ledger,
		Activity:    activity.NewRecorder(env.store, slog.New(slog.NewTextHandler(io.Discard, nil))),
		UserLimiter: limiter,
	}, &config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token := env.token(t, "alice", "")

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/api/credits/charges", token, map[string]any{"operation": "text"}); rec.Code != http.StatusCreated {
			t.Fatalf("charge %d: got %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/credits/charges", token, map[string]any{"operation": "text"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third charge: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Reads are not limited.
	if rec := env.do(t, http.MethodGet, "/api/credits", token, nil); rec.Code != http.StatusOK {
		t.Errorf("credits after limit: got %d", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := setupTestServer(t)
	user := env.token(t, "alice", "")
	admin := env.token(t, "admin", auth.RoleAdmin)
	aliceID := decodeIdentity(t, env, user)

	if rec := env.do(t, http.MethodGet, "/api/admin/accounts", user, nil); rec.Code != http.StatusForbidden {
		t.Errorf("non-admin: got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/admin/accounts/"+aliceID+"/grant", admin, map[string]any{"amount": 30, "reason": "support"})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant: got %d %s", rec.Code, rec.Body)
	}
	if got := decodeBody[map[string]any](t, rec)["credits"]; got != float64(50) {
		t.Errorf("credits after grant: %v", got)
	}

	if rec := env.do(t, http.MethodPost, "/api/admin/accounts/"+aliceID+"/grant", admin, map[string]any{"amount": -5}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative grant: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/admin/accounts/"+aliceID+"/credits", admin, map[string]any{"credits": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("set credits: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/api/admin/accounts/"+aliceID+"/credits", admin, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing credits: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/accounts", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accounts: got %d", rec.Code)
	}
	if accounts := decodeBody[[]store.Account](t, rec); len(accounts) != 1 || accounts[0].Credits != 7 {
		t.Errorf("accounts: %+v", accounts)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/activity?user_id="+aliceID+"&action=credits.grant", admin, nil)
	entries := decodeBody[[]activity.Entry](t, rec)
	if len(entries) != 1 || !strings.Contains(string(entries[0].Detail), "admin:admin: support") {
		t.Errorf("grant activity: %+v", entries)
	}
}

func TestCheckoutAndWebhook(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")

	rec := env.do(t, http.MethodGet, "/api/billing/plans", token, nil)
	if plans := decodeBody[[]billing.Plan](t, rec); len(plans) != 3 {
		t.Fatalf("plans: %+v", plans)
	}

	rec = env.do(t, http.MethodPost, "/api/billing/checkout", token, map[string]string{"plan": "basic"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: got %d %s", rec.Code, rec.Body)
	}
	p := decodeBody[store.Payment](t, rec)
	if p.Status != store.PaymentPending || p.CheckoutURL == "" {
		t.Errorf("payment: %+v", p)
	}

	if rec := env.do(t, http.MethodPost, "/api/billing/checkout", token, map[string]string{"plan": "free"}); rec.Code != http.StatusBadRequest {
		t.Errorf("free checkout: got %d", rec.Code)
	}

	body, err := signWebhook(env.signer, payos.WebhookData{
		OrderCode:     p.OrderCode,
		Amount:        p.Amount,
		PaymentLinkID: p.PaymentLinkID,
		Reference:     "FT001",
		Code:          "00",
		Desc:          "success",
	})
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []string{"applied", "duplicate"} {
		rec := env.do(t, http.MethodPost, "/api/billing/webhook", "", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook %d: got %d %s", i+1, rec.Code, rec.Body)
		}
		if got := decodeBody[map[string]any](t, rec)["result"]; got != want {
			t.Errorf("webhook %d: got %v, want %s", i+1, got, want)
		}
	}

	acct := decodeBody[store.Account](t, env.do(t, http.MethodGet, "/api/credits", token, nil))
	if acct.Plan != "basic" || acct.Credits != 300 {
		t.Errorf("account after payment: %+v", acct)
	}

	rec = env.do(t, http.MethodGet, "/api/billing/payments/"+p.PaymentLinkID, token, nil)
	if got := decodeBody[store.Payment](t, rec); got.Status != store.PaymentSuccess {
		t.Errorf("payment status: %s", got.Status)
	}

	forged, _ := signWebhook(payos.NewSigner("wrong"), payos.WebhookData{PaymentLinkID: p.PaymentLinkID, Amount: p.Amount, Code: "00"})
	if rec := env.do(t, http.MethodPost, "/api/billing/webhook", "", forged); rec.Code != http.StatusBadRequest {
		t.Errorf("forged webhook: got %d", rec.Code)
	}
}

func TestCancelPayment(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")

	p := decodeBody[store.Payment](t, env.do(t, http.MethodPost, "/api/billing/checkout", token, map[string]string{"plan": "pro"}))

	other := env.token(t, "bobby", "")
	if rec := env.do(t, http.MethodGet, "/api/billing/payments/"+p.PaymentLinkID, other, nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign payment: got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/billing/payments/"+p.PaymentLinkID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d %s", rec.Code, rec.Body)
	}
	if got := decodeBody[store.Payment](t, rec); got.Status != store.PaymentCancelled {
		t.Errorf("status: %s", got.Status)
	}
	if rec := env.do(t, http.MethodPost, "/api/billing/payments/"+p.PaymentLinkID+"/cancel", token, nil); rec.Code != http.StatusConflict {
		t.Errorf("second cancel: got %d", rec.Code)
	}

	list := decodeBody[[]store.Payment](t, env.do(t, http.MethodGet, "/api/billing/payments", token, nil))
	if len(list) != 1 {
		t.Errorf("payments: got %d", len(list))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")
	env.do(t, http.MethodPost, "/api/credits/charges", token, map[string]any{"operation": "text"})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "creditd_test_charges_total") {
		t.Error("charges counter not exported")
	}
}

func TestCreditsStream(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "alice", "")
	userID := decodeIdentity(t, env, token)

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	if resp, err := http.Get(ts.URL + "/ws/credits?token=bad"); err == nil {
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("bad token: got %d", resp.StatusCode)
		}
		_ = resp.Body.Close()
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/credits?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap streamMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != snapshotType || snap.Balance != 20 {
		t.Errorf("snapshot: %+v", snap)
	}

	// Wait for the subscription to be registered before charging.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := env.ledger.Charge(context.Background(), userID, "text", 3, ""); err != nil {
		t.Fatal(err)
	}
	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != notify.BalanceChanged || msg.Balance != 17 || msg.Delta != -3 {
		t.Errorf("event: %+v", msg)
	}
}

func TestCreditsStreamPings(t *testing.T) {
	env := setupTestServer(t)
	env.srv.wsPingInterval = 20 * time.Millisecond
	token := env.token(t, "alice", "")
	userID := decodeIdentity(t, env, token)

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/credits?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msgs := make(chan streamMessage, 4)
	go func() {
		defer close(msgs)
		for {
			var m streamMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs <- m
		}
	}()

	next := func() streamMessage {
		t.Helper()
		select {
		case m, ok := <-msgs:
			if !ok {
				t.Fatal("stream closed")
			}
			return m
		case <-time.After(3 * time.Second):
			t.Fatal("no message")
		}
		return streamMessage{}
	}

	if snap := next(); snap.Type != snapshotType {
		t.Fatalf("snapshot: %+v", snap)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("ping %d not received", i+1)
		}
	}

	// Events still go out between pings on the same connection.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := env.ledger.Charge(context.Background(), userID, "text", 2, ""); err != nil {
		t.Fatal(err)
	}
	if msg := next(); msg.Type != notify.BalanceChanged || msg.Balance != 18 {
		t.Errorf("event after pings: %+v", msg)
	}
}
