/*
handlers_test.go - HTTP tests for the wallet API

Tests for:
- Wallet reads and history
- Tips, sessions and charges through the router, including replays
- Error mapping (402 with shortfall, 400, 404, 409)
- Admin authentication (static token and JWT)
- Payouts, reconciliation and demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/flows"
	"github.com/warp/coin-ledger/wallet"
	"github.com/warp/coin-ledger/wallet/store"
)

const (
	testAdminToken = "static-admin-token"
	testJWTSecret  = "jwt-test-secret"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	router http.Handler
	ledger *wallet.Service
	mem    *store.Memory
	h      *Handler
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	ledger := wallet.NewService(mem)
	h := NewHandler(ledger, flows.New(ledger), nil)
	h.Runs = mem
	h.Scheduler = NewReconciliationScheduler(ledger, mem, nil)

	return &testAPI{
		router: NewRouter(h, RouterConfig{AdminJWTSecret: testJWTSecret, AdminToken: testAdminToken}),
		ledger: ledger,
		mem:    mem,
		h:      h,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) fund(t *testing.T, user string, coins int64) {
	t.Helper()
	_, err := a.ledger.CreateTransaction(context.Background(), wallet.TransactionInput{
		UserID: wallet.UserID(user), Amount: coins, Type: wallet.TxPurchase,
	})
	require.NoError(t, err)
}

func (a *testAPI) balance(t *testing.T, user string) int64 {
	t.Helper()
	w, err := a.ledger.GetWallet(context.Background(), wallet.UserID(user))
	require.NoError(t, err)
	return w.Balance
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func signAdminJWT(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops@warp",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

// =============================================================================
// WALLET TESTS
// =============================================================================

func TestGetWallet_CreatesEmptyWallet(t *testing.T) {
	// GIVEN: A user who has never transacted
	api := setupTestAPI(t)

	// WHEN: Reading the wallet
	rec := api.do(t, http.MethodGet, "/api/wallets/newcomer", nil, "")

	// THEN: An empty bronze wallet is returned
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[WalletDTO](t, rec)
	assert.Equal(t, "newcomer", got.UserID)
	assert.Zero(t, got.Balance)
	assert.Zero(t, got.Available)
	assert.Equal(t, string(wallet.TierBronze), got.Tier)
}

func TestGetTransactions(t *testing.T) {
	// GIVEN: A funded wallet with a tip
	api := setupTestAPI(t)
	api.fund(t, "alice", 1000)
	rec := api.do(t, http.MethodPost, "/api/tips", TipRequest{
		FromUserID: "alice", ToUserID: "bella", Amount: 100, IdempotencyKey: "tip-1",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Listing history
	rec = api.do(t, http.MethodGet, "/api/wallets/alice/transactions", nil, "")

	// THEN: Newest first
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Transactions []TransactionDTO `json:"transactions"`
	}](t, rec)
	require.Len(t, got.Transactions, 2)
	assert.Equal(t, int64(-100), got.Transactions[0].Amount)
	assert.Equal(t, "tip", got.Transactions[0].Type)
	assert.Equal(t, int64(1000), got.Transactions[1].Amount)

	// AND: limit is honored and validated
	rec = api.do(t, http.MethodGet, "/api/wallets/alice/transactions?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct {
		Transactions []TransactionDTO `json:"transactions"`
	}](t, rec).Transactions, 1)

	rec = api.do(t, http.MethodGet, "/api/wallets/alice/transactions?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileWallet_ReportsDrift(t *testing.T) {
	// GIVEN: A wallet whose stored balance drifted from its history
	api := setupTestAPI(t)
	api.fund(t, "drifty", 500)
	w, err := api.ledger.GetWallet(context.Background(), "drifty")
	require.NoError(t, err)
	w.Balance = 550
	api.mem.PutWallet(w)

	// WHEN: Reconciling
	rec := api.do(t, http.MethodPost, "/api/wallets/drifty/reconcile", nil, "")

	// THEN: The discrepancy is reported, not repaired
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ReconciliationDTO](t, rec)
	assert.Equal(t, "discrepancy", got.Status)
	assert.Equal(t, int64(50), got.Discrepancy)
	assert.Equal(t, int64(550), api.balance(t, "drifty"))
}

func TestGetHold_NotFound(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/holds/nope", nil, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamWallet_DisabledWithoutHub(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/wallets/alice/stream", nil, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// FLOW TESTS
// =============================================================================

func TestCreateTip_MovesCoinsOnce(t *testing.T) {
	// GIVEN: A fan with 1000 coins
	api := setupTestAPI(t)
	api.fund(t, "fan", 1000)
	req := TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 200, Message: "gg", IdempotencyKey: "tip-abc"}

	// WHEN: The same tip is posted twice
	first := api.do(t, http.MethodPost, "/api/tips", req, "")
	second := api.do(t, http.MethodPost, "/api/tips", req, "")

	// THEN: Both succeed with the same transactions, coins move once
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusCreated, second.Code)
	a, b := decode[TipResponse](t, first), decode[TipResponse](t, second)
	assert.Equal(t, a.Debit.ID, b.Debit.ID)
	assert.Equal(t, a.Credit.ID, b.Credit.ID)
	assert.Equal(t, a.Debit.ID, a.Credit.RelatedTransactionID)

	assert.Equal(t, int64(800), api.balance(t, "fan"))
	assert.Equal(t, int64(200), api.balance(t, "creator"))
}

func TestCreateTip_InsufficientBalance(t *testing.T) {
	// GIVEN: A fan with 50 coins
	api := setupTestAPI(t)
	api.fund(t, "fan", 50)

	// WHEN: Tipping 200
	rec := api.do(t, http.MethodPost, "/api/tips", TipRequest{
		FromUserID: "fan", ToUserID: "creator", Amount: 200, IdempotencyKey: "tip-poor",
	}, "")

	// THEN: 402 with the shortfall, nothing written
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	got := decode[ErrorResponse](t, rec)
	require.NotNil(t, got.Required)
	require.NotNil(t, got.Available)
	assert.Equal(t, int64(200), *got.Required)
	assert.Equal(t, int64(50), *got.Available)
	assert.Equal(t, int64(50), api.balance(t, "fan"))
	assert.Zero(t, api.balance(t, "creator"))
}

func TestCreateTip_BadRequests(t *testing.T) {
	api := setupTestAPI(t)
	api.fund(t, "fan", 100)

	tests := []struct {
		name string
		body any
	}{
		{"self tip", TipRequest{FromUserID: "fan", ToUserID: "fan", Amount: 10, IdempotencyKey: "k1"}},
		{"zero amount", TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 0, IdempotencyKey: "k2"}},
		{"unknown type", TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 5, Type: "bribe", IdempotencyKey: "k3"}},
		{"empty body", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/tips", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, int64(100), api.balance(t, "fan"))
}

func TestCreateTip_RequiresJSONContentType(t *testing.T) {
	api := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tips", bytes.NewBufferString(`{"amount":1}`))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSession_StartAndEnd(t *testing.T) {
	// GIVEN: A fan with 500 coins
	api := setupTestAPI(t)
	api.fund(t, "fan", 500)

	// WHEN: A 10 coin/min session for up to 30 minutes starts
	rec := api.do(t, http.MethodPost, "/api/sessions", StartSessionRequest{
		UserID: "fan", CreatorID: "creator", RatePerMinute: 10, MaxMinutes: 30,
	}, "")

	// THEN: 300 coins are held
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[SessionResponse](t, rec)
	assert.Equal(t, int64(300), started.Hold.Amount)
	assert.Equal(t, "active", started.Hold.Status)

	wal := decode[WalletDTO](t, api.do(t, http.MethodGet, "/api/wallets/fan", nil, ""))
	assert.Equal(t, int64(200), wal.Available)

	// WHEN: The session ends after 12m30s
	rec = api.do(t, http.MethodPost, "/api/sessions/"+started.Hold.ID+"/end", EndSessionRequest{
		CreatorID: "creator", RatePerMinute: 10, ElapsedSeconds: 750,
	}, "")

	// THEN: 13 minutes are billed and credited
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ended := decode[SessionResponse](t, rec)
	assert.Equal(t, int64(13), ended.Minutes)
	assert.Equal(t, int64(130), ended.Charged)
	assert.Equal(t, "settled", ended.Hold.Status)
	require.NotNil(t, ended.Settlement)
	require.NotNil(t, ended.Earning)
	assert.Equal(t, ended.Settlement.ID, ended.Earning.RelatedTransactionID)

	wal = decode[WalletDTO](t, api.do(t, http.MethodGet, "/api/wallets/fan", nil, ""))
	assert.Equal(t, int64(370), wal.Balance)
	assert.Zero(t, wal.HeldBalance)
	assert.Equal(t, int64(130), api.balance(t, "creator"))

	// AND: Cancelling the settled session changes nothing
	rec = api.do(t, http.MethodPost, "/api/sessions/"+started.Hold.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "release of a resolved hold is a no-op")
	assert.Equal(t, "settled", decode[SessionResponse](t, rec).Hold.Status)
}

func TestSession_InsufficientForReservation(t *testing.T) {
	api := setupTestAPI(t)
	api.fund(t, "fan", 100)

	rec := api.do(t, http.MethodPost, "/api/sessions", StartSessionRequest{
		UserID: "fan", CreatorID: "creator", RatePerMinute: 10, MaxMinutes: 30,
	}, "")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestSession_CancelReleases(t *testing.T) {
	api := setupTestAPI(t)
	api.fund(t, "fan", 500)
	started := decode[SessionResponse](t, api.do(t, http.MethodPost, "/api/sessions", StartSessionRequest{
		UserID: "fan", CreatorID: "creator", RatePerMinute: 5, MaxMinutes: 10,
	}, ""))

	rec := api.do(t, http.MethodPost, "/api/sessions/"+started.Hold.ID+"/cancel", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", decode[SessionResponse](t, rec).Hold.Status)
	wal := decode[WalletDTO](t, api.do(t, http.MethodGet, "/api/wallets/fan", nil, ""))
	assert.Equal(t, int64(500), wal.Available)

	// AND: Ending a released session conflicts
	rec = api.do(t, http.MethodPost, "/api/sessions/"+started.Hold.ID+"/end", EndSessionRequest{
		CreatorID: "creator", RatePerMinute: 5, ElapsedSeconds: 60,
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSession_CancelUnknownHold(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/sessions/missing/cancel", nil, "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCharge(t *testing.T) {
	// GIVEN: A subscriber with 1000 coins
	api := setupTestAPI(t)
	api.fund(t, "fan", 1000)

	// WHEN: A subscription is charged without a key
	rec := api.do(t, http.MethodPost, "/api/charges", ChargeRequest{
		UserID: "fan", CreatorID: "creator", Amount: 250, Type: "subscription_charge",
	}, "")

	// THEN: It is rejected
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: It is charged with a key
	rec = api.do(t, http.MethodPost, "/api/charges", ChargeRequest{
		UserID: "fan", CreatorID: "creator", Amount: 250, Type: "subscription_charge",
		IdempotencyKey: "sub-2026-10",
	}, "")

	// THEN: Fan pays, creator earns
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[ChargeResponse](t, rec)
	assert.Equal(t, int64(-250), got.Debit.Amount)
	require.NotNil(t, got.Credit)
	assert.Equal(t, int64(250), got.Credit.Amount)
	assert.Equal(t, int64(750), api.balance(t, "fan"))
	assert.Equal(t, int64(250), api.balance(t, "creator"))
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestAdmin_RequiresAuth(t *testing.T) {
	api := setupTestAPI(t)
	body := AdjustmentRequest{UserID: "u", Amount: 10, Reason: "goodwill", IdempotencyKey: "adj-1"}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong static token", "guess", http.StatusUnauthorized},
		{"non-admin jwt", signAdminJWT(t, "fan"), http.StatusUnauthorized},
		{"static token", testAdminToken, http.StatusCreated},
		{"admin jwt", signAdminJWT(t, "admin"), http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/admin/adjustments", body, tt.token)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	// Both admitted requests used the same key.
	assert.Equal(t, int64(10), api.balance(t, "u"))
}

func TestAdmin_DisabledWithoutCredentials(t *testing.T) {
	mem := store.NewMemory()
	ledger := wallet.NewService(mem)
	router := NewRouter(NewHandler(ledger, flows.New(ledger), nil), RouterConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/scenarios", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAdjustment_RecordsActor(t *testing.T) {
	// GIVEN: An admin with a JWT
	api := setupTestAPI(t)
	api.fund(t, "u", 100)

	// WHEN: Posting a negative adjustment
	rec := api.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		UserID: "u", Amount: -40, Reason: "chargeback", IdempotencyKey: "adj-cb-1",
	}, signAdminJWT(t, "admin"))

	// THEN: The JWT subject is the recorded actor
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[TransactionDTO](t, rec)
	assert.Equal(t, "adjustment", got.Type)
	assert.Equal(t, "ops@warp", got.Metadata["actor"])
	assert.Equal(t, "chargeback", got.Metadata["reason"])
	assert.Equal(t, int64(60), api.balance(t, "u"))

	// AND: A negative adjustment cannot overdraw
	rec = api.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		UserID: "u", Amount: -1000, Reason: "oops", IdempotencyKey: "adj-cb-2",
	}, testAdminToken)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestCreatePayout(t *testing.T) {
	// GIVEN: A creator with 1500 coins
	api := setupTestAPI(t)
	api.fund(t, "creator", 1500)

	// WHEN: Cashing out 1000 coins
	rec := api.do(t, http.MethodPost, "/api/admin/payouts", PayoutRequest{
		UserID: "creator", Coins: 1000, Destination: "acct_1", IdempotencyKey: "payout-1",
	}, testAdminToken)

	// THEN: The fiat value is recorded at the default rate
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode[PayoutResponse](t, rec)
	assert.Equal(t, "10.00", got.FiatAmount)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, int64(-1000), got.Transaction.Amount)
	assert.Equal(t, int64(500), api.balance(t, "creator"))
}

func TestReconciliationRuns(t *testing.T) {
	// GIVEN: Two wallets, one drifted
	api := setupTestAPI(t)
	api.fund(t, "ok", 100)
	api.fund(t, "bad", 100)
	w, err := api.ledger.GetWallet(context.Background(), "bad")
	require.NoError(t, err)
	w.Balance = 90
	api.mem.PutWallet(w)

	// WHEN: An admin triggers a sweep
	rec := api.do(t, http.MethodPost, "/api/admin/reconciliation/run", nil, testAdminToken)

	// THEN: The run reports one discrepancy
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[ReconciliationRunDTO](t, rec)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 2, run.WalletsChecked)
	require.Len(t, run.Discrepancies, 1)
	assert.Equal(t, "bad", run.Discrepancies[0].UserID)
	assert.Equal(t, int64(-10), run.Discrepancies[0].Discrepancy)

	// AND: It appears in the history
	rec = api.do(t, http.MethodGet, "/api/admin/reconciliation/runs", nil, testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Runs []ReconciliationRunDTO `json:"runs"`
	}](t, rec)
	require.Len(t, history.Runs, 1)
	assert.Equal(t, run.ID, history.Runs[0].ID)
}

func TestLoadScenario_IsRepeatable(t *testing.T) {
	api := setupTestAPI(t)

	for i := 0; i < 2; i++ {
		rec := api.do(t, http.MethodPost, "/api/admin/scenarios/load",
			LoadScenarioRequest{ScenarioID: "purchase-and-tip"}, testAdminToken)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got := decode[LoadScenarioResponse](t, rec)
		require.Len(t, got.Wallets, 2)
		assert.Equal(t, int64(800), got.Wallets[0].Balance, "load %d", i+1)
		assert.Equal(t, int64(200), got.Wallets[1].Balance, "load %d", i+1)
	}
}

func TestLoadScenario_AllScenariosLoad(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/admin/scenarios", nil, testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))

	for _, sc := range list {
		t.Run(sc.ID, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/admin/scenarios/load",
				LoadScenarioRequest{ScenarioID: sc.ID}, testAdminToken)
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}

	rec = api.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "nope"}, testAdminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PLUMBING TESTS
// =============================================================================

func TestWebhookRoute(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/webhooks/payments", map[string]any{}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no webhook handler configured")

	var called bool
	api.h.Webhooks = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	rec = api.do(t, http.MethodPost, "/api/webhooks/payments", map[string]any{}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestHealthAndMetrics(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wallet_http_request_duration_seconds")
}

func TestWriteLedgerError_PersistenceIs503(t *testing.T) {
	api := setupTestAPI(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	api.h.writeLedgerError(rec, req, "Failed", &wallet.PersistenceError{Op: "create_transaction", Err: fmt.Errorf("disk full")})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
