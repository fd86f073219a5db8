/*
Package webhook consumes payment provider deliveries and credits purchased coins.

FLOW:
  1. Verify the HMAC signature and timestamp (signature.go)
  2. Ignore event types outside the allow-list (200, so the provider stops)
  3. Require payment_status == "paid"
  4. Validate metadata {userId, coins, packageId} against the package catalogue
  5. CreateTransaction(+coins, purchase, key "<provider>_<sessionID>")

RESPONSES:
  200  credited, replayed, or ignored
  400  bad signature, stale event, unparseable or inconsistent payload
  500  ledger failure; the provider redelivers and the idempotency key
       makes the retry safe
*/
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

// SignatureHeader carries "t=<unix>,v1=<hex>".
const SignatureHeader = "Stripe-Signature"

const maxBodyBytes = 64 << 10

// AllowedEvents are the only event types that credit coins.
var AllowedEvents = map[string]bool{
	"checkout.session.completed":               true,
	"checkout.session.async_payment_succeeded": true,
}

var deliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_webhook_deliveries_total",
		Help: "Payment webhook deliveries by outcome",
	},
	[]string{"outcome"},
)

// Ledger is the part of the wallet engine the webhook needs.
type Ledger interface {
	CreateTransaction(ctx context.Context, in wallet.TransactionInput) (wallet.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*wallet.Transaction, error)
}

// =============================================================================
// PAYLOAD
// =============================================================================

type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object CheckoutSession `json:"object"`
	} `json:"data"`
}

type CheckoutSession struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Result is the JSON body of a 2xx response.
type Result struct {
	Received      bool                 `json:"received"`
	Status        string               `json:"status"` // credited, duplicate, ignored
	TransactionID wallet.TransactionID `json:"transaction_id,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// RejectError is a delivery that will never succeed as sent.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason string, err error) error {
	return &RejectError{Reason: reason, Err: err}
}

// =============================================================================
// HANDLER
// =============================================================================

type Handler struct {
	ledger    Ledger
	secret    string
	provider  string
	packages  Catalogue
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }
func WithTolerance(d time.Duration) Option { return func(h *Handler) { h.tolerance = d } }
func WithPackages(c Catalogue) Option { return func(h *Handler) { h.packages = c } }

func NewHandler(ledger Ledger, secret, provider string, opts ...Option) *Handler {
	h := &Handler{
		ledger:    ledger,
		secret:    secret,
		provider:  provider,
		packages:  DefaultPackages(),
		tolerance: DefaultTolerance,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// IdempotencyKey is the ledger key for a checkout session.
func (h *Handler) IdempotencyKey(sessionID string) string {
	return h.provider + "_" + sessionID
}

// Process verifies and applies one delivery. Errors are either
// *RejectError (do not retry as-is) or ledger failures (retry).
func (h *Handler) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := VerifySignature(signature, body, h.secret, h.now(), h.tolerance); err != nil {
		return Result{}, reject("signature verification failed", err)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{}, reject("invalid payload", err)
	}
	if !AllowedEvents[ev.Type] {
		return Result{Received: true, Status: "ignored", Reason: "event type " + ev.Type}, nil
	}

	session := ev.Data.Object
	if session.ID == "" {
		return Result{}, reject("missing checkout session id", nil)
	}
	if session.PaymentStatus != "paid" {
		return Result{Received: true, Status: "ignored", Reason: "payment_status " + session.PaymentStatus}, nil
	}

	userID, coins, pkg, err := h.purchaseOf(session)
	if err != nil {
		return Result{}, err
	}

	key := h.IdempotencyKey(session.ID)
	existing, err := h.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{Received: true, Status: "duplicate", TransactionID: existing.ID}, nil
	}

	tx, err := h.ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         userID,
		Amount:         coins,
		Type:           wallet.TxPurchase,
		Description:    fmt.Sprintf("Purchased %d coins", coins),
		IdempotencyKey: key,
		Metadata: map[string]any{
			"provider":     h.provider,
			"event_id":     ev.ID,
			"session_id":   session.ID,
			"package_id":   pkg.ID,
			"amount_total": session.AmountTotal,
			"currency":     session.Currency,
			"price_usd":    pkg.PriceUSD.StringFixed(2),
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Received: true, Status: "credited", TransactionID: tx.ID}, nil
}

func (h *Handler) purchaseOf(s CheckoutSession) (wallet.UserID, int64, Package, error) {
	userID := s.Metadata["userId"]
	if userID == "" {
		return "", 0, Package{}, reject("metadata.userId missing", nil)
	}
	coins, err := strconv.ParseInt(s.Metadata["coins"], 10, 64)
	if err != nil || coins <= 0 {
		return "", 0, Package{}, reject("metadata.coins invalid", err)
	}
	pkg, ok := h.packages[s.Metadata["packageId"]]
	if !ok {
		return "", 0, Package{}, reject("unknown package "+s.Metadata["packageId"], nil)
	}
	if pkg.Coins != coins {
		return "", 0, Package{}, reject(fmt.Sprintf("package %s grants %d coins, metadata says %d", pkg.ID, pkg.Coins, coins), nil)
	}
	if s.AmountTotal > 0 && s.AmountTotal != pkg.PriceCents() {
		return "", 0, Package{}, reject(fmt.Sprintf("package %s costs %d cents, paid %d", pkg.ID, pkg.PriceCents(), s.AmountTotal), nil)
	}
	return wallet.UserID(userID), coins, pkg, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		deliveries.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	result, err := h.Process(r.Context(), body, r.Header.Get(SignatureHeader))
	var rejected *RejectError
	switch {
	case err == nil:
		deliveries.WithLabelValues(result.Status).Inc()
		if result.Status == "credited" {
			h.logger.Info("coins credited from payment webhook",
				zap.String("transaction_id", string(result.TransactionID)),
			)
		}
		writeJSON(w, http.StatusOK, result)
	case errors.As(err, &rejected):
		deliveries.WithLabelValues("rejected").Inc()
		h.logger.Warn("payment webhook rejected", zap.String("reason", rejected.Reason), zap.Error(rejected.Err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": rejected.Reason})
	default:
		deliveries.WithLabelValues("failed").Inc()
		h.logger.Error("payment webhook ledger failure", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable, retry"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
