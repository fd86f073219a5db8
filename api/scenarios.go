/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate wallets with realistic
	activity for demos and manual testing. Every scenario goes through the
	same flows and engine calls as production traffic.

AVAILABLE SCENARIOS:

	purchase-and-tip:     Fan buys a package, tips a creator
	metered-session:      Fan tops up, runs a 12m30s call at 10 coins/min
	subscription-renewal: Fan pays a monthly subscription to a creator
	creator-payout:       Creator receives tips, then cashes out

HOW SCENARIOS WORK:
 1. Wallets are named demo_<role>_<scenario> so scenarios never collide
 2. Every keyed write uses a fixed idempotency key: loading a scenario
    twice changes nothing the second time
 3. Holds are not keyed, so metered-session bills a new session per load

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "purchase-and-tip"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and loader

SEE ALSO:
  - handlers.go: Admin handlers
  - flows/: The flows each scenario drives
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/warp/coin-ledger/flows"
	"github.com/warp/coin-ledger/wallet"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(ctx context.Context, h *Handler) ([]wallet.UserID, error)

type scenario struct {
	ID          string
	Name        string
	Description string
	load        scenarioLoader
}

var scenarios = []scenario{
	{
		ID:          "purchase-and-tip",
		Name:        "Purchase and Tip",
		Description: "Fan buys 1000 coins and tips a creator 200",
		load:        loadPurchaseAndTip,
	},
	{
		ID:          "metered-session",
		Name:        "Metered Session",
		Description: "Fan holds 300 coins for a call, 13 billable minutes are settled",
		load:        loadMeteredSession,
	},
	{
		ID:          "subscription-renewal",
		Name:        "Subscription Renewal",
		Description: "Fan pays a 250 coin monthly subscription credited to the creator",
		load:        loadSubscriptionRenewal,
	},
	{
		ID:          "creator-payout",
		Name:        "Creator Payout",
		Description: "Creator receives 1500 coins in tips and cashes out 1000",
		load:        loadCreatorPayout,
	},
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

func (r *LoadScenarioRequest) Bind(*http.Request) error {
	if r.ScenarioID == "" {
		return fmt.Errorf("scenario_id is required")
	}
	return nil
}

type LoadScenarioResponse struct {
	ScenarioID string      `json:"scenario_id"`
	Wallets    []WalletDTO `json:"wallets"`
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario runs a scenario and returns the wallets it touched.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	userIDs, err := sc.load(r.Context(), h)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to load scenario", err)
		return
	}

	resp := LoadScenarioResponse{ScenarioID: sc.ID, Wallets: make([]WalletDTO, 0, len(userIDs))}
	for _, id := range userIDs {
		wal, err := h.Ledger.GetWallet(r.Context(), id)
		if err != nil {
			h.writeLedgerError(w, r, "Failed to read scenario wallet", err)
			return
		}
		resp.Wallets = append(resp.Wallets, toWalletDTO(wal))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

func demoUser(role, scenarioID string) wallet.UserID {
	return wallet.UserID("demo_" + role + "_" + scenarioID)
}

func (h *Handler) topUp(ctx context.Context, userID wallet.UserID, coins int64, key string) error {
	_, err := h.Ledger.CreateTransaction(ctx, wallet.TransactionInput{
		UserID:         userID,
		Amount:         coins,
		Type:           wallet.TxPurchase,
		Description:    fmt.Sprintf("Demo purchase of %d coins", coins),
		IdempotencyKey: key,
		Metadata:       map[string]any{"source": "scenario"},
	})
	return err
}

func loadPurchaseAndTip(ctx context.Context, h *Handler) ([]wallet.UserID, error) {
	fan, creator := demoUser("fan", "purchase-and-tip"), demoUser("creator", "purchase-and-tip")

	if err := h.topUp(ctx, fan, 1000, "scenario_purchase-and-tip_purchase"); err != nil {
		return nil, err
	}
	_, err := h.Flows.Tip(ctx, flows.TipInput{
		FromUserID:     fan,
		ToUserID:       creator,
		Amount:         200,
		Message:        "great stream",
		IdempotencyKey: "scenario_purchase-and-tip_tip",
	})
	if err != nil {
		return nil, err
	}
	return []wallet.UserID{fan, creator}, nil
}

func loadMeteredSession(ctx context.Context, h *Handler) ([]wallet.UserID, error) {
	fan, creator := demoUser("fan", "metered-session"), demoUser("creator", "metered-session")

	if err := h.topUp(ctx, fan, 500, "scenario_metered-session_purchase"); err != nil {
		return nil, err
	}
	hold, err := h.Flows.StartSession(ctx, flows.SessionInput{
		UserID:        fan,
		CreatorID:     creator,
		RatePerMinute: 10,
		MaxMinutes:    30,
		Purpose:       "demo call",
	})
	if err != nil {
		return nil, err
	}
	_, err = h.Flows.EndSession(ctx, flows.EndSessionInput{
		HoldID:        hold.ID,
		CreatorID:     creator,
		RatePerMinute: 10,
		Elapsed:       12*time.Minute + 30*time.Second,
	})
	if err != nil {
		return nil, err
	}
	return []wallet.UserID{fan, creator}, nil
}

func loadSubscriptionRenewal(ctx context.Context, h *Handler) ([]wallet.UserID, error) {
	fan, creator := demoUser("fan", "subscription-renewal"), demoUser("creator", "subscription-renewal")

	if err := h.topUp(ctx, fan, 1000, "scenario_subscription-renewal_purchase"); err != nil {
		return nil, err
	}
	_, err := h.Flows.Charge(ctx, flows.ChargeInput{
		UserID:         fan,
		CreatorID:      creator,
		Amount:         250,
		Type:           wallet.TxSubscriptionCharge,
		Description:    "Monthly subscription",
		IdempotencyKey: "scenario_subscription-renewal_2026-01",
		Metadata:       map[string]any{"period": "2026-01"},
	})
	if err != nil {
		return nil, err
	}
	return []wallet.UserID{fan, creator}, nil
}

func loadCreatorPayout(ctx context.Context, h *Handler) ([]wallet.UserID, error) {
	creator := demoUser("creator", "creator-payout")
	fans := []wallet.UserID{demoUser("fan1", "creator-payout"), demoUser("fan2", "creator-payout")}

	for i, fan := range fans {
		if err := h.topUp(ctx, fan, 1000, fmt.Sprintf("scenario_creator-payout_purchase_%d", i)); err != nil {
			return nil, err
		}
		_, err := h.Flows.Tip(ctx, flows.TipInput{
			FromUserID:     fan,
			ToUserID:       creator,
			Amount:         750,
			IdempotencyKey: fmt.Sprintf("scenario_creator-payout_tip_%d", i),
		})
		if err != nil {
			return nil, err
		}
	}
	_, err := h.Flows.Payout(ctx, flows.PayoutInput{
		UserID:         creator,
		Coins:          1000,
		Destination:    "demo-bank-account",
		IdempotencyKey: "scenario_creator-payout_payout",
	})
	if err != nil {
		return nil, err
	}
	return append([]wallet.UserID{creator}, fans...), nil
}
