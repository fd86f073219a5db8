package wallet

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_operations_total",
			Help: "Wallet engine operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_operation_duration_seconds",
			Help:    "Duration of wallet engine operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	reconciliationDiscrepancies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_reconciliation_discrepancies_total",
			Help: "Wallets whose stored balance did not match their transaction sum",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_balance_cache_lookups_total",
			Help: "Balance cache lookups by result",
		},
		[]string{"result"},
	)
)

const (
	outcomeOK           = "ok"
	outcomeReplay       = "replay"
	outcomeInsufficient = "insufficient_balance"
	outcomeClientError  = "client_error"
	outcomeError        = "error"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrInsufficientBalance):
		return outcomeInsufficient
	case IsClientError(err) || IsNotFound(err):
		return outcomeClientError
	default:
		return outcomeError
	}
}
