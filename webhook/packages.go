package webhook

import (
	"github.com/shopspring/decimal"
)

// Package is a purchasable bundle of coins.
type Package struct {
	ID       string          `json:"id"`
	Coins    int64           `json:"coins"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// PriceCents is the amount the payment provider reports for this package.
func (p Package) PriceCents() int64 {
	return p.PriceUSD.Shift(2).Round(0).IntPart()
}

// Catalogue indexes packages by ID.
type Catalogue map[string]Package

func NewCatalogue(pkgs ...Package) Catalogue {
	c := make(Catalogue, len(pkgs))
	for _, p := range pkgs {
		c[p.ID] = p
	}
	return c
}

// DefaultPackages is the coin store offered to fans.
func DefaultPackages() Catalogue {
	return NewCatalogue(
		Package{ID: "coins_100", Coins: 100, PriceUSD: decimal.RequireFromString("0.99")},
		Package{ID: "coins_500", Coins: 500, PriceUSD: decimal.RequireFromString("4.49")},
		Package{ID: "coins_1000", Coins: 1000, PriceUSD: decimal.RequireFromString("8.99")},
		Package{ID: "coins_5000", Coins: 5000, PriceUSD: decimal.RequireFromString("39.99")},
		Package{ID: "coins_10000", Coins: 10000, PriceUSD: decimal.RequireFromString("74.99")},
	)
}
