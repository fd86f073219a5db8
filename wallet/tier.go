package wallet

// Tier classifies users by lifetime coin spend.
type Tier string

const (
	TierBronze  Tier = "bronze"
	TierSilver  Tier = "silver"
	TierGold    Tier = "gold"
	TierDiamond Tier = "diamond"
)

// TierThreshold is the minimum lifetime spend for a tier.
type TierThreshold struct {
	Tier     Tier
	MinSpend int64
}

// Tiers is ordered from highest to lowest.
var Tiers = []TierThreshold{
	{Tier: TierDiamond, MinSpend: 50_000},
	{Tier: TierGold, MinSpend: 10_000},
	{Tier: TierSilver, MinSpend: 1_000},
	{Tier: TierBronze, MinSpend: 0},
}

// TierFor returns the tier earned by the given lifetime spend.
func TierFor(lifetimeSpent int64) Tier {
	for _, t := range Tiers {
		if lifetimeSpent >= t.MinSpend {
			return t.Tier
		}
	}
	return TierBronze
}

// recordSpend updates lifetime spend and tier for a debit. Tiers are a
// side classification: recomputing one never fails the ledger write.
func (w *Wallet) recordSpend(txType TransactionType, amount int64) {
	if amount >= 0 || !txType.IsSpend() {
		return
	}
	w.LifetimeSpent += -amount
	w.Tier = TierFor(w.LifetimeSpent)
}
