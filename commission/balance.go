/*
balance.go - Affiliate balance derived from ledger and settlements

PURPOSE:
  Answers "how much does this affiliate have coming?" by replaying ledger
  entries against settlements. Nothing here is stored.

BALANCE COMPONENTS:
  Earned:    Σ ledger commission (corrections included)
  Completed: Σ settlement amount with status completed
  InFlight:  Σ settlement amount with status pending or processing

DERIVED AMOUNTS:
  Pending() = max(0, Earned - Completed)
    What the affiliate is owed. Shown on dashboards.

  Payable() = max(0, Earned - Completed - InFlight)
    What a new settlement may claim. Subtracting in-flight rows keeps
    Σ completed <= Σ earned when two periods settle at the same time.

EXAMPLE:
  Entries 100 + 115 = 215 earned, one completed settlement of 125.5:
    Pending() = 89.5

SEE ALSO:
  - settlement/processor.go: uses Payable() to size new settlements
  - reporting/: uses Pending() for GetPendingCommission
*/
package commission

import "context"

// =============================================================================
// BALANCE
// =============================================================================

type Balance struct {
	AffiliateID AffiliateID
	Earned      Money
	Completed   Money
	InFlight    Money
}

func (b Balance) Pending() Money {
	return b.Earned.Sub(b.Completed).NonNegative()
}

func (b Balance) Payable() Money {
	return b.Earned.Sub(b.Completed).Sub(b.InFlight).NonNegative()
}

// ComputeBalance replays entries and settlements of one affiliate.
func ComputeBalance(affiliateID AffiliateID, currency Currency, entries []LedgerEntry, settlements []Settlement) Balance {
	b := Balance{
		AffiliateID: affiliateID,
		Earned:      SumEntries(currency, entries),
		Completed:   ZeroMoney(currency),
		InFlight:    ZeroMoney(currency),
	}
	for _, s := range settlements {
		switch {
		case s.Status == SettlementCompleted:
			b.Completed = b.Completed.Add(s.Amount)
		case s.Status.InFlight():
			b.InFlight = b.InFlight.Add(s.Amount)
		}
	}
	return b
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

type BalanceCalculator struct {
	Entries     LedgerStore
	Settlements SettlementStore
	Currency    Currency
}

func NewBalanceCalculator(entries LedgerStore, settlements SettlementStore, currency Currency) *BalanceCalculator {
	return &BalanceCalculator{Entries: entries, Settlements: settlements, Currency: currency}
}

func (c *BalanceCalculator) Balance(ctx context.Context, affiliateID AffiliateID) (Balance, error) {
	entries, err := c.Entries.ListEntries(ctx, EntryFilter{AffiliateID: affiliateID})
	if err != nil {
		return Balance{}, err
	}
	settlements, err := c.Settlements.ListSettlements(ctx, SettlementFilter{
		AffiliateID: affiliateID,
		Statuses:    []SettlementStatus{SettlementPending, SettlementProcessing, SettlementCompleted},
	})
	if err != nil {
		return Balance{}, err
	}
	return ComputeBalance(affiliateID, c.Currency, entries, settlements), nil
}
