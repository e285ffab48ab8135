package watcher

import (
	"github.com/shopspring/decimal"

	"arcsettle/internal/model"
	"arcsettle/internal/token"
)

// Classify turns a decoded transfer into a ledger row using the agent
// registry snapshot of the current poll.
func Classify(transfer token.Transfer, timestamp uint64, agents model.AgentRegistry, decimals uint8) model.LedgerRow {
	from := model.NormalizeAddress(transfer.From.Hex())
	to := model.NormalizeAddress(transfer.To.Hex())

	sender, _ := agents.Lookup(from)
	receiver, _ := agents.Lookup(to)
	issuance := model.IsZeroAddress(from)
	eligible := receiver.Role == model.RoleVendor

	tierFrom := sender.Tier
	if issuance {
		tierFrom = 0
	}

	note := "observed transfer"
	switch {
	case issuance && eligible:
		note = "observed issuance to vendor"
	case issuance:
		note = "observed issuance"
	case eligible:
		note = "observed vendor sale"
	}

	return model.LedgerRow{
		TxHash:      transfer.TxHash.Hex(),
		Timestamp:   timestamp,
		BlockNumber: transfer.BlockNumber,
		From:        from,
		To:          to,
		AmountRaw:   transfer.Value,
		AmountUI:    model.ScaleAmount(transfer.Value, decimals),
		TierFrom:    tierFrom,
		TierTo:      receiver.Tier,
		Issuance:    issuance,
		Eligible:    eligible,
		Notes:       note,
		Source:      model.SourceWatcher,
	}
}

// Tally computes the metrics increment for rows.
// Issuance and eligible sales count toward money supply, eligible sales
// also accrue tax and a vendor hit, everything else is leakage.
func Tally(rows []model.LedgerRow, taxRate decimal.Decimal) (model.MetricsDelta, map[string]int64) {
	delta := model.MetricsDelta{
		MoneySupply: decimal.Zero,
		Leakage:     decimal.Zero,
		TaxEstimate: decimal.Zero,
	}
	hits := make(map[string]int64)
	for _, row := range rows {
		if row.Issuance || row.Eligible {
			delta.MoneySupply = delta.MoneySupply.Add(row.AmountUI)
		}
		if row.Eligible {
			delta.TaxEstimate = delta.TaxEstimate.Add(row.AmountUI.Mul(taxRate))
			hits[row.To]++
		}
		if !row.Issuance && !row.Eligible {
			delta.Leakage = delta.Leakage.Add(row.AmountUI)
		}
	}
	return delta, hits
}
