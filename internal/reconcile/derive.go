package reconcile

import (
	"github.com/shopspring/decimal"

	"factsync/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// derive fills computable fields that no provider supplied.
func derive(rec *domain.CanonicalRecord) {
	f := rec.Fields
	switch rec.Kind {
	case domain.KindQuote:
		price, okP := f.Decimal("price")
		prev, okPrev := f.Decimal("previous_close")
		if !okP || !okPrev {
			return
		}
		change, okC := f.Decimal("change_amount")
		if !okC {
			change = price.Sub(prev)
			f["change_amount"] = change
		}
		if _, ok := f["change_percent"]; !ok && !prev.IsZero() {
			f["change_percent"] = change.Div(prev).Mul(hundred).Round(4)
		}
	case domain.KindBalanceSheet:
		if _, ok := f["total_equity"]; ok {
			return
		}
		assets, okA := f.Decimal("total_assets")
		liabs, okL := f.Decimal("total_liabilities")
		if okA && okL {
			f["total_equity"] = assets.Sub(liabs)
		}
	}
}
