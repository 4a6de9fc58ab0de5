package amortization

import (
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// PenaltyType selects the late-penalty formula.
type PenaltyType string

const (
	// PenaltyPercentage charges Rate percent of the EMI once.
	PenaltyPercentage PenaltyType = "percentage"
	// PenaltyFixedPerDay charges Rate currency units per effective late day.
	PenaltyFixedPerDay PenaltyType = "fixed_per_day"
	// PenaltyPercentagePerDay charges Rate percent of the EMI per effective late day.
	PenaltyPercentagePerDay PenaltyType = "percentage_per_day"
)

// PenaltyRule is a product's late-payment penalty configuration. A zero MaxPenalty is uncapped.
type PenaltyRule struct {
	Type            PenaltyType     `json:"type"`
	Rate            decimal.Decimal `json:"rate"`
	GracePeriodDays int             `json:"grace_period_days"`
	MaxPenalty      decimal.Decimal `json:"max_penalty"`
}

// CalculateLatePenalty returns the penalty owed on an installment paid daysLate days after its due date.
// Nothing is owed within the grace period; after it only the days beyond the grace period count.
func CalculateLatePenalty(emiAmount decimal.Decimal, daysLate int, rule PenaltyRule) (decimal.Decimal, error) {
	if emiAmount.IsNegative() {
		return decimal.Zero, loanerr.InvalidArgument("emi amount must not be negative, got %s", emiAmount)
	}
	if rule.Rate.IsNegative() || rule.MaxPenalty.IsNegative() || rule.GracePeriodDays < 0 {
		return decimal.Zero, loanerr.InvalidArgument("penalty rule values must not be negative")
	}
	if daysLate <= rule.GracePeriodDays {
		return decimal.Zero, nil
	}
	effectiveDays := decimal.NewFromInt(int64(daysLate - rule.GracePeriodDays))

	var penalty decimal.Decimal
	switch rule.Type {
	case PenaltyPercentage:
		penalty = emiAmount.Mul(rule.Rate).DivRound(hundred, ratePrecision)
	case PenaltyFixedPerDay:
		penalty = rule.Rate.Mul(effectiveDays)
	case PenaltyPercentagePerDay:
		penalty = emiAmount.Mul(rule.Rate).DivRound(hundred, ratePrecision).Mul(effectiveDays)
	default:
		return decimal.Zero, loanerr.InvalidArgument("unknown penalty type %q", rule.Type)
	}

	if rule.MaxPenalty.IsPositive() && penalty.GreaterThan(rule.MaxPenalty) {
		penalty = rule.MaxPenalty
	}
	return Round2(penalty), nil
}
