package amortization

import (
	"math"

	"github.com/Knetic/govaluate"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// FeeType selects how the processing fee is computed.
type FeeType string

const (
	FeePercentage FeeType = "percentage"
	FeeFixed      FeeType = "fixed"
	// FeeFormula evaluates Formula with the parameters principal, tenure and rate.
	FeeFormula FeeType = "formula"
)

// FeeRule is a product's processing-fee configuration. Zero Min/Max mean no bound.
type FeeRule struct {
	Type    FeeType         `json:"type"`
	Rate    decimal.Decimal `json:"rate"`
	Amount  decimal.Decimal `json:"amount"`
	Formula string          `json:"formula,omitempty"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
}

// CalculateProcessingFee applies rule to a loan of the given terms. An empty rule charges nothing.
func CalculateProcessingFee(principal decimal.Decimal, tenureMonths int, annualRatePct decimal.Decimal, rule FeeRule) (decimal.Decimal, error) {
	var fee decimal.Decimal
	switch rule.Type {
	case "":
		return decimal.Zero, nil
	case FeePercentage:
		fee = principal.Mul(rule.Rate).DivRound(hundred, ratePrecision)
	case FeeFixed:
		fee = rule.Amount
	case FeeFormula:
		v, err := evaluateFeeFormula(rule.Formula, principal, tenureMonths, annualRatePct)
		if err != nil {
			return decimal.Zero, err
		}
		fee = v
	default:
		return decimal.Zero, loanerr.InvalidArgument("unknown processing fee type %q", rule.Type)
	}

	if rule.Min.IsPositive() && fee.LessThan(rule.Min) {
		fee = rule.Min
	}
	if rule.Max.IsPositive() && fee.GreaterThan(rule.Max) {
		fee = rule.Max
	}
	if fee.IsNegative() {
		return decimal.Zero, loanerr.InvalidArgument("processing fee evaluated to a negative amount %s", fee)
	}
	return Round2(fee), nil
}

// ValidateFeeFormula reports whether expr parses as a fee formula.
func ValidateFeeFormula(expr string) error {
	if _, err := govaluate.NewEvaluableExpression(expr); err != nil {
		return loanerr.InvalidArgument("invalid fee formula %q: %v", expr, err)
	}
	return nil
}

func evaluateFeeFormula(expr string, principal decimal.Decimal, tenureMonths int, annualRatePct decimal.Decimal) (decimal.Decimal, error) {
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return decimal.Zero, loanerr.InvalidArgument("invalid fee formula %q: %v", expr, err)
	}

	parameters := map[string]interface{}{
		"principal": principal.InexactFloat64(),
		"tenure":    float64(tenureMonths),
		"rate":      annualRatePct.InexactFloat64(),
	}
	result, err := expression.Evaluate(parameters)
	if err != nil {
		return decimal.Zero, loanerr.InvalidArgument("could not evaluate fee formula %q: %v", expr, err)
	}

	amount, ok := result.(float64)
	if !ok {
		return decimal.Zero, loanerr.InvalidArgument("fee formula %q did not evaluate to a number", expr)
	}
	if math.IsInf(amount, 0) || math.IsNaN(amount) {
		return decimal.Zero, loanerr.InvalidArgument("fee formula %q evaluated to %v", expr, amount)
	}
	return decimal.NewFromFloat(amount), nil
}
