// Package amortization holds the pure installment-loan math: EMI amounts, amortization
// schedules, late penalties, foreclosure quotes and income-based eligibility.
//
// All monetary results are rounded to 2 decimal places, half away from zero.
package amortization

import (
	"time"

	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// InterestType selects how interest accrues over the tenure.
type InterestType string

const (
	InterestReducing InterestType = "reducing"
	InterestFlat     InterestType = "flat"
)

// Valid reports whether t is a known interest type.
func (t InterestType) Valid() bool {
	return t == InterestReducing || t == InterestFlat
}

// ratePrecision is the number of decimal places kept for intermediate rate factors.
const ratePrecision = 20

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	one     = decimal.NewFromInt(1)
)

// Round2 rounds a money value to 2 places, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MonthlyRate converts an annual percentage rate into a monthly fraction (12% -> 0.01).
func MonthlyRate(annualRatePct decimal.Decimal) decimal.Decimal {
	return annualRatePct.DivRound(twelve.Mul(hundred), ratePrecision)
}

// DueDate returns the due date of installment i (1-based): start plus i months, same day of month.
func DueDate(start time.Time, i int) time.Time {
	return start.AddDate(0, i, 0)
}

// compound returns (1+r)^n, rounding each step to ratePrecision places.
func compound(r decimal.Decimal, n int) decimal.Decimal {
	base := one.Add(r)
	f := one
	for i := 0; i < n; i++ {
		f = f.Mul(base).Round(ratePrecision)
	}
	return f
}

func validateTerms(principal, annualRatePct decimal.Decimal, tenureMonths int) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return loanerr.InvalidArgument("principal must be positive, got %s", principal)
	}
	if tenureMonths <= 0 {
		return loanerr.InvalidArgument("tenure must be positive, got %d", tenureMonths)
	}
	if annualRatePct.IsNegative() {
		return loanerr.InvalidArgument("interest rate must not be negative, got %s", annualRatePct)
	}
	return nil
}

// CalculateEMI returns the fixed monthly installment for the given terms.
//
//	reducing: EMI = P·r·(1+r)^n / ((1+r)^n − 1), r = annualRate/12/100
//	flat:     EMI = (P + P·annualRate/100·n/12) / n
//
// A zero rate yields P/n for either type.
func CalculateEMI(principal, annualRatePct decimal.Decimal, tenureMonths int, interestType InterestType) (decimal.Decimal, error) {
	if err := validateTerms(principal, annualRatePct, tenureMonths); err != nil {
		return decimal.Zero, err
	}
	n := decimal.NewFromInt(int64(tenureMonths))

	if annualRatePct.IsZero() {
		return Round2(principal.DivRound(n, ratePrecision)), nil
	}

	switch interestType {
	case InterestReducing, "":
		return Round2(reducingEMI(principal, MonthlyRate(annualRatePct), tenureMonths)), nil
	case InterestFlat:
		total := principal.Add(flatInterest(principal, annualRatePct, tenureMonths))
		return Round2(total.DivRound(n, ratePrecision)), nil
	default:
		return decimal.Zero, loanerr.InvalidArgument("unknown interest type %q", interestType)
	}
}

func reducingEMI(principal, monthlyRate decimal.Decimal, tenureMonths int) decimal.Decimal {
	f := compound(monthlyRate, tenureMonths)
	return principal.Mul(monthlyRate).Mul(f).DivRound(f.Sub(one), ratePrecision)
}

// flatInterest is the unrounded total interest of a flat-rate loan.
func flatInterest(principal, annualRatePct decimal.Decimal, tenureMonths int) decimal.Decimal {
	n := decimal.NewFromInt(int64(tenureMonths))
	return principal.Mul(annualRatePct).Mul(n).DivRound(hundred.Mul(twelve), ratePrecision)
}

// Installment is one row of an amortization schedule.
type Installment struct {
	Sequence           int             `json:"sequence"`
	DueDate            time.Time       `json:"due_date"`
	Amount             decimal.Decimal `json:"amount"`
	PrincipalComponent decimal.Decimal `json:"principal_component"`
	InterestComponent  decimal.Decimal `json:"interest_component"`
	OpeningBalance     decimal.Decimal `json:"opening_balance"`
	ClosingBalance     decimal.Decimal `json:"closing_balance"`
}

// Summary aggregates a schedule.
type Summary struct {
	Principal     decimal.Decimal `json:"principal"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
	InterestType  InterestType    `json:"interest_type"`
	Tenure        int             `json:"tenure"`
	EMIAmount     decimal.Decimal `json:"emi_amount"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	TotalPayable  decimal.Decimal `json:"total_payable"`
	StartDate     time.Time       `json:"start_date"`
	FirstEMIDate  time.Time       `json:"first_emi_date"`
	EndDate       time.Time       `json:"end_date"`
}

// Schedule is a full amortization schedule.
type Schedule struct {
	Installments []Installment `json:"schedule"`
	Summary      Summary       `json:"summary"`
}

// GenerateSchedule builds the amortization schedule for the given terms. Installment i is due
// i months after startDate. For reducing-balance loans interest is charged on each period's
// opening balance; for flat loans it is constant. The final installment takes the whole remaining
// balance as principal so the schedule closes at exactly zero.
func GenerateSchedule(principal, annualRatePct decimal.Decimal, tenureMonths int, startDate time.Time, interestType InterestType) (*Schedule, error) {
	if interestType == "" {
		interestType = InterestReducing
	}
	emi, err := CalculateEMI(principal, annualRatePct, tenureMonths, interestType)
	if err != nil {
		return nil, err
	}

	monthlyRate := MonthlyRate(annualRatePct)
	var flatPeriodInterest decimal.Decimal
	if interestType == InterestFlat {
		n := decimal.NewFromInt(int64(tenureMonths))
		flatPeriodInterest = Round2(flatInterest(principal, annualRatePct, tenureMonths).DivRound(n, ratePrecision))
	}

	installments := make([]Installment, 0, tenureMonths)
	balance := principal
	totalInterest := decimal.Zero
	totalPayable := decimal.Zero

	for i := 1; i <= tenureMonths; i++ {
		var interest decimal.Decimal
		if interestType == InterestFlat {
			interest = flatPeriodInterest
		} else {
			interest = Round2(balance.Mul(monthlyRate))
		}

		principalPart := emi.Sub(interest)
		if i == tenureMonths || principalPart.GreaterThan(balance) {
			principalPart = balance
		}
		if principalPart.IsNegative() {
			principalPart = decimal.Zero
		}
		amount := emi
		if i == tenureMonths {
			amount = principalPart.Add(interest)
		}

		closing := balance.Sub(principalPart)
		installments = append(installments, Installment{
			Sequence:           i,
			DueDate:            DueDate(startDate, i),
			Amount:             amount,
			PrincipalComponent: principalPart,
			InterestComponent:  interest,
			OpeningBalance:     balance,
			ClosingBalance:     closing,
		})

		totalInterest = totalInterest.Add(interest)
		totalPayable = totalPayable.Add(amount)
		balance = closing
	}

	return &Schedule{
		Installments: installments,
		Summary: Summary{
			Principal:     principal,
			InterestRate:  annualRatePct,
			InterestType:  interestType,
			Tenure:        tenureMonths,
			EMIAmount:     emi,
			TotalInterest: totalInterest,
			TotalPayable:  totalPayable,
			StartDate:     startDate,
			FirstEMIDate:  installments[0].DueDate,
			EndDate:       installments[len(installments)-1].DueDate,
		},
	}, nil
}

// Foreclosure is the amount needed to close a loan early.
type Foreclosure struct {
	OutstandingPrincipal   decimal.Decimal `json:"outstanding_principal"`
	PendingInterest        decimal.Decimal `json:"pending_interest"`
	PrepaymentPenaltyRate  decimal.Decimal `json:"prepayment_penalty_rate"`
	Penalty                decimal.Decimal `json:"penalty"`
	TotalForeclosureAmount decimal.Decimal `json:"total_foreclosure_amount"`
}

// CalculateForeclosureAmount charges penaltyRate percent of the outstanding principal on top of
// the principal and pending interest.
func CalculateForeclosureAmount(outstandingPrincipal, pendingInterest, prepaymentPenaltyRate decimal.Decimal) (*Foreclosure, error) {
	if outstandingPrincipal.IsNegative() || pendingInterest.IsNegative() || prepaymentPenaltyRate.IsNegative() {
		return nil, loanerr.InvalidArgument("foreclosure inputs must not be negative")
	}
	penalty := Round2(outstandingPrincipal.Mul(prepaymentPenaltyRate).DivRound(hundred, ratePrecision))
	return &Foreclosure{
		OutstandingPrincipal:   Round2(outstandingPrincipal),
		PendingInterest:        Round2(pendingInterest),
		PrepaymentPenaltyRate:  prepaymentPenaltyRate,
		Penalty:                penalty,
		TotalForeclosureAmount: Round2(outstandingPrincipal.Add(pendingInterest).Add(penalty)),
	}, nil
}

// DefaultMaxEMIToIncomeRatio caps total monthly obligations at half of the monthly income.
var DefaultMaxEMIToIncomeRatio = decimal.NewFromFloat(0.5)

// Eligibility is the result of an income-based eligibility check.
type Eligibility struct {
	MonthlyIncome   decimal.Decimal `json:"monthly_income"`
	ExistingEMIs    decimal.Decimal `json:"existing_emis"`
	MaxEMIAllowance decimal.Decimal `json:"max_emi_allowance"`
	MaxPrincipal    decimal.Decimal `json:"max_principal"`
	InterestRate    decimal.Decimal `json:"interest_rate"`
	Tenure          int             `json:"tenure"`
}

// CalculateLoanEligibility inverts the reducing-balance EMI formula to find the largest principal
// whose EMI fits in monthlyIncome·maxRatio − existingEMIs. A zero maxRatio means the default.
func CalculateLoanEligibility(monthlyIncome, existingEMIs, annualRatePct decimal.Decimal, tenureMonths int, maxRatio decimal.Decimal) (*Eligibility, error) {
	if monthlyIncome.IsNegative() || existingEMIs.IsNegative() {
		return nil, loanerr.InvalidArgument("income and existing EMIs must not be negative")
	}
	if tenureMonths <= 0 {
		return nil, loanerr.InvalidArgument("tenure must be positive, got %d", tenureMonths)
	}
	if annualRatePct.IsNegative() {
		return nil, loanerr.InvalidArgument("interest rate must not be negative, got %s", annualRatePct)
	}
	if maxRatio.IsZero() {
		maxRatio = DefaultMaxEMIToIncomeRatio
	}

	allowance := Round2(monthlyIncome.Mul(maxRatio).Sub(existingEMIs))
	if allowance.LessThanOrEqual(decimal.Zero) {
		return nil, loanerr.New(loanerr.CodeNotEligible,
			"existing obligations %s leave no EMI capacity on income %s", existingEMIs, monthlyIncome)
	}

	var maxPrincipal decimal.Decimal
	if annualRatePct.IsZero() {
		maxPrincipal = allowance.Mul(decimal.NewFromInt(int64(tenureMonths)))
	} else {
		r := MonthlyRate(annualRatePct)
		f := compound(r, tenureMonths)
		maxPrincipal = allowance.Mul(f.Sub(one)).DivRound(r.Mul(f), ratePrecision)
	}

	return &Eligibility{
		MonthlyIncome:   monthlyIncome,
		ExistingEMIs:    existingEMIs,
		MaxEMIAllowance: allowance,
		MaxPrincipal:    Round2(maxPrincipal),
		InterestRate:    annualRatePct,
		Tenure:          tenureMonths,
	}, nil
}
