package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// EligibilityCriteria are a product's customer requirements. Zero values mean "no requirement".
type EligibilityCriteria struct {
	MinAge           int             `json:"min_age"`
	MaxAge           int             `json:"max_age"`
	MinMonthlyIncome decimal.Decimal `json:"min_monthly_income"`
	EmploymentTypes  []string        `json:"employment_types,omitempty"`
	MinCreditScore   int             `json:"min_credit_score"`
}

// LoanTerms are the product terms a loan copies at origination. Later product edits do not
// change them.
type LoanTerms struct {
	ProcessingFee         amortization.FeeRule     `json:"processing_fee"`
	LatePenalty           amortization.PenaltyRule `json:"late_penalty"`
	PrepaymentPenaltyRate decimal.Decimal          `json:"prepayment_penalty_rate"`
}

// LoanProduct is the staff-managed configuration a loan is issued under.
type LoanProduct struct {
	ID                    uuid.UUID                 `json:"id"`
	Code                  string                    `json:"code"`
	Name                  string                    `json:"name"`
	InterestRate          decimal.Decimal           `json:"interest_rate"`
	InterestType          amortization.InterestType `json:"interest_type"`
	MinTenure             int                       `json:"min_tenure"`
	MaxTenure             int                       `json:"max_tenure"`
	MinAmount             decimal.Decimal           `json:"min_amount"`
	MaxAmount             decimal.Decimal           `json:"max_amount"`
	ProcessingFee         amortization.FeeRule      `json:"processing_fee"`
	LatePenalty           amortization.PenaltyRule  `json:"late_penalty"`
	PrepaymentPenaltyRate decimal.Decimal           `json:"prepayment_penalty_rate"`
	Eligibility           EligibilityCriteria       `json:"eligibility"`
	IsActive              bool                      `json:"is_active"`
	CreatedAt             time.Time                 `json:"created_at"`
	UpdatedAt             time.Time                 `json:"updated_at"`
}

// Customer is the read-only customer snapshot used for eligibility and scoring.
type Customer struct {
	Key            string          `json:"customer_key"`
	MonthlyIncome  decimal.Decimal `json:"monthly_income"`
	EmploymentType string          `json:"employment_type"`
	Age            int             `json:"age"`
	CreditScore    int             `json:"credit_score"`
	ExistingEMIs   decimal.Decimal `json:"existing_emis"`
}

// Snapshot identifies the profile fields a score was computed from.
func (c Customer) Snapshot() string {
	return fmt.Sprintf("income=%s|employment=%s|age=%d|credit=%d|emis=%s",
		c.MonthlyIncome.String(), c.EmploymentType, c.Age, c.CreditScore, c.ExistingEMIs.String())
}

// Validate checks the product configuration is internally consistent.
func (p *LoanProduct) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return loanerr.InvalidArgument("product name is required")
	}
	if p.InterestRate.IsNegative() {
		return loanerr.InvalidArgument("interest rate must not be negative")
	}
	if !p.InterestType.Valid() {
		return loanerr.InvalidArgument("unknown interest type %q", p.InterestType)
	}
	if p.MinTenure < 0 || p.MaxTenure < 0 || (p.MaxTenure > 0 && p.MinTenure > p.MaxTenure) {
		return loanerr.InvalidArgument("invalid tenure bounds %d..%d", p.MinTenure, p.MaxTenure)
	}
	if p.MinAmount.IsNegative() || p.MaxAmount.IsNegative() || (p.MaxAmount.IsPositive() && p.MinAmount.GreaterThan(p.MaxAmount)) {
		return loanerr.InvalidArgument("invalid amount bounds %s..%s", p.MinAmount, p.MaxAmount)
	}
	if p.PrepaymentPenaltyRate.IsNegative() {
		return loanerr.InvalidArgument("prepayment penalty rate must not be negative")
	}
	if p.ProcessingFee.Type == amortization.FeeFormula {
		if err := amortization.ValidateFeeFormula(p.ProcessingFee.Formula); err != nil {
			return err
		}
	}
	switch p.LatePenalty.Type {
	case "", amortization.PenaltyPercentage, amortization.PenaltyFixedPerDay, amortization.PenaltyPercentagePerDay:
	default:
		return loanerr.InvalidArgument("unknown late penalty type %q", p.LatePenalty.Type)
	}
	return nil
}

// CheckTerms rejects a requested amount or tenure outside the product bounds.
func (p *LoanProduct) CheckTerms(amount decimal.Decimal, tenure int) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return loanerr.InvalidArgument("loan amount must be positive")
	}
	if tenure <= 0 {
		return loanerr.InvalidArgument("tenure must be positive")
	}
	if p.MinAmount.IsPositive() && amount.LessThan(p.MinAmount) {
		return loanerr.InvalidArgument("amount %s is below the product minimum %s", amount, p.MinAmount)
	}
	if p.MaxAmount.IsPositive() && amount.GreaterThan(p.MaxAmount) {
		return loanerr.InvalidArgument("amount %s exceeds the product maximum %s", amount, p.MaxAmount)
	}
	if p.MinTenure > 0 && tenure < p.MinTenure {
		return loanerr.InvalidArgument("tenure %d is below the product minimum %d", tenure, p.MinTenure)
	}
	if p.MaxTenure > 0 && tenure > p.MaxTenure {
		return loanerr.InvalidArgument("tenure %d exceeds the product maximum %d", tenure, p.MaxTenure)
	}
	return nil
}

// CheckEligibility returns a NotEligible error listing every criterion the customer fails.
func (p *LoanProduct) CheckEligibility(c Customer) error {
	var reasons []string
	e := p.Eligibility

	if e.MinAge > 0 && c.Age < e.MinAge {
		reasons = append(reasons, fmt.Sprintf("age %d is below minimum %d", c.Age, e.MinAge))
	}
	if e.MaxAge > 0 && c.Age > e.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age %d is above maximum %d", c.Age, e.MaxAge))
	}
	if e.MinMonthlyIncome.IsPositive() && c.MonthlyIncome.LessThan(e.MinMonthlyIncome) {
		reasons = append(reasons, fmt.Sprintf("monthly income %s is below minimum %s", c.MonthlyIncome, e.MinMonthlyIncome))
	}
	if len(e.EmploymentTypes) > 0 && !slices.Contains(e.EmploymentTypes, c.EmploymentType) {
		reasons = append(reasons, fmt.Sprintf("employment type %q is not accepted", c.EmploymentType))
	}
	if e.MinCreditScore > 0 && c.CreditScore < e.MinCreditScore {
		reasons = append(reasons, fmt.Sprintf("credit score %d is below minimum %d", c.CreditScore, e.MinCreditScore))
	}

	if len(reasons) > 0 {
		return loanerr.New(loanerr.CodeNotEligible, "%s", strings.Join(reasons, "; "))
	}
	return nil
}

// Terms returns the snapshot of terms a new loan copies from this product.
func (p *LoanProduct) Terms() LoanTerms {
	return LoanTerms{
		ProcessingFee:         p.ProcessingFee,
		LatePenalty:           p.LatePenalty,
		PrepaymentPenaltyRate: p.PrepaymentPenaltyRate,
	}
}
