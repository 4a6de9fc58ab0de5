package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProductRequest creates a loan product.
type ProductRequest struct {
	Code                  string                     `json:"code" validate:"required,max=32"`
	Name                  string                     `json:"name" validate:"required"`
	InterestRate          decimal.Decimal            `json:"interest_rate" validate:"gte=0,lte=100"`
	InterestType          amortization.InterestType  `json:"interest_type" validate:"omitempty,oneof=reducing flat"`
	MinTenure             int                        `json:"min_tenure" validate:"gte=0"`
	MaxTenure             int                        `json:"max_tenure" validate:"gte=0"`
	MinAmount             decimal.Decimal            `json:"min_amount" validate:"gte=0"`
	MaxAmount             decimal.Decimal            `json:"max_amount" validate:"gte=0"`
	ProcessingFee         amortization.FeeRule       `json:"processing_fee"`
	LatePenalty           amortization.PenaltyRule   `json:"late_penalty"`
	PrepaymentPenaltyRate decimal.Decimal            `json:"prepayment_penalty_rate" validate:"gte=0,lte=100"`
	Eligibility           models.EligibilityCriteria `json:"eligibility"`
	IsActive              *bool                      `json:"is_active,omitempty"`
}

// CreateProduct validates and stores a new product. Codes are upper-cased and must be unique.
func (l *Ledger) CreateProduct(req ProductRequest) (*models.LoanProduct, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	now := l.now()
	p := &models.LoanProduct{
		ID:                    uuid.New(),
		Code:                  strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:                  strings.TrimSpace(req.Name),
		InterestRate:          req.InterestRate,
		InterestType:          req.InterestType,
		MinTenure:             req.MinTenure,
		MaxTenure:             req.MaxTenure,
		MinAmount:             req.MinAmount,
		MaxAmount:             req.MaxAmount,
		ProcessingFee:         req.ProcessingFee,
		LatePenalty:           req.LatePenalty,
		PrepaymentPenaltyRate: req.PrepaymentPenaltyRate,
		Eligibility:           req.Eligibility,
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.InterestType == "" {
		p.InterestType = amortization.InterestReducing
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := l.storage.CreateProduct(p); err != nil {
		return nil, fmt.Errorf("failed to store product: %w", err)
	}

	l.log.Info("product created",
		zap.String("op", "ledger.CreateProduct"),
		zap.String("product_id", p.ID.String()),
		zap.String("code", p.Code),
	)
	return p, nil
}

func (l *Ledger) GetProduct(id uuid.UUID) (*models.LoanProduct, error) {
	return l.storage.GetProduct(id)
}

func (l *Ledger) ListProducts(activeOnly bool) ([]*models.LoanProduct, error) {
	return l.storage.ListProducts(activeOnly)
}

func (l *Ledger) activeProduct(id uuid.UUID) (*models.LoanProduct, error) {
	if id == uuid.Nil {
		return nil, loanerr.InvalidArgument("field ProductID is required")
	}
	p, err := l.storage.GetProduct(id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, loanerr.InvalidStatus("product %s is not active", p.Code)
	}
	return p, nil
}

// ScheduleRequest describes a hypothetical loan for a schedule preview.
type ScheduleRequest struct {
	Principal    decimal.Decimal           `json:"principal" validate:"gt=0"`
	InterestRate decimal.Decimal           `json:"interest_rate" validate:"gte=0,lte=100"`
	Tenure       int                       `json:"tenure" validate:"gt=0"`
	InterestType amortization.InterestType `json:"interest_type" validate:"omitempty,oneof=reducing flat"`
	StartDate    time.Time                 `json:"start_date"`
}

// PreviewSchedule generates a schedule without creating anything. The start date defaults to today.
func (l *Ledger) PreviewSchedule(req ScheduleRequest) (*amortization.Schedule, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	return amortization.GenerateSchedule(req.Principal, req.InterestRate, req.Tenure, dateOr(req.StartDate, l.now()), req.InterestType)
}

// EligibilityRequest asks whether a customer qualifies for a product.
type EligibilityRequest struct {
	ProductID uuid.UUID       `json:"product_id"`
	Customer  models.Customer `json:"customer"`
	Amount    decimal.Decimal `json:"amount" validate:"gte=0"`
	Tenure    int             `json:"tenure" validate:"gt=0"`
}

// EligibilityResult is the outcome of an eligibility check. A customer who does not qualify is a
// normal result, not an error.
type EligibilityResult struct {
	Eligible      bool                      `json:"eligible"`
	Reason        string                    `json:"reason,omitempty"`
	Affordability *amortization.Eligibility `json:"affordability,omitempty"`
	RequestedEMI  decimal.Decimal           `json:"requested_emi"`
}

// CheckEligibility applies the product criteria and the income-based affordability check.
func (l *Ledger) CheckEligibility(req EligibilityRequest) (*EligibilityResult, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	p, err := l.activeProduct(req.ProductID)
	if err != nil {
		return nil, err
	}
	return l.eligibility(p, req.Customer, req.Amount, req.Tenure)
}

func (l *Ledger) eligibility(p *models.LoanProduct, c models.Customer, amount decimal.Decimal, tenure int) (*EligibilityResult, error) {
	res := &EligibilityResult{Eligible: true, RequestedEMI: decimal.Zero}

	if err := p.CheckEligibility(c); err != nil {
		return notEligible(res, err)
	}
	aff, err := amortization.CalculateLoanEligibility(c.MonthlyIncome, c.ExistingEMIs, p.InterestRate, tenure, l.maxEMIRatio)
	if err != nil {
		return notEligible(res, err)
	}
	res.Affordability = aff

	if amount.IsPositive() {
		emi, err := amortization.CalculateEMI(amount, p.InterestRate, tenure, p.InterestType)
		if err != nil {
			return nil, err
		}
		res.RequestedEMI = emi
		if emi.GreaterThan(aff.MaxEMIAllowance) {
			res.Eligible = false
			res.Reason = fmt.Sprintf("EMI %s exceeds the affordable %s", emi, aff.MaxEMIAllowance)
		}
	}
	return res, nil
}

func notEligible(res *EligibilityResult, err error) (*EligibilityResult, error) {
	var e *loanerr.Error
	if !errors.As(err, &e) || e.Code != loanerr.CodeNotEligible {
		return nil, err
	}
	res.Eligible = false
	res.Reason = e.Message
	return res, nil
}

// LoanApplication opens a new loan under a product.
type LoanApplication struct {
	ProductID uuid.UUID       `json:"product_id"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Tenure    int             `json:"tenure" validate:"gt=0"`
	Customer  models.Customer `json:"customer"`
}

// CreateLoan checks the application against the product and stores a pending loan. The product
// terms are copied onto the loan so later product edits do not affect it.
func (l *Ledger) CreateLoan(req LoanApplication) (*models.LoanAccount, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Customer.Key) == "" {
		return nil, loanerr.InvalidArgument("field CustomerKey is required")
	}
	p, err := l.activeProduct(req.ProductID)
	if err != nil {
		return nil, err
	}
	amount := amortization.Round2(req.Amount)
	if err := p.CheckTerms(amount, req.Tenure); err != nil {
		return nil, err
	}

	elig, err := l.eligibility(p, req.Customer, amount, req.Tenure)
	if err != nil {
		return nil, err
	}
	if !elig.Eligible {
		return nil, loanerr.New(loanerr.CodeNotEligible, "%s", elig.Reason)
	}

	fee, err := amortization.CalculateProcessingFee(amount, req.Tenure, p.InterestRate, p.ProcessingFee)
	if err != nil {
		return nil, err
	}
	if fee.GreaterThanOrEqual(amount) {
		return nil, loanerr.InvalidArgument("processing fee %s leaves nothing to disburse of %s", fee, amount)
	}

	now := l.now()
	preview, err := amortization.GenerateSchedule(amount, p.InterestRate, req.Tenure, now, p.InterestType)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	loan := &models.LoanAccount{
		ID:                 id,
		LoanNumber:         loanNumber(id, now),
		CustomerKey:        req.Customer.Key,
		ProductID:          p.ID,
		Principal:          amount,
		InterestRate:       p.InterestRate,
		InterestType:       p.InterestType,
		Tenure:             req.Tenure,
		EMIAmount:          preview.Summary.EMIAmount,
		TotalInterest:      preview.Summary.TotalInterest,
		TotalPayable:       preview.Summary.TotalPayable,
		Terms:              p.Terms(),
		ProcessingFee:      fee,
		Status:             models.LoanPending,
		RestructureHistory: []models.RestructureEntry{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := l.storage.CreateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.log.Info("loan created",
		zap.String("op", "ledger.CreateLoan"),
		zap.String("loan_id", loan.ID.String()),
		zap.String("loan_number", loan.LoanNumber),
		zap.String("customer_key", loan.CustomerKey),
		zap.String("principal", loan.Principal.String()),
	)
	l.invalidateScore("ledger.CreateLoan", loan.CustomerKey)
	return loan, nil
}

// DisbursementRequest releases an approved loan's funds. Date defaults to now and becomes the
// schedule's start date.
type DisbursementRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Date   time.Time       `json:"date"`
}

// DisburseLoan activates an approved loan and generates its installments.
func (l *Ledger) DisburseLoan(id uuid.UUID, req DisbursementRequest) (*models.LoanAccount, []*models.EMI, error) {
	if err := l.check(req); err != nil {
		return nil, nil, err
	}
	st, err := l.update("ledger.DisburseLoan", id, func(st *loanState) error {
		at := dateOr(req.Date, st.now)
		if err := st.loan.Disburse(amortization.Round2(req.Amount), at); err != nil {
			return err
		}
		s, err := amortization.GenerateSchedule(st.loan.Principal, st.loan.InterestRate, st.loan.Tenure, at, st.loan.InterestType)
		if err != nil {
			return err
		}
		st.loan.ApplySchedule(s)
		st.emis = models.NewEMIs(st.loan.ID, s.Installments, 0, st.now)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return st.loan, st.emis, nil
}
