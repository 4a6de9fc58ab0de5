package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// LoanStatus is the state of a loan account.
type LoanStatus string

const (
	LoanPending    LoanStatus = "pending"
	LoanApproved   LoanStatus = "approved"
	LoanDisbursed  LoanStatus = "disbursed"
	LoanActive     LoanStatus = "active"
	LoanOverdue    LoanStatus = "overdue"
	LoanNPA        LoanStatus = "npa"
	LoanClosed     LoanStatus = "closed"
	LoanForeclosed LoanStatus = "foreclosed"
	LoanDefaulted  LoanStatus = "defaulted"
	LoanRejected   LoanStatus = "rejected"
	LoanCancelled  LoanStatus = "cancelled"
)

// DefaultNPAThresholdDays is the age of the oldest overdue installment that makes a loan an NPA.
const DefaultNPAThresholdDays = 90

var servicing = []LoanStatus{LoanActive, LoanOverdue, LoanNPA, LoanClosed, LoanForeclosed, LoanDefaulted}

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:   {LoanApproved, LoanRejected, LoanCancelled},
	LoanApproved:  {LoanDisbursed, LoanActive, LoanRejected, LoanCancelled},
	LoanDisbursed: servicing,
	LoanActive:    servicing,
	LoanOverdue:   servicing,
	LoanNPA:       servicing,
}

// CanTransitionTo reports whether the loan state machine allows s -> next.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s LoanStatus) IsTerminal() bool {
	_, ok := loanTransitions[s]
	return !ok
}

// IsServicing reports whether s is a disbursed, not yet closed state.
func (s LoanStatus) IsServicing() bool {
	switch s {
	case LoanDisbursed, LoanActive, LoanOverdue, LoanNPA:
		return true
	}
	return false
}

// ClosureType tells how a loan was closed.
type ClosureType string

const (
	ClosureRegular     ClosureType = "regular"
	ClosureForeclosure ClosureType = "foreclosure"
)

// LoanAccount is the loan-level aggregate over a set of EMIs.
type LoanAccount struct {
	ID           uuid.UUID                 `json:"id"`
	LoanNumber   string                    `json:"loan_number"`
	CustomerKey  string                    `json:"customer_key"`
	ProductID    uuid.UUID                 `json:"product_id"`
	Principal    decimal.Decimal           `json:"principal"`
	InterestRate decimal.Decimal           `json:"interest_rate"`
	InterestType amortization.InterestType `json:"interest_type"`
	Tenure       int                       `json:"tenure"`
	EMIAmount    decimal.Decimal           `json:"emi_amount"`
	TotalEMIs    int                       `json:"total_emis"`
	Terms        LoanTerms                 `json:"terms"`

	ProcessingFee   decimal.Decimal `json:"processing_fee"`
	DisbursedAmount decimal.Decimal `json:"disbursed_amount"`

	StartDate    *time.Time `json:"start_date,omitempty"`
	FirstEMIDate *time.Time `json:"first_emi_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	DisbursedAt  *time.Time `json:"disbursed_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`

	TotalInterest        decimal.Decimal `json:"total_interest"`
	TotalPayable         decimal.Decimal `json:"total_payable"`
	TotalPaid            decimal.Decimal `json:"total_paid"`
	TotalPenalty         decimal.Decimal `json:"total_penalty"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	OutstandingInterest  decimal.Decimal `json:"outstanding_interest"`
	OutstandingAmount    decimal.Decimal `json:"outstanding_amount"`
	PaidEMIs             int             `json:"paid_emis"`
	OverdueEMIs          int             `json:"overdue_emis"`
	NextDueDate          *time.Time      `json:"next_due_date,omitempty"`
	NextDueAmount        decimal.Decimal `json:"next_due_amount"`
	NextDueSequence      int             `json:"next_due_sequence"`

	Status       LoanStatus  `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	ClosureType  ClosureType `json:"closure_type,omitempty"`
	RiskScore    int         `json:"risk_score"`
	RiskCategory string      `json:"risk_category,omitempty"`

	RestructureHistory []RestructureEntry `json:"restructure_history"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func (l *LoanAccount) transition(next LoanStatus) error {
	if !l.Status.CanTransitionTo(next) {
		return loanerr.InvalidStatus("loan %s cannot move from %s to %s", l.LoanNumber, l.Status, next)
	}
	l.Status = next
	return nil
}

// Approve moves a pending loan to approved.
func (l *LoanAccount) Approve(at time.Time) error {
	if l.Status != LoanPending {
		return loanerr.InvalidStatus("only pending loans can be approved, loan is %s", l.Status)
	}
	if err := l.transition(LoanApproved); err != nil {
		return err
	}
	l.ApprovedAt = timePtr(at)
	l.UpdatedAt = at
	return nil
}

// Reject closes a pending or approved application.
func (l *LoanAccount) Reject(reason string, at time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return loanerr.InvalidArgument("a reason is required to reject a loan")
	}
	if err := l.transition(LoanRejected); err != nil {
		return err
	}
	l.StatusReason = reason
	l.UpdatedAt = at
	return nil
}

// Cancel withdraws a pending or approved application.
func (l *LoanAccount) Cancel(reason string, at time.Time) error {
	if err := l.transition(LoanCancelled); err != nil {
		return err
	}
	l.StatusReason = reason
	l.UpdatedAt = at
	return nil
}

// ExpectedDisbursement is principal minus the processing fee.
func (l *LoanAccount) ExpectedDisbursement() decimal.Decimal {
	return l.Principal.Sub(l.ProcessingFee)
}

var disbursementTolerance = decimal.NewFromFloat(0.01)

// Disburse activates an approved loan once the disbursed amount matches the expected amount.
func (l *LoanAccount) Disburse(amount decimal.Decimal, at time.Time) error {
	if l.Status != LoanApproved {
		return loanerr.InvalidStatus("only approved loans can be disbursed, loan is %s", l.Status)
	}
	expected := l.ExpectedDisbursement()
	if amount.Sub(expected).Abs().GreaterThan(disbursementTolerance) {
		return loanerr.New(loanerr.CodeAmountMismatch, "disbursed amount %s does not match expected %s", amount, expected)
	}
	if err := l.transition(LoanActive); err != nil {
		return err
	}
	l.DisbursedAmount = amount
	l.DisbursedAt = timePtr(at)
	l.UpdatedAt = at
	return nil
}

// ApplySchedule copies a generated schedule's summary onto the loan.
func (l *LoanAccount) ApplySchedule(s *amortization.Schedule) {
	l.EMIAmount = s.Summary.EMIAmount
	l.TotalEMIs = len(s.Installments)
	l.TotalInterest = s.Summary.TotalInterest
	l.TotalPayable = s.Summary.TotalPayable
	l.StartDate = timePtr(s.Summary.StartDate)
	l.FirstEMIDate = timePtr(s.Summary.FirstEMIDate)
	l.EndDate = timePtr(s.Summary.EndDate)
}

// CanForeclose reports whether the loan may be prepaid in full.
func (l *LoanAccount) CanForeclose() bool {
	switch l.Status {
	case LoanActive, LoanOverdue, LoanDisbursed:
		return true
	}
	return false
}

// MarkForeclosed closes the loan by full prepayment.
func (l *LoanAccount) MarkForeclosed(at time.Time) error {
	if !l.CanForeclose() {
		return loanerr.InvalidStatus("loan in status %s cannot be foreclosed", l.Status)
	}
	if err := l.transition(LoanForeclosed); err != nil {
		return err
	}
	l.ClosedAt = timePtr(at)
	l.ClosureType = ClosureForeclosure
	l.UpdatedAt = at
	return nil
}

// MarkDefaulted writes the loan off.
func (l *LoanAccount) MarkDefaulted(reason string, at time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return loanerr.InvalidArgument("a reason is required to mark a loan defaulted")
	}
	if err := l.transition(LoanDefaulted); err != nil {
		return err
	}
	l.StatusReason = reason
	l.ClosedAt = timePtr(at)
	l.UpdatedAt = at
	return nil
}

// SoftDelete hides the loan without removing it.
func (l *LoanAccount) SoftDelete(at time.Time) {
	l.DeletedAt = timePtr(at)
	l.UpdatedAt = at
}

// SortEMIs orders installments by sequence.
func SortEMIs(emis []*EMI) {
	sort.Slice(emis, func(i, j int) bool { return emis[i].Sequence < emis[j].Sequence })
}

// UpdatePaymentStats materializes installment due states, recomputes the rollup fields from the
// EMI set and derives the loan status. It must run after every EMI mutation.
func (l *LoanAccount) UpdatePaymentStats(emis []*EMI, now time.Time, npaThresholdDays int) {
	if npaThresholdDays <= 0 {
		npaThresholdDays = DefaultNPAThresholdDays
	}
	SortEMIs(emis)

	var (
		paid, overdue, settled int
		oldestArrears          *EMI
		next                   *EMI
	)
	totalPaid := decimal.Zero
	totalPenalty := decimal.Zero
	outPrincipal := decimal.Zero
	outInterest := decimal.Zero
	outAmount := decimal.Zero

	for _, e := range emis {
		e.MaterializeDueState(now)

		totalPaid = totalPaid.Add(e.PaidAmount)
		totalPenalty = totalPenalty.Add(e.OutstandingPenalty())

		switch {
		case e.Status == EMIPaid:
			paid++
			settled++
		case e.Status == EMIWaived:
			settled++
		default:
			outPrincipal = outPrincipal.Add(e.UnpaidPrincipal())
			outInterest = outInterest.Add(e.UnpaidInterest())
			outAmount = outAmount.Add(nonNegative(e.BalanceDue()))
		}

		if e.InArrears(now) {
			overdue++
			if oldestArrears == nil || e.DueDate.Before(oldestArrears.DueDate) {
				oldestArrears = e
			}
		}
		if next == nil && (e.Status == EMIPending || e.Status == EMIOverdue) {
			next = e
		}
	}

	l.PaidEMIs = paid
	l.OverdueEMIs = overdue
	l.TotalEMIs = len(emis)
	l.TotalPaid = totalPaid
	l.TotalPenalty = totalPenalty
	l.OutstandingPrincipal = outPrincipal
	l.OutstandingInterest = outInterest
	l.OutstandingAmount = outAmount
	if next != nil {
		l.NextDueDate = timePtr(next.DueDate)
		l.NextDueAmount = nonNegative(next.BalanceDue())
		l.NextDueSequence = next.Sequence
	} else {
		l.NextDueDate = nil
		l.NextDueAmount = decimal.Zero
		l.NextDueSequence = 0
	}
	l.UpdatedAt = now

	if !l.Status.IsServicing() || len(emis) == 0 {
		return
	}

	derived := LoanActive
	switch {
	case settled == len(emis):
		derived = LoanClosed
	case oldestArrears != nil:
		derived = LoanOverdue
		if oldestArrears.DaysLateAt(now) >= npaThresholdDays {
			derived = LoanNPA
		}
	}

	if derived == l.Status || !l.Status.CanTransitionTo(derived) {
		return
	}
	l.Status = derived
	if derived == LoanClosed {
		l.ClosedAt = timePtr(now)
		l.ClosureType = ClosureRegular
	}
}
