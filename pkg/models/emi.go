package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// EMIStatus is the state of a single installment.
type EMIStatus string

const (
	EMIPending EMIStatus = "pending"
	EMIOverdue EMIStatus = "overdue"
	EMIPartial EMIStatus = "partial"
	EMIPaid    EMIStatus = "paid"
	EMIWaived  EMIStatus = "waived"
)

var emiTransitions = map[EMIStatus][]EMIStatus{
	EMIPending: {EMIOverdue, EMIPartial, EMIPaid, EMIWaived},
	EMIOverdue: {EMIPartial, EMIPaid, EMIWaived},
	EMIPartial: {EMIPaid, EMIWaived},
}

// CanTransitionTo reports whether the installment state machine allows s -> next.
// Staying in the same non-terminal state is always allowed.
func (s EMIStatus) CanTransitionTo(next EMIStatus) bool {
	if s == next {
		return !s.IsSettled()
	}
	for _, allowed := range emiTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsSettled reports whether s is terminal.
func (s EMIStatus) IsSettled() bool {
	return s == EMIPaid || s == EMIWaived
}

// IsOpen reports whether money is still expected on an installment in state s.
func (s EMIStatus) IsOpen() bool {
	return s == EMIPending || s == EMIOverdue || s == EMIPartial
}

// EMI is one installment of a loan.
type EMI struct {
	ID                  uuid.UUID       `json:"id"`
	LoanID              uuid.UUID       `json:"loan_id"`
	Sequence            int             `json:"sequence"`
	DueDate             time.Time       `json:"due_date"`
	Amount              decimal.Decimal `json:"amount"`
	PrincipalComponent  decimal.Decimal `json:"principal_component"`
	InterestComponent   decimal.Decimal `json:"interest_component"`
	OpeningBalance      decimal.Decimal `json:"opening_balance"`
	ClosingBalance      decimal.Decimal `json:"closing_balance"`
	Status              EMIStatus       `json:"status"`
	PaidAmount          decimal.Decimal `json:"paid_amount"`
	PaidDate            *time.Time      `json:"paid_date,omitempty"`
	DaysLate            int             `json:"days_late"`
	PenaltyAmount       decimal.Decimal `json:"penalty_amount"`
	PenaltyWaived       decimal.Decimal `json:"penalty_waived"`
	PenaltyWaiverReason string          `json:"penalty_waiver_reason,omitempty"`
	WaiverAmount        decimal.Decimal `json:"waiver_amount"`
	WaiverReason        string          `json:"waiver_reason,omitempty"`
	Payments            []Payment       `json:"payments"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewEMIs turns schedule rows into pending installments of loanID, shifting sequences by offset.
func NewEMIs(loanID uuid.UUID, rows []amortization.Installment, offset int, now time.Time) []*EMI {
	emis := make([]*EMI, 0, len(rows))
	for _, r := range rows {
		emis = append(emis, &EMI{
			ID:                 uuid.New(),
			LoanID:             loanID,
			Sequence:           r.Sequence + offset,
			DueDate:            r.DueDate,
			Amount:             r.Amount,
			PrincipalComponent: r.PrincipalComponent,
			InterestComponent:  r.InterestComponent,
			OpeningBalance:     r.OpeningBalance,
			ClosingBalance:     r.ClosingBalance,
			Status:             EMIPending,
			PaidAmount:         decimal.Zero,
			PenaltyAmount:      decimal.Zero,
			PenaltyWaived:      decimal.Zero,
			WaiverAmount:       decimal.Zero,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	return emis
}

// TotalDue is amount + penalty − waived penalty − waiver.
func (e *EMI) TotalDue() decimal.Decimal {
	return e.Amount.Add(e.PenaltyAmount).Sub(e.PenaltyWaived).Sub(e.WaiverAmount)
}

// BalanceDue is TotalDue − PaidAmount.
func (e *EMI) BalanceDue() decimal.Decimal {
	return e.TotalDue().Sub(e.PaidAmount)
}

// OutstandingPenalty is the assessed penalty not yet waived.
func (e *EMI) OutstandingPenalty() decimal.Decimal {
	return nonNegative(e.PenaltyAmount.Sub(e.PenaltyWaived))
}

// UnpaidInterest is the interest component not yet covered; payments go to interest first.
func (e *EMI) UnpaidInterest() decimal.Decimal {
	return nonNegative(e.InterestComponent.Sub(e.PaidAmount))
}

// UnpaidPrincipal is the principal component net of any payment beyond the interest component.
func (e *EMI) UnpaidPrincipal() decimal.Decimal {
	appliedToPrincipal := nonNegative(e.PaidAmount.Sub(e.InterestComponent))
	return nonNegative(e.PrincipalComponent.Sub(appliedToPrincipal))
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}

// DaysLateAt is the number of started days between the end of the due date and t, or 0.
func (e *EMI) DaysLateAt(t time.Time) int {
	diff := t.Sub(endOfDay(e.DueDate))
	if diff <= 0 {
		return 0
	}
	days := int(diff / (24 * time.Hour))
	if diff%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// IsPastDue reports whether the due date has ended by now.
func (e *EMI) IsPastDue(now time.Time) bool {
	return now.After(endOfDay(e.DueDate))
}

// InArrears reports whether the installment is open and past due.
func (e *EMI) InArrears(now time.Time) bool {
	return e.Status == EMIOverdue || (e.Status == EMIPartial && e.IsPastDue(now))
}

func (e *EMI) transition(next EMIStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return loanerr.InvalidStatus("emi %d cannot move from %s to %s", e.Sequence, e.Status, next)
	}
	e.Status = next
	return nil
}

// MaterializeDueState applies the lazy pending -> overdue transition for an unpaid installment
// whose due date has passed. It reports whether the status changed.
func (e *EMI) MaterializeDueState(now time.Time) bool {
	if e.Status != EMIPending || e.PaidAmount.IsPositive() || !e.IsPastDue(now) {
		return false
	}
	e.Status = EMIOverdue
	e.UpdatedAt = now
	return true
}

// AssessPenalty overwrites the installment's late penalty.
func (e *EMI) AssessPenalty(amount decimal.Decimal, now time.Time) error {
	if amount.IsNegative() {
		return loanerr.InvalidArgument("penalty must not be negative, got %s", amount)
	}
	if e.Status.IsSettled() {
		return loanerr.InvalidStatus("emi %d is %s", e.Sequence, e.Status)
	}
	e.PenaltyAmount = amortization.Round2(amount)
	e.UpdatedAt = now
	return nil
}

// PaymentInput is one payment against an installment. A non-nil PenaltyAmount replaces the
// assessed penalty before the payment is applied.
type PaymentInput struct {
	Amount        decimal.Decimal
	Date          time.Time
	Mode          PaymentMode
	Reference     string
	PenaltyAmount *decimal.Decimal
}

// PaymentResult is what the caller logs or reports after a payment.
type PaymentResult struct {
	EMIID         uuid.UUID       `json:"emi_id"`
	Sequence      int             `json:"sequence"`
	Status        EMIStatus       `json:"status"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	DaysLate      int             `json:"days_late"`
	PenaltyAmount decimal.Decimal `json:"penalty_amount"`
	Payment       Payment         `json:"payment"`
}

func (in PaymentInput) validate() error {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return loanerr.InvalidArgument("payment amount must be positive, got %s", in.Amount)
	}
	if in.Date.IsZero() {
		return loanerr.InvalidArgument("payment date is required")
	}
	if !in.Mode.Valid() {
		return loanerr.InvalidArgument("unknown payment mode %q", in.Mode)
	}
	if in.PenaltyAmount != nil && in.PenaltyAmount.IsNegative() {
		return loanerr.InvalidArgument("penalty must not be negative, got %s", *in.PenaltyAmount)
	}
	return nil
}

// RecordPayment applies a payment to the installment. The installment becomes paid once the
// paid amount covers TotalDue, partial otherwise.
func (e *EMI) RecordPayment(in PaymentInput) (*PaymentResult, error) {
	if e.Status == EMIPaid {
		return nil, loanerr.New(loanerr.CodeAlreadyPaid, "emi %d is already paid", e.Sequence)
	}
	if e.Status == EMIWaived {
		return nil, loanerr.InvalidStatus("emi %d has been waived", e.Sequence)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	penalty := e.PenaltyAmount
	if in.PenaltyAmount != nil {
		penalty = amortization.Round2(*in.PenaltyAmount)
	}
	amount := amortization.Round2(in.Amount)
	paid := e.PaidAmount.Add(amount)
	totalDue := e.Amount.Add(penalty).Sub(e.PenaltyWaived).Sub(e.WaiverAmount)

	next := EMIPartial
	if paid.GreaterThanOrEqual(totalDue) {
		next = EMIPaid
	}
	if err := e.transition(next); err != nil {
		return nil, err
	}

	p := Payment{
		ID:        uuid.New(),
		EMIID:     e.ID,
		LoanID:    e.LoanID,
		Amount:    amount,
		Date:      in.Date,
		Mode:      in.Mode,
		Reference: in.Reference,
	}
	e.Payments = append(e.Payments, p)
	e.PenaltyAmount = penalty
	e.PaidAmount = paid
	e.DaysLate = e.DaysLateAt(in.Date)
	e.UpdatedAt = in.Date
	if next == EMIPaid {
		paidAt := in.Date
		e.PaidDate = &paidAt
	}

	return &PaymentResult{
		EMIID:         e.ID,
		Sequence:      e.Sequence,
		Status:        e.Status,
		PaidAmount:    e.PaidAmount,
		BalanceDue:    e.BalanceDue(),
		DaysLate:      e.DaysLate,
		PenaltyAmount: e.PenaltyAmount,
		Payment:       p,
	}, nil
}

// WaivePenalty forgives part or all of the outstanding penalty.
func (e *EMI) WaivePenalty(amount decimal.Decimal, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return loanerr.InvalidArgument("a reason is required to waive a penalty")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return loanerr.InvalidArgument("waiver amount must be positive, got %s", amount)
	}
	if e.Status == EMIWaived {
		return loanerr.InvalidStatus("emi %d has been waived", e.Sequence)
	}
	remaining := e.OutstandingPenalty()
	if !remaining.IsPositive() {
		return loanerr.New(loanerr.CodeNoPenalty, "emi %d has no outstanding penalty", e.Sequence)
	}
	if amount.GreaterThan(remaining) {
		return loanerr.New(loanerr.CodeWaiverExceedsPenalty, "waiver %s exceeds outstanding penalty %s", amount, remaining)
	}

	e.PenaltyWaived = e.PenaltyWaived.Add(amortization.Round2(amount))
	e.PenaltyWaiverReason = reason
	e.UpdatedAt = now
	if e.Status.IsOpen() && e.PaidAmount.IsPositive() && e.PaidAmount.GreaterThanOrEqual(e.TotalDue()) {
		paidAt := now
		e.PaidDate = &paidAt
		return e.transition(EMIPaid)
	}
	return nil
}

// Waive administratively forgives the installment's remaining balance.
func (e *EMI) Waive(reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return loanerr.InvalidArgument("a reason is required to waive an installment")
	}
	if err := e.transition(EMIWaived); err != nil {
		return err
	}
	e.WaiverAmount = e.WaiverAmount.Add(nonNegative(e.BalanceDue()))
	e.WaiverReason = reason
	e.UpdatedAt = now
	return nil
}
