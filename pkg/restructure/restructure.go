// Package restructure replaces a loan's unpaid installments with a new schedule at a new tenure
// and/or rate.
package restructure

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
)

// Request describes the new terms. At least one of NewTenure and NewRate must be set.
type Request struct {
	NewTenure *int             `json:"new_tenure,omitempty"`
	NewRate   *decimal.Decimal `json:"new_rate,omitempty"`
	Reason    string           `json:"reason"`
	// FromNextDue starts the new schedule today. Otherwise it continues the loan's original
	// calendar after the last retained installment.
	FromNextDue bool `json:"from_next_due"`
}

func (r Request) validate() error {
	if r.NewTenure == nil && r.NewRate == nil {
		return loanerr.InvalidArgument("a new tenure or a new rate is required")
	}
	if r.NewTenure != nil && *r.NewTenure <= 0 {
		return loanerr.InvalidArgument("new tenure must be positive, got %d", *r.NewTenure)
	}
	if r.NewRate != nil && r.NewRate.IsNegative() {
		return loanerr.InvalidArgument("new rate must not be negative, got %s", r.NewRate)
	}
	return nil
}

// Current describes the loan's unpaid position before restructuring.
type Current struct {
	EMIAmount            decimal.Decimal `json:"emi_amount"`
	PendingEMIs          int             `json:"pending_emis"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	InterestRate         decimal.Decimal `json:"interest_rate"`
	RemainingBalance     decimal.Decimal `json:"remaining_balance"`
}

// Proposed describes the replacement schedule.
type Proposed struct {
	EMIAmount     decimal.Decimal `json:"emi_amount"`
	Tenure        int             `json:"tenure"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
	TotalPayable  decimal.Decimal `json:"total_payable"`
	TotalInterest decimal.Decimal `json:"total_interest"`
}

// Preview compares current and proposed terms.
type Preview struct {
	Current             Current         `json:"current"`
	Proposed            Proposed        `json:"proposed"`
	EMIReduction        decimal.Decimal `json:"emi_reduction"`
	EMIReductionPercent decimal.Decimal `json:"emi_reduction_percent"`
}

// Result is what Apply changed. EMIs is the complete installment set after restructuring;
// RemovedEMIIDs must be deleted by the caller in the same transaction that saves the rest.
type Result struct {
	Preview       *Preview                `json:"preview"`
	Entry         models.RestructureEntry `json:"entry"`
	EMIs          []*models.EMI           `json:"-"`
	NewEMIs       []*models.EMI           `json:"new_emis"`
	RemovedEMIIDs []uuid.UUID             `json:"removed_emi_ids"`
}

func openEMIs(emis []*models.EMI) []*models.EMI {
	var open []*models.EMI
	for _, e := range emis {
		if e.Status.IsOpen() {
			open = append(open, e)
		}
	}
	return open
}

// Compute builds the restructuring preview. It does not touch loan or emis.
func Compute(loan *models.LoanAccount, emis []*models.EMI, req Request) (*Preview, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	open := openEMIs(emis)
	if len(open) == 0 {
		return nil, loanerr.New(loanerr.CodeNoPendingEMIs, "loan %s has no unpaid installments to restructure", loan.LoanNumber)
	}

	outstanding := decimal.Zero
	remaining := decimal.Zero
	for _, e := range open {
		outstanding = outstanding.Add(e.UnpaidPrincipal())
		remaining = remaining.Add(decimal.Max(e.BalanceDue(), decimal.Zero))
	}
	outstanding = amortization.Round2(outstanding)

	tenure := len(open)
	if req.NewTenure != nil {
		tenure = *req.NewTenure
	}
	rate := loan.InterestRate
	if req.NewRate != nil {
		rate = *req.NewRate
	}

	emi, err := amortization.CalculateEMI(outstanding, rate, tenure, amortization.InterestReducing)
	if err != nil {
		return nil, err
	}
	totalPayable := amortization.Round2(emi.Mul(decimal.NewFromInt(int64(tenure))))

	reduction := loan.EMIAmount.Sub(emi)
	percent := decimal.Zero
	if loan.EMIAmount.IsPositive() {
		percent = amortization.Round2(reduction.Mul(decimal.NewFromInt(100)).DivRound(loan.EMIAmount, 10))
	}

	return &Preview{
		Current: Current{
			EMIAmount:            loan.EMIAmount,
			PendingEMIs:          len(open),
			OutstandingPrincipal: outstanding,
			InterestRate:         loan.InterestRate,
			RemainingBalance:     amortization.Round2(remaining),
		},
		Proposed: Proposed{
			EMIAmount:     emi,
			Tenure:        tenure,
			InterestRate:  rate,
			TotalPayable:  totalPayable,
			TotalInterest: totalPayable.Sub(outstanding),
		},
		EMIReduction:        reduction,
		EMIReductionPercent: percent,
	}, nil
}

// CanRestructure reports whether a loan in status s may be restructured.
func CanRestructure(s models.LoanStatus) bool {
	switch s {
	case models.LoanDisbursed, models.LoanActive, models.LoanOverdue, models.LoanNPA:
		return true
	}
	return false
}

// settleAtPaid trims a partially paid installment down to what was actually paid and closes it.
// The unpaid principal it carried moves to the new schedule.
func settleAtPaid(e *models.EMI, now time.Time) {
	interestPaid := decimal.Min(e.PaidAmount, e.InterestComponent)
	principalPaid := decimal.Min(e.PaidAmount.Sub(interestPaid), e.PrincipalComponent)

	e.InterestComponent = interestPaid
	e.PrincipalComponent = principalPaid
	e.Amount = interestPaid.Add(principalPaid)
	e.PenaltyAmount = e.PaidAmount.Sub(e.Amount)
	e.PenaltyWaived = decimal.Zero
	e.WaiverAmount = decimal.Zero
	e.ClosingBalance = e.OpeningBalance.Sub(principalPaid)
	e.Status = models.EMIPaid
	if e.PaidDate == nil {
		e.PaidDate = &now
	}
	e.UpdatedAt = now
}

// Apply restructures the loan in place. Pending and overdue installments are removed, partially
// paid ones are closed at the amount already paid, and a fresh reducing-balance schedule over the
// outstanding principal is appended after the highest retained sequence.
func Apply(loan *models.LoanAccount, emis []*models.EMI, req Request, now time.Time, npaThresholdDays int) (*Result, error) {
	if !CanRestructure(loan.Status) {
		return nil, loanerr.InvalidStatus("loan in status %s cannot be restructured", loan.Status)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, loanerr.InvalidArgument("a reason is required to restructure a loan")
	}
	preview, err := Compute(loan, emis, req)
	if err != nil {
		return nil, err
	}

	models.SortEMIs(emis)
	var (
		retained []*models.EMI
		removed  []uuid.UUID
		offset   int
	)
	for _, e := range emis {
		switch e.Status {
		case models.EMIPending, models.EMIOverdue:
			removed = append(removed, e.ID)
			continue
		case models.EMIPartial:
			settleAtPaid(e, now)
		}
		retained = append(retained, e)
		if e.Sequence > offset {
			offset = e.Sequence
		}
	}

	anchor := now
	if !req.FromNextDue && loan.StartDate != nil {
		// Periods already behind today are skipped so no new installment starts out overdue.
		y, m, dd := now.Date()
		today := time.Date(y, m, dd, 0, 0, 0, 0, now.Location())
		periods := offset
		for amortization.DueDate(*loan.StartDate, periods+1).Before(today) {
			periods++
		}
		anchor = amortization.DueDate(*loan.StartDate, periods)
	}
	schedule, err := amortization.GenerateSchedule(
		preview.Current.OutstandingPrincipal,
		preview.Proposed.InterestRate,
		preview.Proposed.Tenure,
		anchor,
		amortization.InterestReducing,
	)
	if err != nil {
		return nil, err
	}
	fresh := models.NewEMIs(loan.ID, schedule.Installments, offset, now)
	all := append(retained, fresh...)

	entry := models.RestructureEntry{
		ID:                   uuid.New(),
		LoanID:               loan.ID,
		Date:                 now,
		OldTenure:            loan.Tenure,
		NewTenure:            offset + preview.Proposed.Tenure,
		OldRate:              loan.InterestRate,
		NewRate:              preview.Proposed.InterestRate,
		OldEMI:               loan.EMIAmount,
		NewEMI:               schedule.Summary.EMIAmount,
		OutstandingPrincipal: preview.Current.OutstandingPrincipal,
		Reason:               req.Reason,
	}

	totalInterest := decimal.Zero
	totalPayable := decimal.Zero
	for _, e := range all {
		totalInterest = totalInterest.Add(e.InterestComponent)
		totalPayable = totalPayable.Add(e.Amount)
	}
	end := schedule.Summary.EndDate

	loan.Tenure = entry.NewTenure
	loan.InterestRate = entry.NewRate
	loan.InterestType = amortization.InterestReducing
	loan.EMIAmount = entry.NewEMI
	loan.TotalInterest = totalInterest
	loan.TotalPayable = totalPayable
	loan.EndDate = &end
	loan.RestructureHistory = append(loan.RestructureHistory, entry)
	loan.UpdatePaymentStats(all, now, npaThresholdDays)

	return &Result{
		Preview:       preview,
		Entry:         entry,
		EMIs:          all,
		NewEMIs:       fresh,
		RemovedEMIIDs: removed,
	}, nil
}
