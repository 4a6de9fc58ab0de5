package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/mcclellann/loanEngine/pkg/restructure"
	"github.com/shopspring/decimal"
)

// ForeclosureQuote is what it costs to close a loan on AsOf. Interest is charged only on
// installments due by then; LatePenalties are the unpaid late penalties on open installments.
type ForeclosureQuote struct {
	amortization.Foreclosure
	LatePenalties decimal.Decimal `json:"late_penalties"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	AsOf          time.Time       `json:"as_of"`
}

// quote expects penalties to be assessed as of asOf already.
func quote(loan *models.LoanAccount, emis []*models.EMI, asOf time.Time) (*ForeclosureQuote, error) {
	if !loan.CanForeclose() {
		return nil, loanerr.InvalidStatus("loan in status %s cannot be foreclosed", loan.Status)
	}
	principal, interest, penalties := decimal.Zero, decimal.Zero, decimal.Zero
	open := 0
	for _, e := range emis {
		if !e.Status.IsOpen() {
			continue
		}
		open++
		principal = principal.Add(e.UnpaidPrincipal())
		if !e.DueDate.After(asOf) {
			interest = interest.Add(e.UnpaidInterest())
		}
		penalties = penalties.Add(decimal.Min(e.OutstandingPenalty(), decimal.Max(e.BalanceDue(), decimal.Zero)))
	}
	if open == 0 {
		return nil, loanerr.New(loanerr.CodeNoPendingEMIs, "loan %s has no open installments", loan.LoanNumber)
	}

	f, err := amortization.CalculateForeclosureAmount(principal, interest, loan.Terms.PrepaymentPenaltyRate)
	if err != nil {
		return nil, err
	}
	penalties = amortization.Round2(penalties)
	return &ForeclosureQuote{
		Foreclosure:   *f,
		LatePenalties: penalties,
		AmountDue:     f.TotalForeclosureAmount.Add(penalties),
		AsOf:          asOf,
	}, nil
}

// ForeclosureQuote prices closing the loan on asOf (now when zero). Nothing is written.
func (l *Ledger) ForeclosureQuote(id uuid.UUID, asOf time.Time) (*ForeclosureQuote, error) {
	loan, emis, now, err := l.view(id)
	if err != nil {
		return nil, err
	}
	at := dateOr(asOf, now)
	// The loaded copies are discarded, so penalties can be assessed in place.
	if err := assessLatePenalties(emis, loan.Terms.LatePenalty, at); err != nil {
		return nil, err
	}
	return quote(loan, emis, at)
}

// ForeclosureRequest pays a loan off early. Date defaults to now.
type ForeclosureRequest struct {
	Amount    decimal.Decimal    `json:"amount" validate:"gt=0"`
	Date      time.Time          `json:"date"`
	Mode      models.PaymentMode `json:"mode" validate:"required"`
	Reference string             `json:"reference"`
}

// ForeclosureResult reports a completed foreclosure.
type ForeclosureResult struct {
	Quote        *ForeclosureQuote      `json:"quote"`
	AmountPaid   decimal.Decimal        `json:"amount_paid"`
	ExcessAmount decimal.Decimal        `json:"excess_amount"`
	Payments     []models.PaymentResult `json:"payments"`
	Loan         *models.LoanAccount    `json:"loan"`
}

const foreclosureWaiverReason = "interest not yet due at foreclosure"

// ForecloseLoan settles every open installment and closes the loan. The amount must cover the
// quote; interest on installments due after the foreclosure date is forgiven and the prepayment
// penalty is charged on the last open installment.
func (l *Ledger) ForecloseLoan(id uuid.UUID, req ForeclosureRequest) (*ForeclosureResult, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	result := &ForeclosureResult{}
	st, err := l.update("ledger.ForecloseLoan", id, func(st *loanState) error {
		at := dateOr(req.Date, st.now)
		if err := assessLatePenalties(st.emis, st.loan.Terms.LatePenalty, at); err != nil {
			return err
		}
		q, err := quote(st.loan, st.emis, at)
		if err != nil {
			return err
		}
		amount := amortization.Round2(req.Amount)
		if amount.LessThan(q.AmountDue) {
			return loanerr.New(loanerr.CodeAmountMismatch, "foreclosure needs %s, got %s", q.AmountDue, amount)
		}

		var open []*models.EMI
		for _, e := range st.emis {
			if e.Status.IsOpen() {
				open = append(open, e)
			}
		}
		for _, e := range open {
			if e.DueDate.After(at) {
				if forgiven := e.UnpaidInterest(); forgiven.IsPositive() {
					e.WaiverAmount = e.WaiverAmount.Add(forgiven)
					e.WaiverReason = foreclosureWaiverReason
				}
			}
		}
		if last := open[len(open)-1]; q.Penalty.IsPositive() {
			if err := last.AssessPenalty(last.PenaltyAmount.Add(q.Penalty), at); err != nil {
				return err
			}
		}

		paid := decimal.Zero
		for _, e := range open {
			due := e.BalanceDue()
			if !due.IsPositive() {
				continue
			}
			res, err := e.RecordPayment(models.PaymentInput{
				Amount:    due,
				Date:      at,
				Mode:      req.Mode,
				Reference: req.Reference,
			})
			if err != nil {
				return err
			}
			paid = paid.Add(due)
			result.Payments = append(result.Payments, *res)
		}

		result.Quote = q
		result.AmountPaid = paid
		result.ExcessAmount = amount.Sub(paid)
		return st.loan.MarkForeclosed(at)
	})
	if err != nil {
		return nil, err
	}
	result.Loan = st.loan
	return result, nil
}

// PreviewRestructure compares the loan's current terms with the requested ones. Nothing is written.
func (l *Ledger) PreviewRestructure(id uuid.UUID, req restructure.Request) (*restructure.Preview, error) {
	loan, emis, _, err := l.view(id)
	if err != nil {
		return nil, err
	}
	if !restructure.CanRestructure(loan.Status) {
		return nil, loanerr.InvalidStatus("loan in status %s cannot be restructured", loan.Status)
	}
	return restructure.Compute(loan, emis, req)
}

// RestructureLoan replaces the loan's unpaid installments with a schedule at the new terms.
func (l *Ledger) RestructureLoan(id uuid.UUID, req restructure.Request) (*restructure.Result, error) {
	var result *restructure.Result
	_, err := l.update("ledger.RestructureLoan", id, func(st *loanState) error {
		res, err := restructure.Apply(st.loan, st.emis, req, st.now, l.npaThresholdDays)
		if err != nil {
			return err
		}
		st.emis = res.EMIs
		st.removed = res.RemovedEMIIDs
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
