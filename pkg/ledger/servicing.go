package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/mcclellann/loanEngine/pkg/risk"
	"github.com/mcclellann/loanEngine/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// latePenalty returns the penalty the loan's rule charges on e at time at, or nil when it does not
// exceed what is already assessed.
func latePenalty(e *models.EMI, rule amortization.PenaltyRule, at time.Time) (*decimal.Decimal, error) {
	if rule.Type == "" || !e.Status.IsOpen() {
		return nil, nil
	}
	days := e.DaysLateAt(at)
	if days == 0 {
		return nil, nil
	}
	p, err := amortization.CalculateLatePenalty(e.Amount, days, rule)
	if err != nil {
		return nil, err
	}
	if !p.GreaterThan(e.PenaltyAmount) {
		return nil, nil
	}
	return &p, nil
}

// assessLatePenalties brings every open installment's penalty up to date as of at.
func assessLatePenalties(emis []*models.EMI, rule amortization.PenaltyRule, at time.Time) error {
	for _, e := range emis {
		p, err := latePenalty(e, rule, at)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if err := e.AssessPenalty(*p, at); err != nil {
			return err
		}
	}
	return nil
}

func requireServicing(loan *models.LoanAccount) error {
	if !loan.Status.IsServicing() {
		return loanerr.InvalidStatus("loan %s is %s and is not accepting payments", loan.LoanNumber, loan.Status)
	}
	return nil
}

// PaymentRequest pays one installment. Date defaults to now. When PenaltyAmount is nil the late
// penalty is computed from the loan's penalty rule.
type PaymentRequest struct {
	Amount        decimal.Decimal    `json:"amount" validate:"gt=0"`
	Date          time.Time          `json:"date"`
	Mode          models.PaymentMode `json:"mode" validate:"required"`
	Reference     string             `json:"reference"`
	PenaltyAmount *decimal.Decimal   `json:"penalty_amount,omitempty"`
}

// RecordEMIPayment applies a payment to one installment of the loan.
func (l *Ledger) RecordEMIPayment(loanID, emiID uuid.UUID, req PaymentRequest) (*models.PaymentResult, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	var result *models.PaymentResult
	_, err := l.update("ledger.RecordEMIPayment", loanID, func(st *loanState) error {
		if err := requireServicing(st.loan); err != nil {
			return err
		}
		e, err := findEMI(st.emis, emiID)
		if err != nil {
			return err
		}
		at := dateOr(req.Date, st.now)
		penalty := req.PenaltyAmount
		if penalty == nil {
			if penalty, err = latePenalty(e, st.loan.Terms.LatePenalty, at); err != nil {
				return err
			}
		}
		result, err = e.RecordPayment(models.PaymentInput{
			Amount:        req.Amount,
			Date:          at,
			Mode:          req.Mode,
			Reference:     req.Reference,
			PenaltyAmount: penalty,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkPaymentRequest is a lump sum spread over the loan's open installments in sequence order.
type BulkPaymentRequest struct {
	Amount    decimal.Decimal    `json:"amount" validate:"gt=0"`
	Date      time.Time          `json:"date"`
	Mode      models.PaymentMode `json:"mode" validate:"required"`
	Reference string             `json:"reference"`
}

// ApplyBulkPayment pays installments oldest first. Late penalties are brought up to date first so
// the lump sum covers them. If an installment fails midway the ones already paid are kept and the
// partial result is returned with the error.
func (l *Ledger) ApplyBulkPayment(loanID uuid.UUID, req BulkPaymentRequest) (*models.BulkPaymentResult, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	var result *models.BulkPaymentResult
	_, err := l.update("ledger.ApplyBulkPayment", loanID, func(st *loanState) error {
		if err := requireServicing(st.loan); err != nil {
			return err
		}
		at := dateOr(req.Date, st.now)
		if err := assessLatePenalties(st.emis, st.loan.Terms.LatePenalty, at); err != nil {
			return err
		}
		res, err := models.ApplyBulkPayment(st.emis, models.BulkPaymentInput{
			Amount:    req.Amount,
			Date:      at,
			Mode:      req.Mode,
			Reference: req.Reference,
		})
		result = res
		if err != nil && res != nil && len(res.Payments) > 0 {
			st.keepOnError = true
		}
		return err
	})
	return result, err
}

// WaiverRequest forgives part of an installment's penalty.
type WaiverRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	Reason string          `json:"reason" validate:"required"`
}

// WaivePenalty forgives part or all of an installment's outstanding late penalty. The penalty is
// brought up to date before the waiver is checked against it.
func (l *Ledger) WaivePenalty(loanID, emiID uuid.UUID, req WaiverRequest) (*models.EMI, error) {
	if err := l.check(req); err != nil {
		return nil, err
	}
	var waived *models.EMI
	_, err := l.update("ledger.WaivePenalty", loanID, func(st *loanState) error {
		e, err := findEMI(st.emis, emiID)
		if err != nil {
			return err
		}
		if err := assessLatePenalties([]*models.EMI{e}, st.loan.Terms.LatePenalty, st.now); err != nil {
			return err
		}
		waived = e
		return e.WaivePenalty(req.Amount, req.Reason, st.now)
	})
	if err != nil {
		return nil, err
	}
	return waived, nil
}

// WaiveEMI administratively forgives an installment's remaining balance.
func (l *Ledger) WaiveEMI(loanID, emiID uuid.UUID, reason string) (*models.EMI, error) {
	var waived *models.EMI
	_, err := l.update("ledger.WaiveEMI", loanID, func(st *loanState) error {
		if err := requireServicing(st.loan); err != nil {
			return err
		}
		e, err := findEMI(st.emis, emiID)
		if err != nil {
			return err
		}
		waived = e
		return e.Waive(reason, st.now)
	})
	if err != nil {
		return nil, err
	}
	return waived, nil
}

var servicingStatuses = []models.LoanStatus{models.LoanDisbursed, models.LoanActive, models.LoanOverdue, models.LoanNPA}

// RunDailyServicing sweeps every servicing loan: due installments become overdue, late
// penalties are assessed, the loan status is re-derived and the risk score refreshed. A loan
// that fails is logged and skipped. It returns the number of loans updated.
func (l *Ledger) RunDailyServicing(ctx context.Context) (int, error) {
	var loans []*models.LoanAccount
	for _, status := range servicingStatuses {
		batch, err := l.storage.ListLoans(store.LoanFilter{Status: status})
		if err != nil {
			return 0, err
		}
		loans = append(loans, batch...)
	}

	updated := 0
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		_, err := l.update("ledger.RunDailyServicing", loan.ID, func(st *loanState) error {
			if err := assessLatePenalties(st.emis, st.loan.Terms.LatePenalty, st.now); err != nil {
				return err
			}
			st.loan.UpdatePaymentStats(st.emis, st.now, l.npaThresholdDays)
			s := risk.LoanRiskScore(st.loan, st.emis, nil, st.now)
			st.loan.RiskScore = s.Score
			st.loan.RiskCategory = string(s.Category)
			return nil
		})
		if err != nil {
			l.log.Error("daily servicing failed",
				zap.String("op", "ledger.RunDailyServicing"),
				zap.String("loan_id", loan.ID.String()),
				zap.Error(err),
			)
			continue
		}
		updated++
	}

	l.log.Info("daily servicing finished",
		zap.String("op", "ledger.RunDailyServicing"),
		zap.Int("loans", len(loans)),
		zap.Int("updated", updated),
	)
	return updated, nil
}
