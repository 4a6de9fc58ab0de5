package models

import (
	"time"

	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

// BulkPaymentInput is a lump sum to spread over a loan's open installments.
type BulkPaymentInput struct {
	Amount    decimal.Decimal
	Date      time.Time
	Mode      PaymentMode
	Reference string
}

// BulkPaymentResult reports how a lump sum was applied.
type BulkPaymentResult struct {
	PaidEMIs     int             `json:"paid_emis"`
	PartialEMIs  int             `json:"partial_emis"`
	AppliedTotal decimal.Decimal `json:"applied_total"`
	ExcessAmount decimal.Decimal `json:"excess_amount"`
	Payments     []PaymentResult `json:"payments"`
}

// ApplyBulkPayment pays open installments in sequence order until the money runs out. Inputs are
// validated before anything is applied; once applying starts, installments already paid stay paid
// even if a later one fails, and the partial result is returned alongside the error.
func ApplyBulkPayment(emis []*EMI, in BulkPaymentInput) (*BulkPaymentResult, error) {
	probe := PaymentInput{Amount: in.Amount, Date: in.Date, Mode: in.Mode}
	if err := probe.validate(); err != nil {
		return nil, err
	}

	SortEMIs(emis)
	open := make([]*EMI, 0, len(emis))
	for _, e := range emis {
		if e.Status.IsOpen() && e.BalanceDue().IsPositive() {
			open = append(open, e)
		}
	}
	if len(open) == 0 {
		return nil, loanerr.New(loanerr.CodeNoPendingEMIs, "no installments are awaiting payment")
	}

	remaining := amortization.Round2(in.Amount)
	result := &BulkPaymentResult{AppliedTotal: decimal.Zero}
	for _, e := range open {
		if !remaining.IsPositive() {
			break
		}
		pay := decimal.Min(remaining, e.BalanceDue())
		res, err := e.RecordPayment(PaymentInput{
			Amount:    pay,
			Date:      in.Date,
			Mode:      in.Mode,
			Reference: in.Reference,
		})
		if err != nil {
			result.ExcessAmount = remaining
			return result, err
		}
		remaining = remaining.Sub(pay)
		result.AppliedTotal = result.AppliedTotal.Add(pay)
		result.Payments = append(result.Payments, *res)
		if res.Status == EMIPaid {
			result.PaidEMIs++
		} else {
			result.PartialEMIs++
		}
	}
	result.ExcessAmount = remaining
	return result, nil
}
