package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMode is how an installment payment was collected.
type PaymentMode string

const (
	PaymentModeCash         PaymentMode = "cash"
	PaymentModeUPI          PaymentMode = "upi"
	PaymentModeBankTransfer PaymentMode = "bank_transfer"
	PaymentModeCheque       PaymentMode = "cheque"
	PaymentModeCard         PaymentMode = "card"
	PaymentModeOnline       PaymentMode = "online"
	PaymentModeAutoDebit    PaymentMode = "auto_debit"
)

// Valid reports whether m is a known payment mode.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentModeCash, PaymentModeUPI, PaymentModeBankTransfer, PaymentModeCheque,
		PaymentModeCard, PaymentModeOnline, PaymentModeAutoDebit:
		return true
	}
	return false
}

// Payment is an append-only record of money applied to an EMI.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	EMIID     uuid.UUID       `json:"emi_id"`
	LoanID    uuid.UUID       `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Mode      PaymentMode     `json:"mode"`
	Reference string          `json:"reference,omitempty"`
}

// RestructureEntry records one restructuring of a loan.
type RestructureEntry struct {
	ID                   uuid.UUID       `json:"id"`
	LoanID               uuid.UUID       `json:"loan_id"`
	Date                 time.Time       `json:"date"`
	OldTenure            int             `json:"old_tenure"`
	NewTenure            int             `json:"new_tenure"`
	OldRate              decimal.Decimal `json:"old_rate"`
	NewRate              decimal.Decimal `json:"new_rate"`
	OldEMI               decimal.Decimal `json:"old_emi"`
	NewEMI               decimal.Decimal `json:"new_emi"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
	Reason               string          `json:"reason"`
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	return decimal.Max(d, decimal.Zero)
}
