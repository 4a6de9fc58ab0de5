package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
)

func activeLoanWithSchedule(t *testing.T, start time.Time) (*LoanAccount, []*EMI) {
	t.Helper()
	loan := &LoanAccount{
		ID:           uuid.New(),
		LoanNumber:   "LN-TEST",
		Principal:    d("12000"),
		InterestRate: d("12"),
		InterestType: amortization.InterestReducing,
		Tenure:       12,
		Status:       LoanActive,
	}
	s, err := amortization.GenerateSchedule(loan.Principal, loan.InterestRate, loan.Tenure, start, loan.InterestType)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}
	loan.ApplySchedule(s)
	return loan, NewEMIs(loan.ID, s.Installments, 0, start)
}

func TestLoanAccount_ApproveAndDisburse(t *testing.T) {
	now := time.Now()
	loan := &LoanAccount{Principal: d("100000"), ProcessingFee: d("1000"), Status: LoanPending}

	if err := loan.Disburse(d("99000"), now); !errors.Is(err, loanerr.ErrInvalidStatus) {
		t.Errorf("Expected invalid status disbursing a pending loan, got %v", err)
	}
	if err := loan.Approve(now); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := loan.Approve(now); !errors.Is(err, loanerr.ErrInvalidStatus) {
		t.Errorf("Expected invalid status approving twice, got %v", err)
	}
	if err := loan.Disburse(d("100000"), now); !errors.Is(err, loanerr.ErrAmountMismatch) {
		t.Errorf("Expected amount mismatch, got %v", err)
	}
	if err := loan.Disburse(d("99000.01"), now); err != nil {
		t.Fatalf("Disburse within tolerance failed: %v", err)
	}
	if loan.Status != LoanActive {
		t.Errorf("Expected active, got %s", loan.Status)
	}
	if loan.DisbursedAt == nil {
		t.Error("Expected disbursement date to be set")
	}
}

func TestLoanAccount_RejectAndCancel(t *testing.T) {
	now := time.Now()
	loan := &LoanAccount{Status: LoanPending}
	if err := loan.Reject("", now); !errors.Is(err, loanerr.ErrInvalidArgument) {
		t.Errorf("Expected invalid argument without reason, got %v", err)
	}
	if err := loan.Reject("income not verified", now); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := loan.Cancel("changed mind", now); !errors.Is(err, loanerr.ErrInvalidStatus) {
		t.Errorf("Expected invalid status cancelling a rejected loan, got %v", err)
	}
}

func TestLoanAccount_UpdatePaymentStats(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	loan, emis := activeLoanWithSchedule(t, start)

	now := start.AddDate(0, 0, 5)
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != LoanActive {
		t.Errorf("Expected active, got %s", loan.Status)
	}
	if loan.NextDueSequence != 1 || !loan.NextDueDate.Equal(emis[0].DueDate) {
		t.Errorf("Expected next due EMI 1, got %d", loan.NextDueSequence)
	}
	if !loan.OutstandingPrincipal.Equal(loan.Principal) {
		t.Errorf("Expected outstanding principal %s, got %s", loan.Principal, loan.OutstandingPrincipal)
	}

	// First installment missed by 20 days.
	now = emis[0].DueDate.AddDate(0, 0, 20)
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != LoanOverdue {
		t.Errorf("Expected overdue, got %s", loan.Status)
	}
	if emis[0].Status != EMIOverdue || loan.OverdueEMIs != 1 {
		t.Errorf("Expected EMI 1 overdue and 1 overdue count, got %s and %d", emis[0].Status, loan.OverdueEMIs)
	}

	// Oldest arrears reaches the NPA threshold.
	now = emis[0].DueDate.AddDate(0, 0, 95)
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != LoanNPA {
		t.Errorf("Expected npa, got %s", loan.Status)
	}

	// Clearing all arrears returns the loan to active.
	for _, e := range emis {
		if e.Status == EMIOverdue {
			if _, err := e.RecordPayment(PaymentInput{Amount: e.BalanceDue(), Date: now, Mode: PaymentModeCash}); err != nil {
				t.Fatalf("RecordPayment failed: %v", err)
			}
		}
	}
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != LoanActive {
		t.Errorf("Expected active after clearing arrears, got %s", loan.Status)
	}
	if loan.OverdueEMIs != 0 {
		t.Errorf("Expected 0 overdue EMIs, got %d", loan.OverdueEMIs)
	}

	// Paying everything closes the loan.
	for _, e := range emis {
		if e.Status.IsOpen() {
			if _, err := e.RecordPayment(PaymentInput{Amount: e.BalanceDue(), Date: now, Mode: PaymentModeCash}); err != nil {
				t.Fatalf("RecordPayment failed: %v", err)
			}
		}
	}
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != LoanClosed || loan.ClosureType != ClosureRegular || loan.ClosedAt == nil {
		t.Errorf("Expected closed/regular, got %s/%s", loan.Status, loan.ClosureType)
	}
	if loan.PaidEMIs != loan.TotalEMIs {
		t.Errorf("Expected paid EMIs %d, got %d", loan.TotalEMIs, loan.PaidEMIs)
	}
	if !loan.OutstandingAmount.IsZero() || loan.NextDueDate != nil {
		t.Errorf("Expected nothing outstanding, got %s", loan.OutstandingAmount)
	}
}

func TestLoanAccount_CustomNPAThreshold(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	loan, emis := activeLoanWithSchedule(t, start)

	loan.UpdatePaymentStats(emis, emis[0].DueDate.AddDate(0, 0, 40), 30)
	if loan.Status != LoanNPA {
		t.Errorf("Expected npa with a 30 day threshold, got %s", loan.Status)
	}
}

func TestLoanAccount_PendingLoanStatusUntouched(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	loan, emis := activeLoanWithSchedule(t, start)
	loan.Status = LoanApproved

	loan.UpdatePaymentStats(emis, start.AddDate(1, 0, 0), 0)
	if loan.Status != LoanApproved {
		t.Errorf("Rollup must not change an approved loan's status, got %s", loan.Status)
	}
}

func TestLoanAccount_Foreclosure(t *testing.T) {
	now := time.Now()
	for _, s := range []LoanStatus{LoanActive, LoanOverdue, LoanDisbursed} {
		loan := &LoanAccount{Status: s}
		if !loan.CanForeclose() {
			t.Errorf("Expected %s to be foreclosable", s)
		}
	}
	for _, s := range []LoanStatus{LoanPending, LoanApproved, LoanNPA, LoanClosed} {
		loan := &LoanAccount{Status: s}
		if err := loan.MarkForeclosed(now); !errors.Is(err, loanerr.ErrInvalidStatus) {
			t.Errorf("Expected invalid status foreclosing a %s loan, got %v", s, err)
		}
	}

	loan := &LoanAccount{Status: LoanOverdue}
	if err := loan.MarkForeclosed(now); err != nil {
		t.Fatalf("MarkForeclosed failed: %v", err)
	}
	if loan.ClosureType != ClosureForeclosure {
		t.Errorf("Expected foreclosure closure type, got %s", loan.ClosureType)
	}
}

func TestApplyBulkPayment(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	_, emis := activeLoanWithSchedule(t, start)
	emi := emis[0].Amount

	amount := emi.Mul(d("2")).Add(d("100"))
	res, err := ApplyBulkPayment(emis, BulkPaymentInput{Amount: amount, Date: start, Mode: PaymentModeBankTransfer, Reference: "NEFT-1"})
	if err != nil {
		t.Fatalf("ApplyBulkPayment failed: %v", err)
	}
	if res.PaidEMIs != 2 || res.PartialEMIs != 1 {
		t.Errorf("Expected 2 paid and 1 partial, got %d and %d", res.PaidEMIs, res.PartialEMIs)
	}
	if !res.ExcessAmount.IsZero() {
		t.Errorf("Expected no excess, got %s", res.ExcessAmount)
	}
	if emis[2].Status != EMIPartial || !emis[2].PaidAmount.Equal(d("100")) {
		t.Errorf("Expected EMI 3 partial with 100 paid, got %s with %s", emis[2].Status, emis[2].PaidAmount)
	}

	if _, err := ApplyBulkPayment(emis, BulkPaymentInput{Amount: d("-1"), Date: start, Mode: PaymentModeCash}); !errors.Is(err, loanerr.ErrInvalidArgument) {
		t.Errorf("Expected invalid argument, got %v", err)
	}
}

func TestApplyBulkPayment_Excess(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	loan, emis := activeLoanWithSchedule(t, start)

	res, err := ApplyBulkPayment(emis, BulkPaymentInput{Amount: loan.TotalPayable.Add(d("50")), Date: start, Mode: PaymentModeCash})
	if err != nil {
		t.Fatalf("ApplyBulkPayment failed: %v", err)
	}
	if res.PaidEMIs != len(emis) {
		t.Errorf("Expected all %d EMIs paid, got %d", len(emis), res.PaidEMIs)
	}
	if !res.ExcessAmount.Equal(d("50")) {
		t.Errorf("Expected excess 50, got %s", res.ExcessAmount)
	}

	if _, err := ApplyBulkPayment(emis, BulkPaymentInput{Amount: d("10"), Date: start, Mode: PaymentModeCash}); !errors.Is(err, loanerr.ErrNoPendingEMIs) {
		t.Errorf("Expected no pending EMIs, got %v", err)
	}
}
