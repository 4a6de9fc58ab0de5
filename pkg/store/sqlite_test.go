package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test_store.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLoan(customer string) *models.LoanAccount {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.LoanAccount{
		ID:           uuid.New(),
		LoanNumber:   "LN-" + uuid.NewString()[:8],
		CustomerKey:  customer,
		ProductID:    uuid.New(),
		Principal:    decimal.NewFromInt(12000),
		InterestRate: decimal.NewFromInt(12),
		InterestType: amortization.InterestReducing,
		Tenure:       12,
		Terms: models.LoanTerms{
			LatePenalty: amortization.PenaltyRule{Type: amortization.PenaltyPercentage, Rate: decimal.NewFromInt(2)},
		},
		ProcessingFee: decimal.NewFromInt(120),
		Status:        models.LoanApproved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func disburse(t *testing.T, loan *models.LoanAccount) []*models.EMI {
	t.Helper()
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	s, err := amortization.GenerateSchedule(loan.Principal, loan.InterestRate, loan.Tenure, start, loan.InterestType)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}
	loan.Status = models.LoanActive
	loan.ApplySchedule(s)
	emis := models.NewEMIs(loan.ID, s.Installments, 0, start)
	loan.UpdatePaymentStats(emis, start, 0)
	return emis
}

func TestSQLiteStore_CreateAndGetProduct(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	product := &models.LoanProduct{
		ID:           uuid.New(),
		Code:         "PL-01",
		Name:         "Personal Loan",
		InterestRate: decimal.RequireFromString("11.5"),
		InterestType: amortization.InterestReducing,
		MinTenure:    6,
		MaxTenure:    48,
		MinAmount:    decimal.NewFromInt(10000),
		MaxAmount:    decimal.NewFromInt(500000),
		ProcessingFee: amortization.FeeRule{
			Type:    amortization.FeeFormula,
			Formula: "principal * 0.01",
		},
		PrepaymentPenaltyRate: decimal.NewFromInt(2),
		Eligibility: models.EligibilityCriteria{
			MinAge:          21,
			EmploymentTypes: []string{"salaried"},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.CreateProduct(product); err != nil {
		t.Fatalf("Failed to create product: %v", err)
	}

	fetched, err := s.GetProduct(product.ID)
	if err != nil {
		t.Fatalf("Failed to get product: %v", err)
	}
	if !fetched.InterestRate.Equal(product.InterestRate) {
		t.Errorf("Expected InterestRate %s, got %s", product.InterestRate, fetched.InterestRate)
	}
	if fetched.ProcessingFee.Formula != "principal * 0.01" {
		t.Errorf("Expected formula to round-trip, got %q", fetched.ProcessingFee.Formula)
	}
	if len(fetched.Eligibility.EmploymentTypes) != 1 || fetched.Eligibility.MinAge != 21 {
		t.Errorf("Expected eligibility to round-trip, got %+v", fetched.Eligibility)
	}
	if !fetched.IsActive {
		t.Errorf("Expected product to be active")
	}

	dup := *product
	dup.ID = uuid.New()
	if err := s.CreateProduct(&dup); !errors.Is(err, loanerr.ErrConflict) {
		t.Errorf("Expected conflict for duplicate code, got %v", err)
	}

	products, err := s.ListProducts(true)
	if err != nil {
		t.Fatalf("Failed to list products: %v", err)
	}
	if len(products) != 1 {
		t.Errorf("Expected 1 product, got %d", len(products))
	}

	if _, err := s.GetProduct(uuid.New()); !errors.Is(err, loanerr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSQLiteStore_CreateAndGetLoan(t *testing.T) {
	s := newTestStore(t)
	loan := testLoan("cust_test")

	if err := s.CreateLoan(loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	fetched, err := s.GetLoan(loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.CustomerKey != loan.CustomerKey {
		t.Errorf("Expected CustomerKey %s, got %s", loan.CustomerKey, fetched.CustomerKey)
	}
	if !fetched.Principal.Equal(loan.Principal) {
		t.Errorf("Expected Principal %s, got %s", loan.Principal, fetched.Principal)
	}
	if fetched.Status != models.LoanApproved || fetched.Version != 1 {
		t.Errorf("Expected approved at version 1, got %s at %d", fetched.Status, fetched.Version)
	}
	if fetched.Terms.LatePenalty.Type != amortization.PenaltyPercentage {
		t.Errorf("Expected copied terms to round-trip, got %+v", fetched.Terms)
	}
	if fetched.StartDate != nil {
		t.Errorf("Expected no start date before disbursement")
	}

	if _, err := s.GetLoan(uuid.New()); !errors.Is(err, loanerr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSQLiteStore_SaveLoanState(t *testing.T) {
	s := newTestStore(t)
	loan := testLoan("cust_state")
	if err := s.CreateLoan(loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	emis := disburse(t, loan)
	if err := s.SaveLoanState(loan, emis, nil); err != nil {
		t.Fatalf("Failed to save loan state: %v", err)
	}
	if loan.Version != 2 {
		t.Errorf("Expected version 2 after save, got %d", loan.Version)
	}

	pay := emis[0].Amount
	if _, err := emis[0].RecordPayment(models.PaymentInput{Amount: pay, Date: emis[0].DueDate, Mode: models.PaymentModeUPI, Reference: "UTR-1"}); err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}
	loan.UpdatePaymentStats(emis, emis[0].DueDate, 0)
	if err := s.SaveLoanState(loan, emis, nil); err != nil {
		t.Fatalf("Failed to save payment: %v", err)
	}

	stored, err := s.GetEMIs(loan.ID)
	if err != nil {
		t.Fatalf("Failed to get emis: %v", err)
	}
	if len(stored) != 12 {
		t.Fatalf("Expected 12 emis, got %d", len(stored))
	}
	if stored[0].Status != models.EMIPaid || len(stored[0].Payments) != 1 {
		t.Errorf("Expected first emi paid with one payment, got %s with %d", stored[0].Status, len(stored[0].Payments))
	}
	if stored[0].Payments[0].Reference != "UTR-1" || !stored[0].Payments[0].Amount.Equal(pay) {
		t.Errorf("Expected payment UTR-1 of %s, got %+v", pay, stored[0].Payments[0])
	}
	if stored[0].PaidDate == nil {
		t.Errorf("Expected paid date to be stored")
	}

	fetched, err := s.GetLoan(loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.PaidEMIs != 1 || !fetched.TotalPaid.Equal(pay) {
		t.Errorf("Expected 1 paid EMI totalling %s, got %d and %s", pay, fetched.PaidEMIs, fetched.TotalPaid)
	}
	if fetched.NextDueSequence != 2 {
		t.Errorf("Expected next due sequence 2, got %d", fetched.NextDueSequence)
	}

	// Saving again should not duplicate payments.
	if err := s.SaveLoanState(loan, emis, nil); err != nil {
		t.Fatalf("Failed to resave: %v", err)
	}
	stored, _ = s.GetEMIs(loan.ID)
	if len(stored[0].Payments) != 1 {
		t.Errorf("Expected payments to be written once, got %d", len(stored[0].Payments))
	}
}

func TestSQLiteStore_SaveLoanStateVersionConflict(t *testing.T) {
	s := newTestStore(t)
	loan := testLoan("cust_conflict")
	if err := s.CreateLoan(loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	stale := *loan
	loan.StatusReason = "first writer"
	if err := s.SaveLoanState(loan, nil, nil); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	stale.StatusReason = "second writer"
	if err := s.SaveLoanState(&stale, nil, nil); !errors.Is(err, loanerr.ErrConflict) {
		t.Errorf("Expected conflict for stale version, got %v", err)
	}

	fetched, _ := s.GetLoan(loan.ID)
	if fetched.StatusReason != "first writer" {
		t.Errorf("Expected first write to win, got %q", fetched.StatusReason)
	}

	ghost := testLoan("nobody")
	if err := s.SaveLoanState(ghost, nil, nil); !errors.Is(err, loanerr.ErrNotFound) {
		t.Errorf("Expected not found for unknown loan, got %v", err)
	}
}

func TestSQLiteStore_RemoveEMIsAndHistory(t *testing.T) {
	s := newTestStore(t)
	loan := testLoan("cust_restructure")
	if err := s.CreateLoan(loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	emis := disburse(t, loan)
	if err := s.SaveLoanState(loan, emis, nil); err != nil {
		t.Fatalf("Failed to save loan state: %v", err)
	}

	// Replace the last six installments with a fresh schedule reusing their sequence numbers.
	var removed []uuid.UUID
	for _, e := range emis[6:] {
		removed = append(removed, e.ID)
	}
	fresh := models.NewEMIs(loan.ID, []amortization.Installment{{
		Sequence:           1,
		DueDate:            emis[6].DueDate,
		Amount:             decimal.NewFromInt(6000),
		PrincipalComponent: decimal.NewFromInt(5900),
		InterestComponent:  decimal.NewFromInt(100),
		OpeningBalance:     decimal.NewFromInt(5900),
		ClosingBalance:     decimal.Zero,
	}}, 6, time.Now())
	kept := append(emis[:6:6], fresh...)
	loan.RestructureHistory = append(loan.RestructureHistory, models.RestructureEntry{
		ID:                   uuid.New(),
		LoanID:               loan.ID,
		Date:                 time.Now().UTC(),
		OldTenure:            12,
		NewTenure:            7,
		OldRate:              decimal.NewFromInt(12),
		NewRate:              decimal.NewFromInt(12),
		OldEMI:               loan.EMIAmount,
		NewEMI:               decimal.NewFromInt(6000),
		OutstandingPrincipal: decimal.NewFromInt(5900),
		Reason:               "test",
	})

	if err := s.SaveLoanState(loan, kept, removed); err != nil {
		t.Fatalf("Failed to save restructured state: %v", err)
	}

	stored, err := s.GetEMIs(loan.ID)
	if err != nil {
		t.Fatalf("Failed to get emis: %v", err)
	}
	if len(stored) != 7 {
		t.Errorf("Expected 7 emis after restructuring, got %d", len(stored))
	}
	if stored[6].Sequence != 7 || !stored[6].Amount.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("Expected new emi 7 of 6000, got %d of %s", stored[6].Sequence, stored[6].Amount)
	}

	fetched, _ := s.GetLoan(loan.ID)
	if len(fetched.RestructureHistory) != 1 || fetched.RestructureHistory[0].Reason != "test" {
		t.Errorf("Expected one restructure entry, got %+v", fetched.RestructureHistory)
	}
}

func TestSQLiteStore_ListLoans(t *testing.T) {
	s := newTestStore(t)
	a := testLoan("alice")
	b := testLoan("alice")
	c := testLoan("bob")
	for _, l := range []*models.LoanAccount{a, b, c} {
		if err := s.CreateLoan(l); err != nil {
			t.Fatalf("Failed to create loan: %v", err)
		}
	}

	b.SoftDelete(time.Now().UTC())
	if err := s.SaveLoanState(b, nil, nil); err != nil {
		t.Fatalf("Failed to soft delete: %v", err)
	}

	loans, err := s.ListLoans(LoanFilter{CustomerKey: "alice"})
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(loans) != 1 || loans[0].ID != a.ID {
		t.Errorf("Expected only alice's live loan, got %d loans", len(loans))
	}

	all, _ := s.ListLoans(LoanFilter{IncludeDeleted: true})
	if len(all) != 3 {
		t.Errorf("Expected 3 loans including deleted, got %d", len(all))
	}

	approved, _ := s.ListLoans(LoanFilter{Status: models.LoanApproved})
	if len(approved) != 2 {
		t.Errorf("Expected 2 approved live loans, got %d", len(approved))
	}
}
