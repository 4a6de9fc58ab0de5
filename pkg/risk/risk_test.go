package risk

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
)

var start = time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLoan(t *testing.T, principal string, tenure int) (*models.LoanAccount, []*models.EMI) {
	t.Helper()
	disbursed := start
	loan := &models.LoanAccount{
		ID:           uuid.New(),
		LoanNumber:   "LN-RISK",
		Principal:    d(principal),
		InterestRate: d("12"),
		Tenure:       tenure,
		Status:       models.LoanActive,
		DisbursedAt:  &disbursed,
	}
	s, err := amortization.GenerateSchedule(loan.Principal, loan.InterestRate, tenure, start, amortization.InterestReducing)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}
	loan.ApplySchedule(s)
	return loan, models.NewEMIs(loan.ID, s.Installments, 0, start)
}

func payOnTime(t *testing.T, emis []*models.EMI, n int, lateDays int) {
	t.Helper()
	for _, e := range emis[:n] {
		if _, err := e.RecordPayment(models.PaymentInput{Amount: e.Amount, Date: e.DueDate.AddDate(0, 0, lateDays), Mode: models.PaymentModeUPI}); err != nil {
			t.Fatalf("RecordPayment failed: %v", err)
		}
	}
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		score int
		want  Category
	}{
		{100, CategoryLow}, {75, CategoryLow}, {74, CategoryMedium}, {50, CategoryMedium},
		{49, CategoryHigh}, {25, CategoryHigh}, {24, CategoryCritical}, {0, CategoryCritical},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.score); got != tt.want {
			t.Errorf("CategoryFor(%d) = %s, expected %s", tt.score, got, tt.want)
		}
	}
}

func TestLoanRiskScore_GoodBorrower(t *testing.T) {
	loan, emis := newLoan(t, "100000", 24)
	payOnTime(t, emis, 12, 0)
	customer := &models.Customer{Key: "c1", MonthlyIncome: d("100000")}
	now := emis[11].DueDate.AddDate(0, 0, 5)

	s := LoanRiskScore(loan, emis, customer, now)
	if s.Breakdown.PaymentHistory != 100 || s.Breakdown.Outstanding != 100 || s.Breakdown.Consistency != 100 {
		t.Errorf("Expected perfect history, dues and consistency, got %+v", s.Breakdown)
	}
	if s.Breakdown.Utilization != 100 {
		t.Errorf("Expected utilization 100 for a loan under 30%% of annual income, got %d", s.Breakdown.Utilization)
	}
	if s.Category != CategoryLow {
		t.Errorf("Expected Low risk, got %s (%d)", s.Category, s.Score)
	}
}

func TestLoanRiskScore_Delinquent(t *testing.T) {
	loan, emis := newLoan(t, "100000", 12)
	payOnTime(t, emis, 2, 45)
	customer := &models.Customer{MonthlyIncome: d("8000")}
	now := emis[9].DueDate.AddDate(0, 0, 20)

	s := LoanRiskScore(loan, emis, customer, now)
	if s.Breakdown.PaymentHistory != 0 {
		t.Errorf("Expected payment history 0 for only severely late payments, got %d", s.Breakdown.PaymentHistory)
	}
	if s.Breakdown.Outstanding != 0 {
		t.Errorf("Expected outstanding dues clamped to 0, got %d", s.Breakdown.Outstanding)
	}
	if s.Breakdown.Consistency != 30 {
		t.Errorf("Expected consistency floor 30, got %d", s.Breakdown.Consistency)
	}
	if s.Category != CategoryCritical && s.Category != CategoryHigh {
		t.Errorf("Expected High or Critical risk, got %s (%d)", s.Category, s.Score)
	}
}

func TestLoanRiskScore_Bounds(t *testing.T) {
	loan, emis := newLoan(t, "5000000", 6)
	cases := []struct {
		name     string
		loan     *models.LoanAccount
		emis     []*models.EMI
		customer *models.Customer
	}{
		{"no emis", &models.LoanAccount{}, nil, nil},
		{"missing income", loan, emis, &models.Customer{}},
		{"huge principal", loan, emis, &models.Customer{MonthlyIncome: d("1")}},
	}
	for _, c := range cases {
		s := LoanRiskScore(c.loan, c.emis, c.customer, time.Now())
		if s.Score < 0 || s.Score > 100 {
			t.Errorf("%s: score %d out of bounds", c.name, s.Score)
		}
		for _, v := range []int{s.Breakdown.PaymentHistory, s.Breakdown.Outstanding, s.Breakdown.Utilization, s.Breakdown.AccountAge, s.Breakdown.Consistency} {
			if v < 0 || v > 100 {
				t.Errorf("%s: sub-score %d out of bounds", c.name, v)
			}
		}
	}

	s := LoanRiskScore(&models.LoanAccount{}, nil, nil, time.Now())
	if s.Breakdown.PaymentHistory != 50 || s.Breakdown.Utilization != 70 || s.Breakdown.Consistency != 70 {
		t.Errorf("Expected neutral defaults, got %+v", s.Breakdown)
	}
}

func TestWeightedRoundsOnlyTheTotal(t *testing.T) {
	s := subScores{history: 50.49, outstanding: 100, utilization: 100, age: 44, consistency: 70}
	if got := s.weighted(); got != 72 {
		t.Errorf("Expected 72 from the unrounded sub-scores, got %d", got)
	}

	s = subScores{history: 140, outstanding: -20, utilization: 100, age: 100, consistency: 100}
	if got := s.weighted(); got != 75 {
		t.Errorf("Expected out-of-range sub-scores to be clamped before weighting, got %d", got)
	}
}

func TestCustomerCreditScore(t *testing.T) {
	empty := CustomerCreditScore(nil, nil, time.Now())
	if empty.Score != 50 || empty.Category != CategoryMedium {
		t.Errorf("Expected neutral 50 with no loans, got %d", empty.Score)
	}

	good, goodEMIs := newLoan(t, "300000", 24)
	payOnTime(t, goodEMIs, 12, 0)
	bad, badEMIs := newLoan(t, "100000", 12)
	rejected, _ := newLoan(t, "900000", 12)
	rejected.Status = models.LoanRejected
	now := goodEMIs[11].DueDate.AddDate(0, 0, 5)
	customer := &models.Customer{Key: "c1", MonthlyIncome: d("200000")}

	goodScore := LoanRiskScore(good, goodEMIs, customer, now).Score
	badScore := LoanRiskScore(bad, badEMIs, customer, now).Score

	cs := CustomerCreditScore([]LoanWithEMIs{
		{Loan: good, EMIs: goodEMIs},
		{Loan: bad, EMIs: badEMIs},
		{Loan: rejected},
	}, customer, now)

	if cs.LoansScored != 2 {
		t.Errorf("Expected rejected loan to be ignored, got %d loans scored", cs.LoansScored)
	}
	want := clamp((float64(goodScore)*300000 + float64(badScore)*100000) / 400000)
	if cs.Score != want {
		t.Errorf("Expected principal-weighted score %d, got %d", want, cs.Score)
	}
	if cs.Score < 0 || cs.Score > 100 {
		t.Errorf("Customer score %d out of bounds", cs.Score)
	}
	if cs.CustomerKey != "c1" {
		t.Errorf("Expected customer key c1, got %s", cs.CustomerKey)
	}
}
