package restructure

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
)

var start = time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(i int) *int {
	return &i
}

func newLoan(t *testing.T, principal string, tenure int) (*models.LoanAccount, []*models.EMI) {
	t.Helper()
	loan := &models.LoanAccount{
		ID:           uuid.New(),
		LoanNumber:   "LN-RS",
		Principal:    d(principal),
		InterestRate: d("12"),
		InterestType: amortization.InterestReducing,
		Tenure:       tenure,
		Status:       models.LoanActive,
	}
	s, err := amortization.GenerateSchedule(loan.Principal, loan.InterestRate, tenure, start, amortization.InterestReducing)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}
	loan.ApplySchedule(s)
	return loan, models.NewEMIs(loan.ID, s.Installments, 0, start)
}

func pay(t *testing.T, e *models.EMI, amount decimal.Decimal, at time.Time) {
	t.Helper()
	if _, err := e.RecordPayment(models.PaymentInput{Amount: amount, Date: at, Mode: models.PaymentModeCash}); err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}
}

func TestCompute_LongerTenureLowersEMI(t *testing.T) {
	loan, emis := newLoan(t, "80000", 10)

	p, err := Compute(loan, emis, Request{NewTenure: intPtr(20)})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !p.Current.OutstandingPrincipal.Equal(d("80000")) {
		t.Errorf("Expected outstanding principal 80000, got %s", p.Current.OutstandingPrincipal)
	}
	if p.Current.PendingEMIs != 10 {
		t.Errorf("Expected 10 pending EMIs, got %d", p.Current.PendingEMIs)
	}
	if !p.Current.EMIAmount.Equal(d("8446.57")) {
		t.Errorf("Expected current EMI 8446.57, got %s", p.Current.EMIAmount)
	}
	if !p.Proposed.EMIAmount.Equal(d("4433.23")) {
		t.Errorf("Expected proposed EMI 4433.23, got %s", p.Proposed.EMIAmount)
	}
	if !p.Proposed.EMIAmount.LessThan(p.Current.EMIAmount) {
		t.Errorf("Expected proposed EMI below current EMI")
	}
	if p.EMIReductionPercent.IsNegative() {
		t.Errorf("Expected non-negative reduction percent, got %s", p.EMIReductionPercent)
	}
	if !p.Proposed.TotalPayable.Equal(d("88664.60")) {
		t.Errorf("Expected total payable 88664.60, got %s", p.Proposed.TotalPayable)
	}
	if !p.Proposed.InterestRate.Equal(d("12")) {
		t.Errorf("Expected rate to stay at 12, got %s", p.Proposed.InterestRate)
	}
}

func TestCompute_IsIdempotent(t *testing.T) {
	loan, emis := newLoan(t, "80000", 10)
	pay(t, emis[0], d("3000"), start)
	before := *emis[0]
	rate := d("10.5")
	req := Request{NewRate: &rate}

	first, err := Compute(loan, emis, req)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	second, err := Compute(loan, emis, req)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical previews, got %+v and %+v", first, second)
	}
	if !reflect.DeepEqual(before, *emis[0]) || len(emis) != 10 || loan.Status != models.LoanActive {
		t.Errorf("Preview must not mutate the loan or its installments")
	}
	if second.Proposed.Tenure != 10 {
		t.Errorf("Expected tenure to default to the pending count 10, got %d", second.Proposed.Tenure)
	}
}

func TestCompute_Errors(t *testing.T) {
	loan, emis := newLoan(t, "12000", 3)
	negative := d("-1")

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"no terms", Request{Reason: "x"}, loanerr.ErrInvalidArgument},
		{"zero tenure", Request{NewTenure: intPtr(0)}, loanerr.ErrInvalidArgument},
		{"negative rate", Request{NewRate: &negative}, loanerr.ErrInvalidArgument},
	}
	for _, c := range cases {
		if _, err := Compute(loan, emis, c.req); !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}

	for _, e := range emis {
		pay(t, e, e.BalanceDue(), start)
	}
	if _, err := Compute(loan, emis, Request{NewTenure: intPtr(6)}); !errors.Is(err, loanerr.ErrNoPendingEMIs) {
		t.Errorf("Expected no pending EMIs, got %v", err)
	}
}

func TestApply_ContinuesOriginalCalendar(t *testing.T) {
	loan, emis := newLoan(t, "12000", 12)
	for _, e := range emis[:3] {
		pay(t, e, e.Amount, e.DueDate)
	}
	pay(t, emis[3], d("500"), emis[3].DueDate.AddDate(0, 0, -5))
	now := time.Date(2025, time.April, 20, 0, 0, 0, 0, time.UTC)

	res, err := Apply(loan, emis, Request{NewTenure: intPtr(12), Reason: "income drop"}, now, 0)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(res.RemovedEMIIDs) != 8 {
		t.Errorf("Expected 8 removed installments, got %d", len(res.RemovedEMIIDs))
	}
	if emis[3].Status != models.EMIPaid || !emis[3].Amount.Equal(d("500")) {
		t.Errorf("Expected the partial installment closed at 500, got %s at %s", emis[3].Status, emis[3].Amount)
	}
	if len(res.NewEMIs) != 12 || res.NewEMIs[0].Sequence != 5 || res.NewEMIs[11].Sequence != 16 {
		t.Fatalf("Expected new sequences 5..16, got %d installments", len(res.NewEMIs))
	}
	if want := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC); !res.NewEMIs[0].DueDate.Equal(want) {
		t.Errorf("Expected first new due date %s, got %s", want, res.NewEMIs[0].DueDate)
	}
	if len(res.EMIs) != 16 || loan.TotalEMIs != 16 || loan.Tenure != 16 {
		t.Errorf("Expected 16 installments on the loan, got %d/%d/%d", len(res.EMIs), loan.TotalEMIs, loan.Tenure)
	}

	principal := decimal.Zero
	for _, e := range res.EMIs {
		principal = principal.Add(e.PrincipalComponent)
	}
	if principal.Sub(loan.Principal).Abs().GreaterThan(d("0.01")) {
		t.Errorf("Expected principal components to sum to %s, got %s", loan.Principal, principal)
	}
	if len(loan.RestructureHistory) != 1 || loan.RestructureHistory[0].Reason != "income drop" {
		t.Errorf("Expected one history entry, got %+v", loan.RestructureHistory)
	}
	if !loan.EMIAmount.Equal(res.Entry.NewEMI) {
		t.Errorf("Expected loan EMI %s, got %s", res.Entry.NewEMI, loan.EMIAmount)
	}
}

func TestApply_ClearsOverdue(t *testing.T) {
	loan, emis := newLoan(t, "12000", 12)
	now := emis[1].DueDate.AddDate(0, 0, 10)
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != models.LoanOverdue {
		t.Fatalf("Expected overdue before restructuring, got %s", loan.Status)
	}

	rate := d("9")
	res, err := Apply(loan, emis, Request{NewRate: &rate, Reason: "hardship", FromNextDue: true}, now, 0)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if loan.Status != models.LoanActive {
		t.Errorf("Expected active after restructuring, got %s", loan.Status)
	}
	if !res.NewEMIs[0].DueDate.Equal(now.AddDate(0, 1, 0)) {
		t.Errorf("Expected new schedule to start from today, got %s", res.NewEMIs[0].DueDate)
	}
	if res.NewEMIs[0].Sequence != 1 {
		t.Errorf("Expected numbering to restart at 1 with nothing paid, got %d", res.NewEMIs[0].Sequence)
	}
	if !loan.InterestRate.Equal(rate) {
		t.Errorf("Expected rate 9, got %s", loan.InterestRate)
	}
}

func TestApply_ClearsOverdueOnLoanCalendar(t *testing.T) {
	loan, emis := newLoan(t, "12000", 12)
	now := emis[1].DueDate.AddDate(0, 0, 10)
	loan.UpdatePaymentStats(emis, now, 0)
	if loan.Status != models.LoanOverdue {
		t.Fatalf("Expected overdue before restructuring, got %s", loan.Status)
	}

	rate := d("9")
	res, err := Apply(loan, emis, Request{NewRate: &rate, Reason: "hardship"}, now, 0)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if loan.Status != models.LoanActive {
		t.Errorf("Expected active after restructuring, got %s", loan.Status)
	}
	if loan.OverdueEMIs != 0 {
		t.Errorf("Expected no overdue installments, got %d", loan.OverdueEMIs)
	}
	want := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)
	if !res.NewEMIs[0].DueDate.Equal(want) {
		t.Errorf("Expected first new due date %s on the loan calendar, got %s", want, res.NewEMIs[0].DueDate)
	}
	for _, e := range res.NewEMIs {
		if e.Status != models.EMIPending {
			t.Errorf("Expected new installment %d pending, got %s", e.Sequence, e.Status)
		}
	}
}

func TestApply_Errors(t *testing.T) {
	loan, emis := newLoan(t, "12000", 12)
	if _, err := Apply(loan, emis, Request{NewTenure: intPtr(6)}, start, 0); !errors.Is(err, loanerr.ErrInvalidArgument) {
		t.Errorf("Expected invalid argument without a reason, got %v", err)
	}

	loan.Status = models.LoanClosed
	if _, err := Apply(loan, emis, Request{NewTenure: intPtr(6), Reason: "x"}, start, 0); !errors.Is(err, loanerr.ErrInvalidStatus) {
		t.Errorf("Expected invalid status for a closed loan, got %v", err)
	}
}
