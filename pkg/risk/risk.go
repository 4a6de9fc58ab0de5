// Package risk scores loans and customers on a 0-100 scale where higher means safer.
package risk

import (
	"math"
	"time"

	"github.com/mcclellann/loanEngine/pkg/models"
)

// Category buckets a score.
type Category string

const (
	CategoryLow      Category = "Low"
	CategoryMedium   Category = "Medium"
	CategoryHigh     Category = "High"
	CategoryCritical Category = "Critical"
)

// Factor weights, summing to 100.
const (
	WeightPaymentHistory = 40
	WeightOutstanding    = 25
	WeightUtilization    = 15
	WeightAccountAge     = 10
	WeightConsistency    = 10
)

const neutralScore = 50

// CategoryFor maps a score to its risk category.
func CategoryFor(score int) Category {
	switch {
	case score >= 75:
		return CategoryLow
	case score >= 50:
		return CategoryMedium
	case score >= 25:
		return CategoryHigh
	}
	return CategoryCritical
}

// Breakdown holds the clamped sub-scores, rounded for display.
type Breakdown struct {
	PaymentHistory int `json:"payment_history"`
	Outstanding    int `json:"outstanding_dues"`
	Utilization    int `json:"credit_utilization"`
	AccountAge     int `json:"account_age"`
	Consistency    int `json:"payment_consistency"`
}

// Score is a loan risk score.
type Score struct {
	Score     int       `json:"score"`
	Category  Category  `json:"category"`
	Breakdown Breakdown `json:"breakdown"`
}

// bound clamps a sub-score to [0,100]. NaN counts as 0.
func bound(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func clamp(v float64) int {
	return int(math.Round(bound(v)))
}

type subScores struct {
	history, outstanding, utilization, age, consistency float64
}

// weighted rounds only the weighted sum; the sub-scores keep their fractions.
func (s subScores) weighted() int {
	total := (bound(s.history)*WeightPaymentHistory +
		bound(s.outstanding)*WeightOutstanding +
		bound(s.utilization)*WeightUtilization +
		bound(s.age)*WeightAccountAge +
		bound(s.consistency)*WeightConsistency) / 100
	return clamp(total)
}

// LoanRiskScore scores one loan from its installment history. customer may be nil when the
// income is unknown.
func LoanRiskScore(loan *models.LoanAccount, emis []*models.EMI, customer *models.Customer, now time.Time) Score {
	s := subScores{
		history:     paymentHistory(emis),
		outstanding: outstandingDues(loan, emis, now),
		utilization: utilization(loan, customer),
		age:         accountAge(loan, now),
		consistency: consistency(emis),
	}
	b := Breakdown{
		PaymentHistory: clamp(s.history),
		Outstanding:    clamp(s.outstanding),
		Utilization:    clamp(s.utilization),
		AccountAge:     clamp(s.age),
		Consistency:    clamp(s.consistency),
	}
	score := s.weighted()
	return Score{Score: score, Category: CategoryFor(score), Breakdown: b}
}

func paidEMIs(emis []*models.EMI) []*models.EMI {
	var paid []*models.EMI
	for _, e := range emis {
		if e.Status == models.EMIPaid {
			paid = append(paid, e)
		}
	}
	return paid
}

func paymentHistory(emis []*models.EMI) float64 {
	paid := paidEMIs(emis)
	if len(paid) == 0 {
		return neutralScore
	}
	onTime, severe := 0, 0
	for _, e := range paid {
		if e.DaysLate == 0 {
			onTime++
		}
		if e.DaysLate >= 30 {
			severe++
		}
	}
	return float64(onTime)/float64(len(paid))*100 - 5*float64(severe)
}

func outstandingDues(loan *models.LoanAccount, emis []*models.EMI, now time.Time) float64 {
	count := 0
	var overdue float64
	for _, e := range emis {
		if e.Status.IsOpen() && e.IsPastDue(now) {
			count++
			overdue += e.BalanceDue().InexactFloat64()
		}
	}
	score := 100.0
	if count == 0 {
		return score
	}
	principal := loan.Principal.InexactFloat64()
	pct := 0.0
	if principal > 0 {
		pct = overdue / principal * 100
	}
	score -= 2 * pct
	score -= 5 * float64(count)
	if pct > 25 {
		score -= 20
	}
	return score
}

func utilization(loan *models.LoanAccount, customer *models.Customer) float64 {
	if customer == nil || !customer.MonthlyIncome.IsPositive() {
		return 70
	}
	annual := customer.MonthlyIncome.InexactFloat64() * 12
	ratio := loan.Principal.InexactFloat64() / annual * 100
	switch {
	case ratio <= 30:
		return 100
	case ratio <= 50:
		return 100 - (ratio-30)
	case ratio <= 80:
		return 80 - (ratio-50)*1.5
	}
	return 35 - (ratio-80)*0.5
}

func accountAge(loan *models.LoanAccount, now time.Time) float64 {
	opened := loan.CreatedAt
	if loan.DisbursedAt != nil {
		opened = *loan.DisbursedAt
	}
	if opened.IsZero() || now.Before(opened) {
		return 40
	}
	months := now.Sub(opened).Hours() / 24 / 30
	if months <= 12 {
		return 40 + 5*months
	}
	return 100 + 0.5*(months-12)
}

func consistency(emis []*models.EMI) float64 {
	paid := paidEMIs(emis)
	if len(paid) < 2 {
		return 70
	}
	total := 0
	for _, e := range paid {
		total += e.DaysLate
	}
	mean := float64(total) / float64(len(paid))
	switch {
	case mean <= 0:
		return 100
	case mean <= 3:
		return 90
	case mean <= 7:
		return 75
	case mean <= 15:
		return 60
	case mean <= 30:
		return 45
	}
	return 30
}

// LoanWithEMIs pairs a loan with its installments for customer-level scoring.
type LoanWithEMIs struct {
	Loan *models.LoanAccount
	EMIs []*models.EMI
}

// LoanScore is one loan's contribution to a customer score.
type LoanScore struct {
	LoanID     string `json:"loan_id"`
	LoanNumber string `json:"loan_number"`
	Score      int    `json:"score"`
	Principal  string `json:"principal"`
}

// CustomerScore is the principal-weighted score over a customer's loans.
type CustomerScore struct {
	CustomerKey string      `json:"customer_key"`
	Score       int         `json:"score"`
	Category    Category    `json:"category"`
	LoansScored int         `json:"loans_scored"`
	Loans       []LoanScore `json:"loans"`
}

// CustomerCreditScore averages loan scores weighted by principal. Rejected and cancelled
// applications are ignored; a customer with no scored loans gets the neutral 50.
func CustomerCreditScore(loans []LoanWithEMIs, customer *models.Customer, now time.Time) CustomerScore {
	out := CustomerScore{Loans: []LoanScore{}}
	if customer != nil {
		out.CustomerKey = customer.Key
	}

	var weighted, weights float64
	for _, l := range loans {
		if l.Loan == nil || l.Loan.Status == models.LoanRejected || l.Loan.Status == models.LoanCancelled {
			continue
		}
		s := LoanRiskScore(l.Loan, l.EMIs, customer, now)
		w := l.Loan.Principal.InexactFloat64()
		weighted += float64(s.Score) * w
		weights += w
		out.LoansScored++
		out.Loans = append(out.Loans, LoanScore{
			LoanID:     l.Loan.ID.String(),
			LoanNumber: l.Loan.LoanNumber,
			Score:      s.Score,
			Principal:  l.Loan.Principal.String(),
		})
	}

	out.Score = neutralScore
	if weights > 0 {
		out.Score = clamp(weighted / weights)
	}
	out.Category = CategoryFor(out.Score)
	return out
}
