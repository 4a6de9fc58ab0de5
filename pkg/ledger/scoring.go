package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/mcclellann/loanEngine/pkg/risk"
	"github.com/mcclellann/loanEngine/pkg/store"
	"go.uber.org/zap"
)

// LoanRiskScore scores the loan and stores the score and category on it. customer may be nil.
func (l *Ledger) LoanRiskScore(id uuid.UUID, customer *models.Customer) (*risk.Score, error) {
	var score risk.Score
	_, err := l.update("ledger.LoanRiskScore", id, func(st *loanState) error {
		score = risk.LoanRiskScore(st.loan, st.emis, customer, st.now)
		st.loan.RiskScore = score.Score
		st.loan.RiskCategory = string(score.Category)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// CustomerCreditScore scores all of a customer's loans. Results are cached per profile snapshot
// until one of the customer's loans changes or the cache entry expires.
func (l *Ledger) CustomerCreditScore(ctx context.Context, customer models.Customer) (*risk.CustomerScore, error) {
	if strings.TrimSpace(customer.Key) == "" {
		return nil, loanerr.InvalidArgument("field CustomerKey is required")
	}

	snapshot := customer.Snapshot()
	cached, ok, err := l.scores.GetCustomerScore(ctx, customer.Key, snapshot)
	if err != nil {
		l.log.Warn("score cache read failed",
			zap.String("op", "ledger.CustomerCreditScore"),
			zap.String("customer_key", customer.Key),
			zap.Error(err),
		)
	} else if ok {
		return cached, nil
	}

	loans, err := l.storage.ListLoans(store.LoanFilter{CustomerKey: customer.Key})
	if err != nil {
		return nil, err
	}
	scored := make([]risk.LoanWithEMIs, 0, len(loans))
	for _, loan := range loans {
		emis, err := l.storage.GetEMIs(loan.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load installments of loan %s: %w", loan.ID, err)
		}
		scored = append(scored, risk.LoanWithEMIs{Loan: loan, EMIs: emis})
	}

	score := risk.CustomerCreditScore(scored, &customer, l.now())
	if err := l.scores.SetCustomerScore(ctx, customer.Key, snapshot, &score); err != nil {
		l.log.Warn("score cache write failed",
			zap.String("op", "ledger.CustomerCreditScore"),
			zap.String("customer_key", customer.Key),
			zap.Error(err),
		)
	}
	return &score, nil
}
