// Package ledger is the loan service. Every mutating operation runs under a per-loan lock,
// reloads the loan and its installments, applies the change, recomputes the loan rollup and
// writes everything back in one storage transaction.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/cache"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/mcclellann/loanEngine/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger handles the business logic for loan products, loans and installments.
type Ledger struct {
	storage  store.Storage
	scores   cache.ScoreCache
	log      *zap.Logger
	now      func() time.Time
	validate *validator.Validate
	locks    *keyedMutex

	npaThresholdDays int
	maxEMIRatio      decimal.Decimal
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithScoreCache(c cache.ScoreCache) Option {
	return func(l *Ledger) { l.scores = c }
}

// WithNPAThreshold sets how many days the oldest arrears may age before a loan becomes an NPA.
func WithNPAThreshold(days int) Option {
	return func(l *Ledger) {
		if days > 0 {
			l.npaThresholdDays = days
		}
	}
}

// WithMaxEMIToIncomeRatio caps the share of monthly income that all EMIs together may take.
func WithMaxEMIToIncomeRatio(ratio decimal.Decimal) Option {
	return func(l *Ledger) {
		if ratio.IsPositive() {
			l.maxEMIRatio = ratio
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:          s,
		scores:           cache.NopScoreCache{},
		log:              zap.NewNop(),
		now:              time.Now,
		validate:         newValidator(),
		locks:            newKeyedMutex(),
		npaThresholdDays: models.DefaultNPAThresholdDays,
		maxEMIRatio:      amortization.DefaultMaxEMIToIncomeRatio,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// loanState is the working copy of one loan inside update.
type loanState struct {
	loan    *models.LoanAccount
	emis    []*models.EMI
	removed []uuid.UUID
	now     time.Time
	// keepOnError saves the working copy even though the operation returned an error.
	keepOnError bool
}

// load reads a loan and its installments. Soft-deleted loans are reported as not found.
func (l *Ledger) load(id uuid.UUID) (*models.LoanAccount, []*models.EMI, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, nil, err
	}
	if loan.DeletedAt != nil {
		return nil, nil, loanerr.NotFound("loan %s not found", id)
	}
	emis, err := l.storage.GetEMIs(id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load installments of loan %s: %w", id, err)
	}
	return loan, emis, nil
}

// view loads a loan with its due states and rollup materialized as of now. Nothing is written.
func (l *Ledger) view(id uuid.UUID) (*models.LoanAccount, []*models.EMI, time.Time, error) {
	loan, emis, err := l.load(id)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	now := l.now()
	loan.UpdatePaymentStats(emis, now, l.npaThresholdDays)
	return loan, emis, now, nil
}

// update runs fn against a freshly loaded copy of the loan while holding the loan's lock and
// persists the result.
func (l *Ledger) update(op string, id uuid.UUID, fn func(st *loanState) error) (*loanState, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	loan, emis, err := l.load(id)
	if err != nil {
		return nil, err
	}
	st := &loanState{loan: loan, emis: emis, now: l.now()}
	st.loan.UpdatePaymentStats(st.emis, st.now, l.npaThresholdDays)

	opErr := fn(st)
	if opErr != nil && !st.keepOnError {
		return nil, opErr
	}

	st.loan.UpdatePaymentStats(st.emis, st.now, l.npaThresholdDays)
	if err := l.storage.SaveLoanState(st.loan, st.emis, st.removed); err != nil {
		l.log.Error("failed to save loan",
			zap.String("op", op),
			zap.String("loan_id", id.String()),
			zap.Error(err),
		)
		return nil, err
	}
	l.invalidateScore(op, st.loan.CustomerKey)

	l.log.Info("loan updated",
		zap.String("op", op),
		zap.String("loan_id", id.String()),
		zap.String("loan_number", st.loan.LoanNumber),
		zap.String("status", string(st.loan.Status)),
		zap.Int("version", st.loan.Version),
	)
	return st, opErr
}

func (l *Ledger) invalidateScore(op, customerKey string) {
	if customerKey == "" {
		return
	}
	if err := l.scores.Invalidate(context.Background(), customerKey); err != nil {
		l.log.Warn("failed to invalidate cached customer score",
			zap.String("op", op),
			zap.String("customer_key", customerKey),
			zap.Error(err),
		)
	}
}

func findEMI(emis []*models.EMI, id uuid.UUID) (*models.EMI, error) {
	for _, e := range emis {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, loanerr.NotFound("installment %s not found", id)
}

func dateOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// loanNumber is LN, the creation date and the first id block, e.g. LN20250110-3F2A9C1B.
func loanNumber(id uuid.UUID, at time.Time) string {
	return fmt.Sprintf("LN%s-%s", at.Format("20060102"), strings.ToUpper(id.String()[:8]))
}

// GetLoan returns the loan with its status and totals as of now.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.LoanAccount, error) {
	loan, _, _, err := l.view(id)
	return loan, err
}

// GetSchedule returns the loan and its installments in sequence order, as of now.
func (l *Ledger) GetSchedule(id uuid.UUID) (*models.LoanAccount, []*models.EMI, error) {
	loan, emis, _, err := l.view(id)
	return loan, emis, err
}

// ListLoans returns the stored loans matching filter, newest first.
func (l *Ledger) ListLoans(filter store.LoanFilter) ([]*models.LoanAccount, error) {
	return l.storage.ListLoans(filter)
}

// ApproveLoan moves a pending application to approved.
func (l *Ledger) ApproveLoan(id uuid.UUID) (*models.LoanAccount, error) {
	st, err := l.update("ledger.ApproveLoan", id, func(st *loanState) error {
		return st.loan.Approve(st.now)
	})
	if err != nil {
		return nil, err
	}
	return st.loan, nil
}

// RejectLoan closes a pending or approved application.
func (l *Ledger) RejectLoan(id uuid.UUID, reason string) (*models.LoanAccount, error) {
	st, err := l.update("ledger.RejectLoan", id, func(st *loanState) error {
		return st.loan.Reject(reason, st.now)
	})
	if err != nil {
		return nil, err
	}
	return st.loan, nil
}

// CancelLoan withdraws a pending or approved application.
func (l *Ledger) CancelLoan(id uuid.UUID, reason string) (*models.LoanAccount, error) {
	st, err := l.update("ledger.CancelLoan", id, func(st *loanState) error {
		return st.loan.Cancel(reason, st.now)
	})
	if err != nil {
		return nil, err
	}
	return st.loan, nil
}

// MarkDefaulted writes off a servicing loan.
func (l *Ledger) MarkDefaulted(id uuid.UUID, reason string) (*models.LoanAccount, error) {
	st, err := l.update("ledger.MarkDefaulted", id, func(st *loanState) error {
		return st.loan.MarkDefaulted(reason, st.now)
	})
	if err != nil {
		return nil, err
	}
	return st.loan, nil
}

// DeleteLoan soft-deletes a loan that is not being serviced.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	_, err := l.update("ledger.DeleteLoan", id, func(st *loanState) error {
		if st.loan.Status.IsServicing() {
			return loanerr.InvalidStatus("loan %s is %s and cannot be deleted", st.loan.LoanNumber, st.loan.Status)
		}
		st.loan.SoftDelete(st.now)
		return nil
	})
	return err
}
