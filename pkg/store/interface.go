package store

import (
	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/models"
)

// LoanFilter narrows ListLoans. Zero values match everything except soft-deleted loans.
type LoanFilter struct {
	CustomerKey    string
	Status         models.LoanStatus
	IncludeDeleted bool
}

// Storage defines the persistence operations for products, loans and their installments.
type Storage interface {
	CreateProduct(product *models.LoanProduct) error
	GetProduct(id uuid.UUID) (*models.LoanProduct, error)
	ListProducts(activeOnly bool) ([]*models.LoanProduct, error)

	// CreateLoan inserts a new loan application. Installments are added later by SaveLoanState.
	CreateLoan(loan *models.LoanAccount) error
	GetLoan(id uuid.UUID) (*models.LoanAccount, error)
	ListLoans(filter LoanFilter) ([]*models.LoanAccount, error)
	GetEMIs(loanID uuid.UUID) ([]*models.EMI, error)

	// SaveLoanState atomically writes the loan row, upserts emis with their new payments and
	// restructure entries, and deletes removedEMIIDs. It fails with loanerr.ErrConflict if the
	// stored version no longer matches loan.Version, and bumps loan.Version on success.
	SaveLoanState(loan *models.LoanAccount, emis []*models.EMI, removedEMIIDs []uuid.UUID) error

	Close() error
}
