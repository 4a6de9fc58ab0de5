package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and applies pending schema migrations.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	dsn := dataSourceName
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite serializes writers; a single connection keeps transactions from tripping over each other.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// migrate applies the embedded migrations. The migrate instance is not closed because that would
// close the shared *sql.DB.
func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid stored id %q: %w", s, err)
	}
	return id, nil
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- products ---

const productColumns = `id, code, name, interest_rate, interest_type, min_tenure, max_tenure, min_amount, max_amount,
	processing_fee, late_penalty, prepayment_penalty_rate, eligibility, is_active, created_at, updated_at`

// CreateProduct inserts a new loan product.
func (s *SQLiteStore) CreateProduct(p *models.LoanProduct) error {
	fee, err := toJSON(p.ProcessingFee)
	if err != nil {
		return fmt.Errorf("failed to encode processing fee: %w", err)
	}
	penalty, err := toJSON(p.LatePenalty)
	if err != nil {
		return fmt.Errorf("failed to encode late penalty: %w", err)
	}
	eligibility, err := toJSON(p.Eligibility)
	if err != nil {
		return fmt.Errorf("failed to encode eligibility: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Code, p.Name, p.InterestRate, p.InterestType, p.MinTenure, p.MaxTenure, p.MinAmount, p.MaxAmount,
		fee, penalty, p.PrepaymentPenaltyRate, eligibility, p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return loanerr.New(loanerr.CodeConflict, "product code %q already exists", p.Code)
		}
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func scanProduct(row scanner) (*models.LoanProduct, error) {
	var p models.LoanProduct
	var id, fee, penalty, eligibility string
	if err := row.Scan(&id, &p.Code, &p.Name, &p.InterestRate, &p.InterestType, &p.MinTenure, &p.MaxTenure, &p.MinAmount, &p.MaxAmount,
		&fee, &penalty, &p.PrepaymentPenaltyRate, &eligibility, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fee), &p.ProcessingFee); err != nil {
		return nil, fmt.Errorf("failed to decode processing fee: %w", err)
	}
	if err := json.Unmarshal([]byte(penalty), &p.LatePenalty); err != nil {
		return nil, fmt.Errorf("failed to decode late penalty: %w", err)
	}
	if err := json.Unmarshal([]byte(eligibility), &p.Eligibility); err != nil {
		return nil, fmt.Errorf("failed to decode eligibility: %w", err)
	}
	return &p, nil
}

// GetProduct retrieves a product by its ID.
func (s *SQLiteStore) GetProduct(id uuid.UUID) (*models.LoanProduct, error) {
	row := s.db.QueryRow(`SELECT `+productColumns+` FROM products WHERE id = ?`, id.String())
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loanerr.NotFound("product %s not found", id)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts retrieves all products ordered by name.
func (s *SQLiteStore) ListProducts(activeOnly bool) ([]*models.LoanProduct, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	rows, err := s.db.Query(query + ` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*models.LoanProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return products, nil
}

// --- loans ---

const loanColumns = `id, loan_number, customer_key, product_id, principal, interest_rate, interest_type, tenure,
	emi_amount, total_emis, terms, processing_fee, disbursed_amount,
	start_date, first_emi_date, end_date, approved_at, disbursed_at, closed_at,
	total_interest, total_payable, total_paid, total_penalty,
	outstanding_principal, outstanding_interest, outstanding_amount,
	paid_emis, overdue_emis, next_due_date, next_due_amount, next_due_sequence,
	status, status_reason, closure_type, risk_score, risk_category,
	version, created_at, updated_at, deleted_at`

func loanArgs(l *models.LoanAccount) ([]any, error) {
	terms, err := toJSON(l.Terms)
	if err != nil {
		return nil, fmt.Errorf("failed to encode loan terms: %w", err)
	}
	return []any{
		l.LoanNumber, l.CustomerKey, l.ProductID.String(), l.Principal, l.InterestRate, l.InterestType, l.Tenure,
		l.EMIAmount, l.TotalEMIs, terms, l.ProcessingFee, l.DisbursedAmount,
		l.StartDate, l.FirstEMIDate, l.EndDate, l.ApprovedAt, l.DisbursedAt, l.ClosedAt,
		l.TotalInterest, l.TotalPayable, l.TotalPaid, l.TotalPenalty,
		l.OutstandingPrincipal, l.OutstandingInterest, l.OutstandingAmount,
		l.PaidEMIs, l.OverdueEMIs, l.NextDueDate, l.NextDueAmount, l.NextDueSequence,
		l.Status, l.StatusReason, l.ClosureType, l.RiskScore, l.RiskCategory,
		l.CreatedAt, l.UpdatedAt, l.DeletedAt,
	}, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.LoanAccount) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	args, err := loanArgs(loan)
	if err != nil {
		return err
	}
	// loanArgs omits id and version; they lead and sit before created_at respectively.
	values := append([]any{loan.ID.String()}, args[:len(args)-3]...)
	values = append(values, loan.Version)
	values = append(values, args[len(args)-3:]...)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	_, err = s.db.Exec(`INSERT INTO loans (`+loanColumns+`) VALUES (`+placeholders+`)`, values...)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func scanLoan(row scanner) (*models.LoanAccount, error) {
	var l models.LoanAccount
	var id, productID, terms string
	var start, firstEMI, end, approved, disbursed, closed, nextDue, deleted sql.NullTime
	err := row.Scan(
		&id, &l.LoanNumber, &l.CustomerKey, &productID, &l.Principal, &l.InterestRate, &l.InterestType, &l.Tenure,
		&l.EMIAmount, &l.TotalEMIs, &terms, &l.ProcessingFee, &l.DisbursedAmount,
		&start, &firstEMI, &end, &approved, &disbursed, &closed,
		&l.TotalInterest, &l.TotalPayable, &l.TotalPaid, &l.TotalPenalty,
		&l.OutstandingPrincipal, &l.OutstandingInterest, &l.OutstandingAmount,
		&l.PaidEMIs, &l.OverdueEMIs, &nextDue, &l.NextDueAmount, &l.NextDueSequence,
		&l.Status, &l.StatusReason, &l.ClosureType, &l.RiskScore, &l.RiskCategory,
		&l.Version, &l.CreatedAt, &l.UpdatedAt, &deleted,
	)
	if err != nil {
		return nil, err
	}
	if l.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if l.ProductID, err = parseID(productID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(terms), &l.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode loan terms: %w", err)
	}
	l.StartDate = timeOrNil(start)
	l.FirstEMIDate = timeOrNil(firstEMI)
	l.EndDate = timeOrNil(end)
	l.ApprovedAt = timeOrNil(approved)
	l.DisbursedAt = timeOrNil(disbursed)
	l.ClosedAt = timeOrNil(closed)
	l.NextDueDate = timeOrNil(nextDue)
	l.DeletedAt = timeOrNil(deleted)
	l.RestructureHistory = []models.RestructureEntry{}
	return &l, nil
}

// GetLoan retrieves a loan and its restructure history by ID. Soft-deleted loans are returned too.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.LoanAccount, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loanerr.NotFound("loan %s not found", id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}

	history, err := s.getRestructures(id)
	if err != nil {
		return nil, err
	}
	loan.RestructureHistory = history
	return loan, nil
}

// ListLoans retrieves loans matching filter, newest first.
func (s *SQLiteStore) ListLoans(filter LoanFilter) ([]*models.LoanAccount, error) {
	var where []string
	var args []any
	if filter.CustomerKey != "" {
		where = append(where, "customer_key = ?")
		args = append(args, filter.CustomerKey)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.Query(query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.LoanAccount
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func (s *SQLiteStore) getRestructures(loanID uuid.UUID) ([]models.RestructureEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, restructured_at, old_tenure, new_tenure, old_rate, new_rate, old_emi, new_emi, outstanding_principal, reason
		FROM loan_restructures WHERE loan_id = ? ORDER BY restructured_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get restructure history for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	history := []models.RestructureEntry{}
	for rows.Next() {
		var r models.RestructureEntry
		var id string
		if err := rows.Scan(&id, &r.Date, &r.OldTenure, &r.NewTenure, &r.OldRate, &r.NewRate, &r.OldEMI, &r.NewEMI, &r.OutstandingPrincipal, &r.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan restructure row: %w", err)
		}
		if r.ID, err = parseID(id); err != nil {
			return nil, err
		}
		r.LoanID = loanID
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for restructure history: %w", err)
	}
	return history, nil
}

// --- installments ---

const emiColumns = `id, loan_id, sequence, due_date, amount, principal_component, interest_component,
	opening_balance, closing_balance, status, paid_amount, paid_date, days_late,
	penalty_amount, penalty_waived, penalty_waiver_reason, waiver_amount, waiver_reason, created_at, updated_at`

// GetEMIs retrieves a loan's installments in sequence order, each with its payments.
func (s *SQLiteStore) GetEMIs(loanID uuid.UUID) ([]*models.EMI, error) {
	rows, err := s.db.Query(`SELECT `+emiColumns+` FROM emis WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get emis for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var emis []*models.EMI
	byID := make(map[uuid.UUID]*models.EMI)
	for rows.Next() {
		var e models.EMI
		var id, lid string
		var paidDate sql.NullTime
		if err := rows.Scan(&id, &lid, &e.Sequence, &e.DueDate, &e.Amount, &e.PrincipalComponent, &e.InterestComponent,
			&e.OpeningBalance, &e.ClosingBalance, &e.Status, &e.PaidAmount, &paidDate, &e.DaysLate,
			&e.PenaltyAmount, &e.PenaltyWaived, &e.PenaltyWaiverReason, &e.WaiverAmount, &e.WaiverReason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan emi row: %w", err)
		}
		if e.ID, err = parseID(id); err != nil {
			return nil, err
		}
		e.LoanID = loanID
		e.PaidDate = timeOrNil(paidDate)
		e.Payments = []models.Payment{}
		emis = append(emis, &e)
		byID[e.ID] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for emis: %w", err)
	}
	rows.Close()

	payments, err := s.db.Query(
		`SELECT id, emi_id, amount, paid_at, mode, reference FROM emi_payments WHERE loan_id = ? ORDER BY paid_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer payments.Close()

	for payments.Next() {
		var p models.Payment
		var id, emiID string
		if err := payments.Scan(&id, &emiID, &p.Amount, &p.Date, &p.Mode, &p.Reference); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		if p.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if p.EMIID, err = parseID(emiID); err != nil {
			return nil, err
		}
		p.LoanID = loanID
		if e, ok := byID[p.EMIID]; ok {
			e.Payments = append(e.Payments, p)
		}
	}
	if err := payments.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return emis, nil
}

// SaveLoanState persists a mutated loan aggregate in a single transaction.
func (s *SQLiteStore) SaveLoanState(loan *models.LoanAccount, emis []*models.EMI, removedEMIIDs []uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	args, err := loanArgs(loan)
	if err != nil {
		return err
	}
	args = append(args, loan.ID.String(), loan.Version)
	result, err := tx.Exec(
		`UPDATE loans SET loan_number = ?, customer_key = ?, product_id = ?, principal = ?, interest_rate = ?, interest_type = ?, tenure = ?,
		emi_amount = ?, total_emis = ?, terms = ?, processing_fee = ?, disbursed_amount = ?,
		start_date = ?, first_emi_date = ?, end_date = ?, approved_at = ?, disbursed_at = ?, closed_at = ?,
		total_interest = ?, total_payable = ?, total_paid = ?, total_penalty = ?,
		outstanding_principal = ?, outstanding_interest = ?, outstanding_amount = ?,
		paid_emis = ?, overdue_emis = ?, next_due_date = ?, next_due_amount = ?, next_due_sequence = ?,
		status = ?, status_reason = ?, closure_type = ?, risk_score = ?, risk_category = ?,
		created_at = ?, updated_at = ?, deleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM loans WHERE id = ?`, loan.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check loan existence: %w", err)
		}
		if exists == 0 {
			return loanerr.NotFound("loan %s not found", loan.ID)
		}
		return loanerr.New(loanerr.CodeConflict, "loan %s was modified concurrently (version %d)", loan.LoanNumber, loan.Version)
	}

	for _, id := range removedEMIIDs {
		if _, err := tx.Exec(`DELETE FROM emis WHERE id = ? AND loan_id = ?`, id.String(), loan.ID.String()); err != nil {
			return fmt.Errorf("failed to delete emi %s: %w", id, err)
		}
	}

	for _, e := range emis {
		if err := upsertEMI(tx, e); err != nil {
			return err
		}
	}

	for _, r := range loan.RestructureHistory {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO loan_restructures (id, loan_id, restructured_at, old_tenure, new_tenure, old_rate, new_rate, old_emi, new_emi, outstanding_principal, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), loan.ID.String(), r.Date, r.OldTenure, r.NewTenure, r.OldRate, r.NewRate, r.OldEMI, r.NewEMI, r.OutstandingPrincipal, r.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to record restructure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit loan state: %w", err)
	}
	loan.Version++
	return nil
}

func upsertEMI(tx *sql.Tx, e *models.EMI) error {
	_, err := tx.Exec(
		`INSERT INTO emis (`+emiColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence = excluded.sequence, due_date = excluded.due_date, amount = excluded.amount,
			principal_component = excluded.principal_component, interest_component = excluded.interest_component,
			opening_balance = excluded.opening_balance, closing_balance = excluded.closing_balance,
			status = excluded.status, paid_amount = excluded.paid_amount, paid_date = excluded.paid_date,
			days_late = excluded.days_late, penalty_amount = excluded.penalty_amount, penalty_waived = excluded.penalty_waived,
			penalty_waiver_reason = excluded.penalty_waiver_reason, waiver_amount = excluded.waiver_amount,
			waiver_reason = excluded.waiver_reason, updated_at = excluded.updated_at`,
		e.ID.String(), e.LoanID.String(), e.Sequence, e.DueDate, e.Amount, e.PrincipalComponent, e.InterestComponent,
		e.OpeningBalance, e.ClosingBalance, e.Status, e.PaidAmount, e.PaidDate, e.DaysLate,
		e.PenaltyAmount, e.PenaltyWaived, e.PenaltyWaiverReason, e.WaiverAmount, e.WaiverReason, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save emi %d: %w", e.Sequence, err)
	}

	for _, p := range e.Payments {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO emi_payments (id, emi_id, loan_id, amount, paid_at, mode, reference) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), e.ID.String(), e.LoanID.String(), p.Amount, p.Date, p.Mode, p.Reference,
		)
		if err != nil {
			return fmt.Errorf("failed to record payment on emi %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
