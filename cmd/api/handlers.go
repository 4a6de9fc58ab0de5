package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanEngine/pkg/ledger"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/mcclellann/loanEngine/pkg/report"
	"github.com/mcclellann/loanEngine/pkg/restructure"
	"github.com/mcclellann/loanEngine/pkg/store"
	"go.uber.org/zap"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
	log     *zap.Logger
}

func NewServer(s store.Storage, log *zap.Logger, opts ...ledger.Option) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, append([]ledger.Option{ledger.WithLogger(log)}, opts...)...),
		storage: s,
		log:     log,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/products", s.listProductsHandler).Methods("GET")
	router.HandleFunc("/products", s.createProductHandler).Methods("POST")
	router.HandleFunc("/products/{id}", s.getProductHandler).Methods("GET")

	router.HandleFunc("/eligibility", s.eligibilityHandler).Methods("POST")
	router.HandleFunc("/schedules/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/customers/{key}/credit-score", s.customerScoreHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/approve", s.approveLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/cancel", s.cancelLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/disburse", s.disburseLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.markDefaultedHandler).Methods("POST")

	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule.xlsx", s.scheduleExportHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/emis/{emiId}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/emis/{emiId}/penalty-waiver", s.waivePenaltyHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/emis/{emiId}/waive", s.waiveEMIHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments/bulk", s.bulkPaymentHandler).Methods("POST")

	router.HandleFunc("/loans/{id}/restructure/preview", s.previewRestructureHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/restructure", s.restructureHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/foreclosure", s.foreclosureQuoteHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/foreclose", s.forecloseHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/risk-score", s.loanRiskScoreHandler).Methods("POST")

	return router
}

type errorResponse struct {
	Code  loanerr.Code `json:"code"`
	Error string       `json:"error"`
}

func statusFor(code loanerr.Code) int {
	switch code {
	case loanerr.CodeInvalidArgument:
		return http.StatusBadRequest
	case loanerr.CodeNotFound:
		return http.StatusNotFound
	case loanerr.CodeConflict, loanerr.CodeAlreadyPaid, loanerr.CodeInvalidStatus:
		return http.StatusConflict
	case loanerr.CodeAmountMismatch, loanerr.CodeNotEligible, loanerr.CodeNoPenalty,
		loanerr.CodeWaiverExceedsPenalty, loanerr.CodeNoPendingEMIs:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := loanerr.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("op", "api."+r.Method+" "+r.URL.Path),
			zap.Error(err),
		)
		code = "internal"
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: loanerr.CodeInvalidArgument, Error: fmt.Sprintf(format, args...)})
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)[name])
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) createProductHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.ProductRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	p, err := s.ledger.CreateProduct(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProductHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid product ID")
		return
	}
	p, err := s.ledger.GetProduct(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	products, err := s.ledger.ListProducts(activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) eligibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.EligibilityRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.ledger.CheckEligibility(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.ScheduleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	schedule, err := s.ledger.PreviewSchedule(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) customerScoreHandler(w http.ResponseWriter, r *http.Request) {
	var customer models.Customer
	if err := decode(r, &customer); err != nil {
		badRequest(w, "%v", err)
		return
	}
	customer.Key = mux.Vars(r)["key"]
	score, err := s.ledger.CustomerCreditScore(r.Context(), customer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.LoanApplication
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	loan, err := s.ledger.CreateLoan(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	loan, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loans, err := s.ledger.ListLoans(store.LoanFilter{
		CustomerKey: q.Get("customer_key"),
		Status:      models.LoanStatus(q.Get("status")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	if err := s.ledger.DeleteLoan(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loanAction handles the status changes that take at most a reason.
func (s *Server) loanAction(w http.ResponseWriter, r *http.Request, action func(id uuid.UUID, reason string) (*models.LoanAccount, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	loan, err := action(id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, func(id uuid.UUID, _ string) (*models.LoanAccount, error) {
		return s.ledger.ApproveLoan(id)
	})
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.ledger.RejectLoan)
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.ledger.CancelLoan)
}

func (s *Server) markDefaultedHandler(w http.ResponseWriter, r *http.Request) {
	s.loanAction(w, r, s.ledger.MarkDefaulted)
}

func (s *Server) disburseLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req ledger.DisbursementRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	loan, emis, err := s.ledger.DisburseLoan(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Loan: loan, EMIs: emis})
}

type scheduleResponse struct {
	Loan *models.LoanAccount `json:"loan"`
	EMIs []*models.EMI       `json:"emis"`
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	loan, emis, err := s.ledger.GetSchedule(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Loan: loan, EMIs: emis})
}

func (s *Server) scheduleExportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	loan, emis, err := s.ledger.GetSchedule(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", loan.LoanNumber+"-schedule.xlsx"))
	if err := report.WriteSchedule(w, loan, emis); err != nil {
		s.log.Error("failed to write schedule workbook",
			zap.String("op", "api.scheduleExport"),
			zap.String("loan_id", id.String()),
			zap.Error(err),
		)
	}
}

func loanAndEMI(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	loanID, err := pathID(r, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid loan ID")
	}
	emiID, err := pathID(r, "emiId")
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid installment ID")
	}
	return loanID, emiID, nil
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, emiID, err := loanAndEMI(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	var req ledger.PaymentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.ledger.RecordEMIPayment(loanID, emiID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) waivePenaltyHandler(w http.ResponseWriter, r *http.Request) {
	loanID, emiID, err := loanAndEMI(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	var req ledger.WaiverRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	emi, err := s.ledger.WaivePenalty(loanID, emiID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emi)
}

func (s *Server) waiveEMIHandler(w http.ResponseWriter, r *http.Request) {
	loanID, emiID, err := loanAndEMI(r)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	emi, err := s.ledger.WaiveEMI(loanID, emiID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emi)
}

func (s *Server) bulkPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req ledger.BulkPaymentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.ledger.ApplyBulkPayment(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) previewRestructureHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req restructure.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	preview, err := s.ledger.PreviewRestructure(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) restructureHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req restructure.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.ledger.RestructureLoan(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) foreclosureQuoteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		if asOf, err = time.Parse("2006-01-02", v); err != nil {
			badRequest(w, "as_of must be a YYYY-MM-DD date")
			return
		}
	}
	q, err := s.ledger.ForeclosureQuote(id, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) forecloseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var req ledger.ForeclosureRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	res, err := s.ledger.ForecloseLoan(id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) loanRiskScoreHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, "Invalid loan ID")
		return
	}
	var customer *models.Customer
	if err := decode(r, &customer); err != nil {
		badRequest(w, "%v", err)
		return
	}
	score, err := s.ledger.LoanRiskScore(id, customer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}
