package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanEngine/pkg/amortization"
	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestWriteSchedule(t *testing.T) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	loan := &models.LoanAccount{
		ID:           uuid.New(),
		LoanNumber:   "LN-XLSX",
		CustomerKey:  "cust_report",
		Principal:    decimal.NewFromInt(100000),
		InterestRate: decimal.NewFromInt(12),
		InterestType: amortization.InterestReducing,
		Tenure:       12,
		Status:       models.LoanActive,
	}
	s, err := amortization.GenerateSchedule(loan.Principal, loan.InterestRate, loan.Tenure, start, loan.InterestType)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}
	loan.ApplySchedule(s)
	emis := models.NewEMIs(loan.ID, s.Installments, 0, start)
	loan.UpdatePaymentStats(emis, start, 0)

	var buf bytes.Buffer
	if err := WriteSchedule(&buf, loan, emis); err != nil {
		t.Fatalf("WriteSchedule failed: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("Failed to read workbook back: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(ScheduleSheet)
	if err != nil {
		t.Fatalf("Failed to read schedule sheet: %v", err)
	}
	if len(rows) != 13 {
		t.Fatalf("Expected header plus 12 rows, got %d", len(rows))
	}
	if rows[0][0] != "#" || rows[1][1] != "2025-04-01" {
		t.Errorf("Unexpected first rows: %v / %v", rows[0], rows[1])
	}
	if len(rows[0]) != len(scheduleHeaders) {
		t.Fatalf("Expected %d header cells, got %d", len(scheduleHeaders), len(rows[0]))
	}
	for i, h := range scheduleHeaders {
		if rows[0][i] != h {
			t.Errorf("Expected header %q in column %d, got %q", h, i+1, rows[0][i])
		}
	}
	if emi, _ := f.GetCellValue(ScheduleSheet, "C2"); emi != "8884.88" {
		t.Errorf("Expected EMI 8884.88 in C2, got %s", emi)
	}
	if status, _ := f.GetCellValue(ScheduleSheet, "H2"); status != "pending" {
		t.Errorf("Expected status pending, got %s", status)
	}

	if number, _ := f.GetCellValue(SummarySheet, "B1"); number != "LN-XLSX" {
		t.Errorf("Expected loan number on summary sheet, got %s", number)
	}
	if idx, _ := f.GetSheetIndex("Sheet1"); idx != -1 {
		t.Errorf("Expected the default sheet to be removed")
	}
}
