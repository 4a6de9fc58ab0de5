// Package report renders loan schedules as spreadsheets.
package report

import (
	"fmt"
	"io"

	"github.com/mcclellann/loanEngine/pkg/models"
	"github.com/xuri/excelize/v2"
)

const (
	ScheduleSheet = "Schedule"
	SummarySheet  = "Summary"
	dateLayout    = "2006-01-02"
)

var scheduleHeaders = []string{
	"#", "Due Date", "EMI", "Principal", "Interest", "Opening Balance", "Closing Balance",
	"Status", "Paid", "Penalty", "Balance Due", "Paid On",
}

// ScheduleWorkbook builds a workbook with the loan's installment table and a summary sheet.
func ScheduleWorkbook(loan *models.LoanAccount, emis []*models.EMI) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(ScheduleSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	for i, header := range scheduleHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to address header %q: %w", header, err)
		}
		if err := f.SetCellValue(ScheduleSheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to write header %q: %w", header, err)
		}
	}

	models.SortEMIs(emis)
	for i, e := range emis {
		row := i + 2
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("A%d", row), e.Sequence)
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("B%d", row), e.DueDate.Format(dateLayout))
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("C%d", row), e.Amount.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("D%d", row), e.PrincipalComponent.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("E%d", row), e.InterestComponent.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("F%d", row), e.OpeningBalance.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("G%d", row), e.ClosingBalance.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("H%d", row), string(e.Status))
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("I%d", row), e.PaidAmount.InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("J%d", row), e.OutstandingPenalty().InexactFloat64())
		f.SetCellValue(ScheduleSheet, fmt.Sprintf("K%d", row), e.BalanceDue().InexactFloat64())
		if e.PaidDate != nil {
			f.SetCellValue(ScheduleSheet, fmt.Sprintf("L%d", row), e.PaidDate.Format(dateLayout))
		}
	}
	if err := f.SetColWidth(ScheduleSheet, "B", "L", 15); err != nil {
		return nil, fmt.Errorf("failed to size columns: %w", err)
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	summary := [][2]any{
		{"Loan Number", loan.LoanNumber},
		{"Customer", loan.CustomerKey},
		{"Status", string(loan.Status)},
		{"Principal", loan.Principal.InexactFloat64()},
		{"Interest Rate (%)", loan.InterestRate.InexactFloat64()},
		{"Interest Type", string(loan.InterestType)},
		{"Tenure (months)", loan.Tenure},
		{"EMI", loan.EMIAmount.InexactFloat64()},
		{"Total Interest", loan.TotalInterest.InexactFloat64()},
		{"Total Payable", loan.TotalPayable.InexactFloat64()},
		{"Total Paid", loan.TotalPaid.InexactFloat64()},
		{"Outstanding", loan.OutstandingAmount.InexactFloat64()},
		{"Paid EMIs", loan.PaidEMIs},
		{"Overdue EMIs", loan.OverdueEMIs},
	}
	for i, kv := range summary {
		row := i + 1
		f.SetCellValue(SummarySheet, fmt.Sprintf("A%d", row), kv[0])
		f.SetCellValue(SummarySheet, fmt.Sprintf("B%d", row), kv[1])
	}
	if err := f.SetColWidth(SummarySheet, "A", "B", 20); err != nil {
		return nil, fmt.Errorf("failed to size columns: %w", err)
	}
	return f, nil
}

// WriteSchedule streams the schedule workbook to w as XLSX.
func WriteSchedule(w io.Writer, loan *models.LoanAccount, emis []*models.EMI) error {
	f, err := ScheduleWorkbook(loan, emis)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
