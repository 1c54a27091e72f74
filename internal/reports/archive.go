// Package reports renders archived-alarm exports.
package reports

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "netshield/internal/alarms/domain"
)

var columns = []string{"AID", "Type", "State", "Raised", "Archived", "Device", "Destination", "Result", "Message"}

// Row is one archived alarm flattened for export.
type Row struct {
	AID         string
	Type        string
	State       string
	Raised      time.Time
	Archived    time.Time
	Device      string
	Destination string
	Result      string
	Message     string
}

// RowFromAlarm flattens one archived alarm.
func RowFromAlarm(alarm *alarms.Alarm) Row {
	row := Row{
		AID:         alarm.AID,
		Type:        alarms.Alias(alarm.Type),
		State:       string(alarm.State),
		Raised:      floatTime(alarm.Timestamp),
		Device:      alarm.DeviceMAC(),
		Destination: alarm.DestHost(),
		Result:      alarm.Get(alarms.KeyResult),
		Message:     alarm.Message,
	}
	if archivedAt, err := strconv.ParseFloat(alarm.Get("action.time"), 64); err == nil {
		row.Archived = floatTime(archivedAt)
	}
	if row.Device == "" {
		row.Device = alarm.Get(alarms.KeyDeviceIP)
	}
	return row
}

func floatTime(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts*1e9)).UTC()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

// BuildXLSX renders the rows as a single-sheet workbook.
func BuildXLSX(rows []Row) ([]byte, error) {
	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Archived Alarms"
	index, err := file.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("reports: create sheet: %w", err)
	}
	file.SetActiveSheet(index)
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("reports: drop default sheet: %w", err)
	}

	for i, name := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := file.SetCellValue(sheet, cell, name); err != nil {
			return nil, err
		}
	}
	for r, row := range rows {
		values := []any{
			row.AID, row.Type, row.State,
			formatTime(row.Raised), formatTime(row.Archived),
			row.Device, row.Destination, row.Result, row.Message,
		}
		for c, value := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return nil, fmt.Errorf("reports: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildPDF renders the rows as landscape tabular pages.
func BuildPDF(rows []Row) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle("Archived Alarms", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Archived Alarms")
	pdf.Ln(12)

	widths := []float64{15, 30, 18, 34, 34, 32, 40, 24, 50}
	pdf.SetFont("Helvetica", "B", 9)
	for i, name := range columns {
		pdf.CellFormat(widths[i], 7, name, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, row := range rows {
		values := []string{
			row.AID, row.Type, row.State,
			formatTime(row.Raised), formatTime(row.Archived),
			row.Device, row.Destination, row.Result, row.Message,
		}
		for i, value := range values {
			pdf.CellFormat(widths[i], 6, value, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("reports: write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
