package license

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// Export formats.
const (
	ExportCSV  = "csv"
	ExportXLSX = "xlsx"
)

const exportSheet = "Licenses"

var exportHeaders = []string{
	"id", "subject_id", "status", "created_at", "expires_at",
	"usage_count", "max_usage", "remaining", "active",
}

// ContentType returns the MIME type for an export format.
func ContentType(format string) string {
	if format == ExportXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Export writes every verified record to w. Signatures are never exported.
func (l *Ledger) Export(ctx context.Context, w io.Writer, format string) error {
	if format != ExportCSV && format != ExportXLSX {
		return fmt.Errorf("%w: unknown export format %q", errs.ErrInvalidRequest, format)
	}
	records, err := l.List(ctx, Filter{})
	if err != nil {
		return err
	}

	now := l.clock.Now()
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, exportRow(r, now))
	}

	if format == ExportXLSX {
		err = writeXLSX(w, rows)
	} else {
		err = writeCSV(w, rows)
	}
	if err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "licenses exported",
		slog.String("format", format),
		slog.Int("record_count", len(rows)),
	)
	return nil
}

func exportRow(r Record, now time.Time) []string {
	expires, maxUsage, remaining := "", "", ""
	if r.ExpiresAt != nil {
		expires = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if r.MaxUsage != nil {
		maxUsage = strconv.FormatUint(*r.MaxUsage, 10)
	}
	if left := r.Remaining(); left != nil {
		remaining = strconv.FormatUint(*left, 10)
	}
	return []string{
		r.ID,
		r.SubjectID,
		string(r.Status(now)),
		r.CreatedAt.UTC().Format(time.RFC3339),
		expires,
		strconv.FormatUint(r.UsageCount, 10),
		maxUsage,
		remaining,
		strconv.FormatBool(r.Active),
	}
}

func writeCSV(w io.Writer, rows [][]string) error {
	// UTF-8 BOM so spreadsheet tools detect the encoding.
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeXLSX(w io.Writer, rows [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	header := make([]interface{}, len(exportHeaders))
	for i, h := range exportHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &cells); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
