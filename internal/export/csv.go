// SPDX-License-Identifier: MIT

// Package export streams attendance history as CSV.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/runclub/attendanced/internal/metrics"
	"github.com/runclub/attendanced/internal/store"
)

// Header is the fixed CSV header row.
var Header = []string{"id", "run_date", "runner_id", "registered_at", "session_code"}

// Filename derives the attachment name for a date range.
func Filename(start, end time.Time) string {
	return fmt.Sprintf("attendance_export_%s_%s.csv",
		store.DateString(start), store.DateString(end))
}

// WriteCSV streams every history row in [start, end] to w. Memory stays
// bounded regardless of range because rows flow straight from the store
// cursor to the writer. Line endings are CRLF and runner-supplied text is
// quoted by the csv encoder as needed.
func WriteCSV(ctx context.Context, st store.Store, start, end time.Time, w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true

	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	var rows int
	err := st.StreamHistory(ctx, start, end, func(h store.HistoryRow) error {
		record := []string{
			strconv.FormatInt(h.ID, 10),
			store.DateString(h.RunDate),
			h.RunnerID,
			h.RegisteredAt.UTC().Format(time.RFC3339),
			h.SessionCode,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		rows++
		return nil
	})
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	metrics.ExportRowsTotal.Add(float64(rows))
	return nil
}
