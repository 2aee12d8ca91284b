// SPDX-License-Identifier: MIT

package export

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runclub/attendanced/internal/store"
)

func seed(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	run, err := st.UpsertCalendarDay(ctx, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), true,
		func(context.Context) (string, error) { return "AB2CD", nil })
	require.NoError(t, err)

	base := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	_, err = st.Register(ctx, run.ID, "runner-1", base)
	require.NoError(t, err)
	_, err = st.Register(ctx, run.ID, `runner,"quoted"`, base.Add(time.Minute))
	require.NoError(t, err)
	return st
}

func TestWriteCSV(t *testing.T) {
	st := seed(t)
	var buf bytes.Buffer

	err := WriteCSV(context.Background(), st,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), &buf)
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "id,run_date,runner_id,registered_at,session_code\r\n"))
	require.Contains(t, out, "\r\n", "CRLF line endings expected")

	lines := strings.Split(strings.TrimRight(out, "\r\n"), "\r\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "2026-03-14")
	require.Contains(t, lines[1], "AB2CD")

	// User-supplied text with delimiter and quotes comes back quoted.
	require.Contains(t, lines[2], `"runner,""quoted"""`)
}

func TestWriteCSVEmptyRange(t *testing.T) {
	st := seed(t)
	var buf bytes.Buffer

	err := WriteCSV(context.Background(), st,
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), &buf)
	require.NoError(t, err)
	require.Equal(t, "id,run_date,runner_id,registered_at,session_code\r\n", buf.String())
}

func TestFilename(t *testing.T) {
	name := Filename(
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	require.Equal(t, "attendance_export_2026-03-01_2026-03-31.csv", name)
}
