package stats

import (
	"testing"
	"time"

	"github.com/intranet/worktime/internal/timezone"
	"github.com/intranet/worktime/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id int64, offlineID string, start time.Time, hours float64) *models.WorkTimeEntry {
	e := &models.WorkTimeEntry{ID: id, OfflineID: offlineID, StartTime: start, BranchID: 1, UserID: 7}
	if hours > 0 {
		end := start.Add(time.Duration(hours * float64(time.Hour)))
		e.EndTime = &end
	}
	return e
}

func TestComputeWeek(t *testing.T) {
	tz := timezone.MustNew("Europe/Berlin")
	loc := tz.Location()

	// Wednesday 12 March 2025
	ref := time.Date(2025, 3, 12, 12, 0, 0, 0, loc)
	entries := []*models.WorkTimeEntry{
		entry(1, "", time.Date(2025, 3, 10, 8, 0, 0, 0, loc), 8),
		entry(2, "", time.Date(2025, 3, 10, 17, 0, 0, 0, loc), 1.5),
		entry(3, "", time.Date(2025, 3, 12, 9, 0, 0, 0, loc), 7.333),
		entry(0, "q-1", time.Date(2025, 3, 14, 9, 0, 0, 0, loc), 4),
		// running entries are not counted
		entry(4, "", time.Date(2025, 3, 15, 9, 0, 0, 0, loc), 0),
		// previous Sunday and next Monday
		entry(5, "", time.Date(2025, 3, 9, 23, 30, 0, 0, loc), 1),
		entry(6, "", time.Date(2025, 3, 17, 0, 0, 0, 0, loc), 1),
	}

	w := Compute(entries, ref, tz)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, loc), w.WeekStart)
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, loc), w.WeekEnd)
	assert.Equal(t, 3, w.DaysWorked)
	assert.Equal(t, 20.83, w.TotalHours)
	assert.Equal(t, 6.94, w.AverageHoursPerDay)

	require.Len(t, w.Daily, 3)
	assert.Equal(t, "Monday", w.Daily[0].Day)
	assert.Equal(t, 9.5, w.Daily[0].Hours)
	assert.Equal(t, "Wednesday", w.Daily[1].Day)
	assert.Equal(t, 7.33, w.Daily[1].Hours)
	assert.Equal(t, "Friday", w.Daily[2].Day)
	assert.Equal(t, 4.0, w.Daily[2].Hours)
}

func TestComputeEmptyWeek(t *testing.T) {
	tz := timezone.MustNew("UTC")
	w := Compute(nil, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), tz)
	assert.Zero(t, w.DaysWorked)
	assert.Zero(t, w.TotalHours)
	assert.Zero(t, w.AverageHoursPerDay)
	assert.Empty(t, w.Daily)
}

func TestComputeUsesLocalDays(t *testing.T) {
	tz := timezone.MustNew("America/New_York")
	// Monday 22:00 in New York is Tuesday in UTC
	start := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	w := Compute([]*models.WorkTimeEntry{entry(1, "", start, 1)}, start, tz)
	require.Len(t, w.Daily, 1)
	assert.Equal(t, "Monday", w.Daily[0].Day)
}

func TestDedupe(t *testing.T) {
	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	running := entry(9, "", start, 0)
	closed := entry(9, "off-9", start, 2)
	queued := entry(0, "off-9", start, 2)
	other := entry(0, "off-2", start.Add(time.Hour), 1)

	out := Dedupe([]*models.WorkTimeEntry{running, closed, queued, other, nil})
	require.Len(t, out, 2)
	assert.Same(t, closed, out[0], "a closed copy replaces the running one")
	assert.Same(t, other, out[1])
}

func TestExportRows(t *testing.T) {
	tz := timezone.MustNew("Europe/Berlin")
	loc := tz.Location()
	entries := []*models.WorkTimeEntry{
		entry(2, "", time.Date(2025, 3, 11, 9, 15, 0, 0, loc), 0),
		entry(1, "", time.Date(2025, 3, 10, 8, 0, 0, 0, loc), 8.25),
	}
	names := map[int64]string{1: "Headquarters"}

	rows := ExportRows(entries, time.Date(2025, 3, 12, 0, 0, 0, 0, loc), tz, func(id int64) string { return names[id] })
	require.Len(t, rows, 2)
	assert.Equal(t, Row{Date: "10.03.2025", Start: "08:00", End: "16:15", Hours: 8.25, Branch: "Headquarters"}, rows[0])
	assert.Equal(t, Row{Date: "11.03.2025", Start: "09:15", End: "-", Hours: 0, Branch: "Headquarters"}, rows[1])
}
