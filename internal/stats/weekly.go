// Package stats computes weekly work-time statistics from local data
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/intranet/worktime/internal/timezone"
	"github.com/intranet/worktime/pkg/models"
)

// DayHours is the tracked time of one weekday
type DayHours struct {
	Date  time.Time `json:"date"`
	Day   string    `json:"day"`
	Hours float64   `json:"hours"`
}

// Weekly summarizes one Monday-based week
type Weekly struct {
	WeekStart          time.Time  `json:"weekStart"`
	WeekEnd            time.Time  `json:"weekEnd"`
	TotalHours         float64    `json:"totalHours"`
	AverageHoursPerDay float64    `json:"averageHoursPerDay"`
	DaysWorked         int        `json:"daysWorked"`
	Daily              []DayHours `json:"daily"`
}

// Row is one line of a weekly export
type Row struct {
	Date   string  `json:"date"`
	Start  string  `json:"start"`
	End    string  `json:"end"`
	Hours  float64 `json:"hours"`
	Branch string  `json:"branch"`
}

// Week returns the bounds of the week containing t
func Week(t time.Time, tz *timezone.Normalizer) (start, end time.Time) {
	start = tz.WeekStart(t)
	return start, start.AddDate(0, 0, 7)
}

// Compute sums the closed entries whose start falls in the week of t.
// Entries may come from the history cache and the offline queue at once;
// duplicates are counted once.
func Compute(entries []*models.WorkTimeEntry, t time.Time, tz *timezone.Normalizer) *Weekly {
	start, end := Week(t, tz)
	w := &Weekly{WeekStart: start, WeekEnd: end}

	perDay := make(map[time.Time]float64)
	var total float64
	for _, e := range inWeek(Dedupe(entries), start, end, tz) {
		if e.EndTime == nil {
			continue
		}
		hours := e.Duration(*e.EndTime).Hours()
		total += hours
		perDay[tz.DayStart(e.StartTime)] += hours
	}

	for day, hours := range perDay {
		w.Daily = append(w.Daily, DayHours{
			Date:  day,
			Day:   day.Weekday().String(),
			Hours: round2(hours),
		})
	}
	sort.Slice(w.Daily, func(i, j int) bool { return w.Daily[i].Date.Before(w.Daily[j].Date) })

	w.DaysWorked = len(perDay)
	w.TotalHours = round2(total)
	if w.DaysWorked > 0 {
		w.AverageHoursPerDay = round2(total / float64(w.DaysWorked))
	}
	return w
}

// ExportRows lists every entry of the week of t, oldest first. Running
// entries have zero hours and a "-" end.
func ExportRows(entries []*models.WorkTimeEntry, t time.Time, tz *timezone.Normalizer, branchName func(int64) string) []Row {
	start, end := Week(t, tz)
	selected := inWeek(Dedupe(entries), start, end, tz)
	sort.Slice(selected, func(i, j int) bool { return selected[i].StartTime.Before(selected[j].StartTime) })

	rows := make([]Row, 0, len(selected))
	for _, e := range selected {
		local := tz.ToLocal(e.StartTime)
		row := Row{
			Date:  local.Format("02.01.2006"),
			Start: local.Format("15:04"),
			End:   "-",
		}
		if e.EndTime != nil {
			row.End = tz.ToLocal(*e.EndTime).Format("15:04")
			row.Hours = round2(e.Duration(*e.EndTime).Hours())
		}
		if branchName != nil {
			row.Branch = branchName(e.BranchID)
		}
		rows = append(rows, row)
	}
	return rows
}

// Dedupe drops repeated entries, matching by server ID first and offline ID
// second. A closed copy wins over a running one.
func Dedupe(entries []*models.WorkTimeEntry) []*models.WorkTimeEntry {
	var out []*models.WorkTimeEntry
	byID := make(map[int64]int)
	byOffline := make(map[string]int)

	for _, e := range entries {
		if e == nil {
			continue
		}
		idx := -1
		if i, ok := byID[e.ID]; ok && e.ID > 0 {
			idx = i
		} else if i, ok := byOffline[e.OfflineID]; ok && e.OfflineID != "" {
			idx = i
		}

		if idx < 0 {
			idx = len(out)
			out = append(out, e)
		} else if out[idx].EndTime == nil && e.EndTime != nil {
			out[idx] = e
		}
		if e.ID > 0 {
			byID[e.ID] = idx
		}
		if e.OfflineID != "" {
			byOffline[e.OfflineID] = idx
		}
	}
	return out
}

func inWeek(entries []*models.WorkTimeEntry, start, end time.Time, tz *timezone.Normalizer) []*models.WorkTimeEntry {
	var out []*models.WorkTimeEntry
	for _, e := range entries {
		local := tz.ToLocal(e.StartTime)
		if local.Before(start) || !local.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
