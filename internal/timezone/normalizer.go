// Package timezone converts between local wall-clock time and the UTC wire format
package timezone

import (
	"fmt"
	"time"
)

// Placeholder is rendered wherever a time or duration cannot be shown
const Placeholder = "—"

const localLayout = "02.01.2006 15:04"

// Normalizer converts instants between the configured zone and the wire
// format. All methods are total: invalid input yields Placeholder.
type Normalizer struct {
	loc *time.Location
}

// New loads the named IANA zone. An empty name or "Local" selects the system zone.
func New(name string) (*Normalizer, error) {
	if name == "" || name == "Local" {
		return &Normalizer{loc: time.Local}, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return &Normalizer{loc: loc}, nil
}

// MustNew is New for zones known to exist
func MustNew(name string) *Normalizer {
	n, err := New(name)
	if err != nil {
		panic(err)
	}
	return n
}

// Location returns the configured zone
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// ToUTC converts a local instant to its UTC representation
func (n *Normalizer) ToUTC(t time.Time) time.Time {
	return t.Round(0).UTC()
}

// ToLocal converts a wire instant to the configured zone
func (n *Normalizer) ToLocal(t time.Time) time.Time {
	return t.Round(0).In(n.loc)
}

// FormatWire renders t as RFC3339 in UTC
func (n *Normalizer) FormatWire(t time.Time) string {
	return n.ToUTC(t).Format(time.RFC3339Nano)
}

// ParseWire parses an RFC3339 timestamp with any offset and returns it in the
// configured zone
func (n *Normalizer) ParseWire(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return n.ToLocal(t), nil
}

// FormatLocal renders t for display in the configured zone
func (n *Normalizer) FormatLocal(t time.Time) string {
	if t.IsZero() {
		return Placeholder
	}
	return t.In(n.loc).Format(localLayout)
}

// Duration renders the span between start and end as "<h>h <m>min".
// A nil end, a zero start or an end before start yields Placeholder.
func (n *Normalizer) Duration(start time.Time, end *time.Time) string {
	if end == nil || start.IsZero() || end.IsZero() || end.Before(start) {
		return Placeholder
	}
	return formatHM(end.Sub(start))
}

// Elapsed renders the running time of a timer started at start
func (n *Normalizer) Elapsed(start, now time.Time) string {
	return n.Duration(start, &now)
}

// WeekStart returns Monday 00:00 of the week containing t, in the configured zone
func (n *Normalizer) WeekStart(t time.Time) time.Time {
	local := t.In(n.loc)
	offset := (int(local.Weekday()) + 6) % 7
	y, m, d := local.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, n.loc)
}

// DayStart returns midnight of the day containing t, in the configured zone
func (n *Normalizer) DayStart(t time.Time) time.Time {
	local := t.In(n.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, n.loc)
}

func formatHM(d time.Duration) string {
	minutes := int64(d / time.Minute)
	return fmt.Sprintf("%dh %dmin", minutes/60, minutes%60)
}
