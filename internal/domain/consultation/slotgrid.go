package consultation

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Slot is one bookable interval on a doctor's day.
type Slot struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
}

// GridConfig describes the working day. Offsets are measured from midnight.
type GridConfig struct {
	WorkStart  time.Duration
	WorkEnd    time.Duration
	BreakStart time.Duration
	BreakEnd   time.Duration
	SlotLength time.Duration
}

// DefaultGrid is 09:00-17:00 with a 13:00-14:00 break in 30 minute slots.
func DefaultGrid() GridConfig {
	return GridConfig{
		WorkStart:  9 * time.Hour,
		WorkEnd:    17 * time.Hour,
		BreakStart: 13 * time.Hour,
		BreakEnd:   14 * time.Hour,
		SlotLength: 30 * time.Minute,
	}
}

// starts lists slot start offsets for a working day, skipping any slot whose
// span touches the break.
func (g GridConfig) starts() []time.Duration {
	var out []time.Duration
	if g.SlotLength <= 0 {
		return out
	}
	for s := g.WorkStart; s+g.SlotLength <= g.WorkEnd; s += g.SlotLength {
		if s < g.BreakEnd && s+g.SlotLength > g.BreakStart {
			continue
		}
		out = append(out, s)
	}
	return out
}

// GenerateSlots returns the open slots for date in start order. Weekends
// are always empty. Start times listed in occupied are removed.
func GenerateSlots(g GridConfig, date time.Time, occupied []string) []Slot {
	if isWeekend(date) {
		return []Slot{}
	}
	held := make(map[string]bool, len(occupied))
	for _, o := range occupied {
		held[o] = true
	}
	slots := []Slot{}
	for _, s := range g.starts() {
		start := formatClock(s)
		if held[start] {
			continue
		}
		slots = append(slots, Slot{Start: start, End: formatClock(s + g.SlotLength), Available: true})
	}
	return slots
}

// IsGridStart reports whether hhmm is a slot start on a working day.
func IsGridStart(g GridConfig, hhmm string) bool {
	d, err := parseClock(hhmm)
	if err != nil || formatClock(d) != hhmm {
		return false
	}
	for _, s := range g.starts() {
		if s == d {
			return true
		}
	}
	return false
}

// SlotEnd returns the end time for a slot starting at hhmm.
func (g GridConfig) SlotEnd(hhmm string) (string, error) {
	d, err := parseClock(hhmm)
	if err != nil {
		return "", err
	}
	return formatClock(d + g.SlotLength), nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func parseClock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// ParseDate parses a YYYY-MM-DD calendar day at midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, loc)
}

func instant(date, hhmm string, loc *time.Location) (time.Time, error) {
	day, err := ParseDate(date, loc)
	if err != nil {
		return time.Time{}, err
	}
	off, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		int(off.Hours()), int(off.Minutes())%60, 0, 0, loc), nil
}

// daysBetween counts calendar days from a to b, ignoring clock time and DST.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
