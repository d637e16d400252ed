package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Freq string

const (
	FreqDaily   Freq = "daily"
	FreqWeekly  Freq = "weekly"
	FreqMonthly Freq = "monthly"
)

// Rule describes a recurrence as frequency plus interval, e.g. "weekly/2" for
// every second week. Windows are half-open [start, end) and aligned to UTC
// day boundaries.
type Rule struct {
	Freq     Freq
	Interval int
}

// Parse accepts "daily", "weekly", "monthly", optionally suffixed with
// "/<interval>".
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Rule{}, fmt.Errorf("recurrence rule is empty")
	}

	freqPart, intervalPart, hasInterval := strings.Cut(s, "/")
	interval := 1
	if hasInterval {
		n, err := strconv.Atoi(intervalPart)
		if err != nil || n < 1 {
			return Rule{}, fmt.Errorf("invalid recurrence interval %q", intervalPart)
		}
		interval = n
	}

	switch Freq(freqPart) {
	case FreqDaily, FreqWeekly, FreqMonthly:
		return Rule{Freq: Freq(freqPart), Interval: interval}, nil
	default:
		return Rule{}, fmt.Errorf("unknown recurrence frequency %q", freqPart)
	}
}

func (r Rule) String() string {
	if r.Interval <= 1 {
		return string(r.Freq)
	}
	return fmt.Sprintf("%s/%d", r.Freq, r.Interval)
}

// DayUTC truncates t to its UTC day.
func DayUTC(t time.Time) time.Time {
	u := t.UTC()
	y, m, d := u.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (r Rule) step(start time.Time) time.Time {
	switch r.Freq {
	case FreqDaily:
		return start.AddDate(0, 0, r.Interval)
	case FreqWeekly:
		return start.AddDate(0, 0, 7*r.Interval)
	case FreqMonthly:
		return start.AddDate(0, r.Interval, 0)
	default:
		return start.AddDate(0, 0, r.Interval)
	}
}

// Window returns the [start, end) window containing asOf, stepping from the
// anchor day. When asOf precedes the anchor the first window is returned, so
// a freshly activated template always has a current instance.
func (r Rule) Window(anchor, asOf time.Time) (time.Time, time.Time) {
	start := DayUTC(anchor)
	end := r.step(start)
	if asOf.Before(start) {
		return start, end
	}
	for !asOf.Before(end) {
		start = end
		end = r.step(start)
	}
	return start, end
}

// Next returns the window immediately following the one containing asOf.
func (r Rule) Next(anchor, asOf time.Time) (time.Time, time.Time) {
	_, end := r.Window(anchor, asOf)
	return end, r.step(end)
}
