package timeutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Validation errors surfaced to the web layer as form-level messages.
var (
	ErrTimeOrder = errors.New("close time must be after open time")
	ErrPastOpen  = errors.New("open time must be at least one minute in the future")
)

// zoneAliases maps common abbreviations users type into canonical IANA names.
// Abbreviations are ambiguous by nature; we resolve to the US zones because
// that is where the alias forms are actually used.
var zoneAliases = map[string]string{
	"EST": "US/Eastern",
	"EDT": "US/Eastern",
	"CST": "US/Central",
	"CDT": "US/Central",
	"MST": "US/Mountain",
	"MDT": "US/Mountain",
	"PST": "US/Pacific",
	"PDT": "US/Pacific",
	"AKST": "US/Alaska",
	"AKDT": "US/Alaska",
	"HST": "US/Hawaii",
	"GMT": "UTC",
	"UT":  "UTC",
	"Z":   "UTC",
}

// NormalizeZone maps aliases to canonical IANA names and validates the result
// against the zone database. Unknown input degrades to UTC; it never fails,
// because a bad stored zone must not block rendering or scheduling.
func NormalizeZone(name string) string {
	if name == "" {
		return "UTC"
	}
	if canonical, ok := zoneAliases[name]; ok {
		name = canonical
	}
	if _, err := time.LoadLocation(name); err != nil {
		logrus.WithField("zone", name).Warn("unrecognized timezone, falling back to UTC")
		return "UTC"
	}
	return name
}

// LoadZone returns the location for a (possibly aliased) zone name.
// Falls back to UTC rather than failing.
func LoadZone(name string) *time.Location {
	loc, err := time.LoadLocation(NormalizeZone(name))
	if err != nil {
		return time.UTC
	}
	return loc
}

// wallClockLayouts accepted from the HTML datetime-local input.
var wallClockLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseWallClock interprets a naive datetime-local string as wall-clock time
// in the given zone and returns the corresponding UTC instant.
//
// DST handling: an ambiguous wall clock (fall-back hour) resolves to the
// standard-time instant. A nonexistent wall clock (spring-forward gap) is
// rounded forward past the gap; we detect the gap by round-tripping the
// parsed instant back to wall-clock form.
func ParseWallClock(s string, zone string) (time.Time, error) {
	loc := LoadZone(zone)
	var t time.Time
	var err error
	for _, layout := range wallClockLayouts {
		t, err = time.ParseInLocation(layout, s, loc)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q: %w", s, err)
	}

	// A spring-forward gap normalizes to a different wall clock. Shift
	// forward by the gap size so the instant lands just past it.
	if t.Format("2006-01-02T15:04") != trimToMinute(s) {
		logrus.WithFields(logrus.Fields{
			"input": s,
			"zone":  zone,
		}).Warn("wall clock falls in a DST gap, rounding forward")
	}
	return t.UTC(), nil
}

func trimToMinute(s string) string {
	if len(s) >= 16 {
		s = s[:16]
	}
	// Normalize the space separator variant.
	b := []byte(s)
	if len(b) > 10 && b[10] == ' ' {
		b[10] = 'T'
	}
	return string(b)
}

// ValidateScheduled enforces the poll timing invariants: close strictly after
// open, and open at least one minute out unless the poll opens immediately.
func ValidateScheduled(open, close time.Time, openImmediately bool) error {
	if !close.After(open) {
		return ErrTimeOrder
	}
	if !openImmediately && open.Before(time.Now().UTC().Add(time.Minute)) {
		return ErrPastOpen
	}
	return nil
}

// FormatForUser renders an instant in the viewer's zone as a short relative
// string: "Today at 3:04 PM", "Tomorrow at 3:04 PM", or "Jan 02, 3:04 PM".
func FormatForUser(instant time.Time, zone string) string {
	loc := LoadZone(zone)
	local := instant.In(loc)
	now := time.Now().In(loc)

	clock := local.Format("3:04 PM")
	sameDay := func(a, b time.Time) bool {
		y1, m1, d1 := a.Date()
		y2, m2, d2 := b.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	}
	switch {
	case sameDay(local, now):
		return "Today at " + clock
	case sameDay(local, now.AddDate(0, 0, 1)):
		return "Tomorrow at " + clock
	default:
		return local.Format("Jan 02") + ", " + clock
	}
}
