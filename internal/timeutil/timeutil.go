// Package timeutil parses and formats the ISO-8601 timestamps
// carried by session and page-visit events.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeFormat is returned when a timestamp does not match
// YYYY-MM-DDTHH:MM:SS[.fff][Z].
var ErrInvalidTimeFormat = errors.New("invalid time format")

// Precision is the resolution instants are kept at. BSON datetimes
// hold milliseconds, so both stores accrue from the same values.
const Precision = time.Millisecond

var isoPattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?Z?$`,
)

// ValidateFormat reports whether s is an accepted timestamp.
func ValidateFormat(s string) bool {
	return isoPattern.MatchString(s)
}

// Parse parses s as a UTC instant. A missing zone designator
// means UTC. Fractions finer than Precision are dropped.
func Parse(s string) (time.Time, error) {
	if !ValidateFormat(s) {
		return time.Time{}, fmt.Errorf(
			"%w: %q", ErrInvalidTimeFormat, s,
		)
	}
	t, err := time.Parse(
		"2006-01-02T15:04:05.999999999",
		strings.TrimSuffix(s, "Z"),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"%w: %q", ErrInvalidTimeFormat, s,
		)
	}
	return t.UTC().Truncate(Precision), nil
}

// SplitDateTime returns the date and clock parts of s.
func SplitDateTime(s string) (date, clock string, err error) {
	if _, err := Parse(s); err != nil {
		return "", "", err
	}
	date, clock, _ = strings.Cut(s, "T")
	return date, clock, nil
}

// HourOf returns the hour component (0-23) of s.
func HourOf(s string) (int, error) {
	t, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return t.Hour(), nil
}

// SecondsBetween returns b-a in seconds. Negative when b precedes a.
func SecondsBetween(a, b time.Time) float64 {
	return b.Sub(a).Seconds()
}

// DateOf returns the UTC calendar date of t as YYYY-MM-DD.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Format returns t as an RFC3339Nano UTC string, or "" for the
// zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseStored parses a timestamp previously written by Format.
func ParseStored(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ISODuration renders whole seconds as an ISO-8601 duration such
// as PT1H1M5S. Fractions are truncated and zero renders as PT0S.
func ISODuration(seconds float64) string {
	total := int64(seconds)
	if total <= 0 {
		return "PT0S"
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		b.WriteString(strconv.FormatInt(h, 10) + "H")
	}
	if m > 0 {
		b.WriteString(strconv.FormatInt(m, 10) + "M")
	}
	if s > 0 {
		b.WriteString(strconv.FormatInt(s, 10) + "S")
	}
	return b.String()
}
