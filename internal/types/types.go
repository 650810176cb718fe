// Package types provides common type definitions for the pnl tracker.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateFormat is the ISO-8601 calendar date layout used on the wire and in storage
const DateFormat = "2006-01-02"

// Date represents a calendar day with no time component.
// The zero value is an unset date.
type Date struct {
	t time.Time // always UTC midnight
}

// NewDate returns a normalized Date for the given year, month and day
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t, read in t's own location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// Today returns the current UTC calendar day
func Today() Date {
	return DateOf(time.Now().UTC())
}

// ParseDate parses an ISO-8601 calendar date ("2006-01-02")
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals known to be valid
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns the date as UTC midnight
func (d Date) Time() time.Time { return d.t }

// IsZero reports whether the date is unset
func (d Date) IsZero() bool { return d.t.IsZero() }

// Before reports whether d is strictly before o
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is strictly after o
func (d Date) After(o Date) bool { return d.t.After(o.t) }

// Equal reports whether d and o are the same day
func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

// AddDays returns the date n days after d
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// String formats the date as YYYY-MM-DD
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateFormat)
}

// MinDate returns the earlier of two dates
func MinDate(a, b Date) Date {
	if b.Before(a) {
		return b
	}
	return a
}

// MarshalJSON encodes the date as an ISO-8601 string
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes an ISO-8601 date string
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
