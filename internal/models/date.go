package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date with no time-of-day component. Partner APIs encode
// close dates in several shapes (ISO strings, epoch milliseconds,
// {year,month,day} objects); everything normalizes to this type before
// translation in either direction.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf truncates a time to its calendar date in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// Today returns the current calendar date in UTC.
func Today() Date {
	return DateOf(time.Now())
}

// ParseDate accepts the date encodings seen across CRM and partner APIs:
// "2025-12-31", RFC 3339 timestamps, and epoch milliseconds as a string.
func ParseDate(raw string) (Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Date{}, fmt.Errorf("empty date")
	}

	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return DateOf(t), nil
	}
	// HubSpot frequently sends close dates as epoch milliseconds.
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return DateOf(time.UnixMilli(ms)), nil
	}

	return Date{}, fmt.Errorf("unrecognized date %q", raw)
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// String formats the date as an ISO calendar date (YYYY-MM-DD).
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON encodes the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "YYYY-MM-DD" strings and {year,month,day} objects.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
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

	var obj struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("parse date: %w", err)
	}
	*d = Date{Year: obj.Year, Month: time.Month(obj.Month), Day: obj.Day}
	return nil
}
