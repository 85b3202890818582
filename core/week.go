package core

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// WeekKey identifies an ISO 8601 calendar week: Monday 00:00 to Sunday 23:59:59
// in the engine's single reference timezone. The zero value means "no week".
type WeekKey struct {
	Year int
	Week int
}

// WeekKeyOf computes the ISO week containing t, interpreted in loc.
// loc is injected (never read from ambient state) so week math is testable
// with fixed clocks and all users share the same week boundaries.
func WeekKeyOf(t time.Time, loc *time.Location) WeekKey {
	y, w := t.In(loc).ISOWeek()
	return WeekKey{Year: y, Week: w}
}

// ParseWeekKey parses keys of the form "2021-W05".
func ParseWeekKey(s string) (WeekKey, error) {
	var k WeekKey
	if _, err := fmt.Sscanf(s, "%4d-W%2d", &k.Year, &k.Week); err != nil {
		return WeekKey{}, errors.Errorf("invalid week key %q", s)
	}
	if k.Year < 1 || k.Week < 1 || k.Week > 53 {
		return WeekKey{}, errors.Errorf("invalid week key %q", s)
	}
	return k, nil
}

func (k WeekKey) String() string {
	return fmt.Sprintf("%04d-W%02d", k.Year, k.Week)
}

// Monday returns the first instant of the week in loc.
func (k WeekKey) Monday(loc *time.Location) time.Time {
	// Jan 4 is always in ISO week 1
	jan4 := time.Date(k.Year, time.January, 4, 0, 0, 0, 0, loc)
	wd := int(jan4.Weekday())
	if wd == 0 {
		wd = 7 // Sunday
	}
	week1Monday := jan4.AddDate(0, 0, 1-wd)
	return week1Monday.AddDate(0, 0, (k.Week-1)*7)
}

// Next returns the following ISO week. The ISO calendar structure does not
// depend on the timezone, so UTC is used internally.
func (k WeekKey) Next() WeekKey {
	return WeekKeyOf(k.Monday(time.UTC).AddDate(0, 0, 7), time.UTC)
}

// Prev returns the preceding ISO week.
func (k WeekKey) Prev() WeekKey {
	return WeekKeyOf(k.Monday(time.UTC).AddDate(0, 0, -7), time.UTC)
}

func (k WeekKey) Before(other WeekKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Week < other.Week
}

func (k WeekKey) After(other WeekKey) bool {
	return other.Before(k)
}

// MarshalText implements encoding.TextMarshaler (used by encoding/json).
func (k WeekKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *WeekKey) UnmarshalText(text []byte) error {
	parsed, err := ParseWeekKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value implements driver.Valuer; week keys are stored as their string form.
func (k WeekKey) Value() (driver.Value, error) {
	return k.String(), nil
}

// Scan implements sql.Scanner.
func (k *WeekKey) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	case nil:
		*k = WeekKey{}
		return nil
	}
	return errors.Errorf("cannot scan %T into WeekKey", src)
}
