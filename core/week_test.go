package core

import (
	"testing"
	"time"
)

func TestWeekKeyOf(t *testing.T) {
	kinshasa, err := time.LoadLocation("Africa/Kinshasa") // UTC+1, no DST
	if err != nil {
		t.Fatalf("loading location failed: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		loc  *time.Location
		want WeekKey
	}{
		{
			name: "mid-week",
			at:   time.Date(2021, 1, 20, 12, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: WeekKey{2021, 3},
		},
		{
			name: "Jan 1st belongs to previous ISO year",
			at:   time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: WeekKey{2020, 53},
		},
		{
			name: "Sunday 23:59 still same week",
			at:   time.Date(2021, 1, 24, 23, 59, 59, 0, time.UTC),
			loc:  time.UTC,
			want: WeekKey{2021, 3},
		},
		{
			name: "Monday 00:00 starts next week",
			at:   time.Date(2021, 1, 25, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: WeekKey{2021, 4},
		},
		{
			name: "reference timezone decides the boundary",
			// Sunday 23:30 UTC is already Monday 00:30 in Kinshasa
			at:   time.Date(2021, 1, 24, 23, 30, 0, 0, time.UTC),
			loc:  kinshasa,
			want: WeekKey{2021, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeekKeyOf(tt.at, tt.loc); got != tt.want {
				t.Errorf("WeekKeyOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWeekKey_NextPrev(t *testing.T) {
	tests := []struct {
		name string
		key  WeekKey
		next WeekKey
	}{
		{name: "mid-year", key: WeekKey{2021, 3}, next: WeekKey{2021, 4}},
		{name: "year rollover (52-week year)", key: WeekKey{2021, 52}, next: WeekKey{2022, 1}},
		{name: "year rollover (53-week year)", key: WeekKey{2020, 53}, next: WeekKey{2021, 1}},
		{name: "week 52 of a 53-week year", key: WeekKey{2020, 52}, next: WeekKey{2020, 53}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.Next(); got != tt.next {
				t.Errorf("Next() = %v, want %v", got, tt.next)
			}
			if got := tt.next.Prev(); got != tt.key {
				t.Errorf("Prev() = %v, want %v", got, tt.key)
			}
		})
	}
}

func TestWeekKey_ParseString(t *testing.T) {
	tests := []struct {
		name    string
		s       string
		want    WeekKey
		wantErr bool
	}{
		{name: "valid", s: "2021-W05", want: WeekKey{2021, 5}},
		{name: "valid high week", s: "2020-W53", want: WeekKey{2020, 53}},
		{name: "garbage", s: "lol", wantErr: true},
		{name: "week out of range", s: "2021-W54", wantErr: true},
		{name: "empty", s: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWeekKey(tt.s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWeekKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("ParseWeekKey() = %v, want %v", got, tt.want)
			}
			if got.String() != tt.s {
				t.Errorf("String() = %v, want %v", got.String(), tt.s)
			}
		})
	}
}

func TestWeekKey_BeforeAfter(t *testing.T) {
	a := WeekKey{2020, 53}
	b := WeekKey{2021, 1}
	if !a.Before(b) {
		t.Errorf("%v should be before %v", a, b)
	}
	if !b.After(a) {
		t.Errorf("%v should be after %v", b, a)
	}
	if a.Before(a) {
		t.Errorf("%v should not be before itself", a)
	}
}
