package tat

import (
	"errors"
	"testing"
	"time"
)

func TestParseVisitStart(t *testing.T) {
	tests := []struct {
		id   string
		want time.Time
	}{
		{"1503241430", time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)},
		{"0101000000XYZ", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"3112682359", time.Date(2068, 12, 31, 23, 59, 0, 0, time.UTC)},
		{"0101690800", time.Date(1969, 1, 1, 8, 0, 0, 0, time.UTC)},
		{"2902240000", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseVisitStart(tt.id)
		if err != nil {
			t.Errorf("ParseVisitStart(%q): unexpected error: %v", tt.id, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseVisitStart(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParseVisitStart_Invalid(t *testing.T) {
	for _, id := range []string{
		"12",
		"99999999999",
		"",
		"15O3241430",
		"3002240000", // 30 February
		"1513241430", // month 13
		"1503242430", // hour 24
		"1503241460", // minute 60
		"0003241430", // day 0
	} {
		if _, err := ParseVisitStart(id); !errors.Is(err, ErrInvalidVisitID) {
			t.Errorf("ParseVisitStart(%q): expected ErrInvalidVisitID, got %v", id, err)
		}
	}
}

func TestShiftFor(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 3, 15, h, m, 0, 0, time.UTC) }
	tests := []struct {
		at   time.Time
		want string
	}{
		{day(8, 0), ShiftDay},
		{day(19, 59), ShiftDay},
		{day(20, 0), ShiftNight},
		{day(7, 59), ShiftNight},
		{day(0, 0), ShiftNight},
	}
	for _, tt := range tests {
		if got := ShiftFor(tt.at); got != tt.want {
			t.Errorf("ShiftFor(%s) = %s, want %s", tt.at.Format("15:04"), got, tt.want)
		}
	}
}
