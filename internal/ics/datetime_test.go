package ics

import (
	"testing"
	"time"
)

func TestToEpoch(t *testing.T) {
	t.Parallel()

	utc := func(y int, m time.Month, d, hh, mm, ss int) int64 {
		return time.Date(y, m, d, hh, mm, ss, 0, time.UTC).Unix()
	}

	tests := []struct {
		name  string
		token string
		want  int64
	}{
		{name: "empty", token: "", want: 0},
		{name: "blank", token: "   ", want: 0},
		{name: "date", token: "20250601", want: utc(2025, time.June, 1, 0, 0, 0)},
		{name: "datetime_utc", token: "20250601T153000Z", want: utc(2025, time.June, 1, 15, 30, 0)},
		{name: "datetime_floating_is_utc", token: "20250601T153000", want: utc(2025, time.June, 1, 15, 30, 0)},
		{name: "rfc3339_offset", token: "2025-06-01T10:00:00+02:00", want: utc(2025, time.June, 1, 8, 0, 0)},
		{name: "iso_date", token: "2025-06-01", want: utc(2025, time.June, 1, 0, 0, 0)},
		{name: "invalid_calendar_date", token: "20251399", want: 0},
		{name: "garbage", token: "next tuesday-ish", want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ToEpoch(tc.token); got != tc.want {
				t.Fatalf("ToEpoch(%q) = %d, want %d", tc.token, got, tc.want)
			}
		})
	}
}

func TestFormatEpoch(t *testing.T) {
	t.Parallel()

	sec := time.Date(2025, time.February, 3, 4, 5, 6, 0, time.UTC).Unix()
	if got := FormatEpoch(sec); got != "20250203T040506Z" {
		t.Fatalf("FormatEpoch() = %q", got)
	}
	if got := ToEpoch(FormatEpoch(sec)); got != sec {
		t.Fatalf("round trip = %d, want %d", got, sec)
	}
}
