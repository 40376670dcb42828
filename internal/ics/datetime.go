package ics

import (
	"strings"
	"time"
)

// Layouts for the two token shapes feeds actually send.
const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
	layoutUTC      = "20060102T150405Z"
)

// Free-form layouts tried when a token is not a plain ICS date/date-time.
var fallbackLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102T1504Z",
	"20060102T1504",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ToEpoch converts an ICS date or date-time token to Unix seconds.
//
// YYYYMMDD is UTC midnight. YYYYMMDDTHHMMSS is UTC whether or not it
// carries the Z suffix. Anything else goes through a list of common
// layouts; tokens that match nothing, and empty tokens, yield 0.
func ToEpoch(token string) int64 {
	t, ok := ParseToken(token)
	if !ok {
		return 0
	}
	return t.Unix()
}

// ParseToken is ToEpoch returning a time.Time in UTC. ok is false when the
// token is empty or unparseable.
func ParseToken(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, false
	}

	switch {
	case len(token) == 8 && allDigits(token):
		if t, err := time.ParseInLocation(layoutDate, token, time.UTC); err == nil {
			return t, true
		}
		return time.Time{}, false
	case isBasicDateTime(token):
		t, err := time.ParseInLocation(layoutDateTime, token[:15], time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, token); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatUTC renders t as YYYYMMDDTHHMMSSZ.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(layoutUTC)
}

// FormatEpoch renders Unix seconds as YYYYMMDDTHHMMSSZ.
func FormatEpoch(sec int64) string {
	return FormatUTC(time.Unix(sec, 0))
}

// isBasicDateTime matches YYYYMMDDTHHMMSS with an optional trailing Z.
func isBasicDateTime(s string) bool {
	if len(s) == 16 {
		if s[15] != 'Z' {
			return false
		}
		s = s[:15]
	}
	if len(s) != 15 || s[8] != 'T' {
		return false
	}
	return allDigits(s[:8]) && allDigits(s[9:])
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
