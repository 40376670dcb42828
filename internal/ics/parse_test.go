package ics

import (
	"reflect"
	"strings"
	"testing"

	"mcsync/internal/model"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Test Calendar//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:test-event-1@example.com\r\n" +
	"DTSTART:20250201T150000Z\r\n" +
	"DTEND:20250205T110000Z\r\n" +
	"DTSTAMP:20250101T120000Z\r\n" +
	"SEQUENCE:0\r\n" +
	"SUMMARY:Test Reservation 1\r\n" +
	"ORGANIZER:mailto:host@example.com\r\n" +
	"STATUS:CONFIRMED\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:test-event-2@example.com\r\n" +
	"DTSTART;VALUE=DATE:20250210\r\n" +
	"DTEND;VALUE=DATE:20250215\r\n" +
	"DTSTAMP:20250101T120000Z\r\n" +
	"SEQUENCE:2\r\n" +
	"STATUS:cancelled\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParse_ExtractsKnownProperties(t *testing.T) {
	t.Parallel()

	got := Parse(sampleFeed)
	want := []model.RawEvent{
		{
			UID:      "test-event-1@example.com",
			DTStart:  "20250201T150000Z",
			DTEnd:    "20250205T110000Z",
			DTStamp:  "20250101T120000Z",
			Sequence: 0,
			Status:   "CONFIRMED",
			Summary:  "Test Reservation 1",
		},
		{
			UID:      "test-event-2@example.com",
			DTStart:  "20250210",
			DTEnd:    "20250215",
			DTStamp:  "20250101T120000Z",
			Sequence: 2,
			Status:   "CANCELLED",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse() = %#v\nwant %#v", got, want)
	}
}

func TestParse_DropsEventsWithoutDates(t *testing.T) {
	t.Parallel()

	text := crlf(
		"BEGIN:VEVENT",
		"UID:no-end",
		"DTSTART:20250101",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok",
		"DTSTART:20250101",
		"DTEND:20250102",
		"END:VEVENT",
	)
	got := Parse(text)
	if len(got) != 1 || got[0].UID != "ok" {
		t.Fatalf("expected only the complete event, got %#v", got)
	}
}

func TestParse_LenientInput(t *testing.T) {
	t.Parallel()

	// Mixed line endings, lower-case names, junk lines, bogus sequence,
	// a folded UID and an alarm with its own SUMMARY.
	text := "begin:vevent\n" +
		"uid:folded-\r\n uid\r" +
		"X-UNKNOWN;FOO=bar:whatever\n" +
		"this line is garbage\n" +
		"dtstart:20250301\n" +
		"dtend:20250302\n" +
		"sequence:abc\n" +
		"summary: Booked \n" +
		"BEGIN:VALARM\n" +
		"SUMMARY:Alarm text\n" +
		"TRIGGER:-PT15M\n" +
		"END:VALARM\n" +
		"end:vevent\n" +
		"DTSTART:20990101\n"

	got := Parse(text)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.UID != "folded-uid" {
		t.Fatalf("UID = %q, want folded-uid", ev.UID)
	}
	if ev.Sequence != 0 {
		t.Fatalf("non-numeric SEQUENCE should be 0, got %d", ev.Sequence)
	}
	if ev.Summary != "Booked" {
		t.Fatalf("Summary = %q, want Booked", ev.Summary)
	}
}

func TestParse_UnterminatedEventIsDropped(t *testing.T) {
	t.Parallel()

	text := crlf("BEGIN:VEVENT", "UID:x", "DTSTART:20250101", "DTEND:20250102")
	if got := Parse(text); len(got) != 0 {
		t.Fatalf("expected no events, got %#v", got)
	}
}

func TestParse_RecurrenceFields(t *testing.T) {
	t.Parallel()

	text := crlf(
		"BEGIN:VEVENT",
		"UID:series",
		"DTSTART:20250601T100000Z",
		"DTEND:20250601T110000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"EXDATE:20250602T100000Z,20250603T100000Z",
		"EXDATE;TZID=UTC:20250604T100000Z",
		"END:VEVENT",
	)
	got := Parse(text)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].RRule != "FREQ=DAILY;COUNT=3" {
		t.Fatalf("RRule = %q", got[0].RRule)
	}
	want := []string{"20250602T100000Z", "20250603T100000Z", "20250604T100000Z"}
	if !reflect.DeepEqual(got[0].ExDates, want) {
		t.Fatalf("ExDates = %v, want %v", got[0].ExDates, want)
	}
}

func TestParseStrict_MatchesLenientOnWellFormedFeed(t *testing.T) {
	t.Parallel()

	strict, err := ParseStrict(sampleFeed)
	if err != nil {
		t.Fatalf("ParseStrict() error: %v", err)
	}
	lenient := Parse(sampleFeed)
	if len(strict) != len(lenient) {
		t.Fatalf("strict found %d events, lenient %d", len(strict), len(lenient))
	}
	for i := range strict {
		s, l := strict[i], lenient[i]
		if s.UID != l.UID || s.DTStart != l.DTStart || s.DTEnd != l.DTEnd ||
			s.DTStamp != l.DTStamp || s.Sequence != l.Sequence || s.Status != l.Status {
			t.Fatalf("event %d differs:\nstrict  %#v\nlenient %#v", i, s, l)
		}
	}
}

func TestParseStrict_EmptyBody(t *testing.T) {
	t.Parallel()

	if _, err := ParseStrict("  \r\n"); err == nil {
		t.Fatal("expected an error for an empty body")
	}
}
