package ics

import (
	"errors"
	"fmt"
	"strings"

	ical "github.com/arran4/golang-ical"

	"mcsync/internal/model"
)

// ParseStrict parses text with a full RFC 5545 parser and maps each VEVENT
// to the same RawEvent shape Parse produces. Unlike Parse it fails on a
// document the library cannot read. The DTSTART/DTEND retention rule is the
// same as the lenient scanner's.
func ParseStrict(text string) ([]model.RawEvent, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]model.RawEvent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev := model.RawEvent{
			UID:     valueOf(ve.GetProperty(ical.ComponentPropertyUniqueId)),
			DTStart: valueOf(ve.GetProperty(ical.ComponentPropertyDtStart)),
			DTEnd:   valueOf(ve.GetProperty(ical.ComponentPropertyDtEnd)),
			DTStamp: valueOf(ve.GetProperty(ical.ComponentPropertyDtstamp)),
			Status:  strings.ToUpper(valueOf(ve.GetProperty(ical.ComponentPropertyStatus))),
			Summary: valueOf(ve.GetProperty(ical.ComponentPropertySummary)),
			RRule:   valueOf(ve.GetProperty(ical.ComponentPropertyRrule)),
		}
		ev.Sequence = parseSequence(valueOf(ve.GetProperty(ical.ComponentPropertySequence)))

		for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
			ev.ExDates = append(ev.ExDates, splitList(valueOf(p))...)
		}

		if ev.DTStart == "" || ev.DTEnd == "" {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func valueOf(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}
