package ics

import (
	"strconv"
	"strings"

	"mcsync/internal/model"
)

// Parse scans ICS text into one RawEvent per VEVENT block.
//
// The scanner is lenient: unknown properties and malformed
// lines are ignored, and a VEVENT lacking DTSTART or DTEND is dropped.
// Components nested inside a VEVENT (VALARM and friends) are skipped so
// their SUMMARY/DESCRIPTION never leak into the event.
func Parse(text string) []model.RawEvent {
	var (
		events  []model.RawEvent
		current model.RawEvent
		inEvent bool
		nested  int
	)

	for _, line := range strings.Split(Unfold(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.EqualFold(line, "BEGIN:VEVENT"):
			inEvent = true
			nested = 0
			current = model.RawEvent{}
			continue
		case strings.EqualFold(line, "END:VEVENT"):
			if inEvent && current.DTStart != "" && current.DTEnd != "" {
				events = append(events, current)
			}
			inEvent = false
			continue
		}

		if !inEvent {
			continue
		}

		if hasPrefixFold(line, "BEGIN:") {
			nested++
			continue
		}
		if hasPrefixFold(line, "END:") {
			if nested > 0 {
				nested--
			}
			continue
		}
		if nested > 0 {
			continue
		}

		parseProperty(line, &current)
	}

	return events
}

func parseProperty(line string, ev *model.RawEvent) {
	switch {
	case hasPrefixFold(line, "UID:"):
		ev.UID = propertyValue(line)
	case hasPrefixFold(line, "DTSTART"):
		ev.DTStart = propertyValue(line)
	case hasPrefixFold(line, "DTEND"):
		ev.DTEnd = propertyValue(line)
	case hasPrefixFold(line, "DTSTAMP:"):
		ev.DTStamp = propertyValue(line)
	case hasPrefixFold(line, "SEQUENCE:"):
		ev.Sequence = parseSequence(propertyValue(line))
	case hasPrefixFold(line, "STATUS:"):
		ev.Status = strings.ToUpper(propertyValue(line))
	case hasPrefixFold(line, "SUMMARY:"):
		ev.Summary = propertyValue(line)
	case hasPrefixFold(line, "RRULE:"):
		ev.RRule = propertyValue(line)
	case hasPrefixFold(line, "EXDATE"):
		ev.ExDates = append(ev.ExDates, splitList(propertyValue(line))...)
	}
}

// propertyValue returns everything after the first colon, trimmed.
func propertyValue(line string) string {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i+1:])
}

func parseSequence(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
