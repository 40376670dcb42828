package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "mcsync/internal/log"
	"mcsync/internal/model"
)

const defaultMaxOccurrencesPerEvent = 500

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the occurrences kept (inclusive).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded events and the series that hit the cap.
type ExpandResult struct {
	Events          []model.RawEvent
	TruncatedEvents []string
}

// ExpandRecurring replaces every event carrying an RRULE by its concrete
// occurrences inside the configured window. Each occurrence gets the UID
// "<series UID>/<DTSTART token>" and inherits SEQUENCE, DTSTAMP, STATUS
// and SUMMARY, so repeated expansion of the same feed yields the same
// events. Events without an RRULE, or whose rule cannot be parsed, are
// returned unchanged.
//
// Run this on reconciled winners: cancellation and version selection have
// to be decided for the series before it is split.
func ExpandRecurring(events []model.RawEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" || !ev.HasUID() {
			out = append(out, ev)
			continue
		}

		occ, hitCap, err := expandSeries(ev, cfg)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
			out = append(out, ev)
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	result.Events = out
	return result, nil
}

func expandSeries(ev model.RawEvent, cfg ExpandConfig) ([]model.RawEvent, bool, error) {
	start, ok := ParseToken(ev.DTStart)
	if !ok {
		return nil, false, errors.New("unparseable DTSTART")
	}
	end, ok := ParseToken(ev.DTEnd)
	if !ok {
		end = start
	}
	duration := end.Sub(start)
	allDay := len(ev.DTStart) == len(layoutDate)

	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		return nil, false, err
	}
	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, err
	}

	var set rrule.Set
	set.RRule(r)
	for _, token := range ev.ExDates {
		if ex, ok := ParseToken(token); ok {
			set.ExDate(ex)
		}
	}

	times := set.Between(cfg.RangeStart.UTC(), cfg.RangeEnd.UTC(), true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.RawEvent, 0, len(times))
	for _, t := range times {
		occ := ev
		occ.RRule = ""
		occ.ExDates = nil
		occ.DTStart = formatToken(t, allDay)
		occ.DTEnd = formatToken(t.Add(duration), allDay)
		occ.UID = ev.UID + "/" + occ.DTStart
		out = append(out, occ)
	}
	return out, hitCap, nil
}

func formatToken(t time.Time, allDay bool) string {
	if allDay {
		return t.UTC().Format(layoutDate)
	}
	return FormatUTC(t)
}
