package ics

import (
	"cmp"
	"slices"

	"mcsync/internal/model"
)

// StatusCancelled is the STATUS value that tombstones a UID.
const StatusCancelled = "CANCELLED"

// Stats summarizes one reconciliation pass.
type Stats struct {
	TotalRaw   int `json:"total_raw"`
	WithUID    int `json:"with_uid"` // distinct UIDs with a non-cancelled version
	WithoutUID int `json:"without_uid"`
	Cancelled  int `json:"cancelled"` // distinct UIDs carrying a CANCELLED version
	Final      int `json:"final"`
}

// Reconcile picks one version per UID and converts the winners into
// import-sourced canonical events. See Winners for the selection rules.
func Reconcile(raw []model.RawEvent) []model.CanonicalEvent {
	winners, _ := Winners(raw)
	return Canonicalize(winners)
}

// Winners selects the surviving raw events of a parse batch:
//
//   - any CANCELLED version of a UID suppresses every version of that UID,
//     whatever its SEQUENCE;
//   - otherwise the highest SEQUENCE wins, ties broken by the later DTSTAMP;
//   - events without a UID pass through untouched, after all UID winners.
//
// UID winners are returned in order of first appearance.
func Winners(raw []model.RawEvent) ([]model.RawEvent, Stats) {
	stats := Stats{TotalRaw: len(raw)}

	cancelled := make(map[string]struct{})
	groups := make(map[string][]model.RawEvent)
	var order []string
	var withoutUID []model.RawEvent

	for _, ev := range raw {
		if !ev.HasUID() {
			withoutUID = append(withoutUID, ev)
			continue
		}
		if ev.Status == StatusCancelled {
			cancelled[ev.UID] = struct{}{}
			continue
		}
		if _, seen := groups[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		groups[ev.UID] = append(groups[ev.UID], ev)
	}

	out := make([]model.RawEvent, 0, len(order)+len(withoutUID))
	for _, uid := range order {
		if _, ok := cancelled[uid]; ok {
			continue
		}
		out = append(out, latestVersion(groups[uid]))
	}
	out = append(out, withoutUID...)

	stats.WithUID = len(groups)
	stats.WithoutUID = len(withoutUID)
	stats.Cancelled = len(cancelled)
	stats.Final = len(out)
	return out, stats
}

// latestVersion orders versions by SEQUENCE desc, then DTSTAMP desc.
func latestVersion(versions []model.RawEvent) model.RawEvent {
	if len(versions) == 1 {
		return versions[0]
	}
	sorted := slices.Clone(versions)
	slices.SortStableFunc(sorted, func(a, b model.RawEvent) int {
		if c := cmp.Compare(b.Sequence, a.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(ToEpoch(b.DTStamp), ToEpoch(a.DTStamp))
	})
	return sorted[0]
}

// Canonicalize converts raw events to import-sourced canonical events.
// DTSTAMP is kept as the original token so later merges compare the same
// value the feed sent.
func Canonicalize(raw []model.RawEvent) []model.CanonicalEvent {
	out := make([]model.CanonicalEvent, 0, len(raw))
	for _, ev := range raw {
		out = append(out, canonical(ev))
	}
	return out
}

func canonical(ev model.RawEvent) model.CanonicalEvent {
	c := model.CanonicalEvent{
		Start:    ToEpoch(ev.DTStart),
		End:      ToEpoch(ev.DTEnd),
		Source:   model.SourceImport,
		UID:      ev.UID,
		Sequence: ev.Sequence,
		DTStamp:  ev.DTStamp,
	}
	if ev.Summary != "" {
		c.Metadata = map[string]any{"summary": ev.Summary}
	}
	return c
}
