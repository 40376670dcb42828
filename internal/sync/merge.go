// Package sync imports external ICS feeds into the slot store: the
// differential merge, the per-property fetch/parse/merge pipeline and the
// cron schedule that drives it.
package sync

import (
	"context"
	"errors"

	"mcsync/internal/ics"
	"mcsync/internal/model"
	"mcsync/internal/store"
)

// Merge folds a reconciled event set into an existing slot list.
//
// Existing slots are indexed by UID; slots without a UID are carried over
// untouched. An incoming event whose UID is known replaces the stored slot
// when it carries a higher SEQUENCE, or the same SEQUENCE with different
// bounds or a later DTSTAMP. A lower SEQUENCE is always skipped, even when
// its bounds differ. Unknown UIDs and UID-less events are appended. Every indexed
// slot whose UID did not appear in the batch is removed.
//
// The returned list is new; existing is not modified.
func Merge(existing []model.Slot, incoming []model.CanonicalEvent) ([]model.Slot, model.Report) {
	var rep model.Report

	out := make([]model.Slot, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(existing))
	for i, s := range existing {
		if s.UID != "" {
			index[s.UID] = i
		}
	}
	seen := make(map[string]struct{}, len(index))
	appended := make(map[string]int)

	for _, ev := range incoming {
		if ev.UID == "" {
			out = append(out, ev)
			rep.Added++
			continue
		}
		if pos, ok := index[ev.UID]; ok {
			seen[ev.UID] = struct{}{}
			if needsUpdate(out[pos], ev) {
				out[pos] = ev
				rep.Updated++
			} else {
				rep.Skipped++
			}
			continue
		}
		// Same UID twice in one batch: the later copy wins in place.
		if pos, ok := appended[ev.UID]; ok {
			out[pos] = ev
			rep.Updated++
			continue
		}
		appended[ev.UID] = len(out)
		out = append(out, ev)
		rep.Added++
	}

	final := out[:0:0]
	for i, s := range out {
		if i < len(existing) && s.UID != "" {
			if _, ok := seen[s.UID]; !ok {
				rep.Removed++
				continue
			}
		}
		final = append(final, s)
	}
	return final, rep
}

func needsUpdate(old model.Slot, ev model.CanonicalEvent) bool {
	if ev.Sequence != old.Sequence {
		return ev.Sequence > old.Sequence
	}
	if old.Start != ev.Start || old.End != ev.End {
		return true
	}
	return ics.ToEpoch(ev.DTStamp) > ics.ToEpoch(old.DTStamp)
}

var errUnchanged = errors.New("sync: unchanged")

// ApplyFeed merges the events of one feed into a property. Only the
// property's import slots tagged with feedID take part in the merge;
// internal bookings and other feeds' slots are kept as they are. Incoming
// events are tagged with feedID. With dryRun the report is computed but
// nothing is written.
func ApplyFeed(ctx context.Context, st store.Store, propertyID int64, feedID string, events []model.CanonicalEvent, dryRun bool) (model.Report, error) {
	tagged := make([]model.CanonicalEvent, len(events))
	for i, ev := range events {
		ev.Source = model.SourceImport
		ev.Feed = feedID
		tagged[i] = ev
	}

	var rep model.Report
	apply := func(ps *store.PropertyState) error {
		var own, rest []model.Slot
		for _, s := range ps.Slots {
			if s.Source == model.SourceImport && s.Feed == feedID {
				own = append(own, s)
			} else {
				rest = append(rest, s)
			}
		}
		merged, r := Merge(own, tagged)
		rep = r
		if dryRun || !r.Changed() {
			return errUnchanged
		}
		ps.Slots = append(rest, merged...)
		return nil
	}

	if dryRun {
		ps, err := st.Load(ctx, propertyID)
		if err != nil {
			return rep, err
		}
		_ = apply(&ps)
		return rep, nil
	}

	err := st.Update(ctx, propertyID, apply)
	if err != nil && !errors.Is(err, errUnchanged) {
		return rep, err
	}
	return rep, nil
}
