package sync

import (
	"context"
	"reflect"
	"testing"

	"mcsync/internal/ics"
	"mcsync/internal/model"
	"mcsync/internal/store"
)

func slot(uid string, start, end int64, seq int, stamp string) model.Slot {
	return model.Slot{Start: start, End: end, Source: model.SourceImport, UID: uid, Sequence: seq, DTStamp: stamp}
}

func TestMerge_IntoEmpty(t *testing.T) {
	t.Parallel()

	text := "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:abc\r\nDTSTART:20250601\r\nDTEND:20250602\r\n" +
		"DTSTAMP:20250101T000000Z\r\nSEQUENCE:0\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	events := ics.Reconcile(ics.Parse(text))

	ctx := context.Background()
	st := store.NewMemory()
	existing, _ := store.GetSlots(ctx, st, 42)

	got, rep := Merge(existing, events)
	if rep != (model.Report{Added: 1}) {
		t.Fatalf("report = %+v, want added 1", rep)
	}
	if err := store.SetSlots(ctx, st, 42, got); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetSlots(ctx, st, 42)
	if len(stored) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(stored))
	}
	s := stored[0]
	if s.Start != 1748736000 || s.End != 1748822400 || s.UID != "abc" || s.Sequence != 0 || s.Source != model.SourceImport {
		t.Fatalf("unexpected slot: %+v", s)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	t.Parallel()

	existing := []model.Slot{
		slot("keep", 10, 20, 1, "20250101T000000Z"),
		slot("gone", 30, 40, 0, ""),
		{Start: 1, End: 2, Source: model.SourceImport},
	}
	events := []model.CanonicalEvent{
		slot("keep", 10, 25, 1, "20250101T000000Z"),
		slot("new", 50, 60, 0, "20250101T000000Z"),
	}

	first, rep1 := Merge(existing, events)
	if rep1 != (model.Report{Added: 1, Updated: 1, Removed: 1}) {
		t.Fatalf("first merge report = %+v", rep1)
	}
	second, rep2 := Merge(first, events)
	if rep2 != (model.Report{Skipped: 2}) {
		t.Fatalf("second merge report = %+v, want only skips", rep2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second merge changed the list:\n%+v\n%+v", first, second)
	}
}

func TestMerge_RemovalOnAbsence(t *testing.T) {
	t.Parallel()

	a := slot("1", 100, 200, 0, "20250101T000000Z")
	b := slot("2", 300, 400, 0, "20250101T000000Z")
	aPrime := a
	aPrime.Metadata = map[string]any{"summary": "resent"}

	got, rep := Merge([]model.Slot{a, b}, []model.CanonicalEvent{aPrime})
	if rep != (model.Report{Removed: 1, Skipped: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	if len(got) != 1 || !reflect.DeepEqual(got[0], a) {
		t.Fatalf("expected only the original A, got %+v", got)
	}
}

func TestMerge_StaleUpdateRejected(t *testing.T) {
	t.Parallel()

	existing := []model.Slot{slot("3", 100, 200, 5, "20250101T000000Z")}
	stale := slot("3", 500, 900, 3, "20250301T000000Z")

	got, rep := Merge(existing, []model.CanonicalEvent{stale})
	if rep != (model.Report{Skipped: 1}) {
		t.Fatalf("report = %+v, want a single skip", rep)
	}
	if got[0].Start != 100 || got[0].End != 200 || got[0].Sequence != 5 {
		t.Fatalf("stale event was applied: %+v", got[0])
	}
}

func TestMerge_VersionRules(t *testing.T) {
	t.Parallel()

	base := slot("v", 100, 200, 2, "20250102T000000Z")
	tests := []struct {
		name    string
		in      model.CanonicalEvent
		updated bool
	}{
		{"higher sequence", slot("v", 100, 200, 3, "20240101T000000Z"), true},
		{"lower sequence", slot("v", 100, 200, 1, "20260101T000000Z"), false},
		{"later stamp", slot("v", 100, 200, 2, "20250103T000000Z"), true},
		{"same stamp", slot("v", 100, 200, 2, "20250102T000000Z"), false},
		{"earlier stamp", slot("v", 100, 200, 2, "20250101T000000Z"), false},
		{"moved", slot("v", 100, 300, 2, "20250102T000000Z"), true},
		{"moved with older stamp", slot("v", 150, 200, 2, "20240101T000000Z"), true},
		{"moved with lower sequence", slot("v", 150, 200, 1, "20260101T000000Z"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rep := Merge([]model.Slot{base}, []model.CanonicalEvent{tt.in})
			if (rep.Updated == 1) != tt.updated {
				t.Fatalf("report = %+v, want updated=%v", rep, tt.updated)
			}
			want := base
			if tt.updated {
				want = tt.in
			}
			if !reflect.DeepEqual(got[0], want) {
				t.Fatalf("slot = %+v, want %+v", got[0], want)
			}
		})
	}
}

func TestMerge_UIDLessSlotsUntouched(t *testing.T) {
	t.Parallel()

	anon := model.Slot{Start: 1, End: 2, Source: model.SourceImport}
	got, rep := Merge([]model.Slot{anon}, nil)
	if rep != (model.Report{}) || len(got) != 1 {
		t.Fatalf("UID-less slot must survive an empty batch: %+v %+v", rep, got)
	}

	got, rep = Merge(got, []model.CanonicalEvent{anon})
	if rep.Added != 1 || len(got) != 2 {
		t.Fatalf("UID-less incoming events are always appended: %+v %+v", rep, got)
	}
}

func TestMerge_DuplicateUIDInBatch(t *testing.T) {
	t.Parallel()

	first := slot("dup", 1, 2, 0, "")
	second := slot("dup", 3, 4, 0, "")

	got, rep := Merge(nil, []model.CanonicalEvent{first, second})
	if rep != (model.Report{Added: 1, Updated: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	if len(got) != 1 || got[0].Start != 3 {
		t.Fatalf("expected the later copy only, got %+v", got)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	existing := []model.Slot{slot("a", 1, 2, 0, ""), slot("b", 3, 4, 0, "")}
	snapshot := append([]model.Slot(nil), existing...)
	_, _ = Merge(existing, []model.CanonicalEvent{slot("a", 5, 6, 1, "")})
	if !reflect.DeepEqual(existing, snapshot) {
		t.Fatalf("input was modified: %+v", existing)
	}
}

func TestApplyFeed_PartitionsByFeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()

	internal := model.Slot{Start: 1, End: 2, Source: model.SourceInternal, UID: "internal-1", Sequence: 1}
	other := slot("o1", 5, 6, 0, "")
	other.Feed = "vrbo"
	mine := slot("m1", 7, 8, 0, "")
	mine.Feed = "airbnb"
	if err := store.SetSlots(ctx, st, 9, []model.Slot{internal, other, mine}); err != nil {
		t.Fatal(err)
	}

	// airbnb now publishes a single different event.
	rep, err := ApplyFeed(ctx, st, 9, "airbnb", []model.CanonicalEvent{slot("m2", 9, 10, 0, "")}, false)
	if err != nil {
		t.Fatalf("ApplyFeed(): %v", err)
	}
	if rep != (model.Report{Added: 1, Removed: 1}) {
		t.Fatalf("report = %+v", rep)
	}

	got, _ := store.GetSlots(ctx, st, 9)
	uids := map[string]string{}
	for _, s := range got {
		uids[s.UID] = s.Feed
	}
	want := map[string]string{"internal-1": "", "o1": "vrbo", "m2": "airbnb"}
	if !reflect.DeepEqual(uids, want) {
		t.Fatalf("slots after merge = %v, want %v", uids, want)
	}
}

func TestApplyFeed_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()

	rep, err := ApplyFeed(ctx, st, 1, "airbnb", []model.CanonicalEvent{slot("x", 1, 2, 0, "")}, true)
	if err != nil || rep.Added != 1 {
		t.Fatalf("dry run = %+v, %v", rep, err)
	}
	if got, _ := store.GetSlots(ctx, st, 1); len(got) != 0 {
		t.Fatalf("dry run persisted %+v", got)
	}
}
