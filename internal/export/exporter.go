// Package export renders a property's internally managed bookings as an
// ICS feed and owns the booking mutations that bump its export sequence.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"mcsync/internal/ics"
	appLog "mcsync/internal/log"
	"mcsync/internal/model"
	"mcsync/internal/store"
)

const (
	ProdID      = "-//Minpaku Suite//NONSGML Calendar Export//EN"
	calNameTail = " - Internal Bookings"
	uidDomain   = "minpaku-suite"
)

// Document is one rendered export.
type Document struct {
	Body     string
	ETag     string // quoted, derived from the exported data
	Sequence int
	Events   int
}

// Exporter works on a single property. It keeps no counters itself: every
// mutation re-reads and bumps the sequence inside one store update.
type Exporter struct {
	store      store.Store
	propertyID int64
	title      string

	now func() time.Time
}

// New returns an exporter for one property.
func New(st store.Store, propertyID int64, title string) *Exporter {
	return &Exporter{store: st, propertyID: propertyID, title: title, now: time.Now}
}

// PropertyID returns the property this exporter works on.
func (e *Exporter) PropertyID() int64 { return e.propertyID }

// ExportToIcs renders the internal bookings as an ICS document.
func (e *Exporter) ExportToIcs(ctx context.Context) (string, error) {
	doc, err := e.Export(ctx)
	if err != nil {
		return "", err
	}
	return doc.Body, nil
}

// Export renders the internal bookings and reports the values needed for
// HTTP caching.
func (e *Exporter) Export(ctx context.Context) (Document, error) {
	st, err := e.store.Load(ctx, e.propertyID)
	if err != nil {
		return Document{}, fmt.Errorf("export property %d: %w", e.propertyID, err)
	}
	internal := internalSlots(st.Slots)
	return Document{
		Body:     e.render(internal, e.now().UTC()),
		ETag:     e.etag(st.ExportSequence, internal),
		Sequence: st.ExportSequence,
		Events:   len(internal),
	}, nil
}

// ExportToFile writes the export into dir and returns the file path. An
// empty name means "property-<id>-internal-bookings.ics".
func (e *Exporter) ExportToFile(ctx context.Context, dir, name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("property-%d-internal-bookings.ics", e.propertyID)
	}
	body, err := e.ExportToIcs(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", err
	}
	appLog.Info("export written", "property_id", e.propertyID, "path", path, "bytes", len(body))
	return path, nil
}

// Booking identifies a stored internal booking and the export sequence
// written by the mutation that produced it.
type Booking struct {
	UID      string
	Sequence int
}

// AddInternalBooking stores a new internal booking and returns its UID and sequence.
// The slot takes the incremented export sequence as its SEQUENCE.
func (e *Exporter) AddInternalBooking(ctx context.Context, start, end time.Time, metadata map[string]any) (Booking, error) {
	var uid string
	var seq int
	err := e.store.Update(ctx, e.propertyID, func(st *store.PropertyState) error {
		st.ExportSequence++
		seq = st.ExportSequence

		uid = e.deriveUID(start.Unix(), end.Unix())
		if findUID(st.Slots, uid) >= 0 {
			// Same span booked twice; keep UIDs unique within the property.
			uid = fmt.Sprintf("internal-%d-%d-%d-%d@%s", e.propertyID, start.Unix(), end.Unix(), seq, uidDomain)
		}
		st.Slots = append(st.Slots, e.internalSlot(uid, start, end, seq, metadata))
		return nil
	})
	if err != nil {
		return Booking{}, fmt.Errorf("add booking to property %d: %w", e.propertyID, err)
	}

	appLog.Info("internal booking added",
		"property_id", e.propertyID,
		"uid", uid,
		"start", start.Unix(),
		"end", end.Unix(),
		"sequence", seq,
	)
	return Booking{UID: uid, Sequence: seq}, nil
}

var errNotFound = errors.New("booking not found")

// UpdateInternalBooking overwrites the bounds and metadata of an internal
// booking. It returns false, and changes nothing, when uid is unknown.
func (e *Exporter) UpdateInternalBooking(ctx context.Context, uid string, start, end time.Time, metadata map[string]any) (Booking, bool, error) {
	var seq int
	err := e.store.Update(ctx, e.propertyID, func(st *store.PropertyState) error {
		i := findInternalUID(st.Slots, uid)
		if i < 0 {
			return errNotFound
		}
		st.ExportSequence++
		seq = st.ExportSequence
		st.Slots[i] = e.internalSlot(uid, start, end, seq, metadata)
		return nil
	})
	if errors.Is(err, errNotFound) {
		return Booking{}, false, nil
	}
	if err != nil {
		return Booking{}, false, fmt.Errorf("update booking %s: %w", uid, err)
	}

	appLog.Info("internal booking updated",
		"property_id", e.propertyID,
		"uid", uid,
		"start", start.Unix(),
		"end", end.Unix(),
		"sequence", seq,
	)
	return Booking{UID: uid, Sequence: seq}, true, nil
}

// CancelInternalBooking removes an internal booking. The export sequence
// is still bumped so feed consumers notice the change. Unknown UIDs return
// false.
func (e *Exporter) CancelInternalBooking(ctx context.Context, uid string) (bool, error) {
	var seq int
	err := e.store.Update(ctx, e.propertyID, func(st *store.PropertyState) error {
		i := findInternalUID(st.Slots, uid)
		if i < 0 {
			return errNotFound
		}
		st.Slots = slices.Delete(st.Slots, i, i+1)
		st.ExportSequence++
		seq = st.ExportSequence
		return nil
	})
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel booking %s: %w", uid, err)
	}

	appLog.Info("internal booking cancelled", "property_id", e.propertyID, "uid", uid, "sequence", seq)
	return true, nil
}

// CurrentSequence returns the persisted export sequence.
func (e *Exporter) CurrentSequence(ctx context.Context) (int, error) {
	return store.GetExportSequence(ctx, e.store, e.propertyID)
}

func (e *Exporter) deriveUID(start, end int64) string {
	return fmt.Sprintf("internal-%d-%d-%d@%s", e.propertyID, start, end, uidDomain)
}

func (e *Exporter) internalSlot(uid string, start, end time.Time, seq int, metadata map[string]any) model.Slot {
	s := model.Slot{
		Start:    start.Unix(),
		End:      end.Unix(),
		Source:   model.SourceInternal,
		UID:      uid,
		Sequence: seq,
		DTStamp:  ics.FormatUTC(e.now()),
	}
	if len(metadata) > 0 {
		s.Metadata = metadata
	}
	return s
}

func (e *Exporter) render(slots []model.Slot, now time.Time) string {
	var b strings.Builder
	line := func(name, value string) {
		b.WriteString(ics.FoldLine(name + ":" + value))
		b.WriteString("\r\n")
	}

	line("BEGIN", "VCALENDAR")
	line("VERSION", "2.0")
	line("PRODID", ProdID)
	line("CALSCALE", "GREGORIAN")
	line("X-WR-CALNAME", ics.EscapeText(e.title+calNameTail))
	line("X-WR-TIMEZONE", "UTC")
	line("METHOD", "PUBLISH")

	stamp := ics.FormatUTC(now)
	for _, s := range slots {
		uid := s.UID
		if uid == "" {
			uid = e.deriveUID(s.Start, s.End)
		}
		line("BEGIN", "VEVENT")
		line("UID", uid)
		line("DTSTART", ics.FormatEpoch(s.Start))
		line("DTEND", ics.FormatEpoch(s.End))
		line("DTSTAMP", stamp)
		line("SEQUENCE", strconv.Itoa(s.Sequence))
		line("STATUS", "CONFIRMED")
		line("TRANSP", "OPAQUE")
		line("SUMMARY", ics.EscapeText("Reserved - "+e.title))
		line("DESCRIPTION", ics.EscapeText(e.description(s)))
		line("CLASS", "PRIVATE")
		line("END", "VEVENT")
	}

	line("END", "VCALENDAR")
	return b.String()
}

func (e *Exporter) description(s model.Slot) string {
	return strings.Join([]string{
		"Internal booking for " + e.title,
		"Check-in: " + s.StartTime().Format(time.DateOnly),
		"Check-out: " + s.EndTime().Format(time.DateOnly),
		"Source: Internal",
		"Managed by Minpaku Suite",
	}, "\n")
}

// etag covers the sequence, the title and every exported slot, but not
// DTSTAMP, which changes on every render.
func (e *Exporter) etag(seq int, slots []model.Slot) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s\n", e.propertyID, seq, e.title)
	for _, s := range slots {
		fmt.Fprintf(h, "%s|%d|%d|%d\n", s.UID, s.Start, s.End, s.Sequence)
	}
	return `"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
}

func internalSlots(slots []model.Slot) []model.Slot {
	out := make([]model.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Source == model.SourceInternal {
			out = append(out, s)
		}
	}
	return out
}

func findUID(slots []model.Slot, uid string) int {
	return slices.IndexFunc(slots, func(s model.Slot) bool { return s.UID == uid })
}

// findInternalUID only matches internal bookings; imported slots belong to
// their feed.
func findInternalUID(slots []model.Slot, uid string) int {
	if uid == "" {
		return -1
	}
	return slices.IndexFunc(slots, func(s model.Slot) bool {
		return s.UID == uid && s.Source == model.SourceInternal
	})
}
