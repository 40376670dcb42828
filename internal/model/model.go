package model

import "time"

// Source tells where a booked slot originated.
type Source string

const (
	// SourceInternal marks bookings managed by this system; only these are exported.
	SourceInternal Source = "internal"
	// SourceImport marks slots copied from an external ICS feed.
	SourceImport Source = "import"
)

// RawEvent is one VEVENT block as scanned from a feed, before any
// reconciliation. Date tokens are kept exactly as they appeared.
type RawEvent struct {
	UID      string
	DTStart  string
	DTEnd    string
	DTStamp  string
	Sequence int
	Status   string // upper-cased, e.g. "CANCELLED"
	Summary  string

	// Recurrence data, only consumed when a feed opts into expansion.
	RRule   string
	ExDates []string
}

// HasUID reports whether the event carries a non-empty UID.
func (e RawEvent) HasUID() bool {
	return e.UID != ""
}

// Slot is the persisted form of a booked interval for one property.
// Start and End are Unix seconds in UTC.
type Slot struct {
	Start    int64          `json:"start"`
	End      int64          `json:"end"`
	Source   Source         `json:"source"`
	UID      string         `json:"uid,omitempty"`
	Sequence int            `json:"sequence"`
	DTStamp  string         `json:"dtstamp,omitempty"`
	Feed     string         `json:"feed,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CanonicalEvent is a reconciled event ready to be merged into a slot list.
// It has the same shape as Slot.
type CanonicalEvent = Slot

// StartTime returns Start as a UTC time.Time.
func (s Slot) StartTime() time.Time {
	return time.Unix(s.Start, 0).UTC()
}

// EndTime returns End as a UTC time.Time.
func (s Slot) EndTime() time.Time {
	return time.Unix(s.End, 0).UTC()
}

// Suspect reports slots that usually come from unparseable dates:
// a zero epoch on either bound or a non-positive span.
func (s Slot) Suspect() bool {
	return s.Start == 0 || s.End == 0 || s.End <= s.Start
}

// Report counts the outcome of a differential merge.
type Report struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

// Add accumulates other into r.
func (r *Report) Add(other Report) {
	r.Added += other.Added
	r.Updated += other.Updated
	r.Removed += other.Removed
	r.Skipped += other.Skipped
}

// Changed reports whether the merge touched the slot list.
func (r Report) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0
}
