// Package store persists the booked slots and export sequence of each
// property. Backends only need to provide a whole-state load and an atomic
// read-modify-write; slot lists are always replaced as a whole.
package store

import (
	"context"
	"errors"
	"slices"

	"mcsync/internal/model"
)

var (
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("store: concurrent update conflict")

	// ErrUnknownProperty is returned by callers that resolve a property ID
	// against the configured set before touching the store.
	ErrUnknownProperty = errors.New("store: unknown property")
)

// PropertyState is everything persisted for one property.
type PropertyState struct {
	Slots          []model.Slot `json:"slots"`
	ExportSequence int          `json:"export_sequence"`
}

// Clone returns a deep enough copy for callers to mutate freely.
func (s PropertyState) Clone() PropertyState {
	out := PropertyState{ExportSequence: s.ExportSequence}
	if s.Slots != nil {
		out.Slots = make([]model.Slot, len(s.Slots))
		for i, sl := range s.Slots {
			out.Slots[i] = cloneSlot(sl)
		}
	}
	return out
}

func cloneSlot(s model.Slot) model.Slot {
	if s.Metadata != nil {
		md := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}

// Store is the persistence contract. A property never written reads as the
// zero PropertyState.
type Store interface {
	// Load returns the current state of a property.
	Load(ctx context.Context, propertyID int64) (PropertyState, error)

	// Update runs fn on the current state and persists the result as one
	// atomic replacement. If fn returns an error nothing is written and the
	// error is returned unchanged.
	Update(ctx context.Context, propertyID int64, fn func(*PropertyState) error) error
}

// GetSlots returns the slot list of a property.
func GetSlots(ctx context.Context, s Store, propertyID int64) ([]model.Slot, error) {
	st, err := s.Load(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	return st.Slots, nil
}

// SetSlots replaces the slot list of a property.
func SetSlots(ctx context.Context, s Store, propertyID int64, slots []model.Slot) error {
	return s.Update(ctx, propertyID, func(st *PropertyState) error {
		st.Slots = slices.Clone(slots)
		return nil
	})
}

// GetExportSequence returns the export counter, 0 if never set.
func GetExportSequence(ctx context.Context, s Store, propertyID int64) (int, error) {
	st, err := s.Load(ctx, propertyID)
	if err != nil {
		return 0, err
	}
	return st.ExportSequence, nil
}

// SetExportSequence overwrites the export counter.
func SetExportSequence(ctx context.Context, s Store, propertyID int64, seq int) error {
	return s.Update(ctx, propertyID, func(st *PropertyState) error {
		st.ExportSequence = seq
		return nil
	})
}
