// Package records holds the observation, resource and cursor types shared by
// the ingestion pipeline, the stores and the read surface.
package records

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
)

// Observation is one persisted reading for a resource. It is immutable once
// stored.
type Observation struct {
	ID               string    `json:"id"`
	ResourceID       string    `json:"resourceId"`
	ObservedAt       time.Time `json:"observedAt"`
	PrimaryMeasure   float64   `json:"primaryMeasure"`
	SecondaryMeasure float64   `json:"secondaryMeasure"`
}

// Cursor returns the position directly after o in history order.
func (o Observation) Cursor() Cursor {
	return Cursor{ObservedAt: o.ObservedAt, ID: o.ID}
}

// Resource describes a monitored resource. The catalog owns it; ingestion only
// checks that it exists.
type Resource struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Region              string `json:"region,omitempty"`
	Country             string `json:"country,omitempty"`
	ElevationBaseMeters int    `json:"elevationBaseMeters,omitempty"`
	ElevationTopMeters  int    `json:"elevationTopMeters,omitempty"`
}

// Page is one slice of a resource's history. NextCursor is nil at the end of
// history.
type Page struct {
	Items      []Observation
	NextCursor *Cursor
}

// ComparisonRow is an observation joined with its resource name.
type ComparisonRow struct {
	RecordID         string    `json:"recordId"`
	ResourceID       string    `json:"resourceId"`
	ResourceName     string    `json:"resourceName"`
	ObservedAt       time.Time `json:"observedAt"`
	PrimaryMeasure   float64   `json:"primaryMeasure"`
	SecondaryMeasure float64   `json:"secondaryMeasure"`
}

// NormalizeTime converts t to UTC with microsecond precision, the finest
// precision every store keeps.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ParseResourceID validates s as a non-nil UUID and returns its canonical
// lower-case form.
func ParseResourceID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errspkg.ErrInvalidResourceID
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return "", errspkg.ErrInvalidResourceID
	}
	return id.String(), nil
}

// Precedes reports whether a sorts before b in history order, newest first
// with ties broken by descending byte-wise id.
func Precedes(a, b Observation) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID > b.ID
}

// SortComparison orders rows by resource name, then oldest first.
func SortComparison(rows []ComparisonRow) {
	slices.SortStableFunc(rows, func(a, b ComparisonRow) int {
		if c := strings.Compare(a.ResourceName, b.ResourceName); c != 0 {
			return c
		}
		if c := strings.Compare(a.ResourceID, b.ResourceID); c != 0 {
			return c
		}
		if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RecordID, b.RecordID)
	})
}

// SortHistory orders items newest first.
func SortHistory(items []Observation) {
	slices.SortStableFunc(items, historyOrder)
}

// SortChronological orders items oldest first, the reverse of history order.
func SortChronological(items []Observation) {
	slices.SortStableFunc(items, func(a, b Observation) int { return historyOrder(b, a) })
}

func historyOrder(a, b Observation) int {
	switch {
	case Precedes(a, b):
		return -1
	case Precedes(b, a):
		return 1
	default:
		return 0
	}
}
