package model

import "time"

// FieldValue records one observed value of a scalar field together with the
// source records that asserted it.
type FieldValue struct {
	Value         string    `json:"value"`
	Sources       []string  `json:"sources"`
	FirstSeen     time.Time `json:"first_seen"`
	LastConfirmed time.Time `json:"last_confirmed"`
}

// LineageEntry is one immutable version produced when a source record is
// attached to an organization.
type LineageEntry struct {
	OrganizationID string           `json:"organization_id"`
	SourceID       string           `json:"source_id"`
	RecordKey      string           `json:"record_key"`
	ExtractedAt    time.Time        `json:"extracted_at"`
	VersionNumber  int              `json:"version_number"`
	IsCurrent      bool             `json:"is_current"`
	ContentHash    string           `json:"content_hash"`
	Category       Category         `json:"category"`
	Snapshot       NormalizedFields `json:"snapshot"`
	RawFields      map[string]any   `json:"raw_fields,omitempty"`
	RunID          string           `json:"run_id,omitempty"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// Ref returns the source record reference of the entry.
func (e LineageEntry) Ref() string {
	return RecordRef(e.SourceID, e.RecordKey)
}
