package model

import (
	"strings"
	"time"
)

// NormalizedFields is the common shape every adapter record is mapped into.
// Set-valued fields are kept sorted and deduplicated.
type NormalizedFields struct {
	Name           string   `json:"name"`
	Street         string   `json:"street,omitempty"`
	City           string   `json:"city,omitempty"`
	State          string   `json:"state,omitempty"`
	Zip            string   `json:"zip,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	Website        string   `json:"website,omitempty"`
	Services       []string `json:"services,omitempty"`
	Populations    []string `json:"populations_served,omitempty"`
	Insurance      []string `json:"insurance,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
	Capacity       *int     `json:"capacity,omitempty"`
}

// Clone returns a deep copy of f.
func (f NormalizedFields) Clone() NormalizedFields {
	out := f
	out.Services = cloneStrings(f.Services)
	out.Populations = cloneStrings(f.Populations)
	out.Insurance = cloneStrings(f.Insurance)
	out.Certifications = cloneStrings(f.Certifications)
	if f.Capacity != nil {
		c := *f.Capacity
		out.Capacity = &c
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// SourceRecord is one fact-bearing snapshot from one source at one point in
// time. It is never mutated after the normalizer builds it.
type SourceRecord struct {
	SourceID    string           `json:"source_id"`
	RecordKey   string           `json:"record_key"`
	Category    Category         `json:"category"`
	Family      string           `json:"family,omitempty"`
	ExtractedAt time.Time        `json:"extracted_at"`
	RawFields   map[string]any   `json:"raw_fields"`
	Normalized  NormalizedFields `json:"normalized_fields"`
}

// refSeparator joins source_id and record_key into a record reference.
const refSeparator = "#"

// Ref returns the globally unique identifier of the record.
func (r SourceRecord) Ref() string {
	return RecordRef(r.SourceID, r.RecordKey)
}

// RecordRef builds a record reference from its parts.
func RecordRef(sourceID, recordKey string) string {
	return sourceID + refSeparator + recordKey
}

// SplitRef is the inverse of RecordRef.
func SplitRef(ref string) (sourceID, recordKey string) {
	sourceID, recordKey, _ = strings.Cut(ref, refSeparator)
	return sourceID, recordKey
}
