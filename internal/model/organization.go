package model

import "time"

// CertificationStatus is the derived certification state of an organization.
type CertificationStatus string

const (
	CertUnclassified CertificationStatus = "unclassified"
	CertStandard     CertificationStatus = "standard-certified"
	CertAlternate    CertificationStatus = "alternate-certified"
	CertSelf         CertificationStatus = "self-certified"
	CertUnknown      CertificationStatus = "unknown"
)

// Organization is the merged, deduplicated real-world entity. It is a
// projection of the lineage log and can always be rebuilt from it.
//
// SourceMisses counts, per member source, the consecutive runs that carried
// the source without confirming the organization. MissedCycles is the
// smallest of those counts.
type Organization struct {
	CanonicalID         string                  `json:"canonical_id"`
	Category            Category                `json:"category"`
	CurrentFields       NormalizedFields        `json:"current_fields"`
	Aliases             []string                `json:"aliases,omitempty"`
	MemberSourceIDs     []string                `json:"member_source_ids"`
	CertificationStatus CertificationStatus     `json:"certification_status"`
	Certification       *CertificationRecord    `json:"certification,omitempty"`
	FieldHistory        map[string][]FieldValue `json:"field_history,omitempty"`
	Version             int                     `json:"version"`
	Active              bool                    `json:"active"`
	MissedCycles        int                     `json:"missed_cycles,omitempty"`
	SourceMisses        map[string]int          `json:"source_misses,omitempty"`
	LastConfirmedCycle  int64                   `json:"last_confirmed_cycle,omitempty"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// CertificationRecord is the classifier's output for one organization.
type CertificationRecord struct {
	OrganizationID    string              `json:"organization_id"`
	CertificationType CertificationStatus `json:"certification_type"`
	Confidence        float64             `json:"confidence"`
	Evidence          []string            `json:"evidence,omitempty"`
	ClassifiedAt      time.Time           `json:"classified_at"`
}
