// Package snapshot writes the canonical directory and per-organization
// lineage exports as versioned JSON documents. Fields are only ever added,
// so older readers keep working; each addition bumps the minor version.
package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/store"
)

// SchemaVersion of the documents written by this package.
const SchemaVersion = "1.1"

// Entry is one organization in the directory.
type Entry struct {
	CanonicalID         string                     `json:"canonical_id"`
	Category            model.Category             `json:"category"`
	CurrentFields       model.NormalizedFields     `json:"current_fields"`
	CertificationStatus model.CertificationStatus  `json:"certification_status"`
	MemberSourceIDs     []string                   `json:"member_source_ids"`
	Active              bool                       `json:"active"`
	Version             int                        `json:"version"`
	Aliases             []string                   `json:"aliases,omitempty"`
	Certification       *model.CertificationRecord `json:"certification,omitempty"`
}

// Completeness is the share of organizations carrying each field.
type Completeness struct {
	Name     float64 `json:"name"`
	Street   float64 `json:"street"`
	Phone    float64 `json:"phone"`
	Website  float64 `json:"website"`
	Services float64 `json:"services"`
}

// Directory is the canonical directory document.
type Directory struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	RunID         string                 `json:"run_id,omitempty"`
	Counts        map[model.Category]int `json:"counts"`
	Completeness  Completeness           `json:"completeness"`
	Organizations []Entry                `json:"organizations"`
}

// Options selects what goes into a directory.
type Options struct {
	Category        model.Category
	IncludeInactive bool
	RunID           string
}

// Build assembles the directory from the current-state table.
func Build(ctx context.Context, s store.Store, opts Options) (*Directory, error) {
	orgs, err := s.ListOrganizations(ctx, store.OrgFilter{
		Category:   opts.Category,
		ActiveOnly: !opts.IncludeInactive,
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: list organizations")
	}
	runID := opts.RunID
	if runID == "" {
		runs, err := s.ListRuns(ctx, store.RunFilter{Status: model.RunStatusComplete, Limit: 1})
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: latest run")
		}
		if len(runs) > 0 {
			runID = runs[0].ID
		}
	}

	d := &Directory{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RunID:         runID,
		Counts:        make(map[model.Category]int),
		Organizations: make([]Entry, 0, len(orgs)),
	}
	for _, o := range orgs {
		d.Counts[o.Category]++
		d.Organizations = append(d.Organizations, entryFor(o))
	}
	d.Completeness = completeness(orgs)
	return d, nil
}

func entryFor(o model.Organization) Entry {
	return Entry{
		CanonicalID:         o.CanonicalID,
		Category:            o.Category,
		CurrentFields:       o.CurrentFields,
		CertificationStatus: o.CertificationStatus,
		MemberSourceIDs:     o.MemberSourceIDs,
		Active:              o.Active,
		Version:             o.Version,
		Aliases:             o.Aliases,
		Certification:       o.Certification,
	}
}

func completeness(orgs []model.Organization) Completeness {
	if len(orgs) == 0 {
		return Completeness{}
	}
	var c Completeness
	for _, o := range orgs {
		f := o.CurrentFields
		c.Name += present(f.Name != "")
		c.Street += present(f.Street != "")
		c.Phone += present(f.Phone != "")
		c.Website += present(f.Website != "")
		c.Services += present(len(f.Services) > 0)
	}
	n := float64(len(orgs))
	return Completeness{Name: c.Name / n, Street: c.Street / n, Phone: c.Phone / n, Website: c.Website / n, Services: c.Services / n}
}

func present(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// LineageExport is one organization's full provenance.
type LineageExport struct {
	SchemaVersion  string                        `json:"schema_version"`
	OrganizationID string                        `json:"organization_id"`
	Sources        []string                      `json:"sources"`
	Entries        []model.LineageEntry          `json:"entries"`
	FieldHistory   map[string][]model.FieldValue `json:"field_history,omitempty"`
}

// ExportLineage builds the lineage export of one organization.
func ExportLineage(ctx context.Context, l *lineage.Log, orgID string) (*LineageExport, error) {
	entries, err := l.History(ctx, orgID)
	if err != nil {
		return nil, err
	}
	org, _ := lineage.Build(orgID, entries)
	return &LineageExport{
		SchemaVersion:  SchemaVersion,
		OrganizationID: orgID,
		Sources:        org.MemberSourceIDs,
		Entries:        entries,
		FieldHistory:   org.FieldHistory,
	}, nil
}

// Encode writes v as indented JSON.
func Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "snapshot: encode")
}

// WriteFile writes v to path through a temp file in the same directory, so
// readers never see a partial document.
func WriteFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "snapshot: create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return eris.Wrap(err, "snapshot: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := Encode(tmp, v); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "snapshot: close temp file")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), path), "snapshot: rename to %s", path)
}
