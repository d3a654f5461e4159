// Package lineage is the append-only provenance log of the directory. Every
// organization's fields are a projection of its entries and can be replayed
// to any point in time.
package lineage

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/merge"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/store"
)

// AppendRequest attaches one source record to an organization.
type AppendRequest struct {
	OrganizationID string
	Record         model.SourceRecord
	RunID          string
}

// Log wraps a store backend with per-organization serialization and the
// replay rules.
type Log struct {
	store store.Store
	locks *keyedMutex
}

// New creates a Log over s.
func New(s store.Store) *Log {
	return &Log{store: s, locks: newKeyedMutex()}
}

// Store returns the backend.
func (l *Log) Store() store.Store { return l.store }

// Append records a new version of the organization unless the record's
// content is unchanged or older than what is already current.
func (l *Log) Append(ctx context.Context, req AppendRequest) (store.AppendResult, error) {
	if req.OrganizationID == "" {
		return store.AppendResult{}, eris.New("lineage: append without organization id")
	}
	rec := req.Record
	hash, err := ContentHash(rec.Normalized, rec.RawFields)
	if err != nil {
		return store.AppendResult{}, eris.Wrapf(err, "lineage: hash %s", rec.Ref())
	}
	entry := model.LineageEntry{
		OrganizationID: req.OrganizationID,
		SourceID:       rec.SourceID,
		RecordKey:      rec.RecordKey,
		ExtractedAt:    rec.ExtractedAt.UTC(),
		ContentHash:    hash,
		Category:       rec.Category,
		Snapshot:       rec.Normalized,
		RawFields:      rec.RawFields,
		RunID:          req.RunID,
	}

	unlock := l.locks.Lock(req.OrganizationID)
	defer unlock()

	res, err := l.store.Append(ctx, entry)
	if err != nil {
		return store.AppendResult{}, eris.Wrapf(err, "lineage: append %s", rec.Ref())
	}
	if res.Stale {
		zap.L().Debug("lineage: stale record ignored",
			zap.String("organization_id", req.OrganizationID),
			zap.String("ref", rec.Ref()),
			zap.Time("extracted_at", entry.ExtractedAt),
			zap.Time("current_extracted_at", res.Entry.ExtractedAt),
		)
	}
	return res, nil
}

// History returns every version of the organization in version order.
func (l *Log) History(ctx context.Context, orgID string) ([]model.LineageEntry, error) {
	entries, err := l.store.History(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: history %s", orgID)
	}
	if len(entries) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "lineage: organization %s", orgID)
	}
	return entries, nil
}

// SourcesFor returns the refs currently contributing to the organization,
// ordered by first attachment.
func (l *Log) SourcesFor(ctx context.Context, orgID string) ([]string, error) {
	entries, err := l.History(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return currentRefs(entries), nil
}

// StateAt replays the organization's entries extracted at or before t: the
// latest entry of each record is folded with the merge rules. An
// organization with no entries by t has empty fields.
func (l *Log) StateAt(ctx context.Context, orgID string, t time.Time) (merge.Projection, error) {
	entries, err := l.History(ctx, orgID)
	if err != nil {
		return merge.Projection{}, err
	}
	return replay(entries, t), nil
}

// Project rebuilds the organization from its full history. Certification
// and inactivity state are left for the caller.
func (l *Log) Project(ctx context.Context, orgID string) (model.Organization, error) {
	entries, err := l.History(ctx, orgID)
	if err != nil {
		return model.Organization{}, err
	}
	org, _ := Build(orgID, entries)
	return org, nil
}

// Build projects an organization from its entries and reports how many
// current values disagree with the chosen ones.
func Build(orgID string, entries []model.LineageEntry) (model.Organization, int) {
	first := firstVersions(entries)
	var current, observed []merge.Contribution
	org := model.Organization{CanonicalID: orgID}
	for _, e := range entries {
		c := contribution(e, first)
		observed = append(observed, c)
		if e.IsCurrent {
			current = append(current, c)
		}
		if org.Category == "" {
			org.Category = e.Category
		}
		if e.VersionNumber > org.Version {
			org.Version = e.VersionNumber
		}
		if e.RecordedAt.After(org.UpdatedAt) {
			org.UpdatedAt = e.RecordedAt
		}
	}
	p := merge.Project(current, observed)
	org.CurrentFields = p.Fields
	org.Aliases = p.Aliases
	org.FieldHistory = p.History
	org.MemberSourceIDs = currentRefs(entries)
	return org, p.Conflicts
}

// replay folds, per record, the latest entry extracted at or before t.
// Appends of older snapshots are rejected, so within a record extraction
// time never decreases with version.
func replay(entries []model.LineageEntry, t time.Time) merge.Projection {
	first := firstVersions(entries)
	latest := map[string]model.LineageEntry{}
	var observed []merge.Contribution
	for _, e := range entries {
		if e.ExtractedAt.After(t) {
			continue
		}
		observed = append(observed, contribution(e, first))
		if prev, ok := latest[e.Ref()]; !ok || e.VersionNumber > prev.VersionNumber {
			latest[e.Ref()] = e
		}
	}
	current := make([]merge.Contribution, 0, len(latest))
	for _, e := range latest {
		current = append(current, contribution(e, first))
	}
	if len(current) == 0 {
		return merge.Projection{}
	}
	return merge.Project(current, observed)
}

func contribution(e model.LineageEntry, first map[string]int) merge.Contribution {
	return merge.Contribution{
		Ref:         e.Ref(),
		Order:       first[e.Ref()],
		ExtractedAt: e.ExtractedAt,
		Fields:      e.Snapshot,
	}
}

// firstVersions maps each ref to the version at which it first attached.
func firstVersions(entries []model.LineageEntry) map[string]int {
	first := make(map[string]int)
	for _, e := range entries {
		if v, ok := first[e.Ref()]; !ok || e.VersionNumber < v {
			first[e.Ref()] = e.VersionNumber
		}
	}
	return first
}

func currentRefs(entries []model.LineageEntry) []string {
	first := firstVersions(entries)
	var refs []string
	for _, e := range entries {
		if e.IsCurrent {
			refs = append(refs, e.Ref())
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if first[refs[i]] != first[refs[j]] {
			return first[refs[i]] < first[refs[j]]
		}
		return refs[i] < refs[j]
	})
	return refs
}
