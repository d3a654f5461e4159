// Package store persists the recovery directory: the lineage log, per-category
// ID sequences, the current-state organization table and the run log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/recovery-directory/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConcurrentAppend marks two writers racing on the same organization
	// or record. It is an internal fault and is never retried.
	ErrConcurrentAppend = errors.New("store: concurrent lineage append")
	// ErrRebind is returned when a record already current in one
	// organization is appended to another.
	ErrRebind = errors.New("store: record bound to another organization")
)

// AppendResult reports what an append did.
type AppendResult struct {
	Entry   model.LineageEntry
	Skipped bool // content hash equal to the current entry
	Stale   bool // older than the current entry
}

// OrgFilter selects organizations from the current-state table.
type OrgFilter struct {
	Category   model.Category `json:"category,omitempty"`
	State      string         `json:"state,omitempty"`
	ActiveOnly bool           `json:"active_only,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store is the persistence interface. Append is atomic per call: the prior
// current entry of the record is demoted and the new one inserted together,
// or nothing changes.
type Store interface {
	// Lineage log
	Append(ctx context.Context, e model.LineageEntry) (AppendResult, error)
	History(ctx context.Context, orgID string) ([]model.LineageEntry, error)
	Bindings(ctx context.Context) (map[string]string, error)
	Binding(ctx context.Context, ref string) (string, bool, error)
	OrganizationIDs(ctx context.Context) ([]string, error)

	// Sequences
	NextSequence(ctx context.Context, category model.Category) (int64, error)

	// Current-state table
	SaveOrganizations(ctx context.Context, orgs []model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	ListOrganizations(ctx context.Context, filter OrgFilter) ([]model.Organization, error)

	// Run log
	StartRun(ctx context.Context, sources []string) (*model.RunRecord, error)
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// decideAppend applies the skip and stale rules against the current entry
// of the same record, if any.
func decideAppend(current *model.LineageEntry, e model.LineageEntry) (AppendResult, bool, error) {
	if current == nil {
		return AppendResult{}, true, nil
	}
	if current.OrganizationID != e.OrganizationID {
		return AppendResult{}, false, ErrRebind
	}
	if current.ContentHash == e.ContentHash {
		return AppendResult{Entry: *current, Skipped: true}, false, nil
	}
	if e.ExtractedAt.Before(current.ExtractedAt) {
		return AppendResult{Entry: *current, Stale: true}, false, nil
	}
	return AppendResult{}, true, nil
}

func now() time.Time { return time.Now().UTC() }

// paginate applies offset and limit to n items.
func paginate(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
