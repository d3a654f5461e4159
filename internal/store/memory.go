package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recovery-directory/internal/model"
)

// MemoryStore implements Store in process memory. It backs tests and
// dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string][]model.LineageEntry // by organization, version order
	bindings  map[string]string               // current ref -> organization
	sequences map[model.Category]int64
	orgs      map[string]model.Organization
	runs      []model.RunRecord
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string][]model.LineageEntry),
		bindings:  make(map[string]string),
		sequences: make(map[model.Category]int64),
		orgs:      make(map[string]model.Organization),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Append(_ context.Context, e model.LineageEntry) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := e.Ref()
	var current *model.LineageEntry
	if orgID, ok := s.bindings[ref]; ok {
		list := s.entries[orgID]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].IsCurrent && list[i].Ref() == ref {
				current = &list[i]
				break
			}
		}
	}
	res, proceed, err := decideAppend(current, e)
	if err != nil {
		return AppendResult{}, eris.Wrapf(err, "memory: append %s to %s", ref, e.OrganizationID)
	}
	if !proceed {
		return res, nil
	}
	if current != nil {
		current.IsCurrent = false
	}

	list := s.entries[e.OrganizationID]
	e.VersionNumber = len(list) + 1
	e.IsCurrent = true
	if e.RecordedAt.IsZero() {
		e.RecordedAt = now()
	}
	s.entries[e.OrganizationID] = append(list, e)
	s.bindings[ref] = e.OrganizationID
	return AppendResult{Entry: e}, nil
}

func (s *MemoryStore) History(_ context.Context, orgID string) ([]model.LineageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LineageEntry(nil), s.entries[orgID]...), nil
}

func (s *MemoryStore) Bindings(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Binding(_ context.Context, ref string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bindings[ref]
	return id, ok, nil
}

func (s *MemoryStore) OrganizationIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) NextSequence(_ context.Context, category model.Category) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[category]++
	return s.sequences[category], nil
}

func (s *MemoryStore) SaveOrganizations(_ context.Context, orgs []model.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orgs {
		s.orgs[o.CanonicalID] = o
	}
	return nil
}

func (s *MemoryStore) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: organization %s", id)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrganizations(_ context.Context, filter OrgFilter) ([]model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Organization
	for _, o := range s.orgs {
		if matchesFilter(o, filter) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	start, end := paginate(len(out), filter.Offset, filter.Limit)
	return out[start:end], nil
}

func matchesFilter(o model.Organization, f OrgFilter) bool {
	if f.Category != "" && o.Category != f.Category {
		return false
	}
	if f.State != "" && o.CurrentFields.State != f.State {
		return false
	}
	if f.ActiveOnly && !o.Active {
		return false
	}
	return true
}

func (s *MemoryStore) StartRun(_ context.Context, sources []string) (*model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := model.RunRecord{
		ID:        uuid.New().String(),
		Cycle:     int64(len(s.runs) + 1),
		Status:    model.RunStatusRunning,
		Sources:   append([]string(nil), sources...),
		StartedAt: now(),
	}
	s.runs = append(s.runs, run)
	return &run, nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == runID {
			done := now()
			s.runs[i].Status = status
			s.runs[i].Report = report
			s.runs[i].Error = runErr
			s.runs[i].CompletedAt = &done
			return nil
		}
	}
	return eris.Wrapf(ErrNotFound, "memory: run %s", runID)
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RunRecord
	for i := len(s.runs) - 1; i >= 0; i-- {
		if filter.Status == "" || s.runs[i].Status == filter.Status {
			out = append(out, s.runs[i])
		}
	}
	start, end := paginate(len(out), filter.Offset, filter.Limit)
	return out[start:end], nil
}
