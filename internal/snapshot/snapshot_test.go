package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/store"
)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemory()
	require.NoError(t, s.SaveOrganizations(context.Background(), []model.Organization{
		{
			CanonicalID:         "RR_000001",
			Category:            model.CategoryRecoveryResidence,
			CurrentFields:       model.NormalizedFields{Name: "Hope House", Street: "12 Main St", Phone: "6025550100", Services: []string{"sober-living"}},
			MemberSourceIDs:     []string{"narr#1"},
			CertificationStatus: model.CertStandard,
			Active:              true,
			Version:             1,
		},
		{
			CanonicalID:         "RR_000002",
			Category:            model.CategoryRecoveryResidence,
			CurrentFields:       model.NormalizedFields{Name: "Desert Haven", Website: "deserthaven.org"},
			MemberSourceIDs:     []string{"narr#2"},
			CertificationStatus: model.CertUnclassified,
			Active:              true,
			Version:             1,
		},
		{
			CanonicalID:     "RR_000003",
			Category:        model.CategoryRecoveryResidence,
			CurrentFields:   model.NormalizedFields{Name: "Closed House"},
			MemberSourceIDs: []string{"narr#3"},
			Active:          false,
			Version:         1,
		},
	}))
	return s
}

func TestBuild_ActiveOnlyByDefault(t *testing.T) {
	s := seed(t)
	d, err := Build(context.Background(), s, Options{})
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, d.SchemaVersion)
	require.Len(t, d.Organizations, 2)
	assert.Equal(t, "RR_000001", d.Organizations[0].CanonicalID)
	assert.Equal(t, 2, d.Counts[model.CategoryRecoveryResidence])

	assert.InDelta(t, 1.0, d.Completeness.Name, 1e-9)
	assert.InDelta(t, 0.5, d.Completeness.Street, 1e-9)
	assert.InDelta(t, 0.5, d.Completeness.Phone, 1e-9)
	assert.InDelta(t, 0.5, d.Completeness.Website, 1e-9)
	assert.InDelta(t, 0.5, d.Completeness.Services, 1e-9)
}

func TestBuild_IncludeInactive(t *testing.T) {
	s := seed(t)
	d, err := Build(context.Background(), s, Options{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, d.Organizations, 3)
	assert.False(t, d.Organizations[2].Active)
}

func TestBuild_LatestCompletedRun(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	first, err := s.StartRun(ctx, []string{"narr"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, first.ID, model.RunStatusComplete, &model.RunReport{}, ""))
	second, err := s.StartRun(ctx, []string{"narr"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, second.ID, model.RunStatusFailed, nil, "boom"))

	d, err := Build(ctx, s, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.RunID)

	d, err = Build(ctx, s, Options{RunID: "pinned"})
	require.NoError(t, err)
	assert.Equal(t, "pinned", d.RunID)
}

func TestBuild_EmptyDirectory(t *testing.T) {
	d, err := Build(context.Background(), store.NewMemory(), Options{})
	require.NoError(t, err)
	assert.Empty(t, d.Organizations)
	assert.Equal(t, Completeness{}, d.Completeness)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))
	assert.Contains(t, buf.String(), `"organizations": []`)
}

func TestExportLineage(t *testing.T) {
	ctx := context.Background()
	l := lineage.New(store.NewMemory())
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []model.SourceRecord{
		{SourceID: "narr", RecordKey: "1", Category: model.CategoryRecoveryResidence, ExtractedAt: at, Normalized: model.NormalizedFields{Name: "Hope House", Phone: "6025550100"}},
		{SourceID: "carr", RecordKey: "9", Category: model.CategoryRecoveryResidence, ExtractedAt: at, Normalized: model.NormalizedFields{Name: "Hope House", Phone: "6025550199"}},
	} {
		_, err := l.Append(ctx, lineage.AppendRequest{OrganizationID: "RR_000001", Record: r})
		require.NoError(t, err)
	}

	exp, err := ExportLineage(ctx, l, "RR_000001")
	require.NoError(t, err)
	assert.Equal(t, "RR_000001", exp.OrganizationID)
	assert.Equal(t, []string{"narr#1", "carr#9"}, exp.Sources)
	assert.Len(t, exp.Entries, 2)
	assert.Len(t, exp.FieldHistory["phone"], 2)

	_, err = ExportLineage(ctx, l, "RR_000404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "directory.json")
	d, err := Build(context.Background(), seed(t), Options{})
	require.NoError(t, err)
	require.NoError(t, WriteFile(path, d))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Directory
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got.Organizations, 2)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".snapshot-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
