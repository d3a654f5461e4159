package lineage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/store"
)

var day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func record(source, key string, at time.Time, f model.NormalizedFields) model.SourceRecord {
	return model.SourceRecord{
		SourceID:    source,
		RecordKey:   key,
		Category:    model.CategoryRecoveryResidence,
		ExtractedAt: at,
		RawFields:   map[string]any{"name": f.Name, "scraped_at": at.String()},
		Normalized:  f,
	}
}

func appendAll(t *testing.T, l *Log, org string, recs ...model.SourceRecord) {
	t.Helper()
	for _, r := range recs {
		_, err := l.Append(context.Background(), AppendRequest{OrganizationID: org, Record: r, RunID: "run"})
		require.NoError(t, err)
	}
}

func TestContentHash_IgnoresVolatileKeys(t *testing.T) {
	f := model.NormalizedFields{Name: "Hope House", State: "AZ"}
	a, err := ContentHash(f, map[string]any{"name": "Hope House", "scraped_at": "2025-01-01"})
	require.NoError(t, err)
	b, err := ContentHash(f, map[string]any{"name": "Hope House", "scraped_at": "2025-06-01"})
	require.NoError(t, err)
	c, err := ContentHash(f, map[string]any{"name": "Hope House Inc"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestContentHash_UnencodableContent(t *testing.T) {
	f := model.NormalizedFields{Name: "Hope House", State: "AZ"}
	_, err := ContentHash(f, map[string]any{"beds": math.Inf(1)})
	assert.Error(t, err)

	// Two such records must not collapse into one version.
	l := New(store.NewMemory())
	for _, key := range []string{"1", "2"} {
		r := record("narr", key, day, f)
		r.RawFields = map[string]any{"beds": math.NaN()}
		_, err := l.Append(context.Background(), AppendRequest{OrganizationID: "RR_000001", Record: r})
		assert.Error(t, err)
	}
	_, err = l.History(context.Background(), "RR_000001")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLog_AppendSkipsUnchangedContent(t *testing.T) {
	l := New(store.NewMemory())
	f := model.NormalizedFields{Name: "Hope House", State: "AZ"}

	res, err := l.Append(context.Background(), AppendRequest{OrganizationID: "RR_000001", Record: record("narr", "1", day, f)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entry.VersionNumber)

	res, err = l.Append(context.Background(), AppendRequest{OrganizationID: "RR_000001", Record: record("narr", "1", day.Add(24*time.Hour), f)})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	hist, err := l.History(context.Background(), "RR_000001")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestLog_AppendRequiresOrganization(t *testing.T) {
	l := New(store.NewMemory())
	_, err := l.Append(context.Background(), AppendRequest{Record: record("narr", "1", day, model.NormalizedFields{Name: "x"})})
	assert.Error(t, err)
}

func TestLog_HistoryUnknownOrganization(t *testing.T) {
	l := New(store.NewMemory())
	_, err := l.History(context.Background(), "RR_000404")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestLog_ProjectMergesMembers(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("narr", "1", day, model.NormalizedFields{Name: "Hope House", State: "AZ", Services: []string{"sober-living"}}),
		record("oxford", "9", day, model.NormalizedFields{Name: "Hope House Recovery", State: "AZ", Phone: "(602) 555-0100", Services: []string{"peer-support"}}),
	)

	org, err := l.Project(context.Background(), "RR_000001")
	require.NoError(t, err)
	assert.Equal(t, "Hope House", org.CurrentFields.Name)
	assert.Equal(t, "(602) 555-0100", org.CurrentFields.Phone)
	assert.Equal(t, []string{"peer-support", "sober-living"}, org.CurrentFields.Services)
	assert.Equal(t, []string{"narr#1", "oxford#9"}, org.MemberSourceIDs)
	assert.Equal(t, []string{"Hope House", "Hope House Recovery"}, org.Aliases)
	assert.Equal(t, 2, org.Version)
	assert.Equal(t, model.CategoryRecoveryResidence, org.Category)
	require.Len(t, org.FieldHistory["name"], 2)
}

func TestLog_ResnapshotKeepsAttachmentOrder(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("narr", "1", day, model.NormalizedFields{Name: "Hope House", State: "AZ", City: "Phoenix"}),
		record("oxford", "9", day, model.NormalizedFields{Name: "Hope House", State: "AZ", City: "Tempe"}),
		// narr re-snapshots with a new city; it keeps first-attachment priority.
		record("narr", "1", day.Add(48*time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", City: "Mesa"}),
	)

	org, err := l.Project(context.Background(), "RR_000001")
	require.NoError(t, err)
	assert.Equal(t, "Mesa", org.CurrentFields.City)
	assert.Equal(t, []string{"narr#1", "oxford#9"}, org.MemberSourceIDs)
	assert.Equal(t, 3, org.Version)

	// Superseded values stay in the field history.
	var cities []string
	for _, v := range org.FieldHistory["city"] {
		cities = append(cities, v.Value)
	}
	assert.ElementsMatch(t, []string{"Phoenix", "Tempe", "Mesa"}, cities)
	assert.Equal(t, "Mesa", org.FieldHistory["city"][0].Value)
}

func TestLog_StateAtRoundTrip(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("narr", "1", day, model.NormalizedFields{Name: "Hope House", State: "AZ"}),
		record("oxford", "9", day.Add(time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", Website: "https://hope.org"}),
		record("narr", "1", day.Add(72*time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", Phone: "(602) 555-0100"}),
	)

	org, err := l.Project(context.Background(), "RR_000001")
	require.NoError(t, err)
	state, err := l.StateAt(context.Background(), "RR_000001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, org.CurrentFields, state.Fields)
}

func TestLog_StateAtAgreesOnConflicts(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("srca", "1", day, model.NormalizedFields{Name: "Hope Recovery Homes", State: "AZ", Phone: "(520) 555-1111"}),
		record("srcb", "7", day.Add(24*time.Hour), model.NormalizedFields{Name: "Hope Recovery Homes", State: "AZ", Phone: "(520) 555-2222"}),
	)
	ctx := context.Background()

	org, err := l.Project(ctx, "RR_000001")
	require.NoError(t, err)
	assert.Equal(t, "(520) 555-2222", org.CurrentFields.Phone)
	assert.Equal(t, org.CurrentFields.Phone, org.FieldHistory["phone"][0].Value)

	now, err := l.StateAt(ctx, "RR_000001", time.Now())
	require.NoError(t, err)
	assert.Equal(t, org.CurrentFields, now.Fields)

	before, err := l.StateAt(ctx, "RR_000001", day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "(520) 555-1111", before.Fields.Phone)
}

func TestLog_StateAtPointInTime(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("narr", "1", day, model.NormalizedFields{Name: "Hope House", State: "AZ", City: "Phoenix"}),
		record("oxford", "9", day.Add(24*time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", Website: "https://hope.org"}),
		record("narr", "1", day.Add(72*time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", City: "Mesa"}),
	)
	ctx := context.Background()

	before, err := l.StateAt(ctx, "RR_000001", day.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, before.Fields.Name)

	first, err := l.StateAt(ctx, "RR_000001", day)
	require.NoError(t, err)
	assert.Equal(t, "Phoenix", first.Fields.City)
	assert.Empty(t, first.Fields.Website)

	mid, err := l.StateAt(ctx, "RR_000001", day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "Phoenix", mid.Fields.City)
	assert.Equal(t, "https://hope.org", mid.Fields.Website)

	late, err := l.StateAt(ctx, "RR_000001", day.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "Mesa", late.Fields.City)

	// Replay is deterministic.
	again, err := l.StateAt(ctx, "RR_000001", day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, mid, again)
}

func TestLog_SourcesFor(t *testing.T) {
	l := New(store.NewMemory())
	appendAll(t, l, "RR_000001",
		record("oxford", "9", day, model.NormalizedFields{Name: "Hope House", State: "AZ"}),
		record("narr", "1", day, model.NormalizedFields{Name: "Hope House", State: "AZ"}),
		record("oxford", "9", day.Add(time.Hour), model.NormalizedFields{Name: "Hope House", State: "AZ", Zip: "85004"}),
	)
	refs, err := l.SourcesFor(context.Background(), "RR_000001")
	require.NoError(t, err)
	assert.Equal(t, []string{"oxford#9", "narr#1"}, refs)
}

func TestLog_ConcurrentAppendsSameOrganization(t *testing.T) {
	l := New(store.NewMemory())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			_, err := l.Append(context.Background(), AppendRequest{
				OrganizationID: "RR_000001",
				Record:         record("narr", key, day, model.NormalizedFields{Name: "Hope House " + key, State: "AZ"}),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	hist, err := l.History(context.Background(), "RR_000001")
	require.NoError(t, err)
	require.Len(t, hist, 20)
	for i, e := range hist {
		assert.Equal(t, i+1, e.VersionNumber)
	}
	assert.Equal(t, 0, l.locks.size())
}
