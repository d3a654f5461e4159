package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/model"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func intPtr(n int) *int { return &n }

func TestProject_FirstNonBlankAndUnion(t *testing.T) {
	t.Parallel()

	current := []Contribution{
		{Ref: "oxford#2", Order: 2, ExtractedAt: day(1), Fields: model.NormalizedFields{
			Name: "Hope House Inc", Phone: "(520) 555-0199", Website: "https://hope.org",
			Services: []string{"sober-living"}, Capacity: intPtr(12),
		}},
		{Ref: "narr#1", Order: 1, ExtractedAt: day(5), Fields: model.NormalizedFields{
			Name: "Hope House", City: "Tucson", State: "AZ", Phone: "(520) 555-0100",
			Services: []string{"peer-support", "sober-living"}, Certifications: []string{"NARR"},
		}},
	}
	p := Project(current, nil)

	assert.Equal(t, "Hope House", p.Fields.Name)
	assert.Equal(t, "Tucson", p.Fields.City)
	assert.Equal(t, "(520) 555-0100", p.Fields.Phone, "the newer of two disagreeing values is current")
	assert.Equal(t, "https://hope.org", p.Fields.Website, "blank filled from later member")
	require.NotNil(t, p.Fields.Capacity)
	assert.Equal(t, 12, *p.Fields.Capacity)
	assert.Equal(t, []string{"peer-support", "sober-living"}, p.Fields.Services)
	assert.Equal(t, []string{"NARR"}, p.Fields.Certifications)
	assert.Equal(t, []string{"Hope House", "Hope House Inc"}, p.Aliases)
	assert.Equal(t, 1, p.Conflicts, "only the phone disagrees; names agree by match form")

	phones := p.History["phone"]
	require.Len(t, phones, 2)
	assert.Equal(t, "(520) 555-0100", phones[0].Value)
	assert.Equal(t, day(5), phones[0].LastConfirmed)
	assert.Equal(t, []string{"narr#1"}, phones[0].Sources)
	assert.Equal(t, "(520) 555-0199", phones[1].Value)
	assert.NotContains(t, p.History, "name")
	assert.NotContains(t, p.History, "city")
}

func TestProject_ConflictTakesNewestConfirmed(t *testing.T) {
	t.Parallel()

	current := []Contribution{
		{Ref: "srca#1", Order: 1, ExtractedAt: day(1), Fields: model.NormalizedFields{
			Name: "Hope Recovery Homes", Phone: "(520) 555-1111", Website: "https://hoperecovery.org",
		}},
		{Ref: "srcb#7", Order: 2, ExtractedAt: day(20), Fields: model.NormalizedFields{
			Name: "Hope Recovery Homes", Phone: "(520) 555-2222",
		}},
	}
	p := Project(current, nil)

	assert.Equal(t, "(520) 555-2222", p.Fields.Phone)
	assert.Equal(t, "https://hoperecovery.org", p.Fields.Website, "blank still filled from the earlier member")
	assert.Equal(t, 1, p.Conflicts)
	require.Len(t, p.History["phone"], 2)
	assert.Equal(t, p.Fields.Phone, p.History["phone"][0].Value)

	// Same extraction time: the value that heads the history is current.
	current[1].ExtractedAt = day(1)
	p = Project(current, nil)
	assert.Equal(t, p.History["phone"][0].Value, p.Fields.Phone)
}

func TestProject_HistoryIncludesSupersededValues(t *testing.T) {
	t.Parallel()

	observed := []Contribution{
		{Ref: "narr#1", Order: 1, ExtractedAt: day(1), Fields: model.NormalizedFields{Name: "Oak", Phone: "111"}},
		{Ref: "narr#1", Order: 1, ExtractedAt: day(3), Fields: model.NormalizedFields{Name: "Oak", Phone: "222"}},
		{Ref: "web#4", Order: 2, ExtractedAt: day(2), Fields: model.NormalizedFields{Name: "Oak", Phone: "111"}},
	}
	current := []Contribution{observed[1], observed[2]}
	p := Project(current, observed)

	assert.Equal(t, "222", p.Fields.Phone)
	phones := p.History["phone"]
	require.Len(t, phones, 2)
	assert.Equal(t, "222", phones[0].Value)
	assert.Equal(t, "111", phones[1].Value)
	assert.Equal(t, day(1), phones[1].FirstSeen)
	assert.Equal(t, day(2), phones[1].LastConfirmed)
	assert.Equal(t, []string{"narr#1", "web#4"}, phones[1].Sources)
}

func TestProject_HistoryCapped(t *testing.T) {
	t.Parallel()

	var cs []Contribution
	for i := 0; i < MaxHistory+5; i++ {
		cs = append(cs, Contribution{
			Ref:         "s#" + string(rune('a'+i)),
			Order:       i,
			ExtractedAt: day(i + 1),
			Fields:      model.NormalizedFields{Phone: string(rune('a' + i))},
		})
	}
	p := Project(cs, nil)
	assert.Len(t, p.History["phone"], MaxHistory)
	assert.Equal(t, MaxHistory+4, p.Conflicts)
}

func TestProject_Empty(t *testing.T) {
	t.Parallel()

	p := Project(nil, nil)
	assert.Equal(t, model.NormalizedFields{}, p.Fields)
	assert.Nil(t, p.History)
	assert.Zero(t, p.Conflicts)
}
