package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineageEntry_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	capacity := 12
	e := LineageEntry{
		OrganizationID: "RR_000042",
		SourceID:       "narr_registry",
		RecordKey:      "narr-17",
		ExtractedAt:    now,
		VersionNumber:  3,
		IsCurrent:      true,
		ContentHash:    "abc123",
		Category:       CategoryRecoveryResidence,
		Snapshot: NormalizedFields{
			Name:     "Hope House",
			City:     "Austin",
			State:    "TX",
			Services: []string{"peer-support"},
			Capacity: &capacity,
		},
		RunID:      "run-1",
		RecordedAt: now,
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded LineageEntry
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, e.OrganizationID, decoded.OrganizationID)
	assert.Equal(t, e.VersionNumber, decoded.VersionNumber)
	assert.True(t, decoded.IsCurrent)
	assert.Equal(t, e.Snapshot.Name, decoded.Snapshot.Name)
	require.NotNil(t, decoded.Snapshot.Capacity)
	assert.Equal(t, 12, *decoded.Snapshot.Capacity)
	assert.Equal(t, "narr_registry#narr-17", decoded.Ref())
}

func TestRecordRef_Split(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ref    string
		source string
		key    string
	}{
		{"samhsa#123", "samhsa", "123"},
		{"narr#a#b", "narr", "a#b"},
		{"orphan", "orphan", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			t.Parallel()
			src, key := SplitRef(tt.ref)
			assert.Equal(t, tt.source, src)
			assert.Equal(t, tt.key, key)
		})
	}

	r := SourceRecord{SourceID: "oxford", RecordKey: "OH-1"}
	assert.Equal(t, "oxford#OH-1", r.Ref())
}

func TestNormalizedFields_Clone(t *testing.T) {
	t.Parallel()

	capacity := 8
	f := NormalizedFields{
		Name:     "Serenity Place",
		Services: []string{"detox"},
		Capacity: &capacity,
	}
	c := f.Clone()
	c.Services[0] = "changed"
	*c.Capacity = 99

	assert.Equal(t, "detox", f.Services[0])
	assert.Equal(t, 8, *f.Capacity)
	assert.Nil(t, NormalizedFields{}.Clone().Services)
}
