package normalize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/model"
)

var extracted = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestRecords_HopeHouse(t *testing.T) {
	t.Parallel()

	n := New(nil)
	res := n.Records(Input{
		SourceID:    "narr",
		Category:    model.CategoryRecoveryResidence,
		Family:      FamilyNARR,
		ExtractedAt: extracted,
		Payload: []any{
			map[string]any{"name": "Hope House", "city": "Tucson", "state": "AZ"},
			map[string]any{"name": "Hope House Inc", "city": "Tucson", "state": "az"},
		},
	})

	require.Len(t, res.Records, 2)
	for _, r := range res.Records {
		assert.Equal(t, "hope house", MatchName(r.Normalized.Name))
		assert.Equal(t, "AZ", r.Normalized.State)
		assert.Equal(t, model.CategoryRecoveryResidence, r.Category)
		assert.Equal(t, extracted, r.ExtractedAt)
	}
	// Neither carries an id, so keys are identity hashes of the name as written.
	assert.NotEqual(t, res.Records[0].RecordKey, res.Records[1].RecordKey)
	assert.Contains(t, res.Records[0].RecordKey, "h:")
}

func TestRecords_DropsMissingNameAndState(t *testing.T) {
	t.Parallel()

	n := New(nil)
	res := n.Records(Input{
		SourceID: "web",
		Category: model.CategoryRecoveryCommunityOrg,
		Payload: []any{
			map[string]any{"name": "", "state": ""},
			map[string]any{"name": "Only Name"},
			map[string]any{"state": "AZ", "id": "x1"},
		},
	})

	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Diagnostics[DiagMissingNameState])
}

func TestRecords_DuplicateKeyLastWins(t *testing.T) {
	t.Parallel()

	res := New(nil).Records(Input{
		SourceID: "s",
		Category: model.CategoryTreatmentCenter,
		Payload: map[string]any{"providers": []any{
			map[string]any{"id": "1", "name": "First", "state": "AZ"},
			map[string]any{"id": "1", "name": "Second", "state": "AZ"},
		}},
	})
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Second", res.Records[0].Normalized.Name)
	assert.Equal(t, "1", res.Records[0].RecordKey)
	assert.Equal(t, 1, res.Diagnostics[DiagDuplicateKey])
}

func TestFields_ResolutionRules(t *testing.T) {
	t.Parallel()

	n := New(nil)
	raw := map[string]any{
		"name1":   "Desert Sunrise",
		"name2":   "Outpatient",
		"street1": "12 Main St",
		"street2": "Suite 4",
		"address": map[string]any{"city": "Tucson", "state": "Arizona", "zip": "85701-2222"},
		"contact": map[string]any{"phone": "520.555.0100"},
		"url":     "HTTPS://Desert.ORG/",
		"beds":    "16",
	}
	f, codes := n.Fields(raw, FamilyGeneric, "")

	assert.Empty(t, codes)
	assert.Equal(t, "Desert Sunrise - Outpatient", f.Name)
	assert.Equal(t, "12 Main St Suite 4", f.Street)
	assert.Equal(t, "Tucson", f.City)
	assert.Equal(t, "AZ", f.State)
	assert.Equal(t, "85701", f.Zip)
	assert.Equal(t, "(520) 555-0100", f.Phone)
	assert.Equal(t, "https://desert.org", f.Website)
	require.NotNil(t, f.Capacity)
	assert.Equal(t, 16, *f.Capacity)
}

func TestFields_GroupStateAndInvalidState(t *testing.T) {
	t.Parallel()

	n := New(nil)
	f, codes := n.Fields(map[string]any{"name": "A"}, FamilyGeneric, "TX")
	assert.Equal(t, "TX", f.State)
	assert.Empty(t, codes)

	f, codes = n.Fields(map[string]any{"name": "A", "state": "Atlantis"}, FamilyGeneric, "")
	assert.Equal(t, "", f.State)
	assert.Equal(t, []string{DiagInvalidState}, codes)

	_, codes = n.Fields(map[string]any{"name": "A", "capacity": "lots"}, FamilyGeneric, "")
	assert.Equal(t, []string{DiagInvalidCapacity}, codes)
}

func TestFields_SAMHSAIndicators(t *testing.T) {
	t.Parallel()

	n := New(nil)
	raw := map[string]any{
		"name1": "Sunrise Treatment",
		"state": "AZ",
		"sa":    "1",
		"dt":    "1",
		"mh":    "0",
		"res":   "1",
		"adlt":  "1",
		"vet":   true,
		"mc":    "1",
		"sf":    "yes",
		"zzq":   "1",
	}
	f, codes := n.Fields(raw, FamilySAMHSA, "")

	assert.Equal(t, []string{"detoxification", "residential", "substance-use-treatment"}, f.Services)
	assert.Equal(t, []string{"adults", "veterans"}, f.Populations)
	assert.Equal(t, []string{"medicaid", "sliding-fee"}, f.Insurance)
	assert.Equal(t, []string{DiagUnknownIndicator}, codes)
}

func TestFields_SAMHSALevelOfCareDefaultsToOutpatient(t *testing.T) {
	t.Parallel()

	f, _ := New(nil).Fields(map[string]any{"name": "Clinic", "state": "AZ", "sa": "1"}, FamilySAMHSA, "")
	assert.Contains(t, f.Services, "outpatient")

	f, _ = New(nil).Fields(map[string]any{"name": "Hospital", "state": "AZ", "hid": "1"}, FamilySAMHSA, "")
	assert.Contains(t, f.Services, "inpatient")
	assert.NotContains(t, f.Services, "outpatient")
}

func TestFields_ListValuesAndCertifications(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"name":          "Oak House",
		"state":         "FL",
		"services":      []any{"Peer Support", "Sober Living", "Horse Riding"},
		"insurance":     "Medicaid, Cash",
		"certification": []any{" FARR ", "NARR"},
	}
	f, codes := New(nil).Fields(raw, FamilyNARR, "")

	assert.Equal(t, []string{"peer-support", "sober-living"}, f.Services)
	assert.Equal(t, []string{"medicaid", "self-pay"}, f.Insurance)
	assert.Equal(t, []string{"FARR", "NARR"}, f.Certifications)
	assert.Equal(t, []string{DiagUnknownTerm}, codes)
}

func TestLoadVocabularyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
families:
  samhsa:
    indicators:
      zzq:
        set: services
        term: equine-therapy
  county:
    synonyms:
      services:
        horse riding: equine-therapy
`), 0o600))

	v, err := LoadVocabularyFile(path)
	require.NoError(t, err)

	n := New(v)
	f, codes := n.Fields(map[string]any{"name": "A", "state": "AZ", "zzq": "1"}, FamilySAMHSA, "")
	assert.Contains(t, f.Services, "equine-therapy")
	assert.Empty(t, codes)

	f, _ = n.Fields(map[string]any{"name": "A", "services": "Horse Riding, Detox"}, "county", "")
	assert.Equal(t, []string{"detoxification", "equine-therapy"}, f.Services)

	// Unknown family falls back to generic.
	f, _ = n.Fields(map[string]any{"name": "A", "detox": true}, "unheard-of", "")
	assert.Equal(t, []string{"detoxification"}, f.Services)
}

func TestLoadVocabularyFile_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadVocabularyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("families:\n  x:\n    indicators:\n      k: {set: colors, term: red}\n"), 0o600))
	_, err = LoadVocabularyFile(path)
	assert.Error(t, err)

	v, err := LoadVocabularyFile("")
	require.NoError(t, err)
	assert.NotNil(t, v.Family(FamilySAMHSA))
}
