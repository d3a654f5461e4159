package certify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/model"
)

var at = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func residence(certs ...string) model.Organization {
	return model.Organization{
		CanonicalID:   "RR_000001",
		Category:      model.CategoryRecoveryResidence,
		CurrentFields: model.NormalizedFields{Name: "Hope House", Certifications: certs},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		certs      []string
		status     model.CertificationStatus
		confidence float64
	}{
		{"narr token", []string{"NARR Level II"}, model.CertStandard, 0.95},
		{"state affiliate", []string{"FARR certified"}, model.CertStandard, 0.95},
		{"full phrase", []string{"National Alliance for Recovery Residences"}, model.CertStandard, 0.95},
		{"oxford", []string{"Oxford House charter"}, model.CertAlternate, 0.9},
		{"oxford snake case", []string{"oxford_house"}, model.CertAlternate, 0.9},
		{"unrecognized", []string{"Self-certified by operator"}, model.CertSelf, 0.5},
		{"absent", nil, model.CertUnknown, 0},
		{"blank only", []string{"  "}, model.CertUnknown, 0},
		{"standard beats alternate", []string{"Oxford House", "NARR"}, model.CertStandard, 0.475},
		{"disagreeing value lowers confidence", []string{"Oxford House", "county license"}, model.CertAlternate, 0.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, rec := Classify(residence(tt.certs...), at)
			assert.Equal(t, tt.status, status)
			require.NotNil(t, rec)
			assert.Equal(t, tt.status, rec.CertificationType)
			assert.InDelta(t, tt.confidence, rec.Confidence, 1e-9)
			assert.Equal(t, "RR_000001", rec.OrganizationID)
			assert.Equal(t, at, rec.ClassifiedAt)
		})
	}
}

func TestClassify_TokenNotSubstring(t *testing.T) {
	status, _ := Classify(residence("Carrollton Sober Homes"), at)
	assert.Equal(t, model.CertSelf, status)
}

func TestClassify_Evidence(t *testing.T) {
	_, rec := Classify(residence("NARR", "county license", "GARR"), at)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"GARR", "NARR"}, rec.Evidence)
}

func TestClassify_NonCertifiableCategory(t *testing.T) {
	org := residence("NARR")
	org.Category = model.CategoryTreatmentCenter
	status, rec := Classify(org, at)
	assert.Equal(t, model.CertUnclassified, status)
	assert.Nil(t, rec)
}

func TestClassify_Idempotent(t *testing.T) {
	org := residence("Oxford House", "NARR")
	s1, r1 := Classify(org, at)
	s2, r2 := Classify(org, at)
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
}

func TestClassify_AlwaysTerminal(t *testing.T) {
	for _, certs := range [][]string{nil, {"NARR"}, {"Oxford House"}, {"state licensed"}, {" "}} {
		status, rec := Classify(residence(certs...), at)
		assert.NotEqual(t, model.CertUnclassified, status, "%v", certs)
		require.NotNil(t, rec, "%v", certs)
		assert.Equal(t, status, rec.CertificationType)
	}
}
