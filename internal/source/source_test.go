package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "narr.json", `{"houses":[{"name":"Hope House","state":"AZ"}]}`)
	writeFile(t, dir, "samhsa.json", `[{"name1":"Desert Center","state":"AZ"}]`)
	mpath := writeFile(t, dir, "manifest.yaml", `
sources:
  - source_id: narr_az
    category: recovery-residence
    family: narr
    extracted_at: 2025-01-15T00:00:00Z
    path: narr.json
  - source_id: samhsa_csv
    path: samhsa.json
`)

	m, err := LoadManifest(mpath)
	require.NoError(t, err)
	assert.Equal(t, []string{"narr_az", "samhsa_csv"}, m.SourceIDs())

	reg := Registry{"samhsa_csv": {Name: "SAMHSA locator", Category: "treatment-center", Family: "samhsa"}}
	inputs, err := m.Load(context.Background(), reg, 2)
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	assert.Equal(t, "narr_az", inputs[0].SourceID)
	assert.Equal(t, model.CategoryRecoveryResidence, inputs[0].Category)
	assert.Equal(t, "narr", inputs[0].Family)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), inputs[0].ExtractedAt)
	obj, ok := inputs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, obj, "houses")

	assert.Equal(t, model.CategoryTreatmentCenter, inputs[1].Category)
	assert.Equal(t, "samhsa", inputs[1].Family)
	assert.False(t, inputs[1].ExtractedAt.IsZero())
	_, ok = inputs[1].Payload.([]any)
	assert.True(t, ok)
}

func TestLoadManifest_DefaultsFamily(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[]`)
	m, err := LoadManifest(writeFile(t, dir, "m.yaml", "sources:\n  - source_id: a\n    path: a.json\n"))
	require.NoError(t, err)
	inputs, err := m.Load(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "generic", inputs[0].Family)
	assert.Empty(t, inputs[0].Category)
}

func TestLoadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"empty", "sources: []\n", "no sources listed"},
		{"missing id", "sources:\n  - path: a.json\n", "source_id is required"},
		{"hash in id", "sources:\n  - source_id: a#b\n    path: a.json\n", "contains '#'"},
		{"missing path", "sources:\n  - source_id: a\n", "path is required"},
		{"bad category", "sources:\n  - source_id: a\n    path: a.json\n    category: hospital\n", "category"},
		{"bad yaml", "sources: [\n", "parse manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := LoadManifest(writeFile(t, dir, "m.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_BadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{not json`)
	m, err := LoadManifest(writeFile(t, dir, "m.yaml", "sources:\n  - source_id: a\n    path: a.json\n"))
	require.NoError(t, err)
	_, err = m.Load(context.Background(), nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source: decode")
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(writeFile(t, dir, "m.yaml", "sources:\n  - source_id: a\n    path: missing.json\n"))
	require.NoError(t, err)
	_, err = m.Load(context.Background(), nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source: stat")
}
