// Package source loads adapter output files listed in a batch manifest.
package source

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/normalize"
)

// Entry is one adapter output file.
type Entry struct {
	SourceID    string    `yaml:"source_id"`
	Category    string    `yaml:"category,omitempty"`
	Family      string    `yaml:"family,omitempty"`
	ExtractedAt time.Time `yaml:"extracted_at"`
	Path        string    `yaml:"path"`
}

// Manifest lists the files of one ingestion batch.
type Manifest struct {
	Sources []Entry `yaml:"sources"`

	dir string
}

// Info is the registry entry of a source.
type Info struct {
	Name        string  `yaml:"name" mapstructure:"name"`
	Category    string  `yaml:"category" mapstructure:"category"`
	Family      string  `yaml:"family" mapstructure:"family"`
	Reliability float64 `yaml:"reliability" mapstructure:"reliability"`
}

// Registry maps source_id to its defaults. Manifest entries that omit the
// category or family take them from here.
type Registry map[string]Info

// LoadManifest reads and validates a manifest. Relative paths resolve
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "source: parse manifest %s", path)
	}
	m.dir = filepath.Dir(path)
	if err := m.validate(); err != nil {
		return nil, eris.Wrapf(err, "source: manifest %s", path)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Sources) == 0 {
		return eris.New("no sources listed")
	}
	for i, e := range m.Sources {
		if strings.TrimSpace(e.SourceID) == "" {
			return eris.Errorf("entry %d: source_id is required", i)
		}
		if strings.Contains(e.SourceID, "#") {
			return eris.Errorf("entry %d: source_id %q contains '#'", i, e.SourceID)
		}
		if e.Path == "" {
			return eris.Errorf("entry %d (%s): path is required", i, e.SourceID)
		}
		if e.Category != "" {
			if _, err := model.ParseCategory(e.Category); err != nil {
				return eris.Wrapf(err, "entry %d (%s)", i, e.SourceID)
			}
		}
	}
	return nil
}

// SourceIDs returns the distinct source ids in manifest order.
func (m *Manifest) SourceIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, e := range m.Sources {
		if !seen[e.SourceID] {
			seen[e.SourceID] = true
			ids = append(ids, e.SourceID)
		}
	}
	return ids
}

// Load reads every listed file concurrently and returns one normalizer
// input per entry, in manifest order. An entry without extracted_at takes
// the file's modification time.
func (m *Manifest) Load(ctx context.Context, reg Registry, workers int) ([]normalize.Input, error) {
	inputs := make([]normalize.Input, len(m.Sources))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, e := range m.Sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			in, err := m.load(e, reg[e.SourceID])
			if err != nil {
				return err
			}
			inputs[i] = in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (m *Manifest) load(e Entry, info Info) (normalize.Input, error) {
	path := e.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	st, err := os.Stat(path)
	if err != nil {
		return normalize.Input{}, eris.Wrapf(err, "source: stat %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return normalize.Input{}, eris.Wrapf(err, "source: read %s", path)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return normalize.Input{}, eris.Wrapf(err, "source: decode %s", path)
	}

	in := normalize.Input{
		SourceID:    e.SourceID,
		Family:      firstNonBlank(e.Family, info.Family, normalize.FamilyGeneric),
		ExtractedAt: e.ExtractedAt.UTC(),
		Payload:     payload,
	}
	if in.ExtractedAt.IsZero() {
		in.ExtractedAt = st.ModTime().UTC()
	}
	if cat := firstNonBlank(e.Category, info.Category); cat != "" {
		c, err := model.ParseCategory(cat)
		if err != nil {
			return normalize.Input{}, eris.Wrapf(err, "source: category of %s", e.SourceID)
		}
		in.Category = c
	}
	zap.L().Debug("source: loaded",
		zap.String("source_id", e.SourceID),
		zap.String("path", path),
		zap.Int("bytes", len(data)),
	)
	return in, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
