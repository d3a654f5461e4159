package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recovery-directory/internal/model"
)

// volatileKeys are raw fields that change between extractions without the
// record itself changing.
var volatileKeys = map[string]bool{
	"extraction_date": true,
	"extracted_at":    true,
	"scraped_at":      true,
	"last_updated":    true,
	"fetched_at":      true,
}

// ContentHash fingerprints a record's normalized and raw fields. encoding/json
// sorts map keys, so equal content hashes equally. Content that cannot be
// encoded is an error; it never hashes to a shared value.
func ContentHash(fields model.NormalizedFields, raw map[string]any) (string, error) {
	kept := make(map[string]any, len(raw))
	for k, v := range raw {
		if !volatileKeys[k] {
			kept[k] = v
		}
	}
	data, err := json.Marshal(struct {
		Fields model.NormalizedFields `json:"fields"`
		Raw    map[string]any         `json:"raw"`
	}{fields, kept})
	if err != nil {
		return "", eris.Wrap(err, "lineage: encode content")
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}
