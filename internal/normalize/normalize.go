// Package normalize maps adapter payloads of arbitrary shape into the common
// SourceRecord form.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/recovery-directory/internal/model"
)

// Diagnostic codes.
const (
	DiagNoRecords        = "no_records"
	DiagMalformedRecord  = "malformed_record"
	DiagMissingNameState = "missing_name_state"
	DiagInvalidState     = "invalid_state"
	DiagInvalidCapacity  = "invalid_capacity"
	DiagUnknownIndicator = "unknown_indicator"
	DiagUnknownTerm      = "unknown_term"
	DiagUnknownCategory  = "unknown_category"
	DiagDuplicateKey     = "duplicate_record_key"
)

// Input is one adapter payload with the metadata its manifest entry supplies.
type Input struct {
	SourceID    string
	Category    model.Category
	Family      string
	ExtractedAt time.Time
	Payload     any
}

// Result holds the records built from one Input and the diagnostics counted
// while building them.
type Result struct {
	Records     []model.SourceRecord
	Diagnostics map[string]int
}

func (r *Result) diag(code string) {
	if r.Diagnostics == nil {
		r.Diagnostics = make(map[string]int)
	}
	r.Diagnostics[code]++
}

// Normalizer builds SourceRecords using a vocabulary.
type Normalizer struct {
	vocab *Vocabulary
}

// New creates a Normalizer. A nil vocabulary selects the built-in tables.
func New(vocab *Vocabulary) *Normalizer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Normalizer{vocab: vocab}
}

// Records flattens in.Payload and normalizes every item. Defective items are
// dropped and counted; Records never fails the batch.
func (n *Normalizer) Records(in Input) Result {
	var res Result
	items, diags := ExtractItems(in.Payload)
	for _, d := range diags {
		res.diag(d)
	}

	seen := make(map[string]int, len(items))
	for _, item := range items {
		rec, ok := n.record(in, item, &res)
		if !ok {
			continue
		}
		if idx, dup := seen[rec.RecordKey]; dup {
			// Last occurrence of a key within one payload wins.
			res.diag(DiagDuplicateKey)
			res.Records[idx] = rec
			continue
		}
		seen[rec.RecordKey] = len(res.Records)
		res.Records = append(res.Records, rec)
	}

	if len(res.Diagnostics) > 0 {
		zap.L().Debug("normalize: diagnostics",
			zap.String("source_id", in.SourceID),
			zap.Any("diagnostics", res.Diagnostics),
		)
	}
	return res
}

func (n *Normalizer) record(in Input, item Item, res *Result) (model.SourceRecord, bool) {
	raw := item.Fields
	fields, codes := n.Fields(raw, in.Family, item.State)
	for _, c := range codes {
		res.diag(c)
	}
	if fields.Name == "" && fields.State == "" {
		res.diag(DiagMissingNameState)
		return model.SourceRecord{}, false
	}

	cat := in.Category
	if item.Category != "" {
		cat = item.Category
	}
	return model.SourceRecord{
		SourceID:    in.SourceID,
		RecordKey:   recordKey(raw, identityHash(raw, fields)),
		Category:    cat,
		Family:      in.Family,
		ExtractedAt: in.ExtractedAt.UTC(),
		RawFields:   raw,
		Normalized:  fields,
	}, true
}

// Fields maps one raw object into NormalizedFields. groupState is the state of
// an enclosing group, used when the object carries none. The returned codes
// are diagnostics for the object.
func (n *Normalizer) Fields(raw map[string]any, family, groupState string) (model.NormalizedFields, []string) {
	var codes []string
	var f model.NormalizedFields

	f.Name = NormalizeName(firstNonBlank(
		firstString(raw, nameAliases...),
		joined(raw, "name1", "name2", " - "),
	))
	f.Street = firstNonBlank(
		firstString(raw, "street", "address_street", "street_address"),
		joined(raw, "street1", "street2", " "),
		firstString(raw, "address", "address.street", "address.street1", "location.street"),
	)
	f.Street = strings.TrimSpace(multiSpaceRe.ReplaceAllString(f.Street, " "))
	f.City = strings.TrimSpace(multiSpaceRe.ReplaceAllString(firstString(raw, cityAliases...), " "))

	rawState := firstNonBlank(firstString(raw, stateAliases...), groupState)
	state, ok := NormalizeState(rawState)
	if !ok {
		codes = append(codes, DiagInvalidState)
	}
	f.State = state

	f.Zip = NormalizeZip(firstString(raw, zipAliases...))
	f.Phone = NormalizePhone(firstString(raw, phoneAliases...))
	f.Website = NormalizeWebsite(firstString(raw, websiteAliases...))

	capacity, ok := parseCapacity(raw)
	if !ok {
		codes = append(codes, DiagInvalidCapacity)
	}
	f.Capacity = capacity

	f.Certifications = uniqueSorted(stringList(raw, certificationAliases...))

	table := n.vocab.Family(family)
	terms := termSet{}
	codes = append(codes, mapList(table, terms, SetServices, stringList(raw, servicesAliases...))...)
	codes = append(codes, mapList(table, terms, SetPopulations, stringList(raw, populationsAliases...))...)
	codes = append(codes, mapList(table, terms, SetInsurance, stringList(raw, insuranceAliases...))...)
	codes = append(codes, mapIndicators(table, terms, raw)...)
	if strings.EqualFold(family, FamilySAMHSA) {
		terms.add(svc(levelOfCare(raw)))
	}

	f.Services = terms.sorted(SetServices)
	f.Populations = terms.sorted(SetPopulations)
	f.Insurance = terms.sorted(SetInsurance)
	return f, codes
}

// mapList maps free-text list values through the family's synonym table.
func mapList(table *FamilyTable, terms termSet, set string, values []string) []string {
	var codes []string
	for _, v := range values {
		if term, ok := table.Synonyms[set][strings.ToLower(v)]; ok {
			terms.add(Term{Set: set, Term: term})
			continue
		}
		codes = append(codes, DiagUnknownTerm)
	}
	return codes
}

// mapIndicators maps flag columns to terms. Flag-valued keys the table does
// not know are counted, never added.
func mapIndicators(table *FamilyTable, terms termSet, raw map[string]any) []string {
	var codes []string
	for _, key := range sortedKeys(raw) {
		lower := strings.ToLower(key)
		if knownKeys[lower] {
			continue
		}
		on, isFlag := flag(raw[key])
		term, known := table.Indicators[lower]
		switch {
		case known && on:
			terms.add(term)
		case !known && isFlag:
			if _, numeric := raw[key].(float64); !numeric {
				codes = append(codes, DiagUnknownIndicator)
			}
		}
	}
	return codes
}

// levelOfCare derives the care setting of a SAMHSA locator row.
func levelOfCare(raw map[string]any) string {
	for _, k := range inpatientIndicators {
		if on, _ := flag(raw[k]); on {
			return "inpatient"
		}
	}
	for _, k := range residentialIndicators {
		if on, _ := flag(raw[k]); on {
			return "residential"
		}
	}
	return "outpatient"
}

// identityHash keys records that carry no identifier of their own. The name
// is taken as written so that spelling variants stay distinct records.
func identityHash(raw map[string]any, f model.NormalizedFields) string {
	name := firstNonBlank(firstString(raw, nameAliases...), joined(raw, "name1", "name2", " - "))
	h := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(name), strings.ToLower(f.Street), strings.ToLower(f.City), f.State, f.Zip,
	}, "|")))
	return hex.EncodeToString(h[:8])
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	ts := termSet{}
	for _, v := range values {
		ts.add(Term{Set: "v", Term: v})
	}
	return ts.sorted("v")
}
