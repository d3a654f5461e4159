package normalize

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Controlled-vocabulary sets.
const (
	SetServices    = "services"
	SetPopulations = "populations"
	SetInsurance   = "insurance"
)

// Source families with built-in tables.
const (
	FamilySAMHSA  = "samhsa"
	FamilyNARR    = "narr"
	FamilyOxford  = "oxford"
	FamilyGeneric = "generic"
)

// Term is a controlled-vocabulary value within one set.
type Term struct {
	Set  string `yaml:"set"`
	Term string `yaml:"term"`
}

// FamilyTable is the lookup table of one source family.
type FamilyTable struct {
	// Indicators maps a flag column (lowercase) to the term it asserts.
	Indicators map[string]Term `yaml:"indicators"`
	// Synonyms maps set -> lowercase free-text value -> term, applied to
	// list-valued fields.
	Synonyms map[string]map[string]string `yaml:"synonyms"`
}

// Vocabulary holds the lookup tables of every family.
type Vocabulary struct {
	Families map[string]*FamilyTable `yaml:"families"`
}

// Family returns the table for name, falling back to the generic table.
func (v *Vocabulary) Family(name string) *FamilyTable {
	if t, ok := v.Families[strings.ToLower(name)]; ok {
		return t
	}
	return v.Families[FamilyGeneric]
}

// Extend merges other into v. Entries in other win.
func (v *Vocabulary) Extend(other *Vocabulary) {
	if other == nil {
		return
	}
	if v.Families == nil {
		v.Families = make(map[string]*FamilyTable)
	}
	for name, ft := range other.Families {
		if ft == nil {
			continue
		}
		name = strings.ToLower(name)
		dst, ok := v.Families[name]
		if !ok {
			dst = &FamilyTable{}
			v.Families[name] = dst
		}
		if dst.Indicators == nil {
			dst.Indicators = make(map[string]Term)
		}
		for k, t := range ft.Indicators {
			dst.Indicators[strings.ToLower(k)] = t
		}
		if dst.Synonyms == nil {
			dst.Synonyms = make(map[string]map[string]string)
		}
		for set, syn := range ft.Synonyms {
			if dst.Synonyms[set] == nil {
				dst.Synonyms[set] = make(map[string]string)
			}
			for raw, term := range syn {
				dst.Synonyms[set][strings.ToLower(raw)] = term
			}
		}
	}
}

// LoadVocabularyFile reads a YAML vocabulary extension and merges it over the
// built-in tables.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	v := DefaultVocabulary()
	if path == "" {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read vocabulary %s", path)
	}
	var ext Vocabulary
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return nil, eris.Wrapf(err, "normalize: parse vocabulary %s", path)
	}
	for name, ft := range ext.Families {
		if ft == nil {
			return nil, eris.Errorf("normalize: vocabulary family %q is empty", name)
		}
		for key, t := range ft.Indicators {
			if !validSet(t.Set) || t.Term == "" {
				return nil, eris.Errorf("normalize: vocabulary %s.%s: invalid term %+v", name, key, t)
			}
		}
	}
	v.Extend(&ext)
	addSharedSynonyms(v)
	return v, nil
}

func validSet(s string) bool {
	return s == SetServices || s == SetPopulations || s == SetInsurance
}

// Level-of-care indicators for SAMHSA locator rows.
var (
	inpatientIndicators   = []string{"hi", "hid", "hit", "psyh", "vamc"}
	residentialIndicators = []string{"res", "rs", "rl", "rd"}
)

func svc(term string) Term { return Term{Set: SetServices, Term: term} }
func pop(term string) Term { return Term{Set: SetPopulations, Term: term} }
func ins(term string) Term { return Term{Set: SetInsurance, Term: term} }

// sharedSynonyms applies to every family's list-valued fields.
var sharedSynonyms = map[string]map[string]string{
	SetServices: {
		"detox":                         "detoxification",
		"detoxification":                "detoxification",
		"mat":                           "medication-assisted-treatment",
		"medication-assisted treatment": "medication-assisted-treatment",
		"medication assisted treatment": "medication-assisted-treatment",
		"outpatient":                    "outpatient",
		"outpatient treatment":          "outpatient",
		"residential":                   "residential",
		"residential treatment":         "residential",
		"inpatient":                     "inpatient",
		"peer support":                  "peer-support",
		"peer support services":         "peer-support",
		"recovery coaching":             "recovery-coaching",
		"recovery coach":                "recovery-coaching",
		"sober living":                  "sober-living",
		"case management":               "case-management",
		"group therapy":                 "group-therapy",
		"family therapy":                "family-therapy",
		"telehealth":                    "telehealth",
		"life skills":                   "life-skills",
		"employment assistance":         "employment-assistance",
		"12-step meetings":              "mutual-aid-meetings",
		"mutual aid meetings":           "mutual-aid-meetings",
	},
	SetPopulations: {
		"adults":      "adults",
		"adolescents": "adolescents",
		"youth":       "adolescents",
		"seniors":     "seniors",
		"women":       "women",
		"men":         "men",
		"veterans":    "veterans",
		"lgbtq":       "lgbtq",
		"lgbtq+":      "lgbtq",
	},
	SetInsurance: {
		"medicaid":          "medicaid",
		"medicare":          "medicare",
		"private insurance": "private-insurance",
		"private":           "private-insurance",
		"sliding fee scale": "sliding-fee",
		"sliding scale":     "sliding-fee",
		"self pay":          "self-pay",
		"cash":              "self-pay",
		"tricare":           "military-insurance",
	},
}

// DefaultVocabulary returns a fresh copy of the built-in tables.
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{Families: map[string]*FamilyTable{}}
	v.Extend(&Vocabulary{Families: map[string]*FamilyTable{
		FamilySAMHSA: {
			Indicators: map[string]Term{
				"sa":   svc("substance-use-treatment"),
				"dt":   svc("detoxification"),
				"mh":   svc("mental-health-treatment"),
				"sumh": svc("co-occurring-treatment"),
				"mm":   svc("methadone-maintenance"),
				"otp":  svc("opioid-treatment-program"),
				"moa":  svc("medication-assisted-treatment"),
				"psy":  svc("psychiatric-services"),
				"op":   svc("outpatient"),
				"res":  svc("residential"),
				"hi":   svc("inpatient"),
				"hid":  svc("inpatient"),
				"hit":  svc("inpatient"),
				"psyh": svc("psychiatric-services"),
				"vamc": svc("va-medical-center"),
				"rs":   svc("residential"),
				"rl":   svc("residential"),
				"rd":   svc("residential"),
				"ph":   svc("partial-hospitalization"),
				"hh":   svc("transitional-housing"),
				"cbt":  svc("cognitive-behavioral-therapy"),
				"dbt":  svc("dialectical-behavior-therapy"),
				"gt":   svc("group-therapy"),
				"cft":  svc("family-therapy"),
				"ipt":  svc("individual-therapy"),
				"tele": svc("telehealth"),
				"peer": svc("peer-support"),
				"cm":   svc("case-management"),
				"icm":  svc("case-management"),
				"adlt": pop("adults"),
				"ped":  pop("adolescents"),
				"yad":  pop("young-adults"),
				"snr":  pop("seniors"),
				"fem":  pop("women"),
				"male": pop("men"),
				"vet":  pop("veterans"),
				"cj":   pop("criminal-justice"),
				"dv":   pop("domestic-violence-survivors"),
				"tay":  pop("transition-age-youth"),
				"trma": pop("trauma-survivors"),
				"pi":   ins("private-insurance"),
				"mc":   ins("medicaid"),
				"md":   ins("medicare"),
				"si":   ins("state-insurance"),
				"mi":   ins("military-insurance"),
				"sf":   ins("sliding-fee"),
				"pa":   ins("payment-assistance"),
				"vaf":  ins("va-funds"),
			},
		},
		FamilyNARR: {
			Indicators: map[string]Term{
				"peer_support":          svc("peer-support"),
				"recovery_support":      svc("recovery-coaching"),
				"life_skills":           svc("life-skills"),
				"employment_assistance": svc("employment-assistance"),
				"sober_living":          svc("sober-living"),
				"men":                   pop("men"),
				"women":                 pop("women"),
				"women_with_children":   pop("women-with-children"),
				"lgbtq_friendly":        pop("lgbtq"),
				"mat_friendly":          svc("medication-assisted-treatment"),
			},
		},
		FamilyOxford: {
			Indicators: map[string]Term{
				"men":                 pop("men"),
				"women":               pop("women"),
				"women_with_children": pop("women-with-children"),
				"men_with_children":   pop("men-with-children"),
				"accepting_residents": svc("sober-living"),
			},
		},
		FamilyGeneric: {
			Indicators: map[string]Term{
				"detox":             svc("detoxification"),
				"mat":               svc("medication-assisted-treatment"),
				"outpatient":        svc("outpatient"),
				"residential":       svc("residential"),
				"inpatient":         svc("inpatient"),
				"peer_support":      svc("peer-support"),
				"recovery_coaching": svc("recovery-coaching"),
				"sober_living":      svc("sober-living"),
				"telehealth":        svc("telehealth"),
				"veterans":          pop("veterans"),
				"adolescents":       pop("adolescents"),
				"women":             pop("women"),
				"men":               pop("men"),
				"accepts_medicaid":  ins("medicaid"),
				"accepts_medicare":  ins("medicare"),
				"private_insurance": ins("private-insurance"),
				"sliding_fee":       ins("sliding-fee"),
			},
		},
	}})
	addSharedSynonyms(v)
	return v
}

// addSharedSynonyms fills in shared synonyms a family does not override.
func addSharedSynonyms(v *Vocabulary) {
	for _, ft := range v.Families {
		for set, syn := range sharedSynonyms {
			if ft.Synonyms[set] == nil {
				ft.Synonyms[set] = make(map[string]string)
			}
			for raw, term := range syn {
				if _, ok := ft.Synonyms[set][raw]; !ok {
					ft.Synonyms[set][raw] = term
				}
			}
		}
	}
}

// termSet accumulates controlled terms per set.
type termSet map[string]map[string]struct{}

func (ts termSet) add(t Term) {
	if ts[t.Set] == nil {
		ts[t.Set] = make(map[string]struct{})
	}
	ts[t.Set][t.Term] = struct{}{}
}

func (ts termSet) sorted(set string) []string {
	m := ts[set]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
