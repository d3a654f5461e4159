// Package merge decides whether a record joins an existing organization and
// folds the contributions of an organization's members into its fields.
package merge

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/normalize"
)

// MaxHistory bounds the number of values kept per field.
const MaxHistory = 10

// Contribution is one member's snapshot as seen by the fold.
type Contribution struct {
	Ref         string
	Order       int // first-attachment version of the member
	ExtractedAt time.Time
	Fields      model.NormalizedFields
}

// SortContributions orders contributions by first attachment, then ref.
func SortContributions(cs []Contribution) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Order != cs[j].Order {
			return cs[i].Order < cs[j].Order
		}
		return cs[i].Ref < cs[j].Ref
	})
}

// Projection is the outcome of folding an organization's contributions.
type Projection struct {
	Fields    model.NormalizedFields
	Aliases   []string
	History   map[string][]model.FieldValue
	Conflicts int
}

// scalar describes one single-valued field.
type scalar struct {
	name string
	get  func(*model.NormalizedFields) string
	set  func(*model.NormalizedFields, string)
	// key is the comparison form; values with equal keys agree.
	key func(string) string
}

func identity(s string) string { return s }

var scalars = []scalar{
	{"name", func(f *model.NormalizedFields) string { return f.Name }, func(f *model.NormalizedFields, v string) { f.Name = v }, normalize.MatchName},
	{"street", func(f *model.NormalizedFields) string { return f.Street }, func(f *model.NormalizedFields, v string) { f.Street = v }, normalize.Fold},
	{"city", func(f *model.NormalizedFields) string { return f.City }, func(f *model.NormalizedFields, v string) { f.City = v }, normalize.Fold},
	{"state", func(f *model.NormalizedFields) string { return f.State }, func(f *model.NormalizedFields, v string) { f.State = v }, identity},
	{"zip", func(f *model.NormalizedFields) string { return f.Zip }, func(f *model.NormalizedFields, v string) { f.Zip = v }, identity},
	{"phone", func(f *model.NormalizedFields) string { return f.Phone }, func(f *model.NormalizedFields, v string) { f.Phone = v }, identity},
	{"website", func(f *model.NormalizedFields) string { return f.Website }, func(f *model.NormalizedFields, v string) { f.Website = v }, strings.ToLower},
	{"capacity", capacityString, setCapacity, identity},
}

func capacityString(f *model.NormalizedFields) string {
	if f.Capacity == nil {
		return ""
	}
	return strconv.Itoa(*f.Capacity)
}

func setCapacity(f *model.NormalizedFields, v string) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	f.Capacity = &n
}

// Project folds contributions. current holds each member's current snapshot
// and determines the fields; observed holds every snapshot considered for the
// field history, superseded ones included. A nil observed uses current.
//
// Blank fields are filled first-non-blank in attachment order. A field on
// which current members disagree takes the most recently confirmed of their
// values, the same value that heads its field history.
func Project(current, observed []Contribution) Projection {
	cs := append([]Contribution(nil), current...)
	SortContributions(cs)
	if observed == nil {
		observed = cs
	}

	var p Projection
	sets := map[string]map[string]struct{}{}
	aliasSeen := map[string]bool{}
	conflicted := map[string]bool{}
	for _, c := range cs {
		f := c.Fields
		for _, s := range scalars {
			v := strings.TrimSpace(s.get(&f))
			if v == "" {
				continue
			}
			cur := s.get(&p.Fields)
			switch {
			case cur == "":
				s.set(&p.Fields, v)
			case s.key(cur) != s.key(v):
				p.Conflicts++
				conflicted[s.name] = true
			}
		}
		addSet(sets, "services", f.Services)
		addSet(sets, "populations", f.Populations)
		addSet(sets, "insurance", f.Insurance)
		addSet(sets, "certifications", f.Certifications)
		if f.Name != "" && !aliasSeen[f.Name] {
			aliasSeen[f.Name] = true
			p.Aliases = append(p.Aliases, f.Name)
		}
	}
	p.Fields.Services = sortedSet(sets["services"])
	p.Fields.Populations = sortedSet(sets["populations"])
	p.Fields.Insurance = sortedSet(sets["insurance"])
	p.Fields.Certifications = sortedSet(sets["certifications"])
	sort.Strings(p.Aliases)
	for _, s := range scalars {
		if !conflicted[s.name] {
			continue
		}
		if v := newestCurrent(s, cs, observed); v != "" {
			s.set(&p.Fields, v)
		}
	}
	p.History = history(observed)
	return p
}

// newestCurrent returns the highest-ranked value of s that some current
// contribution still carries, spelled as the first such contribution has it.
func newestCurrent(s scalar, current, observed []Contribution) string {
	spelling := map[string]string{}
	for _, c := range current {
		f := c.Fields
		v := strings.TrimSpace(s.get(&f))
		if v == "" {
			continue
		}
		if _, ok := spelling[s.key(v)]; !ok {
			spelling[s.key(v)] = v
		}
	}
	for _, rv := range rank(s, observed) {
		if v, ok := spelling[rv.key]; ok {
			return v
		}
	}
	return ""
}

func addSet(sets map[string]map[string]struct{}, name string, values []string) {
	if len(values) == 0 {
		return
	}
	m := sets[name]
	if m == nil {
		m = make(map[string]struct{})
		sets[name] = m
	}
	for _, v := range values {
		m[v] = struct{}{}
	}
}

func sortedSet(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type rankedValue struct {
	key string
	model.FieldValue
}

// rank collects the distinct values of s across observed, newest
// confirmation first. Ties order by value.
func rank(s scalar, observed []Contribution) []rankedValue {
	byKey := map[string]*model.FieldValue{}
	var order []string
	for _, c := range observed {
		f := c.Fields
		v := strings.TrimSpace(s.get(&f))
		if v == "" {
			continue
		}
		k := s.key(v)
		fv, ok := byKey[k]
		if !ok {
			fv = &model.FieldValue{Value: v, FirstSeen: c.ExtractedAt, LastConfirmed: c.ExtractedAt}
			byKey[k] = fv
			order = append(order, k)
		}
		if c.ExtractedAt.Before(fv.FirstSeen) {
			fv.FirstSeen = c.ExtractedAt
		}
		if c.ExtractedAt.After(fv.LastConfirmed) {
			fv.LastConfirmed = c.ExtractedAt
		}
		fv.Sources = appendUnique(fv.Sources, c.Ref)
	}
	values := make([]rankedValue, 0, len(order))
	for _, k := range order {
		fv := byKey[k]
		sort.Strings(fv.Sources)
		values = append(values, rankedValue{key: k, FieldValue: *fv})
	}
	sort.SliceStable(values, func(i, j int) bool {
		if !values[i].LastConfirmed.Equal(values[j].LastConfirmed) {
			return values[i].LastConfirmed.After(values[j].LastConfirmed)
		}
		return values[i].Value < values[j].Value
	})
	return values
}

// history collects, per scalar field with more than one distinct value, the
// values seen, newest confirmation first.
func history(observed []Contribution) map[string][]model.FieldValue {
	out := map[string][]model.FieldValue{}
	for _, s := range scalars {
		ranked := rank(s, observed)
		if len(ranked) < 2 {
			continue
		}
		values := make([]model.FieldValue, 0, min(len(ranked), MaxHistory))
		for _, rv := range ranked[:min(len(ranked), MaxHistory)] {
			values = append(values, rv.FieldValue)
		}
		out[s.name] = values
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
