// Package match partitions records into blocks and scores name similarity
// between a record and the organizations of its block.
package match

import (
	"sort"
	"strings"

	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/normalize"
)

// Scoring weights.
const (
	NameWeight = 0.7
	CityWeight = 0.3
	// CrossCityCap bounds the score of pairs in different cities.
	CrossCityCap = 0.4
	// MinDistinctiveLen is the shortest name, generic words removed, that
	// may be auto-matched.
	MinDistinctiveLen = 4
)

// genericWords carry no identifying signal.
var genericWords = map[string]bool{"the": true, "house": true, "center": true}

// Key is a blocking key. Only records and organizations sharing a key are
// compared.
type Key struct {
	Category model.Category
	State    string
	City     string
}

// String renders the key in a stable, sortable form.
func (k Key) String() string {
	return string(k.Category) + "|" + k.State + "|" + k.City
}

// BlockKey derives the blocking key of a record's fields.
func BlockKey(category model.Category, f model.NormalizedFields) Key {
	return Key{Category: category, State: f.State, City: normalize.Fold(f.City)}
}

// Profile is the comparison form of a record or organization. An
// organization's profile carries the names of all its members.
type Profile struct {
	Names []string
	City  string
}

// NewProfile builds the profile of a single record.
func NewProfile(f model.NormalizedFields) Profile {
	p := Profile{City: normalize.Fold(f.City)}
	p.AddName(f.Name)
	return p
}

// AddName adds the match form of name when it is new and non-blank.
func (p *Profile) AddName(name string) {
	m := normalize.MatchName(name)
	if m == "" {
		return
	}
	for _, n := range p.Names {
		if n == m {
			return
		}
	}
	p.Names = append(p.Names, m)
}

// Distinctive reports whether a match name is long enough, generic words
// removed, to be auto-matched.
func Distinctive(matchName string) bool {
	var kept []string
	for _, tok := range strings.Fields(matchName) {
		if !genericWords[tok] {
			kept = append(kept, tok)
		}
	}
	return len(strings.Join(kept, " ")) >= MinDistinctiveLen
}

// Matchable reports whether a record profile may merge into anything.
func (p Profile) Matchable() bool {
	for _, n := range p.Names {
		if Distinctive(n) {
			return true
		}
	}
	return false
}

// Score returns the best pairwise similarity between the names of a and b,
// in [0,1]. Score(a, b) == Score(b, a).
func Score(a, b Profile) float64 {
	best := 0.0
	for _, na := range a.Names {
		for _, nb := range b.Names {
			if s := pairScore(na, nb, a.City, b.City); s > best {
				best = s
			}
		}
	}
	return best
}

func pairScore(nameA, nameB, cityA, cityB string) float64 {
	sameCity := cityA == cityB || cityA == "" || cityB == ""
	var s float64
	switch {
	case nameA == nameB:
		s = 1.0
	default:
		bonus := 0.0
		if sameCity {
			bonus = 1.0
		}
		s = NameWeight*Jaccard(nameA, nameB) + CityWeight*bonus
	}
	if !sameCity && s > CrossCityCap {
		s = CrossCityCap
	}
	return s
}

// Jaccard is the token-set similarity of two whitespace-separated strings.
func Jaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// Candidate is one scored organization, identified by its index in the pool
// passed to Candidates.
type Candidate struct {
	Index int
	Score float64
}

// Candidates scores rec against every pool entry and returns those with a
// positive score, best first. Equal scores keep pool order, so callers pass
// the pool in their deterministic organization order.
func Candidates(pool []Profile, rec Profile) []Candidate {
	var out []Candidate
	for i, p := range pool {
		if s := Score(rec, p); s > 0 {
			out = append(out, Candidate{Index: i, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
