package merge

import (
	"github.com/sells-group/recovery-directory/internal/match"
	"github.com/sells-group/recovery-directory/internal/model"
)

// Defaults for the merge decision.
const (
	DefaultThreshold = 0.85
	DefaultTieWindow = 0.02
)

// Action is what the resolver did with a record.
type Action string

const (
	ActionBound   Action = "bound"   // already a member, re-attached
	ActionMerged  Action = "merged"  // joined an existing organization
	ActionCreated Action = "created" // started a new organization
)

// Org is an organization as tracked during one block pass. Provisional
// organizations have no ID yet; Seq orders them by creation.
type Org struct {
	ID       string
	Seq      int
	Category model.Category
	Profile  match.Profile
	Members  map[string]bool
	// Records are the refs decided into this org during the pass.
	Records []string
}

// Provisional reports whether the organization still awaits an ID.
func (o *Org) Provisional() bool { return o.ID == "" }

// ranksBefore orders allocated organizations by ID, then provisional ones by
// creation.
func (o *Org) ranksBefore(other *Org) bool {
	switch {
	case !o.Provisional() && !other.Provisional():
		return o.ID < other.ID
	case o.Provisional() != other.Provisional():
		return !o.Provisional()
	default:
		return o.Seq < other.Seq
	}
}

// Resolver applies the merge threshold and tie-break.
type Resolver struct {
	Threshold float64
	TieWindow float64
}

// NewResolver returns a Resolver; non-positive values select the defaults.
func NewResolver(threshold, tieWindow float64) Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if tieWindow <= 0 {
		tieWindow = DefaultTieWindow
	}
	return Resolver{Threshold: threshold, TieWindow: tieWindow}
}

// Choose picks at most one organization from pool for rec. pool must be in
// rank order. ok is false when rec should start a new organization.
func (r Resolver) Choose(pool []*Org, rec match.Profile) (chosen *Org, score float64, ok bool) {
	if !rec.Matchable() || len(pool) == 0 {
		return nil, 0, false
	}
	profiles := make([]match.Profile, len(pool))
	for i, o := range pool {
		profiles[i] = o.Profile
	}
	cands := match.Candidates(profiles, rec)
	if len(cands) == 0 || cands[0].Score < r.Threshold {
		return nil, 0, false
	}

	top := cands[0]
	best := pool[top.Index]
	score = top.Score
	for _, c := range cands[1:] {
		if c.Score < r.Threshold || top.Score-c.Score > r.TieWindow {
			break
		}
		o := pool[c.Index]
		if len(o.Members) > len(best.Members) ||
			(len(o.Members) == len(best.Members) && o.ranksBefore(best)) {
			best, score = o, c.Score
		}
	}
	return best, score, true
}
