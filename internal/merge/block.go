package merge

import (
	"sort"

	"github.com/sells-group/recovery-directory/internal/match"
	"github.com/sells-group/recovery-directory/internal/model"
)

// Decision binds one record to an organization of its block.
type Decision struct {
	Record model.SourceRecord
	Org    *Org
	Action Action
	Score  float64
}

// Block resolves the records of one blocking partition against the
// organizations sharing its key. A Block is not safe for concurrent use;
// partitions are independent so each worker owns its own.
type Block struct {
	Key      match.Key
	resolver Resolver
	orgs     []*Org
	nextSeq  int
}

// NewBlock creates a block over existing organizations.
func NewBlock(key match.Key, r Resolver, existing []*Org) *Block {
	b := &Block{Key: key, resolver: r, orgs: append([]*Org(nil), existing...)}
	b.sortOrgs()
	return b
}

func (b *Block) sortOrgs() {
	sort.SliceStable(b.orgs, func(i, j int) bool { return b.orgs[i].ranksBefore(b.orgs[j]) })
}

// Orgs returns the organizations of the block in rank order.
func (b *Block) Orgs() []*Org { return b.orgs }

// Attach records a bound record against its known organization.
func (b *Block) Attach(rec model.SourceRecord, org *Org) Decision {
	b.join(org, rec)
	return Decision{Record: rec, Org: org, Action: ActionBound, Score: 1}
}

// Resolve decides rec: merge into the best organization over the threshold or
// create a provisional one.
func (b *Block) Resolve(rec model.SourceRecord) Decision {
	profile := match.NewProfile(rec.Normalized)
	if org, score, ok := b.resolver.Choose(b.orgs, profile); ok {
		b.join(org, rec)
		return Decision{Record: rec, Org: org, Action: ActionMerged, Score: score}
	}

	org := &Org{
		Seq:      b.nextSeq,
		Category: rec.Category,
		Profile:  match.Profile{City: profile.City},
		Members:  map[string]bool{},
	}
	b.nextSeq++
	b.join(org, rec)
	b.orgs = append(b.orgs, org)
	return Decision{Record: rec, Org: org, Action: ActionCreated}
}

func (b *Block) join(org *Org, rec model.SourceRecord) {
	if org.Members == nil {
		org.Members = map[string]bool{}
	}
	ref := rec.Ref()
	org.Members[ref] = true
	org.Records = append(org.Records, ref)
	org.Profile.AddName(rec.Normalized.Name)
}

// SortRecords orders records of a partition deterministically.
func SortRecords(recs []model.SourceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.ExtractedAt.Equal(b.ExtractedAt) {
			return a.ExtractedAt.Before(b.ExtractedAt)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.RecordKey < b.RecordKey
	})
}
