// Package ingest runs one ingestion pass: normalize, block, resolve, allocate,
// append to lineage, re-project and classify.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recovery-directory/internal/certify"
	"github.com/sells-group/recovery-directory/internal/ident"
	"github.com/sells-group/recovery-directory/internal/lineage"
	"github.com/sells-group/recovery-directory/internal/match"
	"github.com/sells-group/recovery-directory/internal/merge"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/normalize"
	"github.com/sells-group/recovery-directory/internal/resilience"
	"github.com/sells-group/recovery-directory/internal/store"
)

// Config tunes the engine.
type Config struct {
	Threshold           float64
	TieWindow           float64
	Workers             int
	InactiveAfterCycles int
	Retry               resilience.RetryConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:           merge.DefaultThreshold,
		TieWindow:           merge.DefaultTieWindow,
		Workers:             4,
		InactiveAfterCycles: 3,
		Retry:               resilience.DefaultRetryConfig(),
	}
}

// Engine orchestrates ingestion passes over one lineage log.
type Engine struct {
	log      *lineage.Log
	store    store.Store
	alloc    *ident.Allocator
	norm     *normalize.Normalizer
	resolver merge.Resolver
	cfg      Config
	now      func() time.Time
}

// New creates an Engine.
func New(log *lineage.Log, norm *normalize.Normalizer, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.InactiveAfterCycles <= 0 {
		cfg.InactiveAfterCycles = DefaultConfig().InactiveAfterCycles
	}
	if norm == nil {
		norm = normalize.New(nil)
	}
	return &Engine{
		log:      log,
		store:    log.Store(),
		alloc:    ident.NewAllocator(log.Store()),
		norm:     norm,
		resolver: merge.NewResolver(cfg.Threshold, cfg.TieWindow),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Result is the outcome of a pass.
type Result struct {
	Run    *model.RunRecord
	Report *model.RunReport
	// Decisions holds one entry per accepted record, in partition order.
	Decisions []Decision
}

// Decision is the resolved fate of one record.
type Decision struct {
	Ref            string       `json:"ref"`
	OrganizationID string       `json:"organization_id"`
	Action         merge.Action `json:"action"`
	Score          float64      `json:"score"`
	Version        int          `json:"version,omitempty"`
	Skipped        bool         `json:"skipped,omitempty"`
	Stale          bool         `json:"stale,omitempty"`
}

// Run ingests one batch. Every input is fully materialized before any
// resolution starts. The run is recorded in the run log whether it succeeds
// or fails.
func (e *Engine) Run(ctx context.Context, inputs []normalize.Input) (*Result, error) {
	run, err := e.store.StartRun(ctx, sourceIDs(inputs))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: start run")
	}
	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("run_id", run.ID),
		zap.Int64("cycle", run.Cycle),
	)
	log.Info("ingest: run started", zap.Int("inputs", len(inputs)))

	res, err := e.run(ctx, run, inputs)
	if err != nil {
		log.Error("ingest: run failed", zap.Error(err))
		if cerr := e.store.CompleteRun(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed, nil, err.Error()); cerr != nil {
			log.Warn("ingest: record failed run", zap.Error(cerr))
		}
		return nil, err
	}
	if err := e.store.CompleteRun(ctx, run.ID, model.RunStatusComplete, res.Report, ""); err != nil {
		return nil, eris.Wrap(err, "ingest: complete run")
	}
	run.Status = model.RunStatusComplete
	run.Report = res.Report
	res.Run = run

	r := res.Report
	log.Info("ingest: run complete",
		zap.Int("ingested", r.Ingested),
		zap.Int("skipped", r.Skipped),
		zap.Int("created", r.Created),
		zap.Int("merged", r.Merged),
		zap.Int("updated", r.Updated),
		zap.Int("unchanged", r.Unchanged),
		zap.Int("stale", r.Stale),
		zap.Int("conflicts", r.Conflicts),
		zap.Int("deactivated", r.Deactivated),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, run *model.RunRecord, inputs []normalize.Input) (*Result, error) {
	report := &model.RunReport{}
	records := e.normalize(inputs, report)

	st, err := e.loadState(ctx)
	if err != nil {
		return nil, err
	}

	parts := partition(records, st, e.resolver)
	if err := e.resolve(ctx, parts); err != nil {
		return nil, err
	}
	if err := e.allocate(ctx, parts, report); err != nil {
		return nil, err
	}
	touched, err := e.appendAll(ctx, run.ID, parts, report)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]map[string]bool)
	var decisions []Decision
	for _, p := range parts {
		for _, d := range p.results {
			src, _ := model.SplitRef(d.Ref)
			if seen[d.OrganizationID] == nil {
				seen[d.OrganizationID] = make(map[string]bool)
			}
			seen[d.OrganizationID][src] = true
			decisions = append(decisions, d)
		}
	}

	orgs, err := e.reproject(ctx, run, st, touched, seen, report)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveOrganizations(ctx, orgs); err != nil {
		return nil, eris.Wrap(err, "ingest: save organizations")
	}
	return &Result{Report: report, Decisions: decisions}, nil
}

// normalize builds records from every input, keeping the newest snapshot
// when the same record appears in several inputs.
func (e *Engine) normalize(inputs []normalize.Input, report *model.RunReport) []model.SourceRecord {
	byRef := make(map[string]int)
	var out []model.SourceRecord
	for _, in := range inputs {
		res := e.norm.Records(in)
		for code, n := range res.Diagnostics {
			report.AddDiagnostics(in.SourceID, code, n)
		}
		report.Skipped += res.Diagnostics[normalize.DiagMissingNameState] + res.Diagnostics[normalize.DiagMalformedRecord]

		for _, rec := range res.Records {
			if !rec.Category.Valid() {
				report.AddDiagnostic(rec.SourceID, normalize.DiagUnknownCategory)
				report.Skipped++
				continue
			}
			if i, dup := byRef[rec.Ref()]; dup {
				report.AddDiagnostic(rec.SourceID, normalize.DiagDuplicateKey)
				if !rec.ExtractedAt.Before(out[i].ExtractedAt) {
					out[i] = rec
				}
				continue
			}
			byRef[rec.Ref()] = len(out)
			out = append(out, rec)
		}
	}
	report.Ingested = len(out)
	return out
}

// state is what the engine knows before resolving: current bindings and the
// current-state table, repaired from lineage where the table lags.
type state struct {
	bindings map[string]string
	orgs     map[string]*model.Organization
	// stale lists organizations rebuilt from lineage because the table
	// lacked them; they are saved even when untouched.
	stale []string
}

func (e *Engine) loadState(ctx context.Context) (*state, error) {
	bindings, err := e.store.Bindings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load bindings")
	}
	table, err := e.store.ListOrganizations(ctx, store.OrgFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load organizations")
	}
	st := &state{bindings: bindings, orgs: make(map[string]*model.Organization, len(table))}
	for i := range table {
		st.orgs[table[i].CanonicalID] = &table[i]
	}

	ids, err := e.store.OrganizationIDs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load organization ids")
	}
	for _, id := range ids {
		if _, ok := st.orgs[id]; ok {
			continue
		}
		org, err := e.log.Project(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: rebuild %s", id)
		}
		org.Active = true
		st.orgs[id] = &org
		st.stale = append(st.stale, id)
	}
	if len(st.stale) > 0 {
		zap.L().Warn("ingest: rebuilt organizations missing from current-state table",
			zap.Int("count", len(st.stale)))
	}
	return st, nil
}

// part is one blocking partition.
type part struct {
	key     match.Key
	block   *merge.Block
	records []model.SourceRecord
	bound   map[string]*merge.Org // ref -> organization it is bound to

	decisions []merge.Decision
	results   []Decision
}

// partition groups records by blocking key. Records already bound to an
// organization join that organization's partition.
func partition(records []model.SourceRecord, st *state, r merge.Resolver) []*part {
	members := make(map[string]map[string]bool)
	for ref, org := range st.bindings {
		if members[org] == nil {
			members[org] = make(map[string]bool)
		}
		members[org][ref] = true
	}

	orgKeys := make(map[string]match.Key, len(st.orgs))
	trackers := make(map[string]*merge.Org, len(st.orgs))
	byKey := make(map[string][]*merge.Org)
	for id, o := range st.orgs {
		key := match.BlockKey(o.Category, o.CurrentFields)
		profile := match.NewProfile(o.CurrentFields)
		for _, alias := range o.Aliases {
			profile.AddName(alias)
		}
		t := &merge.Org{ID: id, Category: o.Category, Profile: profile, Members: members[id]}
		if t.Members == nil {
			t.Members = map[string]bool{}
		}
		orgKeys[id] = key
		trackers[id] = t
		byKey[key.String()] = append(byKey[key.String()], t)
	}

	parts := make(map[string]*part)
	get := func(key match.Key) *part {
		p, ok := parts[key.String()]
		if !ok {
			p = &part{key: key, bound: map[string]*merge.Org{}}
			parts[key.String()] = p
		}
		return p
	}
	for _, rec := range records {
		if orgID, ok := st.bindings[rec.Ref()]; ok {
			if t, known := trackers[orgID]; known {
				p := get(orgKeys[orgID])
				p.bound[rec.Ref()] = t
				p.records = append(p.records, rec)
				continue
			}
		}
		p := get(match.BlockKey(rec.Category, rec.Normalized))
		p.records = append(p.records, rec)
	}

	out := make([]*part, 0, len(parts))
	for k, p := range parts {
		p.block = merge.NewBlock(p.key, r, byKey[k])
		merge.SortRecords(p.records)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

// resolve decides every partition in parallel. Partitions share nothing.
func (e *Engine) resolve(ctx context.Context, parts []*part) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, p := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, rec := range p.records {
				if t, ok := p.bound[rec.Ref()]; ok {
					p.decisions = append(p.decisions, p.block.Attach(rec, t))
					continue
				}
				p.decisions = append(p.decisions, p.block.Resolve(rec))
			}
			return nil
		})
	}
	return eris.Wrap(g.Wait(), "ingest: resolve partitions")
}

// allocate issues IDs to new organizations in (partition key, creation)
// order, so the IDs do not depend on scheduling.
func (e *Engine) allocate(ctx context.Context, parts []*part, report *model.RunReport) error {
	for _, p := range parts {
		var fresh []*merge.Org
		for _, o := range p.block.Orgs() {
			if o.Provisional() {
				fresh = append(fresh, o)
			}
		}
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Seq < fresh[j].Seq })
		for _, o := range fresh {
			id, err := e.alloc.Allocate(ctx, o.Category)
			if err != nil {
				return eris.Wrap(err, "ingest: allocate")
			}
			o.ID = id
			report.Created++
		}
	}
	return nil
}

// appendAll writes each partition's decisions to lineage. A failed partition
// is retried as a whole; appends already done are not repeated.
func (e *Engine) appendAll(ctx context.Context, runID string, parts []*part, report *model.RunReport) (map[string]bool, error) {
	var mu sync.Mutex
	touched := make(map[string]bool)

	retry := e.cfg.Retry
	retry.ShouldRetry = func(err error) bool {
		if errors.Is(err, store.ErrConcurrentAppend) || errors.Is(err, store.ErrRebind) {
			return false
		}
		return resilience.IsTransient(err)
	}
	retry.OnRetry = resilience.RetryLogger("ingest", "append_partition")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, p := range parts {
		g.Go(func() error {
			results := make([]*Decision, len(p.decisions))
			err := resilience.Do(gctx, retry, func(ctx context.Context) error {
				for i, d := range p.decisions {
					if results[i] != nil {
						continue
					}
					res, err := e.log.Append(ctx, lineage.AppendRequest{
						OrganizationID: d.Org.ID,
						Record:         d.Record,
						RunID:          runID,
					})
					if err != nil {
						return err
					}
					results[i] = &Decision{
						Ref:            d.Record.Ref(),
						OrganizationID: d.Org.ID,
						Action:         d.Action,
						Score:          d.Score,
						Version:        res.Entry.VersionNumber,
						Skipped:        res.Skipped,
						Stale:          res.Stale,
					}
				}
				return nil
			})
			if err != nil {
				return eris.Wrapf(err, "ingest: append partition %s", p.key)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				p.results = append(p.results, *r)
				switch {
				case r.Stale:
					report.Stale++
				case r.Skipped:
					report.Unchanged++
				default:
					touched[r.OrganizationID] = true
					switch r.Action {
					case merge.ActionMerged:
						report.Merged++
					case merge.ActionBound:
						report.Updated++
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return touched, nil
}

// reproject rebuilds touched organizations from lineage, classifies them and
// advances inactivity counters for every organization the run could have
// confirmed.
func (e *Engine) reproject(ctx context.Context, run *model.RunRecord, st *state, touched map[string]bool, seen map[string]map[string]bool, report *model.RunReport) ([]model.Organization, error) {
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rebuilt := make([]model.Organization, len(ids))
	conflicts := make([]int, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			entries, err := e.log.History(gctx, id)
			if err != nil {
				return eris.Wrapf(err, "ingest: project %s", id)
			}
			rebuilt[i], conflicts[i] = lineage.Build(id, entries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := e.now()
	changed := make(map[string]*model.Organization)
	for i := range rebuilt {
		org := &rebuilt[i]
		report.Conflicts += conflicts[i]
		prev, existed := st.orgs[org.CanonicalID]
		if existed {
			org.Active = prev.Active
			org.MissedCycles = prev.MissedCycles
			org.SourceMisses = prev.SourceMisses
			org.LastConfirmedCycle = prev.LastConfirmedCycle
		} else {
			org.Active = true
		}
		org.CertificationStatus, org.Certification = certify.Classify(*org, now)
		if existed && prev.CertificationStatus != "" && prev.CertificationStatus != org.CertificationStatus {
			report.ClassificationChanges++
		}
		st.orgs[org.CanonicalID] = org
		changed[org.CanonicalID] = org
	}
	for _, id := range st.stale {
		if o := st.orgs[id]; changed[id] == nil {
			o.CertificationStatus, o.Certification = certify.Classify(*o, now)
			changed[id] = o
		}
	}

	runSources := make(map[string]bool, len(run.Sources))
	for _, s := range run.Sources {
		runSources[s] = true
	}
	for id, o := range st.orgs {
		if e.trackActivity(o, seen[id], runSources, run.Cycle, report) {
			changed[id] = o
		}
	}

	out := make([]model.Organization, 0, len(changed))
	for _, o := range changed {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out, nil
}

// trackActivity updates the inactivity counters of o for this cycle and
// reports whether anything changed. confirmedBy holds the sources whose
// records attached to o in this run. A member source misses a cycle when the
// run carries it but it did not confirm o; o is deactivated only once every
// member source has missed InactiveAfterCycles cycles.
func (e *Engine) trackActivity(o *model.Organization, confirmedBy, runSources map[string]bool, cycle int64, report *model.RunReport) bool {
	misses := make(map[string]int)
	for _, ref := range o.MemberSourceIDs {
		src, _ := model.SplitRef(ref)
		if _, ok := misses[src]; ok {
			continue
		}
		n := o.SourceMisses[src]
		if o.SourceMisses == nil {
			// Rows written before per-source counts carry only the total.
			n = o.MissedCycles
		}
		switch {
		case confirmedBy[src]:
			n = 0
		case runSources[src]:
			n++
		}
		misses[src] = n
	}

	fewest := -1
	for _, n := range misses {
		if fewest < 0 || n < fewest {
			fewest = n
		}
	}
	fewest = max(fewest, 0)

	changed := fewest != o.MissedCycles || !equalMisses(misses, o.SourceMisses)
	o.MissedCycles = fewest
	o.SourceMisses = misses
	if len(misses) == 0 {
		o.SourceMisses = nil
	}

	if len(confirmedBy) > 0 {
		if !o.Active {
			o.Active = true
			report.Reactivated++
			changed = true
		}
		if o.LastConfirmedCycle != cycle {
			o.LastConfirmedCycle = cycle
			changed = true
		}
		return changed
	}

	if o.Active && len(misses) > 0 && fewest >= e.cfg.InactiveAfterCycles {
		o.Active = false
		report.Deactivated++
		changed = true
		zap.L().Info("ingest: organization deactivated",
			zap.String("organization_id", o.CanonicalID),
			zap.Int("missed_cycles", fewest),
		)
	}
	return changed
}

func equalMisses(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if n, ok := b[k]; !ok || n != v {
			return false
		}
	}
	return true
}

func sourceIDs(inputs []normalize.Input) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, in := range inputs {
		if !seen[in.SourceID] {
			seen[in.SourceID] = true
			ids = append(ids, in.SourceID)
		}
	}
	sort.Strings(ids)
	return ids
}
