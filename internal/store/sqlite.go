package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recovery-directory/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sequences (
	category TEXT PRIMARY KEY,
	value    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lineage_entries (
	organization_id TEXT NOT NULL,
	version_number  INTEGER NOT NULL,
	source_id       TEXT NOT NULL,
	record_key      TEXT NOT NULL,
	category        TEXT NOT NULL,
	extracted_at    DATETIME NOT NULL,
	is_current      INTEGER NOT NULL DEFAULT 1,
	content_hash    TEXT NOT NULL,
	snapshot        TEXT NOT NULL,
	raw_fields      TEXT,
	run_id          TEXT,
	recorded_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (organization_id, version_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lineage_current_record
	ON lineage_entries(source_id, record_key) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_lineage_record ON lineage_entries(source_id, record_key);

CREATE TABLE IF NOT EXISTS organizations (
	canonical_id         TEXT PRIMARY KEY,
	category             TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT '',
	active               INTEGER NOT NULL DEFAULT 1,
	missed_cycles        INTEGER NOT NULL DEFAULT 0,
	last_confirmed_cycle INTEGER NOT NULL DEFAULT 0,
	version              INTEGER NOT NULL DEFAULT 0,
	data                 TEXT NOT NULL,
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_organizations_category ON organizations(category, state);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	cycle        INTEGER NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'running',
	sources      TEXT,
	report       TEXT,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_status ON ingest_runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, e model.LineageEntry) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM lineage_entries WHERE source_id = ? AND record_key = ? AND is_current = 1`,
		e.SourceID, e.RecordKey,
	))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, eris.Wrapf(err, "sqlite: current entry for %s", e.Ref())
	}
	res, proceed, err := decideAppend(current, e)
	if err != nil {
		return AppendResult{}, eris.Wrapf(err, "sqlite: append %s to %s", e.Ref(), e.OrganizationID)
	}
	if !proceed {
		return res, nil
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM lineage_entries WHERE organization_id = ?`,
		e.OrganizationID,
	).Scan(&maxVersion); err != nil {
		return AppendResult{}, eris.Wrapf(err, "sqlite: max version %s", e.OrganizationID)
	}

	if current != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE lineage_entries SET is_current = 0 WHERE organization_id = ? AND version_number = ?`,
			current.OrganizationID, current.VersionNumber,
		); err != nil {
			return AppendResult{}, eris.Wrapf(err, "sqlite: demote %s v%d", current.OrganizationID, current.VersionNumber)
		}
	}

	e.VersionNumber = maxVersion + 1
	e.IsCurrent = true
	if e.RecordedAt.IsZero() {
		e.RecordedAt = now()
	}
	snapshot, raw, err := marshalEntry(e)
	if err != nil {
		return AppendResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lineage_entries (organization_id, version_number, source_id, record_key, category, extracted_at, is_current, content_hash, snapshot, raw_fields, run_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		e.OrganizationID, e.VersionNumber, e.SourceID, e.RecordKey, string(e.Category), e.ExtractedAt.UTC(),
		e.ContentHash, snapshot, raw, e.RunID, e.RecordedAt,
	); err != nil {
		if isSQLiteConstraint(err) {
			return AppendResult{}, eris.Wrapf(ErrConcurrentAppend, "sqlite: insert %s v%d", e.OrganizationID, e.VersionNumber)
		}
		return AppendResult{}, eris.Wrapf(err, "sqlite: insert %s v%d", e.OrganizationID, e.VersionNumber)
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, eris.Wrap(err, "sqlite: commit append")
	}
	return AppendResult{Entry: e}, nil
}

func (s *SQLiteStore) History(ctx context.Context, orgID string) ([]model.LineageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM lineage_entries WHERE organization_id = ? ORDER BY version_number`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", orgID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LineageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan history %s", orgID)
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history rows")
}

func (s *SQLiteStore) Bindings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, record_key, organization_id FROM lineage_entries WHERE is_current = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: bindings")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]string)
	for rows.Next() {
		var src, key, org string
		if err := rows.Scan(&src, &key, &org); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan binding")
		}
		out[model.RecordRef(src, key)] = org
	}
	return out, eris.Wrap(rows.Err(), "sqlite: binding rows")
}

func (s *SQLiteStore) Binding(ctx context.Context, ref string) (string, bool, error) {
	src, key := model.SplitRef(ref)
	var org string
	err := s.db.QueryRowContext(ctx,
		`SELECT organization_id FROM lineage_entries WHERE source_id = ? AND record_key = ? AND is_current = 1`,
		src, key,
	).Scan(&org)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: binding %s", ref)
	}
	return org, true, nil
}

func (s *SQLiteStore) OrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT organization_id FROM lineage_entries ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: organization ids")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: organization id rows")
}

func (s *SQLiteStore) NextSequence(ctx context.Context, category model.Category) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (category, value) VALUES (?, 1)
		 ON CONFLICT(category) DO UPDATE SET value = value + 1
		 RETURNING value`,
		string(category),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: next sequence %s", category)
	}
	return n, nil
}

func (s *SQLiteStore) SaveOrganizations(ctx context.Context, orgs []model.Organization) error {
	if len(orgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save organizations")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO organizations (canonical_id, category, state, active, missed_cycles, last_confirmed_cycle, version, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(canonical_id) DO UPDATE SET
			category = excluded.category, state = excluded.state, active = excluded.active,
			missed_cycles = excluded.missed_cycles, last_confirmed_cycle = excluded.last_confirmed_cycle,
			version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save organization")
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range orgs {
		data, err := json.Marshal(o)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal organization %s", o.CanonicalID)
		}
		if _, err := stmt.ExecContext(ctx,
			o.CanonicalID, string(o.Category), o.CurrentFields.State, o.Active, o.MissedCycles,
			o.LastConfirmedCycle, o.Version, string(data), o.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: save organization %s", o.CanonicalID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save organizations")
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM organizations WHERE canonical_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: organization %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get organization %s", id)
	}
	var o model.Organization
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal organization %s", id)
	}
	return &o, nil
}

func (s *SQLiteStore) ListOrganizations(ctx context.Context, filter OrgFilter) ([]model.Organization, error) {
	query := `SELECT data FROM organizations`
	var where []string
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY canonical_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Organization
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		var o model.Organization
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal organization")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: organization rows")
}

func (s *SQLiteStore) StartRun(ctx context.Context, sources []string) (*model.RunRecord, error) {
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal run sources")
	}
	run := &model.RunRecord{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Sources:   sources,
		StartedAt: now(),
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO ingest_runs (id, cycle, status, sources, started_at)
		 VALUES (?, (SELECT COALESCE(MAX(cycle), 0) + 1 FROM ingest_runs), ?, ?, ?)
		 RETURNING cycle`,
		run.ID, string(run.Status), string(srcJSON), run.StartedAt,
	).Scan(&run.Cycle)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr string) error {
	var reportJSON any
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run report")
		}
		reportJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, report = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), reportJSON, runErr, now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT id, cycle, status, sources, report, error, started_at, completed_at FROM ingest_runs`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY cycle DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunRecord
	for rows.Next() {
		var (
			r           model.RunRecord
			status      string
			sources     sql.NullString
			report      sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Cycle, &status, &sources, &report, &r.Error, &r.StartedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		if err := decodeRunJSON(&r, sources.String, report.String); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: run rows")
}

func decodeRunJSON(r *model.RunRecord, sources, report string) error {
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
			return eris.Wrapf(err, "store: unmarshal sources of run %s", r.ID)
		}
	}
	if report != "" {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(report), r.Report); err != nil {
			return eris.Wrapf(err, "store: unmarshal report of run %s", r.ID)
		}
	}
	return nil
}

const entryColumns = `organization_id, version_number, source_id, record_key, category, extracted_at, is_current, content_hash, snapshot, raw_fields, run_id, recorded_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.LineageEntry, error) {
	var (
		e         model.LineageEntry
		category  string
		isCurrent bool
		snapshot  string
		raw       sql.NullString
		runID     sql.NullString
		extracted time.Time
		recorded  time.Time
	)
	if err := row.Scan(&e.OrganizationID, &e.VersionNumber, &e.SourceID, &e.RecordKey, &category,
		&extracted, &isCurrent, &e.ContentHash, &snapshot, &raw, &runID, &recorded); err != nil {
		return nil, err
	}
	e.Category = model.Category(category)
	e.IsCurrent = isCurrent
	e.ExtractedAt = extracted.UTC()
	e.RecordedAt = recorded.UTC()
	e.RunID = runID.String
	if err := unmarshalEntry(&e, []byte(snapshot), []byte(raw.String)); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalEntry(e model.LineageEntry) (snapshot, raw []byte, err error) {
	snapshot, err = json.Marshal(e.Snapshot)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal snapshot")
	}
	if e.RawFields != nil {
		raw, err = json.Marshal(e.RawFields)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal raw fields")
		}
	}
	return snapshot, raw, nil
}

func unmarshalEntry(e *model.LineageEntry, snapshot, raw []byte) error {
	if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
		return eris.Wrapf(err, "store: unmarshal snapshot %s v%d", e.OrganizationID, e.VersionNumber)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.RawFields); err != nil {
			return eris.Wrapf(err, "store: unmarshal raw fields %s v%d", e.OrganizationID, e.VersionNumber)
		}
	}
	return nil
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
