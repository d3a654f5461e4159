package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recovery-directory/internal/db"
	"github.com/sells-group/recovery-directory/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"current_entry": `SELECT ` + entryColumns + ` FROM lineage_entries WHERE source_id = $1 AND record_key = $2 AND is_current`,
	"max_version":   `SELECT COALESCE(MAX(version_number), 0) FROM lineage_entries WHERE organization_id = $1`,
	"binding":       `SELECT organization_id FROM lineage_entries WHERE source_id = $1 AND record_key = $2 AND is_current`,
	"history":       `SELECT ` + entryColumns + ` FROM lineage_entries WHERE organization_id = $1 ORDER BY version_number`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e model.LineageEntry) (AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, eris.Wrap(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes appends per organization across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.OrganizationID); err != nil {
		return AppendResult{}, eris.Wrapf(err, "postgres: lock %s", e.OrganizationID)
	}

	current, err := scanEntry(tx.QueryRow(ctx, preparedStatements["current_entry"], e.SourceID, e.RecordKey))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, eris.Wrapf(err, "postgres: current entry for %s", e.Ref())
	}
	res, proceed, err := decideAppend(current, e)
	if err != nil {
		return AppendResult{}, eris.Wrapf(err, "postgres: append %s to %s", e.Ref(), e.OrganizationID)
	}
	if !proceed {
		return res, nil
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, preparedStatements["max_version"], e.OrganizationID).Scan(&maxVersion); err != nil {
		return AppendResult{}, eris.Wrapf(err, "postgres: max version %s", e.OrganizationID)
	}
	if current != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE lineage_entries SET is_current = false WHERE organization_id = $1 AND version_number = $2`,
			current.OrganizationID, current.VersionNumber,
		); err != nil {
			return AppendResult{}, eris.Wrapf(err, "postgres: demote %s v%d", current.OrganizationID, current.VersionNumber)
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
	if _, err := tx.Exec(ctx,
		`INSERT INTO lineage_entries (organization_id, version_number, source_id, record_key, category, extracted_at, is_current, content_hash, snapshot, raw_fields, run_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8, $9, $10, $11)`,
		e.OrganizationID, e.VersionNumber, e.SourceID, e.RecordKey, string(e.Category), e.ExtractedAt.UTC(),
		e.ContentHash, snapshot, raw, e.RunID, e.RecordedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return AppendResult{}, eris.Wrapf(ErrConcurrentAppend, "postgres: insert %s v%d", e.OrganizationID, e.VersionNumber)
		}
		return AppendResult{}, eris.Wrapf(err, "postgres: insert %s v%d", e.OrganizationID, e.VersionNumber)
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, eris.Wrap(err, "postgres: commit append")
	}
	return AppendResult{Entry: e}, nil
}

func (s *PostgresStore) History(ctx context.Context, orgID string) ([]model.LineageEntry, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["history"], orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: history %s", orgID)
	}
	defer rows.Close()

	var out []model.LineageEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan history %s", orgID)
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history rows")
}

func (s *PostgresStore) Bindings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, record_key, organization_id FROM lineage_entries WHERE is_current`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: bindings")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var src, key, org string
		if err := rows.Scan(&src, &key, &org); err != nil {
			return nil, eris.Wrap(err, "postgres: scan binding")
		}
		out[model.RecordRef(src, key)] = org
	}
	return out, eris.Wrap(rows.Err(), "postgres: binding rows")
}

func (s *PostgresStore) Binding(ctx context.Context, ref string) (string, bool, error) {
	src, key := model.SplitRef(ref)
	var org string
	err := s.pool.QueryRow(ctx, preparedStatements["binding"], src, key).Scan(&org)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: binding %s", ref)
	}
	return org, true, nil
}

func (s *PostgresStore) OrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT organization_id FROM lineage_entries ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: organization ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: organization id rows")
}

func (s *PostgresStore) NextSequence(ctx context.Context, category model.Category) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sequences (category, value) VALUES ($1, 1)
		 ON CONFLICT (category) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`,
		string(category),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: next sequence %s", category)
	}
	return n, nil
}

// organizationColumns is the column order of the current-state upsert.
var organizationColumns = []string{
	"canonical_id", "category", "state", "active", "missed_cycles",
	"last_confirmed_cycle", "version", "data", "updated_at",
}

func (s *PostgresStore) SaveOrganizations(ctx context.Context, orgs []model.Organization) error {
	rows := make([][]any, 0, len(orgs))
	for _, o := range orgs {
		data, err := json.Marshal(o)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal organization %s", o.CanonicalID)
		}
		rows = append(rows, []any{
			o.CanonicalID, string(o.Category), o.CurrentFields.State, o.Active, int32(o.MissedCycles),
			o.LastConfirmedCycle, int32(o.Version), string(data), o.UpdatedAt.UTC(),
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "organizations",
		Columns:      organizationColumns,
		ConflictKeys: []string{"canonical_id"},
	}, rows)
	return eris.Wrap(err, "postgres: save organizations")
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM organizations WHERE canonical_id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: organization %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get organization %s", id)
	}
	var o model.Organization
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal organization %s", id)
	}
	return &o, nil
}

func (s *PostgresStore) ListOrganizations(ctx context.Context, filter OrgFilter) ([]model.Organization, error) {
	query := `SELECT data FROM organizations`
	var where []string
	var args []any
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY canonical_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		var o model.Organization
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal organization")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: organization rows")
}

func (s *PostgresStore) StartRun(ctx context.Context, sources []string) (*model.RunRecord, error) {
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal run sources")
	}
	run := &model.RunRecord{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Sources:   sources,
		StartedAt: now(),
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO ingest_runs (id, cycle, status, sources, started_at)
		 VALUES ($1, (SELECT COALESCE(MAX(cycle), 0) + 1 FROM ingest_runs), $2, $3, $4)
		 RETURNING cycle`,
		run.ID, string(run.Status), srcJSON, run.StartedAt,
	).Scan(&run.Cycle)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, report *model.RunReport, runErr string) error {
	var reportJSON []byte
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run report")
		}
		reportJSON = b
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, report = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), reportJSON, runErr, now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT id, cycle, status, sources, report, error, started_at, completed_at FROM ingest_runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " WHERE status = $1"
	}
	query += " ORDER BY cycle DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var (
			r       model.RunRecord
			status  string
			sources []byte
			report  []byte
		)
		if err := rows.Scan(&r.ID, &r.Cycle, &status, &sources, &report, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if err := decodeRunJSON(&r, string(sources), string(report)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: run rows")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
