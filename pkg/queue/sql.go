package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

const (
	dialectSqlite   = "sqlite"
	dialectPostgres = "postgres"
)

const requestColumns = `id, buildset_id, builder, priority, submitted_at, merged_into, claimed_by,
	claimed_at, lease_expires, attempts, complete, complete_at, results`

const sourceStampColumns = `ss.id, ss.codebase, ss.branch, ss.revision, ss.repository, ss.project,
	ss.patch, ss.changes`

// Store backed by database/sql, shared by the sqlite and postgres drivers.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

// Opens (and creates) a sqlite database file.
func NewSqliteStore(ctx context.Context, path string) (*sqlStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite database %s", path)
	}

	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	return openSqlStore(ctx, db, dialectSqlite, sqliteSchema)
}

// Connects to a postgres database.
func NewPostgresStore(ctx context.Context, dsn string) (*sqlStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "error opening postgres connection")
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	return openSqlStore(ctx, db, dialectPostgres, postgresSchema)
}

func openSqlStore(ctx context.Context, db *sql.DB, dialect string, schema []string) (*sqlStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "error connecting to %s database", dialect)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "error creating %s schema", dialect)
		}
	}

	log.Debugf("new - store - driver: %s", dialect)

	return &sqlStore{db: db, dialect: dialect}, nil
}

// Rewrites ? placeholders into the dialect's form.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

func scanRequest(row scanner) (*BuildRequest, error) {
	var (
		req          BuildRequest
		submittedAt  int64
		mergedInto   sql.NullInt64
		claimedBy    sql.NullString
		claimedAt    sql.NullInt64
		leaseExpires sql.NullInt64
		complete     int
		completeAt   sql.NullInt64
		results      sql.NullInt64
	)

	err := row.Scan(
		&req.ID,
		&req.BuildSetID,
		&req.Builder,
		&req.Priority,
		&submittedAt,
		&mergedInto,
		&claimedBy,
		&claimedAt,
		&leaseExpires,
		&req.Attempts,
		&complete,
		&completeAt,
		&results,
	)
	if err != nil {
		return nil, err
	}

	req.SubmittedAt = time.UnixMilli(submittedAt)
	req.MergedInto = mergedInto.Int64
	req.ClaimedBy = claimedBy.String
	req.ClaimedAt = fromMillis(claimedAt)
	req.LeaseExpires = fromMillis(leaseExpires)
	req.Complete = complete != 0
	req.CompletedAt = fromMillis(completeAt)
	req.Results = protocol.Result(results.Int64)
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]*BuildRequest, error) {
	defer rows.Close()

	reqs := []*BuildRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "error scanning build request")
		}
		reqs = append(reqs, req)
	}
	return reqs, errors.Wrap(rows.Err(), "error reading build requests")
}

func (s *sqlStore) insertSourceStamp(ctx context.Context, tx *sql.Tx, ss *SourceStamp) error {
	var patch, changes sql.NullString

	if ss.Patch != nil {
		data, err := json.Marshal(ss.Patch)
		if err != nil {
			return errors.Wrap(err, "error encoding patch")
		}
		patch = sql.NullString{String: string(data), Valid: true}
	}

	if len(ss.Changes) > 0 {
		data, err := json.Marshal(ss.Changes)
		if err != nil {
			return errors.Wrap(err, "error encoding changes")
		}
		changes = sql.NullString{String: string(data), Valid: true}
	}

	hash := ss.Hash()

	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO sourcestamps
		(ss_hash, codebase, branch, revision, repository, project, patch, changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ss_hash) DO NOTHING`),
		hash, ss.Codebase, ss.Branch, ss.Revision, ss.Repository, ss.Project, patch, changes)
	if err != nil {
		return errors.Wrap(err, "error inserting source stamp")
	}

	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM sourcestamps WHERE ss_hash = ?`), hash).Scan(&ss.ID)
	return errors.Wrap(err, "error reading source stamp id")
}

func (s *sqlStore) InsertBuildSet(ctx context.Context, bs *BuildSet, reqs []*BuildRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "error starting transaction")
	}
	defer tx.Rollback()

	for _, ss := range bs.SourceStamps {
		if err := s.insertSourceStamp(ctx, tx, ss); err != nil {
			return 0, err
		}
	}

	props, err := json.Marshal(bs.Properties)
	if err != nil {
		return 0, errors.Wrap(err, "error encoding buildset properties")
	}

	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO buildsets
		(external_id, reason, properties, submitted_at, parent_build_id, parent_relationship)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		bs.ExternalID, bs.Reason, string(props), millis(bs.SubmittedAt), bs.ParentBuildID, bs.ParentRelationship,
	).Scan(&bs.ID)
	if err != nil {
		return 0, errors.Wrap(err, "error inserting buildset")
	}

	for i, ss := range bs.SourceStamps {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO buildset_sourcestamps
			(buildset_id, sourcestamp_id, position) VALUES (?, ?, ?)`),
			bs.ID, ss.ID, i)
		if err != nil {
			return 0, errors.Wrap(err, "error linking source stamp")
		}
	}

	for _, req := range reqs {
		req.BuildSetID = bs.ID
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO buildrequests
			(buildset_id, builder, priority, submitted_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`),
			req.BuildSetID, req.Builder, req.Priority, millis(req.SubmittedAt),
		).Scan(&req.ID)
		if err != nil {
			return 0, errors.Wrap(err, "error inserting build request")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "error committing buildset")
	}

	return bs.ID, nil
}

func (s *sqlStore) GetBuildSet(ctx context.Context, id int64) (*BuildSet, error) {
	var (
		bs          BuildSet
		props       string
		submittedAt int64
		complete    int
		completeAt  sql.NullInt64
		results     sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, external_id, reason, properties, submitted_at,
		complete, complete_at, results, parent_build_id, parent_relationship
		FROM buildsets WHERE id = ?`), id).Scan(
		&bs.ID,
		&bs.ExternalID,
		&bs.Reason,
		&props,
		&submittedAt,
		&complete,
		&completeAt,
		&results,
		&bs.ParentBuildID,
		&bs.ParentRelationship,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(utils.ErrNotFound, "buildset %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading buildset %d", id)
	}

	if err := json.Unmarshal([]byte(props), &bs.Properties); err != nil {
		return nil, errors.Wrapf(err, "error decoding properties of buildset %d", id)
	}
	bs.SubmittedAt = time.UnixMilli(submittedAt)
	bs.Complete = complete != 0
	bs.CompletedAt = fromMillis(completeAt)
	bs.Results = protocol.Result(results.Int64)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sourceStampColumns+`
		FROM buildset_sourcestamps bss
		JOIN sourcestamps ss ON ss.id = bss.sourcestamp_id
		WHERE bss.buildset_id = ?
		ORDER BY bss.position`), id)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading source stamps of buildset %d", id)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ss      SourceStamp
			patch   sql.NullString
			changes sql.NullString
		)

		if err := rows.Scan(&ss.ID, &ss.Codebase, &ss.Branch, &ss.Revision, &ss.Repository, &ss.Project, &patch, &changes); err != nil {
			return nil, errors.Wrap(err, "error scanning source stamp")
		}
		if patch.Valid {
			ss.Patch = &Patch{}
			if err := json.Unmarshal([]byte(patch.String), ss.Patch); err != nil {
				return nil, errors.Wrapf(err, "error decoding patch of source stamp %d", ss.ID)
			}
		}
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &ss.Changes); err != nil {
				return nil, errors.Wrapf(err, "error decoding changes of source stamp %d", ss.ID)
			}
		}
		bs.SourceStamps = append(bs.SourceStamps, &ss)
	}

	return &bs, errors.Wrap(rows.Err(), "error reading source stamps")
}

func (s *sqlStore) getBuildRequest(ctx context.Context, db queryer, id int64) (*BuildRequest, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+requestColumns+` FROM buildrequests WHERE id = ?`), id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(utils.ErrNotFound, "buildrequest %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading buildrequest %d", id)
	}
	return req, nil
}

func (s *sqlStore) GetBuildRequest(ctx context.Context, id int64) (*BuildRequest, error) {
	return s.getBuildRequest(ctx, s.db, id)
}

func (s *sqlStore) ListBuildRequests(ctx context.Context, filter Filter) ([]*BuildRequest, error) {
	where := []string{"1 = 1"}
	args := []any{}

	if filter.BuildSetID != 0 {
		where = append(where, "buildset_id = ?")
		args = append(args, filter.BuildSetID)
	}
	if filter.Builder != "" {
		where = append(where, "builder = ?")
		args = append(args, filter.Builder)
	}
	if filter.Incomplete {
		where = append(where, "complete = 0")
	}
	if filter.Unmerged {
		where = append(where, "merged_into IS NULL")
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+requestColumns+` FROM buildrequests
		WHERE `+strings.Join(where, " AND ")+` ORDER BY id`), args...)
	if err != nil {
		return nil, errors.Wrap(err, "error listing build requests")
	}
	return scanRequests(rows)
}

func (s *sqlStore) PendingBuilders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT DISTINCT builder FROM buildrequests
		WHERE complete = 0 AND merged_into IS NULL AND (claimed_by IS NULL OR lease_expires <= ?)
		ORDER BY builder`), millis(now))
	if err != nil {
		return nil, errors.Wrap(err, "error listing pending builders")
	}
	defer rows.Close()

	builders := []string{}
	for rows.Next() {
		var builder string
		if err := rows.Scan(&builder); err != nil {
			return nil, errors.Wrap(err, "error scanning builder")
		}
		builders = append(builders, builder)
	}
	return builders, errors.Wrap(rows.Err(), "error reading pending builders")
}

func (s *sqlStore) Claim(ctx context.Context, id int64, owner string, now, expires time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE buildrequests
		SET claimed_by = ?, claimed_at = ?, lease_expires = ?, attempts = attempts + 1
		WHERE id = ? AND complete = 0 AND merged_into IS NULL
		AND (claimed_by IS NULL OR lease_expires <= ?)`),
		owner, millis(now), millis(expires), id, millis(now))
	if err != nil {
		return false, errors.Wrapf(err, "error claiming buildrequest %d", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "error claiming buildrequest %d", id)
	}
	if n == 1 {
		return true, nil
	}

	// Lost the race, or the request does not exist
	if _, err := s.GetBuildRequest(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Runs an update that must match exactly one row claimed by owner.
func (s *sqlStore) updateClaimed(ctx context.Context, id int64, owner, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return errors.Wrapf(err, "error updating buildrequest %d", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "error updating buildrequest %d", id)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetBuildRequest(ctx, id); err != nil {
		return err
	}
	return errors.Wrapf(utils.ErrLeaseLost, "buildrequest %d, owner %s", id, owner)
}

func (s *sqlStore) Renew(ctx context.Context, id int64, owner string, expires time.Time) error {
	return s.updateClaimed(ctx, id, owner, `UPDATE buildrequests SET lease_expires = ?
		WHERE id = ? AND claimed_by = ? AND complete = 0`,
		millis(expires), id, owner)
}

func (s *sqlStore) Unclaim(ctx context.Context, id int64, owner string) error {
	return s.updateClaimed(ctx, id, owner, `UPDATE buildrequests
		SET claimed_by = NULL, claimed_at = NULL, lease_expires = NULL
		WHERE id = ? AND claimed_by = ? AND complete = 0`,
		id, owner)
}

func (s *sqlStore) Merge(ctx context.Context, id, survivor int64, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "error starting transaction")
	}
	defer tx.Rollback()

	// Serializes with a concurrent claim or completion of the survivor.
	// sqlite transactions are already exclusive.
	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, s.q(`SELECT id FROM buildrequests WHERE id = ? FOR UPDATE`), survivor); err != nil {
			return false, errors.Wrapf(err, "error locking buildrequest %d", survivor)
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`UPDATE buildrequests SET merged_into = ?
		WHERE id = ? AND id <> ? AND complete = 0 AND merged_into IS NULL
		AND (claimed_by IS NULL OR lease_expires <= ?)
		AND EXISTS (
			SELECT 1 FROM buildrequests s
			WHERE s.id = ? AND s.complete = 0 AND s.merged_into IS NULL
			AND (s.claimed_by IS NULL OR s.lease_expires <= ?)
		)`),
		survivor, id, survivor, millis(now), survivor, millis(now))
	if err != nil {
		return false, errors.Wrapf(err, "error merging buildrequest %d into %d", id, survivor)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "error merging buildrequest %d into %d", id, survivor)
	}
	if n != 1 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE buildrequests SET merged_into = ?
		WHERE merged_into = ? AND complete = 0`), survivor, id)
	if err != nil {
		return false, errors.Wrapf(err, "error moving requests merged into %d", id)
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "error committing merge")
	}
	return true, nil
}

func (s *sqlStore) Complete(ctx context.Context, id int64, owner string, result protocol.Result, now time.Time) ([]*BuildRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error starting transaction")
	}
	defer tx.Rollback()

	query := `UPDATE buildrequests SET complete = 1, complete_at = ?, results = ?
		WHERE id = ? AND complete = 0 AND claimed_by = ?
		RETURNING ` + requestColumns
	args := []any{millis(now), int(result), id, owner}

	if owner == "" {
		query = `UPDATE buildrequests SET complete = 1, complete_at = ?, results = ?
			WHERE id = ? AND complete = 0 AND (claimed_by IS NULL OR lease_expires <= ?)
			RETURNING ` + requestColumns
		args = []any{millis(now), int(result), id, millis(now)}
	}

	rows, err := tx.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error completing buildrequest %d", id)
	}
	completed, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}

	if len(completed) == 0 {
		req, err := s.getBuildRequest(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if req.Complete {
			return nil, errors.Wrapf(utils.ErrTerminalBuild, "buildrequest %d", id)
		}
		return nil, errors.Wrapf(utils.ErrLeaseLost, "buildrequest %d, owner %s", id, owner)
	}

	rows, err = tx.QueryContext(ctx, s.q(`UPDATE buildrequests SET complete = 1, complete_at = ?, results = ?
		WHERE merged_into = ? AND complete = 0
		RETURNING `+requestColumns), millis(now), int(result), id)
	if err != nil {
		return nil, errors.Wrapf(err, "error completing requests merged into %d", id)
	}
	merged, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	sortByID(merged)

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "error committing completion")
	}

	return append(completed, merged...), nil
}

func (s *sqlStore) CompleteBuildSet(ctx context.Context, id int64, result protocol.Result, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE buildsets SET complete = 1, complete_at = ?, results = ?
		WHERE id = ? AND complete = 0`), millis(now), int(result), id)
	if err != nil {
		return false, errors.Wrapf(err, "error completing buildset %d", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "error completing buildset %d", id)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.GetBuildSet(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
