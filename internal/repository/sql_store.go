package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

const entriesTable = "fingerprint_entries"

// SQLStore is a FingerprintStore over Postgres or SQLite.
// First-writer-wins is an upsert whose update arm is guarded by status <> 'ready'.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger
}

func NewSQLStore(db *sql.DB, dialectName string, log *slog.Logger) *SQLStore {
	if log == nil {
		log = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialectName, log: log}
}

func (s *SQLStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.dialect)
}

func (s *SQLStore) Get(ctx context.Context, fp string) (Entry, bool, error) {
	b := s.builder()
	query, args := b.Select("fingerprint", "status", "result", "updated_at").
		From(b.Table(entriesTable)).
		Where(entsql.EQ("fingerprint", fp)).
		Query()

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		s.log.Error("fingerprint get failed", "fingerprint", fp, "err", err)
		return Entry{}, false, dbErr("get fingerprint", err)
	}
	return e, true, nil
}

func (s *SQLStore) PutIfAbsentReady(ctx context.Context, fp string, result []byte) (bool, error) {
	if result == nil {
		result = []byte{}
	}
	b := s.builder()
	query, args := b.Insert(entriesTable).
		Columns("fingerprint", "status", "result", "updated_at").
		Values(fp, string(constants.EntryStatusReady), result, time.Now().UnixMilli()).
		OnConflict(
			entsql.ConflictColumns("fingerprint"),
			entsql.ResolveWithNewValues(),
			entsql.UpdateWhere(entsql.NEQ(b.Table(entriesTable).C("status"), string(constants.EntryStatusReady))),
		).
		Query()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.log.Error("fingerprint freeze failed", "fingerprint", fp, "err", err)
		return false, dbErr("put ready", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("put ready", err)
	}
	if n == 0 {
		s.log.Info("fingerprint already ready, keeping frozen result", "fingerprint", fp)
		return false, nil
	}
	s.log.Info("fingerprint frozen", "fingerprint", fp, "bytes", len(result))
	return true, nil
}

func (s *SQLStore) PutStatus(ctx context.Context, fp string, status constants.EntryStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	b := s.builder()
	query, args := b.Insert(entriesTable).
		Columns("fingerprint", "status", "result", "updated_at").
		Values(fp, string(status), nil, time.Now().UnixMilli()).
		OnConflict(
			entsql.ConflictColumns("fingerprint"),
			entsql.ResolveWithNewValues(),
			entsql.UpdateWhere(entsql.NEQ(b.Table(entriesTable).C("status"), string(constants.EntryStatusReady))),
		).
		Query()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.log.Error("fingerprint status update failed", "fingerprint", fp, "status", status, "err", err)
		return dbErr("put status", err)
	}
	s.log.Debug("fingerprint status recorded", "fingerprint", fp, "status", status)
	return nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status constants.EntryStatus) ([]Entry, error) {
	b := s.builder()
	query, args := b.Select("fingerprint", "status", "result", "updated_at").
		From(b.Table(entriesTable)).
		Where(entsql.EQ("status", string(status))).
		OrderBy("fingerprint").
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list fingerprints", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, dbErr("scan fingerprint", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list fingerprints", err)
	}
	return out, nil
}

func dbErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrDatabase, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e       Entry
		status  string
		result  []byte
		updated int64
	)
	if err := row.Scan(&e.Fingerprint, &status, &result, &updated); err != nil {
		return Entry{}, err
	}
	e.Status = constants.EntryStatus(status)
	if !e.Status.Valid() {
		return Entry{}, fmt.Errorf("fingerprint %s: unknown status %q", e.Fingerprint, status)
	}
	if e.Status == constants.EntryStatusReady && result == nil {
		result = []byte{}
	}
	e.Result = result
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}
