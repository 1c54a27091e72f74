package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	alarms "netshield/internal/alarms/domain"
)

// Store is a Postgres-backed alarm store. The basic and detail hashes are
// field tables keyed by (aid, key); the scored indices share one table with
// a (name, aid) primary key so NX inserts map onto ON CONFLICT DO NOTHING.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store over an open database handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("alarm store: nil db")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the alarm tables and id sequence.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS alarm_fields (
			aid TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (aid, key)
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_details (
			aid TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (aid, key)
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_indices (
			name TEXT NOT NULL,
			aid TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (name, aid)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS alarm_id_seq`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("alarm store: ensure schema: %w", err)
		}
	}
	return nil
}

// NextID allocates the next monotonic alarm id.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('alarm_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("alarm store: next id: %w", err)
	}
	return id, nil
}

// SetFields merges fields into the basic hash.
func (s *Store) SetFields(ctx context.Context, aid string, fields map[string]string) error {
	return s.setFieldTable(ctx, "alarm_fields", aid, fields)
}

// SetDetail merges fields into the extended detail hash.
func (s *Store) SetDetail(ctx context.Context, aid string, fields map[string]string) error {
	return s.setFieldTable(ctx, "alarm_details", aid, fields)
}

func (s *Store) setFieldTable(ctx context.Context, table, aid string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO ` + table + ` (aid, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (aid, key) DO UPDATE SET value = EXCLUDED.value`
	for key, value := range fields {
		if _, err := tx.ExecContext(ctx, query, aid, key, value); err != nil {
			return fmt.Errorf("alarm store: set field: %w", err)
		}
	}
	return tx.Commit()
}

// GetFields reads selected basic fields.
func (s *Store) GetFields(ctx context.Context, aid string, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, aid)
	for i, key := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, key)
	}
	query := `SELECT key, value FROM alarm_fields WHERE aid = $1 AND key IN (` +
		strings.Join(placeholders, ", ") + `)`
	return s.queryFields(ctx, query, args...)
}

// GetAll reads the full basic hash, nil when the alarm does not exist.
func (s *Store) GetAll(ctx context.Context, aid string) (map[string]string, error) {
	return s.queryFields(ctx, `SELECT key, value FROM alarm_fields WHERE aid = $1`, aid)
}

// GetDetail reads the extended detail hash.
func (s *Store) GetDetail(ctx context.Context, aid string) (map[string]string, error) {
	return s.queryFields(ctx, `SELECT key, value FROM alarm_details WHERE aid = $1`, aid)
}

func (s *Store) queryFields(ctx context.Context, query string, args ...any) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("alarm store: query fields: %w", err)
	}
	defer rows.Close()

	var fields map[string]string
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[key] = value
	}
	return fields, rows.Err()
}

// Delete unlinks both hashes and removes the id from every index.
func (s *Store) Delete(ctx context.Context, aid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM alarm_fields WHERE aid = $1`,
		`DELETE FROM alarm_details WHERE aid = $1`,
		`DELETE FROM alarm_indices WHERE aid = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, aid); err != nil {
			return fmt.Errorf("alarm store: delete: %w", err)
		}
	}
	return tx.Commit()
}

// IndexAdd inserts or updates an index entry, NX via ON CONFLICT DO NOTHING.
func (s *Store) IndexAdd(ctx context.Context, idx alarms.Index, aid string, score float64, nx bool) (bool, error) {
	query := `INSERT INTO alarm_indices (name, aid, score) VALUES ($1, $2, $3)
		ON CONFLICT (name, aid) DO UPDATE SET score = EXCLUDED.score`
	if nx {
		query = `INSERT INTO alarm_indices (name, aid, score) VALUES ($1, $2, $3)
			ON CONFLICT (name, aid) DO NOTHING`
	}
	result, err := s.db.ExecContext(ctx, query, string(idx), aid, score)
	if err != nil {
		return false, fmt.Errorf("alarm store: index add: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IndexRemove removes ids from an index.
func (s *Store) IndexRemove(ctx context.Context, idx alarms.Index, aids ...string) (int64, error) {
	if len(aids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(aids))
	args := make([]any, 0, len(aids)+1)
	args = append(args, string(idx))
	for i, aid := range aids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, aid)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM alarm_indices WHERE name = $1 AND aid IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("alarm store: index remove: %w", err)
	}
	return result.RowsAffected()
}

// IndexRange scans an index by score bounds.
func (s *Store) IndexRange(ctx context.Context, idx alarms.Index, q alarms.RangeQuery) ([]alarms.Member, error) {
	var conditions []string
	args := []any{string(idx)}
	conditions = append(conditions, "name = $1")
	if !q.MinInf {
		args = append(args, q.Min)
		conditions = append(conditions, fmt.Sprintf("score >= $%d", len(args)))
	}
	if !q.MaxInf {
		args = append(args, q.Max)
		conditions = append(conditions, fmt.Sprintf("score <= $%d", len(args)))
	}
	order := "score ASC, aid ASC"
	if q.Desc {
		order = "score DESC, aid DESC"
	}
	query := `SELECT aid, score FROM alarm_indices WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY ` + order
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("alarm store: index range: %w", err)
	}
	defer rows.Close()

	var members []alarms.Member
	for rows.Next() {
		var member alarms.Member
		if err := rows.Scan(&member.AID, &member.Score); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// IndexMembers lists every id in an index.
func (s *Store) IndexMembers(ctx context.Context, idx alarms.Index) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aid FROM alarm_indices WHERE name = $1 ORDER BY score ASC, aid ASC`, string(idx))
	if err != nil {
		return nil, fmt.Errorf("alarm store: index members: %w", err)
	}
	defer rows.Close()

	var aids []string
	for rows.Next() {
		var aid string
		if err := rows.Scan(&aid); err != nil {
			return nil, err
		}
		aids = append(aids, aid)
	}
	return aids, rows.Err()
}

// IndexCount returns the index cardinality.
func (s *Store) IndexCount(ctx context.Context, idx alarms.Index) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarm_indices WHERE name = $1`, string(idx)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("alarm store: index count: %w", err)
	}
	return count, nil
}

// Activate atomically moves an id from pending (and optionally archive)
// into the active index.
func (s *Store) Activate(ctx context.Context, aid string, score float64, unarchive bool) (alarms.MoveResult, error) {
	var result alarms.MoveResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	removed, err := tx.ExecContext(ctx,
		`DELETE FROM alarm_indices WHERE name = $1 AND aid = $2`,
		string(alarms.IndexPending), aid)
	if err != nil {
		return result, fmt.Errorf("alarm store: activate: %w", err)
	}
	if n, err := removed.RowsAffected(); err == nil && n > 0 {
		result.Removed = true
	}
	if unarchive {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM alarm_indices WHERE name = $1 AND aid = $2`,
			string(alarms.IndexArchive), aid); err != nil {
			return result, fmt.Errorf("alarm store: activate unarchive: %w", err)
		}
	}
	added, err := tx.ExecContext(ctx,
		`INSERT INTO alarm_indices (name, aid, score) VALUES ($1, $2, $3)
			ON CONFLICT (name, aid) DO NOTHING`,
		string(alarms.IndexActive), aid, score)
	if err != nil {
		return result, fmt.Errorf("alarm store: activate insert: %w", err)
	}
	if n, err := added.RowsAffected(); err == nil && n > 0 {
		result.Added = true
	}
	return result, tx.Commit()
}

// Archive atomically moves an id from active into the archive index.
func (s *Store) Archive(ctx context.Context, aid string, at float64) (alarms.MoveResult, error) {
	var result alarms.MoveResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	removed, err := tx.ExecContext(ctx,
		`DELETE FROM alarm_indices WHERE name IN ($1, $2) AND aid = $3`,
		string(alarms.IndexActive), string(alarms.IndexPending), aid)
	if err != nil {
		return result, fmt.Errorf("alarm store: archive: %w", err)
	}
	if n, err := removed.RowsAffected(); err == nil && n > 0 {
		result.Removed = true
	}
	added, err := tx.ExecContext(ctx,
		`INSERT INTO alarm_indices (name, aid, score) VALUES ($1, $2, $3)
			ON CONFLICT (name, aid) DO NOTHING`,
		string(alarms.IndexArchive), aid, at)
	if err != nil {
		return result, fmt.Errorf("alarm store: archive insert: %w", err)
	}
	if n, err := added.RowsAffected(); err == nil && n > 0 {
		result.Added = true
	}
	return result, tx.Commit()
}
