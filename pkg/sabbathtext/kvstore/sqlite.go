package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// OpenSQLite opens a SQLite database for use by SQLiteStore and the SQLite
// queue. The path should be a file path (e.g., "./sabbathtext.db") or
// ":memory:" for testing.
//
// The pool is limited to one connection: SQLite serializes writers anyway,
// and ":memory:" databases are per-connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// SQLiteStore persists entities to SQLite.
// Several stores may share one database; each owns the rows tagged with its
// table name. The store does not close the database.
type SQLiteStore[T any, P RecordPtr[T]] struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore creates the entities table if needed and returns a store
// for the named table.
func NewSQLiteStore[T any, P RecordPtr[T]](db *sql.DB, table string, opts ...Option) (*SQLiteStore[T, P], error) {
	if table == "" {
		return nil, errors.New("table name is required")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			table_name TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			etag TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (table_name, partition_key, row_key)
		)
	`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteStore[T, P]{db: db, opts: newOptions(table, opts)}, nil
}

// Insert implements Store.
func (s *SQLiteStore[T, P]) Insert(ctx context.Context, entity *T) error {
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return s.keyErr("insert", base, err)
	}

	etag := newETag()
	restore := stamp(base, etag, s.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return s.keyErr("insert", base, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (table_name, partition_key, row_key, etag, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, partition_key, row_key) DO NOTHING
	`, s.opts.table, base.PartitionKey, base.RowKey, etag, base.Timestamp.UnixNano(), data)
	if err != nil {
		restore()
		return s.keyErr("insert", base, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		restore()
		if err != nil {
			return s.keyErr("insert", base, err)
		}
		return s.keyErr("insert", base, ErrDuplicateKey)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore[T, P]) Get(ctx context.Context, partitionKey, rowKey string) (*T, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT etag, timestamp, data FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?
	`, s.opts.table, partitionKey, rowKey)

	v, err := scanEntity[T, P](row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return v, nil
}

// Update implements Store.
func (s *SQLiteStore[T, P]) Update(ctx context.Context, entity *T) error {
	base := P(entity).Base()
	expected := base.ETag

	etag := newETag()
	restore := stamp(base, etag, s.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return s.keyErr("update", base, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET etag = ?, timestamp = ?, data = ?
		WHERE table_name = ? AND partition_key = ? AND row_key = ? AND etag = ?
	`, etag, base.Timestamp.UnixNano(), data, s.opts.table, base.PartitionKey, base.RowKey, expected)
	if err != nil {
		restore()
		return s.keyErr("update", base, err)
	}
	if err := s.checkAffected(ctx, res, base); err != nil {
		restore()
		return s.keyErr("update", base, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore[T, P]) Delete(ctx context.Context, entity *T) error {
	base := P(entity).Base()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ? AND etag = ?
	`, s.opts.table, base.PartitionKey, base.RowKey, base.ETag)
	if err != nil {
		return s.keyErr("delete", base, err)
	}
	if err := s.checkAffected(ctx, res, base); err != nil {
		return s.keyErr("delete", base, err)
	}
	return nil
}

// InsertOrGet implements Store.
func (s *SQLiteStore[T, P]) InsertOrGet(ctx context.Context, entity *T) (*T, error) {
	base := P(entity).Base()
	// A concurrent Delete can remove the winner between our failed insert
	// and the read; try again a bounded number of times.
	for attempt := 0; attempt < 3; attempt++ {
		err := s.Insert(ctx, entity)
		if err == nil {
			return entity, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		existing, err := s.Get(ctx, base.PartitionKey, base.RowKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, s.keyErr("insert", base, errors.New("entity churned during insert-or-get"))
}

// ReadPartition implements Store.
func (s *SQLiteStore[T, P]) ReadPartition(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error) {
	if pageSize < 1 {
		return nil, ErrInvalidPageSize
	}
	after, err := decodeToken(continuationToken)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT etag, timestamp, data FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key > ?
		ORDER BY row_key
		LIMIT ?
	`, s.opts.table, partitionKey, after, pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}
	defer rows.Close()

	var items []*T
	for rows.Next() {
		v, err := scanEntity[T, P](rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return pageSlice[T, P](items, pageSize), nil
}

// checkAffected turns a zero-row CAS write into ErrEntityNotFound or
// ErrETagMismatch.
func (s *SQLiteStore[T, P]) checkAffected(ctx context.Context, res sql.Result, base *Entity) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?
	`, s.opts.table, base.PartitionKey, base.RowKey).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrEntityNotFound
	}
	return ErrETagMismatch
}

func (s *SQLiteStore[T, P]) keyErr(op string, base *Entity, err error) error {
	return &KeyError{Op: op, Table: s.opts.table, PartitionKey: base.PartitionKey, RowKey: base.RowKey, Err: err}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity[T any, P RecordPtr[T]](row rowScanner) (*T, error) {
	var (
		etag string
		ts   int64
		data []byte
	)
	if err := row.Scan(&etag, &ts, &data); err != nil {
		return nil, err
	}
	v, err := unmarshalEntity[T](data)
	if err != nil {
		return nil, err
	}
	base := P(v).Base()
	base.ETag = etag
	base.Timestamp = time.Unix(0, ts).UTC()
	return v, nil
}

var _ Store[Entity] = (*SQLiteStore[Entity, *Entity])(nil)
