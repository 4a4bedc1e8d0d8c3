package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a durable Store backed by SQLite.
// Leases are taken with a compare-and-swap on lease_token, so several
// processes may consume one database file. The store does not close db.
type SQLiteStore struct {
	db   *sql.DB
	name string
	opts options
}

// NewSQLiteStore creates the queue_messages table if needed and returns the
// named queue. Open db with kvstore.OpenSQLite to share one file with the
// entity stores.
func NewSQLiteStore(db *sql.DB, name string, opts ...Option) (*SQLiteStore, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			queue_name TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			insertion_time INTEGER NOT NULL,
			expiration_time INTEGER NOT NULL,
			next_visible_time INTEGER NOT NULL,
			dequeue_count INTEGER NOT NULL DEFAULT 0,
			lease_token TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (queue_name, id)
		)
	`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
		ON queue_messages(queue_name, next_visible_time)
	`); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &SQLiteStore{db: db, name: name, opts: newOptions(opts)}, nil
}

// AddMessage implements Store.
func (q *SQLiteStore) AddMessage(ctx context.Context, body string, visibilityDelay, lifespan time.Duration) error {
	if err := validateAdd(visibilityDelay, lifespan); err != nil {
		return err
	}
	now := q.opts.clock.Now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages
			(queue_name, id, body, insertion_time, expiration_time, next_visible_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.name, newMessageID(), body, now.UnixNano(), now.Add(lifespan).UnixNano(), now.Add(visibilityDelay).UnixNano())
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// GetMessage implements Store.
func (q *SQLiteStore) GetMessage(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	if err := validateLease(visibilityTimeout); err != nil {
		return nil, err
	}
	now := q.opts.clock.Now()

	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue_name = ? AND expiration_time <= ?
	`, q.name, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("evict expired: %w", err)
	}

	// Another consumer may win the candidate between our read and the
	// swap; move on to the next one.
	for attempt := 0; attempt < 5; attempt++ {
		row := q.db.QueryRowContext(ctx, `
			SELECT id, body, insertion_time, expiration_time, next_visible_time, dequeue_count, lease_token
			FROM queue_messages
			WHERE queue_name = ? AND next_visible_time <= ? AND expiration_time > ?
			ORDER BY insertion_time, id
			LIMIT 1
		`, q.name, now.UnixNano(), now.UnixNano())
		m, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select message: %w", err)
		}

		token := newLeaseToken()
		visible := now.Add(visibilityTimeout)
		res, err := q.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET next_visible_time = ?, dequeue_count = dequeue_count + 1, lease_token = ?
			WHERE queue_name = ? AND id = ? AND lease_token = ?
		`, visible.UnixNano(), token, q.name, m.ID, m.LeaseToken)
		if err != nil {
			return nil, fmt.Errorf("lease message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lease message: %w", err)
		}
		if n == 0 {
			continue
		}
		m.NextVisibleTime = visible
		m.DequeueCount++
		m.LeaseToken = token
		return m, nil
	}
	return nil, nil
}

// DeleteMessage implements Store.
func (q *SQLiteStore) DeleteMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.LeaseToken == "" {
		return q.msgErr("delete", msg, ErrMessageNotFound)
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue_name = ? AND id = ? AND lease_token = ?
	`, q.name, msg.ID, msg.LeaseToken)
	if err != nil {
		return q.msgErr("delete", msg, err)
	}
	return q.checkAffected("delete", res, msg)
}

// ExtendTimeout implements Store.
func (q *SQLiteStore) ExtendTimeout(ctx context.Context, msg *Message, timeout time.Duration) error {
	if err := validateExtend(timeout); err != nil {
		return err
	}
	if msg == nil || msg.LeaseToken == "" {
		return q.msgErr("extend", msg, ErrMessageNotFound)
	}
	token := newLeaseToken()
	visible := q.opts.clock.Now().Add(timeout)
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET next_visible_time = ?, lease_token = ?
		WHERE queue_name = ? AND id = ? AND lease_token = ?
	`, visible.UnixNano(), token, q.name, msg.ID, msg.LeaseToken)
	if err != nil {
		return q.msgErr("extend", msg, err)
	}
	if err := q.checkAffected("extend", res, msg); err != nil {
		return err
	}
	msg.NextVisibleTime = visible
	msg.LeaseToken = token
	return nil
}

// Len returns the number of stored messages in this queue.
func (q *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_messages WHERE queue_name = ?
	`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (q *SQLiteStore) checkAffected(op string, res sql.Result, msg *Message) error {
	n, err := res.RowsAffected()
	if err != nil {
		return q.msgErr(op, msg, err)
	}
	if n == 0 {
		return q.msgErr(op, msg, ErrMessageNotFound)
	}
	return nil
}

func (q *SQLiteStore) msgErr(op string, msg *Message, err error) error {
	id := ""
	if msg != nil {
		id = msg.ID
	}
	return &MessageError{Op: op, Queue: q.name, MessageID: id, Err: err}
}

func scanMessage(row interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		m                               Message
		inserted, expires, nextVisible int64
	)
	if err := row.Scan(&m.ID, &m.Body, &inserted, &expires, &nextVisible, &m.DequeueCount, &m.LeaseToken); err != nil {
		return nil, err
	}
	m.InsertionTime = time.Unix(0, inserted).UTC()
	m.ExpirationTime = time.Unix(0, expires).UTC()
	m.NextVisibleTime = time.Unix(0, nextVisible).UTC()
	return &m, nil
}

var _ Store = (*SQLiteStore)(nil)
