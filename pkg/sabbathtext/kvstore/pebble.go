package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore persists entities in a Pebble LSM database.
//
// Keys are laid out as table 0x00 partitionKey 0x00 rowKey, so a partition
// is one contiguous key range and RowKey order is byte order. Pebble has no
// compare-and-swap, so writes through one PebbleStore are serialized; two
// stores must not share a table.
type PebbleStore[T any, P RecordPtr[T]] struct {
	db   *pebble.DB
	opts options
	// mu serializes read-check-write sequences.
	mu sync.Mutex
}

// pebbleRecord is the stored value.
type pebbleRecord struct {
	ETag string          `json:"etag"`
	Data json.RawMessage `json:"data"`
}

// OpenPebble opens or creates a Pebble database at dir.
// Pass opts to override defaults, for example an in-memory vfs in tests.
func OpenPebble(dir string, opts *pebble.Options) (*pebble.DB, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return db, nil
}

// NewPebbleStore returns a store for the named table. The store does not
// close db.
func NewPebbleStore[T any, P RecordPtr[T]](db *pebble.DB, table string, opts ...Option) (*PebbleStore[T, P], error) {
	if table == "" {
		return nil, errors.New("table name is required")
	}
	return &PebbleStore[T, P]{db: db, opts: newOptions(table, opts)}, nil
}

// Insert implements Store.
func (s *PebbleStore[T, P]) Insert(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return s.keyErr("insert", base, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.load(base.PartitionKey, base.RowKey)
	if err != nil {
		return s.keyErr("insert", base, err)
	}
	if found {
		return s.keyErr("insert", base, ErrDuplicateKey)
	}
	return s.putLocked("insert", entity, base)
}

// Get implements Store.
func (s *PebbleStore[T, P]) Get(ctx context.Context, partitionKey, rowKey string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, found, err := s.load(partitionKey, rowKey)
	if err != nil || !found {
		return nil, err
	}
	return decodePebble[T, P](rec)
}

// Update implements Store.
func (s *PebbleStore[T, P]) Update(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(base); err != nil {
		return s.keyErr("update", base, err)
	}
	return s.putLocked("update", entity, base)
}

// Delete implements Store.
func (s *PebbleStore[T, P]) Delete(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(base); err != nil {
		return s.keyErr("delete", base, err)
	}
	if err := s.db.Delete(s.key(base.PartitionKey, base.RowKey), pebble.Sync); err != nil {
		return s.keyErr("delete", base, err)
	}
	return nil
}

// InsertOrGet implements Store.
func (s *PebbleStore[T, P]) InsertOrGet(ctx context.Context, entity *T) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return nil, s.keyErr("insert", base, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.load(base.PartitionKey, base.RowKey)
	if err != nil {
		return nil, s.keyErr("insert", base, err)
	}
	if found {
		return decodePebble[T, P](rec)
	}
	if err := s.putLocked("insert", entity, base); err != nil {
		return nil, err
	}
	return entity, nil
}

// ReadPartition implements Store.
func (s *PebbleStore[T, P]) ReadPartition(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageSize < 1 {
		return nil, ErrInvalidPageSize
	}
	after, err := decodeToken(continuationToken)
	if err != nil {
		return nil, err
	}

	prefix := s.partitionPrefix(partitionKey)
	upper := append([]byte{}, prefix...)
	upper[len(upper)-1] = 0x01

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var valid bool
	if after == "" {
		valid = iter.First()
	} else {
		// Start strictly after the last returned row.
		valid = iter.SeekGE(append(s.key(partitionKey, after), 0x00))
	}

	items := make([]*T, 0, pageSize+1)
	for ; valid && len(items) <= pageSize; valid = iter.Next() {
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		v, err := decodePebble[T, P](rec)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate partition: %w", err)
	}
	return pageSlice[T, P](items, pageSize), nil
}

func (s *PebbleStore[T, P]) checkLocked(base *Entity) error {
	rec, found, err := s.load(base.PartitionKey, base.RowKey)
	if err != nil {
		return err
	}
	if !found {
		return ErrEntityNotFound
	}
	if rec.ETag != base.ETag {
		return ErrETagMismatch
	}
	return nil
}

func (s *PebbleStore[T, P]) putLocked(op string, entity *T, base *Entity) error {
	etag := newETag()
	restore := stamp(base, etag, s.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return s.keyErr(op, base, err)
	}
	value, err := json.Marshal(pebbleRecord{ETag: etag, Data: data})
	if err != nil {
		restore()
		return s.keyErr(op, base, err)
	}
	if err := s.db.Set(s.key(base.PartitionKey, base.RowKey), value, pebble.Sync); err != nil {
		restore()
		return s.keyErr(op, base, err)
	}
	return nil
}

func (s *PebbleStore[T, P]) load(partitionKey, rowKey string) (pebbleRecord, bool, error) {
	var rec pebbleRecord
	val, closer, err := s.db.Get(s.key(partitionKey, rowKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("read entity: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &rec); err != nil {
		return rec, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

func (s *PebbleStore[T, P]) partitionPrefix(partitionKey string) []byte {
	b := make([]byte, 0, len(s.opts.table)+len(partitionKey)+2)
	b = append(b, s.opts.table...)
	b = append(b, 0x00)
	b = append(b, partitionKey...)
	return append(b, 0x00)
}

func (s *PebbleStore[T, P]) key(partitionKey, rowKey string) []byte {
	return append(s.partitionPrefix(partitionKey), rowKey...)
}

func (s *PebbleStore[T, P]) keyErr(op string, base *Entity, err error) error {
	return &KeyError{Op: op, Table: s.opts.table, PartitionKey: base.PartitionKey, RowKey: base.RowKey, Err: err}
}

func decodePebble[T any, P RecordPtr[T]](rec pebbleRecord) (*T, error) {
	v, err := unmarshalEntity[T](rec.Data)
	if err != nil {
		return nil, err
	}
	P(v).Base().ETag = rec.ETag
	return v, nil
}

var _ Store[Entity] = (*PebbleStore[Entity, *Entity])(nil)
