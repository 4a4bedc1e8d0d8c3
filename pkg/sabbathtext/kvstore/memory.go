package kvstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store.
// Entities are held as JSON so callers never share memory with the store.
// Data is lost when the process exits.
type MemoryStore[T any, P RecordPtr[T]] struct {
	mu     sync.RWMutex
	data   map[string]map[string]storedEntity // partitionKey -> rowKey -> entity
	opts   options
	closed bool
}

type storedEntity struct {
	etag string
	data []byte
}

// NewMemoryStore creates an empty in-memory store.
//
//	dogs := kvstore.NewMemoryStore[Dog]()
func NewMemoryStore[T any, P RecordPtr[T]](opts ...Option) *MemoryStore[T, P] {
	return &MemoryStore[T, P]{
		data: make(map[string]map[string]storedEntity),
		opts: newOptions("memory", opts),
	}
}

// Insert implements Store.
func (m *MemoryStore[T, P]) Insert(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return m.keyErr("insert", base, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.data[base.PartitionKey][base.RowKey]; exists {
		return m.keyErr("insert", base, ErrDuplicateKey)
	}
	return m.putLocked("insert", entity, base)
}

// Get implements Store.
func (m *MemoryStore[T, P]) Get(ctx context.Context, partitionKey, rowKey string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	stored, ok := m.data[partitionKey][rowKey]
	if !ok {
		return nil, nil
	}
	return unmarshalEntity[T](stored.data)
}

// Update implements Store.
func (m *MemoryStore[T, P]) Update(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if err := m.checkLocked(base); err != nil {
		return m.keyErr("update", base, err)
	}
	return m.putLocked("update", entity, base)
}

// Delete implements Store.
func (m *MemoryStore[T, P]) Delete(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if err := m.checkLocked(base); err != nil {
		return m.keyErr("delete", base, err)
	}
	part := m.data[base.PartitionKey]
	delete(part, base.RowKey)
	if len(part) == 0 {
		delete(m.data, base.PartitionKey)
	}
	return nil
}

// InsertOrGet implements Store.
func (m *MemoryStore[T, P]) InsertOrGet(ctx context.Context, entity *T) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return nil, m.keyErr("insert", base, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if stored, exists := m.data[base.PartitionKey][base.RowKey]; exists {
		return unmarshalEntity[T](stored.data)
	}
	if err := m.putLocked("insert", entity, base); err != nil {
		return nil, err
	}
	return entity, nil
}

// ReadPartition implements Store.
func (m *MemoryStore[T, P]) ReadPartition(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error) {
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

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	part := m.data[partitionKey]
	keys := make([]string, 0, len(part))
	for rk := range part {
		if rk > after {
			keys = append(keys, rk)
		}
	}
	sort.Strings(keys)
	if len(keys) > pageSize+1 {
		keys = keys[:pageSize+1]
	}

	rows := make([]*T, 0, len(keys))
	for _, rk := range keys {
		v, err := unmarshalEntity[T](part[rk].data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, v)
	}
	return pageSlice[T, P](rows, pageSize), nil
}

// Close releases the stored data. Further calls return ErrStoreClosed.
func (m *MemoryStore[T, P]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of stored entities across all partitions.
// Useful for testing.
func (m *MemoryStore[T, P]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, part := range m.data {
		n += len(part)
	}
	return n
}

// checkLocked enforces the existence and ETag preconditions of Update/Delete.
func (m *MemoryStore[T, P]) checkLocked(base *Entity) error {
	stored, ok := m.data[base.PartitionKey][base.RowKey]
	if !ok {
		return ErrEntityNotFound
	}
	if stored.etag != base.ETag {
		return ErrETagMismatch
	}
	return nil
}

func (m *MemoryStore[T, P]) putLocked(op string, entity *T, base *Entity) error {
	etag := newETag()
	restore := stamp(base, etag, m.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return m.keyErr(op, base, err)
	}
	part, ok := m.data[base.PartitionKey]
	if !ok {
		part = make(map[string]storedEntity)
		m.data[base.PartitionKey] = part
	}
	part[base.RowKey] = storedEntity{etag: etag, data: data}
	return nil
}

func (m *MemoryStore[T, P]) keyErr(op string, base *Entity, err error) error {
	return &KeyError{Op: op, Table: m.opts.table, PartitionKey: base.PartitionKey, RowKey: base.RowKey, Err: err}
}

// Compile-time check that MemoryStore implements Store.
var _ Store[Entity] = (*MemoryStore[Entity, *Entity])(nil)
