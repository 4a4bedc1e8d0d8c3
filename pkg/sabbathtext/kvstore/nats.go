package kvstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSStore persists entities in a NATS JetStream key-value bucket.
//
// The bucket revision is the ETag, so compare-and-swap is enforced by the
// server and several processes may share a bucket. Keys are
// base64url(partitionKey) "." base64url(rowKey), which keeps arbitrary key
// text inside the NATS key alphabet and makes a partition one subject token.
type NATSStore[T any, P RecordPtr[T]] struct {
	kv   nats.KeyValue
	opts options
}

// NewNATSStore binds to the named bucket, creating it if it doesn't exist.
func NewNATSStore[T any, P RecordPtr[T]](js nats.JetStreamContext, bucket string, opts ...Option) (*NATSStore[T, P], error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}
	return &NATSStore[T, P]{kv: kv, opts: newOptions(bucket, opts)}, nil
}

// Insert implements Store.
func (s *NATSStore[T, P]) Insert(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()
	if err := validateKeys(base.PartitionKey, base.RowKey); err != nil {
		return s.keyErr("insert", base, err)
	}

	restore := stamp(base, "", s.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return s.keyErr("insert", base, err)
	}
	rev, err := s.kv.Create(natsKey(base.PartitionKey, base.RowKey), data)
	if err != nil {
		restore()
		if isWrongSequence(err) {
			return s.keyErr("insert", base, ErrDuplicateKey)
		}
		return s.keyErr("insert", base, err)
	}
	base.ETag = formatRevision(rev)
	return nil
}

// Get implements Store.
func (s *NATSStore[T, P]) Get(ctx context.Context, partitionKey, rowKey string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if validateKeys(partitionKey, rowKey) != nil {
		return nil, nil
	}
	entry, err := s.kv.Get(natsKey(partitionKey, rowKey))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return decodeNATS[T, P](entry)
}

// Update implements Store.
func (s *NATSStore[T, P]) Update(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()
	expected, err := s.expectedRevision(base)
	if err != nil {
		return s.keyErr("update", base, err)
	}

	restore := stamp(base, "", s.opts.clock.Now())
	data, err := marshalEntity(entity)
	if err != nil {
		restore()
		return s.keyErr("update", base, err)
	}
	rev, err := s.kv.Update(natsKey(base.PartitionKey, base.RowKey), data, expected)
	if err != nil {
		restore()
		if isWrongSequence(err) {
			return s.keyErr("update", base, ErrETagMismatch)
		}
		return s.keyErr("update", base, err)
	}
	base.ETag = formatRevision(rev)
	return nil
}

// Delete implements Store.
func (s *NATSStore[T, P]) Delete(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := P(entity).Base()
	expected, err := s.expectedRevision(base)
	if err != nil {
		return s.keyErr("delete", base, err)
	}
	if err := s.kv.Delete(natsKey(base.PartitionKey, base.RowKey), nats.LastRevision(expected)); err != nil {
		if isWrongSequence(err) {
			return s.keyErr("delete", base, ErrETagMismatch)
		}
		return s.keyErr("delete", base, err)
	}
	return nil
}

// InsertOrGet implements Store.
func (s *NATSStore[T, P]) InsertOrGet(ctx context.Context, entity *T) (*T, error) {
	base := P(entity).Base()
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
//
// JetStream KV has no ordered range scan, so each page lists the partition's
// keys through a metadata-only watch and sorts them. That is linear in the
// partition size, which is fine for per-account partitions.
func (s *NATSStore[T, P]) ReadPartition(ctx context.Context, partitionKey string, pageSize int, continuationToken string) (*Page[T], error) {
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

	rowKeys, err := s.partitionRowKeys(partitionKey)
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, pageSize+1)
	for _, rk := range rowKeys {
		if rk <= after {
			continue
		}
		if len(items) > pageSize {
			break
		}
		v, err := s.Get(ctx, partitionKey, rk)
		if err != nil {
			return nil, err
		}
		if v == nil {
			// Deleted since the key listing.
			continue
		}
		items = append(items, v)
	}
	return pageSlice[T, P](items, pageSize), nil
}

func (s *NATSStore[T, P]) partitionRowKeys(partitionKey string) ([]string, error) {
	if partitionKey == "" {
		return nil, nil
	}
	w, err := s.kv.Watch(encodeKeyPart(partitionKey)+".*", nats.MetaOnly(), nats.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watch partition: %w", err)
	}
	defer w.Stop()

	var rowKeys []string
	for entry := range w.Updates() {
		// A nil entry marks the end of the initial values.
		if entry == nil {
			break
		}
		_, rk, ok := strings.Cut(entry.Key(), ".")
		if !ok {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(rk)
		if err != nil {
			continue
		}
		rowKeys = append(rowKeys, string(raw))
	}
	sort.Strings(rowKeys)
	return rowKeys, nil
}

// expectedRevision enforces existence and parses the caller's ETag.
func (s *NATSStore[T, P]) expectedRevision(base *Entity) (uint64, error) {
	if validateKeys(base.PartitionKey, base.RowKey) != nil {
		return 0, ErrEntityNotFound
	}
	entry, err := s.kv.Get(natsKey(base.PartitionKey, base.RowKey))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, ErrEntityNotFound
	}
	if err != nil {
		return 0, err
	}
	rev, err := strconv.ParseUint(base.ETag, 10, 64)
	if err != nil || rev != entry.Revision() {
		return 0, ErrETagMismatch
	}
	return rev, nil
}

func (s *NATSStore[T, P]) keyErr(op string, base *Entity, err error) error {
	return &KeyError{Op: op, Table: s.opts.table, PartitionKey: base.PartitionKey, RowKey: base.RowKey, Err: err}
}

func decodeNATS[T any, P RecordPtr[T]](entry nats.KeyValueEntry) (*T, error) {
	v, err := unmarshalEntity[T](entry.Value())
	if err != nil {
		return nil, err
	}
	P(v).Base().ETag = formatRevision(entry.Revision())
	return v, nil
}

func natsKey(partitionKey, rowKey string) string {
	return encodeKeyPart(partitionKey) + "." + encodeKeyPart(rowKey)
}

func encodeKeyPart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func formatRevision(rev uint64) string {
	return strconv.FormatUint(rev, 10)
}

// isWrongSequence reports a failed revision check on the server.
func isWrongSequence(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

var _ Store[Entity] = (*NATSStore[Entity, *Entity])(nil)
