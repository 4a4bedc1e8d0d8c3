package kvstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/clock"
)

// Option configures a store.
type Option func(*options)

type options struct {
	clock clock.Clock
	table string
}

func newOptions(table string, opts []Option) options {
	o := options{table: table}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrReal(o.clock)
	return o
}

// WithClock sets the time source used for entity timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithTable names the logical table. Backends sharing one database use it
// to keep entity types apart.
func WithTable(name string) Option {
	return func(o *options) {
		o.table = name
	}
}

func validateKeys(partitionKey, rowKey string) error {
	if partitionKey == "" || rowKey == "" {
		return ErrInvalidKey
	}
	if strings.ContainsRune(partitionKey, 0) || strings.ContainsRune(rowKey, 0) {
		return ErrInvalidKey
	}
	return nil
}

func newETag() string {
	return uuid.NewString()
}

// encodeToken turns the last returned row key into an opaque token.
func encodeToken(lastRowKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastRowKey))
}

func decodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return "", ErrInvalidContinuationToken
	}
	return string(raw), nil
}

// stamp writes a new ETag and timestamp into the header and returns a func
// that puts the previous values back, for use when the write fails.
func stamp(base *Entity, etag string, now time.Time) (restore func()) {
	prevETag, prevTS := base.ETag, base.Timestamp
	base.ETag = etag
	base.Timestamp = now
	return func() {
		base.ETag = prevETag
		base.Timestamp = prevTS
	}
}

func marshalEntity[T any](entity *T) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return data, nil
}

func unmarshalEntity[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &v, nil
}

// pageSlice applies the one-row lookahead shared by every backend: rows holds
// up to pageSize+1 ordered entries, and a token is issued only when the extra
// row proves another page exists.
func pageSlice[T any, P RecordPtr[T]](rows []*T, pageSize int) *Page[T] {
	page := &Page[T]{}
	if len(rows) > pageSize {
		rows = rows[:pageSize]
		page.ContinuationToken = encodeToken(P(rows[len(rows)-1]).Base().RowKey)
	}
	page.Items = rows
	return page
}
