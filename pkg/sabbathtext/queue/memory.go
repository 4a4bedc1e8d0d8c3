package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Messages are lost when the process exits.
type MemoryStore struct {
	mu       sync.Mutex
	name     string
	messages []*Message // insertion order
	opts     options
	closed   bool
}

// NewMemoryStore creates an empty queue.
func NewMemoryStore(name string, opts ...Option) *MemoryStore {
	return &MemoryStore{name: name, opts: newOptions(opts)}
}

// AddMessage implements Store.
func (q *MemoryStore) AddMessage(ctx context.Context, body string, visibilityDelay, lifespan time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAdd(visibilityDelay, lifespan); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	now := q.opts.clock.Now()
	q.messages = append(q.messages, &Message{
		ID:              newMessageID(),
		Body:            body,
		InsertionTime:   now,
		ExpirationTime:  now.Add(lifespan),
		NextVisibleTime: now.Add(visibilityDelay),
	})
	return nil
}

// GetMessage implements Store. Expired messages met during the scan are
// dropped.
func (q *MemoryStore) GetMessage(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLease(visibilityTimeout); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := q.opts.clock.Now()
	var leased *Message
	kept := q.messages[:0]
	for _, m := range q.messages {
		if !m.live(now) {
			continue
		}
		if leased == nil && m.leasable(now) {
			m.NextVisibleTime = now.Add(visibilityTimeout)
			m.DequeueCount++
			m.LeaseToken = newLeaseToken()
			leased = m
		}
		kept = append(kept, m)
	}
	// Clear the tail so evicted messages can be collected.
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = kept

	if leased == nil {
		return nil, nil
	}
	out := *leased
	return &out, nil
}

// DeleteMessage implements Store.
func (q *MemoryStore) DeleteMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	i := q.indexLocked(msg)
	if i < 0 {
		return q.msgErr("delete", msg, ErrMessageNotFound)
	}
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return nil
}

// ExtendTimeout implements Store.
func (q *MemoryStore) ExtendTimeout(ctx context.Context, msg *Message, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateExtend(timeout); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	i := q.indexLocked(msg)
	if i < 0 {
		return q.msgErr("extend", msg, ErrMessageNotFound)
	}
	m := q.messages[i]
	m.NextVisibleTime = q.opts.clock.Now().Add(timeout)
	m.LeaseToken = newLeaseToken()

	msg.NextVisibleTime = m.NextVisibleTime
	msg.LeaseToken = m.LeaseToken
	return nil
}

// Len returns the number of stored messages, including invisible ones.
func (q *MemoryStore) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close drops all messages. Further calls return ErrQueueClosed.
func (q *MemoryStore) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.messages = nil
	return nil
}

// indexLocked finds msg by ID and current lease token, or returns -1.
func (q *MemoryStore) indexLocked(msg *Message) int {
	if msg == nil || msg.LeaseToken == "" {
		return -1
	}
	for i, m := range q.messages {
		if m.ID == msg.ID {
			if m.LeaseToken != msg.LeaseToken {
				return -1
			}
			return i
		}
	}
	return -1
}

func (q *MemoryStore) msgErr(op string, msg *Message, err error) error {
	id := ""
	if msg != nil {
		id = msg.ID
	}
	return &MessageError{Op: op, Queue: q.name, MessageID: id, Err: err}
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
