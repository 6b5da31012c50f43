package sqlitestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrEmpty is returned when no record is available before the caller
	// stops waiting.
	ErrEmpty = errors.New("queue is empty")

	// ErrFull is returned when the queue holds MaxSize records and the
	// caller stops waiting for space.
	ErrFull = errors.New("queue is full")
)

// Record is one queued value. It is stored as its JSON encoding.
type Record map[string]interface{}

// Queue is a FIFO of records kept in the queue_log table. The head and tail
// cursors live in queue_cursor and are moved in the same transaction as the
// row they describe, so a crash between an append and a removal never
// reorders or loses records.
type Queue struct {
	store   *SqliteStore
	maxSize int

	mu       sync.Mutex
	head     int64
	tail     int64
	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewQueue opens the queue kept in store. maxSize <= 0 means unbounded.
func NewQueue(store *SqliteStore, maxSize int) (*Queue, error) {
	head, tail, err := store.loadCursor()
	if err != nil {
		return nil, err
	}
	return &Queue{
		store:    store,
		maxSize:  maxSize,
		head:     head,
		tail:     tail,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}, nil
}

// MaxSize is the configured capacity, 0 when unbounded.
func (q *Queue) MaxSize() int { return q.maxSize }

// Qsize reports the number of records in the queue.
func (q *Queue) Qsize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// Put appends rec, waiting for space until ctx is done.
func (q *Queue) Put(ctx context.Context, rec Record) error {
	return q.put(ctx, rec, true)
}

// TryPut appends rec or fails with ErrFull without waiting.
func (q *Queue) TryPut(rec Record) error {
	return q.put(context.Background(), rec, false)
}

// Get removes and returns the oldest record, waiting until ctx is done if
// the queue is empty.
func (q *Queue) Get(ctx context.Context) (Record, error) {
	return q.take(ctx, true, true)
}

// TryGet removes and returns the oldest record or fails with ErrEmpty.
func (q *Queue) TryGet() (Record, error) {
	return q.take(context.Background(), false, true)
}

// Peek returns the oldest record without removing it, waiting until ctx is
// done if the queue is empty.
func (q *Queue) Peek(ctx context.Context) (Record, error) {
	return q.take(ctx, true, false)
}

// TryPeek returns the oldest record without removing it or fails with
// ErrEmpty.
func (q *Queue) TryPeek() (Record, error) {
	return q.take(context.Background(), false, false)
}

func (q *Queue) put(ctx context.Context, rec Record, block bool) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode record")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.maxSize > 0 && int(q.tail-q.head) >= q.maxSize {
		if !block {
			return ErrFull
		}
		if !q.wait(ctx, q.notFull) {
			return ErrFull
		}
	}

	if err := q.store.appendRecord(q.tail, payload, time.Now().Unix()); err != nil {
		return err
	}
	q.tail++
	q.broadcast(&q.notEmpty)
	return nil
}

func (q *Queue) take(ctx context.Context, block, remove bool) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.tail == q.head {
		if !block {
			return nil, ErrEmpty
		}
		if !q.wait(ctx, q.notEmpty) {
			return nil, ErrEmpty
		}
	}

	payload, err := q.store.readRecord(q.head)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Wrapf(err, "unable to decode record %d", q.head)
	}

	if remove {
		if err := q.store.removeRecord(q.head); err != nil {
			return nil, err
		}
		q.head++
		q.broadcast(&q.notFull)
	}
	return rec, nil
}

// wait releases q.mu until ch is closed or ctx is done. It reports false
// when ctx ended first. Callers hold q.mu.
func (q *Queue) wait(ctx context.Context, ch chan struct{}) bool {
	q.mu.Unlock()
	defer q.mu.Lock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// broadcast wakes every waiter on *ch. Callers hold q.mu.
func (q *Queue) broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

func (s *SqliteStore) loadCursor() (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursor struct {
		Head int64 `db:"head"`
		Tail int64 `db:"tail"`
	}
	err := s.db.QueryRowx("SELECT head, tail FROM queue_cursor WHERE id = 1").StructScan(&cursor)
	if err != nil {
		return 0, 0, errors.Wrap(err, "unable to load queue cursor")
	}
	return cursor.Head, cursor.Tail, nil
}

func (s *SqliteStore) appendRecord(seq int64, payload []byte, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "unable to begin append")
	}
	if _, err := tx.Exec("INSERT INTO queue_log (seq, payload, created_at) VALUES (?, ?, ?)", seq, payload, createdAt); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "unable to append record %d", seq)
	}
	if err := CheckForZeroRowsAffected(tx.Exec("UPDATE queue_cursor SET tail = ? WHERE id = 1", seq+1)); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "unable to move tail cursor")
	}
	return errors.Wrap(tx.Commit(), "unable to commit append")
}

func (s *SqliteStore) removeRecord(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "unable to begin removal")
	}
	if err := CheckForZeroRowsAffected(tx.Exec("DELETE FROM queue_log WHERE seq = ?", seq)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "unable to remove record %d", seq)
	}
	if err := CheckForZeroRowsAffected(tx.Exec("UPDATE queue_cursor SET head = ? WHERE id = 1", seq+1)); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "unable to move head cursor")
	}
	return errors.Wrap(tx.Commit(), "unable to commit removal")
}

func (s *SqliteStore) readRecord(seq int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	if err := s.db.QueryRowx("SELECT payload FROM queue_log WHERE seq = ?", seq).Scan(&payload); err != nil {
		return nil, errors.Wrapf(err, "unable to read record %d", seq)
	}
	return payload, nil
}
