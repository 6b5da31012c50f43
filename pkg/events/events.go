// Package events buffers telemetry events in the persistent queue and
// delivers them in order, at least once, whenever the uplink allows.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
	sqlitestore "github.com/ebobo/modem_health_go/pkg/store/sqlite"
)

// DefaultMaxQueued bounds how many events wait for delivery.
const DefaultMaxQueued = 1000

// Event types emitted by the agent.
const (
	TypeHeartbeat    = "heartbeat"
	TypeNetworkState = "network_state"
	TypeModemChange  = "modem_change"
)

// Record fields stamped on every event.
const (
	FieldID        = "id"
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldSerial    = "serial"
)

// Queue is the persistent FIFO the streamer buffers into.
type Queue interface {
	TryPut(rec sqlitestore.Record) error
	TryPeek() (sqlitestore.Record, error)
	TryGet() (sqlitestore.Record, error)
	Qsize() int
}

// Uploader delivers one record. Any error leaves the record queued.
type Uploader interface {
	Upload(ctx context.Context, rec sqlitestore.Record) error
}

type Streamer struct {
	queue    Queue
	uploader Uploader
	serial   string
	clock    clock.Clock

	drainMu sync.Mutex
}

func NewStreamer(queue Queue, uploader Uploader, serial string, clk clock.Clock) *Streamer {
	return &Streamer{
		queue:    queue,
		uploader: uploader,
		serial:   serial,
		clock:    clk,
	}
}

// Stream enqueues an event and then tries to drain the queue. It only fails
// when the event could not be queued; delivery failures are retried by the
// next drain.
func (s *Streamer) Stream(ctx context.Context, kind string, fields map[string]interface{}) error {
	if err := s.Enqueue(ctx, kind, fields); err != nil {
		return err
	}
	if _, err := s.Drain(ctx); err != nil {
		log.Debug().Err(err).Int("queued", s.queue.Qsize()).Msg("drain stopped, events stay queued")
	}
	return nil
}

// Enqueue stamps an event and queues it without uploading anything.
func (s *Streamer) Enqueue(ctx context.Context, kind string, fields map[string]interface{}) error {
	rec := sqlitestore.Record{}
	for k, v := range fields {
		rec[k] = v
	}
	rec[FieldID] = uuid.New().String()
	rec[FieldType] = kind
	rec[FieldTimestamp] = s.clock.Now().UTC().Format(time.RFC3339Nano)
	rec[FieldSerial] = s.serial

	if err := s.queue.TryPut(rec); err != nil {
		log.Warn().Err(err).Str("type", kind).Int("queued", s.queue.Qsize()).Msg("event rejected")
		return errors.Wrap(err, "unable to queue event")
	}
	return nil
}

// Drain uploads queued records oldest first and removes each one once it
// has been delivered. The first failure stops the drain.
func (s *Streamer) Drain(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		rec, err := s.queue.TryPeek()
		if errors.Is(err, sqlitestore.ErrEmpty) {
			return sent, nil
		}
		if err != nil {
			return sent, errors.Wrap(err, "unable to peek queue")
		}
		if err := s.uploader.Upload(ctx, rec); err != nil {
			return sent, err
		}
		if _, err := s.queue.TryGet(); err != nil {
			return sent, errors.Wrap(err, "unable to remove delivered record")
		}
		sent++
	}
}

// Queued reports how many records wait for delivery.
func (s *Streamer) Queued() int {
	return s.queue.Qsize()
}
