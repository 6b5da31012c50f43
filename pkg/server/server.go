package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/model"
)

// StatusSource reports the agent's current view of the device.
type StatusSource interface {
	Status() model.Status
}

// CounterStore holds the persisted retry counters.
type CounterStore interface {
	Keys() []string
	GetInt(key string, def int) int
	Delete(key string) error
}

// EventSink queues an event for the next scheduled delivery.
type EventSink interface {
	Enqueue(ctx context.Context, kind string, fields map[string]interface{}) error
}

// Server exposes the agent's status over HTTP.
type Server struct {
	httpListenAddr string
	httpStarted    *sync.WaitGroup
	httpStopped    *sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	status         StatusSource
	counters       CounterStore
	events         EventSink
}

// Config is the server configuration
type Config struct {
	HTTPListenAddr string
	Status         StatusSource
	Counters       CounterStore
	Events         EventSink
}

func New(c Config) *Server {
	return &Server{
		httpListenAddr: c.HTTPListenAddr,
		httpStarted:    &sync.WaitGroup{},
		httpStopped:    &sync.WaitGroup{},
		status:         c.Status,
		counters:       c.Counters,
		events:         c.Events,
	}
}

func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Start the HTTP interface
	s.httpStarted.Add(1)
	s.httpStopped.Add(1)
	err := s.startHTTP()
	if err != nil {
		return err
	}
	s.httpStarted.Wait()

	return nil
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shut down")
	if s.cancel != nil {
		s.cancel()
	}
	s.httpStopped.Wait()
}
