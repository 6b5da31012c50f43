package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/firmware"
	"github.com/ebobo/modem_health_go/pkg/model"
	sqlitestore "github.com/ebobo/modem_health_go/pkg/store/sqlite"
)

func (s *Server) handler() http.Handler {
	m := mux.NewRouter()

	// Add CORS
	cors := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS", "DELETE"},
		MaxAge:           31,
		Debug:            false,
	})

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Modem health agent")
	}).Methods("GET")

	// Device and modem status
	m.HandleFunc("/api/v1/status", s.GetStatus).Methods("GET")

	// Persisted retry counters
	m.HandleFunc("/api/v1/counters", s.ListCounters).Methods("GET")

	// Reset one retry counter so a skipped change is tried again
	m.HandleFunc("/api/v1/counters/{key}", s.ResetCounter).Methods("DELETE")

	// Queue an event from a companion process; the heartbeat task uploads it
	m.HandleFunc("/api/v1/events", s.PostEvent).Methods("POST")

	return handlers.ProxyHeaders(cors.Handler(m))
}

func (s *Server) startHTTP() error {
	httpServer := &http.Server{
		Addr:              s.httpListenAddr,
		Handler:           s.handler(),
		ReadTimeout:       (10 * time.Second),
		ReadHeaderTimeout: (8 * time.Second),
		WriteTimeout:      (45 * time.Second),
	}

	// Set up shutdown handler
	go func() {
		<-s.ctx.Done()
		err := httpServer.Shutdown(context.Background())
		if err != nil {
			log.Error().Err(err).Str("addr", s.httpListenAddr).Msg("error shutting down HTTP interface")
		}
	}()

	// Start HTTP server
	go func() {
		log.Info().Str("addr", s.httpListenAddr).Msg("starting HTTP interface")

		// This isn't entirely true and really represents a race condition, but
		// doing this properly is a pain in the neck.
		s.httpStarted.Done()

		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}

		log.Info().Err(err).Str("addr", s.httpListenAddr).Msg("HTTP interface down")
		s.httpStopped.Done()
	}()

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) ListCounters(w http.ResponseWriter, r *http.Request) {
	counters := []model.Counter{}
	for _, key := range s.counters.Keys() {
		if !firmware.IsCounterKey(key) {
			continue
		}
		counters = append(counters, model.Counter{Key: key, Value: s.counters.GetInt(key, 0)})
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Key < counters[j].Key })
	writeJSON(w, http.StatusOK, counters)
}

func (s *Server) ResetCounter(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !firmware.IsCounterKey(key) {
		http.Error(w, "not a retry counter", http.StatusBadRequest)
		return
	}
	found := false
	for _, k := range s.counters.Keys() {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		http.Error(w, "no such counter", http.StatusNotFound)
		return
	}

	if err := s.counters.Delete(key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to reset counter")
		http.Error(w, "failed to reset counter", http.StatusInternalServerError)
		return
	}
	log.Info().Str("key", key).Msg("retry counter reset")
	w.WriteHeader(http.StatusNoContent)
}

type eventRequest struct {
	Type   string                 `json:"type"`
	Fields map[string]interface{} `json:"fields"`
}

func (s *Server) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read request body")
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "failed to unmarshal request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}

	err = s.events.Enqueue(r.Context(), req.Type, req.Fields)
	if errors.Is(err, sqlitestore.ErrFull) {
		http.Error(w, "event queue is full", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("type", req.Type).Msg("failed to queue event")
		http.Error(w, "failed to queue event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
