// Package sse publishes stats snapshots over Server-Sent Events so external
// tools can watch the link without touching the OSD.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

const clientQueue = 4

// Server owns the HTTP listener and one broadcast goroutine. Each client
// gets a small buffered channel; a client that cannot keep up is dropped
// rather than allowed to stall the broadcaster.
type Server struct {
	cfg config.SSEConfig
	bus *stats.Bus
	log zerolog.Logger

	srv *http.Server
	wg  sync.WaitGroup

	mu      sync.Mutex
	clients map[string]chan []byte
	seq     uint64
	done    chan struct{}
}

func New(cfg config.SSEConfig, bus *stats.Bus, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		bus:     bus,
		log:     log.With().Str("component", "sse").Logger(),
		clients: make(map[string]chan []byte),
		done:    make(chan struct{}),
	}
}

// Start binds the listener and begins broadcasting.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/stats", s.handleStats)

	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sse: listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: mux}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	go s.broadcast()
	s.log.Info().Str("addr", addr).Int("interval_ms", s.cfg.IntervalMS).Msg("sse listening")
	return nil
}

// Stop shuts the listener down and waits for the broadcaster and all
// client handlers to return.
func (s *Server) Stop(ctx context.Context) {
	close(s.done)
	if s.srv != nil {
		s.srv.Shutdown(ctx)
	}
	s.wg.Wait()
}

func (s *Server) broadcast() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			s.closeAll()
			return
		case <-tick.C:
		}
		frame, err := s.frame()
		if err != nil {
			s.log.Error().Err(err).Msg("encode snapshot")
			continue
		}
		s.mu.Lock()
		for id, ch := range s.clients {
			select {
			case ch <- frame:
			default:
				delete(s.clients, id)
				close(ch)
				s.log.Warn().Str("client", id).Msg("slow client dropped")
			}
		}
		s.mu.Unlock()
	}
}

// frame renders one SSE event: an incrementing id line and the snapshot as
// a single JSON data line.
func (s *Server) frame() ([]byte, error) {
	snap := s.bus.Get()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seq++
	n := s.seq
	s.mu.Unlock()
	return []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", n, data)), nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		delete(s.clients, id)
		close(ch)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := uuid.NewString()
	ch := make(chan []byte, clientQueue)

	s.mu.Lock()
	s.clients[id] = ch
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info().Str("client", id).Str("remote", r.RemoteAddr).Int("clients", n).Msg("client connected")

	defer func() {
		s.mu.Lock()
		if _, live := s.clients[id]; live {
			delete(s.clients, id)
		}
		s.mu.Unlock()
		s.log.Info().Str("client", id).Msg("client disconnected")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// First snapshot right away so a new client does not wait a full
	// interval for data.
	if frame, err := s.frame(); err == nil {
		w.Write(frame)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStats serves a one-shot JSON snapshot for scripts that do not want
// a stream.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.bus.Get()); err != nil {
		s.log.Error().Err(err).Msg("encode snapshot")
	}
}
