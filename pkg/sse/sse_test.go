package sse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snokvist/pixelpilot-mini/pkg/config"
	"github.com/snokvist/pixelpilot-mini/pkg/receiver"
	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

func newServer() *Server {
	bus := stats.NewBus()
	bus.UpdateRTP(receiver.Stats{TotalPackets: 42})
	cfg := config.SSEConfig{Enable: true, Port: 0, IntervalMS: 10}
	return New(cfg, bus, zerolog.Nop())
}

func TestFrameFormat(t *testing.T) {
	s := newServer()
	frame, err := s.frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	text := string(frame)
	if !strings.HasPrefix(text, "id: 1\ndata: ") {
		t.Fatalf("frame prefix = %q", text)
	}
	if !strings.HasSuffix(text, "\n\n") {
		t.Fatal("frame not terminated by a blank line")
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(text, "id: 1\ndata: "), "\n\n")
	var snap stats.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if snap.RTP.TotalPackets != 42 {
		t.Fatalf("snapshot total packets = %d, want 42", snap.RTP.TotalPackets)
	}

	frame, _ = s.frame()
	if !strings.HasPrefix(string(frame), "id: 2\n") {
		t.Fatal("event id did not increment")
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer()
	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if snap.RTP.TotalPackets != 42 {
		t.Fatalf("total packets = %d, want 42", snap.RTP.TotalPackets)
	}
}

func TestEventStreamDeliversSnapshots(t *testing.T) {
	s := newServer()
	s.wg.Add(1)
	go s.broadcast()
	defer func() {
		close(s.done)
		s.wg.Wait()
	}()

	srv := httptest.NewServer(http.HandlerFunc(s.handleEvents))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	var dataLines int
	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for dataLines < 2 {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				dataLines++
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("timed out waiting for events")
	}
	if dataLines < 2 {
		t.Fatalf("got %d data lines, want at least 2", dataLines)
	}
}

func TestSlowClientDropped(t *testing.T) {
	s := newServer()
	ch := make(chan []byte, clientQueue)
	s.mu.Lock()
	s.clients["stuck"] = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go s.broadcast()
	defer s.wg.Wait()

	// Nobody reads ch, so after the buffer fills the broadcaster must
	// evict the client and close its channel.
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		_, live := s.clients["stuck"]
		s.mu.Unlock()
		if !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slow client never dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(s.done)
}
