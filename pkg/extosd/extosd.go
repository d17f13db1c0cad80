// Package extosd accepts small JSON datagrams on a UNIX socket and exposes
// the latest text/value slots to the OSD renderer.
package extosd

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxSlots text entries and MaxSlots values per payload.
	MaxSlots = 8
	// MaxTextLen truncates each text slot.
	MaxTextLen = 64

	malformedLogInterval = 2 * time.Second
)

type payload struct {
	Text  []string  `json:"text"`
	Value []float64 `json:"value"`
	TTLMs *int64    `json:"ttl_ms"`
}

// State is the merged external snapshot read at render time.
type State struct {
	Text         [MaxSlots]string
	Value        [MaxSlots]float64
	TextCount    int
	ValueCount   int
	LastUpdateNS int64
	ExpiryNS     int64 // 0 = no expiry
}

// Expired reports whether the snapshot should be treated as empty.
func (s *State) Expired(nowNS int64) bool {
	return s.LastUpdateNS == 0 || (s.ExpiryNS != 0 && nowNS >= s.ExpiryNS)
}

// Ingest owns the socket and the current state.
type Ingest struct {
	path string
	log  zerolog.Logger

	conn *net.UnixConn
	wg   sync.WaitGroup

	mu           sync.Mutex
	state        State
	lastBadLogNS int64
}

func New(path string, log zerolog.Logger) *Ingest {
	return &Ingest{
		path: path,
		log:  log.With().Str("component", "extosd").Logger(),
	}
}

// Start binds the datagram socket, replacing any stale file, and spawns the
// reader.
func (in *Ingest) Start() error {
	os.Remove(in.path)
	addr := &net.UnixAddr{Name: in.path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return err
	}
	in.conn = conn
	in.wg.Add(1)
	go in.loop()
	in.log.Info().Str("socket", in.path).Msg("external osd ingest listening")
	return nil
}

// Stop closes the socket and joins the reader.
func (in *Ingest) Stop() {
	if in.conn != nil {
		in.conn.Close()
	}
	in.wg.Wait()
	os.Remove(in.path)
}

func (in *Ingest) loop() {
	defer in.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := in.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		in.Feed(buf[:n], time.Now().UnixNano())
	}
}

// Feed parses one datagram. Split out of the socket loop for tests.
func (in *Ingest) Feed(data []byte, nowNS int64) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		in.mu.Lock()
		if nowNS-in.lastBadLogNS >= int64(malformedLogInterval) {
			in.lastBadLogNS = nowNS
			in.mu.Unlock()
			in.log.Warn().Err(err).Msg("malformed external osd payload")
			return
		}
		in.mu.Unlock()
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	s := &in.state
	*s = State{LastUpdateNS: nowNS}
	for i, t := range p.Text {
		if i == MaxSlots {
			break
		}
		if len(t) > MaxTextLen {
			t = t[:MaxTextLen]
		}
		s.Text[i] = t
		s.TextCount = i + 1
	}
	for i, v := range p.Value {
		if i == MaxSlots {
			break
		}
		s.Value[i] = v
		s.ValueCount = i + 1
	}
	if p.TTLMs != nil {
		ttl := *p.TTLMs
		if ttl < 0 {
			ttl = 0
		}
		if ttl == 0 {
			// ttl_ms=0 clears the snapshot immediately.
			*s = State{}
		} else {
			s.ExpiryNS = nowNS + ttl*int64(time.Millisecond)
		}
	}
}

// Snapshot copies the current state.
func (in *Ingest) Snapshot() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// TextSlot resolves {ext.textN}; expired or absent slots are empty.
func (s *State) TextSlot(i int, nowNS int64) string {
	if s.Expired(nowNS) || i < 0 || i >= s.TextCount {
		return ""
	}
	return s.Text[i]
}

// ValueSlot resolves {ext.valueN}.
func (s *State) ValueSlot(i int, nowNS int64) (float64, bool) {
	if s.Expired(nowNS) || i < 0 || i >= s.ValueCount {
		return 0, false
	}
	return s.Value[i], true
}
