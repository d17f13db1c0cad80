package extosd

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFeedBasic(t *testing.T) {
	in := New("/tmp/unused.sock", zerolog.Nop())
	in.Feed([]byte(`{"text":["ALT 120m","SPD 14"],"value":[120,14.5]}`), 1000)
	s := in.Snapshot()
	if s.TextCount != 2 || s.ValueCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", s.TextCount, s.ValueCount)
	}
	if got := s.TextSlot(0, 2000); got != "ALT 120m" {
		t.Errorf("TextSlot(0) = %q", got)
	}
	if v, ok := s.ValueSlot(1, 2000); !ok || v != 14.5 {
		t.Errorf("ValueSlot(1) = %v,%v", v, ok)
	}
	if got := s.TextSlot(2, 2000); got != "" {
		t.Errorf("TextSlot(2) = %q, want empty", got)
	}
}

func TestFeedLimitsSlots(t *testing.T) {
	in := New("", zerolog.Nop())
	long := strings.Repeat("x", 100)
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = long
	}
	b, _ := json.Marshal(map[string]any{"text": texts})
	in.Feed(b, 1000)
	s := in.Snapshot()
	if s.TextCount != MaxSlots {
		t.Errorf("TextCount = %d, want %d", s.TextCount, MaxSlots)
	}
	if len(s.Text[0]) != MaxTextLen {
		t.Errorf("slot length = %d, want %d", len(s.Text[0]), MaxTextLen)
	}
}

func TestTTLExpiry(t *testing.T) {
	in := New("", zerolog.Nop())
	now := time.Now().UnixNano()
	in.Feed([]byte(`{"text":["hi"],"ttl_ms":100}`), now)
	s := in.Snapshot()
	if s.TextSlot(0, now+50*int64(time.Millisecond)) != "hi" {
		t.Error("slot expired too early")
	}
	if s.TextSlot(0, now+150*int64(time.Millisecond)) != "" {
		t.Error("slot survived past its ttl")
	}
}

func TestTTLZeroClears(t *testing.T) {
	in := New("", zerolog.Nop())
	in.Feed([]byte(`{"text":["hi"]}`), 1000)
	in.Feed([]byte(`{"ttl_ms":0}`), 2000)
	s := in.Snapshot()
	if !s.Expired(3000) {
		t.Error("ttl_ms=0 did not clear the snapshot")
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	in := New("", zerolog.Nop())
	in.Feed([]byte(`{"text":["ok"],"wifi_chan":161}`), 1000)
	s := in.Snapshot()
	if got := s.TextSlot(0, 2000); got != "ok" {
		t.Errorf("TextSlot(0) = %q, want ok", got)
	}
}

func TestMalformedPayload(t *testing.T) {
	in := New("", zerolog.Nop())
	in.Feed([]byte(`not json`), 1000)
	if s := in.Snapshot(); s.LastUpdateNS != 0 {
		t.Error("malformed payload updated state")
	}
}

func TestNewPayloadReplacesOld(t *testing.T) {
	in := New("", zerolog.Nop())
	in.Feed([]byte(`{"text":["a","b","c"]}`), 1000)
	in.Feed([]byte(`{"text":["z"]}`), 2000)
	s := in.Snapshot()
	if s.TextCount != 1 || s.Text[1] != "" {
		t.Errorf("stale slots survived: count %d, slot1 %q", s.TextCount, s.Text[1])
	}
}
