package idr

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeTransport) get(url string) error {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return nil
}

func newTestRequester() (*Requester, *fakeTransport, *time.Time) {
	now := time.Unix(1000, 0)
	r := New(Config{}, zerolog.Nop())
	r.now = func() time.Time { return now }
	ft := &fakeTransport{}
	r.doRequest = ft.get
	return r, ft, &now
}

func TestBackoffSchedule(t *testing.T) {
	r, ft, now := newTestRequester()
	r.NoteSource(netip.MustParseAddr("192.168.0.20"))

	start := *now
	var fired []time.Duration
	// Warnings every 100 ms for 8 s.
	for elapsed := time.Duration(0); elapsed <= 8*time.Second; elapsed += 100 * time.Millisecond {
		*now = start.Add(elapsed)
		before := r.Attempts()
		r.HandleWarning()
		r.Close() // join the fired request before the clock moves
		if r.Attempts() > before {
			fired = append(fired, elapsed)
		}
	}
	want := []time.Duration{
		0,
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
	}
	if len(fired) != len(want) {
		t.Fatalf("fired at %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("request %d at %v, want %v", i, fired[i], want[i])
		}
	}
	for _, u := range ft.urls {
		if u != "http://192.168.0.20/request/idr" {
			t.Errorf("request url = %q", u)
		}
	}
}

func TestQuietPeriodResetsBackoff(t *testing.T) {
	r, _, now := newTestRequester()
	r.NoteSource(netip.MustParseAddr("10.0.0.5"))

	r.HandleWarning()
	r.Close()
	*now = now.Add(500 * time.Millisecond)
	r.HandleWarning()
	r.Close()
	if got := r.Attempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	// Interval is now 1 s; a warning 600 ms later would normally be held.
	// After 2.5 s of quiet it must fire immediately instead.
	*now = now.Add(2500 * time.Millisecond)
	r.HandleWarning()
	r.Close()
	if got := r.Attempts(); got != 3 {
		t.Fatalf("attempts after quiet period = %d, want 3", got)
	}
}

func TestNoRequestWithoutSource(t *testing.T) {
	r, ft, _ := newTestRequester()
	r.HandleWarning()
	r.Close()
	if len(ft.urls) != 0 {
		t.Errorf("request fired without a source: %v", ft.urls)
	}
}

func TestSingleRequestInFlight(t *testing.T) {
	r, _, _ := newTestRequester()
	r.NoteSource(netip.MustParseAddr("10.0.0.5"))
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	r.doRequest = func(url string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}
	r.HandleWarning()
	r.HandleWarning() // in flight: must not launch a second request
	close(release)
	r.Close()
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("concurrent requests = %d, want 1", calls)
	}
}

func TestIPv6HostBracketed(t *testing.T) {
	r, ft, _ := newTestRequester()
	r.cfg.Port = 8080
	r.NoteSource(netip.MustParseAddr("fd00::1"))
	r.HandleWarning()
	r.Close()
	if len(ft.urls) != 1 || ft.urls[0] != "http://[fd00::1]:8080/request/idr" {
		t.Errorf("urls = %v, want bracketed IPv6 with port", ft.urls)
	}
}

func TestSourceChangeResetsBackoff(t *testing.T) {
	r, _, now := newTestRequester()
	r.NoteSource(netip.MustParseAddr("10.0.0.5"))
	r.HandleWarning()
	r.Close()
	*now = now.Add(500 * time.Millisecond)
	r.HandleWarning()
	r.Close()
	// Interval is 1 s now. Switching sources starts over.
	r.NoteSource(netip.MustParseAddr("10.0.0.6"))
	*now = now.Add(100 * time.Millisecond)
	r.HandleWarning()
	r.Close()
	if got := r.Attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (reset on source change)", got)
	}
}
