// Package idr asks the video source for a fresh IDR frame when the decoder
// reports damage, with exponential backoff so a broken link does not turn
// into an HTTP flood.
package idr

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	minInterval = 500 * time.Millisecond
	maxInterval = 8 * time.Second
	quietReset  = 2 * time.Second
)

// Config shapes the request URL and deadline.
type Config struct {
	Port    int           // 0 means the default HTTP port
	Path    string        // defaults to /request/idr
	Timeout time.Duration // defaults to 200ms
}

// Requester tracks the current source host and fires rate-limited IDR
// requests. Safe for concurrent use; HandleWarning is called from the
// decoder's frame puller.
type Requester struct {
	cfg Config
	log zerolog.Logger

	// now and doRequest are injection points for tests.
	now       func() time.Time
	doRequest func(url string) error

	mu          sync.Mutex
	cond        *sync.Cond
	host        string
	inFlight    bool
	lastWarning time.Time
	lastRequest time.Time
	interval    time.Duration
	attempts    uint64
}

func New(cfg Config, log zerolog.Logger) *Requester {
	if cfg.Path == "" {
		cfg.Path = "/request/idr"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	r := &Requester{
		cfg:      cfg,
		log:      log.With().Str("component", "idr").Logger(),
		now:      time.Now,
		interval: minInterval,
	}
	r.cond = sync.NewCond(&r.mu)
	r.doRequest = r.httpGet
	return r
}

// NoteSource records where the stream comes from. A changed source resets
// the backoff: warnings against a new sender start a fresh burst.
func (r *Requester) NoteSource(addr netip.Addr) {
	host := addr.String()
	if addr.Is6() {
		host = "[" + host + "]"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if host != r.host {
		r.host = host
		r.interval = minInterval
		r.lastRequest = time.Time{}
	}
}

// HandleWarning is called once per damaged frame. It fires at most one
// request at a time, no sooner than the current backoff interval allows;
// the interval doubles per attempt within a burst and resets after 2 s of
// quiet.
func (r *Requester) HandleWarning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.lastWarning.IsZero() && now.Sub(r.lastWarning) > quietReset {
		r.interval = minInterval
		r.lastRequest = time.Time{}
	}
	r.lastWarning = now

	if r.host == "" || r.inFlight {
		return
	}
	if !r.lastRequest.IsZero() && now.Sub(r.lastRequest) < r.interval {
		return
	}
	first := r.lastRequest.IsZero()
	r.inFlight = true
	r.lastRequest = now
	r.attempts++
	interval := r.interval
	// The first request of a burst fires immediately and keeps the floor
	// interval; the gap doubles from the second request on.
	if !first {
		r.interval *= 2
		if r.interval > maxInterval {
			r.interval = maxInterval
		}
	}
	url := r.url()

	go func() {
		err := r.doRequest(url)
		r.mu.Lock()
		r.inFlight = false
		r.cond.Broadcast()
		r.mu.Unlock()
		if err != nil {
			r.log.Debug().Err(err).Str("url", url).Msg("idr request failed")
		} else {
			r.log.Debug().Str("url", url).Dur("backoff", interval).Msg("idr requested")
		}
	}()
}

// Attempts reports how many requests were launched.
func (r *Requester) Attempts() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Close waits for any in-flight request to finish.
func (r *Requester) Close() {
	r.mu.Lock()
	for r.inFlight {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

func (r *Requester) url() string {
	if r.cfg.Port != 0 {
		return fmt.Sprintf("http://%s:%d%s", r.host, r.cfg.Port, r.cfg.Path)
	}
	return fmt.Sprintf("http://%s%s", r.host, r.cfg.Path)
}

// httpGet issues the request with the hard total deadline. The status code
// is ignored: reaching the source at all is the point.
func (r *Requester) httpGet(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
