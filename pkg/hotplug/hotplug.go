// Package hotplug watches kernel uevents for DRM connector changes.
package hotplug

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const debounce = 300 * time.Millisecond

// Event is one debounced DRM hot-plug notification.
type Event struct {
	Action  string // change, add or remove
	DevPath string
}

// Monitor subscribes to the kernel uevent broadcast group and forwards
// debounced DRM hot-plug events.
type Monitor struct {
	log zerolog.Logger

	fd  int
	out chan Event
	wg  sync.WaitGroup

	mu     sync.Mutex
	lastNS int64
	closed bool
}

// New opens the netlink socket. The caller owns Stop.
func New(log zerolog.Logger) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	m := &Monitor{
		log: log.With().Str("component", "hotplug").Logger(),
		fd:  fd,
		out: make(chan Event, 4),
	}
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

// Events delivers debounced hot-plug notifications.
func (m *Monitor) Events() <-chan Event { return m.out }

// Stop closes the socket and joins the reader.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	unix.Close(m.fd)
	m.wg.Wait()
	close(m.out)
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if ev, ok := parseUevent(buf[:n]); ok {
			m.push(ev, time.Now())
		}
	}
}

// push applies the debounce: an event inside the guard window after the
// last delivery is dropped, so a remove/re-insert bounce counts as one
// hot-plug. The consumer re-probes connector state on every delivery and
// retries reconnects on its own clock, so nothing is lost with it.
func (m *Monitor) push(ev Event, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	nowNS := now.UnixNano()
	if m.lastNS != 0 && nowNS-m.lastNS < int64(debounce) {
		m.log.Debug().Str("action", ev.Action).Msg("hotplug bounce dropped")
		return
	}
	m.lastNS = nowNS
	m.deliver(ev)
}

func (m *Monitor) deliver(ev Event) {
	select {
	case m.out <- ev:
	default:
		m.log.Warn().Str("action", ev.Action).Msg("hotplug queue full, dropping")
	}
}

// parseUevent decodes a kernel uevent datagram ("action@devpath" followed
// by NUL-separated KEY=VALUE pairs) and keeps only DRM hot-plug events.
func parseUevent(data []byte) (Event, bool) {
	fields := bytes.Split(data, []byte{0})
	if len(fields) == 0 {
		return Event{}, false
	}
	header := string(fields[0])
	at := strings.IndexByte(header, '@')
	if at < 0 {
		return Event{}, false
	}
	ev := Event{Action: header[:at], DevPath: header[at+1:]}
	switch ev.Action {
	case "change", "add", "remove":
	default:
		return Event{}, false
	}
	subsystem, hotplug := "", ""
	for _, f := range fields[1:] {
		s := string(f)
		switch {
		case strings.HasPrefix(s, "SUBSYSTEM="):
			subsystem = s[len("SUBSYSTEM="):]
		case strings.HasPrefix(s, "HOTPLUG="):
			hotplug = s[len("HOTPLUG="):]
		}
	}
	if subsystem != "drm" || hotplug != "1" {
		return Event{}, false
	}
	return ev, true
}
