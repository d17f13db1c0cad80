package hotplug

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func uevent(action, subsystem, hotplug string) []byte {
	msg := action + "@/devices/platform/display-subsystem/drm/card0\x00"
	msg += "ACTION=" + action + "\x00"
	if subsystem != "" {
		msg += "SUBSYSTEM=" + subsystem + "\x00"
	}
	if hotplug != "" {
		msg += "HOTPLUG=" + hotplug + "\x00"
	}
	return []byte(msg)
}

func TestParseUevent(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"drm change", uevent("change", "drm", "1"), true},
		{"drm add", uevent("add", "drm", "1"), true},
		{"drm remove", uevent("remove", "drm", "1"), true},
		{"wrong subsystem", uevent("change", "usb", "1"), false},
		{"no hotplug property", uevent("change", "drm", ""), false},
		{"bind action", uevent("bind", "drm", "1"), false},
		{"garbage", []byte("libudev\x00whatever"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := parseUevent(tc.data)
			if ok != tc.want {
				t.Fatalf("parseUevent = %v, want %v", ok, tc.want)
			}
			if ok && ev.Action == "" {
				t.Error("accepted event has empty action")
			}
		})
	}
}

func TestDebounceDropsBounce(t *testing.T) {
	m := &Monitor{log: zerolog.Nop(), out: make(chan Event, 4)}
	base := time.Now()
	// Unplug, then re-insert 100 ms later: one notification, not two.
	m.push(Event{Action: "remove"}, base)
	m.push(Event{Action: "add"}, base.Add(100*time.Millisecond))
	m.push(Event{Action: "change"}, base.Add(150*time.Millisecond))

	if got := <-m.out; got.Action != "remove" {
		t.Fatalf("first event = %q, want remove", got.Action)
	}
	select {
	case got := <-m.out:
		t.Fatalf("in-guard event %q delivered, want none", got.Action)
	default:
	}

	// Past the guard the next event flows again.
	m.push(Event{Action: "add"}, base.Add(400*time.Millisecond))
	if got := <-m.out; got.Action != "add" {
		t.Fatalf("post-guard event = %q, want add", got.Action)
	}
}

func TestDebouncePassesSpacedEvents(t *testing.T) {
	m := &Monitor{log: zerolog.Nop(), out: make(chan Event, 4)}
	base := time.Now()
	m.push(Event{Action: "remove"}, base)
	m.push(Event{Action: "add"}, base.Add(500*time.Millisecond))
	if got := <-m.out; got.Action != "remove" {
		t.Fatalf("first event = %q", got.Action)
	}
	if got := <-m.out; got.Action != "add" {
		t.Fatalf("second event = %q", got.Action)
	}
}
