// ppstats is a terminal viewer for the pixelpilot SSE stats stream.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/snokvist/pixelpilot-mini/pkg/stats"
)

func main() {
	url := flag.String("url", "http://127.0.0.1:8080/events", "SSE events endpoint")
	flag.Parse()

	app := tview.NewApplication()
	table := tview.NewTable()
	table.SetBorder(true).SetTitle(fmt.Sprintf(" pixelpilot — %s ", *url))

	go follow(app, table, *url)

	if err := app.SetRoot(table, true).Run(); err != nil {
		panic(err)
	}
}

// follow reads "data: {json}" frames off the event stream and repaints the
// table for each snapshot.
func follow(app *tview.Application, table *tview.Table, url string) {
	resp, err := http.Get(url)
	if err != nil {
		app.QueueUpdateDraw(func() {
			table.SetCell(0, 0, tview.NewTableCell(err.Error()).SetTextColor(tcell.ColorRed))
		})
		return
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 64<<10)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var snap stats.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}
		app.QueueUpdateDraw(func() { render(table, &snap) })
	}
	app.QueueUpdateDraw(func() {
		table.SetTitle(" pixelpilot — stream closed ")
	})
}

func render(t *tview.Table, s *stats.Snapshot) {
	row := 0
	section := func(name string) {
		t.SetCell(row, 0, tview.NewTableCell("[::b]"+name).SetTextColor(tcell.ColorAqua))
		t.SetCell(row, 1, tview.NewTableCell(""))
		row++
	}
	add := func(label, format string, args ...any) {
		t.SetCell(row, 0, tview.NewTableCell("  "+label).SetTextColor(tcell.ColorYellow))
		t.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf(format, args...)))
		row++
	}

	section("rtp")
	add("packets", "%d (video %d, audio %d, ignored %d)",
		s.RTP.TotalPackets, s.RTP.VideoPackets, s.RTP.AudioPackets, s.RTP.IgnoredPackets)
	add("lost/reordered/dup", "%d / %d / %d",
		s.RTP.LostPackets, s.RTP.ReorderedPackets, s.RTP.DuplicatePackets)
	add("bitrate", "%.2f Mbps (avg %.2f)", s.RTP.BitrateMbps, s.RTP.BitrateAvg)
	add("jitter", "%.2f ms (avg %.2f)", s.RTP.Jitter, s.RTP.JitterAvg)
	add("frames", "%d (%d incomplete, avg %.0f B)",
		s.RTP.FrameCount, s.RTP.IncompleteFrames, s.RTP.FrameSizeAvg)

	section("decoder")
	add("size", "%dx%d", s.Decoder.Width, s.Decoder.Height)
	add("decoded", "%d", s.Decoder.FramesDecoded)
	add("dropped", "%d", s.Decoder.FramesDropped)
	add("errors", "%d (info changes %d)", s.Decoder.Errors, s.Decoder.InfoChanges)

	section("recorder")
	if s.Recorder.Active {
		add("file", "%s", s.Recorder.Path)
		add("written", "%d B, %d AUs, %d keyframes, %d dropped",
			s.Recorder.BytesWritten, s.Recorder.AccessUnits, s.Recorder.Keyframes, s.Recorder.Dropped)
	} else {
		add("state", "inactive")
	}
}
