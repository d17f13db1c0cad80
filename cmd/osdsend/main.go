// osdsend pushes text and value slots to the pixelpilot external-OSD
// socket:
//
//	osdsend -socket /run/pixelpilot-osd.sock -ttl 2000 -value 17.4 "LQ 98%"
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
)

type payload struct {
	Text  []string  `json:"text,omitempty"`
	Value []float64 `json:"value,omitempty"`
	TTLMS int       `json:"ttl_ms,omitempty"`
}

func main() {
	socket := flag.String("socket", "/run/pixelpilot-osd.sock", "external OSD socket path")
	ttl := flag.Int("ttl", 0, "snapshot time to live in ms (0 = no expiry)")
	var values floatList
	flag.Var(&values, "value", "numeric slot, repeatable up to 8 times")
	flag.Parse()

	p := payload{Text: flag.Args(), Value: values, TTLMS: *ttl}
	if len(p.Text) == 0 && len(p.Value) == 0 {
		fmt.Fprintln(os.Stderr, "osdsend: nothing to send; pass text arguments or -value")
		os.Exit(2)
	}

	data, err := json.Marshal(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osdsend: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.Dial("unixgram", *socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "osdsend: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "osdsend: %v\n", err)
		os.Exit(1)
	}
}

// floatList collects repeated -value flags.
type floatList []float64

func (f *floatList) String() string { return fmt.Sprint([]float64(*f)) }

func (f *floatList) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = append(*f, v)
	return nil
}
