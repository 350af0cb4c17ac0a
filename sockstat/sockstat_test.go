package sockstat

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/romshark/pktsock/socket"
)

type fakeSource struct {
	st  socket.Stats
	err error
}

func (f fakeSource) Stats() (socket.Stats, error) { return f.st, f.err }

func TestSnapshotAndSince(t *testing.T) {
	old, err := Snapshot(map[string]Source{
		"eth0/0": fakeSource{st: socket.Stats{RxPackets: 10, RxDropped: 1}},
		"eth0/1": fakeSource{st: socket.Stats{TxPackets: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}
	now, err := Snapshot(map[string]Source{
		"eth0/0": fakeSource{st: socket.Stats{RxPackets: 25, RxDropped: 1}},
		"eth0/1": fakeSource{st: socket.Stats{TxPackets: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := now.Since(old)
	if got := d["eth0/0"][RxPackets]; got != 15 {
		t.Errorf("rx_packets delta = %d, want 15", got)
	}
	if got := d["eth0/0"][RxDropped]; got != 0 {
		t.Errorf("rx_dropped delta = %d, want 0", got)
	}
	if got := d["eth0/1"][TxPackets]; got != 2 {
		t.Errorf("tx_packets after reset = %d, want 2", got)
	}

	tot := now.Total()
	if tot[RxPackets] != 25 || tot[TxPackets] != 2 || tot[RxDropped] != 1 {
		t.Errorf("unexpected total %v", tot)
	}
}

func TestSnapshotError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Snapshot(map[string]Source{"x": fakeSource{err: boom}})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "reading x") {
		t.Errorf("error %q does not name the source", err)
	}
}

func TestPrint(t *testing.T) {
	s := Stats{
		"b": FromStats(socket.Stats{RxPackets: 1234567}),
		"a": FromStats(socket.Stats{TxPackets: 3, TxInvalid: 1}),
	}
	var buf bytes.Buffer
	if err := Print(&buf, s, 0); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Index(out, "a:") > strings.Index(out, "b:") {
		t.Errorf("labels not sorted:\n%s", out)
	}
	for _, want := range []string{"1,234,567", "tx_invalid", "tx_packets"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "rx_dropped") {
		t.Errorf("zero counter printed:\n%s", out)
	}
	if strings.Contains(out, "pps") {
		t.Errorf("rate printed without elapsed time:\n%s", out)
	}
}

func TestCounterNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range counters {
		n := c.String()
		if n == "" || seen[n] {
			t.Errorf("counter %d has bad or duplicate name %q", c, n)
		}
		seen[n] = true
	}
}
