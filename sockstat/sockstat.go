// Package sockstat snapshots and prints socket counters.
package sockstat

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/pktsock/socket"
)

type Counter int

const (
	RxPackets Counter = iota
	RxDropped
	RxIfDropped
	RxInvalid
	RxFiltered
	TxPackets
	TxInvalid
	Freeze
)

var counters = [...]Counter{
	RxPackets, RxDropped, RxIfDropped, RxInvalid, RxFiltered,
	TxPackets, TxInvalid, Freeze,
}

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxDropped:
		return "rx_dropped"
	case RxIfDropped:
		return "rx_if_dropped"
	case RxInvalid:
		return "rx_invalid"
	case RxFiltered:
		return "rx_filtered"
	case TxPackets:
		return "tx_packets"
	case TxInvalid:
		return "tx_invalid"
	case Freeze:
		return "freeze"
	}
	return ""
}

// Values holds the counters of one socket.
type Values map[Counter]uint64

// FromStats converts socket statistics into counter values.
func FromStats(st socket.Stats) Values {
	return Values{
		RxPackets:   st.RxPackets,
		RxDropped:   st.RxDropped,
		RxIfDropped: st.RxIfDropped,
		RxInvalid:   st.RxInvalid,
		RxFiltered:  st.RxFiltered,
		TxPackets:   st.TxPackets,
		TxInvalid:   st.TxInvalid,
		Freeze:      st.Freeze,
	}
}

// Stats holds counter values by socket label.
type Stats map[string]Values

// Source is anything reporting socket statistics, usually *socket.Socket.
type Source interface {
	Stats() (socket.Stats, error)
}

// Snapshot reads the counters of every source.
func Snapshot(sources map[string]Source) (Stats, error) {
	s := make(Stats, len(sources))
	for label, src := range sources {
		st, err := src.Stats()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", label, err)
		}
		s[label] = FromStats(st)
	}
	return s, nil
}

// Since computes s(now) - old. Counters that went backwards, as after a
// socket was reopened, are reported as their current value.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for label, now := range s {
		prev := old[label]
		diff := make(Values, len(now))
		for ctr, v := range now {
			if p := prev[ctr]; p <= v {
				diff[ctr] = v - p
			} else {
				diff[ctr] = v
			}
		}
		out[label] = diff
	}
	return out
}

// Total sums every socket's values.
func (s Stats) Total() Values {
	t := make(Values, len(counters))
	for _, v := range s {
		for ctr, n := range v {
			t[ctr] += n
		}
	}
	return t
}

// Print writes s sorted by label. Non-zero counters are printed; with a
// positive elapsed duration packet counters also get a per-second rate.
func Print(w io.Writer, s Stats, elapsed time.Duration) error {
	labels := make([]string, 0, len(s))
	for label := range s {
		labels = append(labels, label)
	}
	slices.Sort(labels)

	for _, label := range labels {
		vals := s[label]
		if _, err := fmt.Fprintf(w, "%s:\n", label); err != nil {
			return err
		}
		for _, ctr := range counters {
			v := vals[ctr]
			if v == 0 && ctr != RxPackets && ctr != TxPackets {
				continue
			}
			line := fmt.Sprintf("  %-14s %s", ctr, humanize.Comma(int64(v)))
			if elapsed > 0 && (ctr == RxPackets || ctr == TxPackets) {
				line += fmt.Sprintf("  (%s)",
					humanize.SIWithDigits(float64(v)/elapsed.Seconds(), 2, "pps"))
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}
