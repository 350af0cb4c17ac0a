package main

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/pktsock/sockstat"
)

type totals struct {
	packets uint64
	bytes   uint64
	elapsed time.Duration
}

func (t totals) rate() (pps, mbps float64) {
	s := t.elapsed.Seconds()
	if s <= 0 {
		return 0, 0
	}
	return float64(t.packets) / s, float64(t.bytes*8) / 1e6 / s
}

func printFinalReport(w io.Writer, title string, t totals, st sockstat.Stats) {
	pps, mbps := t.rate()
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "\n%s\n", title)
	p.Fprintf(w, " Elapsed:           %.3f s\n", t.elapsed.Seconds())
	p.Fprintf(w, " Packets:           %d\n", t.packets)
	p.Fprintf(w, " Bytes:             %d\n", t.bytes)
	p.Fprintf(w, " Avg PPS:           %d\n", uint64(pps))
	p.Fprintf(w, " Avg rate:          %.1f Mbps\n", mbps)
	if len(st) > 0 {
		fmt.Fprintf(w, "\nSOCKET COUNTERS:\n")
		if err := sockstat.Print(w, st, t.elapsed); err != nil {
			fmt.Fprintf(w, "printing socket counters: %v\n", err)
		}
	}
}

// meter prints per-interval rates until done is closed.
func meter(w io.Writer, interval time.Duration, packets, bytes func() uint64, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastPackets, lastBytes uint64
	var maxPPS, maxMbps float64
	lastTime := time.Now()

	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			cur := totals{
				packets: packets() - lastPackets,
				bytes:   bytes() - lastBytes,
				elapsed: now.Sub(lastTime),
			}
			pps, mbps := cur.rate()
			maxPPS, maxMbps = max(maxPPS, pps), max(maxMbps, mbps)

			fmt.Fprintf(w, "total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
				lastPackets+cur.packets, pps, mbps, maxPPS, maxMbps)

			lastPackets += cur.packets
			lastBytes += cur.bytes
			lastTime = now
		}
	}
}
