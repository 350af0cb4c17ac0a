package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/socket"
	"github.com/romshark/pktsock/sockstat"
)

var (
	fDump     bool
	fInterval time.Duration
	fCount    uint64
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive frames and report rates",
	RunE:  runRecv,
}

func init() {
	recvCmd.Flags().BoolVarP(&fDump, "dump", "d", false, "decode and print every frame")
	recvCmd.Flags().DurationVar(&fInterval, "interval", time.Second, "rate report interval")
	recvCmd.Flags().Uint64VarP(&fCount, "count", "n", 0, "stop after n frames, 0 = until interrupted")
}

// summary is a one-line description of an Ethernet frame.
func summary(p *socket.Packet) string {
	pkt := gopacket.NewPacket(p.Data(), layers.LayerTypeEthernet, gopacket.NoCopy)
	s := p.Timestamp().Format("15:04:05.000000")
	for _, l := range pkt.Layers() {
		s += " " + l.LayerType().String()
	}
	if net := pkt.NetworkLayer(); net != nil {
		s += " " + net.NetworkFlow().String()
	}
	if tr := pkt.TransportLayer(); tr != nil {
		s += " " + tr.TransportFlow().String()
	}
	if vid := p.VLANVID(); vid != 0 {
		s += fmt.Sprintf(" vlan=%d", vid)
	}
	return fmt.Sprintf("%s len=%d", s, p.Len())
}

func runRecv(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	queues, err := bindQueues(cfg, cfg.Backend, cfg.Device)
	if err != nil {
		return err
	}
	o := cfg.Socket
	o.Direction = socket.DirRx
	if o.Timeout == 0 {
		o.Timeout = 100 * time.Millisecond
	}

	sockets := make(map[string]sockstat.Source, len(queues))
	var socks []*socket.Socket
	defer func() {
		for _, s := range socks {
			_ = s.Close()
		}
	}()
	for _, q := range queues {
		s, err := openSocket(cfg.Backend, cfg.Device, q, o, nil)
		if err != nil {
			return fmt.Errorf("queue %s: %w", q, err)
		}
		socks = append(socks, s)
		sockets[fmt.Sprintf("%s/%s", cfg.Device, q)] = s
	}

	var (
		totalPackets atomic.Uint64
		totalBytes   atomic.Uint64
		dumpMu       sync.Mutex
		wg           sync.WaitGroup
		errOnce      sync.Once
		runErr       error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	start := time.Now()
	for _, s := range socks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for ctx.Err() == nil {
				p, err := s.Recv()
				switch {
				case errors.Is(err, socket.ErrWouldBlock):
					continue
				case errors.Is(err, socket.ErrEOF):
					return
				case err != nil:
					fail(err)
					return
				}
				if fDump {
					dumpMu.Lock()
					fmt.Println(summary(p))
					dumpMu.Unlock()
				}
				n := totalPackets.Add(1)
				totalBytes.Add(uint64(len(p.Data())))
				p.Release()
				if fCount > 0 && n >= fCount {
					cancel()
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	if !fDump {
		go meter(os.Stdout, fInterval, totalPackets.Load, totalBytes.Load, done)
	}
	wg.Wait()
	close(done)
	elapsed := time.Since(start)

	st, err := sockstat.Snapshot(sockets)
	if err != nil {
		log.Warn("reading socket stats", zap.Error(err))
	}
	printFinalReport(os.Stderr, "RECEIVE REPORT", totals{
		packets: totalPackets.Load(),
		bytes:   totalBytes.Load(),
		elapsed: elapsed,
	}, st)
	return runErr
}
