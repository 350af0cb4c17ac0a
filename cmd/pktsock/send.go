package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/internal/conf"
	"github.com/romshark/pktsock/ratelimit"
	"github.com/romshark/pktsock/socket"
	"github.com/romshark/pktsock/sockstat"
)

var (
	fRate     int64
	fSendSize uint32
	fSendN    uint64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Generate UDP frames",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().Int64VarP(&fRate, "rate", "r", -1, "rate limit in PPS (<0 falls back to config, 0 = unlimited)")
	sendCmd.Flags().Uint32VarP(&fSendSize, "size", "l", 0, "frame size override")
	sendCmd.Flags().Uint64VarP(&fSendN, "count", "n", 0, "frame count override, 0 = until interrupted")
}

// payloadOffset is where the sequence number goes in generated frames.
const payloadOffset = 14 + 20 + 8

// udpTemplate serializes one UDP frame of c.Size bytes. The UDP checksum
// is zeroed so that the sequence number can be patched in place.
func udpTemplate(c conf.Send, srcMAC net.HardwareAddr) ([]byte, error) {
	dstMAC, err := net.ParseMAC(c.DstMAC)
	if err != nil {
		return nil, fmt.Errorf("parsing dst mac: %w", err)
	}
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(c.SrcIP).To4(),
		DstIP:    net.ParseIP(c.DstIP).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(c.SrcPort),
		DstPort: layers.UDPPort(c.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	payload := make([]byte, max(int(c.Size)-payloadOffset, 4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing template: %w", err)
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint16(b[payloadOffset-2:], 0)
	return b, nil
}

func sourceMAC(c conf.Send, device string) net.HardwareAddr {
	if c.SrcMAC != "" {
		mac, _ := net.ParseMAC(c.SrcMAC)
		return mac
	}
	if ifc, err := net.InterfaceByName(device); err == nil && len(ifc.HardwareAddr) == 6 {
		return ifc.HardwareAddr
	}
	return make(net.HardwareAddr, 6)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sc := cfg.Send
	if fRate >= 0 {
		sc.RatePPS = uint64(fRate)
	}
	if fSendSize != 0 {
		sc.Size = fSendSize
	}
	if fSendN != 0 {
		sc.Count = fSendN
	}

	o := cfg.Socket
	o.Direction = socket.DirTx
	if err := o.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if sc.Size > o.BufferSize {
		return fmt.Errorf("%w: frame size %d exceeds buffer-size %d",
			socket.ErrFrameTooLarge, sc.Size, o.BufferSize)
	}

	tmpl, err := udpTemplate(sc, sourceMAC(sc, cfg.Device))
	if err != nil {
		return err
	}
	s, err := openSocket(cfg.Backend, cfg.Device, cfg.QueueID(), o, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	limiter := ratelimit.New(sc.RatePPS)
	var seq uint32
	var sent, bytes uint64
	pending := 0
	start := time.Now()

	flush := func() error {
		if pending == 0 {
			return nil
		}
		if _, err := s.Flush(); err != nil {
			return err
		}
		n := pending
		pending = 0
		return limiter.Wait(ctx, uint64(n))
	}

	for ctx.Err() == nil && (sc.Count == 0 || sent < sc.Count) {
		id, buf, err := s.NextTxSlot()
		if errors.Is(err, socket.ErrRingFull) {
			if err := flush(); err != nil {
				if err = stopped(ctx, err); err != nil {
					return err
				}
				break
			}
			// Reclaims completed slots.
			if _, err := s.Flush(); err != nil {
				return err
			}
			_ = s.Wait(time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}

		n := copy(buf, tmpl)
		binary.BigEndian.PutUint32(buf[payloadOffset:], seq)
		if err := s.SendSlot(id, n); err != nil {
			return err
		}
		seq++
		sent++
		bytes += uint64(n)
		pending++
		if pending >= sc.Batch {
			if err := flush(); err != nil {
				if err = stopped(ctx, err); err != nil {
					return err
				}
				break
			}
		}
	}
	if _, err := s.Flush(); err != nil {
		log.Warn("final flush", zap.Error(err))
	}
	elapsed := time.Since(start)

	st, err := sockstat.Snapshot(map[string]sockstat.Source{
		fmt.Sprintf("%s/%s", cfg.Device, s.Queue()): s,
	})
	if err != nil {
		log.Warn("reading socket stats", zap.Error(err))
	}
	printFinalReport(os.Stderr, "SEND REPORT", totals{
		packets: sent,
		bytes:   bytes,
		elapsed: elapsed,
	}, st)
	return nil
}

// stopped filters out the error of an interrupted rate limiter wait.
func stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
