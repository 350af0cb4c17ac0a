package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/forward"
	"github.com/romshark/pktsock/socket"
	"github.com/romshark/pktsock/sockstat"
)

var fEgress string

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward frames from the device to the egress device",
	Long: `forward receives on every queue of the configured device and transmits
each frame on the same queue of the egress device.`,
	RunE: runForward,
}

func init() {
	forwardCmd.Flags().StringVarP(&fEgress, "egress", "o", "", "egress device, overrides forward.device")
}

func runForward(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	egress := cfg.Forward.Device
	if fEgress != "" {
		egress = fEgress
	}
	if egress == "" {
		return errors.New("forward.device or --egress must be set")
	}

	queues, err := bindQueues(cfg, cfg.Backend, cfg.Device)
	if err != nil {
		return err
	}

	rxOpts, txOpts := cfg.Socket, cfg.Socket
	rxOpts.Direction, txOpts.Direction = socket.DirRx, socket.DirTx

	var all []*socket.Socket
	defer func() {
		for _, s := range all {
			_ = s.Close()
		}
	}()

	stats := make(map[string]sockstat.Source)
	c := forward.Config{
		Batch:  cfg.Forward.Batch,
		Logger: log,
	}
	for _, q := range queues {
		rx, err := openSocket(cfg.Backend, cfg.Device, q, rxOpts, nil)
		if err != nil {
			return fmt.Errorf("ingress queue %s: %w", q, err)
		}
		all = append(all, rx)
		tx, err := openSocket(cfg.Forward.Backend, egress, q, txOpts, nil)
		if errors.Is(err, socket.ErrQueueUnsupported) {
			tx, err = openSocket(cfg.Forward.Backend, egress, socket.QueueAny, txOpts, nil)
		}
		if err != nil {
			return fmt.Errorf("egress queue %s: %w", q, err)
		}
		all = append(all, tx)

		c.Rx = append(c.Rx, rx)
		c.Tx = append(c.Tx, tx)
		stats[fmt.Sprintf("in %s/%s", cfg.Device, q)] = rx
		stats[fmt.Sprintf("out %s/%s", egress, tx.Queue())] = tx
	}

	start := time.Now()
	st, err := forward.Run(ctx, c)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	elapsed := time.Since(start)

	snap, serr := sockstat.Snapshot(stats)
	if serr != nil {
		log.Warn("reading socket stats", zap.Error(serr))
	}
	printFinalReport(os.Stderr, "FORWARD REPORT", totals{
		packets: st.Forwarded,
		elapsed: elapsed,
	}, snap)
	fmt.Fprintf(os.Stderr, " Received:          %d\n Dropped:           %d\n", st.Received, st.Dropped)
	return err
}
