package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/romshark/pktsock/internal/conf"
	"github.com/romshark/pktsock/internal/netdev"
	"github.com/romshark/pktsock/socket"
)

var queuesCmd = &cobra.Command{
	Use:         "queues [device...]",
	Short:       "List the RX queues of network devices",
	Annotations: map[string]string{"device": "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		devs := args
		if len(devs) == 0 && cfg.Device != anyDevice {
			devs = []string{cfg.Device}
		}
		if len(devs) == 0 {
			var err error
			if devs, err = netdev.Devices(); err != nil {
				return err
			}
		}
		for _, d := range devs {
			ids, err := netdev.RXQueueIDs(d)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", d, err)
				continue
			}
			fmt.Printf("%-16s %d rx queues %v\n", d, len(ids), ids)
		}
		return nil
	},
}

// bindQueues returns the queues to open one socket each on. A configured
// queue is used alone. AF_XDP sockets serve a single queue, so without one
// every RX queue of the device gets its own socket.
func bindQueues(c *conf.Conf, backend, device string) ([]socket.Queue, error) {
	if c.Queue != nil {
		return []socket.Queue{c.QueueID()}, nil
	}
	if backend != "afxdp" {
		return []socket.Queue{socket.QueueAny}, nil
	}
	ids, err := netdev.RXQueueIDs(device)
	if err != nil {
		return nil, fmt.Errorf("listing queue ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no RX queues found for %s", device)
	}
	qs := make([]socket.Queue, len(ids))
	for i, id := range ids {
		qs[i] = socket.QueueID(id)
	}
	return qs, nil
}
