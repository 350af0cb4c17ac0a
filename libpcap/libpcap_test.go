//go:build !nopcap

package libpcap

import (
	"errors"
	"testing"

	"github.com/gopacket/gopacket/pcap"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/socket"
)

func TestDirection(t *testing.T) {
	for _, tc := range []struct {
		in   socket.CaptureDir
		want pcap.Direction
	}{
		{socket.CaptureInOut, pcap.DirectionInOut},
		{socket.CaptureIn, pcap.DirectionIn},
		{socket.CaptureOut, pcap.DirectionOut},
	} {
		if got := direction(tc.in); got != tc.want {
			t.Errorf("direction(%s) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBindRejectsQueuesAndFanout(t *testing.T) {
	o := socket.Options{Logger: zap.NewNop()}
	if err := o.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	be, err := Driver.Open(&o)
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()

	if err := be.Bind(socket.BindRequest{Device: "lo", Queue: socket.QueueID(0)}); !errors.Is(err, socket.ErrQueueUnsupported) {
		t.Errorf("Bind with queue: %v, want ErrQueueUnsupported", err)
	}
	err = be.Bind(socket.BindRequest{Device: "lo", Queue: socket.QueueAny, Fanout: &socket.Fanout{}})
	if !errors.Is(err, socket.ErrFanoutUnsupported) {
		t.Errorf("Bind with fanout: %v, want ErrFanoutUnsupported", err)
	}
}
