package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/romshark/pktsock/pcapfile"
	"github.com/romshark/pktsock/socket"
)

var fLoops int

var pcapCmd = &cobra.Command{
	Use:         "pcap",
	Short:       "Inspect and copy pcap trace files",
	Annotations: map[string]string{"device": "optional"},
}

var pcapDumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Print a summary of every frame in a trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openTrace(args[0], socket.DirRx)
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := drain(s, func(p *socket.Packet) error {
			fmt.Println(summary(p))
			return nil
		})
		fmt.Printf("%d frames\n", n)
		return err
	},
}

var pcapCopyCmd = &cobra.Command{
	Use:   "copy SRC DST",
	Short: "Copy a trace file frame by frame, keeping timestamps",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := openTrace(args[0], socket.DirRx)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := openTrace(args[1], socket.DirTx)
		if err != nil {
			return err
		}
		defer dst.Close()

		var total int
		for i, loops := 0, max(fLoops, 1); i < loops; i++ {
			if i > 0 {
				if err := pcapfile.Rewind(src); err != nil {
					return err
				}
			}
			n, err := drain(src, func(p *socket.Packet) error {
				return pcapfile.Store(dst, p)
			})
			total += n
			if err != nil {
				return err
			}
		}
		fmt.Printf("%d frames copied\n", total)
		return nil
	},
}

func init() {
	pcapCopyCmd.Flags().IntVar(&fLoops, "loops", 1, "number of passes over SRC")
	pcapCmd.AddCommand(pcapDumpCmd, pcapCopyCmd)
}

func openTrace(path string, dir socket.Direction) (*socket.Socket, error) {
	o := cfg.Socket
	o.Direction = dir
	o.Fanout = nil
	return openSocket("pcap-file", path, socket.QueueAny, o, nil)
}

// drain hands every frame of s to fn until the end of the trace.
func drain(s *socket.Socket, fn func(*socket.Packet) error) (int, error) {
	var n int
	for {
		p, err := s.Recv()
		if errors.Is(err, socket.ErrEOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		err = fn(p)
		p.Release()
		if err != nil {
			return n, err
		}
		n++
	}
}
