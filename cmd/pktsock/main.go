// Command pktsock receives, sends, forwards and replays frames through
// any of the packet socket backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/romshark/pktsock/internal/conf"
	"github.com/romshark/pktsock/socket"
)

var (
	fConfig   string
	fBackend  string
	fDevice   string
	fQueue    int
	fLogLevel string
	fFilter   string
	fCopy     bool

	cfg *conf.Conf
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "pktsock",
	Short:        "Move frames through packet socket rings.",
	Long:         `pktsock drives AF_XDP, AF_PACKET, libpcap, pcap file and loopback sockets through one ring-based API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c
		log, err = newLogger(c.Log)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&fConfig, "config", "c", "", "path to config YAML file")
	pf.StringVarP(&fBackend, "backend", "b", "", "backend: afxdp, afpacket, libpcap, pcap-file, loopback")
	pf.StringVarP(&fDevice, "dev", "i", "", "device, or file path for pcap-file")
	pf.IntVarP(&fQueue, "queue", "q", -1, "hardware queue, <0 binds the whole device")
	pf.StringVar(&fLogLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVarP(&fFilter, "filter", "f", "", "pcap filter expression")
	pf.BoolVar(&fCopy, "copy", false, "copy received frames out of the ring")
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*conf.Conf, error) {
	c := &conf.Conf{}
	if fConfig != "" {
		var err error
		if c, err = conf.Load(fConfig); err != nil {
			return nil, err
		}
	}
	if fBackend != "" {
		c.Backend = fBackend
	}
	if fDevice != "" {
		c.Device = fDevice
	}
	if cmd.Flags().Changed("queue") {
		if fQueue < 0 {
			c.Queue = nil
		} else {
			q := uint32(fQueue)
			c.Queue = &q
		}
	}
	if fLogLevel != "" {
		c.Log.Level = fLogLevel
	}
	if fFilter != "" {
		c.Filter = fFilter
	}
	if fCopy {
		c.Socket.Capture = socket.CaptureCopy
	}
	c.SetDefaults()
	if c.Device == "" && deviceOptional(cmd) {
		c.Device = anyDevice
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return c, nil
}

func deviceOptional(cmd *cobra.Command) bool {
	for ; cmd != nil; cmd = cmd.Parent() {
		if cmd.Annotations["device"] == "optional" {
			return true
		}
	}
	return false
}

func newLogger(l conf.Log) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	rootCmd.AddCommand(recvCmd, sendCmd, forwardCmd, pcapCmd, queuesCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
