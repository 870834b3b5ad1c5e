package main

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/easzlab/ezdsr/pkg/csum"
	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
	"github.com/easzlab/ezdsr/pkg/server"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	src, dst string
	proto    string
	sport    uint16
	dport    uint16
	hash     int64
	state    int32
	pcapPath string
}

func newSimulateCommand() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic packet through the datapath built from the config",
		Long: "Builds one IPv6 packet, runs it through the forward path (or the reverse path " +
			"when --state is given) against the tables built from the config, and prints the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.src, "src", "2001:db8:ffff::1", "source address")
	flags.StringVar(&opts.dst, "dst", "", "destination address")
	flags.StringVar(&opts.proto, "proto", "tcp", "protocol: tcp, udp or icmpv6")
	flags.Uint16Var(&opts.sport, "sport", 40000, "source port (echo identifier for icmpv6)")
	flags.Uint16Var(&opts.dport, "dport", 80, "destination port")
	flags.Int64Var(&opts.hash, "hash", -1, "packet hash; derived from the 5-tuple when negative")
	flags.Int32Var(&opts.state, "state", -1, "flow state id; runs the reverse path when set")
	flags.StringVar(&opts.pcapPath, "pcap", "", "write the packet before and after processing to this pcap file")
	cmd.MarkFlagRequired("dst")

	return cmd
}

var protocols = map[string]uint8{
	"tcp":    packet.ProtoTCP,
	"udp":    packet.ProtoUDP,
	"icmpv6": packet.ProtoICMPv6,
}

// traceWriter prints datapath trace events as they happen.
type traceWriter struct {
	out io.Writer
}

func (w traceWriter) Trace(ev datapath.Event, arg1, arg2 uint32) {
	fmt.Fprintf(w.out, "trace:   %s arg1=%d arg2=%d\n", ev, arg1, arg2)
}

func runSimulate(out io.Writer, opts *simulateOptions) error {
	proto, ok := protocols[opts.proto]
	if !ok {
		return fmt.Errorf("unsupported protocol %q", opts.proto)
	}
	src, err := netip.ParseAddr(opts.src)
	if err != nil {
		return fmt.Errorf("invalid source address: %w", err)
	}
	dst, err := netip.ParseAddr(opts.dst)
	if err != nil {
		return fmt.Errorf("invalid destination address: %w", err)
	}
	if opts.hash > int64(^uint32(0)) {
		return fmt.Errorf("hash %d does not fit 32 bits", opts.hash)
	}
	if opts.state > int32(^uint16(0)) {
		return fmt.Errorf("state %d does not fit 16 bits", opts.state)
	}

	logger := newToolLogger()
	defer logger.Sync()

	lbMgr, cfg, err := server.LoadTables(configPath, logger)
	if err != nil {
		return err
	}

	pkt, err := packet.Build(packet.Template{
		Src:     src,
		Dst:     dst,
		Proto:   proto,
		SrcPort: opts.sport,
		DstPort: opts.dport,
	})
	if err != nil {
		return err
	}
	before := append([]byte(nil), pkt...)

	dp := datapath.New(lbMgr.Services(), lbMgr.States(),
		datapath.WithTracer(traceWriter{out: out}),
		datapath.WithPassOnNoService(cfg.Global.PassOnNoService()),
	)

	fmt.Fprintf(out, "in:      %s\n", packet.Describe(before))

	var res datapath.Result
	if opts.state >= 0 {
		res = dp.Reverse(packet.Buffer(pkt), lbmap.StateKey(opts.state))
	} else {
		hash := uint32(opts.hash)
		if opts.hash < 0 {
			nexthdr, l4Off, err := packet.ParseIPv6(packet.Buffer(pkt))
			if err != nil {
				return err
			}
			if hash, err = datapath.FlowHash(packet.Buffer(pkt), nexthdr, l4Off); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "hash:    %d\n", hash)
		res = dp.Forward(packet.Buffer(pkt), hash)
	}

	printResult(out, opts.state >= 0, res)
	fmt.Fprintf(out, "out:     %s\n", packet.Describe(pkt))
	fmt.Fprintf(out, "csum:    %s\n", checksumStatus(pkt))

	if opts.pcapPath != "" {
		if err := writePcap(opts.pcapPath, before, pkt); err != nil {
			return err
		}
		fmt.Fprintf(out, "pcap:    %s\n", opts.pcapPath)
	}
	return nil
}

func printResult(out io.Writer, reverse bool, res datapath.Result) {
	fmt.Fprintf(out, "verdict: %s", res.Verdict)
	if res.Err != nil {
		fmt.Fprintf(out, " (%v)", res.Err)
	}
	fmt.Fprintln(out)
	if res.Err != nil {
		return
	}
	if reverse {
		fmt.Fprintf(out, "state:   %s\n", res.State)
		return
	}
	fmt.Fprintf(out, "service: %s\n", res.Master)
	fmt.Fprintf(out, "backend: slave %d %s\n", res.Slave, res.Backend)
}

func checksumStatus(pkt []byte) string {
	if csum.Verify(pkt) {
		return "valid"
	}
	return "INVALID"
}

func writePcap(path string, pkts ...[]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeIPv6); err != nil {
		return err
	}
	now := time.Now()
	for _, pkt := range pkts {
		ci := gopacket.CaptureInfo{
			Timestamp:     now,
			CaptureLength: len(pkt),
			Length:        len(pkt),
		}
		if err := w.WritePacket(ci, pkt); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return f.Close()
}
