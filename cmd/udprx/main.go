package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"He6CRES/udprx/config"
	"He6CRES/udprx/internal/capture"
	"He6CRES/udprx/internal/logger"
	"He6CRES/udprx/internal/status"
	"He6CRES/udprx/internal/version"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var defaultConfigPaths = []string{
	"/etc/udprx/config.json",
	"config.json",
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `udprx - He6-CRES spectrometer UDP capture daemon

Usage: udprx [--version|-v] [--help|-h] [flags] [packet_size target_packets drive]

Receives fixed-size UDP packets from the ROACH spectrometer into preallocated
buffers and writes one .spec file per segment, rotating across the configured
volumes. One telemetry line per written file is printed to stdout; logs go to
stderr and to the configured log file.

Options:
  --version, -v   Print version and exit
  --help, -h      Show this help message and exit

Configuration:
  Settings are read from the file given with -config, otherwise from
  /etc/udprx/config.json or config.json in the working directory, otherwise
  built-in defaults are used. Flags override the file. Run "udprx -h" for the
  flag list below.

Legacy form:
  udprx 4128 165000 0
    Captures one segment of 165000 packets of 4128 bytes onto the first
    volume (drive 0 = sdb, 1 = sdc, 2 = sdd).

Examples:
  udprx -trigger interval -interval-ms 10000 -repeats 6
    Six 10 second files rotating over sdb, sdc, sdd.

  udprx -replay run.pcap -packets 1000 -mount-root /tmp/spec
    Dry run from a recorded capture.

Flags:
`)
}

// options holds the command line. Only flags that were set override the
// configuration file.
type options struct {
	configPath string
	set        map[string]bool

	address, replay, trigger, mountRoot, volumes, statusAddr, logLevel, logFile string

	port, rxBuffer, txBuffer, timeoutMs, batch int

	packetSize, segmentPackets, intervalMs, repeats, sampleEvery, capacity, drive int

	lockMemory, failFast, fsync, createDirs bool

	positional []string
}

func newFlagSet(o *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("udprx", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		printHelp(stderr)
		fs.PrintDefaults()
	}

	fs.StringVar(&o.configPath, "config", "", "path to config.json")

	fs.StringVar(&o.address, "address", "", "local address to bind")
	fs.IntVar(&o.port, "port", 0, "UDP port to bind (or to replay)")
	fs.IntVar(&o.rxBuffer, "rx-buffer", 0, "socket receive buffer in bytes")
	fs.IntVar(&o.txBuffer, "tx-buffer", 0, "socket send buffer in bytes")
	fs.IntVar(&o.timeoutMs, "timeout-ms", 0, "receive timeout in milliseconds")
	fs.IntVar(&o.batch, "batch", 0, "datagrams per receive call (recvmmsg when > 1)")
	fs.StringVar(&o.replay, "replay", "", "replay UDP payloads from a pcap/pcapng file instead of binding a socket")

	fs.IntVar(&o.packetSize, "packet-size", 0, "packet size in bytes")
	fs.StringVar(&o.trigger, "trigger", "", "segment trigger: count or interval")
	fs.IntVar(&o.segmentPackets, "packets", 0, "packets per segment (count trigger)")
	fs.IntVar(&o.intervalMs, "interval-ms", 0, "segment length in milliseconds (interval trigger)")
	fs.IntVar(&o.repeats, "repeats", 0, "number of segments to write")
	fs.IntVar(&o.sampleEvery, "sample-every", 0, "packets between clock reads (interval trigger)")
	fs.IntVar(&o.capacity, "capacity", 0, "capture buffer size in bytes, one buffer per volume")
	fs.BoolVar(&o.lockMemory, "lock-memory", false, "page-lock the capture buffers")
	fs.BoolVar(&o.failFast, "fail-fast", false, "stop the run on the first transport or write failure")

	fs.StringVar(&o.mountRoot, "mount-root", "", "directory holding the volume mount points")
	fs.StringVar(&o.volumes, "volumes", "", "comma separated volume labels, in rotation order")
	fs.IntVar(&o.drive, "drive", 0, "index of the volume that receives the first segment")
	fs.BoolVar(&o.fsync, "fsync", false, "fsync each segment file before closing it")
	fs.BoolVar(&o.createDirs, "create-dirs", false, "create missing data directories")

	fs.StringVar(&o.statusAddr, "status", "", "host:port for the gRPC health service")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&o.logFile, "log-file", "", "rotated log file")
	return fs
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := newFlagSet(o, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	o.positional = fs.Args()
	switch len(o.positional) {
	case 0, 3:
	default:
		return nil, fmt.Errorf("expected packet_size target_packets drive, got %d positional argument(s)", len(o.positional))
	}
	return o, nil
}

// apply overlays the command line onto cfg.
func (o *options) apply(cfg *config.Config) error {
	if len(o.positional) == 3 {
		vals := make([]int, 3)
		for i, name := range []string{"packet_size", "target_packets", "drive"} {
			v, err := strconv.Atoi(o.positional[i])
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, o.positional[i], err)
			}
			vals[i] = v
		}
		cfg.Capture.PacketSize = vals[0]
		cfg.Capture.Trigger = config.TriggerCount
		cfg.Capture.SegmentPackets = vals[1]
		cfg.Capture.Repeats = 1
		cfg.Storage.StartVolume = vals[2]
	}

	ifSet := func(name string, fn func()) {
		if o.set[name] {
			fn()
		}
	}
	ifSet("address", func() { cfg.Network.Address = o.address })
	ifSet("port", func() { cfg.Network.Port = o.port })
	ifSet("rx-buffer", func() { cfg.Network.RxBufferBytes = o.rxBuffer })
	ifSet("tx-buffer", func() { cfg.Network.TxBufferBytes = o.txBuffer })
	ifSet("timeout-ms", func() { cfg.Network.RecvTimeoutMs = o.timeoutMs })
	ifSet("batch", func() { cfg.Network.BatchSize = o.batch })
	ifSet("replay", func() { cfg.Network.ReplayPCAP = o.replay })

	ifSet("packet-size", func() { cfg.Capture.PacketSize = o.packetSize })
	ifSet("trigger", func() { cfg.Capture.Trigger = o.trigger })
	ifSet("packets", func() { cfg.Capture.SegmentPackets = o.segmentPackets })
	ifSet("interval-ms", func() { cfg.Capture.IntervalMs = o.intervalMs })
	ifSet("repeats", func() { cfg.Capture.Repeats = o.repeats })
	ifSet("sample-every", func() { cfg.Capture.SampleEvery = o.sampleEvery })
	ifSet("capacity", func() { cfg.Capture.BufferCapacityBytes = o.capacity })
	ifSet("lock-memory", func() { cfg.Capture.LockMemory = o.lockMemory })
	ifSet("fail-fast", func() { cfg.Capture.FailFast = o.failFast })

	ifSet("mount-root", func() { cfg.Storage.MountRoot = o.mountRoot })
	ifSet("volumes", func() { cfg.Storage.Volumes = splitList(o.volumes) })
	ifSet("drive", func() { cfg.Storage.StartVolume = o.drive })
	ifSet("fsync", func() { cfg.Storage.Fsync = o.fsync })
	ifSet("create-dirs", func() { cfg.Storage.CreateDirs = o.createDirs })

	ifSet("status", func() { cfg.Status.Listen = o.statusAddr })
	ifSet("log-level", func() { cfg.Logging.Level = o.logLevel })
	ifSet("log-file", func() { cfg.Logging.File = o.logFile })
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadConfig reads path if given, otherwise the first default location that
// loads, otherwise the built-in defaults. from is empty for the defaults.
func loadConfig(path string) (cfg config.Config, from string, err error) {
	if path != "" {
		cfg, err = config.LoadConfig(path)
		return cfg, path, err
	}
	for _, p := range defaultConfigPaths {
		if cfg, err = config.LoadConfig(p); err == nil {
			return cfg, p, nil
		}
	}
	return config.Default(), "", nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h", "-help":
			printHelp(stdout)
			fs := newFlagSet(&options{}, stdout)
			fs.SetOutput(stdout)
			fs.PrintDefaults()
			return exitOK
		case "--version", "-v":
			fmt.Fprintln(stdout, version.Version)
			return exitOK
		}
	}

	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "udprx: %v\n", err)
		return exitUsage
	}
	cfg, from, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "udprx: failed to load config: %v\n", err)
		return exitUsage
	}
	if err := opts.apply(&cfg); err != nil {
		fmt.Fprintf(stderr, "udprx: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "udprx: %v\n", err)
		return exitUsage
	}
	if err := cfg.InitializeLogging(); err != nil {
		fmt.Fprintf(stderr, "udprx: %v\n", err)
		return exitFailure
	}
	log := logger.GetLogger()
	if from == "" {
		log.Info("No config file found, using defaults")
	} else {
		log.Info("Loaded config from %s", from)
	}
	log.Debug("Effective config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *status.Server
	if cfg.Status.Listen != "" {
		srv = status.New(log)
		if err := srv.Start(cfg.Status.Listen); err != nil {
			log.Error("Failed to start status server: %v", err)
			return exitFailure
		}
		defer srv.Stop()
	}

	p, err := capture.Setup(cfg, capture.Dial, stdout, log)
	if err != nil {
		log.Error("Failed to set up capture: %v", err)
		if config.IsConfigurationError(err) {
			return exitUsage
		}
		return exitFailure
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("Failed to release capture resources: %v", err)
		}
	}()

	if srv != nil {
		srv.SetCapturing(true)
	}
	sum, err := p.Run(ctx)
	if srv != nil {
		srv.SetCapturing(false)
	}
	if err != nil {
		log.Error("Capture run %s failed: %v", sum.RunID, err)
		return exitFailure
	}
	if sum.Canceled {
		log.Info("Capture run %s stopped by signal after %d segment(s)", sum.RunID, sum.SegmentsCut)
	}
	if sum.SegmentsFailed > 0 {
		log.Error("Capture run %s finished with %d failed segment(s)", sum.RunID, sum.SegmentsFailed)
		return exitFailure
	}
	return exitOK
}
