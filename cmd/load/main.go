package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"He6CRES/udprx/internal/logger"
	"He6CRES/udprx/load"
)

func main() {
	target := flag.String("target", "127.0.0.1:4003", "capture host address")
	size := flag.Int("packet-size", 4128, "datagram size in bytes")
	packets := flag.Int64("packets", 0, "datagrams to send (0 sends for -duration)")
	duration := flag.Duration("duration", 5*time.Second, "how long to send when -packets is 0")
	pps := flag.Float64("rate", 0, "datagrams per second (0 is unpaced)")
	burst := flag.Int("burst", 64, "datagrams allowed back to back when paced")
	flag.Parse()

	log, err := logger.NewLogger(logger.Config{LogLevel: logger.Info})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := load.Config{
		Target:     *target,
		PacketSize: *size,
		Packets:    *packets,
		Rate:       *pps,
		Burst:      *burst,
		Log:        log,
	}
	if *packets <= 0 {
		cfg.Duration = *duration
	}
	res, err := load.Run(ctx, cfg)
	if err != nil {
		log.Error("Synthetic load failed: %v", err)
		os.Exit(1)
	}
	secs := res.Elapsed.Seconds()
	if secs > 0 {
		fmt.Printf("sent %d packets, %.1f MB/s\n", res.Sent, float64(res.Bytes)/secs/1e6)
	}
}
