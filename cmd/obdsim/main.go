// Command obdsim streams simulated tracker traffic to an obdtrackd ingest
// socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/obdtrack/internal/sim"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5013", "Ingest address")
	devices := flag.Int("devices", 1, "Number of simulated trackers")
	prefix := flag.String("prefix", "SIM", "Device id prefix")
	source := flag.String("source", "demo", `Fix source: "demo" or "nmea"`)
	nmeaPath := flag.String("nmea", "", "NMEA log to replay (with -source nmea)")
	interval := flag.Duration("interval", time.Second, "Pause between reports")
	count := flag.Int("count", 0, "Reports per device, 0 runs until interrupted or the source ends")
	heartbeat := flag.Int("heartbeat", 10, "Send a heartbeat every n reports, 0 disables")
	chunk := flag.Int("chunk", 0, "Split writes into random chunks of at most n bytes")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *devices; i++ {
		id := fmt.Sprintf("%s%013d", *prefix, i+1)
		g.Go(func() error {
			src, closeSrc, err := openSource(*source, *nmeaPath, int64(i))
			if err != nil {
				return err
			}
			defer closeSrc()
			return runDevice(gctx, *addr, sim.NewDevice(id), src, sim.StreamConfig{
				Interval:       *interval,
				Count:          *count,
				HeartbeatEvery: *heartbeat,
				MaxChunk:       *chunk,
				Seed:           int64(i),
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("[obdsim] %v", err)
	}
}

func openSource(kind, path string, seed int64) (sim.Source, func(), error) {
	switch kind {
	case "demo":
		return sim.NewDemo(time.Now().UTC(), seed), func() {}, nil
	case "nmea":
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open nmea log")
		}
		return sim.NewNMEA(f), func() { f.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown source %q", kind)
	}
}

func runDevice(ctx context.Context, addr string, dev *sim.Device, src sim.Source, cfg sim.StreamConfig) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "%s: dial %s", dev.ID, addr)
	}
	defer conn.Close()

	log.WithField("device", dev.ID).Infof("[obdsim] connected to %s (%s source)", addr, src.Name())
	sent, err := sim.Stream(ctx, conn, dev, src, cfg)
	log.WithField("device", dev.ID).Infof("[obdsim] sent %d reports", sent)
	return errors.Wrap(err, dev.ID)
}
