package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/obdtrack/internal/archive"
	"github.com/shaunagostinho/obdtrack/internal/hub"
	"github.com/shaunagostinho/obdtrack/internal/ingest"
	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/publish"
	"github.com/shaunagostinho/obdtrack/internal/route"
	"github.com/shaunagostinho/obdtrack/internal/server"
	"github.com/shaunagostinho/obdtrack/internal/store"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	listenAddr := flag.String("listen", "", "Override HTTP listen address (e.g. :8080)")
	ingestAddr := flag.String("ingest", "", "Override tracker listen address (e.g. :5013)")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *ingestAddr != "" {
		cfg.Ingest.ListenAddr = *ingestAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] %v", err)
	}
	setupLogging(cfg.Logging)
	log.Info("[main] obdtrackd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("[main] %v", err)
	}
	log.Info("[main] stopped")
}

func setupLogging(lc server.LoggingConfig) {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if lc.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func run(ctx context.Context, cfg *server.Config) error {
	metrics := ingest.NewMetrics()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return errors.Wrap(err, "create store directory")
	}
	db, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	sink := store.NewAsyncSink(db, cfg.Store.QueueSize,
		store.WithRetry(cfg.Store.RetryCount, time.Duration(cfg.Store.RetryDelayMs)*time.Millisecond),
		store.WithEnqueueTimeout(time.Duration(cfg.Store.EnqueueTimeoutMs)*time.Millisecond),
		store.WithErrorHandler(func(r *obd.Reading, err error) {
			metrics.SinkError()
			log.WithField("device", r.DeviceID).Errorf("[store] reading dropped: %v", err)
		}),
	)

	h := hub.New(
		hub.WithQueueSize(cfg.Hub.QueueSize),
		hub.WithDropHandler(func(*hub.Subscription, *obd.Reading) { metrics.HubDrop() }),
	)
	metrics.RegisterHub(h)
	registry := hub.NewRegistry()

	recorder := archive.New(cfg.Archive)
	defer recorder.Close()

	pipeline := &ingest.Pipeline{
		Decoder: obd.NewDecoder(
			obd.NewLayoutTable(cfg.Decoder.Layouts...),
			obd.WithUnitHints(cfg.Decoder.UnitHints),
		),
		Sink:             sink,
		Hub:              h,
		Registry:         registry,
		Archive:          recorder,
		Metrics:          metrics,
		ArchiveTruncated: cfg.Archive.ArchiveTruncated,
	}

	routes := route.NewService(db, newSnapper(cfg.Route, metrics))

	g, gctx := errgroup.WithContext(ctx)

	tcp := ingest.NewServer(cfg.Ingest, pipeline)
	g.Go(func() error { return tcp.ListenAndServe(gctx) })

	if cfg.Serial.Enabled {
		src := ingest.NewSerialSource(cfg.Serial, cfg.Ingest, pipeline)
		g.Go(func() error {
			runSerial(gctx, src)
			return nil
		})
	}

	for _, pub := range publishers(cfg.Publish) {
		g.Go(func() error {
			defer pub.p.Close()
			if !connectWithRetry(gctx, pub.p.Name(), pub.p, 10) {
				return nil
			}
			return publish.NewRepublisher(pub.p, h, pub.queueSize).Run(gctx)
		})
	}

	web := server.New(cfg, server.Deps{
		Hub:      h,
		Registry: registry,
		Routes:   routes,
		Readings: db,
		Gatherer: metrics.Registry(),
	})
	g.Go(func() error { return web.Run(gctx, cfg.Server.ListenAddr) })

	err = g.Wait()

	// Ingestion has stopped; flush what is queued for the store.
	h.Close()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := sink.Close(flushCtx); cerr != nil {
		log.Errorf("[store] flush incomplete (%d queued): %v", sink.Len(), cerr)
	}
	return err
}

func newSnapper(rc server.RouteConfig, metrics *ingest.Metrics) *route.Snapper {
	client := &http.Client{}
	providers := []route.Provider{
		&route.OSRM{BaseURL: rc.OSRMURL, Profile: rc.OSRMProfile, Client: client},
	}
	if rc.GoogleAPIKey != "" {
		providers = append(providers, &route.Google{BaseURL: rc.GoogleURL, APIKey: rc.GoogleAPIKey, Client: client})
	}
	snapper := route.NewSnapper(providers,
		route.WithTimeout(time.Duration(rc.TimeoutSec)*time.Second),
		route.WithObserver(metrics.ObserveSnap),
	)
	log.Infof("[route] road providers: %v", snapper.Providers())
	return snapper
}

type namedPublisher struct {
	p         publish.Publisher
	queueSize int
}

func publishers(pc server.PublishConfig) []namedPublisher {
	var out []namedPublisher
	if pc.MQTT.Enabled {
		out = append(out, namedPublisher{publish.NewMQTT(pc.MQTT), pc.MQTT.QueueSize})
	}
	if pc.NATS.Enabled {
		out = append(out, namedPublisher{publish.NewNATS(pc.NATS), pc.NATS.QueueSize})
	}
	return out
}

// runSerial keeps the bench port open, reopening it whenever it drops.
func runSerial(ctx context.Context, src *ingest.SerialSource) {
	for ctx.Err() == nil {
		if !connectWithRetry(ctx, src.Name(), src, 10) {
			return
		}
		if err := src.Run(ctx); err != nil {
			log.Warnf("[serial] %v, reconnecting", err)
		}
	}
}

// connectable is satisfied by serial sources and publishers.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It returns false if ctx
// ends first.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Warnf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Infof("[%s] connected successfully (attempt %d)", name, attempt+1)
			return true
		}
	}
}
