package main

import (
	"encoding/json"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	mapsink "github.com/bakins/go-metrics-map"
	logx "github.com/mistifyio/mistify-logrus-ext"
	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/pkg/connpool"
	"github.com/mistifyio/morag/pkg/deferer"
	"github.com/mistifyio/morag/pkg/kv"
	_ "github.com/mistifyio/morag/pkg/kv/consul"
	flag "github.com/ogier/pflag"
	log "github.com/Sirupsen/logrus"
	"github.com/tylerb/graceful"
)

func main() {
	d := deferer.NewDeferer(nil)
	defer d.Run()

	kvAddr := flag.StringP("kv", "k", "http://127.0.0.1:8500", "address of kv store")
	logLevel := flag.StringP("log-level", "l", "warn", "log level")
	port := flag.UintP("http", "p", 17540, "address for http metrics interface. set to 0 to disable")
	workers := flag.IntP("workers", "w", 8, "maximum concurrent background jobs")
	poolMin := flag.Int("pool-min", 1, "minimum connections per hypervisor endpoint")
	poolMax := flag.Int("pool-max", 5, "maximum connections per hypervisor endpoint")
	poolTTL := flag.Duration("pool-ttl", 30*time.Minute, "connection ttl")
	poolHealth := flag.Duration("pool-health-interval", 30*time.Second, "connection health check interval")
	flag.Parse()

	if err := logx.DefaultSetup(*logLevel); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "logx.DefaultSetup",
			"level": *logLevel,
		}).Fatal("failed to set up logging")
	}

	log.WithField("address", *kvAddr).Info("connecting to kv store")
	client, err := kv.New(*kvAddr)
	if err != nil {
		d.FatalWithFields(log.Fields{
			"error":   err,
			"address": *kvAddr,
		}, "failed to connect to kv store")
	}
	if err := client.Ping(); err != nil {
		d.FatalWithFields(log.Fields{
			"error":   err,
			"address": *kvAddr,
		}, "failed to ping kv store")
	}

	ctx := morag.NewContext(client)
	bus := morag.NewBus(ctx)
	runner := morag.NewRunner(ctx, bus, int64(*workers))
	pools := connpool.NewManager[morag.Driver](morag.NewHTTPDriver, connpool.Config{
		MinConns:            *poolMin,
		MaxConns:            *poolMax,
		TTL:                 *poolTTL,
		HealthCheckInterval: *poolHealth,
	})
	d.Defer(func() {
		log.Info("draining background jobs")
		runner.Stop()
		bus.Stop()
		pools.CloseAll()
	})

	ms := mapsink.New()
	conf := metrics.DefaultConfig("moragd")
	conf.EnableHostname = false
	m, _ := metrics.New(conf, ms)

	// count lifecycle events as they flow past
	events := bus.Subscribe()
	go func() {
		for e := range events.C {
			m.IncrCounter([]string{"events", e.Type}, 1)
		}
	}()
	d.Defer(events.Unsubscribe)

	// keep per-host pool health visible
	go func() {
		for range time.Tick(time.Minute) {
			err := ctx.ForEachHost(func(h *morag.Host) error {
				p := pools.Pool(h.URI)
				m.SetGauge([]string{"pool", h.Name, "connections"}, float32(p.Len()))
				m.SetGauge([]string{"pool", h.Name, "reconnects"}, float32(p.Reconnects()))
				return nil
			})
			if err != nil {
				log.WithField("error", err).Error("unable to walk hosts")
			}
		}
	}()

	if *port != 0 {
		http.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(ms); err != nil {
				log.WithField("error", err).Error(err)
			}
		}))

		go func() {
			if err := graceful.RunWithErr(fmt.Sprintf(":%d", *port), 5*time.Second, http.DefaultServeMux); err != nil {
				log.WithFields(log.Fields{
					"error": err,
					"func":  "graceful.Run",
				}).Fatal("error serving metrics")
			}
		}()
	}

	// the REST layer drives the orchestrators; this process supervises the
	// background work and keeps the pools warm until told to stop
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.WithField("signal", sig).Info("shutting down")
}
