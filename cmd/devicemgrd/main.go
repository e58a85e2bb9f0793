package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/addrtracker"
	"github.com/xmidt-org/devicemgr/config"
	"github.com/xmidt-org/devicemgr/controlplane"
	"github.com/xmidt-org/devicemgr/devicebuffer"
	"github.com/xmidt-org/devicemgr/internal/server"
	"github.com/xmidt-org/devicemgr/persiststore"
	"github.com/xmidt-org/devicemgr/persiststore/sqlitekv"
	"github.com/xmidt-org/devicemgr/publishdrain"
	"github.com/xmidt-org/devicemgr/runtime"
	"github.com/xmidt-org/devicemgr/transport/buslink"
	"github.com/xmidt-org/devicemgr/transport/mqttpublish"
)

// devicemgrd: the offline buffering daemon. It wires one or more bus
// pollers into a controlplane.Core of per-address device buffers, drains
// them to whatever publish sinks are configured, and exposes the
// control-plane REST surface plus a websocket status-push channel.
func main() {
	startGops()

	cfgPath := os.Getenv("DEVICEMGR_CONFIG")
	if cfgPath == "" {
		cfgPath = "devicemgr.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config %s: %v", cfgPath, err)
	}

	var kv persiststore.KV
	if cfg.Persist.Enabled {
		store, err := sqlitekv.Open(sqlitekv.Config{Path: cfg.Persist.Path})
		if err != nil {
			log.Fatalf("open persistence store: %v", err)
		}
		defer store.Close()
		kv = store
	}

	opts := cfg.ToOptions()
	core := controlplane.New()
	tracker := addrtracker.NewRegistry(opts.OkMax, opts.FailMax)

	busAddrs := make([]dm.BusAddr, 0, len(cfg.Layouts))
	for typeName, layout := range cfg.Layouts {
		addr := dm.BusAddr(len(busAddrs) + 1)
		busAddrs = append(busAddrs, addr)

		var persist *persiststore.Store
		if kv != nil {
			persist = persiststore.New(kv, typeName)
		}
		buf, err := devicebuffer.New(devicebuffer.Config{
			RingEntries:           opts.DefaultRingEntries,
			PersistEntries:        uint32(opts.DefaultPersistEntries),
			PayloadSize:           layout.PayloadSize,
			TimestampBytes:        layout.TimestampBytes,
			TimestampResolutionUs: layout.TimestampResolutionUs,
		}, persist)
		if err != nil {
			log.Fatalf("create buffer for %s: %v", typeName, err)
		}
		core.Register(addr, typeName, buf)
	}

	var sinks []publishdrain.Sink
	if cfg.MQTT.Enabled {
		mqttSink, err := mqttpublish.Connect(mqttpublish.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         cfg.MQTT.QoS,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			log.Fatalf("connect mqtt sink: %v", err)
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}
	if cfg.InfluxDB.Enabled {
		influxSink, err := publishdrain.ConnectInflux(publishdrain.InfluxConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		})
		if err != nil {
			log.Fatalf("connect influxdb sink: %v", err)
		}
		defer influxSink.Close()
		sinks = append(sinks, influxSink)
	}

	hub := buslink.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drain := publishdrain.New("offline-bus", core, sinks...)
	drain.MaxPerAddress = opts.MaxPerPublishGlobal
	go runDrainLoop(ctx, drain, hub)

	listenAddr := os.Getenv("DEVICEMGR_CONTROL_ADDR")
	if listenAddr == "" {
		listenAddr = ":8091"
	}
	_, errCh, err := server.StartControlPlaneServer(ctx, server.ControlPlaneConfig{ListenAddr: listenAddr, Core: core})
	if err != nil {
		log.Fatalf("start control-plane server: %v", err)
	}
	go func() {
		if err := <-errCh; err != nil {
			log.Printf("control-plane server error: %v", err)
		}
	}()

	busLinkAddr := os.Getenv("DEVICEMGR_BUSLINK_ADDR")
	if busLinkAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		go func() {
			log.Printf("buslink websocket listening on %s", busLinkAddr)
			if err := http.ListenAndServe(busLinkAddr, mux); err != nil {
				log.Printf("buslink server error: %v", err)
			}
		}()
	}

	if cfg.BusPoll.Enabled {
		loop := &runtime.BusLoop{
			Poller:   runtime.NewHTTPBusPoller(cfg.BusPoll.BaseURL),
			Core:     core,
			Tracker:  tracker,
			Addrs:    busAddrs,
			Interval: time.Duration(cfg.BusPoll.IntervalMs) * time.Millisecond,
		}
		go loop.Run(ctx)
	}

	// The hysteresis registry needs periodic sweeping regardless of whether
	// a bus poller is wired in, to reap addresses flagged gone by any
	// Observe call (the bus loop above, or an external process driving the
	// control API directly).
	go runSweepLoop(ctx, tracker)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Printf("devicemgrd running; control plane on %s", listenAddr)
	<-sigCh
	log.Printf("shutdown signal received; stopping")
	cancel()
}

// runDrainLoop ticks the publish drain on a fixed interval, pushing a
// buslink status event summarizing each tick that published records.
func runDrainLoop(ctx context.Context, drain *publishdrain.Drain, hub *buslink.Hub) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := drain.Tick(ctx)
			if err != nil {
				log.Printf("publish drain tick: %v", err)
				continue
			}
			if report.Published > 0 {
				hub.Broadcast(buslink.Event{Type: "drain_tick", Data: report})
			}
		}
	}
}

// runSweepLoop periodically removes addresses the hysteresis tracker has
// flagged gone after an offline transition, completing the two-phase
// mark-then-sweep removal so a single Observe call never removes an
// address out from under a caller still inspecting it.
func runSweepLoop(ctx context.Context, tracker *addrtracker.Registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := tracker.Sweep(); len(removed) > 0 {
				log.Printf("swept %d address(es) flagged gone", len(removed))
			}
		}
	}
}

func startGops() {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}
