package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spacedb/bus"
	"spacedb/config"
	"spacedb/coord"
	"spacedb/distributor"
	"spacedb/engine"
	"spacedb/membership"
	"spacedb/metrics"
	"spacedb/partitioner"
	"spacedb/region"
	"spacedb/ring"
	"spacedb/stats"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "Path of a YAML node configuration (optional)")
	dataDir := flag.String("data_dir", "", "Directory of the tuple store")
	coordDir := flag.String("coord_dir", "", "Directory of the coordination store, local to this process; nodes with separate stores form separate clusters")
	metricsAddr := flag.String("metrics_addr", "", "Address serving /metrics")
	workers := flag.Int("workers", 0, "Region workers running splits and merges")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *coordDir != "" {
		cfg.CoordDir = *coordDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	if err := run(cfg); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

func run(cfg config.NodeConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := engine.Open(engine.Options{Dir: cfg.DataDir, MaxFallbacks: 5})
	if err != nil {
		return errors.Wrap(err, "open tuple store")
	}
	defer db.Close()

	inst, err := loadInstance(db, cfg)
	if err != nil {
		return err
	}

	store, err := coord.OpenPebbleStore(engine.Options{Dir: cfg.CoordDir, MaxFallbacks: 5})
	if err != nil {
		return errors.Wrap(err, "open coordination store")
	}
	defer store.Close()
	log.Printf("[INFO] Coordination store at %s serves this process only", cfg.CoordDir)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	regions := region.NewAdapter(store)
	members := membership.NewRegistry(store, cfg.NodeTTL)
	node := membership.Node{ID: inst.ID, Addr: inst.Addr, BusAddr: inst.BusAddr}

	collector := stats.New(stats.Options{
		Regions:  regions,
		Members:  members,
		Store:    db,
		Node:     node,
		Interval: cfg.StatisticsInterval,
		Probe:    stats.HostCapacity(db.Path()),
		Metrics:  m,
	})
	// the node has to be ready before a group can allocate its root
	if err := collector.Heartbeat(ctx); err != nil {
		return errors.Wrap(err, "register node")
	}

	partitions := partitioner.NewCache(&partitioner.Context{Regions: regions, Members: members, Metrics: m})
	defer partitions.Shutdown()
	for _, g := range cfg.Groups {
		if _, err := partitions.CreateGroup(ctx, g); err != nil {
			return errors.Wrapf(err, "create group %s", g.Name)
		}
	}

	pool := ring.NewPool(cfg.Workers)
	defer pool.Close()
	peers := bus.NewPool(members, bus.DefaultTimeout)
	defer peers.Close()

	dist := distributor.New(distributor.Options{
		NodeID:         inst.ID,
		Partitions:     partitions,
		Engine:         db,
		Peers:          peers,
		Workers:        pool,
		Interval:       cfg.StatisticsInterval,
		RatePerSink:    cfg.RedistributeRate,
		RoutingRetries: cfg.RoutingRetries,
		Metrics:        m,
	})
	if err := dist.Recover(ctx); err != nil {
		return err
	}

	// clients write through the main port, peers through the bus port
	clients := bus.NewServer(inst.Addr, db, dist)
	if err := clients.Listen(); err != nil {
		return err
	}
	defer clients.Close()
	peerBus := bus.NewServer(inst.BusAddr, db, dist)
	if err := peerBus.Listen(); err != nil {
		return err
	}
	defer peerBus.Close()
	go serve(clients)
	go serve(peerBus)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[WARN] Metrics server stopped: %v", err)
		}
	}()

	log.Printf("[INFO] spacedb node %s started at %s (bus: %s)", inst.ID, inst.Addr, inst.BusAddr)
	go collector.Run(ctx)
	go dist.Run(ctx)

	<-ctx.Done()
	log.Printf("[INFO] Shutting down node %s", inst.ID)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := members.Leave(shutdownCtx, node); err != nil {
		log.Printf("[WARN] Couldn't leave the cluster: %v", err)
	}
	return metricsSrv.Shutdown(shutdownCtx)
}

// loadInstance restores the identity saved by an earlier run or creates a
// new one on the first free port.
func loadInstance(db *engine.Engine, cfg config.NodeConfig) (*config.Instance, error) {
	inst, err := db.LoadInstance()
	if err == nil {
		host := cfg.Host
		if host == "" {
			if ip, err := utils.GetLocalIp(); err != nil {
				log.Printf("[WARN] Failed to get local IP: %v (using stored value)", err)
			} else {
				host = ip
			}
		}
		if err := inst.Refresh(host); err != nil {
			return nil, err
		}
		log.Printf("[INFO] Loaded instance %s from the tuple store", inst.ID)
	} else if errors.Is(err, engine.ErrNotFound) {
		if inst, err = config.NewInstance(cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}
	if err := db.SaveInstance(inst); err != nil {
		return nil, errors.Wrap(err, "save instance")
	}
	return inst, nil
}

func serve(s *bus.Server) {
	if err := s.Serve(); err != nil {
		log.Printf("[ERROR] Bus at %s stopped: %v", s.Addr(), err)
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
