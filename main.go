package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"dagmesh/config"
	"dagmesh/consensus"
	"dagmesh/keys"
	"dagmesh/logger"
	"dagmesh/metrics"
	"dagmesh/network"
	"dagmesh/quorum"
	"dagmesh/sigagg"
	"dagmesh/statesync"
	"dagmesh/storage"
	"dagmesh/vertex"
)

var log = logger.Logger

const quorumEvaluateInterval = 30 * time.Second

func main() {
	app := &cli.App{
		Name:        "dagmesh",
		Usage:       "DAG consensus node with adaptive quorums",
		Description: "Runs a sampling-based DAG consensus node with adaptive quorum sizing, fork resolution, threshold signatures, peer recovery and state sync",
		Version:     "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
			},
		},
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

func runNode(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	kp, err := loadOrCreateKeys(cfg.Node.KeyFile)
	if err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"address": kp.Address,
		"port":    cfg.Node.Port,
		"version": c.App.Version,
	}).Info("Starting dagmesh node")

	store, err := storage.OpenLevelStore(filepath.Join(cfg.Node.DataDir, "vertices"))
	if err != nil {
		return fmt.Errorf("failed to open vertex store: %w", err)
	}
	defer store.Close()

	if err := ensureGenesis(store, kp); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	quorumManager := quorum.NewManager(cfg.Quorum, cfg.Consensus.MinNetworkSize, metrics.NewQuorum(registry))

	peers := network.NewPeerSet()

	clock := network.NewNetworkClock()
	clock.Start(ctx)

	client := network.NewClient(kp.Address)
	tracker := newFailureTracker()
	votes := &trackedVoteClient{client: client, tracker: tracker}

	recovery := network.NewRecoveryManager(cfg.Recovery, peers, tracker,
		&statusDialer{client: client}, &pullTransferrer{client: client},
		network.ReliabilityPolicy{}, metrics.NewRecovery(registry))
	recovery.Start(ctx)

	aggregator := sigagg.NewAggregator(cfg.Signature, clock, quorumManager, metrics.NewSignature(registry))
	aggregator.RegisterSigner(kp.Address, kp.PublicKeyBytes(), network.DefaultVotingWeight)

	engine := consensus.NewEngine(cfg.Consensus, peers, votes, quorumManager,
		recovery, store, metrics.NewConsensus(registry))
	engine.Subscribe(&finalitySigner{keyPair: kp, aggregator: aggregator})

	resolver, err := consensus.NewResolver(cfg.Fork, store, peers, metrics.NewFork(registry))
	if err != nil {
		return err
	}

	synchronizer := statesync.NewSynchronizer(cfg.Sync, store,
		&syncClient{client: client}, metrics.NewSync(registry))

	handler := newNodeHandler(ctx, kp.Address, store, engine, resolver, client, peers)
	server := network.NewServer(kp.Address, cfg.Node.Port, handler)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	discovery := network.NewDiscovery(kp.Address, cfg.Node.Port, peers, cfg.Node.MaxActivePeers)
	if err := discovery.Start(ctx); err != nil {
		return fmt.Errorf("failed to start peer discovery: %w", err)
	}

	if cfg.Metrics.Enabled {
		startMetricsListener(cfg.Metrics.Port, registry)
	}

	go evaluateQuorumLoop(ctx, quorumManager, peers)
	go syncLoop(ctx, synchronizer, peers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig).Info("Received shutdown signal")

	cancel()
	log.Info("Node stopped gracefully")
	return nil
}

func loadOrCreateKeys(keyFile string) (*keys.KeyPair, error) {
	if _, err := os.Stat(keyFile); err == nil {
		kp, err := keys.LoadFromFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load node key: %w", err)
		}
		log.WithField("address", kp.Address).Info("Loaded existing node identity")
		return kp, nil
	}

	kp, err := keys.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := kp.SaveToFile(keyFile); err != nil {
		return nil, fmt.Errorf("failed to save node key: %w", err)
	}
	log.WithField("address", kp.Address).Info("Generated new node identity")
	return kp, nil
}

func ensureGenesis(store storage.Store, kp *keys.KeyPair) error {
	if store.Height() > 0 {
		return nil
	}
	genesis, err := vertex.NewGenesis(kp)
	if err != nil {
		return fmt.Errorf("failed to create genesis vertex: %w", err)
	}
	if err := store.PutVertex(genesis); err != nil {
		return fmt.Errorf("failed to store genesis vertex: %w", err)
	}
	log.WithField("vertexID", genesis.ID).Info("Initialized DAG with genesis vertex")
	return nil
}

func startMetricsListener(port int, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.WithField("addr", addr).Info("Metrics listener starting")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("Metrics listener stopped")
		}
	}()
}
