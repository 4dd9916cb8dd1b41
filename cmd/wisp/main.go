package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wisp-net/wisp/config"
	"github.com/wisp-net/wisp/metrics"
	"github.com/wisp-net/wisp/network"
	"github.com/wisp-net/wisp/routing"
	"github.com/wisp-net/wisp/state"
	"github.com/wisp-net/wisp/store"
	"github.com/wisp-net/wisp/table"
	"github.com/wisp-net/wisp/types"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	self := types.RandomID()
	if cfg.NodeID != "" {
		if self, err = types.ParseID(cfg.NodeID); err != nil {
			logger.Fatal("bad node_id in config", zap.Error(err))
		}
	}
	logger.Info("starting", zap.Stringer("id", self))

	m := metrics.New()
	policy := state.New(table.New(self), logger,
		routing.WithNodeTimeout(cfg.NodeTimeout.Std()),
		routing.WithRangeTimeout(cfg.RangeTimeout.Std()))
	srv, err := network.Listen(cfg.Listen, policy, store.New(),
		network.WithQueryTimeout(cfg.QueryTimeout.Std()),
		network.WithTokenLifetime(cfg.TokenLifetime.Std()),
		network.WithLogger(logger),
		network.WithMetrics(m))
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	policy.SetNetwork(srv)
	logger.Info("listening", zap.String("addr", srv.NodePort().String()))

	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsListen); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go bootstrap(cfg.Bootstrap, srv, policy, logger)
	go func() {
		for range time.Tick(30 * time.Second) {
			m.SetTableNodes(policy.NodeCount())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	if err := srv.Close(); err != nil {
		logger.Error("close failed", zap.Error(err))
	}
}

// bootstrap pings each configured router, asks it once for the nodes
// closest to the router's own ID, and feeds the answers into the routing
// table.
func bootstrap(routers []string, srv *network.Server, policy *state.Actor, logger *zap.Logger) {
	for _, router := range routers {
		ua, err := net.ResolveUDPAddr("udp4", router)
		if err != nil {
			logger.Warn("bad bootstrap address",
				zap.String("router", router), zap.Error(err))
			continue
		}
		ep := types.NormalizeEndpoint(ua.AddrPort())
		id, ok, err := srv.Ping(ep)
		if err != nil || !ok {
			logger.Warn("bootstrap router unreachable",
				zap.String("router", router), zap.Error(err))
			continue
		}
		peer := types.Peer{ID: id, Addr: ep}
		policy.NotifySuccess(peer)
		nodes, err := srv.FindNode(peer)
		if err != nil {
			continue
		}
		for _, p := range nodes {
			policy.InsertNode(p)
		}
		logger.Info("bootstrapped",
			zap.String("router", router), zap.Int("nodes", len(nodes)))
	}
}

func initLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
