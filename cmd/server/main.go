package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/ncpmesh/internal/config"
	"github.com/ryandielhenn/ncpmesh/internal/telemetry"
	"github.com/ryandielhenn/ncpmesh/pkg/discovery"
	"github.com/ryandielhenn/ncpmesh/pkg/node"
	"github.com/ryandielhenn/ncpmesh/pkg/registry"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// 1. Bind every node. Any bind failure aborts the whole process.
	var hub *discovery.Hub
	if cfg.DiscoveryMode == config.ModeInproc {
		hub = discovery.NewHub()
	}

	nodes := make([]*node.Node, 0, cfg.Nodes)
	closeAll := func() {
		for _, n := range nodes {
			n.Close()
		}
	}
	for i := range cfg.Nodes {
		disc, err := newTransport(cfg, i, hub)
		if err != nil {
			closeAll()
			return fmt.Errorf("node %d discovery: %w", i, err)
		}
		n, err := node.New(node.Config{
			ID:               uint16(i),
			ListenAddr:       cfg.NodeAddr(i),
			AnnounceInterval: cfg.AnnounceInterval,
			ConnectInterval:  cfg.ConnectInterval,
			DialTimeout:      cfg.DialTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			Handler:          node.LogHandler(logger.Named("messages")),
			Logger:           logger,
		}, disc)
		if err != nil {
			disc.Close()
			closeAll()
			return fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	telemetry.SetBuildInfo(version, nodes[0].Instance())
	logger.Info("simulation starting",
		zap.Int("nodes", cfg.Nodes),
		zap.String("discovery", cfg.DiscoveryMode),
		zap.String("version", version),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// 2. Optional etcd rendezvous alongside broadcast discovery.
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := registry.NewEtcdClient(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			closeAll()
			return fmt.Errorf("etcd: %w", err)
		}
		defer cli.Close()
		logger.Info("etcd client created", zap.Strings("endpoints", cli.Endpoints()))

		for _, n := range nodes {
			lease, err := registry.RegisterNode(gctx, cli, n.ID(), n.Addr(), cfg.EtcdTTL)
			if err != nil {
				closeAll()
				return fmt.Errorf("etcd register node %d: %w", n.ID(), err)
			}
			defer func() {
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_, _ = cli.Revoke(rctx, lease)
			}()
			g.Go(func() error {
				err := registry.WatchPeers(gctx, cli, n.Registry(), logger.With(zap.Uint16("node", n.ID())))
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	for _, n := range nodes {
		g.Go(func() error { return n.Run(gctx) })
	}

	// 3. Diagnostics.
	if cfg.HTTPAddr != "" {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: node.NewMux(nodes)}
		g.Go(func() error {
			logger.Info("diagnostics listening", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	logger.Info("simulation stopped")
	return err
}

func newTransport(cfg config.Config, i int, hub *discovery.Hub) (discovery.Transport, error) {
	if hub != nil {
		return hub.Join(fmt.Sprintf("node-%d", i), cfg.DiscoveryPoll), nil
	}
	return discovery.NewUDPTransport(discovery.UDPConfig{
		ListenAddr: cfg.DiscoveryBindAddr(i),
		Targets:    cfg.AnnounceTargets(),
		SharedPort: cfg.DiscoveryMode == config.ModeShared,
		PollWindow: cfg.DiscoveryPoll,
	})
}
