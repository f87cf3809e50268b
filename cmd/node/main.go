// Package main runs one cdcfleet node: a coordinator that shares task
// ownership with its peers through the coordination store, and the HTTP
// task API in front of it.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API (gin):                        │
//	│    /api/v1/tasks/*  - task lifecycle    │
//	│    /api/v1/nodes    - cluster members   │
//	│    /health          - liveness          │
//	│    /metrics         - Prometheus        │
//	├─────────────────────────────────────────┤
//	│  Coordinator:                           │
//	│    leases, heartbeats, orphan scans     │
//	│    local CDC engines                    │
//	├─────────────────────────────────────────┤
//	│  Redis client (coordination store)      │
//	└─────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (-config or CDC_CONFIG)
// with environment overrides:
//   - NODE_ID: node identifier (default: hostname:port)
//   - NODE_LISTEN: listen address (default: ":8090")
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: coordination store
//   - CDC_KEY_PREFIX: store key prefix (default: "cdc")
//   - CDC_DATA_DIR: engine offset directory
//   - LOG_LEVEL: logrus level
//
// Example usage:
//
//	REDIS_ADDR=127.0.0.1:6379 NODE_ID=node-1 ./node
//
//	curl -X POST localhost:8090/api/v1/tasks/orders/start -d @orders.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/api"
	"github.com/dreamware/cdcfleet/internal/config"
	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/connector/engines"
	"github.com/dreamware/cdcfleet/internal/coordinator"
	"github.com/dreamware/cdcfleet/internal/logging"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// logFatal is a variable so tests can intercept fatal errors
var logFatal = logrus.Fatalf

const (
	httpShutdownTimeout = 5 * time.Second
	drainTimeout        = 30 * time.Second
)

func main() {
	configPath := flag.String("config", getenv("CDC_CONFIG", ""), "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("load config: %v", err)
		return
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logFatal("logging: %v", err)
		return
	}
	if log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	store := storage.NewRedisStore(storage.RedisOptions{
		Addr:         cfg.Store.Addr,
		Password:     cfg.Store.Password,
		DB:           cfg.Store.DB,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.OpTimeout,
		WriteTimeout: cfg.Store.OpTimeout,
	})
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Store.DialTimeout)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		logFatal("coordination store %s: %v", cfg.Store.Addr, err)
		return
	}

	n, err := newNode(cfg, log, store, engines.Default(log))
	if err != nil {
		logFatal("%v", err)
		return
	}
	if err := n.serve(ctx); err != nil {
		logFatal("%v", err)
	}
}

// node ties the coordinator to its HTTP server
type node struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
	server  *http.Server
	ln      net.Listener
}

func newNode(cfg *config.Config, log *logrus.Logger, store storage.Store, reg *connector.Registry) (*node, error) {
	m := metrics.New()
	m.InitInfo(cfg.Node.ID, version)

	var sink coordinator.Sink
	if cfg.Engine.LogEvents {
		sink = coordinator.LogSink(log)
	}
	coord, err := coordinator.New(coordinator.Options{
		NodeID:    cfg.Node.ID,
		Store:     store,
		KeyPrefix: cfg.Store.KeyPrefix,
		Timing:    cfg.Timing,
		OpTimeout: cfg.Store.OpTimeout,
		Engines:   reg,
		Env: connector.Env{
			DataDir:      cfg.Engine.DataDir,
			SnapshotMode: cfg.Engine.SnapshotMode,
		},
		RecoverFailed:     cfg.Engine.RecoverFailed,
		HandoffOnShutdown: cfg.Engine.HandoffOnShutdown,
		Sink:              sink,
		Metrics:           m,
		Log:               log,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Node.Listen, err)
	}
	return &node{
		cfg:     cfg,
		log:     log.WithField("node", cfg.Node.ID),
		coord:   coord,
		metrics: m,
		ln:      ln,
		server: &http.Server{
			Handler:           api.NewRouter(coord, metricsHandler, log),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr is the bound HTTP address
func (n *node) Addr() string { return n.ln.Addr().String() }

// serve runs the coordinator and the HTTP server until ctx ends, then stops
// the server and releases every local task.
func (n *node) serve(ctx context.Context) error {
	if err := n.coord.Open(ctx); err != nil {
		_ = n.ln.Close()
		return fmt.Errorf("open coordinator: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		n.log.WithField("addr", n.Addr()).Info("Node listening")
		if err := n.server.Serve(n.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	n.log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := n.server.Shutdown(sctx); err != nil {
		n.log.WithError(err).Warn("HTTP shutdown error")
	}
	cancel()

	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := n.coord.Destroy(dctx); err != nil {
		n.log.WithError(err).Warn("Coordinator shutdown incomplete")
	}
	n.log.Info("Node stopped")
	return serveErr
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
