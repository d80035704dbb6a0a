// Package node assembles the DTN node's six cooperating components —
// bundle store, neighbor table, transport listener, forwarding engine,
// expiration sweeper, and metrics/delivery log — into a single running
// process, per the system overview's data-flow diagram.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-relay/dtnnode/internal/config"
	"github.com/dtn-relay/dtnnode/pkg/agent"
	"github.com/dtn-relay/dtnnode/pkg/bundle"
	"github.com/dtn-relay/dtnnode/pkg/delivery"
	"github.com/dtn-relay/dtnnode/pkg/forward"
	"github.com/dtn-relay/dtnnode/pkg/metrics"
	"github.com/dtn-relay/dtnnode/pkg/neighbor"
	"github.com/dtn-relay/dtnnode/pkg/storage"
	"github.com/dtn-relay/dtnnode/pkg/transport"
)

// Node is a single DTN node: a unique endpoint identifier plus its store,
// neighbor table, transport listener, forwarding engine, and observability
// surface.
type Node struct {
	cfg config.Config

	Store     *storage.Store
	Neighbors *neighbor.Table
	Metrics   *metrics.Metrics
	DeliveryLog *delivery.Log
	Engine    *forward.Engine

	listener   *transport.Listener
	httpServer *http.Server
}

// New constructs every component of a Node without starting any background
// activity. observer (may be nil) receives notifications for bundles
// delivered locally at this node.
func New(cfg config.Config, observer agent.DeliveryObserver) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.StorageDir, cfg.MaxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("node: opening store: %w", err)
	}

	neighbors, err := neighbor.ParseNeighbors(cfg.Neighbors)
	if err != nil {
		return nil, fmt.Errorf("node: parsing neighbors: %w", err)
	}

	m := metrics.New(cfg.NodeID)

	deliverLog, err := delivery.Open(cfg.StorageDir + "/delivery.jsonl")
	if err != nil {
		return nil, fmt.Errorf("node: opening delivery log: %w", err)
	}

	engineCfg := forward.Config{
		Self:            bundle.EID(cfg.NodeID),
		DefaultLifetime: cfg.DefaultLifetimeS,
		MaxFrameBytes:   cfg.MaxFrameBytes,
		SweeperPeriod:   time.Duration(cfg.SweeperPeriodS) * time.Second,
		ResendPeriod:    time.Duration(cfg.ResendPeriodS) * time.Second,
		SendTimeout:     transport.DefaultTimeout,
	}
	engine := forward.New(engineCfg, store, neighbors, m, deliverLog, observer)

	n := &Node{
		cfg:         cfg,
		Store:       store,
		Neighbors:   neighbors,
		Metrics:     m,
		DeliveryLog: deliverLog,
		Engine:      engine,
	}

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	n.listener = transport.NewListener(addr, cfg.MaxFrameBytes, engine.OnReceived, m.IncMalformed)

	if cfg.MetricsAddr != "" {
		n.httpServer = n.newStatusServer()
	}

	return n, nil
}

func (n *Node) newStatusServer() *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(n.Metrics.Registry(), promhttp.HandlerOpts{}))
	r.HandleFunc("/delivery-log", n.handleDeliveryLog)

	return &http.Server{
		Addr:    n.cfg.MetricsAddr,
		Handler: r,
	}
}

func (n *Node) handleDeliveryLog(w http.ResponseWriter, r *http.Request) {
	records, err := delivery.ReadAll(n.cfg.StorageDir + "/delivery.jsonl")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		log.WithError(err).Warn("Node: failed to encode delivery log response")
	}
}

// Start binds the transport listener, starts the forwarding engine's
// background jobs, and (if configured) the status HTTP server. A bind
// failure here is a fatal startup error.
func (n *Node) Start() error {
	if err := n.listener.Start(); err != nil {
		return fmt.Errorf("node: starting listener: %w", err)
	}

	if err := n.Engine.Start(); err != nil {
		return fmt.Errorf("node: starting engine: %w", err)
	}

	if n.httpServer != nil {
		go func() {
			if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("Node: status HTTP server exited")
			}
		}()
	}

	log.WithFields(log.Fields{
		"node_id": n.cfg.NodeID,
		"port":    n.cfg.ListenPort,
	}).Info("Node started")

	return nil
}

// Submit is a convenience forwarding to the engine's application hook.
func (n *Node) Submit(ctx context.Context, destination bundle.EID, payload []byte, lifetime uint64) (string, error) {
	return n.Engine.Submit(ctx, destination, payload, lifetime)
}

// Close shuts the node down: new inbound connections are refused, the
// engine's retry loops and cron jobs exit at their next checkpoint, and
// every component's close error is aggregated into a single error.
func (n *Node) Close() error {
	var result *multierror.Error

	if err := n.listener.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("listener: %w", err))
	}
	if err := n.Engine.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("engine: %w", err))
	}
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.httpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("status server: %w", err))
		}
	}
	if err := n.DeliveryLog.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("delivery log: %w", err))
	}

	return result.ErrorOrNil()
}
