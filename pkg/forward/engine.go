// Package forward implements the DTN node's forwarding engine: the
// central state machine that deduplicates, accepts bundles for local
// delivery, and drives store-and-forward transmission toward the node's
// single static neighbor with retry.
package forward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-relay/dtnnode/pkg/agent"
	"github.com/dtn-relay/dtnnode/pkg/bundle"
	"github.com/dtn-relay/dtnnode/pkg/delivery"
	"github.com/dtn-relay/dtnnode/pkg/metrics"
	"github.com/dtn-relay/dtnnode/pkg/neighbor"
	"github.com/dtn-relay/dtnnode/pkg/storage"
	"github.com/dtn-relay/dtnnode/pkg/transport"
)

// Config carries the engine's tunables, corresponding to the node-level
// configuration options of the same name.
type Config struct {
	Self             bundle.EID
	DefaultLifetime  uint64
	MaxFrameBytes    uint64
	SweeperPeriod    time.Duration
	ResendPeriod     time.Duration
	SendTimeout      time.Duration
	NumForwardWorkers int
}

// Engine is the node's forwarding engine. Use New to construct one, Start
// to begin its background activity, and Close to shut it down.
type Engine struct {
	cfg       Config
	store     *storage.Store
	neighbors *neighbor.Table
	metrics   *metrics.Metrics
	deliverLog *delivery.Log
	observer  agent.DeliveryObserver

	sem       chan struct{}
	scheduler *sweepScheduler

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup

	stopCh chan struct{}
}

var _ agent.Submitter = (*Engine)(nil)

// New constructs a forwarding engine. Call Start to begin background
// activity (the re-sweep and expiration sweep jobs).
func New(cfg Config, store *storage.Store, neighbors *neighbor.Table, m *metrics.Metrics, deliverLog *delivery.Log, observer agent.DeliveryObserver) *Engine {
	if cfg.NumForwardWorkers <= 0 {
		cfg.NumForwardWorkers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = transport.DefaultTimeout
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		neighbors:  neighbors,
		metrics:    m,
		deliverLog: deliverLog,
		observer:   observer,
		sem:        make(chan struct{}, cfg.NumForwardWorkers),
		inFlight:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic re-sweep and expiration sweep jobs and replays
// whatever non-local, non-expired, not-yet-forwarded bundles are already in
// the store (the recovery path after a restart).
func (e *Engine) Start() error {
	if e.cfg.ResendPeriod < time.Second {
		return fmt.Errorf("forward: resend period %v is shorter than a second", e.cfg.ResendPeriod)
	}
	if e.cfg.SweeperPeriod < time.Second {
		return fmt.Errorf("forward: sweeper period %v is shorter than a second", e.cfg.SweeperPeriod)
	}

	e.scheduler = newSweepScheduler(e.cfg.ResendPeriod, e.checkPending, e.cfg.SweeperPeriod, e.sweepExpired)
	e.checkPending()

	return nil
}

// Close stops the background jobs and waits for in-flight forward attempts
// to observe cancellation. In-flight outbound sends may be interrupted; the
// bundle remains in the store, so resumption is lossless.
func (e *Engine) Close() error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Engine: shutdown grace period elapsed with forward attempts still in flight")
	}

	return nil
}

// Submit implements agent.Submitter: it creates a new bundle from this
// node, persists it, enqueues it for transmission, and returns its ID.
func (e *Engine) Submit(ctx context.Context, destination bundle.EID, payload []byte, lifetime uint64) (string, error) {
	if lifetime == 0 {
		lifetime = e.cfg.DefaultLifetime
	}

	b := bundle.New(e.cfg.Self, destination, payload, nowSeconds(), lifetime)

	if err := e.store.Put(b); err != nil && err != bundle.ErrAlreadyPresent {
		return "", fmt.Errorf("forward: submit: %w", err)
	}

	e.metrics.IncSent()
	e.metrics.SetStored(e.store.Count())

	e.dispatch(b)

	return b.ID, nil
}

// OnReceived implements the listener's receive entrypoint. It must return
// promptly: the store write happens inline, forwarding is only enqueued.
func (e *Engine) OnReceived(b bundle.Bundle) {
	now := nowSeconds()

	if b.IsExpired(now) {
		e.metrics.IncExpired()
		log.WithField("bundle", b.ID).Info("Engine: dropping bundle expired in flight")
		return
	}

	if e.store.Known(b.ID) {
		e.metrics.IncDuplicate()
		log.WithField("bundle", b.ID).Debug("Engine: dropping duplicate bundle")
		return
	}

	if err := e.store.Put(b); err != nil {
		if err == bundle.ErrAlreadyPresent {
			e.metrics.IncDuplicate()
			return
		}
		log.WithFields(log.Fields{"bundle": b.ID, "error": err}).Warn("Engine: store write failed")
		return
	}
	e.metrics.IncReceived()
	e.metrics.SetStored(e.store.Count())

	if b.Destination == e.cfg.Self {
		e.deliverLocally(b, now)
		return
	}

	e.dispatch(b)
}

// deliverLocally records a delivery, invokes the application hook, and
// retains the bundle in the store for deduplication, per the
// retain-until-expiry policy.
func (e *Engine) deliverLocally(b bundle.Bundle, now float64) {
	record := delivery.Record{
		BundleID:    b.ID,
		Source:      b.Source,
		E2EDelay:    now - b.CreatedAt,
		HopCount:    b.HopCount,
		DeliveredAt: now,
	}

	if e.deliverLog != nil {
		if err := e.deliverLog.Append(record); err != nil {
			log.WithFields(log.Fields{"bundle": b.ID, "error": err}).Warn("Engine: failed to append delivery record")
		}
	}
	if e.observer != nil {
		e.observer.OnDelivery(record)
	}

	e.metrics.IncDelivered()
	log.WithFields(log.Fields{
		"bundle":    b.ID,
		"source":    b.Source,
		"hop_count": b.HopCount,
		"e2e_delay": record.E2EDelay,
	}).Info("Engine: delivered bundle locally")
}

// dispatch enqueues a non-local bundle for a forward attempt if it is not
// already being retried.
func (e *Engine) dispatch(b bundle.Bundle) {
	if b.Destination == e.cfg.Self {
		return
	}

	e.mu.Lock()
	if _, already := e.inFlight[b.ID]; already {
		e.mu.Unlock()
		return
	}
	e.inFlight[b.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.forwardLoop(b.ID)
}

// checkPending re-examines the store and (re-)enqueues every non-expired,
// non-locally-destined bundle that is neither already in flight nor already
// marked forwarded. This drives
// recovery after a restart and survival of long neighbor outages.
func (e *Engine) checkPending() {
	now := nowSeconds()

	for _, id := range e.store.IDs() {
		b, err := e.store.Get(id)
		if err != nil {
			continue
		}
		if b.Destination == e.cfg.Self {
			continue
		}
		if b.IsExpired(now) {
			continue
		}
		if e.store.Forwarded(id) {
			continue
		}
		e.dispatch(b)
	}

	e.metrics.SetStored(e.store.Count())
}

// sweepExpired deletes every bundle whose lifetime has elapsed.
func (e *Engine) sweepExpired() {
	now := nowSeconds()

	for _, id := range e.store.IDs() {
		b, err := e.store.Get(id)
		if err != nil {
			continue
		}
		if !b.IsExpired(now) {
			continue
		}

		if err := e.store.Delete(id); err != nil {
			log.WithFields(log.Fields{"bundle": id, "error": err}).Warn("Engine: failed to delete expired bundle")
			continue
		}
		e.metrics.IncExpired()
		log.WithField("bundle", id).Info("Engine: expired bundle deleted by sweeper")
	}

	e.metrics.SetStored(e.store.Count())
}

// forwardLoop drives one bundle's store-and-forward transmission to the
// node's sole neighbor, retrying with bounded exponential backoff until it
// either succeeds or the bundle expires.
func (e *Engine) forwardLoop(id string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, id)
		e.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // retries continue until the bundle expires, not until a deadline
	bo.Reset()            // apply InitialInterval to the first wait

	for {
		b, err := e.store.Get(id)
		if err != nil {
			return // deleted concurrently by the expiration sweep
		}
		if b.IsExpired(nowSeconds()) {
			return // the sweeper will reclaim it
		}
		if e.store.Forwarded(id) {
			return // already handed off to the sole neighbor; a prior goroutine's send succeeded
		}

		eid, addr, err := e.neighbors.SoleNeighbor()
		if err != nil {
			log.WithFields(log.Fields{"bundle": id, "error": err}).Debug("Engine: no neighbor configured yet")
			if !e.sleepBackoff(bo.NextBackOff()) {
				return
			}
			continue
		}

		fw := b
		if len(fw.Path) == 0 || fw.Path[len(fw.Path)-1] != e.cfg.Self {
			fw = b.Forward(e.cfg.Self)
			if err := e.store.Update(fw); err != nil {
				log.WithFields(log.Fields{"bundle": id, "error": err}).Warn("Engine: failed to persist forward image")
				if !e.sleepBackoff(bo.NextBackOff()) {
					return
				}
				continue
			}
		}

		if !e.acquire() {
			return
		}
		sendErr := transport.Send(addr.String(), fw, e.cfg.MaxFrameBytes, e.cfg.SendTimeout)
		e.release()

		if sendErr == nil {
			if err := e.store.MarkForwarded(id); err != nil {
				log.WithFields(log.Fields{"bundle": id, "error": err}).Warn("Engine: failed to persist forwarded marker")
			}
			e.metrics.IncForwarded()
			log.WithFields(log.Fields{
				"bundle":   id,
				"neighbor": eid,
				"address":  addr.String(),
			}).Info("Engine: forwarded bundle")
			return
		}

		log.WithFields(log.Fields{
			"bundle":   id,
			"neighbor": eid,
			"error":    sendErr,
		}).Warn("Engine: forward attempt failed, retrying")

		if !e.sleepBackoff(bo.NextBackOff()) {
			return
		}
	}
}

// acquire blocks for a free outbound worker slot, bounding concurrent
// outbound transmissions; returns false if the engine is shutting down.
func (e *Engine) acquire() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	case <-e.stopCh:
		return false
	}
}

func (e *Engine) release() {
	<-e.sem
}

// sleepBackoff waits for d or until the engine is closed, returning false
// in the latter case so callers can exit their retry loop promptly.
func (e *Engine) sleepBackoff(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-e.stopCh:
		return false
	}
}

// nowSeconds returns the current time as seconds since the Unix epoch.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
