// Package agent defines the small surface an embedding program uses to
// drive a DTN node: submitting new payloads and observing locally
// delivered bundles. Workload generators (periodic telemetry, relay-only,
// sink-only) are built against this interface; none of them live here.
package agent

import (
	"context"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
	"github.com/dtn-relay/dtnnode/pkg/delivery"
)

// Submitter is implemented by the forwarding engine and called by an
// embedding application to originate a new bundle.
type Submitter interface {
	// Submit creates a bundle from source = this node's EID to destination,
	// persists and enqueues it for transmission, and returns its ID.
	Submit(ctx context.Context, destination bundle.EID, payload []byte, lifetime uint64) (bundleID string, err error)
}

// DeliveryObserver receives a notification for every bundle the node
// delivers locally. Implementations must return promptly; slow or blocking
// observers are the caller's own problem and must not pin the receive path.
type DeliveryObserver interface {
	OnDelivery(record delivery.Record)
}

// DeliveryObserverFunc adapts a plain function to a DeliveryObserver.
type DeliveryObserverFunc func(delivery.Record)

func (f DeliveryObserverFunc) OnDelivery(record delivery.Record) { f(record) }
