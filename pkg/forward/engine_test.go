package forward

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
	"github.com/dtn-relay/dtnnode/pkg/delivery"
	"github.com/dtn-relay/dtnnode/pkg/metrics"
	"github.com/dtn-relay/dtnnode/pkg/neighbor"
	"github.com/dtn-relay/dtnnode/pkg/storage"
	"github.com/dtn-relay/dtnnode/pkg/transport"
)

func newTestEngine(t *testing.T, self bundle.EID) (*Engine, *storage.Store, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dtnengine")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewStore(dir, bundle.DefaultMaxFrameBytes)
	if err != nil {
		t.Fatal(err)
	}

	logPath := dir + "/delivery.jsonl"
	dlog, err := delivery.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dlog.Close() })

	cfg := Config{
		Self:            self,
		DefaultLifetime: 3600,
		MaxFrameBytes:   bundle.DefaultMaxFrameBytes,
		SweeperPeriod:   time.Second,
		ResendPeriod:    time.Second,
		SendTimeout:     time.Second,
	}

	e := New(cfg, store, neighbor.NewTable(), metrics.New(string(self)), dlog, nil)
	return e, store, logPath
}

func TestOnReceivedLocalDelivery(t *testing.T) {
	e, _, logPath := newTestEngine(t, "dtn://dest")
	defer e.Close()

	now := nowSeconds()
	b := bundle.New("dtn://src", "dtn://dest", []byte("hello"), now, 60)
	b = b.Forward("dtn://relay")

	e.OnReceived(b)

	records, err := delivery.ReadAll(logPath)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 delivery record, got %d", len(records))
	}
	if records[0].BundleID != b.ID || records[0].HopCount != 1 {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	snap := e.metrics.Snapshot()
	if snap.BundlesDelivered != 1 {
		t.Fatalf("expected bundles_delivered=1, got %d", snap.BundlesDelivered)
	}
}

func TestOnReceivedDuplicateSuppressed(t *testing.T) {
	e, _, logPath := newTestEngine(t, "dtn://dest")
	defer e.Close()

	b := bundle.New("dtn://src", "dtn://dest", []byte("dup"), nowSeconds(), 60)

	e.OnReceived(b)
	e.OnReceived(b)

	records, err := delivery.ReadAll(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 delivery record despite duplicate receipt, got %d", len(records))
	}

	snap := e.metrics.Snapshot()
	if snap.BundlesDuplicate != 1 {
		t.Fatalf("expected bundles_duplicate=1, got %d", snap.BundlesDuplicate)
	}
}

func TestOnReceivedExpiredInFlightDropped(t *testing.T) {
	e, store, _ := newTestEngine(t, "dtn://dest")
	defer e.Close()

	old := nowSeconds() - 100
	b := bundle.New("dtn://src", "dtn://dest", []byte("stale"), old, 1)

	e.OnReceived(b)

	if store.Known(b.ID) {
		t.Fatalf("expired-in-flight bundle should not be stored")
	}
	snap := e.metrics.Snapshot()
	if snap.BundlesExpired != 1 {
		t.Fatalf("expected bundles_expired=1, got %d", snap.BundlesExpired)
	}
}

func TestSubmitAndForwardToNeighbor(t *testing.T) {
	destReceived := make(chan bundle.Bundle, 1)
	ln := transport.NewListener("127.0.0.1:0", bundle.DefaultMaxFrameBytes,
		func(b bundle.Bundle) { destReceived <- b }, nil)
	if err := ln.Start(); err != nil {
		t.Fatalf("listener start failed: %v", err)
	}
	defer ln.Close()

	e, _, _ := newTestEngine(t, "dtn://src")
	defer e.Close()
	if err := e.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}

	host, port := splitTestAddr(t, ln.Addr().String())
	e.neighbors.Add("dtn://dest", host, port)

	id, err := e.Submit(context.Background(), "dtn://dest", []byte("payload"), 60)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case got := <-destReceived:
		if got.ID != id {
			t.Fatalf("received bundle id %s, want %s", got.ID, id)
		}
		if got.HopCount != 1 || len(got.Path) != 1 || got.Path[0] != "dtn://src" {
			t.Fatalf("unexpected hop metadata: hop_count=%d path=%v", got.HopCount, got.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded bundle")
	}

	snap := e.metrics.Snapshot()
	if snap.BundlesForwarded != 1 {
		t.Fatalf("expected bundles_forwarded=1, got %d", snap.BundlesForwarded)
	}
}

func splitTestAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
