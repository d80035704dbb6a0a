package transport

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

// ReceiveFunc is invoked for every successfully decoded inbound bundle. It
// is expected to return promptly — the listener performs the store write
// inline inside this callback, but must not block waiting on a forward
// attempt.
type ReceiveFunc func(bundle.Bundle)

// Listener is a bundle-framed TCP server. It accepts connections
// concurrently; each connection carries exactly one bundle.
type Listener struct {
	addr          string
	maxFrameBytes uint64
	onReceived    ReceiveFunc
	onMalformed   func()

	ln net.Listener
	wg sync.WaitGroup

	closeOnce sync.Once
	stopped   chan struct{}
}

// NewListener constructs a Listener bound to addr (host:port). Call Start
// to begin accepting connections.
func NewListener(addr string, maxFrameBytes uint64, onReceived ReceiveFunc, onMalformed func()) *Listener {
	return &Listener{
		addr:          addr,
		maxFrameBytes: maxFrameBytes,
		onReceived:    onReceived,
		onMalformed:   onMalformed,
		stopped:       make(chan struct{}),
	}
}

// Start binds the listen socket and begins accepting connections in the
// background. A bind failure is fatal and returned synchronously; all
// per-connection failures after that are recovered internally.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()

	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopped:
				return
			default:
				log.WithError(err).Warn("Listener: accept failed")
				return
			}
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	body, err := readFrame(conn, l.maxFrameBytes)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": conn.RemoteAddr(),
			"error":  err,
		}).Warn("Listener: dropping connection with malformed frame")
		if l.onMalformed != nil {
			l.onMalformed()
		}
		return
	}

	b, err := bundle.Decode(body, l.maxFrameBytes)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": conn.RemoteAddr(),
			"error":  err,
		}).Warn("Listener: dropping connection with undecodable bundle")
		if l.onMalformed != nil {
			l.onMalformed()
		}
		return
	}

	l.onReceived(b)
}

// Close stops accepting new connections and waits, up to a grace period,
// for in-flight connections to finish.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopped)
		if l.ln != nil {
			err = l.ln.Close()
		}

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn("Listener: shutdown grace period elapsed with connections still in flight")
		}
	})
	return err
}

// Addr returns the bound local address, useful when addr was given with an
// ephemeral port (":0") for tests.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
