package transport

import (
	"net"
	"time"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

// DefaultTimeout bounds outbound connect and write operations so a
// black-holed peer does not pin a forward worker indefinitely.
const DefaultTimeout = 10 * time.Second

// Send dials addr, writes a single length-prefixed bundle frame, and
// closes its end of the connection. The peer's clean close of its own end
// is the only acknowledgement this protocol defines; Send does not wait
// for it.
func Send(addr string, b bundle.Bundle, maxFrameBytes uint64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	encoded, err := bundle.Encode(b, maxFrameBytes)
	if err != nil {
		return err
	}

	return writeFrame(conn, encoded)
}
