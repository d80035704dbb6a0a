// Package neighbor implements the DTN node's static neighbor table: a
// read-mostly mapping from next-hop endpoint identifier to transport
// address.
package neighbor

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

// Address is a transport address a bundle may be forwarded to.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ErrUnknown is returned by Lookup when no neighbor is registered for the
// requested EID.
var ErrUnknown = fmt.Errorf("neighbor: unknown endpoint")

// Table is a thread-safe, static-after-construction map from EID to
// Address. Concurrent reads never block each other.
type Table struct {
	mu   sync.RWMutex
	rows map[bundle.EID]Address
}

// NewTable returns an empty neighbor table.
func NewTable() *Table {
	return &Table{rows: make(map[bundle.EID]Address)}
}

// Add registers (or overwrites) the next-hop address for eid.
func (t *Table) Add(eid bundle.EID, host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[eid] = Address{Host: host, Port: port}
}

// Lookup returns the configured address for eid, or ErrUnknown.
func (t *Table) Lookup(eid bundle.EID) (Address, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addr, ok := t.rows[eid]
	if !ok {
		return Address{}, ErrUnknown
	}
	return addr, nil
}

// Len returns the number of registered neighbors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// SoleNeighbor returns the node's single configured neighbor, implementing
// the static single-next-hop routing policy: every non-local bundle is
// forwarded to this one address regardless of destination. It errors if
// zero or more than one neighbor is configured, since "the one neighbor"
// is only well-defined in that case.
func (t *Table) SoleNeighbor() (bundle.EID, Address, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.rows) != 1 {
		return "", Address{}, fmt.Errorf("neighbor: static single-next-hop routing requires exactly one neighbor, got %d", len(t.rows))
	}
	for eid, addr := range t.rows {
		return eid, addr, nil
	}
	panic("unreachable")
}

// ParseNeighbors parses the comma-separated "eid:host:port" spec accepted
// by the neighbors configuration option into a populated Table.
func ParseNeighbors(spec string) (*Table, error) {
	table := NewTable()

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return table, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		// Split from the right: the EID itself may contain colons
		// (e.g. "dtn://r"), the host and port may not.
		portIdx := strings.LastIndex(entry, ":")
		if portIdx < 0 {
			return nil, fmt.Errorf("neighbor: malformed entry %q, want eid:host:port", entry)
		}
		hostIdx := strings.LastIndex(entry[:portIdx], ":")
		if hostIdx < 0 {
			return nil, fmt.Errorf("neighbor: malformed entry %q, want eid:host:port", entry)
		}

		eid, host, portStr := entry[:hostIdx], entry[hostIdx+1:portIdx], entry[portIdx+1:]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("neighbor: malformed port in %q: %w", entry, err)
		}

		table.Add(bundle.EID(eid), host, port)
	}

	return table, nil
}
