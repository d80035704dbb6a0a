// Package delivery implements the append-only delivery log a destination
// node maintains for end-to-end latency analysis: one line-delimited JSON
// record per locally delivered bundle.
package delivery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

// Record is one entry in the delivery log, emitted when a bundle reaches
// its ultimate destination.
type Record struct {
	BundleID    string     `json:"bundle_id"`
	Source      bundle.EID `json:"source"`
	E2EDelay    float64    `json:"e2e_delay"`
	HopCount    uint64     `json:"hop_count"`
	DeliveredAt float64    `json:"delivered_at"`
}

// Log is an append-only, line-delimited JSON delivery log file.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the delivery log file at path for
// appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("delivery: opening log: %w", err)
	}
	return &Log{path: path, f: f}, nil
}

// Append writes a new Record, flushing it to disk before returning.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	encoded, err := json.Marshal(r)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')

	if _, err := l.f.Write(encoded); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadAll reads back every record currently in the log, for the status
// HTTP server's /delivery-log endpoint and for tests.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("delivery: malformed record: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
