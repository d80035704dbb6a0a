// Package bundle implements the DTN bundle data model: a self-contained
// application datagram carrying source/destination endpoint identifiers,
// a time-to-live, and the path of hops it has traversed.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// EID is an opaque endpoint identifier naming a DTN node.
type EID string

// Bundle is the in-memory representation of a DTN bundle, per the data
// model's field table. Stored bundles are never mutated in place; Forward
// produces a new image with an incremented HopCount and an appended Path
// entry.
type Bundle struct {
	ID          string
	Source      EID
	Destination EID
	Payload     []byte
	CreatedAt   float64
	Lifetime    uint64
	HopCount    uint64
	Path        []EID
}

// New creates a Bundle from its constituent fields and derives its ID. The
// caller supplies CreatedAt (seconds since epoch) so that retransmissions of
// the same logical submission collide on the same ID by construction.
func New(source, destination EID, payload []byte, createdAt float64, lifetime uint64) Bundle {
	b := Bundle{
		Source:      source,
		Destination: destination,
		Payload:     payload,
		CreatedAt:   createdAt,
		Lifetime:    lifetime,
		HopCount:    0,
		Path:        nil,
	}
	b.ID = deriveID(source, destination, payload, createdAt)
	return b
}

// deriveID computes the content-addressed bundle identifier:
// hex(sha256(source || "\0" || destination || "\0" || payload || "\0" || repr(created_at))[:16]).
//
// repr(created_at) uses a fixed-precision decimal rendering so that the same
// float64 always serializes identically across platforms.
func deriveID(source, destination EID, payload []byte, createdAt float64) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(destination))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(reprCreatedAt(createdAt)))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// reprCreatedAt renders a created_at timestamp as a canonical decimal string.
func reprCreatedAt(createdAt float64) string {
	return strconv.FormatFloat(createdAt, 'f', 9, 64)
}

// IsExpired reports whether the bundle's lifetime has elapsed as of now
// (seconds since epoch).
func (b Bundle) IsExpired(now float64) bool {
	return now > b.CreatedAt+float64(b.Lifetime)
}

// Forward returns a new bundle image with HopCount incremented and self
// appended to Path, per the hop-count law: HopCount == len(Path).
func (b Bundle) Forward(self EID) Bundle {
	next := b
	next.Path = append(append([]EID(nil), b.Path...), self)
	next.HopCount = uint64(len(next.Path))
	return next
}

// Verify recomputes the content hash and reports whether it matches the
// bundle's stored ID, guarding against a tampered or corrupted frame.
func (b Bundle) Verify() bool {
	return b.ID == deriveID(b.Source, b.Destination, b.Payload, b.CreatedAt)
}
