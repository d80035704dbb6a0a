package bundle

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// DefaultMaxFrameBytes is the default cap on an encoded bundle's size,
// applied both on disk and on the wire.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// MarshalCbor writes the self-describing CBOR representation of a Bundle:
// a fixed eight-element array of [id, source, destination, payload,
// created_at, lifetime, hop_count, path]. This is used identically for
// disk persistence and wire transfer, per the codec's single-representation
// requirement.
func (b *Bundle) MarshalCbor(w io.Writer) error {
	idBytes, err := hex.DecodeString(b.ID)
	if err != nil {
		return &DecodeError{Reason: fmt.Sprintf("malformed id: %v", err)}
	}

	if err := cboring.WriteArrayLength(8, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(idBytes, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString([]byte(b.Source), w); err != nil {
		return err
	}
	if err := cboring.WriteByteString([]byte(b.Destination), w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(b.Payload, w); err != nil {
		return err
	}
	if err := cboring.WriteFloat(b.CreatedAt, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(b.Lifetime, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(b.HopCount, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(b.Path)), w); err != nil {
		return err
	}
	for _, hop := range b.Path {
		if err := cboring.WriteByteString([]byte(hop), w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads the CBOR representation written by MarshalCbor,
// recomputing and validating the bundle's content hash before returning.
func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	if n != 8 {
		return &DecodeError{Reason: fmt.Sprintf("expected 8-element array, got %d", n)}
	}

	idBytes, err := cboring.ReadByteString(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.ID = hex.EncodeToString(idBytes)

	source, err := cboring.ReadByteString(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.Source = EID(source)

	destination, err := cboring.ReadByteString(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.Destination = EID(destination)

	payload, err := cboring.ReadByteString(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.Payload = payload

	createdAt, err := cboring.ReadFloat(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.CreatedAt = createdAt

	lifetime, err := cboring.ReadUInt(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.Lifetime = lifetime

	hopCount, err := cboring.ReadUInt(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	b.HopCount = hopCount

	pathLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return &DecodeError{Reason: err.Error()}
	}
	path := make([]EID, pathLen)
	for i := range path {
		hop, err := cboring.ReadByteString(r)
		if err != nil {
			return &DecodeError{Reason: err.Error()}
		}
		path[i] = EID(hop)
	}
	b.Path = path

	if !b.Verify() {
		return ErrIDMismatch
	}
	if b.HopCount != uint64(len(b.Path)) {
		return &DecodeError{Reason: "hop_count does not match path length"}
	}

	return nil
}

// Encode serializes a Bundle to a byte slice, rejecting results that exceed
// maxFrameBytes.
func Encode(b Bundle, maxFrameBytes uint64) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.MarshalCbor(&buf); err != nil {
		return nil, err
	}
	if size := uint64(buf.Len()); size > maxFrameBytes {
		return nil, &OversizeError{Size: size, Max: maxFrameBytes}
	}
	return buf.Bytes(), nil
}

// Decode parses a Bundle from an encoded byte slice, rejecting input longer
// than maxFrameBytes before attempting to parse it.
func Decode(data []byte, maxFrameBytes uint64) (Bundle, error) {
	if size := uint64(len(data)); size > maxFrameBytes {
		return Bundle{}, &OversizeError{Size: size, Max: maxFrameBytes}
	}

	var b Bundle
	if err := b.UnmarshalCbor(bytes.NewReader(data)); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
