// Package transport implements the DTN node's reliable unicast transport:
// a bundle-framed TCP listener and a framed-send client. Wire format per
// bundle: a 4-byte big-endian length prefix followed by exactly that many
// bytes of the serialized bundle. One connection carries exactly one
// bundle; the sender closes after writing the frame, and the receiver's
// clean close is the only acknowledgement.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const lengthPrefixSize = 4

// ErrShortFrame is returned when a connection is closed before a complete
// length-prefixed frame could be read.
var ErrShortFrame = fmt.Errorf("transport: short read on frame")

// writeFrame writes the 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

// readFrame reads a single length-prefixed frame, rejecting announced
// lengths over maxFrameBytes before attempting to read the body.
func readFrame(r io.Reader, maxFrameBytes uint64) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("transport: zero-length frame")
	}
	if uint64(length) > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame length %d exceeds max %d", length, maxFrameBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	return body, nil
}
