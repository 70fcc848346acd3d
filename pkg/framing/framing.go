// Package framing is a thin length-prefix layer over a rolling file (spec
// §4.H, listed there as an external collaborator of the core reservation
// engine: it calls reserve/commit exactly once per payload and otherwise
// knows nothing about headers, rolling, or multi-process coordination).
package framing

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the size, in bytes, of the length prefix itself.
const headerSize = 4

// Writer is the surface framing needs from whatever it writes into: a
// single reserve-fill-commit call per payload. [github.com/rollmap/rollmap/pkg/rollfile.LocalFile]
// and [github.com/rollmap/rollmap/pkg/rollfile.SharedFile] implement a
// compatible ReserveWrite method; Writer only needs the part of their
// surface that's used here. The rolling coordinators have no ReserveWrite
// of their own; they call Frame on their current file.
type Writer interface {
	ReserveWrite(length int64, fill func(buf []byte)) (int32, error)
}

// Frame writes p into w prefixed with a 4-byte little-endian length field
// that includes the header itself (len(p)+4).
//
// The length is written AFTER the payload bytes, as the final step of fill
// - a reader that observes a non-zero length at a given offset can safely
// read that many bytes starting there; a zero length means "still being
// written" (spec §4.H, §8 scenario 5).
func Frame(w Writer, p []byte) (int32, error) {
	total := int64(len(p)) + headerSize

	offset, err := w.ReserveWrite(total, func(buf []byte) {
		copy(buf[headerSize:], p)
		binary.LittleEndian.PutUint32(buf[:headerSize], uint32(total)) //nolint:gosec // total is bounded by Capacity, which is validated to fit in int32 upstream
	})
	if err != nil {
		return -1, fmt.Errorf("framing: %w", err)
	}

	return offset, nil
}

// Decode splits a fully-written framed buffer back into its payloads, in
// order. It stops (without error) at the first zero-length header, which
// marks either the end of the written region or a write still in flight.
func Decode(data []byte) ([][]byte, error) {
	var frames [][]byte

	for offset := 0; offset < len(data); {
		if offset+headerSize > len(data) {
			return frames, fmt.Errorf("framing: truncated header at offset %d", offset)
		}

		total := binary.LittleEndian.Uint32(data[offset : offset+headerSize])
		if total == 0 {
			break
		}

		if int(total) < headerSize {
			return frames, fmt.Errorf("framing: corrupt frame at offset %d: length %d smaller than header", offset, total)
		}

		end := offset + int(total)
		if end > len(data) {
			return frames, fmt.Errorf("framing: truncated payload at offset %d: want %d bytes, have %d", offset, total, len(data)-offset)
		}

		frames = append(frames, data[offset+headerSize:end])
		offset = end
	}

	return frames, nil
}
