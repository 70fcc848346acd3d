package rollfile

import "github.com/rollmap/rollmap/pkg/mmapregion"

// Multi-process file header layout (32 bytes, little-endian, fixed offsets).
// See spec §3 "Multi-process file header".
const (
	offDataStart     int64 = 0
	offFileSize      int64 = 8
	offNextWrite     int64 = 16
	offWriteComplete int64 = 24

	headerSize int64 = 32
)

// initHeader runs the nested CAS initialization handshake.
//
// Only a winning initializer (the CAS on data_start that observes 0)
// advances next_write and write_complete; an opener that loses the first
// CAS leaves the remaining fields untouched and trusts the winner (or a
// prior winner from an earlier process) to have already set them. An opener
// therefore never mixes its own writes into a header another initializer
// started. If a creator stopped between the CASes, a later opener finds
// data_start already set and leaves the remaining fields as they are.
func initHeader(region *mmapregion.Region) {
	if region.CompareAndSwapUint64(offDataStart, 0, uint64(headerSize)) {
		region.CompareAndSwapUint64(offNextWrite, 0, uint64(headerSize))
		region.CompareAndSwapUint64(offWriteComplete, 0, uint64(headerSize))
	}
}
