package rollfile

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rollmap/rollmap/pkg/mmapregion"
)

// LocalFile is the single-process reservation engine (spec §4.B).
//
// All bookkeeping (the reservation cursor, the completion cursor, and the
// finalized-size marker) lives in ordinary process memory - there is no
// on-disk header. A LocalFile cannot be safely reopened by a second
// process; use [SharedFile] for that.
type LocalFile struct {
	region *mmapregion.Region

	nextWriteOffset atomic.Int64
	writeComplete   atomic.Int64
	finalFileSize   atomic.Int64 // -1 until finalized

	// Per-instance pending bookkeeping (spec's "pending_local"): counts
	// reservations and commits issued through THIS instance only.
	localReserved  atomic.Int64
	localCompleted atomic.Int64
}

// CreateLocalFile creates a new capacity-byte file at path and returns a
// writer over it.
func CreateLocalFile(path string, capacity int64, zeroFill bool) (*LocalFile, error) {
	region, err := mmapregion.Create(path, capacity, zeroFill)
	if err != nil {
		if err == mmapregion.ErrAlreadyExists { //nolint:errorlint // sentinel never wrapped
			return nil, fmt.Errorf("rollfile: create %q: %w: %w", path, ErrAlreadyExists, mmapregion.ErrAlreadyExists)
		}

		return nil, err
	}

	f := &LocalFile{region: region}
	f.finalFileSize.Store(-1)

	return f, nil
}

// Path returns the backing file path.
func (f *LocalFile) Path() string { return f.region.Path() }

// Capacity returns the usable capacity in bytes.
func (f *LocalFile) Capacity() int64 { return f.region.Len() }

// HasAvailableCapacity reports whether a subsequent reservation could still
// land inside the file, without actually reserving anything. Used by the
// rolling coordinator as a cheap pre-check before attempting a write.
func (f *LocalFile) HasAvailableCapacity() bool {
	return f.nextWriteOffset.Load() < f.Capacity()
}

// Write reserves space for p, copies it in, and commits - in that order.
//
// Returns [NullOffset] if the file has no room (non-rolling NO_ROOM
// signal); returns a wrapped [ErrCapacityExceeded] if p could never fit in
// a file of this capacity regardless of current occupancy.
func (f *LocalFile) Write(p []byte) (int32, error) {
	return f.ReserveWrite(int64(len(p)), func(buf []byte) { copy(buf, p) })
}

// ReserveWrite reserves length bytes and invokes fill with a slice
// positioned at the reserved offset, committing once fill returns.
//
// It exists for callers, like [github.com/rollmap/rollmap/pkg/framing],
// that need control over the byte order within a single reservation (a
// length prefix written after its payload) instead of [Write]'s single
// atomic copy - reserve/commit are still each called exactly once.
func (f *LocalFile) ReserveWrite(length int64, fill func(buf []byte)) (int32, error) {
	if length > f.Capacity() {
		return NullOffset, fmt.Errorf("%w: write of %d bytes, capacity %d", ErrCapacityExceeded, length, f.Capacity())
	}

	offset, overflowed, err := f.reserve(length)
	if err != nil {
		return NullOffset, err
	}

	if overflowed || offset < 0 {
		return NullOffset, nil
	}

	// Scoped commit: runs on every exit from this point on, success or
	// failure of fill, so write_complete always catches up with
	// next_write_offset (spec §9 "scoped commit").
	defer f.commit(length)

	fill(f.region.Bytes()[offset : offset+length])

	return int32(offset), nil
}

// Finish forces finalization: it reserves a length larger than any
// remaining capacity, which always takes the overflow branch and records
// final_file_size.
func (f *LocalFile) Finish() error {
	_, _, err := f.reserve(math.MaxInt32)
	return err
}

// reserve implements the CAS-loop reservation protocol (spec §4.B Reserve).
//
// Returns (offset, overflowed, err). offset is -1 when the file was already
// full before this call: nothing was reserved and the caller must return
// [NullOffset]. overflowed is true exactly when this
// call was the first to push next_write_offset past capacity; in that case
// it has already performed the phantom commit and recorded
// final_file_size, and the caller must return [NullOffset].
func (f *LocalFile) reserve(length int64) (offset int64, overflowed bool, err error) {
	capacity := f.Capacity()

	for {
		cur := f.nextWriteOffset.Load()
		if cur >= capacity {
			// Already full: finished by a prior overflow, or filled exactly.
			return -1, false, nil
		}

		next := cur + length
		if !f.nextWriteOffset.CompareAndSwap(cur, next) {
			continue
		}

		f.localReserved.Add(1)

		if next > capacity {
			// This caller is the first to overflow: commit its own phantom
			// length so write_complete can still reach next_write_offset,
			// then record the pre-CAS offset as the final size.
			f.commit(length)
			f.finalFileSize.CompareAndSwap(-1, cur)

			return 0, true, nil
		}

		return cur, false, nil
	}
}

func (f *LocalFile) commit(length int64) {
	f.writeComplete.Add(length)
	f.localCompleted.Add(1)
}

// IsPending reports whether this instance has outstanding reservations
// that have not yet committed. Local to this instance - not shared across
// other writers of the same file.
func (f *LocalFile) IsPending() bool {
	return f.localReserved.Load() != f.localCompleted.Load()
}

// IsFinished reports whether the file has been fully written and finalized.
func (f *LocalFile) IsFinished() bool {
	wc := f.writeComplete.Load()
	return wc == f.nextWriteOffset.Load() && wc >= f.Capacity() && f.finalFileSize.Load() > 0
}

// Close fails if IsPending. On success, truncates the backing file to
// final_file_size (if finalized) and releases the mapping.
func (f *LocalFile) Close() error {
	if f.IsPending() {
		return ErrPending
	}

	if size := f.finalFileSize.Load(); size >= 0 {
		if err := f.region.Truncate(size); err != nil {
			return err
		}
	}

	return f.region.Close()
}
