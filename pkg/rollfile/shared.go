package rollfile

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rollmap/rollmap/pkg/mmapregion"
)

// SharedFile is the multi-process reservation engine (spec §4.C).
//
// It is identical to [LocalFile] except that the reservation cursor, the
// completion cursor, and the finalized-size marker all live inside the
// mapped file's 32-byte header instead of process memory, so any process
// that maps the same path cooperates on the same cursors.
type SharedFile struct {
	region *mmapregion.Region

	// Per-instance pending bookkeeping, exactly as in LocalFile - these are
	// NOT the shared header cursors and do not reflect other writers.
	localReserved  atomic.Int64
	localCompleted atomic.Int64

	// truncateOnClose is set only on the instance whose overflow won the
	// CAS on the header's file_size field. Only that instance is the
	// designated truncator; every other instance (in this process or any
	// other) must simply unmap on close (spec §4.C, §9 "Truncation
	// designation").
	truncateOnClose atomic.Bool
}

// CreateSharedFile creates a new file of the given usable capacity (the
// header's 32 bytes are added on top) at path, and initializes its header.
func CreateSharedFile(path string, capacity int64, zeroFill bool) (*SharedFile, error) {
	region, err := mmapregion.Create(path, capacity+headerSize, zeroFill)
	if err != nil {
		if err == mmapregion.ErrAlreadyExists { //nolint:errorlint // sentinel never wrapped
			return nil, fmt.Errorf("rollfile: create %q: %w: %w", path, ErrAlreadyExists, mmapregion.ErrAlreadyExists)
		}

		return nil, err
	}

	initHeader(region)

	return &SharedFile{region: region}, nil
}

// OpenSharedFile maps an existing file and runs the (idempotent) header
// initialization handshake, in case it raced a concurrent creator.
func OpenSharedFile(path string) (*SharedFile, error) {
	region, err := mmapregion.Map(path)
	if err != nil {
		return nil, err
	}

	initHeader(region)

	return &SharedFile{region: region}, nil
}

// MapSharedFile dispatches to [CreateSharedFile] or [OpenSharedFile]
// depending on whether path already exists (spec §4.C "map(path)").
func MapSharedFile(path string, capacity int64, zeroFill bool) (*SharedFile, error) {
	f, err := CreateSharedFile(path, capacity, zeroFill)
	if err == nil {
		return f, nil
	}

	if !isAlreadyExists(err) {
		return nil, err
	}

	return OpenSharedFile(path)
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, mmapregion.ErrAlreadyExists)
}

// Path returns the backing file path.
func (f *SharedFile) Path() string { return f.region.Path() }

// Capacity returns file_size (the mapped file's length) minus the 32-byte
// header - the usable data capacity, per spec §4.C.
func (f *SharedFile) Capacity() int64 {
	return f.region.Len() - headerSize
}

// HasAvailableCapacity reports whether a subsequent reservation could still
// land inside the file.
func (f *SharedFile) HasAvailableCapacity() bool {
	return f.region.LoadUint64(offNextWrite) < uint64(f.region.Len())
}

// Write reserves, copies, and commits p against the shared header cursors.
func (f *SharedFile) Write(p []byte) (int32, error) {
	return f.ReserveWrite(int64(len(p)), func(buf []byte) { copy(buf, p) })
}

// ReserveWrite mirrors [LocalFile.ReserveWrite]: reserve, let fill place the
// bytes, commit - against the shared header cursors instead of process
// memory.
func (f *SharedFile) ReserveWrite(length int64, fill func(buf []byte)) (int32, error) {
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

	defer f.commit(length)

	fill(f.region.Bytes()[offset : offset+length])

	return int32(offset), nil
}

// Finish forces finalization by reserving more than any remaining capacity.
func (f *SharedFile) Finish() error {
	_, _, err := f.reserve(math.MaxInt32)
	return err
}

// reserve mirrors [LocalFile.reserve] but operates on the in-file header
// words via atomic CAS, and additionally designates a truncator.
//
// It preserves the documented quirk from spec §9 Open Question (b): the
// phantom commit on overflow uses the FULL requested length, not the
// partial remainder that actually fit - this over-commits write_complete
// by construction, matching the original behavior rather than "fixing" the
// arithmetic.
func (f *SharedFile) reserve(length int64) (offset int64, overflowed bool, err error) {
	fileLen := f.region.Len()

	for {
		cur := int64(f.region.LoadUint64(offNextWrite))
		if cur >= fileLen {
			// Already full: nothing reserved, caller returns NullOffset.
			return -1, false, nil
		}

		next := cur + length
		if !f.region.CompareAndSwapUint64(offNextWrite, uint64(cur), uint64(next)) {
			continue
		}

		f.localReserved.Add(1)

		if next > fileLen {
			f.commit(length)

			if f.region.CompareAndSwapUint64(offFileSize, 0, uint64(cur)) {
				f.truncateOnClose.Store(true)
			}

			return 0, true, nil
		}

		return cur, false, nil
	}
}

func (f *SharedFile) commit(length int64) {
	f.region.AddUint64(offWriteComplete, uint64(length))
	f.localCompleted.Add(1)
}

// IsPending reports whether this instance has outstanding reservations
// that have not yet committed (instance-local, like [LocalFile.IsPending]).
func (f *SharedFile) IsPending() bool {
	return f.localReserved.Load() != f.localCompleted.Load()
}

// IsFinished reports whether every writer (in every process) has finished
// and the file has been finalized: write_complete == next_write >= file_size > 0.
func (f *SharedFile) IsFinished() bool {
	wc := f.region.LoadUint64(offWriteComplete)
	nw := f.region.LoadUint64(offNextWrite)
	fs := f.region.LoadUint64(offFileSize)

	return wc == nw && wc >= fs && fs > 0
}

// Close fails if IsPending. Only the designated truncator (the instance
// whose overflow reservation won the file_size CAS) truncates the backing
// file; every other instance just unmaps - truncating from more than one
// process risks cutting off bytes a peer has already reserved.
func (f *SharedFile) Close() error {
	if f.IsPending() {
		return ErrPending
	}

	if f.truncateOnClose.Load() {
		if err := f.region.Truncate(int64(f.region.LoadUint64(offFileSize))); err != nil {
			return err
		}
	}

	return f.region.Close()
}
