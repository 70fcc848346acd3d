// Package mmapregion owns the memory-mapped byte range and backing file
// handle shared by every rolling-file variant in [github.com/rollmap/rollmap/pkg/rollfile].
//
// A [Region] is a thin wrapper: it does not know about reservation
// protocols, headers, or rolling. It only exposes raw, naturally-aligned
// atomic access to 64-bit words inside the mapping, plus bulk byte copy and
// idempotent close. Everything else lives one layer up.
package mmapregion

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAlreadyExists is returned by [Create] when the target path already exists.
var ErrAlreadyExists = errors.New("mmapregion: file already exists")

// ErrClosed is returned by [Region.Truncate] after [Region.Close]. The
// other accessors do not check for a closed region.
var ErrClosed = errors.New("mmapregion: region is closed")

// Region is a memory-mapped byte range with an associated backing file.
//
// The region is valid from creation until [Region.Close]. Close is
// idempotent per instance and releases both the mapping and the file
// handle. A Region is exclusively owned by whatever created it - callers
// must not share one *Region between two file objects.
type Region struct {
	file *os.File
	data []byte

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Create creates a new file at path with the given length and maps it.
//
// Returns [ErrAlreadyExists] if path already exists - reopening an existing
// file must go through [Map]. If zeroFill is true, the file is explicitly
// zeroed before mapping; otherwise it is left as a sparse file (the
// filesystem guarantees zero-reads for unwritten ranges either way, but
// zeroFill avoids relying on sparse-file support).
func Create(path string, length int64, zeroFill bool) (*Region, error) {
	if length <= 0 {
		return nil, fmt.Errorf("mmapregion: length must be > 0, got %d", length)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyExists
		}

		return nil, fmt.Errorf("mmapregion: create %q: %w", path, err)
	}

	if err := file.Truncate(length); err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("mmapregion: truncate %q: %w", path, err)
	}

	if zeroFill {
		if err := zeroFillFile(file, length); err != nil {
			_ = file.Close()
			_ = os.Remove(path)

			return nil, fmt.Errorf("mmapregion: zero-fill %q: %w", path, err)
		}
	}

	region, err := mapOpenFile(file, length)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return nil, err
	}

	return region, nil
}

// Map opens and maps an existing file at path.
//
// The file's current size on disk determines the mapping length.
func Map(path string) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapregion: open %q: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("mmapregion: stat %q: %w", path, err)
	}

	region, err := mapOpenFile(file, info.Size())
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return region, nil
}

func mapOpenFile(file *os.File, length int64) (*Region, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmapregion: mmap %q: %w", file.Name(), err)
	}

	return &Region{file: file, data: data}, nil
}

func zeroFillFile(file *os.File, length int64) error {
	const chunkSize = 1 << 20

	zeros := make([]byte, chunkSize)

	var written int64
	for written < length {
		n := chunkSize
		if remaining := length - written; remaining < int64(n) {
			n = int(remaining)
		}

		wrote, err := file.WriteAt(zeros[:n], written)
		if err != nil {
			return err
		}

		written += int64(wrote)
	}

	return file.Sync()
}

// Len returns the length of the mapped region in bytes.
func (r *Region) Len() int64 {
	return int64(len(r.data))
}

// Path returns the backing file's path.
func (r *Region) Path() string {
	return r.file.Name()
}

// Bytes returns the full mapped byte slice.
//
// The slice is shared with the OS mapping - writes through it are writes to
// the file. Callers must not retain it past [Region.Close].
func (r *Region) Bytes() []byte {
	return r.data
}

// wordAt returns a pointer to the naturally-aligned uint64 at offset.
//
// Panics if offset is not 8-byte aligned or out of bounds - both are
// programming errors in callers, which only ever address the fixed header
// offsets or lengths they have already bounds-checked.
func (r *Region) wordAt(offset int64) *uint64 {
	if offset < 0 || offset%8 != 0 || offset+8 > int64(len(r.data)) {
		panic(fmt.Sprintf("mmapregion: invalid atomic word offset %d (region len %d)", offset, len(r.data)))
	}

	return (*uint64)(unsafe.Pointer(&r.data[offset]))
}

// LoadUint64 atomically loads the 64-bit word at offset.
func (r *Region) LoadUint64(offset int64) uint64 {
	return atomic.LoadUint64(r.wordAt(offset))
}

// StoreUint64 atomically stores value at offset.
func (r *Region) StoreUint64(offset int64, value uint64) {
	atomic.StoreUint64(r.wordAt(offset), value)
}

// AddUint64 atomically adds delta to the word at offset and returns the new value.
func (r *Region) AddUint64(offset int64, delta uint64) uint64 {
	return atomic.AddUint64(r.wordAt(offset), delta)
}

// CompareAndSwapUint64 atomically compares and swaps the word at offset.
func (r *Region) CompareAndSwapUint64(offset int64, old, newValue uint64) bool {
	return atomic.CompareAndSwapUint64(r.wordAt(offset), old, newValue)
}

// PutBytes copies src into the mapping starting at dstOffset.
//
// Callers are responsible for disjointness between concurrent writers -
// PutBytes itself does no locking.
func (r *Region) PutBytes(dstOffset int64, src []byte) {
	copy(r.data[dstOffset:dstOffset+int64(len(src))], src)
}

// Truncate truncates the backing file to size.
//
// This does not shrink or move the existing mapping; it is intended to be
// called just before [Region.Close] to trim trailing unused capacity.
func (r *Region) Truncate(size int64) error {
	if r.closed.Load() {
		return ErrClosed
	}

	if err := r.file.Truncate(size); err != nil {
		return fmt.Errorf("mmapregion: truncate %q: %w", r.file.Name(), err)
	}

	return nil
}

// Close flushes, unmaps, and closes the backing file handle.
//
// Idempotent: subsequent calls return the same result as the first.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		syncErr := unix.Msync(r.data, unix.MS_SYNC)

		unmapErr := unix.Munmap(r.data)

		closeErr := r.file.Close()

		r.closeErr = errors.Join(
			wrapIfErr("msync", r.file.Name(), syncErr),
			wrapIfErr("munmap", r.file.Name(), unmapErr),
			wrapIfErr("close", r.file.Name(), closeErr),
		)
	})

	return r.closeErr
}

func wrapIfErr(op, path string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("mmapregion: %s %q: %w", op, path, err)
}
