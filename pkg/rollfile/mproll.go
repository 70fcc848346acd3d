package rollfile

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollmap/rollmap/pkg/framing"
)

// MultiProcessRoller is the multi-process rolling coordinator (spec §4.G).
//
// It behaves like [Roller], but instead of keeping the current/preallocated
// state in process memory, it consults a shared [CoordinationFile] so that
// every process writing into the same rolling sequence agrees on which data
// file is current.
type MultiProcessRoller struct {
	opts  Options
	coord *CoordinationFile

	mu      sync.RWMutex
	current *SharedFile

	// mappedPreallocated is this process's own mapping of whatever file the
	// coordination file currently names as preallocated (spec §4.G
	// "preallocate the announced preallocated file") - the coordination file
	// only carries the path; each process still has to mmap it itself.
	mappedPreallocated atomic.Pointer[SharedFile]

	allocating atomic.Bool
	closed     atomic.Bool

	preallocateStop chan struct{}
	preallocateDone chan struct{}

	closeWG sync.WaitGroup
}

// NewMultiProcessRoller opens (or creates) the coordination file at
// opts.CoordinationFilePath, maps whatever file it names as current, and
// returns a ready coordinator. Multiple processes constructed against the
// same CoordinationFilePath and a shared opts.NameProvider directory
// cooperate correctly.
func NewMultiProcessRoller(opts Options) (*MultiProcessRoller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if !opts.MultiProcess {
		return nil, fmt.Errorf("%w: NewMultiProcessRoller requires Options.MultiProcess", ErrInvalidInput)
	}

	firstPath, err := opts.NameProvider.NextFile()
	if err != nil {
		return nil, fmt.Errorf("rollfile: allocate first file: %w", err)
	}

	coord, err := OpenCoordinationFile(opts.CoordinationFilePath, firstPath, opts.yield())
	if err != nil {
		return nil, fmt.Errorf("rollfile: open coordination file: %w", err)
	}

	current, err := MapSharedFile(coord.Current(), opts.Capacity, opts.ZeroFill)
	if err != nil {
		return nil, fmt.Errorf("rollfile: map current file: %w", err)
	}

	r := &MultiProcessRoller{
		opts:    opts,
		coord:   coord,
		current: current,
	}

	if opts.Roll.Preallocate {
		r.preallocateStop = make(chan struct{})
		r.preallocateDone = make(chan struct{})
		go r.preallocateLoop()
	}

	return r, nil
}

// Write writes p into the current file, rolling (via the coordination file)
// to a new file first if the current one has no room.
func (r *MultiProcessRoller) Write(p []byte) (int32, error) {
	for {
		if r.closed.Load() {
			return NullOffset, ErrClosed
		}

		r.mu.RLock()
		cur := r.current
		r.mu.RUnlock()

		offset, err := r.writeInto(cur, p)
		if err != nil {
			return NullOffset, err
		}

		if offset != NullOffset {
			return offset, nil
		}

		if err := r.roll(cur); err != nil {
			return NullOffset, err
		}
	}
}

// writeInto mirrors [Roller.writeInto].
func (r *MultiProcessRoller) writeInto(f *SharedFile, p []byte) (int32, error) {
	if r.opts.Roll.Framed {
		return framing.Frame(f, p)
	}

	return f.Write(p)
}

// CurrentFile returns the file currently receiving writes.
func (r *MultiProcessRoller) CurrentFile() RollableFile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current
}

func (r *MultiProcessRoller) roll(from *SharedFile) error {
	r.mu.RLock()
	alreadyRolled := r.current != from
	r.mu.RUnlock()

	if alreadyRolled {
		return nil
	}

	// allocating is only an in-process optimization: it keeps goroutines
	// within this process from all independently minting a file name and
	// remapping, but the cross-process source of truth is always the
	// coordination file's Advance call, which is itself serialized by its
	// own spin lock.
	if !r.allocating.CompareAndSwap(false, true) {
		for attempt := 0; r.allocating.Load(); attempt++ {
			r.opts.yield()(attempt)
		}

		return nil
	}
	defer r.allocating.Store(false)

	// Another process may have already advanced the shared sequence past
	// `from` between us observing NullOffset and acquiring the lock above;
	// in that case adopt its choice instead of minting a further file.
	nextPath := r.coord.Current()
	if nextPath == from.Path() {
		var err error

		nextPath, err = r.coord.Advance(r.opts.NameProvider.NextFile)
		if err != nil {
			return err
		}
	}

	next, err := r.takeMappedPreallocated(nextPath)
	if err != nil {
		return fmt.Errorf("rollfile: map rolled file %q: %w", nextPath, err)
	}

	r.retire(from)

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	return nil
}

// takeMappedPreallocated returns this process's own mapping of path if the
// background preallocator already produced one for it (spec §4.G's
// "preallocate the announced preallocated file" exists so this roll never
// has to block on a fresh mmap), otherwise it maps path inline.
func (r *MultiProcessRoller) takeMappedPreallocated(path string) (*SharedFile, error) {
	if m := r.mappedPreallocated.Swap(nil); m != nil {
		if (*m).Path() == path {
			return *m, nil
		}

		_ = (*m).Close()
	}

	return MapSharedFile(path, r.opts.Capacity, r.opts.ZeroFill)
}

func (r *MultiProcessRoller) retire(f *SharedFile) {
	retire := func() {
		for attempt := 0; f.IsPending(); attempt++ {
			r.opts.yield()(attempt)
		}

		_ = f.Finish()
		_ = f.Close()

		if r.opts.Roll.OnFileComplete != nil {
			r.opts.Roll.OnFileComplete(f.Path())
		}
	}

	if r.opts.Roll.AsyncClose {
		r.closeWG.Add(1)

		go func() {
			defer r.closeWG.Done()
			retire()
		}()

		return
	}

	retire()
}

// preallocateLoop mirrors [Roller.preallocateLoop], but publishes the
// successor's path to the coordination file instead of keeping it in a
// process-local pointer, so any process may pick it up on its next roll.
func (r *MultiProcessRoller) preallocateLoop() {
	defer close(r.preallocateDone)

	ticker := time.NewTicker(r.opts.preallocateInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.preallocateStop:
			return
		case <-ticker.C:
			r.maybePreallocate()
		}
	}
}

// maybePreallocate covers the three cases spec §4.G describes for a
// preallocator tick:
//  1. coord says preallocated == "" and current != our local current: a peer
//     already advanced without ever publishing a preallocation - adopt its
//     current file directly.
//  2. coord's current otherwise differs from our local current: we are
//     behind by more than one roll - jump straight to coord's current.
//  3. otherwise (coord agrees with us on current): if coord has a
//     preallocated path published, map it locally so the next roll doesn't
//     block on I/O; if nothing is published and we're full, mint one and
//     publish it ourselves.
func (r *MultiProcessRoller) maybePreallocate() {
	r.mu.RLock()
	localCur := r.current
	r.mu.RUnlock()

	coordCur, coordPre := r.coord.Snapshot()

	if coordCur != localCur.Path() {
		r.adoptCurrent(coordCur)

		return
	}

	if coordPre != "" {
		r.ensurePreallocatedMapped(coordPre)

		return
	}

	if localCur.HasAvailableCapacity() {
		return
	}

	path, err := r.opts.NameProvider.NextFile()
	if err != nil {
		r.opts.logger().Printf("rollfile: preallocate: name provider: %v", err)
		return
	}

	r.coord.PublishPreallocated(path)
}

// adoptCurrent switches this process directly to path without going through
// [CoordinationFile.Advance] - used when a peer has already rolled the
// shared sequence past our local current. It defers to an in-flight
// Write-triggered roll (via the same allocating flag) rather than race it.
func (r *MultiProcessRoller) adoptCurrent(path string) {
	if !r.allocating.CompareAndSwap(false, true) {
		return
	}
	defer r.allocating.Store(false)

	r.mu.RLock()
	cur := r.current
	r.mu.RUnlock()

	if cur.Path() == path {
		return
	}

	next, err := r.takeMappedPreallocated(path)
	if err != nil {
		r.opts.logger().Printf("rollfile: preallocate: adopt current %q: %v", path, err)
		return
	}

	r.retire(cur)

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
}

// ensurePreallocatedMapped maps path into this process if it isn't already
// the one cached in mappedPreallocated.
func (r *MultiProcessRoller) ensurePreallocatedMapped(path string) {
	if m := r.mappedPreallocated.Load(); m != nil && (*m).Path() == path {
		return
	}

	next, err := MapSharedFile(path, r.opts.Capacity, r.opts.ZeroFill)
	if err != nil {
		r.opts.logger().Printf("rollfile: preallocate: map %q: %v", path, err)
		return
	}

	if old := r.mappedPreallocated.Swap(&next); old != nil {
		_ = (*old).Close()
	}
}

// Close stops the preallocator, finalizes and closes the current file, and
// releases the coordination file mapping (without removing it - other
// processes may still be writing through it).
func (r *MultiProcessRoller) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if r.preallocateStop != nil {
		close(r.preallocateStop)
		<-r.preallocateDone
	}

	r.mu.RLock()
	cur := r.current
	r.mu.RUnlock()

	for attempt := 0; cur.IsPending(); attempt++ {
		r.opts.yield()(attempt)
	}

	err := cur.Finish()
	if closeErr := cur.Close(); err == nil {
		err = closeErr
	}

	if r.opts.Roll.OnFileComplete != nil {
		r.opts.Roll.OnFileComplete(cur.Path())
	}

	r.closeWG.Wait()

	// Unlike [Roller.Close], the preallocated file (if any) is not deleted:
	// its path lives in the coordination file's shared payload and another
	// process may still adopt it. We only release our own mapping of it.
	if m := r.mappedPreallocated.Swap(nil); m != nil {
		_ = (*m).Close()
	}

	if coordErr := r.coord.Close(); err == nil {
		err = coordErr
	}

	return err
}
