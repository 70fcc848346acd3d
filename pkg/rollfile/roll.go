package rollfile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollmap/rollmap/pkg/framing"
)

// Roller is the single-process rolling coordinator (spec §4.E). It hands
// out a current [RollableFile] to write into, transparently swapping to a
// fresh file whenever the current one reports no room.
//
// A Roller is safe for concurrent use by multiple goroutines.
type Roller struct {
	opts Options

	mu      sync.RWMutex
	current RollableFile

	// allocating guards against two goroutines racing to create the
	// successor file concurrently: only the one that wins the CAS creates
	// it, everyone else spins waiting for it to land.
	allocating atomic.Bool

	preallocated atomic.Pointer[RollableFile]

	closed   atomic.Bool
	closeErr atomic.Pointer[error]

	preallocateStop chan struct{}
	preallocateDone chan struct{}

	closeWG sync.WaitGroup
}

// NewRoller creates the first file via opts.NameProvider and returns a ready
// Roller. If opts.Roll.Preallocate is set, a background goroutine is started
// immediately to keep a successor file ready.
func NewRoller(opts Options) (*Roller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	path, err := opts.NameProvider.NextFile()
	if err != nil {
		return nil, fmt.Errorf("rollfile: allocate first file: %w", err)
	}

	first, err := opts.mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("rollfile: create first file: %w", err)
	}

	r := &Roller{
		opts:    opts,
		current: first,
	}

	if opts.Roll.Preallocate {
		r.preallocateStop = make(chan struct{})
		r.preallocateDone = make(chan struct{})
		go r.preallocateLoop()
	}

	return r, nil
}

// Write writes p into the current file, rolling to a new file first if the
// current one has no room. Unlike the non-rolling engines, Write never
// returns [NullOffset] to the caller - a full file triggers an immediate
// roll and retry instead.
func (r *Roller) Write(p []byte) (int32, error) {
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

// writeInto dispatches to the plain write or the length-prefixed one
// depending on opts.Roll.Framed (spec §4.E "framed flag").
func (r *Roller) writeInto(f RollableFile, p []byte) (int32, error) {
	if r.opts.Roll.Framed {
		return framing.Frame(f, p)
	}

	return f.Write(p)
}

// CurrentFile returns the file currently receiving writes.
func (r *Roller) CurrentFile() RollableFile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current
}

// roll swaps in a new current file, if `from` is still the current file (an
// earlier concurrent Write may have already rolled past it, in which case
// this is a no-op and the caller simply retries against the new current).
func (r *Roller) roll(from RollableFile) error {
	r.mu.RLock()
	alreadyRolled := r.current != from
	r.mu.RUnlock()

	if alreadyRolled {
		return nil
	}

	if !r.allocating.CompareAndSwap(false, true) {
		// Someone else is already rolling this file; spin until they're
		// done and let the caller's retry loop pick up the new current.
		for attempt := 0; r.allocating.Load(); attempt++ {
			r.opts.yield()(attempt)
		}

		return nil
	}
	defer r.allocating.Store(false)

	next, err := r.takePreallocated()
	if err != nil {
		return err
	}

	r.finishAndRetire(from)

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	return nil
}

// takePreallocated returns the preallocated successor if the preallocator
// has produced one in time, otherwise it allocates one inline (the roll
// blocks on file creation, exactly as it would with Preallocate disabled).
func (r *Roller) takePreallocated() (RollableFile, error) {
	if p := r.preallocated.Swap(nil); p != nil {
		return *p, nil
	}

	path, err := r.opts.NameProvider.NextFile()
	if err != nil {
		return nil, fmt.Errorf("rollfile: allocate next file: %w", err)
	}

	return r.opts.mapFile(path)
}

// finishAndRetire finalizes the retired file and closes it, either inline or
// on a background goroutine depending on opts.Roll.AsyncClose.
func (r *Roller) finishAndRetire(f RollableFile) {
	retire := func() {
		// Finish may legitimately race writers that are still mid-Write
		// against the file they already fetched a pointer to before the
		// roll; spin until those drain.
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

// preallocateLoop runs in the background when opts.Roll.Preallocate is set,
// periodically checking whether a successor is already mapped and mapping
// one ahead of time if not, so [Roller.roll] can take it instead of creating
// a file inline.
func (r *Roller) preallocateLoop() {
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

func (r *Roller) maybePreallocate() {
	if r.preallocated.Load() != nil {
		// Already have one ready.
		return
	}

	path, err := r.opts.NameProvider.NextFile()
	if err != nil {
		r.opts.logger().Printf("rollfile: preallocate: name provider: %v", err)
		return
	}

	next, err := r.opts.mapFile(path)
	if err != nil {
		r.opts.logger().Printf("rollfile: preallocate: map %q: %v", path, err)
		return
	}

	if !r.preallocated.CompareAndSwap(nil, &next) {
		// Lost a race with another tick (shouldn't happen - only one
		// preallocator goroutine runs - but stay defensive and avoid
		// leaking the mapping or the file itself).
		nextPath := next.Path()

		_ = next.Close()
		_ = os.Remove(nextPath)
	}
}

// Close stops the preallocator (if running), finalizes and closes the
// current file, and waits for any async-close goroutines started by prior
// rolls to finish.
func (r *Roller) Close() error {
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

	// A preallocated file was never published to consumers (spec §4.E
	// Shutdown), so shutdown doesn't just unmap it - it deletes it from disk,
	// same as any other file this process minted but never finished using.
	if p := r.preallocated.Swap(nil); p != nil {
		path := (*p).Path()

		_ = (*p).Close()
		_ = os.Remove(path)
	}

	return err
}
