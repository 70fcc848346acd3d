package rollfile

import (
	"fmt"
	"strings"

	"github.com/rollmap/rollmap/pkg/mmapregion"
)

// coordFileSize is the fixed size of the cross-process coordination file
// (spec §4.F): a spin lock word followed by a NUL-terminated
// "current|preallocated" payload. 256 KiB comfortably fits any realistic
// pair of paths.
const coordFileSize = 256 * 1024

const (
	coordOffLock    = 0
	coordOffPayload = 8
)

const (
	coordUnlocked uint64 = 0
	coordLocked   uint64 = 1
)

// CoordinationFile is the cross-process rolling coordinator's shared state
// (spec §4.F): every process participating in a multi-process roll opens
// the same coordination file and uses it to agree on which data file is
// current and which (if any) has been preallocated as its successor.
type CoordinationFile struct {
	region *mmapregion.Region
	yield  YieldFunc
}

// OpenCoordinationFile creates the coordination file if it does not exist,
// or maps the existing one. The caller supplies the fully qualified initial
// payload ("current" with no preallocated successor yet) used only when
// this call is the one that creates the file.
func OpenCoordinationFile(path, initialCurrent string, yield YieldFunc) (*CoordinationFile, error) {
	if yield == nil {
		yield = YieldBackoff
	}

	region, err := mmapregion.Create(path, coordFileSize, true)
	if err == nil {
		cf := &CoordinationFile{region: region, yield: yield}
		cf.writePayloadLocked(initialCurrent, "")

		return cf, nil
	}

	if err != mmapregion.ErrAlreadyExists { //nolint:errorlint // sentinel never wrapped
		return nil, err
	}

	region, err = mmapregion.Map(path)
	if err != nil {
		return nil, err
	}

	return &CoordinationFile{region: region, yield: yield}, nil
}

// lock spins on the coordination file's lock word until it acquires it.
func (c *CoordinationFile) lock() {
	for attempt := 0; ; attempt++ {
		if c.region.CompareAndSwapUint64(coordOffLock, coordUnlocked, coordLocked) {
			return
		}

		c.yield(attempt)
	}
}

func (c *CoordinationFile) unlock() {
	c.region.StoreUint64(coordOffLock, coordUnlocked)
}

// Current returns the path of the file writers should currently target.
func (c *CoordinationFile) Current() string {
	c.lock()
	defer c.unlock()

	cur, _ := c.readPayloadLocked()

	return cur
}

// Preallocated returns the path of the preallocated successor file, or "" if
// none has been published yet.
func (c *CoordinationFile) Preallocated() string {
	c.lock()
	defer c.unlock()

	_, pre := c.readPayloadLocked()

	return pre
}

// Snapshot returns both the current and preallocated paths under a single
// lock acquisition, for callers (the preallocator tick, spec §4.G) that need
// to reason about the two together without a torn read between them.
func (c *CoordinationFile) Snapshot() (current, preallocated string) {
	c.lock()
	defer c.unlock()

	return c.readPayloadLocked()
}

// PublishPreallocated records path as the preallocated successor, without
// disturbing the current file. Used by the background preallocator tick.
func (c *CoordinationFile) PublishPreallocated(path string) {
	c.lock()
	defer c.unlock()

	cur, _ := c.readPayloadLocked()
	c.writePayloadLocked(cur, path)
}

// Advance installs the preallocated file as current and clears the
// preallocated slot, returning the new current path. If no preallocated
// file was published, nextFn is consulted to mint one inline - this mirrors
// [Roller.takePreallocated]'s inline fallback for the multi-process case.
//
// Advance replaces the whole payload (the new current and an empty
// preallocated slot) in one write while holding the lock, so no other
// caller of this file, which must take the same lock to read, can see the
// new current next to the old preallocated path.
func (c *CoordinationFile) Advance(nextFn func() (string, error)) (string, error) {
	c.lock()
	defer c.unlock()

	_, pre := c.readPayloadLocked()

	next := pre
	if next == "" {
		var err error

		next, err = nextFn()
		if err != nil {
			return "", fmt.Errorf("rollfile: mint successor file: %w", err)
		}
	}

	c.writePayloadLocked(next, "")

	return next, nil
}

func (c *CoordinationFile) readPayloadLocked() (current, preallocated string) {
	raw := c.region.Bytes()[coordOffPayload:]

	nul := indexByte(raw, 0)
	if nul >= 0 {
		raw = raw[:nul]
	}

	parts := strings.SplitN(string(raw), "|", 2)

	current = parts[0]
	if len(parts) == 2 {
		preallocated = parts[1]
	}

	return current, preallocated
}

// writePayloadLocked always serializes the "current|preallocated" form,
// even when preallocated is empty, rather than spec §6's documented bare
// "<currentPath>" alternate. readPayloadLocked parses both forms, so this
// is a harmless simplification, not a wire-format break.
func (c *CoordinationFile) writePayloadLocked(current, preallocated string) {
	payload := current + "|" + preallocated
	if len(payload)+coordOffPayload+1 > coordFileSize {
		panic("rollfile: coordination payload exceeds coordination file size")
	}

	dst := c.region.Bytes()[coordOffPayload:]

	clear(dst)
	copy(dst, payload)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}

	return -1
}

// Close releases the mapping. The coordination file itself is never
// truncated or removed - it outlives any single writer process.
func (c *CoordinationFile) Close() error {
	return c.region.Close()
}
