package rollfile

import (
	"fmt"
	"time"
)

// RollableFile is the common surface both [LocalFile] and [SharedFile]
// satisfy, and the one the rolling coordinators operate against.
type RollableFile interface {
	Write(p []byte) (int32, error)
	ReserveWrite(length int64, fill func(buf []byte)) (int32, error)
	IsPending() bool
	IsFinished() bool
	Finish() error
	Close() error
	Path() string
	Capacity() int64
	HasAvailableCapacity() bool
}

var (
	_ RollableFile = (*LocalFile)(nil)
	_ RollableFile = (*SharedFile)(nil)
)

// Logger is the minimal surface the rolling coordinator and preallocator
// report non-fatal errors through (spec §4.E: a mapping failure during
// preallocation is logged and swallowed, not propagated - the caller of
// Write is never blocked by a background preallocator hiccup). It matches
// the subset of *log.Logger actually used here.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Options configures a rolling writer. This is the "builder surface" that
// spec.md explicitly scopes out as an external collaborator - it is
// implemented here because a concurrency engine with this many interacting
// knobs needs a single assembly point, even though it isn't itself part of
// the reservation/rolling CORE.
type Options struct {
	// NameProvider produces the path for each new file in the sequence.
	NameProvider NameProvider

	// Capacity is the usable byte capacity of each file (excludes the
	// 32-byte header in multi-process mode).
	Capacity int64

	// ZeroFill requests that new files be explicitly zeroed at creation.
	ZeroFill bool

	// MultiProcess selects [SharedFile]/[CoordinationFile] instead of
	// [LocalFile]. May be combined with Roll.Enabled - this resolves spec
	// §9 Open Question (a): multi-process rolling is reachable through
	// this builder, unlike the teacher implementation it is modeled on.
	MultiProcess bool

	// CoordinationFilePath is required when MultiProcess && Roll.Enabled.
	CoordinationFilePath string

	// Yield is called between spin attempts throughout this package.
	// Defaults to [YieldBackoff].
	Yield YieldFunc

	// Logger receives non-fatal background errors (preallocation mapping
	// failures). Defaults to a no-op.
	Logger Logger

	Roll RollOptions
}

// RollOptions configures the rolling coordinator (spec §4.E/§4.G). Ignored
// if the caller uses [LocalFile]/[SharedFile] directly without a
// coordinator.
type RollOptions struct {
	Enabled bool

	// Framed wraps every write with [github.com/rollmap/rollmap/pkg/framing],
	// prefixing it with a 4-byte length field written after the payload.
	Framed bool

	// AsyncClose closes a retired file on a background goroutine instead
	// of inline during the roll.
	AsyncClose bool

	// Preallocate keeps a hot-swappable successor file mapped ahead of
	// time so a roll never blocks on file creation.
	Preallocate bool

	// PreallocateCheckInterval is how often the preallocator checks
	// whether it needs to map a new successor. Default 50ms.
	PreallocateCheckInterval time.Duration

	// OnFileComplete is invoked with the path of each file once it has
	// been fully closed (inline or async). Optional.
	OnFileComplete func(path string)
}

// Validate checks the options for internal consistency.
func (o Options) Validate() error {
	if o.NameProvider == nil {
		return fmt.Errorf("%w: NameProvider is required", ErrInvalidInput)
	}

	if o.Capacity <= 0 {
		return fmt.Errorf("%w: Capacity must be > 0", ErrInvalidInput)
	}

	if o.MultiProcess && o.Roll.Enabled && o.CoordinationFilePath == "" {
		return fmt.Errorf("%w: CoordinationFilePath is required for multi-process rolling", ErrInvalidInput)
	}

	return nil
}

func (o Options) yield() YieldFunc {
	if o.Yield != nil {
		return o.Yield
	}

	return YieldBackoff
}

func (o Options) logger() Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return noopLogger{}
}

func (o Options) preallocateInterval() time.Duration {
	if o.Roll.PreallocateCheckInterval > 0 {
		return o.Roll.PreallocateCheckInterval
	}

	return 50 * time.Millisecond
}

// mapFile opens the next file according to Options.MultiProcess.
func (o Options) mapFile(path string) (RollableFile, error) {
	if o.MultiProcess {
		return MapSharedFile(path, o.Capacity, o.ZeroFill)
	}

	return CreateLocalFile(path, o.Capacity, o.ZeroFill)
}
