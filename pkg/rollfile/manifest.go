package rollfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rollmap/rollmap/pkg/fs"
)

// ManifestEntry records one file's lifetime in a [Manifest].
type ManifestEntry struct {
	Path      string    `json:"path"`
	Capacity  int64     `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
	FinalSize int64     `json:"final_size"`
}

// Manifest is an optional, append-only, durable history of every file a
// rolling coordinator has closed.
//
// It is entirely separate from the reservation/rolling CORE: nothing in
// [Roller] or [MultiProcessRoller] requires a Manifest, and it changes no
// core semantics. It exists to give [RollOptions.OnFileComplete] somewhere
// concrete to write, and is rewritten atomically on every append via
// [fs.AtomicWriter]'s temp-file-then-rename-then-dirsync.
type Manifest struct {
	path   string
	writer *fs.AtomicWriter

	mu      sync.Mutex
	entries []ManifestEntry
}

// OpenManifest loads an existing manifest at path, or starts an empty one if
// none exists yet. The file is not created until the first call to
// [Manifest.Append].
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, writer: fs.NewAtomicWriter(fs.NewReal())}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}

		return nil, fmt.Errorf("rollfile: read manifest %q: %w", path, err)
	}

	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("rollfile: parse manifest %q: %w", path, err)
	}

	return m, nil
}

// Append records entry and durably rewrites the manifest file.
//
// Every append rewrites the whole file: manifests are small (one entry per
// rolled file, not per write) and this keeps the on-disk representation
// always valid JSON, never a half-written line.
func (m *Manifest) Append(entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)

	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("rollfile: marshal manifest: %w", err)
	}

	if err := m.writer.WriteWithDefaults(m.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("rollfile: write manifest %q: %w", m.path, err)
	}

	return nil
}

// Entries returns a copy of the manifest's current entries.
func (m *Manifest) Entries() []ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ManifestEntry, len(m.entries))
	copy(out, m.entries)

	return out
}

// OnFileComplete returns a [RollOptions.OnFileComplete] callback that
// appends an entry to m for every completed file. capacity is recorded
// verbatim; final size is read back from disk, since the callback only
// receives a path.
func (m *Manifest) OnFileComplete(capacity int64) func(path string) {
	return func(path string) {
		var finalSize int64

		if info, err := os.Stat(path); err == nil {
			finalSize = info.Size()
		}

		_ = m.Append(ManifestEntry{
			Path:      path,
			Capacity:  capacity,
			CreatedAt: time.Now(),
			FinalSize: finalSize,
		})
	}
}
