package rollfile_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rollmap/rollmap/pkg/framing"
	"github.com/rollmap/rollmap/pkg/rollfile"
)

func TestRoller_RollsWhenCurrentFileFills(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	provider := rollfile.NewDefaultNameProvider(dir, "seg-", ".bin")

	var completed []string

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: provider,
		Capacity:     16,
		Roll: rollfile.RollOptions{
			Enabled:        true,
			OnFileComplete: func(path string) { completed = append(completed, path) },
		},
	})
	require.NoError(t, err)

	for range 8 {
		offset, err := roller.Write([]byte("12345678")) // 8 bytes, 2 per file
		require.NoError(t, err)
		require.NotEqual(t, rollfile.NullOffset, offset)
	}

	require.NoError(t, roller.Close())
	require.GreaterOrEqual(t, len(completed), 3, "expected multiple rolled files to complete")
}

func TestRoller_ConcurrentWritersAllSucceed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     64,
		Roll:         rollfile.RollOptions{Enabled: true},
	})
	require.NoError(t, err)

	const (
		writers = 8
		perGo   = 20
	)

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perGo {
				offset, err := roller.Write([]byte("record12"))
				require.NoError(t, err)
				require.NotEqual(t, rollfile.NullOffset, offset)
			}
		}()
	}

	wg.Wait()

	require.NoError(t, roller.Close())
}

func TestRoller_Preallocate_DoesNotBlockRoll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     8,
		Roll: rollfile.RollOptions{
			Enabled:                  true,
			Preallocate:              true,
			PreallocateCheckInterval: 1,
		},
	})
	require.NoError(t, err)

	for range 10 {
		offset, err := roller.Write([]byte("1234"))
		require.NoError(t, err)
		require.NotEqual(t, rollfile.NullOffset, offset)
	}

	require.NoError(t, roller.Close())
}

func TestRoller_Close_DeletesUnpublishedPreallocatedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     8,
		Roll: rollfile.RollOptions{
			Enabled:                  true,
			Preallocate:              true,
			PreallocateCheckInterval: time.Millisecond,
		},
	})
	require.NoError(t, err)

	// Fill the current file exactly to capacity without triggering a roll,
	// while the preallocator maps a successor - the successor is never
	// published.
	_, err = roller.Write([]byte("12345678"))
	require.NoError(t, err)

	currentPath := roller.CurrentFile().Path()

	var preallocatedPath string
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 2 {
			return false
		}

		for _, e := range entries {
			p := dir + string(os.PathSeparator) + e.Name()
			if p != currentPath {
				preallocatedPath = p
			}
		}

		return preallocatedPath != ""
	}, time.Second, time.Millisecond, "preallocator never mapped a successor file")

	require.NoError(t, roller.Close())

	_, err = os.Stat(preallocatedPath)
	require.True(t, os.IsNotExist(err), "unpublished preallocated file should be deleted on Close")

	_, err = os.Stat(currentPath)
	require.NoError(t, err, "the published current file should survive Close")
}

func TestRoller_AsyncClose_WaitsOnRollerClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var completed int
	var mu sync.Mutex

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     8,
		Roll: rollfile.RollOptions{
			Enabled:    true,
			AsyncClose: true,
			OnFileComplete: func(string) {
				mu.Lock()
				completed++
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)

	for range 20 {
		_, err := roller.Write([]byte("1234"))
		require.NoError(t, err)
	}

	require.NoError(t, roller.Close())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, completed, 2)
}

func TestRoller_Framed_DecodesBackToOriginalPayloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var completed []string

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     32,
		Roll: rollfile.RollOptions{
			Enabled:        true,
			Framed:         true,
			OnFileComplete: func(path string) { completed = append(completed, path) },
		},
	})
	require.NoError(t, err)

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		_, err := roller.Write(p)
		require.NoError(t, err)
	}

	require.NoError(t, roller.Close())

	var decoded [][]byte
	for _, path := range completed {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		frames, err := framing.Decode(raw)
		require.NoError(t, err)

		decoded = append(decoded, frames...)
	}

	require.Len(t, decoded, len(payloads))

	for i, p := range payloads {
		require.Equal(t, p, decoded[i])
	}
}

func TestRoller_WriteAfterClose_IsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	roller, err := rollfile.NewRoller(rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     16,
		Roll:         rollfile.RollOptions{Enabled: true},
	})
	require.NoError(t, err)
	require.NoError(t, roller.Close())

	_, err = roller.Write([]byte("x"))
	require.ErrorIs(t, err, rollfile.ErrClosed)
}
