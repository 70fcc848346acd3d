package rollfile_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollmap/rollmap/pkg/mmapregion"
	"github.com/rollmap/rollmap/pkg/rollfile"
)

func TestSharedFile_TwoProcessHandshake(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f1, err := rollfile.CreateSharedFile(path, 128, false)
	require.NoError(t, err)

	f2, err := rollfile.OpenSharedFile(path)
	require.NoError(t, err)

	o1, err := f1.Write([]byte("Hello "))
	require.NoError(t, err)

	o2, err := f2.Write([]byte("World!"))
	require.NoError(t, err)

	require.NoError(t, f1.Close())
	require.NoError(t, f2.Close())

	region, err := mmapregion.Map(path)
	require.NoError(t, err)
	defer func() { _ = region.Close() }()

	data := region.Bytes()
	require.Equal(t, "Hello ", string(data[o1:o1+6]))
	require.Equal(t, "World!", string(data[o2:o2+6]))
	require.Equal(t, "Hello World!", string(data[32:44]))
}

func TestSharedFile_MapSharedFile_CreatesThenOpens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f1, err := rollfile.MapSharedFile(path, 64, false)
	require.NoError(t, err)
	defer func() { _ = f1.Close() }()

	f2, err := rollfile.MapSharedFile(path, 64, false)
	require.NoError(t, err)
	defer func() { _ = f2.Close() }()

	require.Equal(t, int64(64), f1.Capacity())
	require.Equal(t, int64(64), f2.Capacity())
}

func TestSharedFile_HeaderInitializedOncePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f1, err := rollfile.CreateSharedFile(path, 64, false)
	require.NoError(t, err)
	defer func() { _ = f1.Close() }()

	region, err := mmapregion.Map(path)
	require.NoError(t, err)
	defer func() { _ = region.Close() }()

	require.Equal(t, uint64(32), region.LoadUint64(0))
	require.Equal(t, uint64(32), region.LoadUint64(16))
	require.Equal(t, uint64(32), region.LoadUint64(24))
}

func TestSharedFile_ConcurrentWritersAtCapacity_ExactlyOneGetsNullOffset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	const capacity = 20

	f1, err := rollfile.CreateSharedFile(path, capacity, false)
	require.NoError(t, err)
	f2, err := rollfile.OpenSharedFile(path)
	require.NoError(t, err)
	f3, err := rollfile.OpenSharedFile(path)
	require.NoError(t, err)

	files := []*rollfile.SharedFile{f1, f2, f3}

	var wg sync.WaitGroup
	var nulls atomic32

	for i := range files {
		wg.Add(1)

		f := files[i]

		go func() {
			defer wg.Done()

			offset, err := f.Write([]byte("0123456789")) // 10 bytes, capacity 20 -> 2 fill it exactly, 1 gets NullOffset
			require.NoError(t, err)

			if offset == rollfile.NullOffset {
				nulls.add(1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), nulls.load())

	for _, f := range files {
		require.NoError(t, f.Close())
	}
}

// atomic32 is a tiny test-local counter to avoid importing sync/atomic twice
// under different names in this file.
type atomic32 struct {
	mu sync.Mutex
	n  int32
}

func (a *atomic32) add(d int32) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic32) load() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func TestSharedFile_WriteLongerThanCapacity_IsError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f, err := rollfile.CreateSharedFile(path, 8, false)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = f.Write([]byte("way too long for this file"))
	require.ErrorIs(t, err, rollfile.ErrCapacityExceeded)
}

func TestCreateSharedFile_ExistingPath_WrapsErrAlreadyExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f, err := rollfile.CreateSharedFile(path, 8, false)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = rollfile.CreateSharedFile(path, 8, false)
	require.ErrorIs(t, err, rollfile.ErrAlreadyExists)
}

func TestMapSharedFile_ExistingPath_OpensInsteadOfErroring(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f1, err := rollfile.MapSharedFile(path, 8, false)
	require.NoError(t, err)
	defer func() { _ = f1.Close() }()

	f2, err := rollfile.MapSharedFile(path, 8, false)
	require.NoError(t, err)
	defer func() { _ = f2.Close() }()
}
