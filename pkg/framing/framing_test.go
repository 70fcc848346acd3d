package framing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollmap/rollmap/pkg/framing"
	"github.com/rollmap/rollmap/pkg/rollfile"
)

func TestFrame_SingleWrite_MatchesSpecExample(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f, err := rollfile.CreateLocalFile(path, 128, false)
	require.NoError(t, err)

	offset, err := framing.Frame(f, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, int32(0), offset)

	require.NoError(t, f.Finish())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x06, 0x00, 0x00, 0x00, 'h', 'i'}, raw[:6])
}

func TestFrameAndDecode_RoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f, err := rollfile.CreateLocalFile(path, 128, false)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("first"), []byte("second!!"), []byte("x")}

	for _, p := range payloads {
		_, err := framing.Frame(f, p)
		require.NoError(t, err)
	}

	require.NoError(t, f.Finish())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	decoded, err := framing.Decode(raw)
	require.NoError(t, err)
	require.Len(t, decoded, len(payloads))

	for i, p := range payloads {
		require.Equal(t, p, decoded[i])
	}
}

func TestDecode_StopsAtZeroHeader(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 32)
	buf[0], buf[1], buf[2], buf[3] = 0x09, 0x00, 0x00, 0x00
	copy(buf[4:], "hello")

	decoded, err := framing.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hello")}, decoded)
}

func TestFrame_WriteLongerThanCapacity_IsError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f.bin")

	f, err := rollfile.CreateLocalFile(path, 8, false)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = framing.Frame(f, []byte("way too long for this tiny file"))
	require.ErrorIs(t, err, rollfile.ErrCapacityExceeded)
}
