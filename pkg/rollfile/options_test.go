package rollfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollmap/rollmap/pkg/rollfile"
)

func TestOptions_Validate_RequiresNameProvider(t *testing.T) {
	t.Parallel()

	err := rollfile.Options{Capacity: 16}.Validate()
	require.ErrorIs(t, err, rollfile.ErrInvalidInput)
}

func TestOptions_Validate_RequiresPositiveCapacity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
	}.Validate()
	require.ErrorIs(t, err, rollfile.ErrInvalidInput)
}

func TestOptions_Validate_RequiresCoordinationPathForMultiProcessRolling(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := rollfile.Options{
		NameProvider: rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:     16,
		MultiProcess: true,
		Roll:         rollfile.RollOptions{Enabled: true},
	}.Validate()
	require.ErrorIs(t, err, rollfile.ErrInvalidInput)
}

func TestOptions_Validate_MultiProcessRollingTogetherIsAllowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := rollfile.Options{
		NameProvider:         rollfile.NewDefaultNameProvider(dir, "seg-", ".bin"),
		Capacity:             16,
		MultiProcess:         true,
		CoordinationFilePath: filepath.Join(dir, "coord.bin"),
		Roll:                 rollfile.RollOptions{Enabled: true},
	}.Validate()
	require.NoError(t, err)
}
