package ringid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/protocol"
)

func TestLoadMissingCreatesZero(t *testing.T) {
	dir := t.TempDir()
	id, err := protocol.ParseAddr("10.0.0.1")
	require.NoError(t, err)

	seq, err := Load(dir, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	// The file now exists for the next startup.
	_, err = os.Stat(filepath.Join(dir, "ringid_10.0.0.1"))
	assert.NoError(t, err)
}

func TestStoreThenLoad(t *testing.T) {
	dir := t.TempDir()
	id, err := protocol.ParseAddr("10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, Store(dir, id, 24))
	seq, err := Load(dir, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), seq)
}

func TestLoadCorruptFails(t *testing.T) {
	dir := t.TempDir()
	id, err := protocol.ParseAddr("10.0.0.3")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ringid_10.0.0.3"), []byte{1, 2}, 0o644))
	_, err = Load(dir, id)
	assert.ErrorIs(t, err, api.ErrPersistenceFailed)
}
