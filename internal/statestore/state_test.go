package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsEmptyState(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
	assert.Empty(t, s.ActiveRunIDs())
}

func TestStore_SetGetRemoveStep(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	s.SetStep("build", "run-1", "fp-abc")
	entry, ok := s.GetStep("build")
	require.True(t, ok)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "fp-abc", entry.Fingerprint)

	s.RemoveStep("build")
	_, ok = s.GetStep("build")
	assert.False(t, ok)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Load(path)
	require.NoError(t, err)
	s.SetStep("build", "run-1", "fp-abc")
	s.SetStep("test", "run-2", "fp-def")
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "run-1", snap["build"].RunID)
	assert.Equal(t, "run-2", snap["test"].RunID)
}

func TestStore_ActiveRunIDs(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	s.SetStep("build", "run-1", "fp-a")
	s.SetStep("test", "run-2", "fp-b")

	active := s.ActiveRunIDs()
	assert.True(t, active["run-1"])
	assert.True(t, active["run-2"])
	assert.Len(t, active, 2)
}

func TestStore_SaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	s, err := Load(path)
	require.NoError(t, err)
	s.SetStep("build", "run-1", "fp-abc")
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Snapshot(), 1)
}
