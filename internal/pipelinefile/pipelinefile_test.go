package pipelinefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := write(t, `{
		"name": "demo",
		"steps": [
			{"id": "fetch", "image": "alpine:3", "cmd": ["/bin/true"]},
			{"id": "build", "image": "alpine:3", "cmd": ["/bin/true"],
			 "inputs": [{"alias": "src", "step": "fetch"}]}
		]
	}`)

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", doc.Name)
	require.Len(t, doc.Steps, 2)
	assert.Equal(t, "fetch", doc.Steps[1].Inputs[0].Step)
}

func TestLoad_MissingName(t *testing.T) {
	path := write(t, `{"steps": []}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_DuplicateStepID(t *testing.T) {
	path := write(t, `{
		"name": "demo",
		"steps": [
			{"id": "a", "image": "alpine", "cmd": ["x"]},
			{"id": "a", "image": "alpine", "cmd": ["x"]}
		]
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidStep(t *testing.T) {
	path := write(t, `{"name": "demo", "steps": [{"id": "bad id", "image": "alpine", "cmd": ["x"]}]}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
