package runlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesBothLogFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "build", nil)
	require.NoError(t, err)
	defer l.Close()

	assert.FileExists(t, filepath.Join(dir, "stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "stderr.log"))
}

func TestStdout_WritesTimestampedLines(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "build", nil)
	require.NoError(t, err)

	_, err = l.Stdout().Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "line one")
	assert.Contains(t, string(data), "line two")
}

func TestStderr_IsSeparateFromStdout(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "build", nil)
	require.NoError(t, err)

	_, _ = l.Stdout().Write([]byte("out line\n"))
	_, _ = l.Stderr().Write([]byte("err line\n"))
	require.NoError(t, l.Close())

	out, _ := os.ReadFile(filepath.Join(dir, "stdout.log"))
	errOut, _ := os.ReadFile(filepath.Join(dir, "stderr.log"))
	assert.Contains(t, string(out), "out line")
	assert.NotContains(t, string(out), "err line")
	assert.Contains(t, string(errOut), "err line")
}

func TestTTYMirroring(t *testing.T) {
	dir := t.TempDir()
	var tty bytes.Buffer
	l, err := Open(dir, "build", &tty)
	require.NoError(t, err)
	defer l.Close()

	_, _ = l.Stdout().Write([]byte("hello\n"))
	assert.Contains(t, tty.String(), "build")
	assert.Contains(t, tty.String(), "hello")
}

func TestEmptyWriteIsNoop(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "build", nil)
	require.NoError(t, err)
	defer l.Close()

	n, err := l.Stdout().Write([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
