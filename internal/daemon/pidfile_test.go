package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), "crew.pid"))
}

func TestWriteAndRead(t *testing.T) {
	pf := newTestPIDFile(t)

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestWriteRecordsCurrentProcess(t *testing.T) {
	pf := newTestPIDFile(t)

	require.NoError(t, pf.Write())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadMissingFile(t *testing.T) {
	pf := newTestPIDFile(t)

	_, err := pf.Read()
	assert.Error(t, err)
}

func TestReadGarbledFile(t *testing.T) {
	pf := newTestPIDFile(t)
	require.NoError(t, os.WriteFile(pf.Path, []byte("not-a-number\n"), 0o644))

	_, err := pf.Read()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse pid file")
}

func TestIsRunningCurrentProcess(t *testing.T) {
	pf := newTestPIDFile(t)

	require.NoError(t, pf.Write())

	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStaleFileReadsNotRunning(t *testing.T) {
	pf := newTestPIDFile(t)

	// A pid well above the default pid_max: the daemon that wrote this
	// file is long gone, and the stale record must not block a restart.
	require.NoError(t, pf.WritePID(999999))

	pid, running := pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestIsRunningMissingFile(t *testing.T) {
	pf := newTestPIDFile(t)

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestStopMissingFile(t *testing.T) {
	pf := newTestPIDFile(t)

	err := pf.Stop()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read pid file")
}

func TestRemove(t *testing.T) {
	pf := newTestPIDFile(t)
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveMissingFile(t *testing.T) {
	pf := newTestPIDFile(t)

	assert.Error(t, pf.Remove())
}
