package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := PathFor(filepath.Join(t.TempDir(), "state", "quarry.db"))
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	assert.True(t, strings.HasSuffix(l.Path(), "quarry.db.lock"))
	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))
}

func TestAcquireRefusesSecondHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "quarry.db.lock")
	first, err := Acquire(lockPath)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open in
	// the same process still conflicts.
	_, err = Acquire(lockPath)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid "+strconv.Itoa(os.Getpid()))

	require.NoError(t, first.Release())
	second, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l, err := Acquire(filepath.Join(t.TempDir(), "x.lock"))
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	var nilLock *PIDLock
	assert.NoError(t, nilLock.Release())
}
