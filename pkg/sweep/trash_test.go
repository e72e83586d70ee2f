package sweep

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakestor/storagenode/pkg/config"
)

func TestParseTrashNameRoundTrip(t *testing.T) {
	cases := []string{"20240101120000", "20240101120000.1.3600"}
	for _, name := range cases {
		entry, err := ParseTrashName(name)
		require.NoError(t, err)
		assert.Equal(t, 2024, entry.CreateTime.Year())
		assert.Equal(t, 12, entry.CreateTime.Hour())
		assert.Equal(t, name[:14], entry.CreateTime.Format("20060102150405"))
	}
}

func TestParseTrashNameRejectsGarbage(t *testing.T) {
	_, err := ParseTrashName("not-a-timestamp")
	assert.Error(t, err)
}

func TestTrashSweepWithEmbeddedTTL(t *testing.T) {
	root := t.TempDir()
	trashDir := filepath.Join(root, trashPrefix)
	require.NoError(t, os.MkdirAll(filepath.Join(trashDir, "20240101120000.1.3600"), 0755))

	cfg := config.Default()
	sweeper := NewTrashSweeper(root, cfg)

	retainedAt, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-01-01 12:30:00", time.Local)
	require.NoError(t, err)
	_, err = sweeper.Sweep(retainedAt, 0.1, false)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(trashDir, "20240101120000.1.3600"))
	assert.NoError(t, statErr, "entry should still exist before its TTL elapses")

	expiredAt, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-01-01 13:00:01", time.Local)
	require.NoError(t, err)
	_, err = sweeper.Sweep(expiredAt, 0.1, false)
	require.NoError(t, err)
	_, statErr = os.Stat(filepath.Join(trashDir, "20240101120000.1.3600"))
	assert.True(t, os.IsNotExist(statErr), "entry should be deleted once its TTL elapses")
}

func TestTrashSweepFloodStageForcesImmediateReclaim(t *testing.T) {
	root := t.TempDir()
	trashDir := filepath.Join(root, trashPrefix)
	require.NoError(t, os.MkdirAll(filepath.Join(trashDir, "20240101120000"), 0755))

	cfg := config.Default()
	sweeper := NewTrashSweeper(root, cfg)

	now := time.Now()
	_, err := sweeper.Sweep(now, 0.999, false)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(trashDir, "20240101120000"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTrashSweepTryLockReturnsImmediatelyWhenBusy(t *testing.T) {
	cfg := config.Default()
	sweeper := NewTrashSweeper(t.TempDir(), cfg)

	sweeper.running.Lock()
	defer sweeper.running.Unlock()

	cleanAgain, err := sweeper.Sweep(time.Now(), 0.1, true)
	require.NoError(t, err)
	assert.True(t, cleanAgain)
}
