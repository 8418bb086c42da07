package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.ErrorLevel)
}

func writeLock(t *testing.T, dir string, pid int) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ".lock"), []byte(strconv.Itoa(pid)), 0o644,
	))
}

func TestFindStaleLocks(t *testing.T) {
	root := t.TempDir()
	deadPID := math.MaxInt32 - 1

	writeLock(t, filepath.Join(root, "alive"), os.Getpid())
	writeLock(t, filepath.Join(root, "dead"), deadPID)
	writeLock(t, filepath.Join(root, ".hidden"), deadPID)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "unlocked"), 0o755))

	locks, err := findStaleLocks(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, filepath.Join(root, "dead"), locks[0].dir)
	assert.Equal(t, deadPID, locks[0].pid)

	locks, err = findStaleLocks(context.Background(), filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestPerformCleanup(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store := calcstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(ctx))

	t.Cleanup(func() { _ = store.Stop() })

	now := time.Now()

	for _, c := range []*calcstore.Calculation{
		{CalcID: "ok", Status: calcstore.StatusComplete, StartedAt: now},
		{CalcID: "broken", Status: calcstore.StatusFailed, Error: "boom", StartedAt: now},
	} {
		require.NoError(t, store.UpsertCalculation(ctx, c))
		require.NoError(t, os.MkdirAll(filepath.Join(root, c.CalcID), 0o755))
	}

	writeLock(t, filepath.Join(root, "ok"), math.MaxInt32-1)

	require.NoError(t, performCleanup(ctx, store, root, true))

	assert.False(t, datastore.IsLocked(filepath.Join(root, "ok")))
	assert.DirExists(t, filepath.Join(root, "ok"))
	assert.NoDirExists(t, filepath.Join(root, "broken"))

	_, err := store.GetCalculation(ctx, "broken")
	require.ErrorIs(t, err, calcstore.ErrNotFound)

	_, err = store.GetCalculation(ctx, "ok")
	require.NoError(t, err)
}

func TestFilterFailed(t *testing.T) {
	calcs := []calcstore.Calculation{
		{CalcID: "a", Status: calcstore.StatusRunning},
		{CalcID: "b", Status: calcstore.StatusFailed},
		{CalcID: "c", Status: calcstore.StatusComplete},
	}

	out := filterFailed(calcs)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].CalcID)
}
