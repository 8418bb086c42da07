package calcstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
)

func setupTestStore(t *testing.T) calcstore.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := calcstore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()

	require.NoError(t, s.UpsertCalculation(ctx, &calcstore.Calculation{
		CalcID: "calc-a", Mode: config.ModeEventBased, Status: calcstore.StatusRunning, StartedAt: now,
	}))
	require.NoError(t, s.UpsertCalculation(ctx, &calcstore.Calculation{
		CalcID: "calc-b", Mode: config.ModeScenario, Status: calcstore.StatusComplete, StartedAt: now.Add(time.Minute),
	}))

	all, err := s.ListCalculations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "calc-b", all[0].CalcID, "newest first")

	scen, err := s.ListCalculations(ctx, config.ModeScenario)
	require.NoError(t, err)
	require.Len(t, scen, 1)
	assert.Equal(t, "calc-b", scen[0].CalcID)

	ids, err := s.ListCalculationIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"calc-a", "calc-b"}, ids)

	incomplete, err := s.ListIncompleteCalculationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc-a"}, incomplete)
}

func TestStore_UpsertUpdates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	calc := &calcstore.Calculation{CalcID: "calc-a", Mode: config.ModeEventBased, Status: calcstore.StatusRunning}
	require.NoError(t, s.UpsertCalculation(ctx, calc))

	finished := time.Now()
	require.NoError(t, s.UpsertCalculation(ctx, &calcstore.Calculation{
		CalcID:     "calc-a",
		Status:     calcstore.StatusComplete,
		GMFRows:    42,
		FinishedAt: &finished,
	}))

	got, err := s.GetCalculation(ctx, "calc-a")
	require.NoError(t, err)
	assert.Equal(t, calcstore.StatusComplete, got.Status)
	assert.Equal(t, config.ModeEventBased, got.Mode)
	assert.Equal(t, uint64(42), got.GMFRows)
	assert.NotNil(t, got.FinishedAt)
	assert.True(t, got.Terminal())

	ids, err := s.ListCalculationIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	_, err = s.GetCalculation(ctx, "missing")
	require.ErrorIs(t, err, calcstore.ErrNotFound)
}

func TestStore_UpsertStatusTransitions(t *testing.T) {
	tests := []struct {
		name      string
		update    calcstore.Calculation
		wantState string
		wantError string
	}{
		{
			name:      "completes",
			update:    calcstore.Calculation{Status: calcstore.StatusComplete, NumEvents: 9},
			wantState: calcstore.StatusComplete,
		},
		{
			name:      "fails with error",
			update:    calcstore.Calculation{Status: calcstore.StatusFailed, Error: "out of memory"},
			wantState: calcstore.StatusFailed,
			wantError: "out of memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			ctx := context.Background()

			started := time.Now().Truncate(time.Second)
			require.NoError(t, s.UpsertCalculation(ctx, &calcstore.Calculation{
				CalcID: "calc-a", Mode: config.ModeScenario, Status: calcstore.StatusRunning, StartedAt: started,
			}))

			update := tt.update
			update.CalcID = "calc-a"
			require.NoError(t, s.UpsertCalculation(ctx, &update))
			assert.NotZero(t, update.ID)

			got, err := s.GetCalculation(ctx, "calc-a")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.Status)
			assert.Equal(t, tt.wantError, got.Error)
			assert.Equal(t, config.ModeScenario, got.Mode)
			assert.True(t, started.Equal(got.StartedAt))
			assert.Equal(t, tt.update.NumEvents, got.NumEvents)

			incomplete, err := s.ListIncompleteCalculationIDs(ctx)
			require.NoError(t, err)
			assert.Empty(t, incomplete)
		})
	}
}

func TestStore_TaskTimings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCalculation(ctx, &calcstore.Calculation{CalcID: "calc-a"}))

	timings := make([]*calcstore.TaskTiming, 0, 250)
	for i := 0; i < 250; i++ {
		timings = append(timings, &calcstore.TaskTiming{CalcID: "calc-a", TaskNo: i, DurationNs: int64(i)})
	}

	require.NoError(t, s.BulkInsertTaskTimings(ctx, timings))
	require.NoError(t, s.BulkInsertTaskTimings(ctx, nil))

	// Re-inserting a task replaces it.
	require.NoError(t, s.BulkInsertTaskTimings(ctx, []*calcstore.TaskTiming{
		{CalcID: "calc-a", TaskNo: 3, DurationNs: 999},
	}))

	got, err := s.ListTaskTimings(ctx, "calc-a")
	require.NoError(t, err)
	require.Len(t, got, 250)
	assert.Equal(t, 0, got[0].TaskNo)
	assert.Equal(t, int64(999), got[3].DurationNs)

	require.NoError(t, s.DeleteCalculation(ctx, "calc-a"))

	got, err = s.ListTaskTimings(ctx, "calc-a")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.GetCalculation(ctx, "calc-a")
	require.ErrorIs(t, err, calcstore.ErrNotFound)
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := calcstore.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
