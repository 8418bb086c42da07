package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStarmap_FoldsEveryResult(t *testing.T) {
	units := []int{1, 2, 3, 4, 5, 6, 7, 8}

	var (
		sum      int
		inFlight atomic.Int32
		peak     atomic.Int32
	)

	err := starmap(context.Background(), 3, units,
		func(_ context.Context, u int) (int, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			return u * u, nil
		},
		func(r int) error {
			sum += r

			return nil
		},
	)
	require.NoError(t, err)

	assert.Equal(t, 204, sum)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestStarmap_Errors(t *testing.T) {
	errTask := errors.New("task failed")
	errFold := errors.New("fold failed")

	tests := []struct {
		name    string
		task    func(context.Context, int) (int, error)
		fold    func(int) error
		wantErr error
	}{
		{
			name: "task error",
			task: func(_ context.Context, u int) (int, error) {
				if u == 3 {
					return 0, errTask
				}

				return u, nil
			},
			fold:    func(int) error { return nil },
			wantErr: errTask,
		},
		{
			name: "fold error",
			task: func(_ context.Context, u int) (int, error) { return u, nil },
			fold: func(r int) error {
				if r == 2 {
					return errFold
				}

				return nil
			},
			wantErr: errFold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := starmap(context.Background(), 2, []int{1, 2, 3, 4, 5}, tt.task, tt.fold)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStarmap_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := starmap(ctx, 2, []int{1, 2, 3},
		func(ctx context.Context, u int) (int, error) { return u, ctx.Err() },
		func(int) error { return nil },
	)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStarmap_Empty(t *testing.T) {
	calls := 0

	err := starmap(context.Background(), 4, nil,
		func(_ context.Context, u int) (int, error) { return u, nil },
		func(int) error {
			calls++

			return nil
		},
	)
	require.NoError(t, err)
	assert.Zero(t, calls)
}
