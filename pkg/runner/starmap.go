package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// starmap runs task over every unit with at most limit in flight and
// hands each result to fold. fold runs on a single goroutine, so it may
// own unsynchronized accumulators. The first error from a task or from
// fold cancels the remaining tasks and is returned.
func starmap[U, R any](
	ctx context.Context,
	limit int,
	units []U,
	task func(context.Context, U) (R, error),
	fold func(R) error,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, limit))

	results := make(chan R)
	foldDone := make(chan error, 1)

	go func() {
		var err error

		for r := range results {
			if err != nil {
				continue
			}

			if err = fold(r); err != nil {
				cancel()
			}
		}

		foldDone <- err
	}()

	for _, u := range units {
		if gCtx.Err() != nil {
			break
		}

		g.Go(func() error {
			r, err := task(gCtx, u)
			if err != nil {
				return err
			}

			select {
			case results <- r:
				return nil
			case <-gCtx.Done():
				return gCtx.Err()
			}
		})
	}

	taskErr := g.Wait()
	close(results)

	if err := <-foldDone; err != nil {
		return err
	}

	if taskErr != nil {
		return taskErr
	}

	return ctx.Err()
}
