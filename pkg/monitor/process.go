package monitor

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}

	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("checking pid %d: %w", pid, err)
	}

	return alive, nil
}
