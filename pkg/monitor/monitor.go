// Package monitor watches process resources while a calculation runs: it
// signals out-of-memory conditions and times named operations.
package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// ErrOutOfMemory is returned when memory usage crosses the hard limit.
var ErrOutOfMemory = errors.New("ran out of memory")

// Stats contains a snapshot of host memory.
type Stats struct {
	Total       uint64  // Total memory (bytes)
	Used        uint64  // Used memory (bytes)
	UsedPercent float64 // Used memory as a percentage of total
}

// Reader is the interface for reading memory stats.
type Reader interface {
	// ReadStats returns the current memory usage.
	ReadStats() (*Stats, error)
	// Type returns the reader implementation type for logging.
	Type() string
}

// virtualMemoryReader reads host memory with gopsutil.
type virtualMemoryReader struct{}

var _ Reader = (*virtualMemoryReader)(nil)

// NewReader returns a reader of host virtual memory.
func NewReader() Reader {
	return &virtualMemoryReader{}
}

func (r *virtualMemoryReader) Type() string {
	return "virtual_memory"
}

func (r *virtualMemoryReader) ReadStats() (*Stats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("reading virtual memory: %w", err)
	}

	return &Stats{Total: vm.Total, Used: vm.Used, UsedPercent: vm.UsedPercent}, nil
}

// MemoryGuard checks memory usage against a soft and a hard limit, both
// percentages of total memory.
type MemoryGuard struct {
	log    logrus.FieldLogger
	reader Reader
	soft   float64
	hard   float64

	mu     sync.Mutex
	warned bool
}

// NewMemoryGuard creates a guard. A hard limit <= 0 disables the guard.
func NewMemoryGuard(log logrus.FieldLogger, reader Reader, soft, hard float64) *MemoryGuard {
	return &MemoryGuard{
		log:    log.WithField("component", "memory-guard"),
		reader: reader,
		soft:   soft,
		hard:   hard,
	}
}

// Check returns ErrOutOfMemory above the hard limit. Crossing the soft
// limit logs a warning once. Failures to read the stats are logged and
// ignored. A nil guard never fails.
func (g *MemoryGuard) Check() error {
	if g == nil || g.hard <= 0 {
		return nil
	}

	stats, err := g.reader.ReadStats()
	if err != nil {
		g.log.WithError(err).Debug("Failed to read memory stats")

		return nil
	}

	if stats.UsedPercent >= g.hard {
		return fmt.Errorf(
			"%w: using %.1f%% of %s (hard limit %.0f%%)",
			ErrOutOfMemory, stats.UsedPercent, units.BytesSize(float64(stats.Total)), g.hard,
		)
	}

	if stats.UsedPercent >= g.soft {
		g.mu.Lock()
		defer g.mu.Unlock()

		if !g.warned {
			g.warned = true
			g.log.WithFields(logrus.Fields{
				"used":    units.BytesSize(float64(stats.Used)),
				"percent": fmt.Sprintf("%.1f", stats.UsedPercent),
				"reader":  g.reader.Type(),
			}).Warn("Memory usage above soft limit")
		}
	}

	return nil
}
