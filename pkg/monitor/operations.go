package monitor

import (
	"sort"
	"sync"
	"time"
)

// Operation accumulates the time spent in one named operation.
type Operation struct {
	Name     string        `json:"name"`
	Calls    int           `json:"calls"`
	Duration time.Duration `json:"duration"`
}

// Operations times named operations. It is safe for concurrent use, but
// workers normally own one each and the runner merges them.
type Operations struct {
	mu  sync.Mutex
	ops map[string]*Operation
	now func() time.Time
}

// NewOperations returns an empty set of timers.
func NewOperations() *Operations {
	return &Operations{ops: make(map[string]*Operation, 8), now: time.Now}
}

// Measure starts timing name and returns the function that stops it.
//
//	defer ops.Measure("computing gmfs")()
func (o *Operations) Measure(name string) func() {
	start := o.now()

	return func() {
		o.Add(name, o.now().Sub(start))
	}
}

// Add records one call of name lasting d.
func (o *Operations) Add(name string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.ops[name]
	if !ok {
		op = &Operation{Name: name}
		o.ops[name] = op
	}

	op.Calls++
	op.Duration += d
}

// Merge adds the timers of other.
func (o *Operations) Merge(other *Operations) {
	if other == nil {
		return
	}

	for _, op := range other.List() {
		o.mu.Lock()

		cur, ok := o.ops[op.Name]
		if !ok {
			cur = &Operation{Name: op.Name}
			o.ops[op.Name] = cur
		}

		cur.Calls += op.Calls
		cur.Duration += op.Duration

		o.mu.Unlock()
	}
}

// List returns a copy of the timers sorted by decreasing duration.
func (o *Operations) List() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Operation, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, *op)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}

		return out[i].Name < out[j].Name
	})

	return out
}
