package calcstore

import "time"

// Calculation statuses.
const (
	StatusCreated  = "created"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Calculation is one run of the engine.
type Calculation struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	CalcID      string `gorm:"not null;uniqueIndex" json:"calc_id"`
	Mode        string `gorm:"index" json:"mode"`
	Description string `json:"description"`
	Status      string `gorm:"index" json:"status"`
	Error       string `gorm:"type:text" json:"error,omitempty"`
	Dir         string `json:"dir"`

	NumRuptures int    `json:"num_ruptures"`
	NumEvents   uint64 `json:"num_events"`
	NumSites    int    `json:"num_sites"`
	NumAssets   int    `json:"num_assets"`
	NumRlzs     int    `json:"num_rlzs"`
	NumTasks    int    `json:"num_tasks"`
	GMFRows     uint64 `json:"gmf_rows"`
	LossRows    uint64 `json:"loss_rows"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	IndexedAt  time.Time  `json:"indexed_at"`
}

// Terminal reports whether the calculation will not change anymore.
func (c *Calculation) Terminal() bool {
	return c.Status == StatusComplete || c.Status == StatusFailed
}

// TaskTiming is the cost of one simulation task.
type TaskTiming struct {
	ID          uint    `gorm:"primaryKey" json:"-"`
	CalcID      string  `gorm:"not null;uniqueIndex:idx_tt_calc_task" json:"calc_id"`
	TaskNo      int     `gorm:"not null;uniqueIndex:idx_tt_calc_task" json:"task_no"`
	NumRuptures int     `json:"num_ruptures"`
	Weight      float64 `json:"weight"`
	DurationNs  int64   `json:"duration_ns"`
	GMFRows     int     `json:"gmf_rows"`
	LossRows    int     `json:"loss_rows"`
}
