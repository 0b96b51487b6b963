package pipeline

import (
	"sync"
	"time"
)

// RunJob is the progress of one pipeline run.
type RunJob struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"` // "running", "completed", "completed_with_errors", "aborted"
	TotalAreas  int        `json:"total_areas"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	CurrentArea string     `json:"current_area,omitempty"`
	CurrentStep string     `json:"current_step,omitempty"`
	FailedAreas []string   `json:"failed_areas,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Tracker holds the most recent run for the status server.
type Tracker struct {
	mu  sync.Mutex
	job *RunJob
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) start(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job = &RunJob{ID: id, Status: "running", TotalAreas: total, StartedAt: time.Now()}
}

func (t *Tracker) step(area, step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job != nil {
		t.job.CurrentArea, t.job.CurrentStep = area, step
	}
}

func (t *Tracker) areaDone(area string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return
	}
	if failed {
		t.job.Failed++
		t.job.FailedAreas = append(t.job.FailedAreas, area)
	} else {
		t.job.Completed++
	}
}

func (t *Tracker) finish(status string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return
	}
	t.job.CurrentArea, t.job.CurrentStep = "", ""
	t.job.CompletedAt = &now
	t.job.Status = status
}

// Current returns a copy of the latest run, if any.
func (t *Tracker) Current() (RunJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return RunJob{}, false
	}
	snapshot := *t.job
	if t.job.FailedAreas != nil {
		snapshot.FailedAreas = make([]string, len(t.job.FailedAreas))
		copy(snapshot.FailedAreas, t.job.FailedAreas)
	}
	return snapshot, true
}
