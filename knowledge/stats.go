package knowledge

import (
	"encoding/json"
	"sync"
	"time"
)

// Pipeline steps in execution order.
const (
	StepDownload       = "download"
	StepTextExtraction = "text_extraction"
	StepChunking       = "chunking"
	StepEmbedding      = "embedding"
	StepStorage        = "storage"
	StepCleanup        = "cleanup"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Steps lists every step in the order the pipeline runs them.
var Steps = []string{StepDownload, StepTextExtraction, StepChunking, StepEmbedding, StepStorage, StepCleanup}

// StepState records the timing of one pipeline step.
type StepState struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// ProcessingStats is stored as JSON on the document record.
type ProcessingStats struct {
	StartTime  string               `json:"startTime"`
	Steps      map[string]StepState `json:"steps"`
	StepTimes  map[string]float64   `json:"stepTimes"`
	EndTime    string               `json:"endTime,omitempty"`
	TotalTime  float64              `json:"totalTime,omitempty"`
	ChunkCount int                  `json:"chunkCount,omitempty"`
}

// ParseProcessingStats decodes the stats column. Empty input yields nil.
func ParseProcessingStats(raw []byte) (*ProcessingStats, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var stats ProcessingStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// statsTracker records step transitions for one pipeline run.
type statsTracker struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time
	begun map[string]time.Time
	stats ProcessingStats
}

func newStatsTracker(now func() time.Time) *statsTracker {
	if now == nil {
		now = time.Now
	}
	started := now().UTC()
	steps := make(map[string]StepState, len(Steps))
	for _, step := range Steps {
		steps[step] = StepState{Status: StepPending}
	}
	return &statsTracker{
		now:   now,
		start: started,
		begun: make(map[string]time.Time, len(Steps)),
		stats: ProcessingStats{
			StartTime: started.Format(time.RFC3339Nano),
			Steps:     steps,
			StepTimes: make(map[string]float64, len(Steps)),
		},
	}
}

func (t *statsTracker) begin(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now().UTC()
	t.begun[step] = ts
	t.stats.Steps[step] = StepState{Status: StepInProgress, Timestamp: ts.Format(time.RFC3339Nano)}
}

func (t *statsTracker) complete(step string) {
	t.end(step, StepState{Status: StepCompleted})
}

func (t *statsTracker) skip(step string) {
	t.end(step, StepState{Status: StepCompleted, Skipped: true})
}

func (t *statsTracker) fail(step string, err error) {
	state := StepState{Status: StepFailed}
	if err != nil {
		state.Error = err.Error()
	}
	t.end(step, state)
}

func (t *statsTracker) end(step string, state StepState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now().UTC()
	state.Timestamp = ts.Format(time.RFC3339Nano)
	t.stats.Steps[step] = state
	if began, ok := t.begun[step]; ok {
		t.stats.StepTimes[step] = ts.Sub(began).Seconds()
	} else {
		t.stats.StepTimes[step] = 0
	}
}

// finish stamps the aggregate timing and returns the total duration.
func (t *statsTracker) finish(chunkCount int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now().UTC()
	total := ts.Sub(t.start)
	t.stats.EndTime = ts.Format(time.RFC3339Nano)
	t.stats.TotalTime = total.Seconds()
	t.stats.ChunkCount = chunkCount
	return total
}

func (t *statsTracker) snapshot() ProcessingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Steps = make(map[string]StepState, len(t.stats.Steps))
	for k, v := range t.stats.Steps {
		out.Steps[k] = v
	}
	out.StepTimes = make(map[string]float64, len(t.stats.StepTimes))
	for k, v := range t.stats.StepTimes {
		out.StepTimes[k] = v
	}
	return out
}

func (t *statsTracker) json() []byte {
	snap := t.snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return raw
}
