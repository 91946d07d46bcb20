package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reply path and verification stage names.
const (
	StageWorkflow     = "workflow"
	StageBoundary     = "boundary"
	StageSanitize     = "sanitize"
	StageDispatch     = "verify_dispatch"
	StageTurnTotal    = "turn_total"
	StageVerification = "verification"
)

// Indicators counted next to stage latencies.
const (
	IndicatorFormatLeak           = "format_leak"
	IndicatorWorkflowCollapsed    = "workflow_collapsed"
	IndicatorVerificationDegraded = "verification_degraded"
	IndicatorVerificationJoined   = "verification_joined"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts window samples slower than the target.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// StageWindow keeps the most recent samples of each stage.
type StageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

// ring is a fixed-size sample buffer; len(vals) grows until it reaches cap.
type ring struct {
	vals []float64
	pos  int
	last float64
}

func (r *ring) add(v float64) {
	r.last = v
	if len(r.vals) < cap(r.vals) {
		r.vals = append(r.vals, v)
		return
	}
	r.vals[r.pos] = v
	r.pos = (r.pos + 1) % len(r.vals)
}

func (r *ring) stats(stage string) StageStats {
	sorted := append([]float64(nil), r.vals...)
	sort.Float64s(sorted)
	target := stageTargetP95MS(stage)

	sum, over := 0.0, 0
	for _, v := range sorted {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(nearestRank(sorted, 50)),
		P95MS:       round2(nearestRank(sorted, 95)),
		P99MS:       round2(nearestRank(sorted, 99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{vals: make([]float64, 0, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

// ObserveSince records the time elapsed since start for stage.
func (w *StageWindow) ObserveSince(stage string, start time.Time) {
	w.Observe(stage, ms(time.Since(start)))
}

// ObserveIndicator counts one occurrence of a named event.
func (w *StageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap.WindowSize = w.size

	for stage, r := range w.rings {
		if len(r.vals) > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func (w *StageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.indicators)
}

// nearestRank returns the p-th percentile of sorted, 0 < p <= 100.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Reply path targets are tight because the stages are pure CPU work.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageWorkflow, StageBoundary:
		return 1
	case StageSanitize, StageDispatch:
		return 5
	case StageTurnTotal:
		return 20
	case StageVerification:
		return 5000
	default:
		return 0
	}
}
