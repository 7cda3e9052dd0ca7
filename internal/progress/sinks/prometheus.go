package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmpumuro/judex/internal/progress"
)

// PrometheusSink exports view-model update metrics via Prometheus. It counts
// patches per field, tracks the last reported progress per stage, and tallies
// verdicts and terminal statuses.
type PrometheusSink struct {
	patches       prometheus.Counter
	fieldUpdates  *prometheus.CounterVec
	stageProgress *prometheus.HistogramVec
	statuses      *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		patches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "judex_patches_applied_total",
			Help: "Total coalesced patches delivered to the view model.",
		}),
		fieldUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_patch_fields_total",
			Help: "Patched attributes partitioned by field name.",
		}, []string{"field"}),
		stageProgress: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judex_stage_progress_percent",
			Help:    "Progress percentages reported while each stage was current.",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}, []string{"stage"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_status_updates_total",
			Help: "Status transitions partitioned by status.",
		}, []string{"status"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judex_verdicts_total",
			Help: "Evaluation verdicts partitioned by value.",
		}, []string{"verdict"}),
	}
	for _, collector := range []prometheus.Collector{
		s.patches,
		s.fieldUpdates,
		s.stageProgress,
		s.statuses,
		s.verdicts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// ApplyPatch updates the collectors from one coalesced patch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) ApplyPatch(_ context.Context, _ string, patch progress.Patch) error {
	s.patches.Inc()
	for _, field := range patch.Fields() {
		s.fieldUpdates.WithLabelValues(field).Inc()
	}
	if patch.Progress != nil {
		stage := "unknown"
		if patch.CurrentStage != nil && *patch.CurrentStage != "" {
			stage = *patch.CurrentStage
		}
		s.stageProgress.WithLabelValues(stage).Observe(*patch.Progress)
	}
	if patch.Status != nil {
		s.statuses.WithLabelValues(*patch.Status).Inc()
	}
	if patch.Verdict != nil {
		s.verdicts.WithLabelValues(*patch.Verdict).Inc()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
