// Package ensemble fuses independent model scores and the behavioral
// deviation into one threat assessment. Models are polymorphic over a single
// capability and individually expendable: a slow or broken model costs
// confidence, never availability.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shadowwall/pkg/baseline"
	"shadowwall/pkg/features"
)

// Model scores one feature vector. Implementations must be deterministic for
// identical vectors and honor ctx cancellation.
type Model interface {
	Name() string
	Evaluate(ctx context.Context, v *features.Vector) (score, confidence float64, err error)
}

// ErrModelUnavailable is the match target for per-model failures.
var ErrModelUnavailable = errors.New("model unavailable")

// ErrInsufficientData lets a model abstain: its contribution is skipped
// without being counted as a failure.
var ErrInsufficientData = errors.New("insufficient data")

// ModelUnavailableError carries which model failed and why.
type ModelUnavailableError struct {
	Model string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

func (e *ModelUnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// Contribution statuses recorded in the assessment breakdown.
const (
	StatusOK           = "ok"
	StatusUnavailable  = "unavailable"
	StatusInsufficient = "insufficient"
)

// ModelScore is one input's share of the fused result.
type ModelScore struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
}

// Assessment is the fused verdict for one entity at one point in time. It is
// a pure function of its inputs: identical vector and deviation snapshots
// produce identical assessments.
type Assessment struct {
	EntityKey  string       `json:"entity_key"`
	Score      float64      `json:"score"`
	Confidence float64      `json:"confidence"`
	Risk       string       `json:"risk"`
	Breakdown  []ModelScore `json:"breakdown"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Insufficient reports whether no input carried any confidence.
func (a *Assessment) Insufficient() bool { return a.Confidence == 0 }

// Risk levels derived from the fused score.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
)

// DeriveRisk buckets a fused score into an operator-facing risk level.
func DeriveRisk(score float64) string {
	switch {
	case score >= 0.9:
		return RiskCritical
	case score >= 0.7:
		return RiskHigh
	case score >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

var (
	mAssessments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "ensemble", Name: "assessments_total",
		Help: "Assessments produced",
	})
	mUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "ensemble", Name: "model_unavailable_total",
		Help: "Per-model evaluation failures and timeouts",
	}, []string{"model"})
	mInsufficient = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "ensemble", Name: "insufficient_total",
		Help: "Assessments with zero total confidence",
	})
	hScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shadowwall", Subsystem: "ensemble", Name: "score",
		Help:    "Fused score distribution",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
)

func init() {
	_ = prometheus.Register(mAssessments)
	_ = prometheus.Register(mUnavailable)
	_ = prometheus.Register(mInsufficient)
	_ = prometheus.Register(hScore)
}

// Scorer runs a fixed, ordered model list. The order fixes the breakdown and
// keeps fusion reproducible.
type Scorer struct {
	models  []Model
	timeout time.Duration
}

func NewScorer(timeout time.Duration, models ...Model) *Scorer {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Scorer{models: models, timeout: timeout}
}

// Models lists registered model names in evaluation order.
func (s *Scorer) Models() []string {
	out := make([]string, len(s.models))
	for i, m := range s.models {
		out[i] = m.Name()
	}
	return out
}

type evalResult struct {
	score float64
	conf  float64
	err   error
}

// Score fuses the deviation and all model outputs for one frozen vector.
// Models run concurrently, each under its own timeout; a model that panics,
// errors, or overruns is excluded from the sums. Zero total confidence
// yields the explicit insufficient-data assessment, never a guess.
func (s *Scorer) Score(ctx context.Context, v *features.Vector, dev baseline.Deviation) (Assessment, error) {
	if v.SchemaVersion != features.VectorSchemaVersion {
		return Assessment{}, features.ErrSchemaMismatch
	}

	results := make([]evalResult, len(s.models))
	var wg sync.WaitGroup
	for i, m := range s.models {
		wg.Add(1)
		go func(i int, m Model) {
			defer wg.Done()
			results[i] = s.evaluateOne(ctx, m, v)
		}(i, m)
	}
	wg.Wait()

	breakdown := make([]ModelScore, 0, len(s.models)+1)
	breakdown = append(breakdown, ModelScore{
		Name:       "baseline_deviation",
		Score:      dev.Score,
		Confidence: dev.Confidence,
		Status:     StatusOK,
	})
	sum := dev.Score * dev.Confidence
	denom := dev.Confidence

	for i, m := range s.models {
		r := results[i]
		ms := ModelScore{Name: m.Name()}
		switch {
		case r.err == nil:
			ms.Score, ms.Confidence, ms.Status = r.score, r.conf, StatusOK
			sum += r.score * r.conf
			denom += r.conf
		case errors.Is(r.err, ErrInsufficientData):
			ms.Status = StatusInsufficient
		default:
			ms.Status = StatusUnavailable
			mUnavailable.WithLabelValues(m.Name()).Inc()
		}
		breakdown = append(breakdown, ms)
	}

	a := Assessment{
		EntityKey: v.EntityKey,
		Breakdown: breakdown,
		Timestamp: v.Timestamp,
	}
	if denom > 0 {
		a.Score = clamp01(sum / denom)
		// confidence spans all registered inputs, so silent models drag it down
		a.Confidence = clamp01(denom / float64(1+len(s.models)))
	} else {
		mInsufficient.Inc()
	}
	a.Risk = DeriveRisk(a.Score)

	mAssessments.Inc()
	hScore.Observe(a.Score)
	return a, nil
}

// evaluateOne isolates a single model call: its own deadline, panic recovery,
// and a hard cut when the model ignores cancellation.
func (s *Scorer) evaluateOne(ctx context.Context, m Model, v *features.Vector) evalResult {
	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- evalResult{err: &ModelUnavailableError{Model: m.Name(), Err: fmt.Errorf("panic: %v", rec)}}
			}
		}()
		score, conf, err := m.Evaluate(mctx, v)
		if err != nil && !errors.Is(err, ErrInsufficientData) {
			err = &ModelUnavailableError{Model: m.Name(), Err: err}
		}
		done <- evalResult{score: clamp01(score), conf: clamp01(conf), err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-mctx.Done():
		return evalResult{err: &ModelUnavailableError{Model: m.Name(), Err: mctx.Err()}}
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
