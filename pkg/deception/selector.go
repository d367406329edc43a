package deception

import (
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shadowwall/pkg/ensemble"
)

// Skip reasons recorded on non-deploy decisions.
const (
	ReasonBelowThreshold = "below_threshold"
	ReasonInsufficient   = "insufficient_data"
	ReasonNoBand         = "no_band"
	ReasonExploit        = "exploit"
	ReasonExplore        = "explore"
)

// Decision is the selector's verdict for one assessment. Deploy false means
// the score did not warrant a countermeasure; Strategy is set only when
// Deploy is true.
type Decision struct {
	EntityKey string    `json:"entity_key"`
	Deploy    bool      `json:"deploy"`
	Strategy  string    `json:"strategy,omitempty"`
	Weight    float64   `json:"weight,omitempty"`
	Score     float64   `json:"score"`
	Explored  bool      `json:"explored"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	mSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "deception", Name: "selections_total",
		Help: "Deploy decisions by strategy and mode",
	}, []string{"strategy", "mode"})
	mSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "deception", Name: "skipped_total",
		Help: "Assessments that produced no deployment",
	}, []string{"reason"})
)

func init() {
	_ = prometheus.Register(mSelections)
	_ = prometheus.Register(mSkipped)
}

// Selector picks a strategy for high-scoring assessments: usually the
// heaviest eligible arm, occasionally a uniform exploratory pull.
type Selector struct {
	catalog   []Strategy
	weights   *WeightStore
	threshold float64
	epsilon   float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector wires the catalog to its weight store. threshold gates
// activation; epsilon in [0,1) is the exploration probability.
func NewSelector(catalog []Strategy, weights *WeightStore, threshold, epsilon float64) *Selector {
	return &Selector{
		catalog:   catalog,
		weights:   weights,
		threshold: threshold,
		epsilon:   epsilon,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Catalog returns the strategies this selector chooses from.
func (sel *Selector) Catalog() []Strategy {
	out := make([]Strategy, len(sel.catalog))
	copy(out, sel.catalog)
	return out
}

// SetTuning swaps the activation threshold and exploration probability,
// typically on a config reload. Selections in flight keep the values they
// already read.
func (sel *Selector) SetTuning(threshold, epsilon float64) {
	sel.mu.Lock()
	sel.threshold = threshold
	sel.epsilon = epsilon
	sel.mu.Unlock()
}

func (sel *Selector) tuning() (threshold, epsilon float64) {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.threshold, sel.epsilon
}

// Select decides whether and how to respond to one assessment. active maps
// strategy name to currently running instance count and breaks weight ties
// toward the least-loaded strategy; remaining ties fall back to catalog
// order. The weight snapshot is taken once, so concurrent reconciles cannot
// split the comparison.
func (sel *Selector) Select(a *ensemble.Assessment, active map[string]int) Decision {
	threshold, epsilon := sel.tuning()
	d := Decision{
		EntityKey: a.EntityKey,
		Score:     a.Score,
		Timestamp: a.Timestamp,
	}
	if a.Insufficient() {
		d.Reason = ReasonInsufficient
		mSkipped.WithLabelValues(d.Reason).Inc()
		return d
	}
	if a.Score < threshold {
		d.Reason = ReasonBelowThreshold
		mSkipped.WithLabelValues(d.Reason).Inc()
		return d
	}

	eligible := make([]Strategy, 0, len(sel.catalog))
	for _, s := range sel.catalog {
		if s.Matches(a.Score) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		d.Reason = ReasonNoBand
		mSkipped.WithLabelValues(d.Reason).Inc()
		return d
	}

	weights := sel.weights.Snapshot()

	if epsilon > 0 && sel.roll() < epsilon {
		pick := eligible[sel.pick(len(eligible))]
		d.Deploy = true
		d.Strategy = pick.Name
		d.Weight = weights[pick.Name]
		d.Explored = true
		d.Reason = ReasonExplore
		mSelections.WithLabelValues(pick.Name, "explore").Inc()
		return d
	}

	best := eligible[0]
	for _, s := range eligible[1:] {
		bw, sw := weights[best.Name], weights[s.Name]
		switch {
		case sw > bw:
			best = s
		case sw == bw && active[s.Name] < active[best.Name]:
			best = s
		}
	}
	d.Deploy = true
	d.Strategy = best.Name
	d.Weight = weights[best.Name]
	d.Reason = ReasonExploit
	mSelections.WithLabelValues(best.Name, "exploit").Inc()
	return d
}

func (sel *Selector) roll() float64 {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.rng.Float64()
}

func (sel *Selector) pick(n int) int {
	sel.mu.Lock()
	defer sel.mu.Unlock()
	return sel.rng.Intn(n)
}
