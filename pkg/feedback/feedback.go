// Package feedback turns captured decoy interactions into strategy weight
// updates. It is the only writer of the weight store: evidence accumulates
// between reconcile passes, and each pass folds it in with a bounded step.
package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"shadowwall/pkg/deception"
	"shadowwall/pkg/decoy"
)

// Signal composition. An interaction-rich, long, varied engagement means
// the deception is working.
const (
	richnessCap  = 10.0  // interactions per cycle for full richness credit
	durationCap  = 600.0 // seconds of engagement for full duration credit
	techniqueCap = 5.0   // distinct techniques for full uniqueness credit

	richnessWeight   = 0.5
	durationWeight   = 0.3
	uniquenessWeight = 0.2
)

// EffectivenessRecord is one strategy's reconciled outcome for one cycle.
type EffectivenessRecord struct {
	Strategy          string    `json:"strategy"`
	Interactions      int       `json:"interactions"`
	Entities          int       `json:"entities"`
	UniqueTechniques  int       `json:"unique_techniques"`
	EngagementSeconds float64   `json:"engagement_seconds"`
	Signal            float64   `json:"signal"`
	WeightBefore      float64   `json:"weight_before"`
	WeightAfter       float64   `json:"weight_after"`
	Timestamp         time.Time `json:"timestamp"`
}

type evidence struct {
	count      int
	techniques map[string]struct{}
	entities   map[string]struct{}
	first      time.Time
	last       time.Time
}

var (
	mReconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "feedback", Name: "reconciles_total",
		Help: "Reconcile passes",
	})
	mRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "feedback", Name: "records_total",
		Help: "Effectiveness records produced",
	}, []string{"strategy"})
	gWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shadowwall", Subsystem: "feedback", Name: "strategy_weight",
		Help: "Current adaptive strategy weight",
	}, []string{"strategy"})
)

func init() {
	_ = prometheus.Register(mReconciles)
	_ = prometheus.Register(mRecords)
	_ = prometheus.Register(gWeight)
}

// Loop accumulates interaction evidence and reconciles it into the weight
// store on a fixed cadence.
type Loop struct {
	weights *deception.WeightStore
	alpha   float64
	log     zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*evidence
	history  []EffectivenessRecord
	histPos  int
	histFull bool

	onRecord func(EffectivenessRecord)
}

// NewLoop builds the feedback loop. alpha is the EWMA learning rate;
// historyLimit bounds the retained record ring.
func NewLoop(weights *deception.WeightStore, alpha float64, historyLimit int, log zerolog.Logger) *Loop {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	l := &Loop{
		weights: weights,
		alpha:   alpha,
		log:     log,
		pending: make(map[string]*evidence),
		history: make([]EffectivenessRecord, historyLimit),
	}
	for name, w := range weights.Snapshot() {
		gWeight.WithLabelValues(name).Set(w)
	}
	return l
}

// SetRecordHandler registers a consumer for reconciled records. Must be set
// before Run starts.
func (l *Loop) SetRecordHandler(fn func(EffectivenessRecord)) { l.onRecord = fn }

// SetAlpha swaps the learning rate, typically on a config reload. The next
// reconcile pass picks it up.
func (l *Loop) SetAlpha(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		return
	}
	l.mu.Lock()
	l.alpha = alpha
	l.mu.Unlock()
}

// Observe files one captured interaction as evidence for its strategy.
func (l *Loop) Observe(ix decoy.Interaction) {
	if ix.Strategy == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.pending[ix.Strategy]
	if !ok {
		ev = &evidence{
			techniques: make(map[string]struct{}),
			entities:   make(map[string]struct{}),
			first:      ix.Timestamp,
			last:       ix.Timestamp,
		}
		l.pending[ix.Strategy] = ev
	}
	ev.count++
	for _, tech := range ix.Techniques {
		ev.techniques[tech] = struct{}{}
	}
	if ix.EntityKey != "" {
		ev.entities[ix.EntityKey] = struct{}{}
	}
	if ix.Timestamp.Before(ev.first) {
		ev.first = ix.Timestamp
	}
	if ix.Timestamp.After(ev.last) {
		ev.last = ix.Timestamp
	}
}

func signalOf(ev *evidence) (seconds, signal float64) {
	richness := float64(ev.count) / richnessCap
	if richness > 1 {
		richness = 1
	}
	seconds = ev.last.Sub(ev.first).Seconds()
	duration := seconds / durationCap
	if duration > 1 {
		duration = 1
	}
	uniqueness := float64(len(ev.techniques)) / techniqueCap
	if uniqueness > 1 {
		uniqueness = 1
	}
	return seconds, richnessWeight*richness + durationWeight*duration + uniquenessWeight*uniqueness
}

// Reconcile folds all pending evidence into the weight store and returns
// the records it produced, in strategy order. Cycles without evidence
// produce nothing: absence of interactions is not proof of failure.
func (l *Loop) Reconcile(now time.Time) []EffectivenessRecord {
	l.mu.Lock()
	pending := l.pending
	l.pending = make(map[string]*evidence)
	alpha := l.alpha
	l.mu.Unlock()

	mReconciles.Inc()
	if len(pending) == 0 {
		return nil
	}

	strategies := make([]string, 0, len(pending))
	for name := range pending {
		strategies = append(strategies, name)
	}
	sort.Strings(strategies)

	records := make([]EffectivenessRecord, 0, len(strategies))
	for _, name := range strategies {
		ev := pending[name]
		seconds, signal := signalOf(ev)
		before, after, err := l.weights.Apply(name, signal, alpha)
		if err != nil {
			l.log.Warn().Err(err).Str("strategy", name).Msg("weight update skipped")
			continue
		}
		gWeight.WithLabelValues(name).Set(after)
		rec := EffectivenessRecord{
			Strategy:          name,
			Interactions:      ev.count,
			Entities:          len(ev.entities),
			UniqueTechniques:  len(ev.techniques),
			EngagementSeconds: seconds,
			Signal:            signal,
			WeightBefore:      before,
			WeightAfter:       after,
			Timestamp:         now,
		}
		records = append(records, rec)
		mRecords.WithLabelValues(name).Inc()
		l.log.Info().Str("strategy", name).Int("interactions", ev.count).
			Float64("signal", signal).Float64("weight", after).Msg("strategy weight reconciled")
	}

	l.mu.Lock()
	for _, rec := range records {
		l.history[l.histPos] = rec
		l.histPos = (l.histPos + 1) % len(l.history)
		if l.histPos == 0 {
			l.histFull = true
		}
	}
	handler := l.onRecord
	l.mu.Unlock()

	if handler != nil {
		for _, rec := range records {
			handler(rec)
		}
	}
	return records
}

// History returns up to limit records, newest first.
func (l *Loop) History(limit int) []EffectivenessRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.histPos
	if l.histFull {
		n = len(l.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]EffectivenessRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.histPos - 1 - i + len(l.history)) % len(l.history)
		out = append(out, l.history[idx])
	}
	return out
}

// Run reconciles on the given cadence until ctx is done, with one final
// pass on the way out so buffered evidence is not lost.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Reconcile(time.Now().UTC())
			return
		case now := <-t.C:
			l.Reconcile(now.UTC())
		}
	}
}
