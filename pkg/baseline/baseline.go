// Package baseline keeps per-entity rolling behavior profiles and scores how
// far fresh activity departs from them. Profiles live in a sharded store so
// updates for one entity serialize while unrelated entities proceed in
// parallel.
package baseline

import (
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shadowwall/pkg/features"
)

// State is the trust level of a profile. It only moves forward.
type State string

const (
	StateCold    State = "cold"
	StateWarming State = "warming"
	StateStable  State = "stable"
)

// ErrOutOfOrder rejects an update whose event time precedes the entity's
// high-water mark. Callers drop and count; samples are never reordered.
var ErrOutOfOrder = errors.New("telemetry event older than profile high-water mark")

// stdFloor keeps z-scores finite when a feature's observed variance collapses
// to zero, which is the normal case for one-hot features on steady traffic.
const stdFloor = 0.01

var (
	mUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "baseline", Name: "updates_total",
		Help: "Profile updates absorbed",
	})
	mOutOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "baseline", Name: "out_of_order_total",
		Help: "Updates rejected for violating per-entity time order",
	})
	mEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "baseline", Name: "profiles_evicted_total",
		Help: "Profiles aged out by the cleanup sweep",
	})
	gProfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shadowwall", Subsystem: "baseline", Name: "profiles",
		Help: "Profiles currently resident",
	})
)

func init() {
	_ = prometheus.Register(mUpdates)
	_ = prometheus.Register(mOutOfOrder)
	_ = prometheus.Register(mEvicted)
	_ = prometheus.Register(gProfiles)
}

// Options bound profile growth and shape the state machine.
type Options struct {
	Shards          int
	WarmingAfter    int
	StableAfter     int
	StableAfterSpan time.Duration
	WindowSize      int
	WindowSpan      time.Duration
	ZThreshold      float64
	WarmingCap      float64
	ProfileTTL      time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Shards <= 0 {
		out.Shards = 32
	}
	if out.WarmingAfter <= 0 {
		out.WarmingAfter = 10
	}
	if out.StableAfter <= out.WarmingAfter {
		out.StableAfter = out.WarmingAfter * 5
	}
	if out.StableAfterSpan <= 0 {
		out.StableAfterSpan = time.Hour
	}
	if out.WindowSize <= 0 {
		out.WindowSize = 1000
	}
	if out.WindowSpan <= 0 {
		out.WindowSpan = 5 * time.Minute
	}
	if out.ZThreshold <= 0 {
		out.ZThreshold = 3.0
	}
	if out.WarmingCap <= 0 || out.WarmingCap > 1 {
		out.WarmingCap = 0.6
	}
	if out.ProfileTTL <= 0 {
		out.ProfileTTL = 7 * 24 * time.Hour
	}
	return out
}

// Deviation is the scored distance of one sample from its entity's profile.
type Deviation struct {
	EntityKey  string    `json:"entity_key"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	State      State     `json:"state"`
	MaxZ       float64   `json:"max_z"`
	TopFeature string    `json:"top_feature,omitempty"`
	Seen       int       `json:"seen"`
	Timestamp  time.Time `json:"timestamp"`
}

type sample struct {
	ts     time.Time
	values [features.VectorLen]float64
}

type profile struct {
	entityKey string
	firstSeen time.Time
	lastSeen  time.Time // wall clock, for TTL aging
	highWater time.Time // event time ordering guard
	seen      int       // total absorbed, never decremented
	window    []sample
	sums      [features.VectorLen]float64
	sumsq     [features.VectorLen]float64
}

func (p *profile) absorb(v *features.Vector, opts *Options) {
	p.window = append(p.window, sample{ts: v.Timestamp, values: v.Values})
	for i, x := range v.Values {
		p.sums[i] += x
		p.sumsq[i] += x * x
	}
	cutoff := v.Timestamp.Add(-opts.WindowSpan)
	for len(p.window) > opts.WindowSize || (len(p.window) > 1 && p.window[0].ts.Before(cutoff)) {
		old := p.window[0]
		p.window = p.window[1:]
		for i, x := range old.values {
			p.sums[i] -= x
			p.sumsq[i] -= x * x
		}
	}
	p.seen++
	p.highWater = v.Timestamp
	p.lastSeen = time.Now()
}

func (p *profile) state(at time.Time, opts *Options) State {
	switch {
	case p.seen >= opts.StableAfter:
		return StateStable
	case p.seen >= opts.WarmingAfter && at.Sub(p.firstSeen) >= opts.StableAfterSpan:
		return StateStable
	case p.seen >= opts.WarmingAfter:
		return StateWarming
	default:
		return StateCold
	}
}

// confidence grows strictly with every absorbed sample while the profile
// warms, capped below WarmingCap, and reaches full weight only once stable.
func (p *profile) confidence(state State, opts *Options) float64 {
	fill := math.Min(1, float64(len(p.window))/float64(opts.WarmingAfter))
	if state == StateStable {
		c := math.Max(float64(p.seen)/float64(opts.StableAfter), opts.WarmingCap)
		return math.Min(1, c) * fill
	}
	return opts.WarmingCap * float64(p.seen) / float64(opts.StableAfter) * fill
}

// deviation scores v against the profile as it stood before absorbing it.
func (p *profile) deviation(v *features.Vector, opts *Options) (maxZ float64, top string) {
	n := float64(len(p.window))
	if n < 2 {
		return 0, ""
	}
	topIdx := -1
	names := features.Names()
	for i, x := range v.Values {
		mean := p.sums[i] / n
		variance := p.sumsq[i]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		std := math.Sqrt(variance)
		if std < stdFloor {
			std = stdFloor
		}
		z := math.Abs(x-mean) / std
		if z > maxZ {
			maxZ = z
			topIdx = i
		}
	}
	if topIdx >= 0 {
		top = names[topIdx]
	}
	return maxZ, top
}

type shard struct {
	mu       sync.Mutex
	profiles map[string]*profile
}

// Store is the sharded profile index.
type Store struct {
	opts   Options
	shards []*shard
}

func NewStore(opts Options) *Store {
	o := opts.withDefaults()
	s := &Store{opts: o, shards: make([]*shard, o.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]*profile)}
	}
	return s
}

func (s *Store) shardFor(entityKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityKey))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Update scores the vector against the entity's profile, then absorbs it.
// Event times must be non-decreasing per entity; violations are rejected.
func (s *Store) Update(v *features.Vector) (Deviation, error) {
	if v.SchemaVersion != features.VectorSchemaVersion {
		return Deviation{}, features.ErrSchemaMismatch
	}
	sh := s.shardFor(v.EntityKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[v.EntityKey]
	if !ok {
		p = &profile{entityKey: v.EntityKey, firstSeen: v.Timestamp}
		sh.profiles[v.EntityKey] = p
		gProfiles.Inc()
	}
	if v.Timestamp.Before(p.highWater) {
		mOutOfOrder.Inc()
		return Deviation{}, ErrOutOfOrder
	}

	maxZ, top := p.deviation(v, &s.opts)
	p.absorb(v, &s.opts)
	mUpdates.Inc()

	state := p.state(v.Timestamp, &s.opts)
	dev := Deviation{
		EntityKey:  v.EntityKey,
		State:      state,
		MaxZ:       maxZ,
		TopFeature: top,
		Seen:       p.seen,
		Confidence: p.confidence(state, &s.opts),
		Timestamp:  v.Timestamp,
	}
	if state != StateCold {
		dev.Score = clamp01(maxZ / (2 * s.opts.ZThreshold))
	}
	return dev, nil
}

// EntityState reports the profile state without mutating anything.
func (s *Store) EntityState(entityKey string, at time.Time) (State, bool) {
	sh := s.shardFor(entityKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.profiles[entityKey]
	if !ok {
		return StateCold, false
	}
	return p.state(at, &s.opts), true
}

// Len counts resident profiles across all shards.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.profiles)
		sh.mu.Unlock()
	}
	return n
}

// Cleanup drops profiles with no updates within the TTL and reports how many
// were removed.
func (s *Store) Cleanup(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, p := range sh.profiles {
			if now.Sub(p.lastSeen) > s.opts.ProfileTTL {
				delete(sh.profiles, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		mEvicted.Add(float64(removed))
		gProfiles.Sub(float64(removed))
	}
	return removed
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
