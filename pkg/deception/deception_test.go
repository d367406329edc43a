package deception

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"shadowwall/pkg/ensemble"
)

func assessment(score, conf float64) *ensemble.Assessment {
	return &ensemble.Assessment{
		EntityKey:  "10.0.0.5",
		Score:      score,
		Confidence: conf,
		Risk:       ensemble.DeriveRisk(score),
		Timestamp:  time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
}

func newTestSelector(epsilon float64) (*Selector, *WeightStore) {
	catalog := DefaultCatalog()
	ws := NewWeightStore(catalog)
	sel := NewSelector(catalog, ws, 0.75, epsilon)
	sel.rng = rand.New(rand.NewSource(42))
	return sel, ws
}

func TestStrategyMatchesBandEdges(t *testing.T) {
	half := Strategy{MinScore: 0.75, MaxScore: 0.90}
	top := Strategy{MinScore: 0.90, MaxScore: 1.00}
	tests := []struct {
		s     Strategy
		score float64
		want  bool
	}{
		{half, 0.74, false},
		{half, 0.75, true},
		{half, 0.89, true},
		{half, 0.90, false},
		{top, 0.90, true},
		{top, 1.00, true},
		{top, 0.89, false},
	}
	for _, tt := range tests {
		if got := tt.s.Matches(tt.score); got != tt.want {
			t.Errorf("Matches(%v) on [%v,%v) = %v, want %v", tt.score, tt.s.MinScore, tt.s.MaxScore, got, tt.want)
		}
	}
}

func TestSelectPicksHeaviestEligible(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.75, "data_breadcrumbs"},
		{0.80, "data_breadcrumbs"},
		{0.85, "data_breadcrumbs"},
		{0.90, "behavioral_mimicry"},
		{0.95, "behavioral_mimicry"},
		{1.00, "behavioral_mimicry"},
	}
	for _, tt := range tests {
		sel, _ := newTestSelector(0)
		d := sel.Select(assessment(tt.score, 0.9), nil)
		if !d.Deploy {
			t.Errorf("score %v: no deploy (reason %s)", tt.score, d.Reason)
			continue
		}
		if d.Strategy != tt.want {
			t.Errorf("score %v: picked %s, want %s", tt.score, d.Strategy, tt.want)
		}
		if d.Explored || d.Reason != ReasonExploit {
			t.Errorf("score %v: expected exploit pick, got %+v", tt.score, d)
		}
	}
}

func TestSelectSkips(t *testing.T) {
	sel, _ := newTestSelector(0)

	d := sel.Select(assessment(0.74, 0.9), nil)
	if d.Deploy || d.Reason != ReasonBelowThreshold {
		t.Errorf("below threshold: %+v", d)
	}

	d = sel.Select(assessment(0.0, 0), nil)
	if d.Deploy || d.Reason != ReasonInsufficient {
		t.Errorf("insufficient: %+v", d)
	}
	if d.Strategy != "" {
		t.Errorf("skip decisions must not name a strategy: %+v", d)
	}
}

func TestSelectTieBreaksByLoadThenOrder(t *testing.T) {
	sel, ws := newTestSelector(0)
	ws.Restore(map[string]float64{"adaptive_honeypot": 0.8, "behavioral_mimicry": 0.8})

	// equal weights, mimicry idle while adaptive is busy
	d := sel.Select(assessment(0.97, 0.9), map[string]int{"adaptive_honeypot": 2})
	if d.Strategy != "behavioral_mimicry" {
		t.Errorf("least-loaded tiebreak: picked %s", d.Strategy)
	}

	// equal weights and equal load falls back to catalog order
	d = sel.Select(assessment(0.97, 0.9), map[string]int{"adaptive_honeypot": 1, "behavioral_mimicry": 1})
	if d.Strategy != "adaptive_honeypot" {
		t.Errorf("catalog-order tiebreak: picked %s", d.Strategy)
	}
}

func TestSelectExploresWithinEligible(t *testing.T) {
	sel, _ := newTestSelector(1.0)
	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		d := sel.Select(assessment(0.92, 0.9), nil)
		if !d.Deploy || !d.Explored || d.Reason != ReasonExplore {
			t.Fatalf("expected exploratory deploy, got %+v", d)
		}
		switch d.Strategy {
		case "adaptive_honeypot", "network_deception", "behavioral_mimicry":
			seen[d.Strategy]++
		default:
			t.Fatalf("explored outside the eligible band: %s", d.Strategy)
		}
	}
	if len(seen) != 3 {
		t.Errorf("200 uniform pulls hit %d of 3 arms: %v", len(seen), seen)
	}
}

func TestWeightStoreApply(t *testing.T) {
	ws := NewWeightStore(DefaultCatalog())

	old, next, err := ws.Apply("decoy_services", 1.0, 0.2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if old != 0.70 {
		t.Errorf("old = %v, want 0.70", old)
	}
	if want := 0.70*0.8 + 1.0*0.2; math.Abs(next-want) > 1e-9 {
		t.Errorf("next = %v, want %v", next, want)
	}
	if math.Abs(next-old) > 0.2+1e-9 {
		t.Errorf("single step moved %v, exceeds alpha", next-old)
	}
	if got, _ := ws.Get("decoy_services"); got != next {
		t.Errorf("stored %v, returned %v", got, next)
	}
	if ws.Version() != 1 {
		t.Errorf("version = %d, want 1", ws.Version())
	}

	if _, _, err := ws.Apply("nope", 0.5, 0.2); err == nil {
		t.Error("unknown strategy accepted")
	}
	if _, _, err := ws.Apply("decoy_services", 1.5, 0.2); err == nil {
		t.Error("out-of-range signal accepted")
	}
	if _, _, err := ws.Apply("decoy_services", 0.5, 0); err == nil {
		t.Error("zero alpha accepted")
	}
}

func TestWeightStoreStepNeverExceedsAlpha(t *testing.T) {
	ws := NewWeightStore(DefaultCatalog())
	const alpha = 0.2
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		old, next, err := ws.Apply("adaptive_honeypot", rng.Float64(), alpha)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if d := math.Abs(next - old); d > alpha+1e-9 {
			t.Fatalf("step %d moved %v > alpha", i, d)
		}
		if next < 0 || next > 1 {
			t.Fatalf("step %d left range: %v", i, next)
		}
	}
}

func TestWeightStoreRestore(t *testing.T) {
	ws := NewWeightStore(DefaultCatalog())
	n := ws.Restore(map[string]float64{
		"data_breadcrumbs": 0.42,
		"decoy_services":   1.7,  // clamped
		"ghost_strategy":   0.99, // dropped
	})
	if n != 2 {
		t.Errorf("restored %d entries, want 2", n)
	}
	if w, _ := ws.Get("data_breadcrumbs"); w != 0.42 {
		t.Errorf("data_breadcrumbs = %v", w)
	}
	if w, _ := ws.Get("decoy_services"); w != 1 {
		t.Errorf("decoy_services = %v, want clamp to 1", w)
	}
	if _, ok := ws.Get("ghost_strategy"); ok {
		t.Error("unknown strategy restored")
	}
}

func TestWeightStoreSnapshotIsIsolated(t *testing.T) {
	ws := NewWeightStore(DefaultCatalog())
	snap := ws.Snapshot()
	snap["data_breadcrumbs"] = 0
	if w, _ := ws.Get("data_breadcrumbs"); w != 0.90 {
		t.Errorf("mutating a snapshot reached the store: %v", w)
	}
}

func TestSetTuningTakesEffect(t *testing.T) {
	sel, _ := newTestSelector(0)
	if d := sel.Select(assessment(0.80, 0.9), nil); !d.Deploy {
		t.Fatalf("0.80 should deploy at threshold 0.75: %+v", d)
	}
	sel.SetTuning(0.95, 0)
	d := sel.Select(assessment(0.80, 0.9), nil)
	if d.Deploy || d.Reason != ReasonBelowThreshold {
		t.Fatalf("0.80 should be below a 0.95 threshold: %+v", d)
	}
}
