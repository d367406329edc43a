package ensemble

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"shadowwall/pkg/baseline"
	"shadowwall/pkg/features"
)

type stubModel struct {
	name   string
	score  float64
	conf   float64
	err    error
	delay  time.Duration
	panics bool
}

func (m stubModel) Name() string { return m.name }

func (m stubModel) Evaluate(_ context.Context, _ *features.Vector) (float64, float64, error) {
	if m.panics {
		panic("boom")
	}
	if m.delay > 0 {
		// deliberately ignores ctx to exercise the hard timeout cut
		time.Sleep(m.delay)
	}
	return m.score, m.conf, m.err
}

func testVector() *features.Vector {
	return &features.Vector{
		SchemaVersion: features.VectorSchemaVersion,
		EntityKey:     "10.0.0.5",
		Timestamp:     time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScoreFusesConfidenceWeighted(t *testing.T) {
	s := NewScorer(time.Second,
		stubModel{name: "a", score: 0.6, conf: 0.5},
		stubModel{name: "b", score: 0.4, conf: 0.25},
	)
	dev := baseline.Deviation{EntityKey: "10.0.0.5", Score: 0.8, Confidence: 1.0}
	a, err := s.Score(context.Background(), testVector(), dev)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	wantScore := (0.8*1.0 + 0.6*0.5 + 0.4*0.25) / (1.0 + 0.5 + 0.25)
	if !approx(a.Score, wantScore) {
		t.Errorf("score = %v, want %v", a.Score, wantScore)
	}
	wantConf := (1.0 + 0.5 + 0.25) / 3.0
	if !approx(a.Confidence, wantConf) {
		t.Errorf("confidence = %v, want %v", a.Confidence, wantConf)
	}
	if len(a.Breakdown) != 3 || a.Breakdown[0].Name != "baseline_deviation" {
		t.Errorf("breakdown malformed: %+v", a.Breakdown)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer(time.Second,
		NewPatternModel(), NewEntropyModel(), NewRateModel(),
	)
	v := testVector()
	v.Values[features.FPayloadLenNorm] = 0.8
	v.Values[features.FPayloadEntropy] = 0.9
	v.Values[features.FBytesTotal] = 0.7
	v.Values[features.FPktGe1500] = 1
	dev := baseline.Deviation{EntityKey: v.EntityKey, Score: 0.9, Confidence: 0.8, State: baseline.StateStable}

	first, err := s.Score(context.Background(), v, dev)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := s.Score(context.Background(), v, dev)
		if err != nil {
			t.Fatalf("score %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("assessment differs on run %d:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestScoreZeroConfidenceIsInsufficientNotFabricated(t *testing.T) {
	s := NewScorer(20*time.Millisecond,
		stubModel{name: "hung", score: 1, conf: 1, delay: 500 * time.Millisecond},
		stubModel{name: "broken", err: errors.New("connection refused")},
	)
	dev := baseline.Deviation{EntityKey: "e", Score: 0.95, Confidence: 0}
	a, err := s.Score(context.Background(), testVector(), dev)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if a.Score != 0 || a.Confidence != 0 {
		t.Errorf("score/conf = %v/%v, want 0/0", a.Score, a.Confidence)
	}
	if !a.Insufficient() {
		t.Errorf("assessment should report insufficient data")
	}
	if a.Risk != RiskLow {
		t.Errorf("risk = %s, want low", a.Risk)
	}
}

func TestScoreIsolatesFailures(t *testing.T) {
	tests := []struct {
		name       string
		bad        Model
		wantStatus string
	}{
		{"timeout", stubModel{name: "bad", score: 1, conf: 1, delay: 300 * time.Millisecond}, StatusUnavailable},
		{"error", stubModel{name: "bad", err: errors.New("boom")}, StatusUnavailable},
		{"panic", stubModel{name: "bad", panics: true}, StatusUnavailable},
		{"abstain", stubModel{name: "bad", err: ErrInsufficientData}, StatusInsufficient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScorer(30*time.Millisecond, tt.bad, stubModel{name: "good", score: 0.5, conf: 0.5})
			a, err := s.Score(context.Background(), testVector(), baseline.Deviation{Confidence: 0})
			if err != nil {
				t.Fatalf("score: %v", err)
			}
			if got := a.Breakdown[1].Status; got != tt.wantStatus {
				t.Errorf("bad model status = %s, want %s", got, tt.wantStatus)
			}
			if got := a.Breakdown[2].Status; got != StatusOK {
				t.Errorf("good model status = %s, want ok", got)
			}
			if !approx(a.Score, 0.5) {
				t.Errorf("score = %v, want 0.5 from the surviving model", a.Score)
			}
		})
	}
}

func TestScoreRejectsSchemaMismatch(t *testing.T) {
	s := NewScorer(time.Second)
	v := testVector()
	v.SchemaVersion = 2
	if _, err := s.Score(context.Background(), v, baseline.Deviation{}); !errors.Is(err, features.ErrSchemaMismatch) {
		t.Errorf("want ErrSchemaMismatch, got %v", err)
	}
}

func TestPatternModel(t *testing.T) {
	m := NewPatternModel()
	tests := []struct {
		name      string
		set       map[int]float64
		wantScore float64
		wantConf  float64
	}{
		{
			"benign zero vector", nil, 0, 0.3,
		},
		{
			"data exfiltration",
			map[int]float64{features.FPayloadEntropy: 0.8, features.FBytesTotal: 0.7, features.FPktGe1500: 1},
			0.9, 1.0,
		},
		{
			"port scan",
			map[int]float64{features.FUniqDstPorts: 0.9, features.FRateEventsPerSec: 0.3, features.FPktLt64: 1},
			0.85, 1.0,
		},
		{
			"lateral movement",
			map[int]float64{features.FSrcPrivate: 1, features.FDstWellKnown: 1, features.FUniqDstIPs: 0.25, features.FNight: 1},
			0.8, 1.0,
		},
		{
			"two of three floors is below match fraction",
			map[int]float64{features.FPayloadEntropy: 0.8, features.FBytesTotal: 0.7},
			0, 0.3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVector()
			for idx, val := range tt.set {
				v.Values[idx] = val
			}
			score, conf, err := m.Evaluate(context.Background(), v)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if !approx(score, tt.wantScore) || !approx(conf, tt.wantConf) {
				t.Errorf("got (%v, %v), want (%v, %v)", score, conf, tt.wantScore, tt.wantConf)
			}
		})
	}
}

func TestEntropyModelAbstainsWithoutPayload(t *testing.T) {
	m := NewEntropyModel()
	_, _, err := m.Evaluate(context.Background(), testVector())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("want ErrInsufficientData, got %v", err)
	}

	v := testVector()
	v.Values[features.FPayloadLenNorm] = 0.8
	v.Values[features.FPayloadEntropy] = 0.9
	v.Values[features.FPayloadHexLike] = 0.1
	v.Values[features.FPayloadPrintable] = 0.4
	score, conf, err := m.Evaluate(context.Background(), v)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !approx(score, 0.7*0.9+0.2*0.1+0.2*0.6) {
		t.Errorf("score = %v", score)
	}
	if !approx(conf, 0.7) {
		t.Errorf("conf = %v, want 0.7", conf)
	}
}

func TestRateModelAbstainsWhenQuiet(t *testing.T) {
	m := NewRateModel()
	quiet := testVector()
	quiet.Values[features.FUniqDstPorts] = 0.03
	quiet.Values[features.FRateEventsPerSec] = 0.01
	if _, _, err := m.Evaluate(context.Background(), quiet); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("want abstention on quiet vector, got %v", err)
	}

	scan := testVector()
	scan.Values[features.FUniqDstPorts] = 0.9
	scan.Values[features.FUniqDstIPs] = 0.05
	scan.Values[features.FRateEventsPerSec] = 0.29
	score, conf, err := m.Evaluate(context.Background(), scan)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !approx(score, 0.45*0.9+0.25*0.05+0.30*0.29) {
		t.Errorf("score = %v", score)
	}
	if conf != 0.6 {
		t.Errorf("conf = %v, want 0.6", conf)
	}
}

func TestDeriveRisk(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, RiskCritical}, {0.9, RiskCritical},
		{0.89, RiskHigh}, {0.7, RiskHigh},
		{0.69, RiskMedium}, {0.5, RiskMedium},
		{0.49, RiskLow}, {0, RiskLow},
	}
	for _, tt := range tests {
		if got := DeriveRisk(tt.score); got != tt.want {
			t.Errorf("DeriveRisk(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
