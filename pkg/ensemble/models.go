package ensemble

import (
	"context"

	"shadowwall/pkg/features"
)

// threatPattern is a named bundle of per-feature floors. A pattern matches
// when at least matchFraction of its floors are met.
type threatPattern struct {
	name       string
	weight     float64
	thresholds map[int]float64
}

const matchFraction = 0.7

var defaultPatterns = []threatPattern{
	{
		name:   "data_exfiltration",
		weight: 0.90,
		thresholds: map[int]float64{
			features.FPayloadEntropy: 0.70,
			features.FBytesTotal:     0.50,
			features.FPktGe1500:      1.0,
		},
	},
	{
		name:   "ddos",
		weight: 0.90,
		thresholds: map[int]float64{
			features.FRateEventsPerSec: 0.50,
			features.FPktSizeNorm:      0.30,
			features.FProtoUDP:         1.0,
		},
	},
	{
		name:   "port_scan",
		weight: 0.85,
		thresholds: map[int]float64{
			features.FUniqDstPorts:     0.40,
			features.FRateEventsPerSec: 0.10,
			features.FPktLt64:          1.0,
		},
	},
	{
		name:   "lateral_movement",
		weight: 0.80,
		thresholds: map[int]float64{
			features.FSrcPrivate:   1.0,
			features.FDstWellKnown: 1.0,
			features.FUniqDstIPs:   0.20,
			features.FNight:        1.0,
		},
	},
	{
		name:   "reconnaissance",
		weight: 0.70,
		thresholds: map[int]float64{
			features.FProtoICMP:  1.0,
			features.FUniqDstIPs: 0.15,
		},
	},
}

// PatternModel matches the vector against the fixed threat-pattern library.
type PatternModel struct {
	patterns []threatPattern
}

func NewPatternModel() *PatternModel { return &PatternModel{patterns: defaultPatterns} }

func (m *PatternModel) Name() string { return "pattern" }

func (m *PatternModel) Evaluate(_ context.Context, v *features.Vector) (float64, float64, error) {
	bestScore, bestFraction := 0.0, 0.0
	for _, p := range m.patterns {
		met := 0
		for idx, floor := range p.thresholds {
			if v.Values[idx] >= floor {
				met++
			}
		}
		fraction := float64(met) / float64(len(p.thresholds))
		if fraction < matchFraction {
			continue
		}
		if s := p.weight * fraction; s > bestScore {
			bestScore, bestFraction = s, fraction
		}
	}
	if bestScore == 0 {
		// looked but saw nothing; a benign verdict with modest confidence
		return 0, 0.3, nil
	}
	return bestScore, 0.4 + 0.6*bestFraction, nil
}

// EntropyModel judges payload encoding: high-entropy or hex-heavy payloads
// suggest packed or exfiltrated data. It abstains when there is no payload.
type EntropyModel struct{}

func NewEntropyModel() *EntropyModel { return &EntropyModel{} }

func (m *EntropyModel) Name() string { return "entropy" }

func (m *EntropyModel) Evaluate(_ context.Context, v *features.Vector) (float64, float64, error) {
	if v.Values[features.FPayloadLenNorm] == 0 {
		return 0, 0, ErrInsufficientData
	}
	score := 0.7*v.Values[features.FPayloadEntropy] +
		0.2*v.Values[features.FPayloadHexLike] +
		0.2*(1-v.Values[features.FPayloadPrintable])
	conf := 0.3 + 0.5*v.Values[features.FPayloadLenNorm]
	return clamp01(score), clamp01(conf), nil
}

// RateModel judges fan-out and request rate. It abstains unless the window
// actually shows spread or speed worth judging.
type RateModel struct{}

func NewRateModel() *RateModel { return &RateModel{} }

func (m *RateModel) Name() string { return "rate" }

func (m *RateModel) Evaluate(_ context.Context, v *features.Vector) (float64, float64, error) {
	ports := v.Values[features.FUniqDstPorts]
	ips := v.Values[features.FUniqDstIPs]
	rate := v.Values[features.FRateEventsPerSec]
	if ports < 0.15 && ips < 0.15 && rate < 0.05 {
		return 0, 0, ErrInsufficientData
	}
	score := 0.45*ports + 0.25*ips + 0.30*rate
	return clamp01(score), 0.6, nil
}

// DefaultModels is the stock lineup consulted in order.
func DefaultModels() []Model {
	return []Model{NewPatternModel(), NewEntropyModel(), NewRateModel()}
}
