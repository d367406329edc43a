// Package deception chooses a countermeasure strategy for entities whose
// fused threat score clears the activation threshold. Strategy weights adapt
// over time; selection reads a frozen snapshot so a reconcile pass never
// shifts a decision mid-flight.
package deception

// Strategy is one catalog entry: a named deception approach, the score band
// it is built for, and its adaptive starting weight.
type Strategy struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MinScore    float64 `json:"min_score"`
	MaxScore    float64 `json:"max_score"`
	BaseWeight  float64 `json:"base_weight"`
	Cost        float64 `json:"cost"`
}

// Matches reports whether score falls inside the strategy's band. Bands are
// half-open except at the top of the scale, so a perfect 1.0 still lands.
func (s Strategy) Matches(score float64) bool {
	if score < s.MinScore {
		return false
	}
	if s.MaxScore >= 1 {
		return score <= 1
	}
	return score < s.MaxScore
}

// DefaultCatalog returns the stock strategy lineup. Order matters: it is the
// final tiebreaker during selection, so the list runs from cheapest-to-burn
// to most elaborate.
func DefaultCatalog() []Strategy {
	return []Strategy{
		{
			Name:        "data_breadcrumbs",
			Description: "plant fake credentials and documents along the intruder's path",
			MinScore:    0.75, MaxScore: 0.90,
			BaseWeight: 0.90, Cost: 0.1,
		},
		{
			Name:        "adaptive_honeypot",
			Description: "full interactive honeypot shaped to the observed behavior",
			MinScore:    0.85, MaxScore: 1.00,
			BaseWeight: 0.80, Cost: 0.3,
		},
		{
			Name:        "decoy_services",
			Description: "lightweight banner decoys on adjacent ports",
			MinScore:    0.75, MaxScore: 0.85,
			BaseWeight: 0.70, Cost: 0.2,
		},
		{
			Name:        "network_deception",
			Description: "phantom hosts and routes that absorb lateral probes",
			MinScore:    0.80, MaxScore: 0.95,
			BaseWeight: 0.60, Cost: 0.4,
		},
		{
			Name:        "behavioral_mimicry",
			Description: "replay production-like traffic so the decoy blends in",
			MinScore:    0.90, MaxScore: 1.00,
			BaseWeight: 0.85, Cost: 0.5,
		},
	}
}
