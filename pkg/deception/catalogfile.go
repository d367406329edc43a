package deception

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadCatalog reads a strategy catalog from a JSON file, letting operators
// swap the stock lineup without a rebuild. An empty path returns
// DefaultCatalog. The file holds an array of Strategy objects; order is
// preserved because it is the selection tiebreaker.
func LoadCatalog(path string) ([]Strategy, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var catalog []Strategy
	if err := json.Unmarshal(b, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}

func validateCatalog(catalog []Strategy) error {
	if len(catalog) == 0 {
		return fmt.Errorf("no strategies defined")
	}
	seen := make(map[string]bool, len(catalog))
	for i, s := range catalog {
		if s.Name == "" {
			return fmt.Errorf("strategy %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate strategy %q", s.Name)
		}
		seen[s.Name] = true
		if s.MinScore < 0 || s.MinScore >= 1 {
			return fmt.Errorf("strategy %q: min_score %v outside [0,1)", s.Name, s.MinScore)
		}
		if s.MaxScore <= s.MinScore || s.MaxScore > 1 {
			return fmt.Errorf("strategy %q: max_score %v must sit in (min_score,1]", s.Name, s.MaxScore)
		}
		if s.BaseWeight < 0 || s.BaseWeight > 1 {
			return fmt.Errorf("strategy %q: base_weight %v outside [0,1]", s.Name, s.BaseWeight)
		}
		if s.Cost < 0 || s.Cost > 1 {
			return fmt.Errorf("strategy %q: cost %v outside [0,1]", s.Name, s.Cost)
		}
	}
	return nil
}
