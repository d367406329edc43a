package deception

import (
	"fmt"
	"sync"
)

// WeightStore holds the adaptive weight per strategy. Exactly one goroutine
// (the feedback reconciler) may call Apply or Restore; any number may read.
// Reads hand out copies, never the live map.
type WeightStore struct {
	mu      sync.RWMutex
	weights map[string]float64
	version uint64
}

// NewWeightStore seeds every catalog strategy at its base weight.
func NewWeightStore(catalog []Strategy) *WeightStore {
	w := make(map[string]float64, len(catalog))
	for _, s := range catalog {
		w[s.Name] = s.BaseWeight
	}
	return &WeightStore{weights: w}
}

// Get returns the current weight for one strategy.
func (ws *WeightStore) Get(name string) (float64, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	w, ok := ws.weights[name]
	return w, ok
}

// Snapshot copies all weights at one instant.
func (ws *WeightStore) Snapshot() map[string]float64 {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make(map[string]float64, len(ws.weights))
	for k, v := range ws.weights {
		out[k] = v
	}
	return out
}

// Version counts committed writes, for change detection by persisters.
func (ws *WeightStore) Version() uint64 {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.version
}

// Apply folds one effectiveness signal into a strategy's weight with an
// exponential moving average. Both inputs live in [0,1], which bounds any
// single step to at most alpha. Returns the weight before and after.
func (ws *WeightStore) Apply(name string, signal, alpha float64) (old, next float64, err error) {
	if signal < 0 || signal > 1 {
		return 0, 0, fmt.Errorf("signal %v out of range", signal)
	}
	if alpha <= 0 || alpha > 1 {
		return 0, 0, fmt.Errorf("alpha %v out of range", alpha)
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	old, ok := ws.weights[name]
	if !ok {
		return 0, 0, fmt.Errorf("unknown strategy %q", name)
	}
	next = old*(1-alpha) + signal*alpha
	ws.weights[name] = next
	ws.version++
	return old, next, nil
}

// Restore overwrites weights from a persisted snapshot, typically at startup.
// Unknown names are dropped and values are clamped into [0,1].
func (ws *WeightStore) Restore(saved map[string]float64) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for name, w := range saved {
		if _, ok := ws.weights[name]; !ok {
			continue
		}
		if w < 0 {
			w = 0
		} else if w > 1 {
			w = 1
		}
		ws.weights[name] = w
		n++
	}
	if n > 0 {
		ws.version++
	}
	return n
}
