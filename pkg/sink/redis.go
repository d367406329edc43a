package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps recent pipeline outputs in capped lists for dashboards,
// and mirrors strategy weights into a hash so restarts warm-start instead
// of relearning from scratch.
type RedisSink struct {
	rdb     *redis.Client
	prefix  string
	listCap int64
}

// NewRedisSink connects and verifies the backend is reachable.
func NewRedisSink(addr string, db int, prefix string, listCap int) (*RedisSink, error) {
	if prefix == "" {
		prefix = "shadowwall"
	}
	if listCap <= 0 {
		listCap = 1000
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, prefix: prefix, listCap: int64(listCap)}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisSink) pushCapped(ctx context.Context, key string, payload []byte) error {
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.listCap-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Persist routes one entry into its list; effectiveness records also update
// the weight hash.
func (s *RedisSink) Persist(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Kind, err)
	}
	switch e.Kind {
	case KindAssessment:
		if err := s.pushCapped(ctx, s.key("assessments", e.Assessment.EntityKey), payload); err != nil {
			return err
		}
		return s.rdb.Set(ctx, s.key("assessment", "last", e.Assessment.EntityKey), payload, 24*time.Hour).Err()
	case KindDecision:
		return s.pushCapped(ctx, s.key("decisions"), payload)
	case KindInteraction:
		return s.pushCapped(ctx, s.key("interactions"), payload)
	case KindEffectiveness:
		if err := s.pushCapped(ctx, s.key("effectiveness"), payload); err != nil {
			return err
		}
		return s.rdb.HSet(ctx, s.key("weights"),
			e.Effectiveness.Strategy, strconv.FormatFloat(e.Effectiveness.WeightAfter, 'f', -1, 64)).Err()
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

// LoadWeights reads the persisted weight hash for startup warm-start.
func (s *RedisSink) LoadWeights(ctx context.Context) (map[string]float64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key("weights")).Result()
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		w, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[name] = w
	}
	return out, nil
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
