// Package engine wires the detection-to-deception pipeline end to end:
// telemetry intake, feature extraction, behavioral baselining, ensemble
// scoring, strategy selection, decoy orchestration, and the effectiveness
// feedback loop. Events for one entity always land on the same worker, so
// per-entity processing stays ordered without cross-worker locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"shadowwall/pkg/baseline"
	"shadowwall/pkg/config"
	"shadowwall/pkg/deception"
	"shadowwall/pkg/decoy"
	"shadowwall/pkg/ensemble"
	"shadowwall/pkg/eventbus"
	"shadowwall/pkg/features"
	"shadowwall/pkg/feedback"
	"shadowwall/pkg/policy"
	"shadowwall/pkg/sink"
	"shadowwall/pkg/telemetry"
)

// ErrQueueFull rejects a submission when the target worker queue is at
// capacity. Callers shed load; the engine never blocks intake.
var ErrQueueFull = errors.New("ingest queue full")

// ErrClosed rejects submissions after the engine has begun shutdown.
var ErrClosed = errors.New("engine closed")

// windowSweepEvery bounds how often each worker prunes idle entity windows.
const windowSweepEvery = 1024

var (
	mEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "engine", Name: "events_total",
		Help: "Submitted telemetry events by outcome",
	}, []string{"outcome"})
	mDeploys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "engine", Name: "deploys_total",
		Help: "Decoy deployment attempts by outcome",
	}, []string{"outcome"})
	mPolicy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "engine", Name: "policy_total",
		Help: "Policy gate verdicts on deployment attempts",
	}, []string{"action"})
	hProcess = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shadowwall", Subsystem: "engine", Name: "process_seconds",
		Help:    "Per-event pipeline latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	_ = prometheus.Register(mEvents)
	_ = prometheus.Register(mDeploys)
	_ = prometheus.Register(mPolicy)
	_ = prometheus.Register(hProcess)
}

// Deps are the injectable edges of the pipeline. Driver is required; the
// rest default to disabled when unset.
type Deps struct {
	Driver      decoy.Driver
	Sinks       []sink.Persister
	Gate        *policy.Engine
	ExtraModels []ensemble.Model
	Logger      zerolog.Logger
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Received       uint64 `json:"received"`
	Malformed      uint64 `json:"malformed"`
	QueueDropped   uint64 `json:"queue_dropped"`
	Processed      uint64 `json:"processed"`
	OutOfOrder     uint64 `json:"out_of_order"`
	ExtractErrors  uint64 `json:"extract_errors"`
	ScoreErrors    uint64 `json:"score_errors"`
	Deployed       uint64 `json:"deployed"`
	DeployFailed   uint64 `json:"deploy_failed"`
	Exhausted      uint64 `json:"exhausted"`
	PolicyDenied   uint64 `json:"policy_denied"`
	PolicyObserved uint64 `json:"policy_observed"`
	Deduplicated   uint64 `json:"deduplicated"`
	Entities       int    `json:"entities"`
	ActiveDecoys   int    `json:"active_decoys"`
	WeightsVersion uint64 `json:"weights_version"`
}

// Engine owns the pipeline components and the worker pool that drives them.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	extractor *features.Extractor
	baselines *baseline.Store
	scorer    *ensemble.Scorer
	weights   *deception.WeightStore
	selector  *deception.Selector
	orch      *decoy.Orchestrator
	loop      *feedback.Loop
	fanout    *sink.Fanout
	bus       *eventbus.Bus
	activity  *eventbus.ActivityCounter
	gate      *policy.Engine

	queues []chan telemetry.Event

	assessments *assessmentStore

	closed atomic.Bool

	received   atomic.Uint64
	malformed  atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	outOfOrder atomic.Uint64
	extractErr atomic.Uint64
	scoreErr   atomic.Uint64
	deployed   atomic.Uint64
	deployErr  atomic.Uint64
	exhausted  atomic.Uint64
	denied     atomic.Uint64
	observed   atomic.Uint64
	deduped    atomic.Uint64
}

// New assembles an engine from configuration and injected dependencies.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Driver == nil {
		return nil, errors.New("engine: decoy driver is required")
	}
	log := deps.Logger.With().Str("component", "engine").Logger()

	var sealer *decoy.Sealer
	if cfg.Decoy.SealKeyHex != "" {
		s, err := decoy.NewSealer(cfg.Decoy.SealKeyHex)
		if err != nil {
			return nil, fmt.Errorf("engine: seal key: %w", err)
		}
		sealer = s
	}

	models := ensemble.DefaultModels()
	models = append(models, deps.ExtraModels...)

	catalog, err := deception.LoadCatalog(cfg.Deception.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("engine: strategy catalog: %w", err)
	}
	weights := deception.NewWeightStore(catalog)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		extractor: features.NewExtractor(cfg.Ingest.WindowEvents, cfg.Ingest.WindowSpan),
		baselines: baseline.NewStore(baseline.Options{
			Shards:          cfg.Baseline.Shards,
			WarmingAfter:    cfg.Baseline.WarmingAfter,
			StableAfter:     cfg.Baseline.StableAfter,
			StableAfterSpan: cfg.Baseline.StableAfterSpan,
			WindowSize:      cfg.Baseline.WindowSize,
			WindowSpan:      cfg.Baseline.WindowSpan,
			ZThreshold:      cfg.Baseline.ZThreshold,
			WarmingCap:      cfg.Baseline.WarmingCap,
			ProfileTTL:      cfg.Baseline.ProfileTTL,
		}),
		scorer:   ensemble.NewScorer(cfg.Ensemble.ModelTimeout, models...),
		weights:  weights,
		selector: deception.NewSelector(catalog, weights, cfg.Deception.ActivationThreshold, cfg.Deception.Exploration),
		orch: decoy.NewOrchestrator(deps.Driver, sealer, decoy.Options{
			MaxInstances: cfg.Decoy.MaxInstances,
			TTL:          cfg.Decoy.TTL,
			IdleTimeout:  cfg.Decoy.IdleTimeout,
		}, deps.Logger),
		loop:        feedback.NewLoop(weights, cfg.Feedback.LearningRate, cfg.Feedback.HistoryLimit, deps.Logger),
		fanout:      sink.NewFanout(cfg.Sinks.BufferSize, deps.Logger, deps.Sinks...),
		bus:         eventbus.NewBus(cfg.Ingest.QueueDepth),
		activity:    eventbus.NewActivityCounter(),
		gate:        deps.Gate,
		queues:      make([]chan telemetry.Event, cfg.Ingest.Workers),
		assessments: newAssessmentStore(cfg.Sinks.Assessment.StoreLimit),
	}
	for i := range e.queues {
		e.queues[i] = make(chan telemetry.Event, cfg.Ingest.QueueDepth)
	}
	e.bus.Register(e.activity)

	e.orch.SetInteractionHandler(func(ix decoy.Interaction) {
		e.loop.Observe(ix)
		e.persist(sink.Entry{Kind: sink.KindInteraction, Interaction: &ix})
		e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicInteraction, Entity: ix.EntityKey, Payload: ix})
	})
	e.loop.SetRecordHandler(func(r feedback.EffectivenessRecord) {
		e.persist(sink.Entry{Kind: sink.KindEffectiveness, Effectiveness: &r})
		e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicReconciled, Payload: r})
	})
	return e, nil
}

// Submit validates one event and hands it to the worker owning its entity.
// It never blocks: a full queue returns ErrQueueFull and the event is shed.
func (e *Engine) Submit(ev telemetry.Event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.received.Add(1)
	if err := ev.Validate(e.cfg.Ingest.MaxEventBytes); err != nil {
		e.malformed.Add(1)
		mEvents.WithLabelValues("malformed").Inc()
		return err
	}
	select {
	case e.queueFor(ev.EntityKey) <- ev:
		mEvents.WithLabelValues("accepted").Inc()
		return nil
	default:
		e.dropped.Add(1)
		mEvents.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

func (e *Engine) queueFor(entityKey string) chan telemetry.Event {
	h := fnv.New32a()
	h.Write([]byte(entityKey))
	return e.queues[int(h.Sum32())%len(e.queues)]
}

// Run drives the pipeline until ctx is cancelled, then tears down in
// dependency order: workers stop first, remaining decoys retire, and the
// sink fanout drains last so nothing recorded during shutdown is lost.
func (e *Engine) Run(ctx context.Context) {
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinkWG sync.WaitGroup
	sinkWG.Add(1)
	go func() {
		defer sinkWG.Done()
		e.fanout.Run(sinkCtx)
	}()

	var wg sync.WaitGroup
	for i := range e.queues {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e.worker(ctx, idx)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.orch.Run(ctx, e.cfg.Decoy.SweepInterval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.loop.Run(ctx, e.cfg.Feedback.ReconcileInterval)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.cleanupLoop(ctx)
	}()

	e.log.Info().
		Int("workers", len(e.queues)).
		Str("driver", e.cfg.Decoy.Driver).
		Msg("engine running")

	<-ctx.Done()
	e.closed.Store(true)
	wg.Wait()
	e.orch.Shutdown()
	stopSinks()
	sinkWG.Wait()
	e.Close()
	e.log.Info().Msg("engine stopped")
}

// Close releases the event bus. Run calls it on the way out; tests that
// never call Run use it directly.
func (e *Engine) Close() { e.bus.Close() }

func (e *Engine) worker(ctx context.Context, idx int) {
	windows := make(map[string][]telemetry.Event)
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queues[idx]:
			e.process(ctx, windows, ev)
			n++
			if n%windowSweepEvery == 0 {
				sweepWindows(windows, time.Now().Add(-e.cfg.Ingest.WindowSpan))
			}
		}
	}
}

// sweepWindows drops entities whose newest event precedes cutoff; extraction
// would discard every entry in such a window anyway.
func sweepWindows(windows map[string][]telemetry.Event, cutoff time.Time) {
	for key, win := range windows {
		if len(win) == 0 || win[len(win)-1].Timestamp.Before(cutoff) {
			delete(windows, key)
		}
	}
}

// process runs one event through the full pipeline. windows is owned by the
// calling worker; no other goroutine touches it.
func (e *Engine) process(ctx context.Context, windows map[string][]telemetry.Event, ev telemetry.Event) {
	start := time.Now()
	defer func() { hProcess.Observe(time.Since(start).Seconds()) }()

	win := append(windows[ev.EntityKey], ev)
	if over := len(win) - e.cfg.Ingest.WindowEvents; over > 0 {
		copy(win, win[over:])
		win = win[:e.cfg.Ingest.WindowEvents]
	}
	windows[ev.EntityKey] = win

	vec, err := e.extractor.Extract(win)
	if err != nil {
		e.extractErr.Add(1)
		e.log.Debug().Err(err).Str("entity", ev.EntityKey).Msg("feature extraction rejected event")
		return
	}

	dev, err := e.baselines.Update(&vec)
	if err != nil {
		if errors.Is(err, baseline.ErrOutOfOrder) {
			// keep the window in event-time order for the next extraction
			windows[ev.EntityKey] = win[:len(win)-1]
			e.outOfOrder.Add(1)
			e.log.Debug().Str("entity", ev.EntityKey).Time("ts", ev.Timestamp).Msg("stale event dropped")
		} else {
			e.extractErr.Add(1)
			e.log.Warn().Err(err).Str("entity", ev.EntityKey).Msg("baseline update failed")
		}
		return
	}

	a, err := e.scorer.Score(ctx, &vec, dev)
	if err != nil {
		e.scoreErr.Add(1)
		e.log.Warn().Err(err).Str("entity", ev.EntityKey).Msg("scoring failed")
		return
	}
	e.processed.Add(1)

	e.assessments.add(a)
	e.persist(sink.Entry{Kind: sink.KindAssessment, Assessment: &a})
	e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicAssessment, Entity: a.EntityKey, Payload: a})

	active := e.orch.ActiveByStrategy()
	dec := e.selector.Select(&a, active)
	e.persist(sink.Entry{Kind: sink.KindDecision, Decision: &dec})
	e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicDecision, Entity: dec.EntityKey, Payload: dec})
	if !dec.Deploy {
		return
	}

	if e.orch.ActiveFor(a.EntityKey) {
		e.deduped.Add(1)
		e.log.Debug().Str("entity", a.EntityKey).Msg("decoy already active for entity")
		return
	}
	if !e.authorize(ctx, &a, &dec, active) {
		return
	}

	inst, err := e.orch.Deploy(ctx, a.EntityKey, dec.Strategy)
	if err != nil {
		if errors.Is(err, decoy.ErrResourceExhausted) {
			e.exhausted.Add(1)
			mDeploys.WithLabelValues("exhausted").Inc()
		} else {
			e.deployErr.Add(1)
			mDeploys.WithLabelValues("failed").Inc()
		}
		e.log.Warn().Err(err).Str("entity", a.EntityKey).Str("strategy", dec.Strategy).Msg("deployment failed")
		return
	}
	e.deployed.Add(1)
	mDeploys.WithLabelValues("deployed").Inc()
	e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicDecoyDeployed, Entity: inst.EntityKey, Payload: *inst})
	e.log.Info().
		Str("entity", a.EntityKey).
		Str("strategy", dec.Strategy).
		Str("instance", inst.ID).
		Str("endpoint", inst.Endpoint.String()).
		Float64("score", a.Score).
		Msg("decoy deployed")
}

// authorize consults the policy gate. A missing gate, an unmatched policy,
// or an evaluation error all fall through to allow; deception is degraded
// rather than the pipeline stalled.
func (e *Engine) authorize(ctx context.Context, a *ensemble.Assessment, dec *deception.Decision, active map[string]int) bool {
	if e.gate == nil {
		return true
	}
	total := 0
	for _, n := range active {
		total += n
	}
	action, ok, err := e.gate.Evaluate(ctx, map[string]any{
		"entity_key":   a.EntityKey,
		"score":        a.Score,
		"risk":         a.Risk,
		"strategy":     dec.Strategy,
		"explored":     dec.Explored,
		"active_total": total,
	})
	if err != nil {
		mPolicy.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Str("entity", a.EntityKey).Msg("policy evaluation failed, allowing")
		return true
	}
	if !ok {
		return true
	}
	switch action {
	case policy.ActionDeny:
		e.denied.Add(1)
		mPolicy.WithLabelValues("deny").Inc()
		e.log.Info().Str("entity", a.EntityKey).Str("strategy", dec.Strategy).Msg("deployment denied by policy")
		return false
	case policy.ActionObserve:
		e.observed.Add(1)
		mPolicy.WithLabelValues("observe").Inc()
		e.log.Info().Str("entity", a.EntityKey).Str("strategy", dec.Strategy).Msg("policy holds deployment, observing")
		return false
	default:
		mPolicy.WithLabelValues("allow").Inc()
		return true
	}
}

func (e *Engine) persist(entry sink.Entry) {
	if !e.fanout.Publish(entry) {
		e.log.Debug().Str("kind", entry.Kind).Msg("sink buffer full, entry dropped")
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.Baseline.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if removed := e.baselines.Cleanup(now); removed > 0 {
				e.log.Info().Int("removed", removed).Msg("expired entity profiles")
			}
		}
	}
}

// Recent returns stored assessments newest first, filtered by entity and
// minimum score. limit <= 0 uses a server-side default.
func (e *Engine) Recent(entity string, minScore float64, limit int) []ensemble.Assessment {
	return e.assessments.recent(entity, minScore, limit)
}

// Decoys lists all tracked decoy instances.
func (e *Engine) Decoys() []decoy.Instance { return e.orch.List() }

// Decoy looks up one instance by id.
func (e *Engine) Decoy(id string) (decoy.Instance, bool) { return e.orch.Get(id) }

// RetireDecoy tears an instance down and announces the retirement.
func (e *Engine) RetireDecoy(ctx context.Context, id, reason string) error {
	inst, known := e.orch.Get(id)
	if err := e.orch.Retire(ctx, id, reason); err != nil {
		return err
	}
	if known {
		e.bus.TryPublish(eventbus.Event{Topic: eventbus.TopicDecoyRetired, Entity: inst.EntityKey, Payload: inst.ID})
	}
	return nil
}

// RecordInteraction ingests one captured session against a decoy. The
// orchestrator's interaction handler feeds it onward to the feedback loop.
func (e *Engine) RecordInteraction(instanceID, sourceIP string, commands []string, payload []byte, ts time.Time) (*decoy.Interaction, error) {
	return e.orch.Record(instanceID, sourceIP, commands, payload, ts)
}

// Interactions returns recent captures, newest first.
func (e *Engine) Interactions(limit int) []decoy.Interaction { return e.orch.Interactions(limit) }

// History returns reconciled effectiveness records, newest first.
func (e *Engine) History(limit int) []feedback.EffectivenessRecord { return e.loop.History(limit) }

// Weights exposes the strategy weight store, e.g. for warm starts.
func (e *Engine) Weights() *deception.WeightStore { return e.weights }

// Activity reports per-topic bus counts since start.
func (e *Engine) Activity() map[string]uint64 { return e.activity.Snapshot() }

// EntityState reports the baseline learning state for one entity.
func (e *Engine) EntityState(entityKey string) (baseline.State, bool) {
	return e.baselines.EntityState(entityKey, time.Now())
}

// ApplyConfig folds the reloadable tuning knobs from a fresh config snapshot
// into the running pipeline: activation threshold, exploration probability
// and learning rate. Structural settings (workers, shards, window sizes)
// keep their startup values.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.selector.SetTuning(cfg.Deception.ActivationThreshold, cfg.Deception.Exploration)
	e.loop.SetAlpha(cfg.Feedback.LearningRate)
	e.log.Info().
		Float64("threshold", cfg.Deception.ActivationThreshold).
		Float64("exploration", cfg.Deception.Exploration).
		Float64("learning_rate", cfg.Feedback.LearningRate).
		Msg("tuning updated")
}

// StrategyStatus is one catalog entry with its live weight and usage.
type StrategyStatus struct {
	deception.Strategy
	CurrentWeight float64 `json:"current_weight"`
	Active        int     `json:"active"`
}

// Strategies returns the catalog joined with current weights and active
// instance counts, in catalog order.
func (e *Engine) Strategies() []StrategyStatus {
	active := e.orch.ActiveByStrategy()
	weights := e.weights.Snapshot()
	out := make([]StrategyStatus, 0, len(e.selector.Catalog()))
	for _, s := range e.selector.Catalog() {
		out = append(out, StrategyStatus{
			Strategy:      s,
			CurrentWeight: weights[s.Name],
			Active:        active[s.Name],
		})
	}
	return out
}

// Stats snapshots the pipeline counters.
func (e *Engine) Stats() Stats {
	activeTotal := 0
	for _, n := range e.orch.ActiveByStrategy() {
		activeTotal += n
	}
	return Stats{
		Received:       e.received.Load(),
		Malformed:      e.malformed.Load(),
		QueueDropped:   e.dropped.Load(),
		Processed:      e.processed.Load(),
		OutOfOrder:     e.outOfOrder.Load(),
		ExtractErrors:  e.extractErr.Load(),
		ScoreErrors:    e.scoreErr.Load(),
		Deployed:       e.deployed.Load(),
		DeployFailed:   e.deployErr.Load(),
		Exhausted:      e.exhausted.Load(),
		PolicyDenied:   e.denied.Load(),
		PolicyObserved: e.observed.Load(),
		Deduplicated:   e.deduped.Load(),
		Entities:       e.baselines.Len(),
		ActiveDecoys:   activeTotal,
		WeightsVersion: e.weights.Version(),
	}
}

// assessmentStore is a fixed-size ring of recent assessments for the API.
type assessmentStore struct {
	mu   sync.RWMutex
	buf  []ensemble.Assessment
	next int
	full bool
}

func newAssessmentStore(capacity int) *assessmentStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &assessmentStore{buf: make([]ensemble.Assessment, capacity)}
}

func (s *assessmentStore) add(a ensemble.Assessment) {
	s.mu.Lock()
	s.buf[s.next] = a
	s.next++
	if s.next == len(s.buf) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
}

func (s *assessmentStore) recent(entity string, minScore float64, limit int) []ensemble.Assessment {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.next
	if s.full {
		stored = len(s.buf)
	}
	if limit > stored {
		limit = stored
	}
	out := make([]ensemble.Assessment, 0, limit)
	for i := 0; i < stored && len(out) < limit; i++ {
		idx := (s.next - 1 - i + len(s.buf)) % len(s.buf)
		a := s.buf[idx]
		if entity != "" && a.EntityKey != entity {
			continue
		}
		if a.Score < minScore {
			continue
		}
		out = append(out, a)
	}
	return out
}
