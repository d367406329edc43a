// Package decoy provisions, tracks, and retires deception instances. Every
// instance walks a fixed lifecycle; retirement is idempotent so sweepers,
// operators, and error paths can race without double-teardown.
package decoy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Instance lifecycle states.
const (
	StateProvisioning = "provisioning"
	StateActive       = "active"
	StateRetiring     = "retiring"
	StateRetired      = "retired"
	StateFailed       = "failed"
)

// ErrResourceExhausted is the match target for capacity rejections.
var ErrResourceExhausted = errors.New("resource exhausted")

// ResourceExhaustedError reports a deploy refused at the instance cap.
type ResourceExhaustedError struct {
	Limit int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("decoy capacity exhausted (limit %d)", e.Limit)
}

func (e *ResourceExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }

// ErrRetirementConflict is the match target for invalid retire calls.
var ErrRetirementConflict = errors.New("retirement conflict")

// RetirementConflictError reports a retire against an instance that cannot
// leave its current state yet.
type RetirementConflictError struct {
	ID    string
	State string
}

func (e *RetirementConflictError) Error() string {
	return fmt.Sprintf("cannot retire instance %s in state %s", e.ID, e.State)
}

func (e *RetirementConflictError) Is(target error) bool { return target == ErrRetirementConflict }

// Endpoint is where a provisioned decoy listens.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Instance is one deployed decoy.
type Instance struct {
	ID              string    `json:"id"`
	EntityKey       string    `json:"entity_key"`
	Strategy        string    `json:"strategy"`
	Service         string    `json:"service"`
	State           string    `json:"state"`
	Endpoint        Endpoint  `json:"endpoint"`
	CreatedAt       time.Time `json:"created_at"`
	ActivatedAt     time.Time `json:"activated_at,omitempty"`
	RetiredAt       time.Time `json:"retired_at,omitempty"`
	LastInteraction time.Time `json:"last_interaction,omitempty"`
	Interactions    int       `json:"interactions"`

	driverRef string
}

// Interaction is one captured intruder session against a decoy.
type Interaction struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	EntityKey  string         `json:"entity_key"`
	Strategy   string         `json:"strategy"`
	Service    string         `json:"service"`
	SourceIP   string         `json:"source_ip"`
	Commands   []string       `json:"commands,omitempty"`
	Techniques []string       `json:"techniques,omitempty"`
	Payload    *SealedPayload `json:"payload,omitempty"`
	Bytes      int            `json:"bytes"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Driver provisions and tears down the concrete decoy workload.
type Driver interface {
	Name() string
	// Provision brings up a decoy for the instance and returns its endpoint
	// plus an opaque teardown reference.
	Provision(ctx context.Context, inst *Instance) (Endpoint, string, error)
	// Stop tears down by reference. It must tolerate already-gone workloads.
	Stop(ctx context.Context, ref string) error
}

// Options bound the orchestrator's resource usage.
type Options struct {
	MaxInstances int
	TTL          time.Duration
	IdleTimeout  time.Duration
	// InteractionCap bounds the in-memory capture ring.
	InteractionCap int
}

func (o *Options) defaults() {
	if o.MaxInstances <= 0 {
		o.MaxInstances = 10
	}
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 15 * time.Minute
	}
	if o.InteractionCap <= 0 {
		o.InteractionCap = 1024
	}
}

var (
	mProvisioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "provisioned_total",
		Help: "Decoys provisioned",
	}, []string{"strategy", "service"})
	mProvisionFail = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "provision_failures_total",
		Help: "Provision attempts that failed",
	})
	mRetired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "retired_total",
		Help: "Decoys retired",
	}, []string{"reason"})
	mRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "deploy_rejected_total",
		Help: "Deploys refused at capacity",
	})
	mInteractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "interactions_total",
		Help: "Captured intruder interactions",
	}, []string{"service"})
	mDroppedCaptures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "dropped_captures_total",
		Help: "Interactions against unknown or retired instances",
	})
	gActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shadowwall", Subsystem: "decoy", Name: "active",
		Help: "Decoys currently provisioning or active",
	})
)

func init() {
	_ = prometheus.Register(mProvisioned)
	_ = prometheus.Register(mProvisionFail)
	_ = prometheus.Register(mRetired)
	_ = prometheus.Register(mRejected)
	_ = prometheus.Register(mInteractions)
	_ = prometheus.Register(mDroppedCaptures)
	_ = prometheus.Register(gActive)
}

// Orchestrator owns every decoy instance and its lifecycle.
type Orchestrator struct {
	driver Driver
	sealer *Sealer
	opts   Options
	log    zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	ring      []Interaction
	ringPos   int
	ringFull  bool

	onInteraction func(Interaction)
}

// NewOrchestrator builds an orchestrator over one driver. sealer may be nil,
// in which case captured payloads are dropped rather than stored.
func NewOrchestrator(driver Driver, sealer *Sealer, opts Options, log zerolog.Logger) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		driver:    driver,
		sealer:    sealer,
		opts:      opts,
		log:       log,
		instances: make(map[string]*Instance),
		ring:      make([]Interaction, opts.InteractionCap),
	}
}

// SetInteractionHandler registers the downstream consumer of captures. Must
// be called before traffic arrives.
func (o *Orchestrator) SetInteractionHandler(fn func(Interaction)) { o.onInteraction = fn }

// serviceRotation maps each strategy to the decoy services it cycles
// through, so repeated deploys for one strategy vary their surface.
var serviceRotation = map[string][]string{
	"data_breadcrumbs":   {"http", "ftp"},
	"adaptive_honeypot":  {"ssh", "telnet"},
	"decoy_services":     {"http", "redis", "smtp", "ftp"},
	"network_deception":  {"telnet", "redis"},
	"behavioral_mimicry": {"http", "ssh", "smtp"},
}

func serviceFor(strategy string, nth int) string {
	services, ok := serviceRotation[strategy]
	if !ok || len(services) == 0 {
		return "http"
	}
	return services[nth%len(services)]
}

// Deploy provisions a decoy for the entity under the given strategy. At the
// instance cap it fails fast with ResourceExhaustedError instead of queueing.
func (o *Orchestrator) Deploy(ctx context.Context, entityKey, strategy string) (*Instance, error) {
	o.mu.Lock()
	occupied, perStrategy := 0, 0
	for _, inst := range o.instances {
		switch inst.State {
		case StateProvisioning, StateActive:
			occupied++
			if inst.Strategy == strategy {
				perStrategy++
			}
		}
	}
	if occupied >= o.opts.MaxInstances {
		o.mu.Unlock()
		mRejected.Inc()
		return nil, &ResourceExhaustedError{Limit: o.opts.MaxInstances}
	}
	inst := &Instance{
		ID:        uuid.NewString(),
		EntityKey: entityKey,
		Strategy:  strategy,
		Service:   serviceFor(strategy, perStrategy),
		State:     StateProvisioning,
		CreatedAt: time.Now().UTC(),
	}
	o.instances[inst.ID] = inst
	o.mu.Unlock()
	gActive.Inc()

	ep, ref, err := o.driver.Provision(ctx, inst)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		inst.State = StateFailed
		mProvisionFail.Inc()
		gActive.Dec()
		o.log.Error().Err(err).Str("instance", inst.ID).Str("strategy", strategy).Msg("provision failed")
		return nil, fmt.Errorf("provision %s decoy: %w", inst.Service, err)
	}
	inst.State = StateActive
	inst.Endpoint = ep
	inst.driverRef = ref
	inst.ActivatedAt = time.Now().UTC()
	mProvisioned.WithLabelValues(strategy, inst.Service).Inc()
	o.log.Info().Str("instance", inst.ID).Str("entity", entityKey).
		Str("strategy", strategy).Str("service", inst.Service).
		Str("endpoint", ep.String()).Msg("decoy active")

	out := *inst
	return &out, nil
}

// Retire takes an instance out of service. Calls against instances already
// on their way out are no-ops; retiring something still provisioning is a
// conflict the caller must retry after activation settles.
func (o *Orchestrator) Retire(ctx context.Context, id, reason string) error {
	o.mu.Lock()
	inst, ok := o.instances[id]
	if !ok {
		o.mu.Unlock()
		return &RetirementConflictError{ID: id, State: "unknown"}
	}
	switch inst.State {
	case StateRetiring, StateRetired:
		o.mu.Unlock()
		return nil
	case StateProvisioning:
		state := inst.State
		o.mu.Unlock()
		return &RetirementConflictError{ID: id, State: state}
	}
	wasActive := inst.State == StateActive
	inst.State = StateRetiring
	ref := inst.driverRef
	o.mu.Unlock()

	if ref != "" {
		if err := o.driver.Stop(ctx, ref); err != nil {
			o.log.Warn().Err(err).Str("instance", id).Msg("teardown error ignored")
		}
	}

	o.mu.Lock()
	inst.State = StateRetired
	inst.RetiredAt = time.Now().UTC()
	o.mu.Unlock()
	if wasActive {
		gActive.Dec()
	}
	mRetired.WithLabelValues(reason).Inc()
	o.log.Info().Str("instance", id).Str("reason", reason).Msg("decoy retired")
	return nil
}

// Record registers one captured session. Captures against unknown or
// already-retired instances are counted and dropped.
func (o *Orchestrator) Record(instanceID, sourceIP string, commands []string, payload []byte, ts time.Time) (*Interaction, error) {
	o.mu.Lock()
	inst, ok := o.instances[instanceID]
	if !ok || (inst.State != StateActive && inst.State != StateRetiring) {
		o.mu.Unlock()
		mDroppedCaptures.Inc()
		return nil, fmt.Errorf("no live instance %s", instanceID)
	}
	inst.Interactions++
	inst.LastInteraction = ts

	ix := Interaction{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		EntityKey:  inst.EntityKey,
		Strategy:   inst.Strategy,
		Service:    inst.Service,
		SourceIP:   sourceIP,
		Commands:   commands,
		Techniques: ClassifyTechniques(commands),
		Bytes:      len(payload),
		Timestamp:  ts,
	}
	if o.sealer != nil && len(payload) > 0 {
		sealed, err := o.sealer.Seal(inst.ID, payload)
		if err != nil {
			o.log.Error().Err(err).Str("instance", inst.ID).Msg("payload seal failed, capture kept without payload")
		} else {
			ix.Payload = sealed
		}
	}
	o.ring[o.ringPos] = ix
	o.ringPos = (o.ringPos + 1) % len(o.ring)
	if o.ringPos == 0 {
		o.ringFull = true
	}
	handler := o.onInteraction
	o.mu.Unlock()

	mInteractions.WithLabelValues(ix.Service).Inc()
	if handler != nil {
		handler(ix)
	}
	return &ix, nil
}

// Get returns a copy of one instance.
func (o *Orchestrator) Get(id string) (Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// List returns copies of all tracked instances, oldest first.
func (o *Orchestrator) List() []Instance {
	o.mu.RLock()
	out := make([]Instance, 0, len(o.instances))
	for _, inst := range o.instances {
		out = append(out, *inst)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveByStrategy counts live instances per strategy, for selection
// tiebreaks and policy input.
func (o *Orchestrator) ActiveByStrategy() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]int)
	for _, inst := range o.instances {
		if inst.State == StateProvisioning || inst.State == StateActive {
			out[inst.Strategy]++
		}
	}
	return out
}

// ActiveFor reports whether the entity already has a live decoy.
func (o *Orchestrator) ActiveFor(entityKey string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, inst := range o.instances {
		if inst.EntityKey != entityKey {
			continue
		}
		if inst.State == StateProvisioning || inst.State == StateActive {
			return true
		}
	}
	return false
}

// Interactions returns up to limit captures, newest first.
func (o *Orchestrator) Interactions(limit int) []Interaction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := o.ringPos
	if o.ringFull {
		n = len(o.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Interaction, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (o.ringPos - 1 - i + len(o.ring)) % len(o.ring)
		out = append(out, o.ring[idx])
	}
	return out
}

// Sweep enforces TTL and idle limits, finishes failed instances, and drops
// long-retired records. Returns how many instances it retired.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) int {
	type victim struct {
		id     string
		reason string
	}
	var victims []victim
	o.mu.Lock()
	for id, inst := range o.instances {
		switch inst.State {
		case StateActive:
			last := inst.ActivatedAt
			if inst.LastInteraction.After(last) {
				last = inst.LastInteraction
			}
			switch {
			case now.Sub(inst.ActivatedAt) >= o.opts.TTL:
				victims = append(victims, victim{id, "ttl"})
			case now.Sub(last) >= o.opts.IdleTimeout:
				victims = append(victims, victim{id, "idle"})
			}
		case StateFailed:
			victims = append(victims, victim{id, "failed"})
		case StateRetired:
			if now.Sub(inst.RetiredAt) >= o.opts.TTL {
				delete(o.instances, id)
			}
		}
	}
	o.mu.Unlock()

	retired := 0
	for _, v := range victims {
		if err := o.Retire(ctx, v.id, v.reason); err == nil {
			retired++
		}
	}
	return retired
}

// Run sweeps on the given interval until ctx is done, then retires
// everything still standing.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return
		case now := <-t.C:
			o.Sweep(ctx, now.UTC())
		}
	}
}

// Shutdown retires every live instance with a short grace period.
func (o *Orchestrator) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, inst := range o.List() {
		if inst.State == StateActive || inst.State == StateFailed {
			_ = o.Retire(ctx, inst.ID, "shutdown")
		}
	}
}

// Technique labels assigned to captured command sequences.
var techniqueSignatures = []struct {
	name    string
	needles []string
}{
	{"discovery", []string{"whoami", "uname", "hostname", "cat /etc/passwd", "cat /etc/shadow", "pwd"}},
	{"process_discovery", []string{"ps ", "ps\n", "top", "netstat", "ss -"}},
	{"download", []string{"wget", "curl", "tftp", "scp ", "ftp://"}},
	{"lateral_movement", []string{"ssh ", "psexec", "smbclient", "rdesktop", "winrm"}},
	{"privilege_escalation", []string{"sudo", "su -", "su root", "chmod u+s", "setuid", "passwd"}},
	{"persistence", []string{"crontab", "systemctl enable", ".bashrc", "rc.local", "authorized_keys"}},
}

// ClassifyTechniques maps raw captured commands onto coarse technique
// labels, deduplicated, in signature order.
func ClassifyTechniques(commands []string) []string {
	if len(commands) == 0 {
		return nil
	}
	joined := strings.ToLower(strings.Join(commands, "\n")) + "\n"
	var out []string
	for _, sig := range techniqueSignatures {
		for _, needle := range sig.needles {
			if strings.Contains(joined, needle) {
				out = append(out, sig.name)
				break
			}
		}
	}
	return out
}
