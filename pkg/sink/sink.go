// Package sink fans pipeline outputs out to persistence backends. The hot
// path never blocks on storage: entries queue into a bounded buffer and
// overflow is dropped and counted, not waited on.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"shadowwall/pkg/deception"
	"shadowwall/pkg/decoy"
	"shadowwall/pkg/ensemble"
	"shadowwall/pkg/feedback"
)

// Entry kinds.
const (
	KindAssessment    = "assessment"
	KindDecision      = "decision"
	KindInteraction   = "interaction"
	KindEffectiveness = "effectiveness"
)

// Entry is one pipeline output on its way to storage. Exactly one of the
// payload fields is set, matching Kind.
type Entry struct {
	Kind          string
	Assessment    *ensemble.Assessment
	Decision      *deception.Decision
	Interaction   *decoy.Interaction
	Effectiveness *feedback.EffectivenessRecord
}

// Payload returns the set field for serialization.
func (e Entry) Payload() any {
	switch e.Kind {
	case KindAssessment:
		return e.Assessment
	case KindDecision:
		return e.Decision
	case KindInteraction:
		return e.Interaction
	case KindEffectiveness:
		return e.Effectiveness
	default:
		return nil
	}
}

// Persister is one storage backend.
type Persister interface {
	Name() string
	Persist(ctx context.Context, e Entry) error
	Close() error
}

const persistTimeout = 3 * time.Second

var (
	mPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "sink", Name: "published_total",
		Help: "Entries accepted into the sink buffer",
	}, []string{"kind"})
	mDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "sink", Name: "dropped_total",
		Help: "Entries dropped at a full buffer",
	})
	mErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "sink", Name: "errors_total",
		Help: "Persist failures per backend",
	}, []string{"sink"})
)

func init() {
	_ = prometheus.Register(mPublished)
	_ = prometheus.Register(mDropped)
	_ = prometheus.Register(mErrors)
}

// Fanout distributes entries to every configured persister from a single
// consumer goroutine.
type Fanout struct {
	sinks []Persister
	ch    chan Entry
	log   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewFanout buffers up to buffer entries ahead of the slowest backend.
func NewFanout(buffer int, log zerolog.Logger, sinks ...Persister) *Fanout {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Fanout{
		sinks: sinks,
		ch:    make(chan Entry, buffer),
		log:   log,
		done:  make(chan struct{}),
	}
}

// Sinks lists backend names, for health reporting.
func (f *Fanout) Sinks() []string {
	out := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.Name()
	}
	return out
}

// Publish queues an entry without blocking. Full buffer drops the entry.
func (f *Fanout) Publish(e Entry) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.ch <- e:
		mPublished.WithLabelValues(e.Kind).Inc()
		return true
	default:
		mDropped.Inc()
		return false
	}
}

// Run consumes the buffer until ctx is done, then drains whatever is queued
// and closes every backend.
func (f *Fanout) Run(ctx context.Context) {
	defer f.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-f.ch:
			f.dispatch(e)
		}
	}
}

func (f *Fanout) dispatch(e Entry) {
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.Persist(ctx, e); err != nil {
			mErrors.WithLabelValues(s.Name()).Inc()
			f.log.Warn().Err(err).Str("sink", s.Name()).Str("kind", e.Kind).Msg("persist failed")
		}
		cancel()
	}
}

func (f *Fanout) shutdown() {
	f.closeOnce.Do(func() {
		close(f.done)
		for {
			select {
			case e := <-f.ch:
				f.dispatch(e)
			default:
				for _, s := range f.sinks {
					if err := s.Close(); err != nil {
						f.log.Warn().Err(err).Str("sink", s.Name()).Msg("close failed")
					}
				}
				return
			}
		}
	})
}

// Validate rejects malformed entries before they are queued.
func (e Entry) Validate() error {
	if e.Payload() == nil {
		return fmt.Errorf("entry kind %q has no payload", e.Kind)
	}
	return nil
}
