// Package evolog implements the evolution log: an append-only,
// bounded-retention record of every
// created/mutated/validated/promoted/demoted/protected/eliminated/
// scored/rejected/config_changed event, fanned out to live
// subscribers (the control surface's websocket stream) and counted in
// Prometheus. Dispatch is async multi-subscriber over a bounded ring
// buffer, adapted from a generic Event interface to the single
// concrete model.EvolutionEvent type and from latency sampling to
// event retention.
package evolog

import (
	"context"
	"sync"

	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Log is the append-only event store plus its live fan-out.
type Log struct {
	logger *zap.Logger

	mu       sync.RWMutex
	buf      []model.EvolutionEvent
	capacity int
	next     int
	full     bool

	subMu sync.Mutex
	subs  map[int]chan model.EvolutionEvent
	subID int

	eventsTotal   *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	tierGauge     *prometheus.GaugeVec
	droppedEvents prometheus.Counter
}

// New constructs a Log retaining up to capacity events, oldest
// compacted out on overflow, registering its counters on reg.
func New(logger *zap.Logger, capacity int, reg prometheus.Registerer) *Log {
	if capacity <= 0 {
		capacity = 50000
	}
	l := &Log{
		logger:   logger.Named("evolog"),
		buf:      make([]model.EvolutionEvent, capacity),
		capacity: capacity,
		subs:     make(map[int]chan model.EvolutionEvent),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evostrat", Subsystem: "evolution", Name: "events_total",
			Help: "Count of evolution log events by kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evostrat", Subsystem: "engine", Name: "errors_total",
			Help: "Count of classified errors by kind.",
		}, []string{"kind"}),
		tierGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evostrat", Subsystem: "population", Name: "tier_size",
			Help: "Number of strategies currently in each tier.",
		}, []string{"tier"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evostrat", Subsystem: "evolution", Name: "subscriber_events_dropped_total",
			Help: "Events dropped from a slow websocket subscriber's buffer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(l.eventsTotal, l.errorsTotal, l.tierGauge, l.droppedEvents)
	}
	return l
}

// Record appends ev to the log, increments its kind counter, logs it at
// debug level, and fans it out to subscribers without blocking on a slow
// one; a slow websocket subscriber never blocks the engine.
func (l *Log) Record(ctx context.Context, ev model.EvolutionEvent) {
	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	l.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	l.logger.Debug("evolution event",
		zap.String("kind", string(ev.Kind)),
		zap.String("strategy_id", ev.StrategyID),
		zap.String("reason", ev.Reason),
	)

	l.subMu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.droppedEvents.Inc()
		}
	}
	l.subMu.Unlock()
}

// ObserveError increments the classified-error counter for kind, called
// by any component that surfaces an engerr.Error at its boundary.
func (l *Log) ObserveError(kind engerr.Kind) {
	l.errorsTotal.WithLabelValues(string(kind)).Inc()
}

// ObserveTierSizes sets the current population count per tier, called
// once per scheduler tick after recomputeMembership.
func (l *Log) ObserveTierSizes(counts map[model.Tier]int) {
	names := map[model.Tier]string{
		model.TierT1: "t1", model.TierT2: "t2", model.TierT3: "t3", model.TierT4: "t4",
	}
	for tier, name := range names {
		l.tierGauge.WithLabelValues(name).Set(float64(counts[tier]))
	}
}

// Recent returns the last n events, newest last, for the control
// surface's poll-based history endpoint.
func (l *Log) Recent(n int) []model.EvolutionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ordered []model.EvolutionEvent
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
		ordered = append(ordered, l.buf[:l.next]...)
	} else {
		ordered = append(ordered, l.buf[:l.next]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]model.EvolutionEvent, len(ordered))
	copy(out, ordered)
	return out
}

// Subscribe registers a buffered channel receiving every future event,
// used by the websocket handler. The returned cancel func must be
// called to release the subscription.
func (l *Log) Subscribe(bufferSize int) (<-chan model.EvolutionEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ch := make(chan model.EvolutionEvent, bufferSize)

	l.subMu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = ch
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
		close(ch)
	}
	return ch, cancel
}
