package evolog_test

import (
	"context"
	"testing"
	"time"

	"github.com/evostrat/engine/internal/evolog"
	"github.com/evostrat/engine/pkg/model"
	"go.uber.org/zap"
)

func TestRecentReturnsNewestLast(t *testing.T) {
	l := evolog.New(zap.NewNop(), 100, nil)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		l.Record(ctx, model.EvolutionEvent{Timestamp: base.Add(time.Duration(i) * time.Second), StrategyID: "s", Kind: model.EventScored, Reason: string(rune('a' + i))})
	}
	recent := l.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("expected 5 events, got %d", len(recent))
	}
	if recent[len(recent)-1].Reason != "e" {
		t.Fatalf("expected the newest event last, got %q", recent[len(recent)-1].Reason)
	}
}

// Bounded retention: once the ring buffer wraps, only the
// most recent `capacity` events survive, oldest compacted out, still in
// correct chronological order.
func TestRecentWrapsWithinBoundedCapacity(t *testing.T) {
	l := evolog.New(zap.NewNop(), 3, nil)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		l.Record(ctx, model.EvolutionEvent{StrategyID: "s", Kind: model.EventScored, Reason: string(rune('0' + i))})
	}
	recent := l.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected retention capped at 3, got %d", len(recent))
	}
	want := []string{"4", "5", "6"}
	for i, ev := range recent {
		if ev.Reason != want[i] {
			t.Fatalf("expected oldest-compacted order %v, got reasons %v", want, collectReasons(recent))
		}
	}
}

func collectReasons(events []model.EvolutionEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Reason
	}
	return out
}

// A subscriber never blocks Record: a full subscriber buffer just drops
// the event rather than stalling the writer.
func TestSubscribeDropsOnFullBufferWithoutBlocking(t *testing.T) {
	l := evolog.New(zap.NewNop(), 100, nil)
	ch, cancel := l.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Record(ctx, model.EvolutionEvent{Kind: model.EventScored})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on a full, undrained subscriber channel")
	}
	<-ch // drain the one event that made it through
}
