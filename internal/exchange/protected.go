package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/evostrat/engine/pkg/engerr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Protected wraps a raw Adapter with a resilience layer: a global
// per-exchange token bucket that callers block on rather than erroring
// fast, and a circuit breaker that trips on
// repeated ExchangeError/Network so a wounded exchange stops being
// hammered while its strategies take on demotion pressure.
type Protected struct {
	inner   Adapter
	logger  *zap.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	seen  map[string]Ack // client_ref -> Ack, local idempotency backstop
}

// NewProtected wraps inner with a token bucket of the given rate/burst
// and a circuit breaker that trips once requests in the rolling window
// are >=10 and the failure ratio is >=0.5.
func NewProtected(inner Adapter, logger *zap.Logger, ratePerSec float64, burst int) *Protected {
	l := logger.Named("exchange." + inner.Name())
	st := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Protected{
		inner:   inner,
		logger:  l,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		seen:    make(map[string]Ack),
	}
}

func (p *Protected) Name() string { return p.inner.Name() }

// Submit blocks on the quota bucket, routes through the breaker, and
// short-circuits to a previously-seen Ack for a repeated client_ref so
// retries never duplicate an order.
func (p *Protected) Submit(ctx context.Context, order Order) (Ack, error) {
	p.mu.Lock()
	if ack, ok := p.seen[order.ClientRef]; ok {
		p.mu.Unlock()
		return ack, nil
	}
	p.mu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return Ack{}, engerr.Wrap(engerr.Network, "quota wait interrupted", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.inner.Submit(ctx, order)
	})
	if err != nil {
		return Ack{}, classify(err)
	}

	ack := result.(Ack)
	p.mu.Lock()
	p.seen[order.ClientRef] = ack
	p.mu.Unlock()
	return ack, nil
}

func (p *Protected) Poll(ctx context.Context, orderID string) (OrderState, *Fill, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", nil, engerr.Wrap(engerr.Network, "quota wait interrupted", err)
	}
	result, err := p.breaker.Execute(func() (interface{}, error) {
		state, fill, err := p.inner.Poll(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return pollResult{state, fill}, nil
	})
	if err != nil {
		return "", nil, classify(err)
	}
	r := result.(pollResult)
	return r.state, r.fill, nil
}

func (p *Protected) Cancel(ctx context.Context, orderID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return engerr.Wrap(engerr.Network, "quota wait interrupted", err)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.inner.Cancel(ctx, orderID)
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (p *Protected) Balance(ctx context.Context, asset string) (Balance, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Balance{}, engerr.Wrap(engerr.Network, "quota wait interrupted", err)
	}
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.inner.Balance(ctx, asset)
	})
	if err != nil {
		return Balance{}, classify(err)
	}
	return result.(Balance), nil
}

type pollResult struct {
	state OrderState
	fill  *Fill
}

// classify maps a breaker-open or raw adapter error to an engerr kind.
// The breaker itself reports gobreaker.ErrOpenState/ErrTooManyRequests
// when tripped, which the scheduler should treat the same as a live
// ExchangeError for demotion-pressure purposes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if engerr.IsClassified(err) {
		return err
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return engerr.Wrap(engerr.ExchangeError, "circuit breaker open", err)
	}
	return engerr.Wrap(engerr.ExchangeError, "exchange adapter failure", err)
}
