package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sweeper periodically removes expired holds from one or more stores.
type Sweeper struct {
	expirers []Expirer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval disables it.
func NewSweeper(interval, timeout time.Duration, logger *slog.Logger, expirers ...Expirer) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Expirer, 0, len(expirers))
	for _, e := range expirers {
		if e != nil {
			out = append(out, e)
		}
	}
	return &Sweeper{expirers: out, interval: interval, timeout: timeout, logger: logger}
}

// Start launches the sweep loop. It is a no-op when disabled or already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 || len(s.expirers) == 0 {
		s.logger.Info("guard.confirmation.sweeper.disabled",
			slog.Duration("interval", s.interval),
			slog.Int("expirers", len(s.expirers)),
		)
		return
	}
	if s.cancel != nil {
		return
	}
	initSweepMetrics()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every expirer once and returns the number of removed holds.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	initSweepMetrics()
	total := 0
	for _, e := range s.expirers {
		name := fmt.Sprintf("%T", e)
		sweepCtx := ctx
		var cancel context.CancelFunc
		if s.timeout > 0 {
			sweepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		start := time.Now()
		n, err := e.ExpireHolds(sweepCtx)
		if cancel != nil {
			cancel()
		}
		attrs := metric.WithAttributes(attribute.String("expirer", name))
		sweepLatencyMs.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, attrs)
			s.logger.WarnContext(ctx, "guard.confirmation.expire.error",
				slog.String("expirer", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			expiredCounter.Add(ctx, int64(n), attrs)
			s.logger.InfoContext(ctx, "guard.confirmation.expired",
				slog.String("expirer", name),
				slog.Int("expired", n),
			)
		}
		total += n
	}
	return total
}

var (
	sweepMetricsOnce  sync.Once
	sweepErrorCounter metric.Int64Counter
	expiredCounter    metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("kyrax/governance")
		sweepErrorCounter, _ = meter.Int64Counter("kyrax.confirmation.sweep.error.count")
		expiredCounter, _ = meter.Int64Counter("kyrax.confirmation.expired.count")
		sweepLatencyMs, _ = meter.Float64Histogram("kyrax.confirmation.sweep.latency_ms")
	})
}
