// Package activity aggregates raw activity increments into per-user
// counters. Increments are coalesced in memory and written in batches; the
// new absolute values are then handed to a Sink for evaluation.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/kasuganosora/engagement/activity")

var (
	ErrNegativeDelta  = errors.New("activity: negative delta")
	ErrUnknownCounter = errors.New("activity: unknown counter type")
	ErrInvalidID      = errors.New("activity: invalid guild or user id")
	ErrQueueFull      = errors.New("activity: queue full")
	ErrStopped        = errors.New("activity: aggregator stopped")
)

// Sink receives the absolute counter value after every flushed increment.
type Sink interface {
	OnCounterUpdate(ctx context.Context, u model.CounterUpdate) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u model.CounterUpdate) error

func (f SinkFunc) OnCounterUpdate(ctx context.Context, u model.CounterUpdate) error { return f(ctx, u) }

// Health is the flush health of the aggregator.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
)

// HealthFunc is called on every health transition. err is the flush error
// that caused degradation, nil on recovery.
type HealthFunc func(h Health, err error)

// Aggregator buffers increments and flushes them on an interval or when too
// many keys are pending.
type Aggregator struct {
	store    store.CounterStore
	sink     Sink
	cfg      config.ActivityConfig
	onHealth HealthFunc
	logger   *zap.Logger

	queue chan model.CounterDelta

	// Loop-owned state.
	index   map[model.CounterKey]int
	order   []model.CounterDelta
	strikes map[model.CounterKey]int

	lanes []*lane
	lanew sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool

	health   atomic.Value
	pending  atomic.Int64
	flushed  atomic.Uint64
	failures atomic.Uint64
	parked   atomic.Uint64
	backlog  atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an Aggregator. Call Start to begin flushing.
func New(st store.CounterStore, sink Sink, cfg config.ActivityConfig, onHealth HealthFunc, logger *zap.Logger) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 500
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 8
	}
	a := &Aggregator{
		store:    st,
		sink:     sink,
		cfg:      cfg,
		onHealth: onHealth,
		logger:   logger,
		queue:    make(chan model.CounterDelta, cfg.QueueSize),
		index:    make(map[model.CounterKey]int),
		strikes:  make(map[model.CounterKey]int),
		lanes:    make([]*lane, cfg.DispatchWorkers),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range a.lanes {
		a.lanes[i] = &lane{wake: make(chan struct{}, 1)}
	}
	a.health.Store(Healthy)
	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Start launches the flush loop and the dispatch workers.
func (a *Aggregator) Start() {
	if a.started.CompareAndSwap(false, true) {
		for _, l := range a.lanes {
			a.lanew.Add(1)
			go a.work(l)
		}
		go a.loop()
	}
}

// Record enqueues an increment. A zero delta is accepted and ignored.
func (a *Aggregator) Record(ctx context.Context, guildID, userID string, ct model.CounterType, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeDelta, delta)
	}
	if !ct.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCounter, ct)
	}
	if !validID(guildID) || !validID(userID) {
		return fmt.Errorf("%w: guild %q user %q", ErrInvalidID, guildID, userID)
	}
	if delta == 0 {
		return nil
	}
	d := model.CounterDelta{
		CounterKey: model.CounterKey{GuildID: guildID, UserID: userID, CounterType: ct},
		Delta:      delta,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrStopped
	}
	select {
	case a.queue <- d:
		return nil
	default:
	}
	t := time.NewTimer(a.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case a.queue <- d:
		return nil
	case <-t.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validID(id string) bool {
	return id != "" && len(id) <= model.MaxIDLength
}

// Health returns the current flush health.
func (a *Aggregator) Health() Health { return a.health.Load().(Health) }

// Stats is a snapshot of aggregator counters.
type Stats struct {
	Health   Health `json:"health"`
	Pending  int64  `json:"pending"`
	Queued   int    `json:"queued"`
	Flushed  uint64 `json:"flushed"`
	Failures uint64 `json:"failures"`
	Parked   uint64 `json:"parked"`
	Backlog  int64  `json:"dispatch_backlog"`
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		Health:   a.Health(),
		Pending:  a.pending.Load(),
		Queued:   len(a.queue),
		Flushed:  a.flushed.Load(),
		Failures: a.failures.Load(),
		Parked:   a.parked.Load(),
		Backlog:  a.backlog.Load(),
	}
}

// Stop refuses new increments, drains the queue and performs a final flush.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()
	close(a.stopCh)

	if !a.started.Load() {
		a.cancel()
		return nil
	}
	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}

func (a *Aggregator) loop() {
	defer func() {
		for _, l := range a.lanes {
			l.close()
		}
		a.lanew.Wait()
		close(a.done)
	}()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-a.queue:
			a.add(d)
			if len(a.order) >= a.cfg.MaxPending {
				a.flush()
			}
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			a.drain()
			a.flush()
			if n := len(a.order); n > 0 {
				a.logger.Error("activity increments not persisted at shutdown", zap.Int("keys", n))
			}
			return
		}
	}
}

func (a *Aggregator) drain() {
	for {
		select {
		case d := <-a.queue:
			a.add(d)
		default:
			return
		}
	}
}

// add coalesces d into the pending set, keeping first-arrival order.
func (a *Aggregator) add(d model.CounterDelta) {
	if i, ok := a.index[d.CounterKey]; ok {
		a.order[i].Delta += d.Delta
		return
	}
	a.index[d.CounterKey] = len(a.order)
	a.order = append(a.order, d)
	a.pending.Store(int64(len(a.order)))
}

func (a *Aggregator) flush() {
	if len(a.order) == 0 {
		return
	}
	batch := a.order
	a.order = nil
	a.index = make(map[model.CounterKey]int)
	a.pending.Store(0)

	ctx, span := tracer.Start(a.baseCtx, "activity.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("keys", len(batch)))

	var res commitResult
	a.commit(ctx, batch, &res)
	for _, u := range res.updates {
		delete(a.strikes, u.CounterKey)
	}

	retry := res.retry
	for _, d := range res.rejected {
		a.strikes[d.CounterKey]++
		if len(res.updates) == 0 && uint(a.strikes[d.CounterKey]) < a.cfg.RetryAttempts {
			retry = append(retry, d)
			continue
		}
		delete(a.strikes, d.CounterKey)
		a.parked.Add(1)
		a.failures.Add(1)
		a.logger.Error("counter increment parked",
			zap.String("guild", d.GuildID),
			zap.String("user", d.UserID),
			zap.String("counter", string(d.CounterType)),
			zap.Int64("delta", d.Delta))
	}

	a.flushed.Add(uint64(len(res.updates)))
	if len(retry) > 0 {
		span.RecordError(res.err)
		a.failures.Add(1)
		a.requeue(retry)
		a.setHealth(Degraded, res.err)
	} else {
		a.setHealth(Healthy, nil)
	}
	a.dispatch(res.updates)
}

type commitResult struct {
	updates  []model.CounterUpdate
	retry    []model.CounterDelta
	rejected []model.CounterDelta
	err      error
}

// commit writes batch. A batch refused for a non-transient reason is split
// in halves until the refused keys are isolated, so healthy keys still land.
func (a *Aggregator) commit(ctx context.Context, batch []model.CounterDelta, res *commitResult) {
	ups, err := a.upsert(ctx, batch)
	switch {
	case err == nil:
		res.updates = append(res.updates, ups...)
	case store.IsTransient(err) || ctx.Err() != nil:
		res.retry = append(res.retry, batch...)
		res.err = err
	case len(batch) == 1:
		a.logger.Warn("counter increment rejected",
			zap.String("guild", batch[0].GuildID),
			zap.String("user", batch[0].UserID),
			zap.Error(err))
		res.rejected = append(res.rejected, batch[0])
		res.err = err
	default:
		mid := len(batch) / 2
		a.commit(ctx, batch[:mid], res)
		a.commit(ctx, batch[mid:], res)
	}
}

// upsert retries transient failures with backoff.
func (a *Aggregator) upsert(ctx context.Context, batch []model.CounterDelta) ([]model.CounterUpdate, error) {
	b := backoff.NewExponentialBackOff()
	if a.cfg.RetryInitial > 0 {
		b.InitialInterval = a.cfg.RetryInitial
	}
	if a.cfg.RetryMax > 0 {
		b.MaxInterval = a.cfg.RetryMax
	}
	return backoff.Retry(ctx, func() ([]model.CounterUpdate, error) {
		ups, err := a.store.UpsertCounterBatch(ctx, batch)
		if err == nil {
			return ups, nil
		}
		a.logger.Warn("counter flush failed", zap.Int("keys", len(batch)), zap.Error(err))
		if !store.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(a.cfg.RetryAttempts))
}

// requeue puts a failed batch back in front of anything added since.
func (a *Aggregator) requeue(batch []model.CounterDelta) {
	later := a.order
	a.order = nil
	a.index = make(map[model.CounterKey]int)
	for _, d := range batch {
		a.add(d)
	}
	for _, d := range later {
		a.add(d)
	}
}

// dispatch routes each update to the lane owning its key. Updates for one
// counter are always evaluated in order by the same worker; the flush loop
// never waits on evaluation.
func (a *Aggregator) dispatch(updates []model.CounterUpdate) {
	if a.sink == nil {
		return
	}
	for _, u := range updates {
		a.backlog.Add(1)
		a.lanes[xxhash.Sum64String(u.CounterKey.String())%uint64(len(a.lanes))].push(u)
	}
}

func (a *Aggregator) work(l *lane) {
	defer a.lanew.Done()
	for {
		items, closed := l.take()
		for _, u := range items {
			if err := a.sink.OnCounterUpdate(a.baseCtx, u); err != nil {
				a.logger.Warn("counter evaluation failed",
					zap.String("guild", u.GuildID),
					zap.String("user", u.UserID),
					zap.String("counter", string(u.CounterType)),
					zap.Error(err))
			}
			a.backlog.Add(-1)
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

// lane is an unbounded FIFO of updates feeding one dispatch worker.
type lane struct {
	mu     sync.Mutex
	items  []model.CounterUpdate
	closed bool
	wake   chan struct{}
}

func (l *lane) push(u model.CounterUpdate) {
	l.mu.Lock()
	l.items = append(l.items, u)
	l.mu.Unlock()
	l.signal()
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) take() ([]model.CounterUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.items
	l.items = nil
	return items, l.closed
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) setHealth(h Health, err error) {
	prev := a.health.Swap(h).(Health)
	if prev == h {
		return
	}
	if h == Degraded {
		a.logger.Error("activity aggregator degraded", zap.Error(err))
	} else {
		a.logger.Info("activity aggregator recovered")
	}
	if a.onHealth != nil {
		a.onHealth(h, err)
	}
}
