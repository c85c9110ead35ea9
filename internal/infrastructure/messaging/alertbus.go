package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ALERT BUS
// ══════════════════════════════════════════════════════════════════════════════

// AlertBusConfig configures an AlertBus.
type AlertBusConfig struct {
	// QueueSize bounds each subscriber's pending alerts.
	QueueSize int
	// MaxDrops disconnects a subscriber that lost this many alerts in a
	// row without taking any.
	MaxDrops int
	// Cooldown suppresses repeated alerts with the same dedupe key.
	Cooldown time.Duration
	// InstanceID tags alerts accepted by this process.
	InstanceID string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultAlertBusConfig returns sensible defaults.
func DefaultAlertBusConfig() AlertBusConfig {
	return AlertBusConfig{
		QueueSize: 64,
		MaxDrops:  256,
		Cooldown:  alert.DefaultCooldown,
	}
}

// AlertBus fans critical alerts out to institution-scoped subscribers.
// Publish never blocks on a subscriber: every subscriber owns a bounded
// queue drained by its own goroutine.
type AlertBus struct {
	cfg     AlertBusConfig
	dedupe  alert.Dedupe
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	subs    map[string]*Subscription
	forward func(alert.Event)
	closed  bool
	sinks   sync.WaitGroup
}

// NewAlertBus creates an alert bus using dedupe for cooldown bookkeeping.
func NewAlertBus(dedupe alert.Dedupe, cfg AlertBusConfig) *AlertBus {
	def := DefaultAlertBusConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxDrops <= 0 {
		cfg.MaxDrops = def.MaxDrops
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if dedupe == nil {
		dedupe = NewMemoryDedupe(cfg.Now)
	}

	return &AlertBus{
		cfg:     cfg,
		dedupe:  dedupe,
		logger:  cfg.Logger.Named("alertbus"),
		metrics: cfg.Metrics,
		subs:    make(map[string]*Subscription),
	}
}

// InstanceID returns the id stamped on locally accepted alerts.
func (b *AlertBus) InstanceID() string {
	return b.cfg.InstanceID
}

// SetForwarder registers a function that receives every locally accepted
// alert, used by the cross-instance relay. It must not block.
func (b *AlertBus) SetForwarder(fn func(alert.Event)) {
	b.mu.Lock()
	b.forward = fn
	b.mu.Unlock()
}

// Publish accepts an alert if its target stage is critical and its dedupe
// key is not cooling down. It reports whether the alert was accepted.
// A failing dedupe store does not suppress the alert.
func (b *AlertBus) Publish(ctx context.Context, e alert.Event) (bool, error) {
	if !e.Alertable() {
		b.metrics.Alert("filtered")
		return false, nil
	}

	fresh, err := b.dedupe.Claim(ctx, e.Key, b.cfg.Cooldown)
	if err != nil {
		b.logger.Warn("dedupe store failed, publishing anyway",
			logger.UserID(e.Key.UserID.String()),
			zap.Error(err),
		)
		fresh = true
	}
	if !fresh {
		b.metrics.Alert("suppressed")
		b.logger.Debug("alert suppressed by cooldown",
			logger.UserID(e.Key.UserID.String()),
			logger.Stage(e.To.String()),
		)
		return false, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = b.cfg.Now()
	}
	e.Origin = b.cfg.InstanceID

	b.mu.RLock()
	forward := b.forward
	b.mu.RUnlock()

	delivered := b.fanOut(e)
	if forward != nil {
		forward(e)
	}

	b.metrics.Alert("published")
	b.logger.Info("alert published",
		logger.UserID(e.Key.UserID.String()),
		logger.InstitutionID(e.InstitutionID.String()),
		logger.Stage(e.To.String()),
		zap.Int("subscribers", delivered),
	)
	return true, nil
}

// Deliver fans out an alert accepted by another instance. Alerts from
// this instance are ignored since they were delivered when published.
func (b *AlertBus) Deliver(e alert.Event) {
	if e.Origin == b.cfg.InstanceID {
		return
	}
	b.metrics.Alert("relayed")
	b.fanOut(e)
}

func (b *AlertBus) fanOut(e alert.Event) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.institution.Matches(e.InstitutionID) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.push(e)
	}
	return len(targets)
}

// Subscribe opens a stream of alerts for one institution. The wildcard
// institution (empty or "*") receives every alert.
func (b *AlertBus) Subscribe(institution shared.InstitutionID) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrEventBusClosed
	}

	s := newSubscription(b, institution)
	b.subs[s.id] = s
	b.metrics.SubscriberAdded()
	b.logger.Debug("subscriber connected",
		logger.SubscriberID(s.id),
		logger.InstitutionID(institution.String()),
	)
	return s, nil
}

func (b *AlertBus) remove(s *Subscription, reason string) {
	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()

	if ok {
		b.metrics.SubscriberRemoved()
		b.logger.Info("subscriber disconnected",
			logger.SubscriberID(s.id),
			logger.InstitutionID(s.institution.String()),
			zap.String("reason", reason),
		)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *AlertBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// AttachSink runs sink on every alert for institution until ctx is done
// or the bus is closed. Sink failures are logged and never reach the bus.
func (b *AlertBus) AttachSink(ctx context.Context, institution shared.InstitutionID, sink alert.Sink, timeout time.Duration) error {
	sub, err := b.Subscribe(institution)
	if err != nil {
		return err
	}

	b.sinks.Add(1)
	go func() {
		defer b.sinks.Done()
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				b.runSink(ctx, sink, e, timeout)
			}
		}
	}()
	return nil
}

func (b *AlertBus) runSink(ctx context.Context, sink alert.Sink, e alert.Event, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("alert sink panicked", zap.String("sink", sink.Name()), zap.Any("panic", r))
		}
	}()

	if err := sink.Deliver(ctx, e); err != nil {
		b.logger.Error("alert sink failed",
			zap.String("sink", sink.Name()),
			zap.String("alert_id", e.ID),
			logger.UserID(e.Key.UserID.String()),
			zap.Error(err),
		)
	}
}

// Close disconnects every subscriber and waits for sinks to stop.
func (b *AlertBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	b.sinks.Wait()
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTION
// ══════════════════════════════════════════════════════════════════════════════

// Subscription is one connected consumer of the alert bus.
type Subscription struct {
	id          string
	institution shared.InstitutionID
	bus         *AlertBus
	capacity    int
	maxDrops    int

	mu      sync.Mutex
	queue   []alert.Event
	drops   int
	dropped int
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan alert.Event
}

func newSubscription(b *AlertBus, institution shared.InstitutionID) *Subscription {
	s := &Subscription{
		id:          uuid.NewString(),
		institution: institution,
		bus:         b,
		capacity:    b.cfg.QueueSize,
		maxDrops:    b.cfg.MaxDrops,
		queue:       make([]alert.Event, 0, b.cfg.QueueSize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		out:         make(chan alert.Event),
	}
	go s.pump()
	return s
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// C returns the alert stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan alert.Event {
	return s.out
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many alerts were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.close("closed")
}

func (s *Subscription) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.bus.remove(s, reason)
}

// push enqueues e without blocking. When the queue is full the oldest
// alert is discarded so the newest is always kept.
func (s *Subscription) push(e alert.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	overflow := false
	if len(s.queue) >= s.capacity {
		s.queue[0] = alert.Event{}
		s.queue = s.queue[1:]
		s.drops++
		s.dropped++
		overflow = true
	}
	s.queue = append(s.queue, e)
	disconnect := s.drops > s.maxDrops
	s.mu.Unlock()

	if overflow {
		s.bus.metrics.AlertDropped()
	}
	if disconnect {
		s.close("slow subscriber")
		return
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (alert.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return alert.Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = alert.Event{}
	s.queue = s.queue[1:]
	s.drops = 0
	return e, true
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		e, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
