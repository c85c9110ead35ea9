package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/circuitbreaker"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

var (
	ErrChannelNotConfigured = errors.New("notify: channel not configured")
	ErrDispatcherStopped    = errors.New("notify: dispatcher stopped")
	ErrNoRecipients         = errors.New("notify: no channel has on-call recipients")
)

// channelPreference is the order Notify and Page try channels in.
var channelPreference = []escalation.Channel{
	escalation.ChannelSMS,
	escalation.ChannelEmail,
	escalation.ChannelLog,
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the number of accepted but undelivered messages.
	QueueSize int
	Workers   int

	// RatePerSecond and Burst configure the per-channel token bucket.
	RatePerSecond float64
	Burst         int

	SendTimeout time.Duration
	// DeliverTimeout bounds a synchronous Deliver or Page call, retries
	// included.
	DeliverTimeout  time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration

	// OnCall lists recipients per channel. The log channel needs none.
	OnCall map[escalation.Channel][]string

	Retrier *retry.Retrier
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       256,
		Workers:         4,
		RatePerSecond:   5,
		Burst:           10,
		SendTimeout:     10 * time.Second,
		DeliverTimeout:  10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

type channelState struct {
	sender  Sender
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
}

type job struct {
	msg   Message
	state *channelState
}

// Dispatcher delivers messages through per-channel breakers, limiters
// and retries. Dispatch and Notify queue messages and only report whether
// they were accepted. Deliver and Page send before returning and report
// the delivery outcome.
type Dispatcher struct {
	config   DispatcherConfig
	channels map[escalation.Channel]*channelState
	retrier  *retry.Retrier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	queue   chan job
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over senders. Senders sharing a
// channel replace each other; the last one wins.
func NewDispatcher(cfg DispatcherConfig, senders ...Sender) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.Retrier == nil {
		cfg.Retrier = retry.NotificationRetrier()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	d := &Dispatcher{
		config:   cfg,
		channels: make(map[escalation.Channel]*channelState, len(senders)),
		retrier:  cfg.Retrier,
		logger:   cfg.Logger.Named("notify"),
		metrics:  cfg.Metrics,
		queue:    make(chan job, cfg.QueueSize),
	}

	for _, s := range senders {
		if s == nil {
			continue
		}
		ch := s.Channel()
		d.channels[ch] = &channelState{
			sender: s,
			breaker: circuitbreaker.New("notify-"+string(ch),
				circuitbreaker.WithFailureThreshold(cfg.BreakerFailures),
				circuitbreaker.WithTimeout(cfg.BreakerTimeout),
				circuitbreaker.WithOnStateChange(d.onBreakerChange),
			),
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		}
	}
	return d
}

// Start runs the delivery workers until Stop is called. Deliveries use
// ctx; cancelling it fails in-flight sends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.deliver(ctx, j)
			}
		}()
	}
	d.logger.Info("notification dispatcher started",
		zap.Int("workers", d.config.Workers),
		zap.Int("channels", len(d.channels)),
	)
}

// Stop rejects new messages and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped")
}

// Configured reports whether a sender exists for ch.
func (d *Dispatcher) Configured(ch escalation.Channel) bool {
	_, ok := d.channels[ch]
	return ok
}

// Dispatch enqueues msg without blocking. It returns false when the
// channel has no sender, its breaker is open, the queue is full or the
// dispatcher is stopped.
func (d *Dispatcher) Dispatch(msg Message) bool {
	state, ok := d.channels[msg.Channel]
	if !ok || !state.breaker.Ready() {
		d.metrics.Notification(string(msg.Channel), "rejected")
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.metrics.Notification(string(msg.Channel), "rejected")
		return false
	}

	select {
	case d.queue <- job{msg: msg, state: state}:
		return true
	default:
		d.metrics.Notification(string(msg.Channel), "rejected")
		d.logger.Warn("notification queue full",
			logger.Channel(string(msg.Channel)),
			zap.Int("queue_size", d.config.QueueSize),
		)
		return false
	}
}

// Notify sends subject and body to the on-call recipients of the first
// channel, in sms, email, log order, that accepts at least one message.
// It returns that channel, or false if none accepted.
func (d *Dispatcher) Notify(subject, body string) (escalation.Channel, bool) {
	for _, ch := range channelPreference {
		if !d.Configured(ch) {
			continue
		}

		accepted := false
		for _, to := range d.recipients(ch) {
			if d.Dispatch(Message{Channel: ch, To: to, Subject: subject, Body: body}) {
				accepted = true
			}
		}
		if accepted {
			return ch, true
		}
	}
	return "", false
}

// Deliver sends msg before returning, bounded by DeliverTimeout. It does
// not need the workers started.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	state, ok := d.channels[msg.Channel]
	if !ok {
		d.metrics.Notification(string(msg.Channel), "rejected")
		return ErrChannelNotConfigured
	}

	d.mu.RLock()
	stopped := d.stopped
	d.mu.RUnlock()
	if stopped {
		d.metrics.Notification(string(msg.Channel), "rejected")
		return ErrDispatcherStopped
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.DeliverTimeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, state, msg)
	d.record(msg, start, err)
	return err
}

// Page delivers subject and body to the on-call recipients of the first
// channel, in sms, email, log order, on which at least one delivery
// succeeds. It returns that channel, or the delivery errors when every
// channel failed.
func (d *Dispatcher) Page(ctx context.Context, subject, body string) (escalation.Channel, error) {
	var errs []error
	for _, ch := range channelPreference {
		if !d.Configured(ch) {
			continue
		}

		delivered := false
		for _, to := range d.recipients(ch) {
			err := d.Deliver(ctx, Message{Channel: ch, To: to, Subject: subject, Body: body})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s to %s: %w", ch, maskAddress(to), err))
				continue
			}
			delivered = true
		}
		if delivered {
			return ch, nil
		}
	}

	if len(errs) == 0 {
		return "", ErrNoRecipients
	}
	return "", errors.Join(errs...)
}

func (d *Dispatcher) recipients(ch escalation.Channel) []string {
	recipients := d.config.OnCall[ch]
	if ch == escalation.ChannelLog && len(recipients) == 0 {
		return []string{"on-call"}
	}
	return recipients
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	start := time.Now()
	d.record(j.msg, start, d.send(ctx, j.state, j.msg))
}

// send runs one message through the channel's breaker, retrier and limiter.
func (d *Dispatcher) send(ctx context.Context, state *channelState, msg Message) error {
	return state.breaker.Execute(ctx, func(ctx context.Context) error {
		return d.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
			if err := state.limiter.Wait(ctx); err != nil {
				return err
			}
			sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
			defer cancel()
			return state.sender.Send(sendCtx, msg)
		})
	})
}

func (d *Dispatcher) record(msg Message, start time.Time, err error) {
	ch := string(msg.Channel)
	if err != nil {
		d.metrics.Notification(ch, "failed")
		fields := []zap.Field{
			logger.Channel(ch),
			logger.Latency(time.Since(start)),
			zap.Error(err),
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			d.logger.Warn("notification skipped, channel unavailable", fields...)
			return
		}
		d.logger.Error("notification delivery failed", fields...)
		return
	}

	d.metrics.Notification(ch, "sent")
	d.logger.Debug("notification sent",
		logger.Channel(ch),
		logger.Latency(time.Since(start)),
	)
}

func (d *Dispatcher) onBreakerChange(name string, from, to circuitbreaker.State) {
	d.logger.Warn("notification channel breaker changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
