package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// Default relay channel names.
const (
	DefaultNatsSubject  = "carehub.alerts"
	DefaultRedisChannel = "carehub:alerts"
)

func encodeAlert(e alert.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	return data, nil
}

func decodeAlert(data []byte) (alert.Event, error) {
	var e alert.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return alert.Event{}, fmt.Errorf("decode alert: %w", err)
	}
	if e.Origin == "" {
		return alert.Event{}, errors.New("decode alert: missing origin")
	}
	return e, nil
}

// TransportOption configures a relay transport.
type TransportOption func(*frameReporter)

// WithTransportLogger sets the logger that reports undecodable frames.
func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(r *frameReporter) {
		if log != nil {
			r.logger = log.Named("relay")
		}
	}
}

// WithTransportMetrics sets the metrics that count undecodable frames.
func WithTransportMetrics(m *metrics.Metrics) TransportOption {
	return func(r *frameReporter) { r.metrics = m }
}

// frameReporter accounts for inbound frames that never reach the bus.
type frameReporter struct {
	transport string
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func newFrameReporter(transport string, opts []TransportOption) frameReporter {
	r := frameReporter{transport: transport, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func (r frameReporter) dropped(field zap.Field, size int, err error) {
	r.metrics.RelayFrameDropped(r.transport)
	r.logger.Warn("relay frame dropped",
		zap.String("transport", r.transport),
		field,
		zap.Int("bytes", size),
		zap.Error(err),
	)
}

// ══════════════════════════════════════════════════════════════════════════════
// RELAY
// ══════════════════════════════════════════════════════════════════════════════

// Relay connects an AlertBus to a Transport so alerts accepted on one
// instance reach subscribers on every instance. Outbound alerts are queued
// so AlertBus.Publish never waits on the network.
type Relay struct {
	bus       *AlertBus
	transport alert.Transport
	logger    *zap.Logger
	timeout   time.Duration

	out chan alert.Event
	wg  sync.WaitGroup
}

// NewRelay creates a relay with an outbound buffer of bufferSize alerts.
func NewRelay(bus *AlertBus, transport alert.Transport, bufferSize int, log *zap.Logger) *Relay {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		bus:       bus,
		transport: transport,
		logger:    log.Named("relay"),
		timeout:   5 * time.Second,
		out:       make(chan alert.Event, bufferSize),
	}
}

// Start attaches the relay to the bus and runs until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	r.bus.SetForwarder(r.forward)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.sendLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		if err := r.transport.Receive(ctx, r.bus.Deliver); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("relay receive stopped", zap.Error(err))
		}
	}()
}

// Wait blocks until the relay goroutines exit and closes the transport.
func (r *Relay) Wait() error {
	r.wg.Wait()
	return r.transport.Close()
}

func (r *Relay) forward(e alert.Event) {
	select {
	case r.out <- e:
	default:
		r.logger.Warn("relay buffer full, alert not forwarded",
			zap.String("alert_id", e.ID),
			logger.UserID(e.Key.UserID.String()),
		)
	}
}

func (r *Relay) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.out:
			sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.transport.Send(sendCtx, e); err != nil {
				r.logger.Error("relay send failed",
					zap.String("alert_id", e.ID),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NATS TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// NatsTransport relays alerts over a NATS subject.
type NatsTransport struct {
	nc      *nats.Conn
	subject string
	owned   bool
	report  frameReporter
}

// NewNatsTransport wraps an existing connection.
func NewNatsTransport(nc *nats.Conn, subject string, opts ...TransportOption) *NatsTransport {
	if subject == "" {
		subject = DefaultNatsSubject
	}
	return &NatsTransport{nc: nc, subject: subject, report: newFrameReporter("nats", opts)}
}

// DialNats connects to url and returns a transport that owns the connection.
func DialNats(url, subject string, opts ...TransportOption) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("care-hub"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	t := NewNatsTransport(nc, subject, opts...)
	t.owned = true
	return t, nil
}

// Send implements alert.Transport.
func (t *NatsTransport) Send(_ context.Context, e alert.Event) error {
	data, err := encodeAlert(e)
	if err != nil {
		return err
	}
	if err := t.nc.Publish(t.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Receive implements alert.Transport.
func (t *NatsTransport) Receive(ctx context.Context, fn func(alert.Event)) error {
	sub, err := t.nc.Subscribe(t.subject, func(msg *nats.Msg) {
		e, err := decodeAlert(msg.Data)
		if err != nil {
			t.report.dropped(zap.String("subject", msg.Subject), len(msg.Data), err)
			return
		}
		fn(e)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return ctx.Err()
}

// Close implements alert.Transport.
func (t *NatsTransport) Close() error {
	if t.owned {
		t.nc.Close()
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// RedisTransport relays alerts over a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
	report  frameReporter
}

// NewRedisTransport creates a transport on client. The client is owned by
// the caller.
func NewRedisTransport(client *redis.Client, channel string, opts ...TransportOption) *RedisTransport {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisTransport{client: client, channel: channel, report: newFrameReporter("redis", opts)}
}

// Send implements alert.Transport.
func (t *RedisTransport) Send(ctx context.Context, e alert.Event) error {
	data, err := encodeAlert(e)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Receive implements alert.Transport.
func (t *RedisTransport) Receive(ctx context.Context, fn func(alert.Event)) error {
	ps := t.client.Subscribe(ctx, t.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := decodeAlert([]byte(msg.Payload))
			if err != nil {
				t.report.dropped(zap.String("channel", msg.Channel), len(msg.Payload), err)
				continue
			}
			fn(e)
		}
	}
}

// Close implements alert.Transport.
func (t *RedisTransport) Close() error {
	return nil
}
