package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/retry"
)

type fakeSender struct {
	channel escalation.Channel
	err     error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Channel() escalation.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       8,
		Workers:         1,
		RatePerSecond:   1000,
		Burst:           100,
		BreakerFailures: 1,
		BreakerTimeout:  time.Hour,
		Retrier:         retry.New(retry.WithMaxAttempts(2), retry.WithBackoff(time.Millisecond, time.Millisecond)),
	}
}

func TestDispatcher_DeliversAccepted(t *testing.T) {
	sms := &fakeSender{channel: escalation.ChannelSMS}
	d := NewDispatcher(testConfig(), sms)
	d.Start(context.Background())

	ok := d.Dispatch(Message{Channel: escalation.ChannelSMS, To: "+15550001", Body: "hello"})
	require.True(t, ok)

	d.Stop()
	assert.Equal(t, 1, sms.count())
}

func TestDispatcher_RejectsUnknownChannel(t *testing.T) {
	d := NewDispatcher(testConfig(), &fakeSender{channel: escalation.ChannelLog})

	assert.False(t, d.Dispatch(Message{Channel: escalation.ChannelEmail, To: "a@b.c"}))
	assert.False(t, d.Configured(escalation.ChannelEmail))
	assert.True(t, d.Configured(escalation.ChannelLog))
}

func TestDispatcher_RejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, &fakeSender{channel: escalation.ChannelLog})

	// Not started, so nothing drains the queue.
	assert.True(t, d.Dispatch(Message{Channel: escalation.ChannelLog}))
	assert.False(t, d.Dispatch(Message{Channel: escalation.ChannelLog}))
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	d := NewDispatcher(testConfig(), &fakeSender{channel: escalation.ChannelLog})
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	assert.False(t, d.Dispatch(Message{Channel: escalation.ChannelLog}))
}

func TestDispatcher_OpenBreakerRejects(t *testing.T) {
	sms := &fakeSender{channel: escalation.ChannelSMS, err: errors.New("carrier down")}
	d := NewDispatcher(testConfig(), sms)
	d.Start(context.Background())
	defer d.Stop()

	require.True(t, d.Dispatch(Message{Channel: escalation.ChannelSMS, To: "+1"}))

	require.Eventually(t, func() bool {
		return !d.Dispatch(Message{Channel: escalation.ChannelSMS, To: "+1"})
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	sms := &fakeSender{channel: escalation.ChannelSMS, err: retry.Retryable(errors.New("timeout"))}
	d := NewDispatcher(testConfig(), sms)
	d.Start(context.Background())

	require.True(t, d.Dispatch(Message{Channel: escalation.ChannelSMS, To: "+1"}))
	d.Stop()

	assert.Equal(t, 2, sms.count())
}

func TestDispatcher_NotifyFallsBack(t *testing.T) {
	t.Run("prefers sms", func(t *testing.T) {
		sms := &fakeSender{channel: escalation.ChannelSMS}
		email := &fakeSender{channel: escalation.ChannelEmail}
		cfg := testConfig()
		cfg.OnCall = map[escalation.Channel][]string{
			escalation.ChannelSMS:   {"+1", "+2"},
			escalation.ChannelEmail: {"oncall@example.edu"},
		}
		d := NewDispatcher(cfg, sms, email)
		d.Start(context.Background())

		ch, ok := d.Notify("subject", "body")
		d.Stop()

		require.True(t, ok)
		assert.Equal(t, escalation.ChannelSMS, ch)
		assert.Equal(t, 2, sms.count())
		assert.Zero(t, email.count())
	})

	t.Run("sms without recipients falls to email", func(t *testing.T) {
		cfg := testConfig()
		cfg.OnCall = map[escalation.Channel][]string{escalation.ChannelEmail: {"oncall@example.edu"}}
		d := NewDispatcher(cfg, &fakeSender{channel: escalation.ChannelSMS}, &fakeSender{channel: escalation.ChannelEmail})

		ch, ok := d.Notify("subject", "body")
		require.True(t, ok)
		assert.Equal(t, escalation.ChannelEmail, ch)
	})

	t.Run("log needs no recipients", func(t *testing.T) {
		d := NewDispatcher(testConfig(), &fakeSender{channel: escalation.ChannelLog})

		ch, ok := d.Notify("subject", "body")
		require.True(t, ok)
		assert.Equal(t, escalation.ChannelLog, ch)
	})

	t.Run("nothing configured", func(t *testing.T) {
		d := NewDispatcher(testConfig())

		_, ok := d.Notify("subject", "body")
		assert.False(t, ok)
	})
}

func TestDispatcher_DeliverReportsOutcome(t *testing.T) {
	ctx := context.Background()

	ok := &fakeSender{channel: escalation.ChannelLog}
	d := NewDispatcher(testConfig(), ok)
	require.NoError(t, d.Deliver(ctx, Message{Channel: escalation.ChannelLog, To: "on-call"}))
	assert.Equal(t, 1, ok.count())

	assert.ErrorIs(t, d.Deliver(ctx, Message{Channel: escalation.ChannelSMS, To: "+1"}), ErrChannelNotConfigured)

	failing := &fakeSender{channel: escalation.ChannelLog, err: errors.New("disk full")}
	d = NewDispatcher(testConfig(), failing)
	err := d.Deliver(ctx, Message{Channel: escalation.ChannelLog, To: "on-call"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	d.Stop()
	assert.ErrorIs(t, d.Deliver(ctx, Message{Channel: escalation.ChannelLog}), ErrDispatcherStopped)
}

func TestDispatcher_Page(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back past a failing channel", func(t *testing.T) {
		sms := &fakeSender{channel: escalation.ChannelSMS, err: errors.New("carrier down")}
		email := &fakeSender{channel: escalation.ChannelEmail}
		cfg := testConfig()
		cfg.OnCall = map[escalation.Channel][]string{
			escalation.ChannelSMS:   {"+15550001"},
			escalation.ChannelEmail: {"oncall@example.edu"},
		}
		d := NewDispatcher(cfg, sms, email)

		ch, err := d.Page(ctx, "subject", "body")
		require.NoError(t, err)
		assert.Equal(t, escalation.ChannelEmail, ch)
		assert.Equal(t, 1, email.count())
	})

	t.Run("every channel failing returns the errors", func(t *testing.T) {
		d := NewDispatcher(testConfig(), &fakeSender{channel: escalation.ChannelLog, err: errors.New("disk full")})

		_, err := d.Page(ctx, "subject", "body")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := NewDispatcher(testConfig()).Page(ctx, "subject", "body")
		assert.ErrorIs(t, err, ErrNoRecipients)
	})
}

func TestPagingSink(t *testing.T) {
	logSender := &fakeSender{channel: escalation.ChannelLog}
	d := NewDispatcher(testConfig(), logSender)
	d.Start(context.Background())

	p := risk.NewProfile(shared.UserID("u1"), shared.InstitutionID("uni-1"), time.Now())
	p.Stage = risk.StagePlanning
	p.Level = risk.LevelCritical
	e := alert.NewEvent("alert-1", p, risk.StageIdeation, time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC))

	sink := NewPagingSink(d)
	require.NoError(t, sink.Deliver(context.Background(), e))
	d.Stop()

	require.Equal(t, 1, logSender.count())
	msg := logSender.sent[0]
	assert.Contains(t, msg.Subject, "critical")
	assert.Contains(t, msg.Body, "ideation to planning")
	assert.Equal(t, "paging", sink.Name())

	empty := NewPagingSink(NewDispatcher(testConfig()))
	assert.ErrorIs(t, empty.Deliver(context.Background(), e), ErrNotAccepted)
}

type fakeCreator struct {
	err    error
	params *twilioApi.CreateMessageParams
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	return &twilioApi.ApiV2010Message{}, f.err
}

func TestTwilioSender_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server error", &twclient.TwilioRestError{Status: 503}, true},
		{"rate limited", &twclient.TwilioRestError{Status: 429}, true},
		{"bad number", &twclient.TwilioRestError{Status: 400}, false},
		{"network", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &TwilioSender{api: &fakeCreator{err: tt.err}, from: "+10000"}
			err := s.Send(context.Background(), Message{To: "+15551234567", Body: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
			assert.NotContains(t, err.Error(), "+15551234567")
		})
	}

	creator := &fakeCreator{}
	s := &TwilioSender{api: creator, from: "+10000"}
	require.NoError(t, s.Send(context.Background(), Message{To: "+15551234567", Body: "page"}))
	assert.Equal(t, "+10000", *creator.params.From)
	assert.Equal(t, "page", *creator.params.Body)
}

func TestNewSenders_RequireCredentials(t *testing.T) {
	_, err := NewTwilioSender(TwilioConfig{})
	assert.Error(t, err)
	_, err = NewSendGridSender(SendGridConfig{})
	assert.Error(t, err)

	s, err := NewSendGridSender(SendGridConfig{APIKey: "key", FromEmail: "care@example.edu"})
	require.NoError(t, err)
	assert.Equal(t, escalation.ChannelEmail, s.Channel())
}

func TestMaskAddress(t *testing.T) {
	assert.Equal(t, "o***@example.edu", maskAddress("oncall@example.edu"))
	assert.Equal(t, "***4567", maskAddress("+15551234567"))
	assert.Equal(t, "***", maskAddress("12"))
}
