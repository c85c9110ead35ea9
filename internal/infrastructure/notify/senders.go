// Package notify delivers staff notifications over SMS, email and the
// audit log. Delivery is asynchronous: callers learn only whether a
// notification was accepted for delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

// Message is one outbound notification.
type Message struct {
	Channel escalation.Channel
	To      string
	Subject string
	Body    string
}

// Sender delivers messages on one channel.
type Sender interface {
	Channel() escalation.Channel
	Send(ctx context.Context, msg Message) error
}

// ══════════════════════════════════════════════════════════════════════════════
// SMS (Twilio)
// ══════════════════════════════════════════════════════════════════════════════

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

// messageCreator is the part of the Twilio API the SMS sender uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender sends SMS through the Twilio REST API.
type TwilioSender struct {
	api  messageCreator
	from string
}

// NewTwilioSender creates an SMS sender.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, errors.New("twilio: from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.From}, nil
}

// Channel implements Sender.
func (s *TwilioSender) Channel() escalation.Channel { return escalation.ChannelSMS }

// Send implements Sender.
func (s *TwilioSender) Send(_ context.Context, msg Message) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	if _, err := s.api.CreateMessage(params); err != nil {
		err = fmt.Errorf("twilio: send to %s: %w", maskAddress(msg.To), err)
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && !transientStatus(restErr.Status) {
			return err
		}
		return retry.Retryable(err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMAIL (SendGrid)
// ══════════════════════════════════════════════════════════════════════════════

// SendGridConfig holds SendGrid credentials.
type SendGridConfig struct {
	APIKey    string
	FromName  string
	FromEmail string
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   *sgmail.Email
}

// NewSendGridSender creates an email sender.
func NewSendGridSender(cfg SendGridConfig) (*SendGridSender, error) {
	if cfg.APIKey == "" || cfg.FromEmail == "" {
		return nil, errors.New("sendgrid: api key and from address must be provided")
	}
	return &SendGridSender{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   sgmail.NewEmail(cfg.FromName, cfg.FromEmail),
	}, nil
}

// Channel implements Sender.
func (s *SendGridSender) Channel() escalation.Channel { return escalation.ChannelEmail }

// Send implements Sender.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	m := sgmail.NewSingleEmail(s.from, msg.Subject, sgmail.NewEmail("", msg.To), msg.Body, "")

	res, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return retry.Retryable(fmt.Errorf("sendgrid: send to %s: %w", maskAddress(msg.To), err))
	}
	if res.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("sendgrid: send to %s: status %d", maskAddress(msg.To), res.StatusCode)
		if transientStatus(res.StatusCode) {
			return retry.Retryable(err)
		}
		return err
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LOG
// ══════════════════════════════════════════════════════════════════════════════

// LogSender writes notifications to the log. It is the fallback channel
// and never fails.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log sender.
func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{logger: log.Named("notify")}
}

// Channel implements Sender.
func (s *LogSender) Channel() escalation.Channel { return escalation.ChannelLog }

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Warn("staff notification",
		logger.Channel(string(escalation.ChannelLog)),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// maskAddress keeps phone numbers and emails out of error strings.
func maskAddress(addr string) string {
	if i := strings.IndexByte(addr, '@'); i > 0 {
		return addr[:1] + "***" + addr[i:]
	}
	if len(addr) > 4 {
		return "***" + addr[len(addr)-4:]
	}
	return "***"
}
