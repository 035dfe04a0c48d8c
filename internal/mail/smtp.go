package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	"lunchbox/internal/notify"
	logx "lunchbox/pkg/logx"
)

// Config holds the SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP implements notify.Transport over an SMTP submission endpoint.
//
// A fresh connection is dialed per send; reminder volume is low (one poll
// tick per minute) so connection pooling is not worth the bookkeeping.
type SMTP struct {
	cfg Config
	log logx.Logger
}

func NewSMTP(cfg Config, log logx.Logger) *SMTP {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMTP{cfg: cfg, log: log}
}

func (s *SMTP) Send(ctx context.Context, m notify.Message) (string, error) {
	if strings.TrimSpace(s.cfg.Host) == "" || strings.TrimSpace(s.cfg.From) == "" {
		return "", fmt.Errorf("%w: smtp host/from not configured", notify.ErrTransportUnavailable)
	}

	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return "", fmt.Errorf("%w: bad from address: %v", notify.ErrTransportUnavailable, err)
	}
	if err := msg.To(m.To); err != nil {
		return "", fmt.Errorf("%w: %v", notify.ErrInvalidRecipient, err)
	}
	msgID := uuid.NewString()
	msg.SetMessageIDWithValue(msgID)
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, m.HTML)
	}

	opts := []gomail.Option{gomail.WithTLSPolicy(gomail.TLSOpportunistic)}
	if s.cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(s.cfg.Port))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password))
	}

	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", notify.ErrTransportUnavailable, err)
	}

	// Dial and send are split so connection failures and send failures map
	// to distinct taxonomy errors.
	if err := client.DialWithContext(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", notify.ErrTransportUnavailable, err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Send(msg); err != nil {
		return "", fmt.Errorf("%w: %v", notify.ErrDeliveryRejected, err)
	}

	s.log.Debug("smtp send ok", logx.String("to", m.To), logx.String("msg_id", msgID))
	return msgID, nil
}
