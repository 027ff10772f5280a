package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPOptions struct {
	Host            string
	Port            int
	Username        string
	Password        string
	SSL             bool
	MessageIDDomain string
}

type SMTPSender struct {
	opts   SMTPOptions
	dialer *gomail.Dialer
}

var _ Transport = (*SMTPSender)(nil)

func NewSMTPSender(opts SMTPOptions) *SMTPSender {
	d := gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password)
	d.SSL = opts.SSL
	if opts.SSL {
		d.TLSConfig = &tls.Config{ServerName: opts.Host}
	}
	if opts.MessageIDDomain == "" {
		opts.MessageIDDomain = "localhost"
	}
	return &SMTPSender{opts: opts, dialer: d}
}

// Send builds the message and delivers it over a fresh SMTP session.
// gomail has no context support, so the dial runs in its own goroutine and
// is abandoned if ctx ends first.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.opts.MessageIDDomain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromAddress, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/html", msg.HTML)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return SendResult{}, fmt.Errorf("smtp send error: %w", err)
		}
	}

	return SendResult{
		MessageID: messageID,
	}, nil
}
