package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MailCadence/internal/config"
	"MailCadence/internal/models"
)

// Message is one outbound email.
type Message struct {
	FromName    string
	FromAddress string
	To          string
	Subject     string
	HTML        string
}

// SendResult carries the provider's reference for an accepted message.
type SendResult struct {
	MessageID string
}

// Transport delivers a single message. Implementations must return when ctx
// is done.
type Transport interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// NewTransport builds the transport selected by EMAIL_PROVIDER.
func NewTransport(cfg *config.Config) (Transport, error) {
	switch cfg.Provider() {
	case "smtp":
		return NewSMTPSender(SMTPOptions{
			Host:            cfg.SMTPHost,
			Port:            cfg.SMTPPort,
			Username:        cfg.SMTPUser,
			Password:        cfg.SMTPPassword,
			SSL:             cfg.SMTPSSL,
			MessageIDDomain: cfg.MessageIDDomain,
		}), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
}

// SendWithTimeout bounds one send attempt by timeout. Failures come back as
// *models.TransportError, with Timeout set when the deadline passed. If the
// parent ctx ends first the attempt is abandoned and ctx.Err() is returned.
func SendWithTimeout(ctx context.Context, t Transport, msg Message, timeout time.Duration) (SendResult, error) {
	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := t.Send(sendCtx, msg)
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return SendResult{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return SendResult{}, &models.TransportError{
			Reason:  fmt.Sprintf("no response from mail transport after %s", timeout),
			Timeout: true,
			Err:     err,
		}
	}

	var te *models.TransportError
	if errors.As(err, &te) {
		return SendResult{}, te
	}
	return SendResult{}, &models.TransportError{Reason: err.Error(), Err: err}
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
