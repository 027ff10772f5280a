package email

import (
	"context"
	"fmt"
	"net/http"

	"github.com/resend/resend-go/v2"
)

// ResendSender sends through the Resend HTTP API.
type ResendSender struct {
	client *resend.Client
}

var _ Transport = (*ResendSender)(nil)

func NewResendSender(apiKey string) *ResendSender {
	return NewResendSenderWithClient(&http.Client{}, apiKey)
}

// NewResendSenderWithClient sends through hc. Deadlines come from the
// context passed to Send, not from hc.
func NewResendSenderWithClient(hc *http.Client, apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewCustomClient(hc, apiKey)}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	params := &resend.SendEmailRequest{
		From:    formatFrom(msg.FromName, msg.FromAddress),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return SendResult{}, fmt.Errorf("resend send failed: %w", err)
	}

	return SendResult{
		MessageID: sent.Id,
	}, nil
}
