package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailCadence/internal/config"
	"MailCadence/internal/models"
)

type transportFunc func(ctx context.Context, msg Message) (SendResult, error)

func (f transportFunc) Send(ctx context.Context, msg Message) (SendResult, error) { return f(ctx, msg) }

func blocking() Transport {
	return transportFunc(func(ctx context.Context, _ Message) (SendResult, error) {
		<-ctx.Done()
		return SendResult{}, ctx.Err()
	})
}

func TestSendWithTimeout_Success(t *testing.T) {
	tr := transportFunc(func(_ context.Context, msg Message) (SendResult, error) {
		return SendResult{MessageID: "id-" + msg.To}, nil
	})
	res, err := SendWithTimeout(context.Background(), tr, Message{To: "a@example.com"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "id-a@example.com", res.MessageID)
}

func TestSendWithTimeout_DeadlineIsTransportTimeout(t *testing.T) {
	_, err := SendWithTimeout(context.Background(), blocking(), Message{}, 20*time.Millisecond)
	require.Error(t, err)

	var te *models.TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout)
	assert.NotEmpty(t, te.Error())
}

func TestSendWithTimeout_FailureKeepsReason(t *testing.T) {
	tr := transportFunc(func(context.Context, Message) (SendResult, error) {
		return SendResult{}, errors.New("550 mailbox unavailable")
	})
	_, err := SendWithTimeout(context.Background(), tr, Message{}, time.Second)

	var te *models.TransportError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Timeout)
	assert.Equal(t, "550 mailbox unavailable", te.Reason)
}

func TestSendWithTimeout_ParentCancelledIsNotTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := SendWithTimeout(ctx, blocking(), Message{}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	var te *models.TransportError
	assert.False(t, errors.As(err, &te))
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(&config.Config{EmailProvider: "smtp", SMTPHost: "localhost", SMTPPort: 1025})
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, tr)

	tr, err = NewTransport(&config.Config{EmailProvider: "Resend", ResendAPIKey: "re_test"})
	require.NoError(t, err)
	assert.IsType(t, &ResendSender{}, tr)

	_, err = NewTransport(&config.Config{EmailProvider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSMTPSender_HonoursContext(t *testing.T) {
	// nothing listens on port 1, the dial either fails or is abandoned
	s := NewSMTPSender(SMTPOptions{Host: "127.0.0.1", Port: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Send(ctx, Message{FromAddress: "from@example.com", To: "to@example.com"})
	assert.Error(t, err)
}

func TestFormatFrom(t *testing.T) {
	assert.Equal(t, "a@example.com", formatFrom("", "a@example.com"))
	assert.Equal(t, "Alice <a@example.com>", formatFrom("Alice", "a@example.com"))
}
