package email

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resendEmailsURL = "https://api.resend.com/emails"

func TestResendSender_Send(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	var got map[string]any
	httpmock.RegisterResponder(http.MethodPost, resendEmailsURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer re_test", req.Header.Get("Authorization"))
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return httpmock.NewStringResponse(400, `{"message":"bad body"}`), nil
			}
			return httpmock.NewStringResponse(200, `{"id":"msg_123"}`), nil
		})

	s := NewResendSenderWithClient(hc, "re_test")
	res, err := s.Send(context.Background(), Message{
		FromName:    "Team",
		FromAddress: "team@example.com",
		To:          "a@example.com",
		Subject:     "hello",
		HTML:        "<p>hi</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_123", res.MessageID)

	assert.Equal(t, "Team <team@example.com>", got["from"])
	assert.Equal(t, []any{"a@example.com"}, got["to"])
	assert.Equal(t, "hello", got["subject"])
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestResendSender_Rejected(t *testing.T) {
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, resendEmailsURL,
		httpmock.NewStringResponder(422, `{"statusCode":422,"name":"validation_error","message":"Invalid to field"}`))

	s := NewResendSenderWithClient(hc, "re_test")
	_, err := s.Send(context.Background(), Message{FromAddress: "team@example.com", To: "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resend send failed")
}
