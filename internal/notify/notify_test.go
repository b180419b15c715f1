package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeSender) Send(email *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func testExhaustion() Exhaustion {
	return Exhaustion{
		BundleID:       "b-1",
		RecursionLevel: 5,
		Grid:           "GKg_a",
		TaskIDs:        []string{"t-1", "t-2"},
		At:             time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMessage(t *testing.T) {
	subject, body := Message(testExhaustion())

	assert.Equal(t, "ferreq: 2 task(s) failed after 5 retry level(s) on GKg_a", subject)
	assert.Contains(t, body, "Bundle b-1 reached recursion level 5 at 2024-03-01T12:00:00Z")
	assert.Contains(t, body, "  t-1\n  t-2\n")
}

func TestEmailRetriesExhausted(t *testing.T) {
	sender := &fakeSender{status: 202}
	n := NewEmailWithSender(sender, EmailConfig{FromName: "ferreq", FromAddress: "ferreq@example.org", To: "ops@example.org"}, nil)

	require.NoError(t, n.RetriesExhausted(context.Background(), testExhaustion()))
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "ferreq@example.org", msg.From.Address)
	require.Len(t, msg.Personalizations, 1)
	assert.Equal(t, "ops@example.org", msg.Personalizations[0].To[0].Address)
	assert.Contains(t, msg.Subject, "2 task(s)")
}

func TestEmailErrors(t *testing.T) {
	cfg := EmailConfig{FromAddress: "ferreq@example.org", To: "ops@example.org"}

	t.Run("transport", func(t *testing.T) {
		n := NewEmailWithSender(&fakeSender{err: errors.New("dial tcp: refused")}, cfg, nil)
		assert.ErrorContains(t, n.RetriesExhausted(context.Background(), testExhaustion()), "refused")
	})

	t.Run("status", func(t *testing.T) {
		n := NewEmailWithSender(&fakeSender{status: 401}, cfg, nil)
		assert.ErrorContains(t, n.RetriesExhausted(context.Background(), testExhaustion()), "status 401")
	})

	t.Run("cancelled", func(t *testing.T) {
		sender := &fakeSender{status: 202}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		n := NewEmailWithSender(sender, cfg, nil)
		assert.ErrorIs(t, n.RetriesExhausted(ctx, testExhaustion()), context.Canceled)
		assert.Empty(t, sender.sent)
	})
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.RetriesExhausted(context.Background(), testExhaustion()))
}
