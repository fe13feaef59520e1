package service

import (
	"context"
	"errors"
	"testing"

	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMail struct {
	to      []string
	subject string
	body    string
}

type recordingProvider struct {
	sent []sentMail
	err  error
}

func (p *recordingProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

func newTestService(t *testing.T, provider *recordingProvider) *Service {
	t.Helper()
	svc, err := NewService(Params{Log: zap.NewNop(), Email: provider})
	require.NoError(t, err)
	return svc
}

func suspiciousAlert(contact string) scandomain.SuspiciousAlert {
	return scandomain.SuspiciousAlert{
		AccountID:    "user:u-1",
		ContactEmail: contact,
		Scan: scandomain.Scan{
			RequestID: "req-1",
			ShareID:   "01HZX",
			ShareURL:  "https://trustscan.example.com/report/01HZX",
			Product: inferencedomain.Descriptor{
				ProductName: "Glow Serum <Max>",
				ProductURL:  "https://shop.example.com/glow",
			},
			Result: inferencedomain.Result{
				Score:       22,
				Tier:        inferencedomain.TierSuspicious,
				Verdict:     "Reviews cluster around launch week.",
				Confidence:  inferencedomain.ConfidenceMedium,
				RiskFactors: []string{"Burst of five-star reviews", "Refund complaints"},
			},
		},
	}
}

func TestNotifySuspiciousSendsEmail(t *testing.T) {
	provider := &recordingProvider{}
	svc := newTestService(t, provider)

	err := svc.NotifySuspicious(context.Background(), suspiciousAlert("shopper@example.com"))
	require.NoError(t, err)
	require.Len(t, provider.sent, 1)

	mail := provider.sent[0]
	assert.Equal(t, []string{"shopper@example.com"}, mail.to)
	assert.Equal(t, "Suspicious product: Glow Serum <Max>", mail.subject)
	assert.Contains(t, mail.body, "22/100")
	assert.Contains(t, mail.body, "Glow Serum &lt;Max&gt;")
	assert.Contains(t, mail.body, "Burst of five-star reviews")
	assert.Contains(t, mail.body, `href="https://trustscan.example.com/report/01HZX"`)
}

func TestNotifySuspiciousSkipsWithoutContact(t *testing.T) {
	provider := &recordingProvider{}
	svc := newTestService(t, provider)

	err := svc.NotifySuspicious(context.Background(), suspiciousAlert(" "))
	require.NoError(t, err)
	assert.Empty(t, provider.sent)
}

func TestNotifySuspiciousReturnsDeliveryError(t *testing.T) {
	boom := errors.New("smtp down")
	svc := newTestService(t, &recordingProvider{err: boom})

	err := svc.NotifySuspicious(context.Background(), suspiciousAlert("shopper@example.com"))
	assert.ErrorIs(t, err, boom)
}
