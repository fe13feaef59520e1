package service

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/smallbiznis/trustscan/internal/notification/email"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const channelEmail = "email"

//go:embed templates/*.html
var templateFS embed.FS

type Params struct {
	fx.In

	Log        *zap.Logger
	Email      email.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	email      email.Provider
	tmpl       *template.Template
	obsMetrics *obsmetrics.Metrics
}

type alertView struct {
	ProductName string
	ProductURL  string
	Score       int
	Tier        string
	Confidence  string
	Verdict     string
	RiskFactors []string
	ReportURL   string
}

func NewService(p Params) (*Service, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse notification templates: %w", err)
	}
	return &Service{
		log:        p.Log.Named("notification.service"),
		email:      p.Email,
		tmpl:       tmpl,
		obsMetrics: p.ObsMetrics,
	}, nil
}

// NotifySuspicious emails the account owner about a suspicious result.
// Accounts without a contact address are skipped.
func (s *Service) NotifySuspicious(ctx context.Context, alert scandomain.SuspiciousAlert) error {
	to := strings.TrimSpace(alert.ContactEmail)
	if to == "" {
		s.obsMetrics.RecordNotification(ctx, channelEmail, "skipped")
		return nil
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("request_id", alert.Scan.RequestID),
		zap.String("share_id", alert.Scan.ShareID),
	)

	result := alert.Scan.Result
	view := alertView{
		ProductName: alert.Scan.Product.ProductName,
		ProductURL:  alert.Scan.Product.ProductURL,
		Score:       result.Score,
		Tier:        string(result.Tier),
		Confidence:  string(result.Confidence),
		Verdict:     result.Verdict,
		RiskFactors: result.RiskFactors,
		ReportURL:   alert.Scan.ShareURL,
	}
	var body bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&body, "suspicious_alert.html", view); err != nil {
		s.obsMetrics.RecordNotification(ctx, channelEmail, "error")
		return fmt.Errorf("render suspicious alert: %w", err)
	}

	subject := fmt.Sprintf("Suspicious product: %s", view.ProductName)
	if err := s.email.Send(ctx, []string{to}, subject, body.String()); err != nil {
		s.obsMetrics.RecordNotification(ctx, channelEmail, "error")
		log.Warn("suspicious alert delivery failed", zap.Error(err))
		return err
	}
	s.obsMetrics.RecordNotification(ctx, channelEmail, "sent")
	log.Info("suspicious alert sent")
	return nil
}
