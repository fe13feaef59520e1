package domain

import (
	"net/url"
	"strings"

	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

const (
	maxProductNameLen = 200
	maxBrandLen       = 100
)

// Descriptor identifies the product being scanned.
type Descriptor struct {
	ProductName string `json:"product_name"`
	Brand       string `json:"brand,omitempty"`
	ProductURL  string `json:"product_url"`
}

func (d Descriptor) Normalize() Descriptor {
	return Descriptor{
		ProductName: strings.TrimSpace(d.ProductName),
		Brand:       strings.TrimSpace(d.Brand),
		ProductURL:  strings.TrimSpace(d.ProductURL),
	}
}

type Tier string

const (
	TierTrusted    Tier = "trusted"
	TierMixed      Tier = "mixed"
	TierSuspicious Tier = "suspicious"
)

// TierForScore maps an overall score onto its tier.
func TierForScore(score int) Tier {
	switch {
	case score >= 70:
		return TierTrusted
	case score >= 40:
		return TierMixed
	default:
		return TierSuspicious
	}
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Breakdown labels accepted from the provider.
const (
	LabelRealityGap          = "Reality Gap"
	LabelPromotionalNoise    = "Promotional Noise"
	LabelTimingAnomalies     = "Timing Anomalies"
	LabelCommunityComplaints = "Community Complaints"
	LabelFeedbackDiversity   = "Feedback Diversity"
)

var BreakdownLabels = []string{
	LabelRealityGap,
	LabelPromotionalNoise,
	LabelTimingAnomalies,
	LabelCommunityComplaints,
	LabelFeedbackDiversity,
}

func IsBreakdownLabel(label string) bool {
	for _, l := range BreakdownLabels {
		if l == label {
			return true
		}
	}
	return false
}

type BreakdownItem struct {
	Label       string `json:"label"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

type CommunitySignal struct {
	Source    string    `json:"source"`
	Quote     string    `json:"quote"`
	Sentiment Sentiment `json:"sentiment"`
}

type DataSource struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

// Result is a validated provider payload. CommunitySignals and RiskFactors
// are only populated in deep mode.
type Result struct {
	Mode             plandomain.Mode   `json:"mode"`
	Score            int               `json:"trust_score"`
	Tier             Tier              `json:"status"`
	Verdict          string            `json:"verdict"`
	Breakdown        []BreakdownItem   `json:"breakdown"`
	CommunitySignals []CommunitySignal `json:"community_signals,omitempty"`
	RiskFactors      []string          `json:"risk_factors,omitempty"`
	Confidence       Confidence        `json:"confidence"`
	DataSources      []DataSource      `json:"data_sources"`
	Model            string            `json:"model"`
}

// Validate checks the fields a provider prompt needs.
func (d Descriptor) Validate() error {
	if d.ProductName == "" || len(d.ProductName) > maxProductNameLen {
		return ErrInvalidDescriptor
	}
	if len(d.Brand) > maxBrandLen {
		return ErrInvalidDescriptor
	}
	parsed, err := url.ParseRequestURI(d.ProductURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidDescriptor
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidDescriptor
	}
	return nil
}
