package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/trustscan/internal/inference/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

type breakdownPayload struct {
	Label       string `json:"label" validate:"required,breakdown_label"`
	Score       *int   `json:"score" validate:"required,gte=0,lte=100"`
	Description string `json:"description" validate:"nonblank"`
}

type signalPayload struct {
	Source    string `json:"source" validate:"nonblank"`
	Quote     string `json:"quote" validate:"nonblank"`
	Sentiment string `json:"sentiment" validate:"required,oneof=positive neutral negative"`
}

type fastPayload struct {
	TrustScore *int               `json:"trustScore" validate:"required,gte=0,lte=100"`
	Status     string             `json:"status" validate:"required,oneof=trusted mixed suspicious"`
	Verdict    string             `json:"verdict" validate:"nonblank"`
	Breakdown  []breakdownPayload `json:"breakdown" validate:"required,len=5,unique=Label,dive"`
	Confidence string             `json:"confidence" validate:"required,oneof=low medium high"`
}

type deepPayload struct {
	TrustScore       *int               `json:"trustScore" validate:"required,gte=0,lte=100"`
	Status           string             `json:"status" validate:"required,oneof=trusted mixed suspicious"`
	Verdict          string             `json:"verdict" validate:"nonblank"`
	Breakdown        []breakdownPayload `json:"breakdown" validate:"required,len=5,unique=Label,dive"`
	CommunitySignals []signalPayload    `json:"communitySignals" validate:"required,min=3,max=5,dive"`
	RiskFactors      []string           `json:"riskFactors" validate:"required,min=2,max=4,dive,nonblank"`
	Confidence       string             `json:"confidence" validate:"required,oneof=low medium high"`
}

func newSchemaValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}
	mustRegister("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	mustRegister("breakdown_label", func(fl validator.FieldLevel) bool {
		return domain.IsBreakdownLabel(fl.Field().String())
	})
	return v
}

// extractJSON strips a markdown code fence around the payload when present.
func extractJSON(content string) string {
	if m := codeFence.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}

func decodeStrict(content string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after payload")
	}
	return nil
}

// parseResult decodes and validates content against the schema for mode.
// Every failure is a schema error.
func parseResult(v *validator.Validate, content string, mode plandomain.Mode) (domain.Result, error) {
	raw := extractJSON(content)
	if raw == "" {
		return domain.Result{}, domain.SchemaError(errors.New("empty payload"))
	}

	switch mode {
	case plandomain.ModeFast:
		var p fastPayload
		if err := decodeStrict(raw, &p); err != nil {
			return domain.Result{}, domain.SchemaError(fmt.Errorf("decode fast payload: %w", err))
		}
		if err := v.Struct(p); err != nil {
			return domain.Result{}, domain.SchemaError(fmt.Errorf("validate fast payload: %w", err))
		}
		return domain.Result{
			Mode:       mode,
			Score:      *p.TrustScore,
			Tier:       domain.TierForScore(*p.TrustScore),
			Verdict:    strings.TrimSpace(p.Verdict),
			Breakdown:  toBreakdown(p.Breakdown),
			Confidence: domain.Confidence(p.Confidence),
		}, nil
	case plandomain.ModeDeep:
		var p deepPayload
		if err := decodeStrict(raw, &p); err != nil {
			return domain.Result{}, domain.SchemaError(fmt.Errorf("decode deep payload: %w", err))
		}
		if err := v.Struct(p); err != nil {
			return domain.Result{}, domain.SchemaError(fmt.Errorf("validate deep payload: %w", err))
		}
		signals := make([]domain.CommunitySignal, 0, len(p.CommunitySignals))
		for _, s := range p.CommunitySignals {
			signals = append(signals, domain.CommunitySignal{
				Source:    strings.TrimSpace(s.Source),
				Quote:     strings.TrimSpace(s.Quote),
				Sentiment: domain.Sentiment(s.Sentiment),
			})
		}
		risks := make([]string, 0, len(p.RiskFactors))
		for _, r := range p.RiskFactors {
			risks = append(risks, strings.TrimSpace(r))
		}
		return domain.Result{
			Mode:             mode,
			Score:            *p.TrustScore,
			Tier:             domain.TierForScore(*p.TrustScore),
			Verdict:          strings.TrimSpace(p.Verdict),
			Breakdown:        toBreakdown(p.Breakdown),
			CommunitySignals: signals,
			RiskFactors:      risks,
			Confidence:       domain.Confidence(p.Confidence),
		}, nil
	default:
		return domain.Result{}, plandomain.ErrInvalidMode
	}
}

func toBreakdown(items []breakdownPayload) []domain.BreakdownItem {
	out := make([]domain.BreakdownItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.BreakdownItem{
			Label:       item.Label,
			Score:       *item.Score,
			Description: strings.TrimSpace(item.Description),
		})
	}
	return out
}
