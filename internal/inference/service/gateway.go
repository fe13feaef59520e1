package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/inference/domain"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 25 * time.Second

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Provider   domain.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Gateway struct {
	cfg        config.InferenceConfig
	log        *zap.Logger
	provider   domain.Provider
	validate   *validator.Validate
	obsMetrics *obsmetrics.Metrics
}

func NewGateway(p Params) domain.Gateway {
	cfg := p.Config.Inference
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Gateway{
		cfg:        cfg,
		log:        p.Log.Named("inference.gateway"),
		provider:   p.Provider,
		validate:   newSchemaValidator(),
		obsMetrics: p.ObsMetrics,
	}
}

func (g *Gateway) Invoke(ctx context.Context, descriptor domain.Descriptor, mode plandomain.Mode) (domain.Result, error) {
	descriptor = descriptor.Normalize()
	if err := descriptor.Validate(); err != nil {
		return domain.Result{}, err
	}
	if !mode.Valid() {
		return domain.Result{}, plandomain.ErrInvalidMode
	}

	model, maxTokens := g.cfg.FastModel, g.cfg.FastMaxTokens
	if mode == plandomain.ModeDeep {
		model, maxTokens = g.cfg.DeepModel, g.cfg.DeepMaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	log := logger.WithContext(ctx, g.log).With(
		zap.String("mode", string(mode)),
		zap.String("model", model),
		zap.String("provider", g.provider.Name()),
	)

	start := time.Now()
	completion, err := g.provider.Complete(callCtx, domain.CompletionRequest{
		Model:       model,
		System:      systemPrompt,
		User:        userPrompt(descriptor, mode),
		MaxTokens:   maxTokens,
		Temperature: g.cfg.Temperature,
	})
	g.obsMetrics.ObserveProviderLatency(ctx, string(mode), time.Since(start))
	if err != nil {
		gwErr := classify(callCtx, err)
		g.obsMetrics.RecordProviderFailure(ctx, string(mode), string(gwErr.Kind))
		log.Warn("inference call failed",
			zap.String("error_kind", string(gwErr.Kind)),
			zap.Int("status_code", gwErr.StatusCode),
			zap.Error(err),
		)
		return domain.Result{}, gwErr
	}

	result, err := parseResult(g.validate, completion.Content, mode)
	if err != nil {
		g.obsMetrics.RecordProviderFailure(ctx, string(mode), string(domain.KindSchema))
		log.Warn("provider contract violation",
			zap.String("error_kind", string(domain.KindSchema)),
			zap.String("finish_reason", completion.FinishReason),
			zap.Error(err),
		)
		return domain.Result{}, err
	}

	result.DataSources = dataSources(descriptor)
	result.Model = completion.Model
	if result.Model == "" {
		result.Model = model
	}

	log.Debug("inference call succeeded",
		zap.Int("trust_score", result.Score),
		zap.String("tier", string(result.Tier)),
		zap.Int("input_tokens", completion.InputTokens),
		zap.Int("output_tokens", completion.OutputTokens),
	)
	return result, nil
}

// classify turns a provider error into a gateway error. A deadline or
// cancellation during the call is a transport failure.
func classify(ctx context.Context, err error) *domain.Error {
	var gwErr *domain.Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.TransportError(err)
	}
	return domain.ProviderError(0, err)
}
