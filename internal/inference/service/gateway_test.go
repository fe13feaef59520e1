package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/inference/domain"
	"github.com/smallbiznis/trustscan/internal/inference/provider"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testDescriptor = domain.Descriptor{
	ProductName: "Acme Air Fryer",
	Brand:       "Acme",
	ProductURL:  "https://shop.example.com/p/123",
}

const validFast = `{
  "trustScore": 72,
  "status": "trusted",
  "verdict": "Owners mostly report what the listing promises.",
  "breakdown": [
    {"label": "Reality Gap", "score": 75, "description": "Claims hold up."},
    {"label": "Promotional Noise", "score": 70, "description": "Some sponsored videos."},
    {"label": "Timing Anomalies", "score": 80, "description": "Steady review cadence."},
    {"label": "Community Complaints", "score": 65, "description": "Basket coating wears."},
    {"label": "Feedback Diversity", "score": 70, "description": "Several independent sources."}
  ],
  "confidence": "medium"
}`

const validDeep = `{
  "trustScore": 35,
  "status": "suspicious",
  "verdict": "Discussion is dominated by affiliate content. Independent owners report early failures.",
  "breakdown": [
    {"label": "Reality Gap", "score": 30, "description": "Capacity overstated."},
    {"label": "Promotional Noise", "score": 20, "description": "Heavy affiliate presence."},
    {"label": "Timing Anomalies", "score": 40, "description": "Review burst at launch."},
    {"label": "Community Complaints", "score": 35, "description": "Heating element failures."},
    {"label": "Feedback Diversity", "score": 50, "description": "Few independent threads."}
  ],
  "communitySignals": [
    {"source": "Reddit User", "quote": "Died after two months.", "sentiment": "negative"},
    {"source": "YouTube Comment", "quote": "Works fine for small batches.", "sentiment": "neutral"},
    {"source": "Amazon Review", "quote": "Love it so far.", "sentiment": "positive"}
  ],
  "riskFactors": ["Heating element failures", "Capacity smaller than advertised"],
  "confidence": "high"
}`

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4o-mini-2024",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20},
	})
	return string(b)
}

func newTestGateway(t *testing.T, handler http.HandlerFunc, timeout time.Duration) domain.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{Inference: config.InferenceConfig{
		BaseURL:        srv.URL,
		APIKey:         "sk-test",
		FastModel:      "gpt-4o-mini",
		DeepModel:      "gpt-4o",
		FastMaxTokens:  800,
		DeepMaxTokens:  1500,
		Temperature:    0.3,
		RequestTimeout: timeout,
	}}
	return NewGateway(Params{
		Config:   cfg,
		Log:      zap.NewNop(),
		Provider: provider.NewOpenAIClientWithHTTP(cfg.Inference.APIKey, srv.URL, srv.Client()),
	})
}

func TestInvokeFastReturnsValidatedResult(t *testing.T) {
	var gotReq map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, completionBody("```json\n"+validFast+"\n```"))
	}, time.Second)

	res, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", gotReq["model"])
	assert.EqualValues(t, 800, gotReq["max_tokens"])
	assert.Equal(t, 72, res.Score)
	assert.Equal(t, domain.TierTrusted, res.Tier)
	assert.Len(t, res.Breakdown, 5)
	assert.Empty(t, res.CommunitySignals)
	assert.Equal(t, domain.ConfidenceMedium, res.Confidence)
	assert.Equal(t, "gpt-4o-mini-2024", res.Model)
	require.Len(t, res.DataSources, 3)
	assert.Equal(t, "https://www.reddit.com/search/?q=acme+air+fryer&type=link", res.DataSources[0].URL)
	assert.Equal(t, "https://www.youtube.com/results?search_query=Acme+Air+Fryer+Acme+review", res.DataSources[1].URL)
}

func TestInvokeDeepUsesDeepModelAndSignals(t *testing.T) {
	var gotReq map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, completionBody(validDeep))
	}, time.Second)

	res, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeDeep)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", gotReq["model"])
	assert.EqualValues(t, 1500, gotReq["max_tokens"])
	assert.Equal(t, domain.TierSuspicious, res.Tier)
	assert.Len(t, res.CommunitySignals, 3)
	assert.Equal(t, domain.SentimentNegative, res.CommunitySignals[0].Sentiment)
	assert.Len(t, res.RiskFactors, 2)
}

func TestInvokeDerivesTierFromScore(t *testing.T) {
	payload := strings.Replace(validFast, `"trustScore": 72`, `"trustScore": 40`, 1)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody(payload))
	}, time.Second)

	res, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, domain.TierMixed, res.Tier)
}

func TestInvokeSchemaViolations(t *testing.T) {
	cases := map[string]struct {
		mode    plandomain.Mode
		payload string
	}{
		"score out of range": {plandomain.ModeFast, strings.Replace(validFast, `"trustScore": 72`, `"trustScore": 140`, 1)},
		"missing score":      {plandomain.ModeFast, strings.Replace(validFast, `"trustScore": 72,`, ``, 1)},
		"fractional score":   {plandomain.ModeFast, strings.Replace(validFast, `"trustScore": 72`, `"trustScore": 72.5`, 1)},
		"unknown status":     {plandomain.ModeFast, strings.Replace(validFast, `"status": "trusted"`, `"status": "great"`, 1)},
		"blank verdict":      {plandomain.ModeFast, strings.Replace(validFast, `"verdict": "Owners mostly report what the listing promises."`, `"verdict": "  "`, 1)},
		"unknown label":      {plandomain.ModeFast, strings.Replace(validFast, `"Timing Anomalies"`, `"Vibes"`, 1)},
		"duplicate label":    {plandomain.ModeFast, strings.Replace(validFast, `"Timing Anomalies"`, `"Reality Gap"`, 1)},
		"breakdown score":    {plandomain.ModeFast, strings.Replace(validFast, `"score": 75`, `"score": -1`, 1)},
		"deep fields in fast": {plandomain.ModeFast, strings.Replace(validFast, `"confidence": "medium"`,
			`"confidence": "medium", "riskFactors": ["x"]`, 1)},
		"not json":          {plandomain.ModeFast, "I could not find this product."},
		"missing signals":   {plandomain.ModeDeep, validFast},
		"bad sentiment":     {plandomain.ModeDeep, strings.Replace(validDeep, `"sentiment": "neutral"`, `"sentiment": "mixed"`, 1)},
		"empty risk factor": {plandomain.ModeDeep, strings.Replace(validDeep, `"Heating element failures", `, `"", `, 1)},
		"two signals": {plandomain.ModeDeep, strings.Replace(validDeep,
			`,
    {"source": "Amazon Review", "quote": "Love it so far.", "sentiment": "positive"}`, ``, 1)},
		"six signals": {plandomain.ModeDeep, strings.Replace(validDeep,
			`{"source": "Amazon Review", "quote": "Love it so far.", "sentiment": "positive"}`,
			strings.TrimSuffix(strings.Repeat(`{"source": "Amazon Review", "quote": "Love it so far.", "sentiment": "positive"},`, 4), ","), 1)},
		"one risk factor":   {plandomain.ModeDeep, strings.Replace(validDeep, `"Heating element failures", `, ``, 1)},
		"five risk factors": {plandomain.ModeDeep, strings.Replace(validDeep, `"riskFactors": [`,
			`"riskFactors": ["Short warranty", "No spare parts", "Loud fan", `, 1)},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, completionBody(tc.payload))
			}, time.Second)

			_, err := gw.Invoke(context.Background(), testDescriptor, tc.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrSchema), "got %v", err)
			assert.Equal(t, domain.KindSchema, domain.KindOf(err))
		})
	}
}

func TestInvokeProviderRejection(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"content policy","type":"invalid_request_error"}}`)
	}, time.Second)

	_, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProvider))

	var gwErr *domain.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.StatusCode)
	assert.Contains(t, gwErr.Error(), "content policy")
}

func TestInvokeTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})

	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	// Registered after the server so it runs first (cleanups are LIFO);
	// otherwise srv.Close blocks forever on the still-running handler.
	t.Cleanup(func() { close(release) })

	start := time.Now()
	_, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransport), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Second)

	_, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvokeRejectsInvalidInput(t *testing.T) {
	var calls atomic.Int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, time.Second)

	_, err := gw.Invoke(context.Background(), domain.Descriptor{ProductName: "x", ProductURL: "not a url"}, plandomain.ModeFast)
	assert.ErrorIs(t, err, domain.ErrInvalidDescriptor)

	_, err = gw.Invoke(context.Background(), testDescriptor, plandomain.Mode("turbo"))
	assert.ErrorIs(t, err, plandomain.ErrInvalidMode)
	assert.Zero(t, calls.Load())
}

type stubProvider struct {
	err error
}

func (s stubProvider) Name() string { return "stub" }

func (s stubProvider) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	return domain.Completion{}, s.err
}

func TestClassifyUnknownProviderError(t *testing.T) {
	gw := NewGateway(Params{
		Config:   config.Config{Inference: config.InferenceConfig{RequestTimeout: time.Second}},
		Log:      zap.NewNop(),
		Provider: stubProvider{err: errors.New("boom")},
	})
	_, err := gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	assert.Equal(t, domain.KindProvider, domain.KindOf(err))

	gw = NewGateway(Params{
		Config:   config.Config{Inference: config.InferenceConfig{RequestTimeout: time.Second}},
		Log:      zap.NewNop(),
		Provider: stubProvider{err: fmt.Errorf("dial: %w", context.DeadlineExceeded)},
	})
	_, err = gw.Invoke(context.Background(), testDescriptor, plandomain.ModeFast)
	assert.Equal(t, domain.KindTransport, domain.KindOf(err))
}
