package service

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/trustscan/internal/inference/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

const systemPrompt = `You assess how far a product's public reputation can be trusted, using what communities say about it.

Rules:
- Stay neutral and measured. Do not accuse sellers of fraud or call reviews fake.
- Say so in the verdict when there is too little public discussion to judge.
- Respond with a single JSON object and nothing else.

Score each of these dimensions from 0 to 100, where a lower score means a bigger problem:
- Reality Gap: distance between marketing claims and reported experience
- Promotional Noise: share of sponsored or paid content in the discussion
- Timing Anomalies: unusual bursts or clustering of reviews
- Community Complaints: weight of recurring problems reported by owners
- Feedback Diversity: how varied and independent the feedback sources are

Overall status: 70-100 "trusted", 40-69 "mixed", 0-39 "suspicious".`

const fastShape = `{
  "trustScore": <integer 0-100>,
  "status": "trusted" | "mixed" | "suspicious",
  "verdict": "<one or two sentences>",
  "breakdown": [
    {"label": "Reality Gap", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Promotional Noise", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Timing Anomalies", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Community Complaints", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Feedback Diversity", "score": <integer 0-100>, "description": "<text>"}
  ],
  "confidence": "low" | "medium" | "high"
}`

const deepShape = `{
  "trustScore": <integer 0-100>,
  "status": "trusted" | "mixed" | "suspicious",
  "verdict": "<two or three sentences explaining the score>",
  "breakdown": [
    {"label": "Reality Gap", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Promotional Noise", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Timing Anomalies", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Community Complaints", "score": <integer 0-100>, "description": "<text>"},
    {"label": "Feedback Diversity", "score": <integer 0-100>, "description": "<text>"}
  ],
  "communitySignals": [
    {"source": "<where it was said>", "quote": "<text>", "sentiment": "positive" | "neutral" | "negative"}
  ],
  "riskFactors": ["<concrete issue>"],
  "confidence": "low" | "medium" | "high"
}`

func userPrompt(d domain.Descriptor, mode plandomain.Mode) string {
	var b strings.Builder
	if mode == plandomain.ModeDeep {
		b.WriteString("Run an in-depth reputation review of this product.\n\n")
	} else {
		b.WriteString("Run a quick reputation check of this product.\n\n")
	}
	fmt.Fprintf(&b, "Product: %s\n", d.ProductName)
	if d.Brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", d.Brand)
	}
	fmt.Fprintf(&b, "URL: %s\n\n", d.ProductURL)

	if mode == plandomain.ModeDeep {
		b.WriteString("Include 3 to 5 community signals with a named source and 2 to 4 specific risk factors.\n\n")
		b.WriteString("Answer with exactly this JSON shape:\n")
		b.WriteString(deepShape)
	} else {
		b.WriteString("Answer with exactly this JSON shape:\n")
		b.WriteString(fastShape)
	}
	return b.String()
}
