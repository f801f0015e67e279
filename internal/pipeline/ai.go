package pipeline

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// AI cost property keys.
const (
	propAIModel        = "$ai_model"
	propAIInputTokens  = "$ai_input_tokens"
	propAIOutputTokens = "$ai_output_tokens"
	propAIInputCost    = "$ai_input_cost_usd"
	propAIOutputCost   = "$ai_output_cost_usd"
	propAITotalCost    = "$ai_total_cost_usd"
)

// modelCost is USD per one million tokens.
type modelCost struct {
	prompt     float64
	completion float64
}

// modelCosts maps model name prefixes to pricing; longest prefix wins.
// Pricing tables drift, so derived costs are best-effort and only written
// when the client did not supply them.
var modelCosts = map[string]modelCost{
	"gpt-4o-mini":        {prompt: 0.15, completion: 0.60},
	"gpt-4o":             {prompt: 2.50, completion: 10.00},
	"gpt-4-turbo":        {prompt: 10.00, completion: 30.00},
	"gpt-4":              {prompt: 30.00, completion: 60.00},
	"gpt-3.5-turbo":      {prompt: 0.50, completion: 1.50},
	"claude-3-opus":      {prompt: 15.00, completion: 75.00},
	"claude-3-5-sonnet":  {prompt: 3.00, completion: 15.00},
	"claude-3-sonnet":    {prompt: 3.00, completion: 15.00},
	"claude-3-haiku":     {prompt: 0.25, completion: 1.25},
	"gemini-1.5-pro":     {prompt: 1.25, completion: 5.00},
	"gemini-1.5-flash":   {prompt: 0.075, completion: 0.30},
	"mistral-large":      {prompt: 2.00, completion: 6.00},
	"text-embedding-3":   {prompt: 0.02, completion: 0},
	"text-embedding-ada": {prompt: 0.10, completion: 0},
}

// AIProcessor derives token cost fields for $ai_generation and
// $ai_embedding events. Failures never abort the event.
type AIProcessor struct {
	log *logrus.Logger
}

// NewAIProcessor creates an AIProcessor.
func NewAIProcessor(log *logrus.Logger) *AIProcessor {
	if log == nil {
		log = logrus.New()
	}
	return &AIProcessor{log: log}
}

// Process fills in cost fields when the event is an AI event and the model
// is known. Client-supplied cost fields are left untouched.
func (a *AIProcessor) Process(ev *event.PipelineEvent) {
	if ev.Event != event.EventAIGeneration && ev.Event != event.EventAIEmbedding {
		return
	}

	model, _ := ev.Properties.String(propAIModel)
	cost, ok := lookupModelCost(model)
	if !ok {
		a.log.WithFields(logrus.Fields{
			"event_uuid": ev.UUID,
			"model":      model,
		}).Debug("Unknown AI model, cost fields skipped")
		return
	}

	inputTokens, _ := numericValue(ev.Properties[propAIInputTokens])
	outputTokens, _ := numericValue(ev.Properties[propAIOutputTokens])

	inputCost := inputTokens / 1_000_000 * cost.prompt
	outputCost := outputTokens / 1_000_000 * cost.completion

	if _, set := ev.Properties[propAIInputCost]; !set {
		ev.Properties[propAIInputCost] = inputCost
	} else {
		inputCost, _ = numericValue(ev.Properties[propAIInputCost])
	}
	if _, set := ev.Properties[propAIOutputCost]; !set {
		ev.Properties[propAIOutputCost] = outputCost
	} else {
		outputCost, _ = numericValue(ev.Properties[propAIOutputCost])
	}
	if _, set := ev.Properties[propAITotalCost]; !set {
		ev.Properties[propAITotalCost] = inputCost + outputCost
	}
}

func lookupModelCost(model string) (modelCost, bool) {
	if model == "" {
		return modelCost{}, false
	}
	model = strings.ToLower(model)

	bestLen := 0
	var best modelCost
	for prefix, cost := range modelCosts {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = cost
		}
	}
	return best, bestLen > 0
}
